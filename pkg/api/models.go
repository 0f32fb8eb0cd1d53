package api

import (
	"time"

	"github.com/illmade-knight/mqtt-bridge/pkg/metrics"
)

// SubscribeRequest is the body of POST /subscribe.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// TopicsResponse is the body of GET /topics.
type TopicsResponse struct {
	Topics []string `json:"topics"`
}

// StatusResponse acknowledges a state-changing admin call.
type StatusResponse struct {
	Status string `json:"status"`
	Topic  string `json:"topic,omitempty"`
}

// ErrorResponse carries a failure back to the admin caller.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health. The endpoint always returns 200
// once the process is serving; degraded transports are reported in the body
// rather than the status code.
type HealthResponse struct {
	Status        string `json:"status"`
	MqttConnected bool   `json:"mqtt_connected"`
	SinkConnected bool   `json:"sink_connected"`
	SinkBackoffMs int64  `json:"sink_backoff_ms"`
}

// MetricsResponse is the body of GET /metrics: aggregate figures over the
// sealed metrics windows plus the currently tracked topics.
type MetricsResponse struct {
	WindowTimeSec        uint64   `json:"window_time_sec"`
	MessagesReceived     uint64   `json:"messages_received"`
	MessagesProcessed    uint64   `json:"messages_processed"`
	MessagesDropped      uint64   `json:"messages_dropped"`
	ProcessingErrors     uint64   `json:"processing_errors"`
	ActiveTopics         []string `json:"active_topics"`
	Throughput           float64  `json:"throughput"`
	AverageMessageSize   uint64   `json:"average_message_size"`
	MaxMessageSize       uint64   `json:"max_message_size"`
	AverageProcessingMs  float64  `json:"average_processing_time_ms"`
	MaxProcessingMs      float64  `json:"max_processing_time_ms"`
	LastMessageTime      string   `json:"last_message_time,omitempty"`
	SealedWindows        int      `json:"sealed_windows"`
}

// newMetricsResponse maps an aggregator snapshot onto the wire shape.
func newMetricsResponse(snap metrics.Snapshot, topics []string) MetricsResponse {
	resp := MetricsResponse{
		WindowTimeSec:       snap.WindowSpanSeconds,
		MessagesReceived:    snap.Received,
		MessagesProcessed:   snap.Processed,
		MessagesDropped:     snap.Dropped,
		ProcessingErrors:    snap.Errors,
		ActiveTopics:        topics,
		Throughput:          snap.Throughput,
		AverageMessageSize:  snap.AvgSize,
		MaxMessageSize:      snap.MaxSize,
		AverageProcessingMs: float64(snap.AvgProcessing) / float64(time.Millisecond),
		MaxProcessingMs:     float64(snap.MaxProcessing) / float64(time.Millisecond),
		SealedWindows:       snap.SealedWindows,
	}
	if resp.ActiveTopics == nil {
		resp.ActiveTopics = []string{}
	}
	if !snap.LastMessageTime.IsZero() {
		resp.LastMessageTime = snap.LastMessageTime.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
