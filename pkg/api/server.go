package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/mqtt-bridge/pkg/metrics"
	"github.com/rs/zerolog"
)

// SubscriptionManager is the slice of *subscriber.Manager the admin surface
// drives.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Topics() []string
	IsConnected() bool
}

// SinkStatus exposes downstream health for the health payload.
// *sink.Sink satisfies it.
type SinkStatus interface {
	IsConnected() bool
	Backoff() time.Duration
}

// Server is the admin HTTP surface: runtime subscription control, health,
// and windowed metrics.
type Server struct {
	logger     zerolog.Logger
	httpPort   string
	httpServer *http.Server
	mux        *http.ServeMux

	mu         sync.RWMutex
	actualAddr string

	subs    SubscriptionManager
	sink    SinkStatus
	metrics *metrics.Aggregator
}

// NewServer creates the admin server and registers its routes.
func NewServer(
	httpPort string,
	subs SubscriptionManager,
	sinkStatus SinkStatus,
	agg *metrics.Aggregator,
	logger zerolog.Logger,
) (*Server, error) {
	if subs == nil {
		return nil, fmt.Errorf("subscription manager cannot be nil")
	}
	if sinkStatus == nil {
		return nil, fmt.Errorf("sink status cannot be nil")
	}
	if agg == nil {
		return nil, fmt.Errorf("metrics aggregator cannot be nil")
	}

	s := &Server{
		logger:   logger.With().Str("component", "AdminAPI").Logger(),
		httpPort: httpPort,
		mux:      http.NewServeMux(),
		subs:     subs,
		sink:     sinkStatus,
		metrics:  agg,
	}
	s.httpServer = &http.Server{
		Addr:    httpPort,
		Handler: s.mux,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /topics", s.handleTopics)
	s.mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	// The wildcard keeps slashes, so MQTT topic paths like sensors/temp work.
	s.mux.HandleFunc("DELETE /unsubscribe/{topic...}", s.handleUnsubscribe)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("POST /admin/reset-metrics", s.handleResetMetrics)

	return s, nil
}

// Start begins serving in a background goroutine. A port of ":0" binds an
// ephemeral port; Addr reports the bound address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Admin API listening.")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin API server failed.")
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down admin API...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Admin API stopped.")
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		MqttConnected: s.subs.IsConnected(),
		SinkConnected: s.sink.IsConnected(),
		SinkBackoffMs: s.sink.Backoff().Milliseconds(),
	}
	if !resp.MqttConnected || !resp.SinkConnected {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	topics := s.subs.Topics()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, TopicsResponse{Topics: topics})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "topic is required"})
		return
	}

	if err := s.subs.Subscribe(r.Context(), req.Topic); err != nil {
		s.logger.Warn().Err(err).Str("topic", req.Topic).Msg("Subscribe request failed.")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "subscribed", Topic: req.Topic})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "topic is required"})
		return
	}

	if err := s.subs.Unsubscribe(r.Context(), topic); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("Unsubscribe request failed.")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "unsubscribed", Topic: topic})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newMetricsResponse(s.metrics.Snapshot(), s.subs.Topics()))
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, _ *http.Request) {
	s.metrics.Reset()
	writeJSON(w, http.StatusOK, StatusResponse{Status: "metrics reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
