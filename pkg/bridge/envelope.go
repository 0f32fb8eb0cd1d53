package bridge

import "time"

// Envelope carries one inbound MQTT publish through the forwarding pipeline.
// It is created once on receipt and consumed by exactly one processing
// worker; it is never persisted.
type Envelope struct {
	// Topic is the MQTT topic the message arrived on.
	Topic string
	// Payload is a private copy of the message body.
	Payload []byte
	// QoS and Retained mirror the MQTT publish flags.
	QoS      byte
	Retained bool

	// ReceivedAt is the receipt instant and carries Go's monotonic clock
	// reading, suitable for measuring elapsed time.
	ReceivedAt time.Time
	// Timestamp is the wall-clock receipt time used for metrics windowing.
	Timestamp time.Time
}
