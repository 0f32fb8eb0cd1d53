package sink

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Env constants for sink settings.
const (
	SinkTopicSensorData     = "SINK_TOPIC_SENSOR_DATA"
	SinkTopicServiceMetrics = "SINK_TOPIC_SERVICE_METRICS"
	SinkHealthIntervalSecs  = "SINK_HEALTH_INTERVAL_SECONDS"
)

// Config holds configuration for the downstream sink.
type Config struct {
	// TopicIDs are the downstream topics this sink can forward to. Their
	// availability is checked once at construction and never refreshed.
	TopicIDs []string
	// SendTimeout bounds each individual publish attempt.
	SendTimeout time.Duration
	// HealthInterval is how often the background probe runs.
	HealthInterval time.Duration
	// ProbeTimeout bounds each health probe.
	ProbeTimeout time.Duration
	// BackoffFloor and BackoffCap bound the advisory backoff delay that the
	// health loop maintains for observability.
	BackoffFloor time.Duration
	BackoffCap   time.Duration
	// ConnectAttempts is the number of handshake probes tried at
	// construction before giving up and starting disconnected.
	ConnectAttempts int
	// HandshakeBaseDelay scales the exponential wait between handshake
	// attempts (base << attempt, capped at 64x base).
	HandshakeBaseDelay time.Duration
}

// NewConfigDefaults provides a Config with the standard settings.
func NewConfigDefaults() *Config {
	return &Config{
		SendTimeout:        time.Second,
		HealthInterval:     30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		BackoffFloor:       time.Second,
		BackoffCap:         60 * time.Second,
		ConnectAttempts:    5,
		HandshakeBaseDelay: time.Second,
	}
}

// LoadConfigFromEnv builds a Config from environment variables, falling back
// to defaults where unset.
func LoadConfigFromEnv() *Config {
	cfg := NewConfigDefaults()
	sensorData := os.Getenv(SinkTopicSensorData)
	if sensorData == "" {
		sensorData = "smartlab-data"
	}
	serviceMetrics := os.Getenv(SinkTopicServiceMetrics)
	if serviceMetrics == "" {
		serviceMetrics = "smartlab-subscriber-metrics"
	}
	cfg.TopicIDs = []string{sensorData, serviceMetrics}
	if hi := os.Getenv(SinkHealthIntervalSecs); hi != "" {
		if secs, err := time.ParseDuration(hi + "s"); err == nil && secs > 0 {
			cfg.HealthInterval = secs
		}
	}
	return cfg
}

// Sink owns the outbound connection to the downstream broker, its cached
// health flag, and the advisory backoff bookkeeping.
//
// The connected flag is written by both the background health probe and by
// send outcomes; each write is atomic and last-writer-wins, with no ordering
// guarantee between the two beyond that.
type Sink struct {
	client Client
	cfg    *Config
	logger zerolog.Logger

	connected atomic.Bool
	backoff   atomic.Int64 // nanoseconds, advisory only

	// available is the downstream topic snapshot captured at construction.
	// Topics created afterwards stay unreachable through this sink instance.
	available map[string]bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a Sink. It performs a bounded-retry handshake against the
// broker and captures the topic availability snapshot, then starts the
// background health loop. When every handshake attempt fails the sink is
// constructed anyway in a disconnected state so the process can make forward
// progress.
func New(ctx context.Context, cfg *Config, client Client, logger zerolog.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("sink client cannot be nil")
	}
	if cfg == nil {
		cfg = NewConfigDefaults()
	}

	s := &Sink{
		client:    client,
		cfg:       cfg,
		logger:    logger.With().Str("component", "Sink").Logger(),
		available: make(map[string]bool, len(cfg.TopicIDs)),
	}
	s.backoff.Store(int64(cfg.BackoffFloor))

	s.handshake(ctx)
	s.captureTopicSnapshot(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.healthLoop(loopCtx)

	return s, nil
}

// Send forwards one message to the named downstream topic. It fails fast on
// cached state (ErrSinkUnavailable) without attempting I/O, otherwise
// performs a single bounded publish with no internal retry.
func (s *Sink) Send(ctx context.Context, topic, key string, payload []byte) error {
	if !s.connected.Load() {
		return fmt.Errorf("%w: downstream connection is down", ErrSinkUnavailable)
	}
	if !s.available[topic] {
		return fmt.Errorf("%w: topic %q was not available at startup", ErrSinkUnavailable, topic)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	if err := s.client.Publish(sendCtx, topic, key, payload); err != nil {
		s.connected.Store(false)
		return fmt.Errorf("%w: %v", ErrSinkSendFailure, err)
	}
	s.connected.Store(true)
	return nil
}

// IsConnected returns the cached health flag without performing any I/O.
func (s *Sink) IsConnected() bool {
	return s.connected.Load()
}

// Backoff returns the current advisory backoff delay. It does not gate send
// attempts; it is surfaced for observability only.
func (s *Sink) Backoff() time.Duration {
	return time.Duration(s.backoff.Load())
}

// AvailableTopics returns the topics that were reachable when the snapshot
// was captured, sorted for stable output.
func (s *Sink) AvailableTopics() []string {
	topics := make([]string, 0, len(s.available))
	for t, ok := range s.available {
		if ok {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

// Stop cancels the health loop and closes the underlying client, waiting up
// to the context deadline for the loop to exit.
func (s *Sink) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping sink...")
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = s.client.Close()
		s.logger.Info().Msg("Sink stopped.")
	})
	return err
}

// handshake probes the broker with exponential backoff between attempts.
func (s *Sink) handshake(ctx context.Context) {
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		s.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.ConnectAttempts).
			Msg("Attempting to connect to downstream broker...")

		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err := s.client.Probe(probeCtx)
		cancel()
		if err == nil {
			s.connected.Store(true)
			s.logger.Info().Msg("Connected to downstream broker.")
			return
		}
		s.logger.Warn().Err(err).Msg("Failed to connect to downstream broker.")

		if attempt < s.cfg.ConnectAttempts {
			shift := attempt
			if shift > 6 {
				shift = 6
			}
			delay := s.cfg.HandshakeBaseDelay << uint(shift)
			s.logger.Warn().Dur("retry_in", delay).Msg("Retrying downstream connection.")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}
	s.logger.Warn().Msg("All downstream connection attempts failed; constructing sink in disconnected state.")
}

// captureTopicSnapshot records which configured topics exist right now. The
// snapshot is intentionally never refreshed.
func (s *Sink) captureTopicSnapshot(ctx context.Context) {
	for _, topicID := range s.cfg.TopicIDs {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		exists, err := s.client.TopicExists(probeCtx, topicID)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("topic_id", topicID).Msg("Could not verify downstream topic; treating as unavailable.")
			s.available[topicID] = false
			continue
		}
		s.available[topicID] = exists
		if !exists {
			s.logger.Warn().Str("topic_id", topicID).Msg("Downstream topic does not exist; sends to it will fail fast.")
		}
	}
	s.logger.Info().Str("available_topics", strings.Join(s.AvailableTopics(), ",")).Msg("Downstream topic snapshot captured.")
}

// CheckHealthForTest runs a single health-check cycle synchronously so unit
// tests can drive the probe/backoff state machine deterministically.
func (s *Sink) CheckHealthForTest(ctx context.Context) {
	s.checkHealth(ctx)
}

func (s *Sink) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth performs one probe and updates the connected flag and the
// advisory backoff: success resets the delay to the floor, failure doubles
// it up to the cap.
func (s *Sink) checkHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	if err := s.client.Probe(probeCtx); err != nil {
		if s.connected.Swap(false) {
			s.logger.Warn().Err(err).Msg("Downstream connection lost.")
		}
		next := time.Duration(s.backoff.Load()) * 2
		if next > s.cfg.BackoffCap {
			next = s.cfg.BackoffCap
		}
		s.backoff.Store(int64(next))
		return
	}

	if !s.connected.Swap(true) {
		s.logger.Info().Msg("Downstream connection restored.")
	}
	s.backoff.Store(int64(s.cfg.BackoffFloor))
}
