package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/mqtt-bridge/pkg/metrics"
	"github.com/rs/zerolog"
)

// EnvelopeSource is the inbound side of the pipeline. *subscriber.Manager
// satisfies it. The channel closes when the source shuts down.
type EnvelopeSource interface {
	Messages() <-chan Envelope
}

// Sink is the downstream half of the pipeline. *sink.Sink satisfies it.
type Sink interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
	IsConnected() bool
}

// ServiceConfig holds configuration for the forwarding service.
type ServiceConfig struct {
	NumWorkers int
}

// Service fans inbound envelopes out to a pool of workers that forward each
// message downstream and account for it in the metrics aggregator. Message
// ordering is not preserved across workers, even within a single topic.
type Service struct {
	numWorkers int
	source     EnvelopeSource
	sink       Sink
	metrics    *metrics.Aggregator
	logger     zerolog.Logger
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewService creates a forwarding Service.
func NewService(
	cfg ServiceConfig,
	source EnvelopeSource,
	sink Sink,
	agg *metrics.Aggregator,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if source == nil {
		return nil, fmt.Errorf("envelope source cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if agg == nil {
		return nil, fmt.Errorf("metrics aggregator cannot be nil")
	}
	return &Service{
		numWorkers: cfg.NumWorkers,
		source:     source,
		sink:       sink,
		metrics:    agg,
		logger:     logger.With().Str("service", "ForwardingService").Logger(),
	}, nil
}

// Start spawns the worker pool. Workers run until the context is cancelled
// or the source channel closes.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting forwarding workers...")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(runCtx, i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight messages to finish,
// bounded by the context deadline. Already-dispatched messages run to
// completion; they are not forcibly abandoned.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping forwarding service...")
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All forwarding workers completed gracefully.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for forwarding workers to finish.")
		return ctx.Err()
	}
}

func (s *Service) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Forwarding worker started.")
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Int("worker_id", workerID).Msg("Forwarding worker shutting down.")
			return
		case env, ok := <-s.source.Messages():
			if !ok {
				s.logger.Info().Int("worker_id", workerID).Msg("Source channel closed, worker exiting.")
				return
			}
			s.forward(ctx, env)
		}
	}
}

// forward accounts for one envelope: exactly one "received" event, then
// exactly one of "processed" (success) or "dropped"+"error" (failure).
func (s *Service) forward(ctx context.Context, env Envelope) {
	s.metrics.RecordReceived(len(env.Payload), env.Timestamp)

	start := time.Now()
	err := s.sink.Send(ctx, env.Topic, env.Topic, env.Payload)
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.RecordError()
		s.metrics.RecordDropped()
		if s.sink.IsConnected() {
			s.logger.Warn().Err(err).Str("topic", env.Topic).Msg("Failed to forward message downstream.")
		} else {
			// The sink is known to be down; keep the noise at debug.
			s.logger.Debug().Err(err).Str("topic", env.Topic).Msg("Skipped forwarding, sink is down.")
		}
		return
	}

	s.metrics.RecordProcessed(elapsed)
	s.logger.Debug().Str("topic", env.Topic).Dur("processing_time", elapsed).Msg("Message forwarded.")
}
