// Binary bridge subscribes to MQTT topics and forwards their messages to
// Google Cloud Pub/Sub, with runtime subscription control and windowed
// metrics exposed over an admin HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/mqtt-bridge/pkg/api"
	"github.com/illmade-knight/mqtt-bridge/pkg/bridge"
	"github.com/illmade-knight/mqtt-bridge/pkg/metrics"
	"github.com/illmade-knight/mqtt-bridge/pkg/sink"
	"github.com/illmade-knight/mqtt-bridge/pkg/subscriber"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger := setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	projectID := os.Getenv("PUBSUB_PROJECT_ID")
	if projectID == "" {
		projectID = "local-dev"
	}
	httpPort := os.Getenv("HTTP_PORT")
	if httpPort == "" {
		httpPort = ":3000"
	}

	psClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub client.")
	}
	sinkClient, err := sink.NewGooglePubsubClient(psClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wrap Pub/Sub client.")
	}

	snk, err := sink.New(ctx, sink.LoadConfigFromEnv(), sinkClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create sink.")
	}

	agg := metrics.NewAggregator(metrics.NewAggregatorDefaults(), logger)

	mgr, err := subscriber.NewManager(subscriber.LoadConfigWithEnv(), agg.RecordDropped, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create subscription manager.")
	}

	svc, err := bridge.NewService(bridge.ServiceConfig{}, mgr, snk, agg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create forwarding service.")
	}
	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start forwarding service.")
	}

	srv, err := api.NewServer(httpPort, mgr, snk, agg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create admin API server.")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start admin API server.")
	}

	logger.Info().Str("http_port", httpPort).Str("project_id", projectID).Msg("MQTT bridge is running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop the inbound side first so no new envelopes arrive, then drain the
	// workers, then release the downstream client, and finally the API.
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping subscription manager.")
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping forwarding service.")
	}
	if err := snk.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping sink.")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down admin API.")
	}
	logger.Info().Msg("MQTT bridge stopped.")
}

func setupLogging() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			level = parsed
		}
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "mqtt-bridge").Logger()
	log.Logger = logger
	return logger
}
