// Command mqttbridge subscribes to MQTT topics on one broker and republishes
// every record through an MQTT sink, optionally on another broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/messagepipeline"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/microservice"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconverter"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mqttbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat).With().Str("service", cfg.ServiceName).Logger()
	if envErr != nil {
		logger.Debug().Msg("No .env file found, using environment variables.")
	}

	connector, err := LoadConnector(cfg.ConnectorFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newAppConfigStore(ctx, cfg, connector.AppConfigs, logger)
	if err != nil {
		return fmt.Errorf("failed to open app config store: %w", err)
	}
	defer closeStore()

	m := metrics.New(cfg.MetricsNamespace)
	opts := []mqttconverter.Option{
		mqttconverter.WithLogger(logger),
		mqttconverter.WithMetrics(m),
		mqttconverter.WithRegistry(session.NewClientIDRegistry()),
		mqttconverter.WithCredentialResolver(appconfig.NewStoreResolver(store, logger)),
	}

	source, err := mqttconverter.NewMqttSource(connector.Source, opts...)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	sink, err := mqttconverter.NewMqttSink(connector.Sink, connector.Schema, opts...)
	if err != nil {
		_ = source.Stop(context.Background())
		return fmt.Errorf("failed to create sink: %w", err)
	}

	service, err := newBridge(connector, source, sink, logger)
	if err != nil {
		_ = source.Stop(context.Background())
		_ = sink.Stop(context.Background())
		return err
	}

	server := microservice.NewBaseServer(logger, cfg.HTTPPort)
	server.Mux().Handle("/metrics", m.Handler())
	server.AddReadinessCheck("source", microservice.SessionCheck(source.Session()))
	server.AddReadinessCheck("sink", microservice.SessionCheck(sink.Session()))
	if err := server.Start(); err != nil {
		return err
	}

	var started atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sink.Start(gctx); err != nil {
			return err
		}
		if err := service.Start(gctx); err != nil {
			return err
		}
		started.Store(true)
		logger.Info().Msg("Bridge is running.")
		select {
		case <-gctx.Done():
			return nil
		case <-service.Done():
			if err := source.Err(); err != nil {
				return fmt.Errorf("source stopped: %w", err)
			}
			return errors.New("source stopped unexpectedly")
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sink.Session().Done():
			if err := sink.Err(); err != nil {
				return fmt.Errorf("sink stopped: %w", err)
			}
			return nil
		}
	})

	runErr := g.Wait()
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Bridge terminated with error.")
	} else {
		logger.Info().Msg("Shutdown signal received.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if started.Load() {
		if err := service.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Streaming service did not stop cleanly.")
		}
	} else {
		_ = source.Stop(shutdownCtx)
	}
	if err := sink.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Sink did not stop cleanly.")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not stop cleanly.")
	}

	stats := service.Stats()
	logger.Info().
		Uint64("processed", stats.Processed).
		Uint64("skipped", stats.Skipped).
		Uint64("failed", stats.Failed).
		Msg("Bridge stopped.")
	return runErr
}

// newBridge wires the source's records into the sink through a streaming
// service, applying the connector's topic and payload-size filters.
func newBridge(
	connector *Connector,
	source *mqttconverter.MqttSource,
	sink *mqttconverter.MqttSink,
	logger zerolog.Logger,
) (*messagepipeline.StreamingService[types.Record], error) {
	transformer := source.RecordTransformer()
	p := connector.Pipeline
	if p.MinPayloadSize > 0 || p.MaxPayloadSize > 0 {
		transformer = messagepipeline.WithPayloadValidation(transformer, p.MinPayloadSize, p.MaxPayloadSize, logger)
	}
	if len(p.TopicFilters) > 0 {
		transformer = messagepipeline.WithTopicFilter(transformer, mqttconverter.AttrTopic, p.TopicFilters, logger)
	}

	return messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{
			NumWorkers: p.Workers,
			Ordered:    connector.Ordered(),
			OnError: func(msg messagepipeline.Message, err error) {
				logger.Warn().Err(err).
					Str("msg_id", msg.ID).
					Str("topic", msg.Attributes[mqttconverter.AttrTopic]).
					Msg("Record was not bridged.")
			},
		},
		source,
		transformer,
		sink.Processor(),
		logger,
	)
}

// newLogger builds a console or JSON logger at the given level. Unknown
// levels fall back to info.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "json") {
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger()
}
