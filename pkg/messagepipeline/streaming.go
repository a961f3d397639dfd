package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// StreamingService runs a consumer through a transformer into a processor,
// one message at a time per worker. With Ordered set it uses a single worker
// so payloads reach the processor in the order the consumer produced them.
type StreamingService[T any] struct {
	numWorkers   int
	consumer     MessageConsumer
	transformer  MessageTransformer[T]
	processor    StreamProcessor[T]
	errorHandler ErrorHandler
	logger       zerolog.Logger

	wg       sync.WaitGroup
	doneChan chan struct{}
	stats    streamingCounters
}

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	NumWorkers int
	// Ordered overrides NumWorkers with a single worker.
	Ordered bool
	// OnError, if set, is called for every failed message after it is
	// Nacked.
	OnError ErrorHandler
}

// StreamingStats counts messages by outcome.
type StreamingStats struct {
	Processed uint64
	Skipped   uint64
	Failed    uint64
}

type streamingCounters struct {
	processed atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.Ordered {
		cfg.NumWorkers = 1
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	return &StreamingService[T]{
		numWorkers:   cfg.NumWorkers,
		consumer:     consumer,
		transformer:  transformer,
		processor:    processor,
		errorHandler: cfg.OnError,
		logger:       logger.With().Str("service", "StreamingService").Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start starts the consumer and then the worker pool.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting streaming service...")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting processing workers...")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}
	go func() {
		s.wg.Wait()
		close(s.doneChan)
	}()

	s.logger.Info().Msg("Streaming service started successfully.")
	return nil
}

// Stop stops the consumer, then waits for workers to drain what it already
// produced.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping streaming service...")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	select {
	case <-s.doneChan:
		s.logger.Info().Msg("All processing workers completed gracefully.")
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for processing workers to finish.")
		return ctx.Err()
	}

	stats := s.Stats()
	s.logger.Info().
		Uint64("processed", stats.Processed).
		Uint64("skipped", stats.Skipped).
		Uint64("failed", stats.Failed).
		Msg("Streaming service stopped.")
	return nil
}

// Done returns a channel closed once every worker has exited, either because
// the consumer closed its channel or the start context ended.
func (s *StreamingService[T]) Done() <-chan struct{} {
	return s.doneChan
}

// Stats returns the message counts so far.
func (s *StreamingService[T]) Stats() StreamingStats {
	return StreamingStats{
		Processed: s.stats.processed.Load(),
		Skipped:   s.stats.skipped.Load(),
		Failed:    s.stats.failed.Load(),
	}
}

func (s *StreamingService[T]) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int("worker_id", workerID).Msg("Processing worker shutting down due to context cancellation.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Info().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *StreamingService[T]) handle(ctx context.Context, msg Message) {
	payload, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		s.fail(msg, fmt.Errorf("transform: %w", err))
		return
	}
	if skip {
		s.logger.Debug().Str("msg_id", msg.ID).Msg("Transformer signaled to skip message, Acking.")
		s.stats.skipped.Add(1)
		msg.Ack()
		return
	}

	if err := s.processor(ctx, msg, payload); err != nil {
		s.fail(msg, fmt.Errorf("process: %w", err))
		return
	}
	s.stats.processed.Add(1)
	msg.Ack()
}

func (s *StreamingService[T]) fail(msg Message, err error) {
	s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to handle message, Nacking.")
	s.stats.failed.Add(1)
	msg.Nack()
	if s.errorHandler != nil {
		s.errorHandler(msg, err)
	}
}
