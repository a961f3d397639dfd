package messagepipeline

import (
	"context"
)

// ====================================================================================
// This file defines the contracts between the stages of a connector pipeline: a
// consumer producing messages, a transformer turning them into typed payloads and a
// processor delivering those payloads downstream.
// ====================================================================================

// --- Stage 1: Consumer ---

// MessageConsumer is a message source, such as an MQTT subscription.
type MessageConsumer interface {
	// Messages returns the channel workers receive from. It is closed when the
	// consumer stops or can no longer produce messages.
	Messages() <-chan Message
	// Start connects and begins consumption.
	Start(ctx context.Context) error
	// Stop ceases consumption and waits for background tasks to finish.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has shut down.
	Done() <-chan struct{}
}

// --- Stage 2: Transformer ---

// MessageTransformer turns a Message into a payload of type T.
//
// Returning skip=true acknowledges the message without processing it, which
// filters it from the pipeline. An error Nacks the message.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// --- Stage 3: Processor ---

// StreamProcessor delivers one transformed payload. An error Nacks the
// original message and is reported to the service's ErrorHandler.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error

// ErrorHandler observes messages the pipeline failed to transform or
// process. It must not block.
type ErrorHandler func(msg Message, err error)
