package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
)

// WithPayloadValidation wraps a transformer so that messages whose payload
// size falls outside [minSize, maxSize] are skipped. A maxSize of 0 means no
// upper bound.
func WithPayloadValidation[T any](
	inner MessageTransformer[T],
	minSize int,
	maxSize int,
	logger zerolog.Logger,
) MessageTransformer[T] {
	return func(ctx context.Context, msg *Message) (*T, bool, error) {
		n := len(msg.Payload)
		if n < minSize || (maxSize > 0 && n > maxSize) {
			logger.Warn().Str("msg_id", msg.ID).Int("payload_size", n).Msg("Rejecting message due to invalid payload size.")
			return nil, true, nil
		}
		return inner(ctx, msg)
	}
}

// WithTopicFilter wraps a transformer so that only messages whose topic
// attribute matches one of the filters reach it. Others are skipped.
func WithTopicFilter[T any](
	inner MessageTransformer[T],
	topicAttribute string,
	filters []string,
	logger zerolog.Logger,
) MessageTransformer[T] {
	return func(ctx context.Context, msg *Message) (*T, bool, error) {
		topic := msg.Attributes[topicAttribute]
		for _, f := range filters {
			if types.MatchTopic(f, topic) {
				return inner(ctx, msg)
			}
		}
		logger.Debug().Str("msg_id", msg.ID).Str("topic", topic).Msg("Skipping message from unselected topic.")
		return nil, true, nil
	}
}
