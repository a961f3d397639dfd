package mqttconverter

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/messagepipeline"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
)

// Attribute keys set on every consumed message.
const (
	AttrTopic    = "mqtt_topic"
	AttrQoS      = "mqtt_qos"
	AttrRetained = "mqtt_retained"
)

// MqttSource implements messagepipeline.MessageConsumer for a set of MQTT
// topic filters. Messages are buffered up to the configured queue size;
// while the buffer is full the protocol read path blocks, so nothing is
// dropped before Stop.
type MqttSource struct {
	cfg          *mqttconfig.SourceConfig
	session      *session.Session
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	payloadField string
	payloadType  types.FieldType
	topicField   string

	outputChan chan messagepipeline.Message
	doneChan   chan struct{}

	// stopCtx unblocks a handler waiting on a full buffer during Stop.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	// mu orders handler sends before the output channel is closed.
	mu       sync.RWMutex
	stopping bool

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	streamed  atomic.Bool
}

// NewMqttSource validates cfg and creates a source. It does not connect
// until Start is called.
func NewMqttSource(cfg *mqttconfig.SourceConfig, opts ...Option) (*MqttSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("source config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newEngineOptions(opts)

	sess, err := o.newSession(&cfg.ConnectionConfig, "MqttSource")
	if err != nil {
		return nil, err
	}

	payloadField := cfg.PayloadField()
	field, _ := cfg.Schema().Field(payloadField)
	stopCtx, stopCancel := context.WithCancel(context.Background())

	return &MqttSource{
		cfg:          cfg,
		session:      sess,
		logger:       o.logger.With().Str("component", "MqttSource").Str("client_id", sess.ClientID()).Logger(),
		metrics:      o.metrics,
		payloadField: payloadField,
		payloadType:  field.Type,
		topicField:   cfg.TopicOutAttrName(),
		outputChan:   make(chan messagepipeline.Message, cfg.MessageQueueSize()),
		doneChan:     make(chan struct{}),
		stopCtx:      stopCtx,
		stopCancel:   stopCancel,
	}, nil
}

// Messages returns the channel of consumed messages. It is closed when the
// source stops or its session fails.
func (s *MqttSource) Messages() <-chan messagepipeline.Message {
	return s.outputChan
}

// Session exposes the client session, e.g. for health reporting.
func (s *MqttSource) Session() *session.Session {
	return s.session
}

// Start connects and subscribes every topic filter with its QoS. Calling it
// again returns the result of the first call.
func (s *MqttSource) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *MqttSource) start(ctx context.Context) error {
	topics := s.cfg.Topics()
	qos := s.cfg.QoS()
	subs := make([]session.Subscription, len(topics))
	for i, topic := range topics {
		subs[i] = session.Subscription{Filter: topic, QoS: qos.ForTopic(i)}
	}

	if err := s.session.Subscribe(ctx, subs, s.handleIncomingMessage); err != nil {
		s.logger.Error().Err(err).Strs("topics", topics).Msg("Failed to subscribe to MQTT topics.")
		_ = s.Stop(context.Background())
		return fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}
	s.logger.Info().Strs("topics", topics).Str("qos", qos.String()).Msg("MqttSource started.")

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Shutdown signal received, ensuring source is stopped.")
		case <-s.session.Done():
			if err := s.session.Err(); err != nil {
				s.logger.Error().Err(err).Msg("Session failed, closing message stream.")
			}
		case <-s.doneChan:
			return
		}
		_ = s.Stop(context.Background())
	}()
	return nil
}

// Stop unsubscribes, closes the session and closes the message channel.
func (s *MqttSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping MqttSource...")
		s.stopCancel()

		if s.session.State() == session.Connected {
			if err := s.session.Unsubscribe(ctx, s.cfg.Topics()...); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to unsubscribe from MQTT topics.")
			}
		}
		if err := s.session.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close session cleanly.")
		}

		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		close(s.outputChan)
		close(s.doneChan)
		s.logger.Info().Msg("MqttSource stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the source has fully stopped.
func (s *MqttSource) Done() <-chan struct{} {
	return s.doneChan
}

// Err returns the terminal session failure, if any.
func (s *MqttSource) Err() error {
	return s.session.Err()
}

// handleIncomingMessage runs on the protocol read path and blocks while the
// buffer is full.
func (s *MqttSource) handleIncomingMessage(msg types.PublishMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		return
	}

	s.metrics.MessageReceived(s.session.ClientID())
	s.logger.Debug().Str("topic", msg.Topic).Int("payload_bytes", len(msg.Payload)).Msg("Received MQTT message.")

	consumed := messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:          uuid.NewString(),
			Payload:     msg.Payload,
			PublishTime: msg.ReceivedAt,
		},
		Attributes: map[string]string{
			AttrTopic:    msg.Topic,
			AttrQoS:      strconv.Itoa(int(msg.QoS)),
			AttrRetained: strconv.FormatBool(msg.Retain),
		},
		// Acknowledgement happens at the protocol level once the handler
		// returns, so the pipeline has nothing to do.
		Ack:  func() {},
		Nack: func() {},
	}

	select {
	case s.outputChan <- consumed:
		s.metrics.SetQueueDepth(s.session.ClientID(), len(s.outputChan))
	case <-s.stopCtx.Done():
		s.logger.Warn().Str("topic", msg.Topic).Msg("Source is shutting down, dropping MQTT message.")
	}
}

// Decode converts a consumed message into an output record: the payload in
// the payload field, the arrival topic in the topic field when one is
// configured, every other field unset.
func (s *MqttSource) Decode(msg *messagepipeline.Message) (types.Record, error) {
	topic := msg.Attributes[AttrTopic]
	value, err := decodePayload(msg.Payload, s.payloadType)
	if err != nil {
		s.metrics.DecodeError(s.session.ClientID())
		return nil, &DecodeError{Topic: topic, Field: s.payloadField, Type: s.payloadType, Err: err}
	}

	rec := types.Record{s.payloadField: value}
	if s.topicField != "" {
		rec[s.topicField] = topic
	}
	return rec, nil
}

// RecordTransformer adapts Decode to the pipeline. Undecodable messages are
// logged and skipped.
func (s *MqttSource) RecordTransformer() messagepipeline.MessageTransformer[types.Record] {
	return func(_ context.Context, msg *messagepipeline.Message) (*types.Record, bool, error) {
		rec, err := s.Decode(msg)
		if err != nil {
			s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Skipping message that does not fit the payload field.")
			return nil, true, nil
		}
		return &rec, false, nil
	}
}

// Records starts the source and returns its output as a lazy, infinite
// sequence. A *DecodeError is yielded for each undecodable message and the
// sequence continues. The sequence ends when ctx is done, the source stops
// or the session fails, in which case the failure is yielded last. A source
// yields its records once: a second call yields ErrNotRestartable.
func (s *MqttSource) Records(ctx context.Context) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		if !s.streamed.CompareAndSwap(false, true) {
			yield(nil, ErrNotRestartable)
			return
		}
		if err := s.Start(ctx); err != nil {
			yield(nil, err)
			return
		}

		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case msg, ok := <-s.outputChan:
				if !ok {
					if err := s.session.Err(); err != nil {
						yield(nil, err)
					}
					return
				}
				rec, err := s.Decode(&msg)
				if !yield(rec, err) {
					return
				}
			}
		}
	}
}
