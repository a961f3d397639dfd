package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/messagepipeline"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
)

// Ack confirms that the broker accepted a record at the requested QoS.
type Ack struct {
	Topic    string
	QoS      byte
	Retain   bool
	Duration time.Duration
}

// MqttSink publishes records to MQTT, one message per record, in the order
// Publish is called.
type MqttSink struct {
	cfg          *mqttconfig.SinkConfig
	session      *session.Session
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	payloadField string

	// mu serializes publishes so records leave in arrival order.
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewMqttSink validates cfg against the input schema and creates a sink. It
// does not connect until the first publish or Start.
func NewMqttSink(cfg *mqttconfig.SinkConfig, schema *types.Schema, opts ...Option) (*MqttSink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sink config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateSchema(schema); err != nil {
		return nil, err
	}
	o := newEngineOptions(opts)

	sess, err := o.newSession(&cfg.ConnectionConfig, "MqttSink")
	if err != nil {
		return nil, err
	}

	return &MqttSink{
		cfg:          cfg,
		session:      sess,
		logger:       o.logger.With().Str("component", "MqttSink").Str("client_id", sess.ClientID()).Logger(),
		metrics:      o.metrics,
		payloadField: cfg.PayloadField(schema),
	}, nil
}

// Start connects eagerly so configuration and credential problems surface
// before the first record.
func (s *MqttSink) Start(ctx context.Context) error {
	if err := s.session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect sink: %w", err)
	}
	s.logger.Info().Msg("MqttSink started.")
	return nil
}

// Session exposes the client session, e.g. for health reporting.
func (s *MqttSink) Session() *session.Session {
	return s.session
}

// Publish sends rec and waits for the acknowledgement its QoS requires.
// Every error wraps ErrPublish and concerns this record only; a timeout also
// wraps session.ErrTimeout.
func (s *MqttSink) Publish(ctx context.Context, rec types.Record) (Ack, error) {
	msg, err := s.message(rec)
	if err != nil {
		s.metrics.PublishFailed(s.session.ClientID(), "record")
		return Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.session.Publish(ctx, msg); err != nil {
		s.metrics.PublishFailed(s.session.ClientID(), publishErrorType(err))
		s.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to publish record.")
		return Ack{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	elapsed := time.Since(start)
	s.metrics.Published(s.session.ClientID(), msg.QoS, elapsed.Seconds())
	s.logger.Debug().Str("topic", msg.Topic).Uint8("qos", msg.QoS).Dur("duration", elapsed).Msg("Published record.")

	return Ack{Topic: msg.Topic, QoS: msg.QoS, Retain: msg.Retain, Duration: elapsed}, nil
}

// Processor adapts the sink to the pipeline's streaming stage.
func (s *MqttSink) Processor() messagepipeline.StreamProcessor[types.Record] {
	return func(ctx context.Context, _ messagepipeline.Message, rec *types.Record) error {
		if rec == nil {
			return fmt.Errorf("%w: nil record", ErrPublish)
		}
		_, err := s.Publish(ctx, *rec)
		return err
	}
}

// Stop disconnects and releases the session.
func (s *MqttSink) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping MqttSink...")
		err = s.session.Close(ctx)
		s.logger.Info().Msg("MqttSink stopped.")
	})
	return err
}

// Err returns the terminal session failure, if any.
func (s *MqttSink) Err() error {
	return s.session.Err()
}

// message resolves topic, payload and QoS for one record.
func (s *MqttSink) message(rec types.Record) (types.PublishMessage, error) {
	topic := s.cfg.Topic()
	if name := s.cfg.TopicAttributeName(); name != "" {
		topic, _ = rec.String(name)
		if topic == "" {
			return types.PublishMessage{}, fmt.Errorf("%w: topic field '%s' is empty", ErrPublish, name)
		}
	}

	value, ok := rec[s.payloadField]
	if !ok || value == nil {
		return types.PublishMessage{}, fmt.Errorf("%w: payload field '%s' is unset", ErrPublish, s.payloadField)
	}
	payload, err := encodePayload(value)
	if err != nil {
		return types.PublishMessage{}, fmt.Errorf("%w: payload field '%s': %w", ErrPublish, s.payloadField, err)
	}

	qos := byte(s.cfg.QoS())
	if name := s.cfg.QoSAttributeName(); name != "" {
		if qos, err = recordQoS(rec, name, qos); err != nil {
			return types.PublishMessage{}, err
		}
	}

	return types.PublishMessage{Topic: topic, Payload: payload, QoS: qos, Retain: s.cfg.Retain()}, nil
}

// recordQoS reads a per-record QoS. An unset field keeps the default.
func recordQoS(rec types.Record, name string, def byte) (byte, error) {
	var level int64
	switch v := rec[name].(type) {
	case nil:
		return def, nil
	case int64:
		level = v
	case int:
		level = int64(v)
	default:
		return 0, fmt.Errorf("%w: qos field '%s' holds %T, not an integer", ErrPublish, name, v)
	}
	if level < 0 || level > mqttconfig.MaxQoS {
		return 0, fmt.Errorf("%w: qos field '%s' is %d, not in [0, %d]", ErrPublish, name, level, mqttconfig.MaxQoS)
	}
	return byte(level), nil
}

func publishErrorType(err error) string {
	switch {
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrSessionFailed):
		return "session_failed"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
