package mqttconverter

import (
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/rs/zerolog"
)

type engineOptions struct {
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	sessionOpts []session.Option
}

// Option configures an MqttSource or MqttSink.
type Option func(*engineOptions)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithRegistry shares a client-id registry with other engines of the
// hosting process.
func WithRegistry(registry *session.ClientIDRegistry) Option {
	return func(o *engineOptions) {
		o.sessionOpts = append(o.sessionOpts, session.WithRegistry(registry))
	}
}

func WithCredentialResolver(resolver appconfig.CredentialResolver) Option {
	return func(o *engineOptions) {
		o.sessionOpts = append(o.sessionOpts, session.WithCredentialResolver(resolver))
	}
}

// WithSessionOptions passes options straight to the engine's session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *engineOptions) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

func newEngineOptions(opts []Option) engineOptions {
	o := engineOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o engineOptions) newSession(cfg *mqttconfig.ConnectionConfig, engine string) (*session.Session, error) {
	opts := append([]session.Option{
		session.WithLogger(o.logger.With().Str("engine", engine).Logger()),
		session.WithMetrics(o.metrics),
	}, o.sessionOpts...)
	return session.New(cfg, opts...)
}
