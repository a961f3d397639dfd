package session

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/transport"
	"github.com/rs/zerolog"
)

// ClientFactory creates the protocol client for one connection attempt.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithRegistry shares a client-id registry between sessions. Without it each
// session gets a private registry and ids are never suffixed.
func WithRegistry(registry *ClientIDRegistry) Option {
	return func(s *Session) { s.registry = registry }
}

// WithCredentialResolver sets the resolver used when the configuration names
// an application configuration for its credentials.
func WithCredentialResolver(resolver appconfig.CredentialResolver) Option {
	return func(s *Session) { s.resolver = resolver }
}

// WithClientFactory replaces mqtt.NewClient, mainly for tests.
func WithClientFactory(factory ClientFactory) Option {
	return func(s *Session) { s.factory = factory }
}

// WithDialer supplies a prepared dialer instead of building one from the
// configuration.
func WithDialer(dialer *transport.Dialer) Option {
	return func(s *Session) { s.dialer = dialer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}
