package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconverter"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session/sessiontest"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bridgeYAML = `
schema:
  - name: data
    type: blob
  - name: origin
    type: rstring
source:
  serverURI: tcp://upstream:1883
  topics:
    - devices/+/up
    - alerts/#
  qos: [1, 0]
  topicOutAttrName: origin
  messageQueueSize: 10
  appConfigName: upstream
  userPropertyName: user
  passwordPropertyName: pass
sink:
  serverURI: tcp://downstream:1883
  topic: processed
  qos: 1
  retain: true
  reconnectionBound: -1
  period: 500
pipeline:
  max_payload_size: 8
  topic_filters:
    - devices/#
app_configs:
  upstream:
    user: bridge
    pass: s3cret
`

func TestParseConnector(t *testing.T) {
	c, err := ParseConnector([]byte(bridgeYAML))
	require.NoError(t, err)

	field, ok := c.Schema.Field("data")
	require.True(t, ok)
	assert.Equal(t, types.FieldBlob, field.Type)

	assert.Equal(t, []string{"devices/+/up", "alerts/#"}, c.Source.Topics())
	assert.Equal(t, byte(1), c.Source.QoS().ForTopic(0))
	assert.Equal(t, byte(0), c.Source.QoS().ForTopic(1))
	assert.Equal(t, "origin", c.Source.TopicOutAttrName())
	assert.Equal(t, 10, c.Source.MessageQueueSize())
	assert.Equal(t, "upstream", c.Source.AppConfigName())

	assert.Equal(t, "processed", c.Sink.Topic())
	assert.Equal(t, 1, c.Sink.QoS())
	assert.True(t, c.Sink.Retain())
	assert.Equal(t, mqttconfig.InfiniteReconnection, c.Sink.ReconnectionBound())
	assert.Equal(t, int64(500), c.Sink.PeriodMillis())

	assert.True(t, c.Ordered(), "records keep their order unless disabled")
	assert.Equal(t, 8, c.Pipeline.MaxPayloadSize)
	assert.Equal(t, map[string]string{"user": "bridge", "pass": "s3cret"}, c.AppConfigs["upstream"])
}

func TestParseConnector_Defaults(t *testing.T) {
	c, err := ParseConnector([]byte(`
source:
  serverURI: tcp://broker:1883
  topics: in
sink:
  serverURI: tcp://broker:1883
  topic: out
pipeline:
  ordered: false
  workers: 4
`))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Schema.Len())
	assert.Equal(t, []string{"in"}, c.Source.Topics())
	assert.False(t, c.Ordered())
	assert.Equal(t, 4, c.Pipeline.Workers)
}

func TestParseConnector_Errors(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "source: [unterminated"},
		{name: "missing source", yaml: "sink: {serverURI: 'tcp://b', topic: out}"},
		{name: "missing sink", yaml: "source: {serverURI: 'tcp://b', topics: in}"},
		{name: "unknown field type", yaml: "schema: [{name: data, type: decimal}]\nsource: {serverURI: 'tcp://b', topics: in}\nsink: {serverURI: 'tcp://b', topic: out}"},
		{name: "invalid source option", yaml: "source: {serverURI: 'tcp://b', topics: in, qos: 3}\nsink: {serverURI: 'tcp://b', topic: out}"},
		{name: "topic and attribute", yaml: "source: {serverURI: 'tcp://b', topics: in}\nsink: {serverURI: 'tcp://b', topic: out, topicAttributeName: t}"},
		{name: "negative payload limit", yaml: "source: {serverURI: 'tcp://b', topics: in}\nsink: {serverURI: 'tcp://b', topic: out}\npipeline: {min_payload_size: -1}"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConnector([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseConnector_SinkBindingMustMatchSchema(t *testing.T) {
	_, err := ParseConnector([]byte(`
schema:
  - {name: data, type: rstring}
  - {name: target, type: int64}
source: {serverURI: 'tcp://b', topics: in}
sink: {serverURI: 'tcp://b', topicAttributeName: target}
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, mqttconfig.ErrInvalidType)
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "connector.yaml", cfg.ConnectorFile)
		assert.Equal(t, "memory", cfg.AppConfigBackend)
		assert.Equal(t, 64, cfg.AppConfigCacheSize)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, ":8080", cfg.HTTPPort)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("redis from environment", func(t *testing.T) {
		t.Setenv("APPCONFIG_BACKEND", "redis")
		t.Setenv("REDIS_ADDR", "cache:6380")
		t.Setenv("REDIS_DB", "2")
		t.Setenv("HTTP_PORT", ":9090")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "cache:6380", cfg.Redis.Addr)
		assert.Equal(t, 2, cfg.Redis.DB)
		assert.Equal(t, ":9090", cfg.HTTPPort)
	})

	t.Run("firestore requires a project", func(t *testing.T) {
		t.Setenv("APPCONFIG_BACKEND", "firestore")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("APPCONFIG_BACKEND", "etcd")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info().Msg("hidden")
	logger.Warn().Str("client_id", "c1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"client_id":"c1"`)

	buf.Reset()
	fallback := newLogger(&buf, "not-a-level", "console")
	fallback.Info().Msg("fallback")
	assert.Contains(t, buf.String(), "fallback")
}

func TestNewAppConfigStore_SeedsMemoryBackend(t *testing.T) {
	cfg := &Config{AppConfigBackend: "memory", AppConfigCacheSize: 4}
	seed := map[string]map[string]string{"upstream": {"user": "bridge", "pass": "s3cret"}}

	store, cleanup, err := newAppConfigStore(context.Background(), cfg, seed, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	resolver := appconfig.NewStoreResolver(store, zerolog.Nop())
	creds, err := resolver.Resolve(context.Background(), appconfig.CredentialRef{
		AppConfigName:        "upstream",
		UserPropertyName:     "user",
		PasswordPropertyName: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, "bridge", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)
}

func TestNewBridge(t *testing.T) {
	c, err := ParseConnector([]byte(bridgeYAML))
	require.NoError(t, err)

	store, cleanup, err := newAppConfigStore(context.Background(), &Config{AppConfigBackend: "memory", AppConfigCacheSize: 4}, c.AppConfigs, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	broker := sessiontest.NewBroker()
	opts := []mqttconverter.Option{
		mqttconverter.WithLogger(zerolog.Nop()),
		mqttconverter.WithCredentialResolver(appconfig.NewStoreResolver(store, zerolog.Nop())),
		mqttconverter.WithSessionOptions(session.WithClientFactory(broker.Factory())),
	}
	source, err := mqttconverter.NewMqttSource(c.Source, opts...)
	require.NoError(t, err)
	sink, err := mqttconverter.NewMqttSink(c.Sink, c.Schema, opts...)
	require.NoError(t, err)

	service, err := newBridge(c, source, sink, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sink.Start(ctx))
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = service.Stop(stopCtx)
		_ = sink.Stop(stopCtx)
	})

	opt := broker.Options()
	require.NotNil(t, opt)
	assert.Equal(t, "bridge", opt.Username, "credentials come from the named app config")

	broker.Deliver("alerts/fire", []byte("smoke"), 0, false)
	broker.Deliver("devices/7/up", []byte("far too long"), 0, false)
	broker.Deliver("devices/7/up", []byte("21.5"), 1, false)

	require.Eventually(t, func() bool {
		return service.Stats().Processed+service.Stats().Skipped == 3
	}, 2*time.Second, 10*time.Millisecond)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "processed", published[0].Topic)
	assert.Equal(t, []byte("21.5"), published[0].Payload)
	assert.Equal(t, byte(1), published[0].QoS)
	assert.True(t, published[0].Retain)
	assert.Equal(t, uint64(2), service.Stats().Skipped)
}
