package mqttconverter_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/messagepipeline"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconverter"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session/sessiontest"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBridge_SourceToSink wires a source and a sink through the streaming
// service, the way the bridge binary does.
func TestBridge_SourceToSink(t *testing.T) {
	broker := sessiontest.NewBroker()
	registry := session.NewClientIDRegistry()
	schema := types.MustSchema(
		types.Field{Name: "data", Type: types.FieldString},
		types.Field{Name: "origin", Type: types.FieldString},
	)

	srcCfg, err := mqttconfig.NewSourceConfig("tcp://server:1883", schema, "devices/+/up")
	require.NoError(t, err)
	srcCfg.SetTopicOutAttrName("origin")
	srcCfg.SetClientID("bridge")
	sinkCfg, err := mqttconfig.NewSinkConfig("tcp://server:1883", "processed", "")
	require.NoError(t, err)
	sinkCfg.SetClientID("bridge")
	require.NoError(t, sinkCfg.SetQoS(1))

	opts := []mqttconverter.Option{
		mqttconverter.WithLogger(zerolog.Nop()),
		mqttconverter.WithRegistry(registry),
		mqttconverter.WithSessionOptions(session.WithClientFactory(broker.Factory())),
	}
	src, err := mqttconverter.NewMqttSource(srcCfg, opts...)
	require.NoError(t, err)
	sink, err := mqttconverter.NewMqttSink(sinkCfg, schema, opts...)
	require.NoError(t, err)
	assert.Equal(t, "bridge", src.Session().ClientID())
	assert.Equal(t, "bridge-1", sink.Session().ClientID(), "engines sharing a registry get distinct ids")

	service, err := messagepipeline.NewStreamingService[types.Record](
		messagepipeline.StreamingServiceConfig{NumWorkers: 1},
		src,
		src.RecordTransformer(),
		sink.Processor(),
		zerolog.Nop(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = service.Stop(stopCtx)
		_ = sink.Stop(stopCtx)
	})

	require.Equal(t, 1, broker.Deliver("devices/7/up", []byte("21.5"), 0, false))

	require.Eventually(t, func() bool {
		return len(broker.Published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	msg := broker.Published()[0]
	assert.Equal(t, "processed", msg.Topic)
	assert.Equal(t, []byte("21.5"), msg.Payload)
	assert.Equal(t, byte(1), msg.QoS)
}
