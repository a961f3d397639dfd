package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session/sessiontest"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/transport"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T, bound int, periodMillis int64) *mqttconfig.ConnectionConfig {
	t.Helper()
	cfg, err := mqttconfig.NewSinkConfig("tcp://broker.test:1883", "out", "")
	require.NoError(t, err)
	require.NoError(t, cfg.SetReconnectionBound(bound))
	require.NoError(t, cfg.SetPeriodMillis(periodMillis))
	return &cfg.ConnectionConfig
}

func newSession(t *testing.T, cfg *mqttconfig.ConnectionConfig, broker *sessiontest.Broker, opts ...session.Option) *session.Session {
	t.Helper()
	opts = append([]session.Option{
		session.WithLogger(zerolog.Nop()),
		session.WithClientFactory(broker.Factory()),
	}, opts...)
	s, err := session.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

func TestSession_Connect(t *testing.T) {
	broker := sessiontest.NewBroker()
	cfg := newConfig(t, 5, 100)
	cfg.SetClientID("bridge-1")
	cfg.SetUserID("alice")
	cfg.SetPassword("s3cret")
	s := newSession(t, cfg, broker)

	assert.Equal(t, session.Disconnected, s.State())
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, session.Connected, s.State())

	opts := broker.Options()
	require.NotNil(t, opts)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.test:1883", opts.Servers[0].String())
	assert.Equal(t, "bridge-1", opts.ClientID)
	assert.Equal(t, "alice", opts.Username)
	assert.Equal(t, "s3cret", opts.Password)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.AutoReconnect, "reconnection is driven by the session")
	assert.Equal(t, int64(60), opts.KeepAlive)
	assert.True(t, opts.Order)
	assert.NotNil(t, opts.CustomOpenConnectionFn)

	// Connecting again is a no-op.
	require.NoError(t, s.Connect(context.Background()))
	assert.Len(t, broker.Attempts(), 1)
}

func TestSession_ZeroBoundFailsAfterOneAttempt(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.RefuseConnects(errors.New("connection refused"))
	s := newSession(t, newConfig(t, 0, 100), broker)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionFailed)
	assert.ErrorIs(t, err, transport.ErrNetwork)
	assert.Len(t, broker.Attempts(), 1)
	assert.Equal(t, session.Failed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed once the session fails")
	}

	// Failed is terminal for every operation.
	err = s.Publish(context.Background(), types.PublishMessage{Topic: "out", Payload: []byte("x")})
	assert.ErrorIs(t, err, session.ErrSessionFailed)
	assert.ErrorIs(t, s.Connect(context.Background()), session.ErrSessionFailed)
	assert.Len(t, broker.Attempts(), 1)
}

func TestSession_RetriesWithFixedPeriod(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.RefuseConnects(errors.New("connection refused"))
	s := newSession(t, newConfig(t, 2, 100), broker)

	start := time.Now()
	err := s.Connect(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, session.ErrSessionFailed)
	attempts := broker.Attempts()
	require.Len(t, attempts, 3, "one initial attempt plus two retries")
	for i := 1; i < len(attempts); i++ {
		assert.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), 100*time.Millisecond)
	}
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, session.Failed, s.State())
}

func TestSession_RecoversWithinBound(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.FailConnects(errors.New("refused"), errors.New("refused"))
	s := newSession(t, newConfig(t, 5, 10), broker)

	require.NoError(t, s.Connect(context.Background()))
	assert.Len(t, broker.Attempts(), 3)
	assert.Equal(t, session.Connected, s.State())
	assert.NoError(t, s.Err())
}

func TestSession_InfiniteBoundGivesUpOnSecurityFailures(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.RefuseConnects(packets.ErrorRefusedBadUsernameOrPassword)
	s := newSession(t, newConfig(t, mqttconfig.InfiniteReconnection, 1), broker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Connect(ctx)
	assert.ErrorIs(t, err, session.ErrSessionFailed)
	assert.ErrorIs(t, err, transport.ErrSecurity)
	assert.Len(t, broker.Attempts(), 4)
}

func TestSession_InfiniteBoundKeepsRetryingNetworkFailures(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.FailConnects(
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	)
	s := newSession(t, newConfig(t, mqttconfig.InfiniteReconnection, 1), broker)

	require.NoError(t, s.Connect(context.Background()))
	assert.Len(t, broker.Attempts(), 7)
}

func TestSession_ConnectCancelled(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.RefuseConnects(errors.New("refused"))
	s := newSession(t, newConfig(t, mqttconfig.InfiniteReconnection, 50), broker)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.Disconnected, s.State(), "an abandoned connect leaves the session usable")

	broker.RefuseConnects(nil)
	require.NoError(t, s.Connect(context.Background()))
}

func TestSession_CredentialsFromAppConfig(t *testing.T) {
	ctx := context.Background()
	store := appconfig.NewInMemoryStore()
	require.NoError(t, store.Put(ctx, "mqttCreds", appconfig.Properties{"user": "svc", "pass": "pw"}))
	resolver := appconfig.NewStoreResolver(store, zerolog.Nop())

	newRefConfig := func(name string) *mqttconfig.ConnectionConfig {
		cfg := newConfig(t, 3, 10)
		cfg.SetAppConfigName(name)
		cfg.SetUserPropertyName("user")
		cfg.SetPasswordPropertyName("pass")
		return cfg
	}

	t.Run("resolved once and used for every attempt", func(t *testing.T) {
		broker := sessiontest.NewBroker()
		broker.FailConnects(errors.New("refused"))
		s := newSession(t, newRefConfig("mqttCreds"), broker, session.WithCredentialResolver(resolver))

		require.NoError(t, s.Connect(ctx))
		assert.Equal(t, "svc", broker.Options().Username)
		assert.Equal(t, "pw", broker.Options().Password)
	})

	t.Run("missing configuration fails without retrying", func(t *testing.T) {
		broker := sessiontest.NewBroker()
		s := newSession(t, newRefConfig("absent"), broker, session.WithCredentialResolver(resolver))

		err := s.Connect(ctx)
		assert.ErrorIs(t, err, session.ErrSessionFailed)
		assert.ErrorIs(t, err, appconfig.ErrNotFound)
		assert.Empty(t, broker.Attempts())
	})

	t.Run("resolver is required", func(t *testing.T) {
		_, err := session.New(newRefConfig("mqttCreds"))
		assert.Error(t, err)
	})
}

func TestSession_PublishConnectsLazily(t *testing.T) {
	broker := sessiontest.NewBroker()
	s := newSession(t, newConfig(t, 0, 100), broker)

	msg := types.PublishMessage{Topic: "a/b", Payload: []byte("hello"), QoS: 2, Retain: true}
	require.NoError(t, s.Publish(context.Background(), msg))

	assert.Equal(t, session.Connected, s.State())
	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, msg, published[0])
}

func TestSession_CommandTimeout(t *testing.T) {
	broker := sessiontest.NewBroker()
	cfg := newConfig(t, 0, 100)
	require.NoError(t, cfg.SetCommandTimeoutMillis(50))
	s := newSession(t, cfg, broker)
	require.NoError(t, s.Connect(context.Background()))

	broker.HangPublishes(true)
	err := s.Publish(context.Background(), types.PublishMessage{Topic: "a", Payload: []byte("x")})
	assert.ErrorIs(t, err, session.ErrTimeout)
	assert.Equal(t, session.Connected, s.State(), "a timeout does not end the session")

	broker.HangPublishes(false)
	assert.NoError(t, s.Publish(context.Background(), types.PublishMessage{Topic: "a", Payload: []byte("y")}))
}

func TestSession_ConnectTimeoutCountsAsAttempt(t *testing.T) {
	broker := sessiontest.NewBroker()
	broker.HangConnects(true)
	cfg := newConfig(t, 1, 10)
	require.NoError(t, cfg.SetCommandTimeoutMillis(30))
	s := newSession(t, cfg, broker)

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionFailed)
	assert.ErrorIs(t, err, session.ErrTimeout)
	assert.Len(t, broker.Attempts(), 2)
}

func TestSession_ReconnectsAndRenewsSubscriptions(t *testing.T) {
	broker := sessiontest.NewBroker()
	s := newSession(t, newConfig(t, 3, 10), broker)

	var mu sync.Mutex
	var received []types.PublishMessage
	handler := func(msg types.PublishMessage) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}
	subs := []session.Subscription{{Filter: "sensors/+", QoS: 1}, {Filter: "alerts/#", QoS: 2}}
	require.NoError(t, s.Subscribe(context.Background(), subs, handler))
	assert.Equal(t, map[string]byte{"sensors/+": 1, "alerts/#": 2}, broker.Subscriptions())

	broker.DropConnections(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return s.State() == session.Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, broker.Attempts(), 2)
	assert.Equal(t, map[string]byte{"sensors/+": 1, "alerts/#": 2}, broker.Subscriptions())

	assert.Equal(t, 1, broker.Deliver("sensors/t1", []byte("21.5"), 1, true))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "sensors/t1", received[0].Topic)
	assert.Equal(t, []byte("21.5"), received[0].Payload)
	assert.Equal(t, byte(1), received[0].QoS)
	assert.True(t, received[0].Retain)
	assert.False(t, received[0].ReceivedAt.IsZero())
}

func TestSession_ReconnectExhaustionFails(t *testing.T) {
	broker := sessiontest.NewBroker()
	s := newSession(t, newConfig(t, 1, 10), broker)
	require.NoError(t, s.Connect(context.Background()))

	broker.RefuseConnects(errors.New("broker down"))
	broker.DropConnections(errors.New("connection reset"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session should fail once reconnection is exhausted")
	}
	assert.Equal(t, session.Failed, s.State())
	assert.Len(t, broker.Attempts(), 2, "one initial connect and one reconnect")

	err := s.Publish(context.Background(), types.PublishMessage{Topic: "a", Payload: []byte("x")})
	assert.ErrorIs(t, err, session.ErrSessionFailed)
}

func TestSession_ReconnectAttemptsAfterLossMatchBound(t *testing.T) {
	testCases := []struct {
		name  string
		bound int
	}{
		{name: "no reconnection", bound: 0},
		{name: "single retry", bound: 1},
		{name: "two retries", bound: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			broker := sessiontest.NewBroker()
			s := newSession(t, newConfig(t, tc.bound, 10), broker)
			require.NoError(t, s.Connect(context.Background()))
			require.Len(t, broker.Attempts(), 1)

			broker.RefuseConnects(errors.New("broker down"))
			broker.DropConnections(errors.New("connection reset"))

			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session should fail once reconnection is exhausted")
			}
			assert.Equal(t, session.Failed, s.State())
			assert.Len(t, broker.Attempts()[1:], tc.bound)
			assert.ErrorIs(t, s.Err(), session.ErrSessionFailed)
		})
	}
}

func TestSession_ZeroBoundFailsOnConnectionLoss(t *testing.T) {
	broker := sessiontest.NewBroker()
	s := newSession(t, newConfig(t, 0, 10), broker)
	require.NoError(t, s.Connect(context.Background()))

	broker.DropConnections(errors.New("connection reset"))

	// The loss handler runs synchronously, so the session fails before any
	// reconnect could be scheduled.
	require.Equal(t, session.Failed, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("done should be closed on a terminal connection loss")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, broker.Attempts(), 1)

	err := s.Err()
	assert.ErrorIs(t, err, session.ErrSessionFailed)
	assert.ErrorIs(t, err, transport.ErrNetwork)
}

func TestSession_Unsubscribe(t *testing.T) {
	broker := sessiontest.NewBroker()
	s := newSession(t, newConfig(t, 0, 100), broker)

	subs := []session.Subscription{{Filter: "a", QoS: 0}, {Filter: "b", QoS: 1}}
	require.NoError(t, s.Subscribe(context.Background(), subs, func(types.PublishMessage) {}))
	require.NoError(t, s.Unsubscribe(context.Background(), "a"))
	assert.Equal(t, map[string]byte{"b": 1}, broker.Subscriptions())
}

func TestSession_Close(t *testing.T) {
	broker := sessiontest.NewBroker()
	registry := session.NewClientIDRegistry()
	cfg := newConfig(t, 0, 100)
	cfg.SetClientID("closer")
	s := newSession(t, cfg, broker, session.WithRegistry(registry))
	require.NoError(t, s.Connect(context.Background()))
	require.True(t, registry.InUse("closer"))

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, session.Disconnected, s.State())
	assert.False(t, registry.InUse("closer"))
	assert.Empty(t, broker.Subscriptions())

	assert.ErrorIs(t, s.Connect(context.Background()), session.ErrClosed)
	err := s.Publish(context.Background(), types.PublishMessage{Topic: "a"})
	assert.ErrorIs(t, err, session.ErrClosed)
	assert.NoError(t, s.Close(context.Background()), "Close is idempotent")
}

func TestClientIDRegistry(t *testing.T) {
	registry := session.NewClientIDRegistry()

	first, releaseFirst := registry.Acquire("engine")
	second, releaseSecond := registry.Acquire("engine")
	third, releaseThird := registry.Acquire("engine")
	assert.Equal(t, "engine", first)
	assert.Equal(t, "engine-1", second)
	assert.Equal(t, "engine-2", third)

	releaseSecond()
	releaseSecond()
	again, releaseAgain := registry.Acquire("engine")
	assert.Equal(t, "engine-1", again, "the smallest free suffix is reused")

	generated, releaseGenerated := registry.Acquire("")
	assert.True(t, strings.HasPrefix(generated, "dataflow-"))
	assert.LessOrEqual(t, len(generated), 23)
	assert.True(t, registry.InUse(generated))

	for _, release := range []func(){releaseFirst, releaseThird, releaseAgain, releaseGenerated} {
		release()
	}
	assert.False(t, registry.InUse("engine"))
	assert.False(t, registry.InUse(generated))
}

func TestClientIDRegistry_SuffixedIDsStayPortable(t *testing.T) {
	registry := session.NewClientIDRegistry()

	base := "warehouse-gateway-north" // 23 characters
	first, _ := registry.Acquire(base)
	second, _ := registry.Acquire(base)
	assert.Equal(t, base, first)
	assert.Equal(t, "warehouse-gateway-nor-1", second)
	assert.LessOrEqual(t, len(second), 23)

	for i := 2; i <= 10; i++ {
		registry.Acquire(base)
	}
	eleventh, _ := registry.Acquire(base)
	assert.Equal(t, "warehouse-gateway-no-11", eleventh)

	long := "a-client-id-beyond-the-portable-limit"
	_, _ = registry.Acquire(long)
	suffixedLong, _ := registry.Acquire(long)
	assert.Equal(t, long+"-1", suffixedLong, "ids already past the limit are not shortened")
}

func TestSession_SharedRegistrySuffixesClientIDs(t *testing.T) {
	broker := sessiontest.NewBroker()
	registry := session.NewClientIDRegistry()

	cfg := newConfig(t, 0, 100)
	cfg.SetClientID("dup")
	a := newSession(t, cfg, broker, session.WithRegistry(registry))
	b := newSession(t, cfg, broker, session.WithRegistry(registry))

	assert.Equal(t, "dup", a.ClientID())
	assert.Equal(t, "dup-1", b.ClientID())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Reconnecting", session.Reconnecting.String())
	assert.Equal(t, "State(9)", session.State(9).String())
}
