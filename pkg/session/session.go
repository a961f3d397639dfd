// Package session manages one MQTT client session: the connect handshake,
// keep-alive, per-operation timeouts and fixed-period bounded reconnection.
// Sources and sinks each own a Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/transport"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// maxSecurityRetries caps consecutive security failures when the
	// reconnection bound is infinite. Bad certificates or credentials rarely
	// fix themselves.
	maxSecurityRetries = 3

	// disconnectQuiesce is how long, in milliseconds, Disconnect waits for
	// in-flight work.
	disconnectQuiesce = 250
)

// MessageHandler receives messages for a subscription. It runs on the
// protocol read path, so no further message is read while it blocks.
type MessageHandler func(msg types.PublishMessage)

// Subscription is one topic filter and the QoS requested for it.
type Subscription struct {
	Filter string
	QoS    byte
}

type subscriptionGroup struct {
	subs    []Subscription
	handler MessageHandler
	// active is the client the group is currently subscribed on.
	active mqtt.Client
}

// Session is a client session with a broker. It connects lazily on first
// use, or eagerly through Connect, and is safe for concurrent use.
type Session struct {
	cfg      *mqttconfig.ConnectionConfig
	logger   zerolog.Logger
	registry *ClientIDRegistry
	resolver appconfig.CredentialResolver
	factory  ClientFactory
	dialer   *transport.Dialer
	metrics  *metrics.Metrics

	clientID  string
	releaseID func()

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once

	// connectMu serializes connection attempts.
	connectMu sync.Mutex

	mu         sync.RWMutex
	state      State
	changed    chan struct{}
	done       chan struct{}
	doneClosed bool
	failure    error
	closed     bool
	client     mqtt.Client
	creds      *appconfig.Credentials
	groups     []*subscriptionGroup
}

// New creates a session for cfg. It validates the configuration, reserves a
// client id and loads TLS material, but does not connect.
func New(cfg *mqttconfig.ConnectionConfig, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: connection config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		factory: mqtt.NewClient,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.UsesCredentialRef() && s.resolver == nil {
		return nil, fmt.Errorf("session: credentials come from application configuration '%s' but no credential resolver is set", cfg.AppConfigName())
	}
	if s.registry == nil {
		s.registry = NewClientIDRegistry()
	}
	s.clientID, s.releaseID = s.registry.Acquire(cfg.ClientID())
	if cfg.ClientID() != "" && s.clientID != cfg.ClientID() {
		s.logger.Warn().Str("requested_client_id", cfg.ClientID()).Str("client_id", s.clientID).Msg("Client id already in use, using a suffixed id.")
	}
	s.logger = s.logger.With().Str("component", "Session").Str("client_id", s.clientID).Logger()

	if s.dialer == nil {
		d, err := transport.NewDialer(cfg, s.logger)
		if err != nil {
			s.releaseID()
			return nil, err
		}
		s.dialer = d
	}

	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	s.metrics.SetSessionState(s.clientID, int(Disconnected))
	return s, nil
}

// ClientID returns the identifier reserved for this session.
func (s *Session) ClientID() string {
	return s.clientID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StateChanged returns a channel closed on the next state transition.
func (s *Session) StateChanged() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Done returns a channel closed when the session fails or is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal failure, or nil while the session can still
// connect.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Connect establishes the connection: one attempt, then up to the
// reconnection bound of retries spaced by the fixed period. When the bound
// is exhausted the session enters Failed and ErrSessionFailed is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == Failed:
		err := s.failure
		s.mu.Unlock()
		return err
	case s.state == Connected:
		s.mu.Unlock()
		return nil
	}
	phase := Connecting
	if s.state == Reconnecting {
		phase = Reconnecting
	}
	s.setStateLocked(phase)
	s.mu.Unlock()

	return s.connectLoop(ctx, phase)
}

// Publish sends one message, connecting first if needed. It waits for the
// broker acknowledgement required by the message QoS, bounded by the command
// timeout.
func (s *Session) Publish(ctx context.Context, msg types.PublishMessage) error {
	client, err := s.ready(ctx)
	if err != nil {
		return err
	}
	token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if err := s.waitToken(ctx, token); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe registers subs with handler, connecting first if needed. The
// subscriptions are renewed after every reconnection.
func (s *Session) Subscribe(ctx context.Context, subs []Subscription, handler MessageHandler) error {
	if len(subs) == 0 {
		return errors.New("session: at least one subscription is required")
	}
	g := &subscriptionGroup{subs: append([]Subscription(nil), subs...), handler: handler}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.groups = append(s.groups, g)
	s.mu.Unlock()

	client, err := s.ready(ctx)
	if err != nil {
		s.removeGroup(g)
		return err
	}

	s.mu.RLock()
	active := g.active == client
	s.mu.RUnlock()
	if active {
		return nil
	}

	if err := s.subscribeGroup(ctx, client, g); err != nil {
		s.removeGroup(g)
		return err
	}
	s.mu.Lock()
	g.active = client
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes topic filters. It sends UNSUBSCRIBE only while
// connected.
func (s *Session) Unsubscribe(ctx context.Context, filters ...string) error {
	drop := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		drop[f] = struct{}{}
	}

	s.mu.Lock()
	kept := s.groups[:0]
	for _, g := range s.groups {
		subs := g.subs[:0]
		for _, sub := range g.subs {
			if _, ok := drop[sub.Filter]; !ok {
				subs = append(subs, sub)
			}
		}
		g.subs = subs
		if len(g.subs) > 0 {
			kept = append(kept, g)
		}
	}
	s.groups = kept
	client := s.client
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected || client == nil {
		return nil
	}
	if err := s.waitToken(ctx, client.Unsubscribe(filters...)); err != nil {
		return fmt.Errorf("unsubscribe from %v: %w", filters, err)
	}
	return nil
}

// Close disconnects, stops any background reconnection and releases the
// client id. Pending operations fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		client := s.client
		s.client = nil
		if s.state != Failed {
			s.setStateLocked(Disconnected)
		}
		s.closeDoneLocked()
		s.mu.Unlock()

		s.lifeCancel()
		if client != nil && client.IsConnected() {
			client.Disconnect(disconnectQuiesce)
			s.logger.Info().Msg("Disconnected from MQTT broker.")
		}

		stopped := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warn().Msg("Timed out waiting for background reconnection to stop.")
		}
		s.releaseID()
	})
	return nil
}

// connectLoop runs attempts until one succeeds, the bound is exhausted or
// ctx ends. An initial connect gets one attempt plus bound retries; after a
// connection loss only bound attempts remain. The caller holds connectMu.
func (s *Session) connectLoop(ctx context.Context, phase State) error {
	bound := s.cfg.ReconnectionBound()
	maxAttempts := bound
	if phase != Reconnecting {
		maxAttempts++
	}
	period := s.cfg.Period()
	securityFailures := 0

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(period)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				s.abandon(phase)
				return ctx.Err()
			case <-s.lifeCtx.Done():
				timer.Stop()
				return ErrClosed
			}
		}

		err := s.attempt(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			s.abandon(phase)
			return ctx.Err()
		}

		if errors.Is(err, transport.ErrSecurity) {
			securityFailures++
		} else {
			securityFailures = 0
		}

		switch {
		case errors.Is(err, appconfig.ErrNotFound):
			return s.fail(err, attempt+1)
		case bound == mqttconfig.InfiniteReconnection && securityFailures > maxSecurityRetries:
			s.logger.Error().Int("security_failures", securityFailures).Msg("Giving up on repeated security failures despite infinite reconnection bound.")
			return s.fail(err, attempt+1)
		case bound != mqttconfig.InfiniteReconnection && attempt+1 >= maxAttempts:
			return s.fail(err, attempt+1)
		}

		s.logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("reconnection_bound", bound).
			Dur("period", period).
			Msg("Connection attempt failed, retrying after period.")
	}
}

// attempt performs one connect handshake and renews subscriptions.
func (s *Session) attempt(ctx context.Context) error {
	creds, err := s.credentials(ctx)
	if err != nil {
		s.metrics.ConnectAttempt(s.clientID, "error")
		return err
	}

	var dialErr errorBox
	client := s.factory(s.clientOptions(creds, &dialErr))

	s.logger.Info().Str("broker", s.dialer.Endpoint().String()).Msg("Attempting to connect to MQTT broker...")
	if err := s.waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		err = classifyConnectError(err, dialErr.get())
		s.metrics.ConnectAttempt(s.clientID, resultLabel(err))
		return err
	}

	s.mu.RLock()
	closed := s.closed
	groups := append([]*subscriptionGroup(nil), s.groups...)
	s.mu.RUnlock()
	if closed {
		client.Disconnect(disconnectQuiesce)
		return ErrClosed
	}

	for _, g := range groups {
		if err := s.subscribeGroup(ctx, client, g); err != nil {
			client.Disconnect(disconnectQuiesce)
			s.metrics.ConnectAttempt(s.clientID, "error")
			return fmt.Errorf("renew subscriptions: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Disconnect(disconnectQuiesce)
		return ErrClosed
	}
	for _, g := range groups {
		g.active = client
	}
	s.client = client
	s.setStateLocked(Connected)
	s.mu.Unlock()

	s.metrics.ConnectAttempt(s.clientID, "success")
	s.logger.Info().Int("subscription_groups", len(groups)).Msg("Connected to MQTT broker.")
	return nil
}

func (s *Session) clientOptions(creds appconfig.Credentials, dialErr *errorBox) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.dialer.Endpoint().String())
	opts.SetClientID(s.clientID)
	if creds.Username != "" {
		opts.SetUsername(creds.Username)
	}
	if creds.Password != "" {
		opts.SetPassword(creds.Password)
	}
	opts.SetCleanSession(true)
	// Reconnection follows the configured bound and period, not paho's
	// backoff.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(s.cfg.KeepAlive())
	opts.SetConnectTimeout(s.cfg.CommandTimeout())
	// A blocking handler blocks the read path instead of queueing without
	// bound.
	opts.SetOrderMatters(true)
	opts.SetCustomOpenConnectionFn(s.dialer.OpenConnectionFunc(s.lifeCtx, dialErr.set))
	opts.SetConnectionLostHandler(s.onConnectionLost)
	return opts
}

func (s *Session) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	if s.closed || s.state != Connected || client != s.client {
		s.mu.Unlock()
		return
	}
	s.client = nil
	for _, g := range s.groups {
		g.active = nil
	}
	if s.cfg.ReconnectionBound() == 0 {
		failure := s.failLocked(fmt.Errorf("connection lost: %w: %w", transport.ErrNetwork, err), 0)
		s.mu.Unlock()

		s.metrics.ConnectionLost(s.clientID)
		s.logger.Error().Err(failure).Msg("Lost connection to MQTT broker with reconnection disabled, session failed.")
		return
	}
	s.setStateLocked(Reconnecting)
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnectionLost(s.clientID)
	s.logger.Error().Err(err).Msg("Lost connection to MQTT broker, reconnecting.")
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.wg.Done()

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.RLock()
	proceed := !s.closed && s.state == Reconnecting
	s.mu.RUnlock()
	if !proceed {
		return
	}

	if err := s.connectLoop(s.lifeCtx, Reconnecting); err == nil {
		s.logger.Info().Msg("Successfully reconnected to MQTT broker.")
	}
}

func (s *Session) subscribeGroup(ctx context.Context, client mqtt.Client, g *subscriptionGroup) error {
	filters := make(map[string]byte, len(g.subs))
	for _, sub := range g.subs {
		filters[sub.Filter] = sub.QoS
	}
	token := client.SubscribeMultiple(filters, wrapHandler(g.handler))
	if err := s.waitToken(ctx, token); err != nil {
		return fmt.Errorf("subscribe to %v: %w", filters, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for filter, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("broker rejected subscription to %s", filter)
			}
		}
	}
	for filter, qos := range filters {
		s.logger.Info().Str("topic", filter).Uint8("qos", qos).Msg("Subscribed to MQTT topic.")
	}
	return nil
}

func wrapHandler(h MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		payload := make([]byte, len(m.Payload()))
		copy(payload, m.Payload())
		h(types.PublishMessage{
			Topic:      m.Topic(),
			Payload:    payload,
			QoS:        m.Qos(),
			Retain:     m.Retained(),
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// ready returns a connected client, connecting lazily or waiting for an
// attempt in progress. Waiting is bounded by the command timeout.
func (s *Session) ready(ctx context.Context) (mqtt.Client, error) {
	var timeout <-chan time.Time
	if d := s.cfg.CommandTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		s.mu.RLock()
		state, client, changed := s.state, s.client, s.changed
		closed, failure := s.closed, s.failure
		s.mu.RUnlock()

		if closed {
			return nil, ErrClosed
		}
		switch state {
		case Connected:
			return client, nil
		case Failed:
			return nil, failure
		case Disconnected:
			if err := s.Connect(ctx); err != nil {
				return nil, err
			}
		default:
			select {
			case <-changed:
			case <-timeout:
				return nil, fmt.Errorf("waiting for connection: %w", ErrTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// waitToken waits for a protocol operation, bounded by the command timeout.
// A session that fails or closes meanwhile ends the wait.
func (s *Session) waitToken(ctx context.Context, token mqtt.Token) error {
	var timeout <-chan time.Time
	if d := s.cfg.CommandTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-timeout:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
}

func (s *Session) credentials(ctx context.Context) (appconfig.Credentials, error) {
	if !s.cfg.UsesCredentialRef() {
		return appconfig.Credentials{Username: s.cfg.UserID(), Password: s.cfg.Password()}, nil
	}

	s.mu.RLock()
	cached := s.creds
	s.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	ref := appconfig.CredentialRef{
		AppConfigName:        s.cfg.AppConfigName(),
		UserPropertyName:     s.cfg.UserPropertyName(),
		PasswordPropertyName: s.cfg.PasswordPropertyName(),
	}
	creds, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return appconfig.Credentials{}, fmt.Errorf("resolve credentials from '%s': %w", ref.AppConfigName, err)
	}

	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()
	return creds, nil
}

func (s *Session) fail(err error, attempts int) error {
	s.mu.Lock()
	failure := s.failLocked(err, attempts)
	s.mu.Unlock()

	s.logger.Error().Err(err).Int("attempts", attempts).Msg("Reconnection bound exhausted, session failed.")
	return failure
}

func (s *Session) failLocked(err error, attempts int) error {
	failure := fmt.Errorf("%w after %d attempt(s): %w", ErrSessionFailed, attempts, err)
	s.failure = failure
	s.client = nil
	s.setStateLocked(Failed)
	s.closeDoneLocked()
	return failure
}

// abandon resets the state when the caller gave up on connecting.
func (s *Session) abandon(phase State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.state == phase {
		s.setStateLocked(Disconnected)
	}
}

func (s *Session) removeGroup(g *subscriptionGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.groups {
		if existing == g {
			s.groups = append(s.groups[:i], s.groups[i+1:]...)
			return
		}
	}
}

// setStateLocked must be called with mu held.
func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	prev := s.state
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
	s.metrics.SetSessionState(s.clientID, int(state))
	s.logger.Debug().Stringer("from", prev).Stringer("to", state).Msg("Session state changed.")
}

func (s *Session) closeDoneLocked() {
	if !s.doneClosed {
		close(s.done)
		s.doneClosed = true
	}
}

// classifyConnectError maps a failed handshake onto the transport error
// kinds. A recorded dial error is authoritative: paho reports it only as a
// generic network error.
func classifyConnectError(err, dialErr error) error {
	switch {
	case dialErr != nil:
		return dialErr
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword), errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return fmt.Errorf("connection refused: %w: %w", transport.ErrSecurity, err)
	default:
		return fmt.Errorf("connect: %w: %w", transport.ErrNetwork, err)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, transport.ErrSecurity):
		return "security"
	case errors.Is(err, transport.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}

// errorBox records the dial error of one attempt. paho calls the dialer on
// its own goroutine.
type errorBox struct {
	mu  sync.Mutex
	err error
}

func (b *errorBox) set(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *errorBox) get() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
