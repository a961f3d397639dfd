// Package sessiontest provides an in-memory stand-in for an MQTT broker and
// the paho clients connected to it, for tests of code built on sessions.
package sessiontest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
)

// Broker records connections and publishes and delivers messages to
// subscribed clients. The zero value is not usable; call NewBroker.
type Broker struct {
	mu            sync.Mutex
	connectErrs   []error
	connectAlways error
	hangConnect   bool
	hangPublish   bool
	publishErr    error
	attempts      []time.Time
	options       []*mqtt.ClientOptions
	clients       []*Client
	published     []types.PublishMessage
}

func NewBroker() *Broker {
	return &Broker{}
}

// Factory returns a session.ClientFactory creating clients of this broker.
func (b *Broker) Factory() session.ClientFactory {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		b.mu.Lock()
		defer b.mu.Unlock()
		c := &Client{broker: b, opts: opts, subs: make(map[string]route)}
		b.options = append(b.options, opts)
		b.clients = append(b.clients, c)
		return c
	}
}

// FailConnects queues errors for the next connect attempts, one per attempt.
func (b *Broker) FailConnects(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrs = append(b.connectErrs, errs...)
}

// RefuseConnects makes every connect attempt fail with err until it is
// called again with nil.
func (b *Broker) RefuseConnects(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectAlways = err
}

// HangConnects makes connect attempts never complete.
func (b *Broker) HangConnects(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangConnect = hang
}

// HangPublishes makes publishes never acknowledged.
func (b *Broker) HangPublishes(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangPublish = hang
}

// FailPublishes makes publishes complete with err.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Attempts returns the time of every connect attempt.
func (b *Broker) Attempts() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.attempts...)
}

// Options returns the client options of the most recent client.
func (b *Broker) Options() *mqtt.ClientOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.options) == 0 {
		return nil
	}
	return b.options[len(b.options)-1]
}

// Published returns the messages accepted so far.
func (b *Broker) Published() []types.PublishMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.PublishMessage(nil), b.published...)
}

// Subscriptions returns the filters, with granted QoS, of all connected
// clients.
func (b *Broker) Subscriptions() map[string]byte {
	out := make(map[string]byte)
	for _, c := range b.connected() {
		c.mu.Lock()
		for filter, r := range c.subs {
			out[filter] = r.qos
		}
		c.mu.Unlock()
	}
	return out
}

// DropConnections disconnects every connected client as if the network
// failed, invoking their connection-lost handlers.
func (b *Broker) DropConnections(err error) {
	for _, c := range b.connected() {
		c.mu.Lock()
		c.connected = false
		c.subs = make(map[string]route)
		c.mu.Unlock()
		if c.opts.OnConnectionLost != nil {
			c.opts.OnConnectionLost(c, err)
		}
	}
}

// Deliver sends a message to every connected client with a matching
// subscription and returns how many handlers received it. Handlers run on
// the calling goroutine.
func (b *Broker) Deliver(topic string, payload []byte, qos byte, retain bool) int {
	delivered := 0
	for _, c := range b.connected() {
		c.mu.Lock()
		var handlers []mqtt.MessageHandler
		for filter, r := range c.subs {
			if types.MatchTopic(filter, topic) {
				handlers = append(handlers, r.handler)
			}
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(c, &Message{topic: topic, payload: payload, qos: qos, retained: retain})
			delivered++
		}
	}
	return delivered
}

func (b *Broker) connected() []*Client {
	b.mu.Lock()
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()

	var out []*Client
	for _, c := range clients {
		if c.IsConnected() {
			out = append(out, c)
		}
	}
	return out
}

func (b *Broker) connect() (hang bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, time.Now())
	if b.hangConnect {
		return true, nil
	}
	if len(b.connectErrs) > 0 {
		err = b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		return false, err
	}
	return false, b.connectAlways
}

func (b *Broker) publish(msg types.PublishMessage) (hang bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hangPublish {
		return true, nil
	}
	if b.publishErr != nil {
		return false, b.publishErr
	}
	b.published = append(b.published, msg)
	return false, nil
}

type route struct {
	qos     byte
	handler mqtt.MessageHandler
}

// Client is a paho client connected to a Broker.
type Client struct {
	broker *Broker
	opts   *mqtt.ClientOptions

	mu        sync.Mutex
	connected bool
	subs      map[string]route
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	hang, err := c.broker.connect()
	if hang {
		return pendingToken()
	}
	if err == nil {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	}
	return completedToken(err)
}

func (c *Client) Disconnect(_ uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.subs = make(map[string]route)
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	hang, err := c.broker.publish(types.PublishMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	if hang {
		return pendingToken()
	}
	return completedToken(err)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, qos := range filters {
		c.subs[filter] = route{qos: qos, handler: callback}
	}
	return completedToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	return completedToken(nil)
}

func (c *Client) AddRoute(_ string, _ mqtt.MessageHandler) {}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Token is a paho token completed by the fake broker.
type Token struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *Token {
	t := &Token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *Token {
	return &Token{done: make(chan struct{})}
}

func (t *Token) Wait() bool {
	<-t.done
	return true
}

func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.done }

func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Message is a paho message delivered by the fake broker.
type Message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.qos }
func (m *Message) Retained() bool    { return m.retained }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}
