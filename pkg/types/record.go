package types

import (
	"time"
)

// Record is a structured tuple flowing between the connector and the graph.
// Keys are schema field names; absent keys are unset fields.
type Record map[string]any

// String returns the named field as a string. It reports false if the field
// is unset or holds a value of another type.
func (r Record) String(name string) (string, bool) {
	v, ok := r[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PublishMessage is the protocol-level unit handed to or received from the
// broker. It is ephemeral and never persisted by the connector.
type PublishMessage struct {
	// Topic is the concrete topic the message was published to.
	Topic string
	// Payload is the raw byte content of the message.
	Payload []byte
	// QoS is the delivery level used for this message.
	QoS byte
	// Retain asks the broker to keep the message for future subscribers.
	// It is only meaningful on publish.
	Retain bool
	// ReceivedAt is set by the subscriber when the message arrives.
	ReceivedAt time.Time
}
