package messagepipeline

import (
	"time"
)

// Message is the internal representation of a consumed event: its data, the
// broker metadata it arrived with and its acknowledgment handles.
type Message struct {
	MessageData

	// Attributes holds broker metadata such as the MQTT topic, QoS and retain
	// flag of the delivery.
	Attributes map[string]string

	// Ack signals that the message was handled.
	Ack func()

	// Nack signals that handling failed.
	Nack func()
}

// MessageData is the payload part of a Message.
type MessageData struct {
	// ID identifies the message within this process. MQTT packet ids are
	// reused, so consumers assign their own.
	ID string `json:"id"`

	Payload []byte `json:"payload"`

	// PublishTime is when the consumer received the message.
	PublishTime time.Time `json:"publishTime"`
}
