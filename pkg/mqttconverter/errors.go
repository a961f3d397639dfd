package mqttconverter

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
)

var (
	// ErrPublish marks a record that could not be published. The session
	// stays usable; wrapped causes include session.ErrTimeout and
	// session.ErrSessionFailed.
	ErrPublish = errors.New("publish failed")

	// ErrDecode marks a message whose payload does not fit the payload field.
	ErrDecode = errors.New("payload decode failed")

	// ErrNotRestartable is returned when a record stream is requested twice.
	ErrNotRestartable = errors.New("record stream already consumed")
)

// DecodeError reports one message that could not be converted to a record.
// It never ends the subscription.
type DecodeError struct {
	Topic string
	Field string
	Type  types.FieldType
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload from topic '%s' into %s field '%s': %v", e.Topic, e.Type, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
