package mqttconverter

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
)

var errInvalidUTF8 = errors.New("payload is not valid UTF-8")

// decodePayload coerces raw payload bytes into a value of the payload field
// type. Numeric and boolean fields are parsed from the payload text.
func decodePayload(payload []byte, t types.FieldType) (any, error) {
	switch t {
	case types.FieldBlob:
		return payload, nil
	case types.FieldString:
		if !utf8.Valid(payload) {
			return nil, errInvalidUTF8
		}
		return string(payload), nil
	case types.FieldInt64:
		return strconv.ParseInt(string(payload), 10, 64)
	case types.FieldFloat64:
		return strconv.ParseFloat(string(payload), 64)
	case types.FieldBoolean:
		return strconv.ParseBool(string(payload))
	default:
		return nil, fmt.Errorf("unsupported field type %s", t)
	}
}

// encodePayload renders a record value as message payload bytes.
func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case int64:
		return strconv.AppendInt(nil, p, 10), nil
	case int:
		return strconv.AppendInt(nil, int64(p), 10), nil
	case float64:
		return strconv.AppendFloat(nil, p, 'g', -1, 64), nil
	case bool:
		return strconv.AppendBool(nil, p), nil
	default:
		return nil, fmt.Errorf("cannot encode %T as payload", v)
	}
}
