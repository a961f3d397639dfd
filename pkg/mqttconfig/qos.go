package mqttconfig

import (
	"fmt"
)

// MaxQoS is the highest MQTT delivery level.
const MaxQoS = 2

// QoS is either a single delivery level applied to every topic or a
// per-topic sequence. A sequence may be shorter or longer than the topic
// list: topics without an entry use level 0 and extra entries are ignored.
type QoS struct {
	levels   []byte
	perTopic bool
}

// ScalarQoS returns a QoS applying one level to every topic.
func ScalarQoS(level int) (QoS, error) {
	if err := checkLevel(level); err != nil {
		return QoS{}, err
	}
	return QoS{levels: []byte{byte(level)}}, nil
}

// PerTopicQoS returns a QoS holding one level per topic, in topic order.
func PerTopicQoS(levels ...int) (QoS, error) {
	out := make([]byte, 0, len(levels))
	for _, l := range levels {
		if err := checkLevel(l); err != nil {
			return QoS{}, err
		}
		out = append(out, byte(l))
	}
	return QoS{levels: out, perTopic: true}, nil
}

// PerTopic reports whether the QoS was configured as a sequence.
func (q QoS) PerTopic() bool { return q.perTopic }

// Levels returns the configured levels. A scalar QoS has exactly one.
func (q QoS) Levels() []int {
	out := make([]int, len(q.levels))
	for i, l := range q.levels {
		out[i] = int(l)
	}
	return out
}

// ForTopic returns the level for the i-th topic.
func (q QoS) ForTopic(i int) byte {
	if !q.perTopic {
		if len(q.levels) == 0 {
			return 0
		}
		return q.levels[0]
	}
	if i < 0 || i >= len(q.levels) {
		return 0
	}
	return q.levels[i]
}

// value renders the QoS the way it was set: an int or a []int.
func (q QoS) value() any {
	if q.perTopic {
		return q.Levels()
	}
	return int(q.ForTopic(0))
}

func (q QoS) String() string {
	return fmt.Sprint(q.value())
}

func checkLevel(level int) error {
	if level < 0 || level > MaxQoS {
		return invalidValue(OptQoS, level, "qos must be 0, 1 or 2")
	}
	return nil
}

// qosFromValue converts a dictionary value. Lists are only accepted when
// allowList is set.
func qosFromValue(value any, allowList bool) (QoS, error) {
	if isList(value) {
		if !allowList {
			return QoS{}, invalidType(OptQoS, value, "qos must be a single integer")
		}
		levels, err := toIntList(OptQoS, value)
		if err != nil {
			return QoS{}, err
		}
		ints := make([]int, len(levels))
		for i, l := range levels {
			if l < 0 || l > MaxQoS {
				return QoS{}, invalidValue(OptQoS, value, "qos must be 0, 1 or 2")
			}
			ints[i] = int(l)
		}
		return PerTopicQoS(ints...)
	}
	n, err := toInt(OptQoS, value)
	if err != nil {
		return QoS{}, err
	}
	if n < 0 || n > MaxQoS {
		return QoS{}, invalidValue(OptQoS, value, "qos must be 0, 1 or 2")
	}
	return ScalarQoS(int(n))
}
