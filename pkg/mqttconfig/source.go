package mqttconfig

import (
	"sort"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
)

// SourceConfig configures the subscriber engine.
type SourceConfig struct {
	ConnectionConfig

	schema            *types.Schema
	topics            []string
	topicOutAttrName  string
	dataAttributeName string
	qos               QoS
	messageQueueSize  int
}

// NewSourceConfig creates a source configuration subscribing to the given
// topic filters and producing records of the given schema.
func NewSourceConfig(serverURI string, schema *types.Schema, topics ...string) (*SourceConfig, error) {
	if serverURI == "" {
		return nil, invalidArgument(OptServerURI, "server URI cannot be empty")
	}
	if schema == nil {
		return nil, invalidArgument("schema", "output schema is required")
	}
	conn, err := newConnectionConfig(serverURI)
	if err != nil {
		return nil, err
	}
	c := &SourceConfig{
		ConnectionConfig: conn,
		schema:           schema,
		qos:              QoS{levels: []byte{0}},
		messageQueueSize: DefaultMessageQueueSize,
	}
	if err := c.SetTopics(topics...); err != nil {
		return nil, err
	}
	return c, nil
}

// Schema returns the output schema.
func (c *SourceConfig) Schema() *types.Schema { return c.schema }

// SetTopics replaces the topic filters. The list must be non-empty and may
// contain MQTT wildcards.
func (c *SourceConfig) SetTopics(topics ...string) error {
	if len(topics) == 0 {
		return invalidArgument(OptTopics, "at least one topic is required")
	}
	for _, t := range topics {
		if t == "" {
			return invalidArgument(OptTopics, "topic filters cannot be empty")
		}
	}
	c.topics = append([]string(nil), topics...)
	return nil
}

// Topics returns a copy of the topic filters.
func (c *SourceConfig) Topics() []string {
	return append([]string(nil), c.topics...)
}

// SetTopicOutAttrName names the output field that receives the topic a
// message arrived on.
func (c *SourceConfig) SetTopicOutAttrName(name string) { c.topicOutAttrName = name }
func (c *SourceConfig) TopicOutAttrName() string         { return c.topicOutAttrName }

// SetDataAttributeName names the output field that receives the payload.
func (c *SourceConfig) SetDataAttributeName(name string) { c.dataAttributeName = name }
func (c *SourceConfig) DataAttributeName() string         { return c.dataAttributeName }

// PayloadField resolves the payload field against the output schema.
func (c *SourceConfig) PayloadField() string {
	if c.dataAttributeName != "" {
		return c.dataAttributeName
	}
	return c.schema.PayloadField()
}

// SetQoS applies one delivery level to every topic.
func (c *SourceConfig) SetQoS(level int) error {
	q, err := ScalarQoS(level)
	if err != nil {
		return err
	}
	c.qos = q
	return nil
}

// SetQoSPerTopic sets one delivery level per topic, in topic order.
func (c *SourceConfig) SetQoSPerTopic(levels ...int) error {
	q, err := PerTopicQoS(levels...)
	if err != nil {
		return err
	}
	c.qos = q
	return nil
}

func (c *SourceConfig) QoS() QoS { return c.qos }

// SetMessageQueueSize sets how many received messages are buffered before
// the network read path blocks.
func (c *SourceConfig) SetMessageQueueSize(size int) error {
	if size < 1 {
		return invalidValue(OptMessageQueueSize, size, "must be >= 1")
	}
	c.messageQueueSize = size
	return nil
}

func (c *SourceConfig) MessageQueueSize() int { return c.messageQueueSize }

// Validate checks the cross-option invariants of the source, including the
// attribute bindings against the output schema.
func (c *SourceConfig) Validate() error {
	if err := c.ConnectionConfig.Validate(); err != nil {
		return err
	}
	if len(c.topics) == 0 {
		return invalidArgument(OptTopics, "at least one topic is required")
	}
	payload := c.PayloadField()
	if _, ok := c.schema.Field(payload); !ok {
		return invalidArgument(OptDataAttributeName, "payload field "+payload+" is not in the output schema")
	}
	if c.topicOutAttrName != "" {
		f, ok := c.schema.Field(c.topicOutAttrName)
		if !ok {
			return invalidArgument(OptTopicOutAttrName, "topic field "+c.topicOutAttrName+" is not in the output schema")
		}
		if f.Type != types.FieldString {
			return invalidType(OptTopicOutAttrName, f.Type.String(), "topic field must be a string")
		}
	}
	return nil
}

// Set assigns an option by name. The publish-only option retain is accepted
// and ignored so a dictionary can be shared between a source and a sink.
func (c *SourceConfig) Set(option string, value any) error {
	if ok, err := c.ConnectionConfig.set(option, value); ok {
		return err
	}
	switch option {
	case OptTopics:
		topics, err := toStringList(option, value, true)
		if err != nil {
			return err
		}
		return c.SetTopics(topics...)
	case OptTopicOutAttrName:
		return assignString(option, value, c.SetTopicOutAttrName)
	case OptDataAttributeName:
		return assignString(option, value, c.SetDataAttributeName)
	case OptQoS:
		q, err := qosFromValue(value, true)
		if err != nil {
			return err
		}
		c.qos = q
		return nil
	case OptMessageQueueSize:
		n, err := toInt(option, value)
		if err != nil {
			return err
		}
		return c.SetMessageQueueSize(int(n))
	case OptRetain:
		return nil
	default:
		return invalidArgument(option, "unknown source option")
	}
}

// Get returns an option by name. A per-topic qos is returned as []int.
func (c *SourceConfig) Get(option string) (any, bool) {
	if v, ok := c.ConnectionConfig.get(option); ok {
		return v, true
	}
	switch option {
	case OptTopics:
		return c.Topics(), true
	case OptTopicOutAttrName:
		return c.topicOutAttrName, true
	case OptDataAttributeName:
		return c.dataAttributeName, true
	case OptQoS:
		return c.qos.value(), true
	case OptMessageQueueSize:
		return c.messageQueueSize, true
	default:
		return nil, false
	}
}

// NewSourceConfigFromMap builds a source configuration from a dictionary of
// options. topics may be a single string or a list.
func NewSourceConfigFromMap(schema *types.Schema, options map[string]any) (*SourceConfig, error) {
	serverURI, err := optionalString(options, OptServerURI)
	if err != nil {
		return nil, err
	}
	var topics []string
	if v, ok := options[OptTopics]; ok && v != nil {
		if topics, err = toStringList(OptTopics, v, true); err != nil {
			return nil, err
		}
	}
	if serverURI == "" {
		return nil, invalidArgument(OptServerURI, "server URI cannot be empty")
	}
	if len(topics) == 0 {
		return nil, invalidArgument(OptTopics, "at least one topic is required")
	}
	cfg, err := NewSourceConfig(serverURI, schema, topics...)
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(options) {
		switch name {
		case OptServerURI, OptTopics:
			continue
		}
		if err := cfg.Set(name, options[name]); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func optionalString(options map[string]any, name string) (string, error) {
	v, ok := options[name]
	if !ok || v == nil {
		return "", nil
	}
	return toString(name, v)
}

// sortedKeys makes FromMap report the same error for the same input.
func sortedKeys(options map[string]any) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
