package mqttconfig

import (
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
)

// SinkConfig configures the publisher engine. Exactly one of a static topic
// or a topic attribute is set at all times.
type SinkConfig struct {
	ConnectionConfig

	topic              string
	topicAttributeName string
	dataAttributeName  string
	qos                int
	qosSet             bool
	qosAttributeName   string
	retain             bool
}

// NewSinkConfig creates a sink configuration. Exactly one of topic and
// topicAttributeName must be non-empty.
func NewSinkConfig(serverURI, topic, topicAttributeName string) (*SinkConfig, error) {
	if serverURI == "" {
		return nil, invalidArgument(OptServerURI, "server URI cannot be empty")
	}
	switch {
	case topic == "" && topicAttributeName == "":
		return nil, invalidArgument(OptTopic, "one of topic or topicAttributeName is required")
	case topic != "" && topicAttributeName != "":
		return nil, invalidArgument(OptTopic, "topic and topicAttributeName are mutually exclusive")
	}
	conn, err := newConnectionConfig(serverURI)
	if err != nil {
		return nil, err
	}
	return &SinkConfig{
		ConnectionConfig:   conn,
		topic:              topic,
		topicAttributeName: topicAttributeName,
	}, nil
}

// SetTopic publishes every record to a static topic. It clears any topic
// attribute.
func (c *SinkConfig) SetTopic(topic string) error {
	if topic == "" {
		return invalidArgument(OptTopic, "topic cannot be empty")
	}
	c.topic = topic
	c.topicAttributeName = ""
	return nil
}

func (c *SinkConfig) Topic() string { return c.topic }

// SetTopicAttributeName reads each record's topic from the named field. It
// clears any static topic.
func (c *SinkConfig) SetTopicAttributeName(name string) error {
	if name == "" {
		return invalidArgument(OptTopicAttributeName, "topic attribute name cannot be empty")
	}
	c.topicAttributeName = name
	c.topic = ""
	return nil
}

func (c *SinkConfig) TopicAttributeName() string { return c.topicAttributeName }

// SetDataAttributeName names the field holding the message payload.
func (c *SinkConfig) SetDataAttributeName(name string) { c.dataAttributeName = name }
func (c *SinkConfig) DataAttributeName() string         { return c.dataAttributeName }

// PayloadField resolves the payload field against the input schema.
func (c *SinkConfig) PayloadField(schema *types.Schema) string {
	if c.dataAttributeName != "" {
		return c.dataAttributeName
	}
	return schema.PayloadField()
}

// SetQoS sets the delivery level for every published message.
func (c *SinkConfig) SetQoS(level int) error {
	if err := checkLevel(level); err != nil {
		return err
	}
	c.qos = level
	c.qosSet = true
	return nil
}

func (c *SinkConfig) QoS() int { return c.qos }

// SetQoSAttributeName reads each record's delivery level from the named
// field. It cannot be combined with an explicit QoS.
func (c *SinkConfig) SetQoSAttributeName(name string) { c.qosAttributeName = name }
func (c *SinkConfig) QoSAttributeName() string         { return c.qosAttributeName }

func (c *SinkConfig) SetRetain(retain bool) { c.retain = retain }
func (c *SinkConfig) Retain() bool          { return c.retain }

// Validate checks the cross-option invariants of the sink.
func (c *SinkConfig) Validate() error {
	if err := c.ConnectionConfig.Validate(); err != nil {
		return err
	}
	if (c.topic == "") == (c.topicAttributeName == "") {
		return invalidArgument(OptTopic, "exactly one of topic or topicAttributeName is required")
	}
	if c.qosSet && c.qosAttributeName != "" {
		return invalidArgument(OptQoSAttributeName, "qos and qosAttributeName are mutually exclusive")
	}
	return nil
}

// ValidateSchema checks the attribute bindings against the input schema.
func (c *SinkConfig) ValidateSchema(schema *types.Schema) error {
	if schema == nil {
		return invalidArgument("schema", "input schema is required")
	}
	payload := c.PayloadField(schema)
	if _, ok := schema.Field(payload); !ok {
		return invalidArgument(OptDataAttributeName, "payload field "+payload+" is not in the input schema")
	}
	if c.topicAttributeName != "" {
		f, ok := schema.Field(c.topicAttributeName)
		if !ok {
			return invalidArgument(OptTopicAttributeName, "topic field "+c.topicAttributeName+" is not in the input schema")
		}
		if f.Type != types.FieldString {
			return invalidType(OptTopicAttributeName, f.Type.String(), "topic field must be a string")
		}
	}
	if c.qosAttributeName != "" {
		f, ok := schema.Field(c.qosAttributeName)
		if !ok {
			return invalidArgument(OptQoSAttributeName, "qos field "+c.qosAttributeName+" is not in the input schema")
		}
		if f.Type != types.FieldInt64 {
			return invalidType(OptQoSAttributeName, f.Type.String(), "qos field must be an int64")
		}
	}
	return nil
}

// Set assigns an option by name, applying the same validation as the typed
// setters.
func (c *SinkConfig) Set(option string, value any) error {
	if ok, err := c.ConnectionConfig.set(option, value); ok {
		return err
	}
	switch option {
	case OptTopic:
		return setString(option, value, c.SetTopic)
	case OptTopicAttributeName:
		return setString(option, value, c.SetTopicAttributeName)
	case OptDataAttributeName:
		return assignString(option, value, c.SetDataAttributeName)
	case OptQoS:
		q, err := qosFromValue(value, false)
		if err != nil {
			return err
		}
		return c.SetQoS(int(q.ForTopic(0)))
	case OptQoSAttributeName:
		return assignString(option, value, c.SetQoSAttributeName)
	case OptRetain:
		b, err := toBool(option, value)
		if err != nil {
			return err
		}
		c.SetRetain(b)
		return nil
	default:
		return invalidArgument(option, "unknown sink option")
	}
}

// Get returns an option by name.
func (c *SinkConfig) Get(option string) (any, bool) {
	if v, ok := c.ConnectionConfig.get(option); ok {
		return v, true
	}
	switch option {
	case OptTopic:
		return c.topic, true
	case OptTopicAttributeName:
		return c.topicAttributeName, true
	case OptDataAttributeName:
		return c.dataAttributeName, true
	case OptQoS:
		return c.qos, true
	case OptQoSAttributeName:
		return c.qosAttributeName, true
	case OptRetain:
		return c.retain, true
	default:
		return nil, false
	}
}

// NewSinkConfigFromMap builds a sink configuration from a dictionary of
// options, as supplied by the graph builder or a connector file.
func NewSinkConfigFromMap(options map[string]any) (*SinkConfig, error) {
	serverURI, err := optionalString(options, OptServerURI)
	if err != nil {
		return nil, err
	}
	topic, err := optionalString(options, OptTopic)
	if err != nil {
		return nil, err
	}
	topicAttr, err := optionalString(options, OptTopicAttributeName)
	if err != nil {
		return nil, err
	}
	cfg, err := NewSinkConfig(serverURI, topic, topicAttr)
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(options) {
		switch name {
		case OptServerURI, OptTopic, OptTopicAttributeName:
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
