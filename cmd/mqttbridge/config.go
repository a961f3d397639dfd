package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/microservice"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds the process settings read from the environment.
type Config struct {
	microservice.BaseConfig

	ConnectorFile    string        `env:"CONNECTOR_FILE" envDefault:"connector.yaml"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"mqttbridge"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// AppConfigBackend selects where named application configurations are
	// read from: memory, redis or firestore.
	AppConfigBackend   string `env:"APPCONFIG_BACKEND" envDefault:"memory"`
	AppConfigCacheSize int    `env:"APPCONFIG_CACHE_SIZE" envDefault:"64"`

	Redis struct {
		Addr      string `env:"ADDR" envDefault:"localhost:6379"`
		Password  string `env:"PASSWORD"`
		DB        int    `env:"DB" envDefault:"0"`
		KeyPrefix string `env:"KEY_PREFIX" envDefault:"appconfig:"`
	} `envPrefix:"REDIS_"`

	Firestore struct {
		ProjectID       string `env:"PROJECT_ID"`
		Collection      string `env:"COLLECTION" envDefault:"appconfigs"`
		CredentialsFile string `env:"CREDENTIALS_FILE"`
	} `envPrefix:"FIRESTORE_"`
}

// LoadConfig parses the process environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	switch cfg.AppConfigBackend {
	case "memory", "redis":
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return nil, fmt.Errorf("unknown APPCONFIG_BACKEND %q", cfg.AppConfigBackend)
	}
	return &cfg, nil
}

type fieldDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// PipelineConfig tunes the streaming service between source and sink.
type PipelineConfig struct {
	Workers        int      `yaml:"workers"`
	Ordered        *bool    `yaml:"ordered"`
	MinPayloadSize int      `yaml:"min_payload_size"`
	MaxPayloadSize int      `yaml:"max_payload_size"`
	TopicFilters   []string `yaml:"topic_filters"`
}

type connectorFile struct {
	Schema     []fieldDef                   `yaml:"schema"`
	Source     map[string]any               `yaml:"source"`
	Sink       map[string]any               `yaml:"sink"`
	Pipeline   PipelineConfig               `yaml:"pipeline"`
	AppConfigs map[string]map[string]string `yaml:"app_configs"`
}

// Connector is a parsed and validated connector file.
type Connector struct {
	Schema   *types.Schema
	Source   *mqttconfig.SourceConfig
	Sink     *mqttconfig.SinkConfig
	Pipeline PipelineConfig
	// AppConfigs seeds the in-memory application configuration store.
	AppConfigs map[string]map[string]string
}

// Ordered reports whether records must keep their arrival order. It
// defaults to true.
func (c *Connector) Ordered() bool {
	return c.Pipeline.Ordered == nil || *c.Pipeline.Ordered
}

// LoadConnector reads a connector file from path.
func LoadConnector(path string) (*Connector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector file: %w", err)
	}
	return ParseConnector(data)
}

// ParseConnector builds source and sink configurations from YAML. Both share
// the declared schema, which defaults to a single string field.
func ParseConnector(data []byte) (*Connector, error) {
	var file connectorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse connector file: %w", err)
	}

	schema := types.StringSchema()
	if len(file.Schema) > 0 {
		fields := make([]types.Field, len(file.Schema))
		for i, f := range file.Schema {
			ft, err := parseFieldType(f.Type)
			if err != nil {
				return nil, fmt.Errorf("schema field %q: %w", f.Name, err)
			}
			fields[i] = types.Field{Name: f.Name, Type: ft}
		}
		var err error
		if schema, err = types.NewSchema(fields...); err != nil {
			return nil, err
		}
	}

	if file.Source == nil {
		return nil, fmt.Errorf("connector file has no source section")
	}
	if file.Sink == nil {
		return nil, fmt.Errorf("connector file has no sink section")
	}
	source, err := mqttconfig.NewSourceConfigFromMap(schema, file.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sink, err := mqttconfig.NewSinkConfigFromMap(file.Sink)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	if err := sink.ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	if file.Pipeline.MinPayloadSize < 0 || file.Pipeline.MaxPayloadSize < 0 {
		return nil, fmt.Errorf("payload size limits cannot be negative")
	}

	return &Connector{
		Schema:     schema,
		Source:     source,
		Sink:       sink,
		Pipeline:   file.Pipeline,
		AppConfigs: file.AppConfigs,
	}, nil
}

func parseFieldType(name string) (types.FieldType, error) {
	switch strings.ToLower(name) {
	case "", "string", "rstring", "ustring":
		return types.FieldString, nil
	case "blob":
		return types.FieldBlob, nil
	case "int64":
		return types.FieldInt64, nil
	case "float64":
		return types.FieldFloat64, nil
	case "boolean", "bool":
		return types.FieldBoolean, nil
	default:
		return 0, fmt.Errorf("unsupported field type %q", name)
	}
}
