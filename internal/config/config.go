package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds all configuration for a playback process.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Sink      SinkConfig      `yaml:"sink"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// SourceConfig defines the recorded export and how it is windowed.
type SourceConfig struct {
	Name       string `yaml:"name" env:"REPLAY_SOURCE_NAME"`
	Type       string `yaml:"type" env:"REPLAY_SOURCE_TYPE"` // "http", "file", "s3", "sqlite"
	URL        string `yaml:"url" env:"REPLAY_SOURCE_URL"`
	Path       string `yaml:"path" env:"REPLAY_SOURCE_PATH"`
	Bucket     string `yaml:"bucket" env:"REPLAY_SOURCE_BUCKET"`
	Key        string `yaml:"key" env:"REPLAY_SOURCE_KEY"`
	Region     string `yaml:"region" env:"REPLAY_SOURCE_REGION"`
	Endpoint   string `yaml:"endpoint" env:"REPLAY_SOURCE_ENDPOINT"`
	PathStyle  bool   `yaml:"path_style" env:"REPLAY_SOURCE_PATH_STYLE"`
	DSN        string `yaml:"dsn" env:"REPLAY_SOURCE_DSN"`
	Table      string `yaml:"table" env:"REPLAY_SOURCE_TABLE"`
	TimeColumn string `yaml:"time_column" env:"REPLAY_SOURCE_TIME_COLUMN"`

	// Static S3 credentials; when empty the default AWS chain is used.
	AccessKeyID     string `yaml:"access_key_id" env:"REPLAY_SOURCE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"REPLAY_SOURCE_SECRET_ACCESS_KEY"`

	// WindowSize and WindowOffset are whole seconds.
	WindowSize   int `yaml:"window_size" env:"REPLAY_WINDOW_SIZE"`
	WindowOffset int `yaml:"window_offset" env:"REPLAY_WINDOW_OFFSET"`

	RetryDelay  time.Duration `yaml:"retry_delay" env:"REPLAY_SOURCE_RETRY_DELAY"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"REPLAY_SOURCE_HTTP_TIMEOUT"`
}

// PlaybackConfig tunes the delivery loop.
type PlaybackConfig struct {
	MinBufferSize int           `yaml:"min_buffer_size" env:"REPLAY_MIN_BUFFER_SIZE"`
	TickInterval  time.Duration `yaml:"tick_interval" env:"REPLAY_TICK_INTERVAL"`
	StatsInterval time.Duration `yaml:"stats_interval" env:"REPLAY_STATS_INTERVAL"`
}

// SinkConfig defines where replayed records go.
type SinkConfig struct {
	Type       string          `yaml:"type" env:"REPLAY_SINK_TYPE"` // "kafka", "mqtt", "file", "debug"
	Brokers    []string        `yaml:"brokers" env:"REPLAY_SINK_BROKERS" envSeparator:","`
	Topic      string          `yaml:"topic" env:"REPLAY_SINK_TOPIC"`
	StatsTopic string          `yaml:"stats_topic" env:"REPLAY_SINK_STATS_TOPIC"`
	DebugTopic string          `yaml:"debug_topic" env:"REPLAY_SINK_DEBUG_TOPIC"`
	ClientID   string          `yaml:"client_id" env:"REPLAY_SINK_CLIENT_ID"`
	Username   string          `yaml:"username" env:"REPLAY_SINK_USERNAME"`
	Password   string          `yaml:"password" env:"REPLAY_SINK_PASSWORD"`
	QoS        int             `yaml:"qos" env:"REPLAY_SINK_QOS"`
	Path       string          `yaml:"path" env:"REPLAY_SINK_PATH"`
	QueueSize  int             `yaml:"queue_size" env:"REPLAY_SINK_QUEUE_SIZE"`
	MaxRetries *int            `yaml:"max_retries" env:"REPLAY_SINK_MAX_RETRIES"` // nil means 3; 0 disables retries
	RetryDelay time.Duration   `yaml:"retry_delay" env:"REPLAY_SINK_RETRY_DELAY"`
	Transforms []TransformRule `yaml:"transforms"`
}

// TransformRule defines one record shaping step applied before publishing.
type TransformRule struct {
	Name      string            `yaml:"name"`
	Operation string            `yaml:"operation"` // "filter", "map", "normalize"
	Field     string            `yaml:"field"`
	Operator  string            `yaml:"operator"`
	Value     string            `yaml:"value"`
	Fields    []string          `yaml:"fields"`
	Mappings  map[string]string `yaml:"mappings"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"REPLAY_METRICS_ADDR"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"REPLAY_OTLP_ENDPOINT"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"REPLAY_LOG_LEVEL"`
}

// WindowSizeDuration returns the window size as a duration.
func (s SourceConfig) WindowSizeDuration() time.Duration {
	return time.Duration(s.WindowSize) * time.Second
}

// WindowOffsetDuration returns the playback offset as a duration.
func (s SourceConfig) WindowOffsetDuration() time.Duration {
	return time.Duration(s.WindowOffset) * time.Second
}

// Load reads a YAML config file, applies REPLAY_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	src := &c.Source
	if src.Name == "" {
		src.Name = src.Type
	}
	switch src.Type {
	case "http":
		if src.URL == "" {
			return errors.New("source.url is required for http sources")
		}
	case "file":
		if src.Path == "" {
			return errors.New("source.path is required for file sources")
		}
	case "s3":
		if src.Bucket == "" || src.Key == "" || src.Region == "" {
			return errors.New("source.bucket, source.key and source.region are required for s3 sources")
		}
		if (src.AccessKeyID == "") != (src.SecretAccessKey == "") {
			return errors.New("source.access_key_id and source.secret_access_key must be set together")
		}
	case "sqlite":
		if src.DSN == "" || src.Table == "" {
			return errors.New("source.dsn and source.table are required for sqlite sources")
		}
	case "":
		return errors.New("source.type is required")
	default:
		return fmt.Errorf("unsupported source type %q", src.Type)
	}
	if src.TimeColumn == "" {
		return errors.New("source.time_column is required")
	}
	if src.WindowSize <= 0 {
		return errors.New("source.window_size must be positive")
	}
	if src.WindowOffset < 0 {
		return errors.New("source.window_offset must not be negative")
	}
	if src.RetryDelay <= 0 {
		src.RetryDelay = 60 * time.Second
	}
	if src.HTTPTimeout <= 0 {
		src.HTTPTimeout = 30 * time.Second
	}

	if c.Playback.MinBufferSize <= 0 {
		c.Playback.MinBufferSize = 40
	}
	if c.Playback.TickInterval <= 0 {
		c.Playback.TickInterval = time.Millisecond
	}
	if c.Playback.StatsInterval <= 0 {
		c.Playback.StatsInterval = time.Second
	}

	sink := &c.Sink
	if sink.Type == "" {
		sink.Type = "debug"
	}
	switch sink.Type {
	case "kafka", "mqtt":
		if len(sink.Brokers) == 0 {
			return fmt.Errorf("sink.brokers is required for %s sinks", sink.Type)
		}
	case "file":
		if sink.Path == "" {
			return errors.New("sink.path is required for file sinks")
		}
	case "debug":
	default:
		return fmt.Errorf("unsupported sink type %q", sink.Type)
	}
	if sink.Topic == "" {
		sink.Topic = "event"
	}
	if sink.QoS < 0 || sink.QoS > 2 {
		return errors.New("sink.qos must be 0, 1 or 2")
	}
	if sink.QueueSize <= 0 {
		sink.QueueSize = 1024
	}
	if sink.MaxRetries == nil {
		retries := 3
		sink.MaxRetries = &retries
	}
	if *sink.MaxRetries < 0 {
		return errors.New("sink.max_retries must not be negative")
	}
	if sink.RetryDelay <= 0 {
		sink.RetryDelay = 200 * time.Millisecond
	}
	for _, rule := range sink.Transforms {
		if rule.Name == "" || rule.Operation == "" {
			return errors.New("transform name and operation are required")
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}
