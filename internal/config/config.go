// Package config loads the meterlog settings file and applies environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/meterlog/internal/kafka"
	"github.com/lsm/meterlog/internal/parser"
	"github.com/lsm/meterlog/internal/sink/postgres"
)

// DefaultPath is where the settings file lives in the container image.
const DefaultPath = "/app/config/settings.yml"

// Reader types.
const (
	ReaderSpool = "spool"
	ReaderKafka = "kafka"
)

// Config is the validated, immutable service configuration.
type Config struct {
	Credentials   Credentials         `yaml:"credentials"`
	Transport     Transport           `yaml:"transport"`
	Acquisition   Acquisition         `yaml:"acquisition"`
	UnitID        string              `yaml:"unit_id"`
	Reader        ReaderConfig        `yaml:"reader"`
	Sinks         Sinks               `yaml:"sinks"`
	Logging       Logging             `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Credentials holds the B-route authentication ID and password.
type Credentials struct {
	ID       string `yaml:"id"`
	Password string `yaml:"password"`
}

// Transport describes the serial link to the Wi-SUN dongle.
type Transport struct {
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	Timeout int    `yaml:"timeout"` // seconds
}

// Acquisition controls what is polled and how often.
type Acquisition struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	Properties      []string `yaml:"properties"`
	// EnergyPrescaled selects pass-through for E0/E3 when the reader already
	// reports kWh. By default the Wh counters are divided by 1000.
	EnergyPrescaled bool `yaml:"energy_prescaled"`
}

// Interval returns the polling interval as a duration.
func (a Acquisition) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

// ReaderConfig selects and configures the meter reader.
type ReaderConfig struct {
	Type  string            `yaml:"type"`
	Spool SpoolReaderConfig `yaml:"spool"`
	Kafka KafkaReaderConfig `yaml:"kafka"`
}

// SpoolReaderConfig configures the JSON-lines spool reader.
type SpoolReaderConfig struct {
	Path      string `yaml:"path"`
	FromStart bool   `yaml:"from_start"`
}

// KafkaReaderConfig configures the Kafka gateway reader.
type KafkaReaderConfig struct {
	kafka.ClusterConfig `yaml:",inline"`
	Topic               string `yaml:"topic"`
	ConsumerGroup       string `yaml:"consumer_group"`
	StartOffset         string `yaml:"start_offset"`
}

// Sinks groups the per-sink settings.
type Sinks struct {
	CSV        CSVSink        `yaml:"csv"`
	TimeSeries TimeSeriesSink `yaml:"timeseries"`
	Postgres   PostgresSink   `yaml:"postgres"`
	Kafka      KafkaSink      `yaml:"kafka"`
}

// CSVSink configures the long-format CSV row store.
type CSVSink struct {
	Enabled         bool   `yaml:"enabled"`
	OutputDir       string `yaml:"output_dir"`
	FilenamePattern string `yaml:"filename_pattern"`
}

// TimeSeriesSink configures the InfluxDB v2 sink.
type TimeSeriesSink struct {
	Enabled     bool              `yaml:"enabled"`
	URL         string            `yaml:"url"`
	Token       string            `yaml:"token"`
	Org         string            `yaml:"org"`
	Bucket      string            `yaml:"bucket"`
	Measurement string            `yaml:"measurement"`
	Tags        map[string]string `yaml:"tags"`
}

// PostgresSink configures the PostgreSQL row store.
type PostgresSink struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Table       string `yaml:"table"`
	CreateTable bool   `yaml:"create_table"`
}

// KafkaSink configures the CloudEvents publisher.
type KafkaSink struct {
	kafka.ClusterConfig `yaml:",inline"`
	Enabled             bool   `yaml:"enabled"`
	Topic               string `yaml:"topic"`
}

// Logging configures the process logger.
type Logging struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxBytes    int    `yaml:"max_bytes"`
	BackupCount int    `yaml:"backup_count"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsAddr    string `yaml:"metrics_addr"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// ResolvePath picks the settings file: an explicit argument wins, then
// METERLOG_CONFIG, then DefaultPath.
func ResolvePath(arg string, lookup func(string) (string, bool)) string {
	if arg != "" {
		return arg
	}
	if lookup != nil {
		if v, ok := lookup("METERLOG_CONFIG"); ok && v != "" {
			return v
		}
	}
	return DefaultPath
}

// Load reads the settings file at path, applies defaults, overlays the
// environment via lookup and validates the result.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}

	resolved := cfg.WithEnv(lookup)
	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	return &resolved, nil
}

// Decode reads the settings file and applies defaults without validating.
func Decode(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Baud == 0 {
		c.Transport.Baud = 115200
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30
	}
	if c.Acquisition.IntervalSeconds == 0 {
		c.Acquisition.IntervalSeconds = 30
	}
	if len(c.Acquisition.Properties) == 0 {
		c.Acquisition.Properties = []string{"D3", "D7", "E1", "E7", "E0", "E3"}
	}
	if c.Reader.Type == "" {
		c.Reader.Type = ReaderSpool
	}
	if c.Reader.Kafka.StartOffset == "" {
		c.Reader.Kafka.StartOffset = "latest"
	}
	if c.Sinks.CSV.OutputDir == "" {
		c.Sinks.CSV.OutputDir = "/app/data"
	}
	if c.Sinks.CSV.FilenamePattern == "" {
		c.Sinks.CSV.FilenamePattern = "smartmeter_%Y%m%d.csv"
	}
	if c.Sinks.TimeSeries.Measurement == "" {
		c.Sinks.TimeSeries.Measurement = "smartmeter"
	}
	if c.Sinks.Postgres.Table == "" {
		c.Sinks.Postgres.Table = "meter_readings"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxBytes == 0 {
		c.Logging.MaxBytes = 10 * 1024 * 1024
	}
	if c.Logging.BackupCount == 0 {
		c.Logging.BackupCount = 5
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = ":9090"
	}
	if c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = "localhost:4317"
	}
}

// WithEnv returns a copy of c with non-empty environment variables applied
// over the file values. c itself is not modified.
func (c Config) WithEnv(lookup func(string) (string, bool)) Config {
	out := c.clone()
	if lookup == nil {
		return out
	}

	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set("BROUTE_ID", &out.Credentials.ID)
	set("BROUTE_PASSWORD", &out.Credentials.Password)
	set("SERIAL_PORT", &out.Transport.Port)
	set("INFLUXDB_URL", &out.Sinks.TimeSeries.URL)
	set("INFLUXDB_TOKEN", &out.Sinks.TimeSeries.Token)
	set("INFLUXDB_ORG", &out.Sinks.TimeSeries.Org)
	set("INFLUXDB_BUCKET", &out.Sinks.TimeSeries.Bucket)
	set("METERLOG_UNIT_ID", &out.UnitID)
	set("METERLOG_LOG_LEVEL", &out.Logging.Level)
	set("METERLOG_METRICS_ADDR", &out.Observability.MetricsAddr)
	set("POSTGRES_DSN", &out.Sinks.Postgres.DSN)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		brokers := splitList(v)
		out.Reader.Kafka.Brokers = brokers
		out.Sinks.Kafka.Brokers = slices.Clone(brokers)
	}
	if v, ok := lookup("METERLOG_OTEL_ENABLED"); ok && strings.EqualFold(v, "true") {
		out.Observability.TracingEnabled = true
	}

	return out
}

func (c Config) clone() Config {
	out := c
	out.Acquisition.Properties = slices.Clone(c.Acquisition.Properties)
	out.Sinks.TimeSeries.Tags = maps.Clone(c.Sinks.TimeSeries.Tags)
	out.Reader.Kafka.Brokers = slices.Clone(c.Reader.Kafka.Brokers)
	out.Sinks.Kafka.Brokers = slices.Clone(c.Sinks.Kafka.Brokers)
	return out
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Credentials.ID == "" {
		errs = append(errs, errors.New("credentials.id is required"))
	}
	if c.Credentials.Password == "" {
		errs = append(errs, errors.New("credentials.password is required"))
	}
	if c.Transport.Baud <= 0 {
		errs = append(errs, fmt.Errorf("transport.baud must be positive, got %d", c.Transport.Baud))
	}
	if c.Transport.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("transport.timeout must be positive, got %d", c.Transport.Timeout))
	}
	if c.UnitID == "" {
		errs = append(errs, errors.New("unit_id is required"))
	}

	if c.Acquisition.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.interval_seconds must be positive, got %d", c.Acquisition.IntervalSeconds))
	}
	seen := make(map[string]bool, len(c.Acquisition.Properties))
	for _, code := range c.Acquisition.Properties {
		if _, ok := parser.Lookup(code); !ok {
			errs = append(errs, fmt.Errorf("acquisition.properties: unknown property code %q (known: %s)", code, strings.Join(parser.Codes(), ", ")))
		}
		if seen[code] {
			errs = append(errs, fmt.Errorf("acquisition.properties: duplicate property code %q", code))
		}
		seen[code] = true
	}

	switch c.Reader.Type {
	case ReaderSpool:
		if c.Reader.Spool.Path == "" {
			errs = append(errs, errors.New("reader.spool.path is required for the spool reader"))
		}
	case ReaderKafka:
		if err := c.Reader.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("reader.kafka: %w", err))
		}
		if c.Reader.Kafka.Topic == "" {
			errs = append(errs, errors.New("reader.kafka.topic is required"))
		}
		if c.Reader.Kafka.ConsumerGroup == "" {
			errs = append(errs, errors.New("reader.kafka.consumer_group is required"))
		}
		if c.Reader.Kafka.StartOffset != "earliest" && c.Reader.Kafka.StartOffset != "latest" {
			errs = append(errs, fmt.Errorf("reader.kafka.start_offset %q is not valid (must be earliest or latest)", c.Reader.Kafka.StartOffset))
		}
	default:
		errs = append(errs, fmt.Errorf("reader.type %q is not valid (must be spool or kafka)", c.Reader.Type))
	}

	if c.Sinks.CSV.Enabled && c.Sinks.CSV.FilenamePattern == "" {
		errs = append(errs, errors.New("sinks.csv.filename_pattern is required when the csv sink is enabled"))
	}

	if ts := c.Sinks.TimeSeries; ts.Enabled {
		if ts.URL == "" {
			errs = append(errs, errors.New("sinks.timeseries.url is required when the timeseries sink is enabled"))
		} else if u, err := url.Parse(ts.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("sinks.timeseries.url %q is not a valid URL", ts.URL))
		}
		if ts.Org == "" {
			errs = append(errs, errors.New("sinks.timeseries.org is required when the timeseries sink is enabled"))
		}
		if ts.Bucket == "" {
			errs = append(errs, errors.New("sinks.timeseries.bucket is required when the timeseries sink is enabled"))
		}
		for k := range ts.Tags {
			if k == "epc" || k == "unitid" {
				errs = append(errs, fmt.Errorf("sinks.timeseries.tags: %q is reserved", k))
			}
		}
	}

	if pg := c.Sinks.Postgres; pg.Enabled {
		if pg.DSN == "" {
			errs = append(errs, errors.New("sinks.postgres.dsn is required when the postgres sink is enabled"))
		}
		if !postgres.ValidTable(pg.Table) {
			errs = append(errs, fmt.Errorf("sinks.postgres.table %q is not a valid identifier", pg.Table))
		}
	}

	if c.Sinks.Kafka.Enabled {
		if err := c.Sinks.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sinks.kafka: %w", err))
		}
		if c.Sinks.Kafka.Topic == "" {
			errs = append(errs, errors.New("sinks.kafka.topic is required when the kafka sink is enabled"))
		}
	}

	if c.Logging.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("logging.max_bytes must not be negative, got %d", c.Logging.MaxBytes))
	}
	if c.Logging.BackupCount < 0 {
		errs = append(errs, fmt.Errorf("logging.backup_count must not be negative, got %d", c.Logging.BackupCount))
	}

	return errors.Join(errs...)
}

// EnabledSinks lists the enabled sinks in dispatch order.
func (c *Config) EnabledSinks() []string {
	var names []string
	if c.Sinks.CSV.Enabled {
		names = append(names, "csv")
	}
	if c.Sinks.TimeSeries.Enabled {
		names = append(names, "timeseries")
	}
	if c.Sinks.Postgres.Enabled {
		names = append(names, "postgres")
	}
	if c.Sinks.Kafka.Enabled {
		names = append(names, "kafka")
	}
	return names
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
