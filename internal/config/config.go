// Package config loads the telemetry server configuration from a YAML file
// and TELEMETRY_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/observability"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Source kinds.
const (
	SourceSim    = "sim"
	SourceMemory = "memory"
	SourceGRPC   = "grpc"
	SourceNATS   = "nats"
	SourceKafka  = "kafka"
	SourceMQTT   = "mqtt"
)

// Defaults.
const (
	DefaultPath            = "telemetry"
	DefaultGalleryPath     = "image_log"
	DefaultHTTPAddr        = ":8080"
	DefaultSimInterval     = 6 * time.Second
	DefaultSimBackfill     = 50
	DefaultHistoryCapacity = 50
	DefaultNATSBucket      = "telemetry"
)

// Config is the complete server configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Sim       SimConfig       `yaml:"sim"`
	History   HistoryConfig   `yaml:"history"`
	Normalize NormalizeConfig `yaml:"normalize"`
	HTTP      HTTPConfig      `yaml:"http"`
	Feed      FeedConfig      `yaml:"feed"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// SourceConfig selects where raw snapshots come from.
type SourceConfig struct {
	Kind        string      `yaml:"kind"`         // sim, memory, grpc, nats, kafka, mqtt
	Path        string      `yaml:"path"`         // latest-reading path
	GalleryPath string      `yaml:"gallery_path"` // empty disables the gallery
	Retain      int         `yaml:"retain"`       // entries kept per path; 0 keeps all
	GRPC        GRPCSource  `yaml:"grpc"`
	NATS        NATSSource  `yaml:"nats"`
	Kafka       KafkaSource `yaml:"kafka"`
	MQTT        MQTTSource  `yaml:"mqtt"`
}

// GRPCSource points at another server's snapshot feed.
type GRPCSource struct {
	Target string `yaml:"target"`
}

// NATSSource configures the JetStream KV source.
type NATSSource struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// KafkaSource configures the Kafka source.
type KafkaSource struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// MQTTSource configures the MQTT source.
type MQTTSource struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// SimConfig configures the simulated source.
type SimConfig struct {
	Interval time.Duration `yaml:"interval"`
	Seed     uint64        `yaml:"seed"`
	Backfill *int          `yaml:"backfill"` // nil means DefaultSimBackfill
	ISS      bool          `yaml:"iss"`      // propagate the bundled ISS element set
	TLE1     string        `yaml:"tle_line1"`
	TLE2     string        `yaml:"tle_line2"`
}

// HistoryConfig sizes the rolling history window.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// NormalizeConfig tunes the normalizer.
type NormalizeConfig struct {
	RequireImage bool `yaml:"require_image"`
}

// HTTPConfig configures the read API.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// FeedConfig enables re-exporting the source over gRPC.
type FeedConfig struct {
	Addr string `yaml:"addr"` // empty disables the feed server
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ServiceName string   `yaml:"service_name"`
	Exporter    string   `yaml:"exporter"`
	Endpoint    string   `yaml:"endpoint"`
	SampleRatio *float64 `yaml:"sample_ratio"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode parses YAML into cfg, rejecting unknown keys.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Parse is Decode over a byte slice.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from TELEMETRY_* variables (and LOG_LEVEL /
// LOG_FORMAT) found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
			}
		}
	}

	str("TELEMETRY_SOURCE_KIND", &c.Source.Kind)
	str("TELEMETRY_SOURCE_PATH", &c.Source.Path)
	str("TELEMETRY_GALLERY_PATH", &c.Source.GalleryPath)
	str("TELEMETRY_GRPC_TARGET", &c.Source.GRPC.Target)
	str("TELEMETRY_NATS_URL", &c.Source.NATS.URL)
	str("TELEMETRY_NATS_BUCKET", &c.Source.NATS.Bucket)
	str("TELEMETRY_KAFKA_TOPIC_PREFIX", &c.Source.Kafka.TopicPrefix)
	str("TELEMETRY_MQTT_BROKER", &c.Source.MQTT.Broker)
	str("TELEMETRY_MQTT_CLIENT_ID", &c.Source.MQTT.ClientID)
	str("TELEMETRY_HTTP_ADDR", &c.HTTP.Addr)
	str("TELEMETRY_FEED_ADDR", &c.Feed.Addr)
	str("TELEMETRY_TRACING_EXPORTER", &c.Tracing.Exporter)
	str("TELEMETRY_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	str("TELEMETRY_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("TELEMETRY_KAFKA_BROKERS"); ok && v != "" {
		c.Source.Kafka.Brokers = splitList(v)
	}
	num("TELEMETRY_SOURCE_RETAIN", func(v string) (err error) {
		c.Source.Retain, err = strconv.Atoi(v)
		return err
	})
	num("TELEMETRY_SIM_INTERVAL", func(v string) (err error) {
		c.Sim.Interval, err = time.ParseDuration(v)
		return err
	})
	num("TELEMETRY_SIM_SEED", func(v string) (err error) {
		c.Sim.Seed, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	num("TELEMETRY_SIM_BACKFILL", func(v string) error {
		n, err := strconv.Atoi(v)
		c.Sim.Backfill = &n
		return err
	})
	num("TELEMETRY_SIM_ISS", func(v string) (err error) {
		c.Sim.ISS, err = strconv.ParseBool(v)
		return err
	})
	num("TELEMETRY_HISTORY_CAPACITY", func(v string) (err error) {
		c.History.Capacity, err = strconv.Atoi(v)
		return err
	})
	num("TELEMETRY_REQUIRE_IMAGE", func(v string) (err error) {
		c.Normalize.RequireImage, err = strconv.ParseBool(v)
		return err
	})
	num("TELEMETRY_TRACING_ENABLED", func(v string) (err error) {
		c.Tracing.Enabled, err = strconv.ParseBool(v)
		return err
	})
	num("TELEMETRY_TRACING_SAMPLE_RATIO", func(v string) error {
		r, err := strconv.ParseFloat(v, 64)
		c.Tracing.SampleRatio = &r
		return err
	})

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	c.Source.Kind = strings.ToLower(strings.TrimSpace(c.Source.Kind))
	if c.Source.Kind == "" {
		c.Source.Kind = SourceSim
	}
	if c.Source.Path == "" {
		c.Source.Path = DefaultPath
	}
	if c.Source.NATS.Bucket == "" {
		c.Source.NATS.Bucket = DefaultNATSBucket
	}
	if c.Sim.Interval <= 0 {
		c.Sim.Interval = DefaultSimInterval
	}
	if c.Sim.Backfill == nil {
		n := DefaultSimBackfill
		c.Sim.Backfill = &n
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = DefaultHistoryCapacity
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "telemetry-pipeline"
	}
	if c.Tracing.SampleRatio == nil {
		r := 1.0
		c.Tracing.SampleRatio = &r
	}
}

// Validate checks cross-field constraints. Call after ApplyDefaults.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Kind {
	case SourceSim, SourceMemory:
	case SourceGRPC:
		if c.Source.GRPC.Target == "" {
			errs = append(errs, errors.New("source.grpc.target is required"))
		}
	case SourceNATS:
		if c.Source.NATS.URL == "" {
			errs = append(errs, errors.New("source.nats.url is required"))
		}
	case SourceKafka:
		if len(c.Source.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("source.kafka.brokers is required"))
		}
	case SourceMQTT:
		if c.Source.MQTT.Broker == "" {
			errs = append(errs, errors.New("source.mqtt.broker is required"))
		}
		if c.Source.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("source.mqtt.qos %d out of range", c.Source.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}
	if c.Source.Retain < 0 {
		errs = append(errs, errors.New("source.retain must not be negative"))
	}
	if c.Sim.Backfill != nil && *c.Sim.Backfill < 0 {
		errs = append(errs, errors.New("sim.backfill must not be negative"))
	}
	if (c.Sim.TLE1 == "") != (c.Sim.TLE2 == "") {
		errs = append(errs, errors.New("sim.tle_line1 and sim.tle_line2 must be set together"))
	}
	if c.Sim.ISS && c.Sim.TLE1 != "" {
		errs = append(errs, errors.New("sim.iss and sim.tle_line1 are mutually exclusive"))
	}
	switch c.Tracing.Exporter {
	case "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}
	if r := c.Tracing.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v outside [0,1]", *r))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// TracingConfig returns the tracing configuration.
func (c *Config) TracingConfig() observability.TracingConfig {
	ratio := 1.0
	if c.Tracing.SampleRatio != nil {
		ratio = *c.Tracing.SampleRatio
	}
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: ratio,
		SourceKind:  c.Source.Kind,
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
