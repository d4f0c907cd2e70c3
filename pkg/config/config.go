// Package config loads the secstream YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stream source kinds.
const (
	SourceWebSocket = "websocket"
	SourceSynthetic = "synthetic"
	SourceRingBuf   = "ringbuf"
)

// Config mirrors config/secstream.yaml.
type Config struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Stream     StreamConfig    `yaml:"stream"`
	API        APIConfig       `yaml:"api"`
	Store      StoreConfig     `yaml:"store"`
	Alerts     AlertsConfig    `yaml:"alerts"`
	Stats      StatsConfig     `yaml:"stats"`
	Normalize  NormalizeConfig `yaml:"normalize"`
	Webhook    WebhookConfig   `yaml:"webhook"`
	OTLP       OTLPConfig      `yaml:"otlp"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// StreamConfig selects and tunes the live event transport.
type StreamConfig struct {
	// URL overrides the WebSocket URL derived from api.base_url.
	URL                string          `yaml:"url"`
	Source             string          `yaml:"source"`
	Enabled            bool            `yaml:"enabled"`
	ValidateEnvelopes  bool            `yaml:"validate_envelopes"`
	NotifyOnConnect    bool            `yaml:"notify_on_connect"`
	HandshakeTimeoutMS int             `yaml:"handshake_timeout_ms"`
	ReadLimitBytes     int64           `yaml:"read_limit_bytes"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
	Synthetic          SyntheticConfig `yaml:"synthetic"`
	RingBuf            RingBufConfig   `yaml:"ringbuf"`
}

// ReconnectConfig controls the reconnect delay.
type ReconnectConfig struct {
	DelayMS     int  `yaml:"delay_ms"`
	Exponential bool `yaml:"exponential"`
	MaxDelayMS  int  `yaml:"max_delay_ms"`
	MaxRetries  int  `yaml:"max_retries"`
}

// SyntheticConfig drives the built-in demo feed.
type SyntheticConfig struct {
	Scenario   string `yaml:"scenario"`
	IntervalMS int    `yaml:"interval_ms"`
	Count      int    `yaml:"count"`
	Node       string `yaml:"node"`
	Namespace  string `yaml:"namespace"`
	Service    string `yaml:"service"`
	Pod        string `yaml:"pod"`
}

// RingBufConfig points at the pinned kernel ring buffer.
type RingBufConfig struct {
	PinPath  string `yaml:"pin_path"`
	NodeName string `yaml:"node_name"`
	// ProcRoot is where /proc/<pid>/cgroup is read for pod lookup.
	ProcRoot string `yaml:"proc_root"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
	// Hydrate loads recent events over REST before the stream opens.
	Hydrate bool `yaml:"hydrate"`
}

// StoreConfig sets the event window sizes.
type StoreConfig struct {
	Capacity     int `yaml:"capacity"`
	DNSCapacity  int `yaml:"dns_capacity"`
	HTTPCapacity int `yaml:"http_capacity"`
}

// AlertsConfig tunes the alert list and toasts.
type AlertsConfig struct {
	ToastsEnabled   bool `yaml:"toasts_enabled"`
	MaxEntries      int  `yaml:"max_entries"`
	ToastsPerSecond int  `yaml:"toasts_per_second"`
}

// StatsConfig sets the polling fallback that keeps statistics fresh while
// the store is idle.
type StatsConfig struct {
	RefreshIntervalMS int `yaml:"refresh_interval_ms"`
}

// NormalizeConfig tunes event normalization.
type NormalizeConfig struct {
	InferSeverity bool `yaml:"infer_severity"`
}

// WebhookConfig forwards alerts to an HTTP endpoint. Empty URL disables it.
type WebhookConfig struct {
	URL        string `yaml:"url"`
	Secret     string `yaml:"secret"`
	Format     string `yaml:"format"`
	RoutingKey string `yaml:"routing_key"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	MaxRetry   int    `yaml:"max_retry"`
	// ShutdownGraceMS bounds how long shutdown waits for deliveries
	// before cancelling them.
	ShutdownGraceMS int `yaml:"shutdown_grace_ms"`
}

// OTLPConfig exports events as OTLP/HTTP logs. Empty endpoint disables it.
type OTLPConfig struct {
	LogsEndpoint    string `yaml:"logs_endpoint"`
	ServiceName     string `yaml:"service_name"`
	BatchSize       int    `yaml:"batch_size"`
	QueueSize       int    `yaml:"queue_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
}

// TracingConfig configures span export. Empty endpoint prints to stdout
// when Enabled.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig sets the metrics listener.
type MetricsConfig struct {
	Bind string `yaml:"bind"`
}

// LoggingConfig sets log verbosity.
type LoggingConfig struct {
	Verbosity int `yaml:"verbosity"`
}

// Default returns v1alpha1 defaults.
func Default() Config {
	return Config{
		APIVersion: "secstream.dev/v1alpha1",
		Kind:       "SecstreamConfig",
		Stream: StreamConfig{
			Source:             SourceWebSocket,
			Enabled:            true,
			NotifyOnConnect:    true,
			HandshakeTimeoutMS: 10000,
			Reconnect: ReconnectConfig{
				DelayMS: 3000,
			},
			Synthetic: SyntheticConfig{
				Scenario:   "mixed",
				IntervalMS: 1000,
				Node:       "kind-worker",
				Namespace:  "fintech-demo",
				Service:    "trading-api",
				Pod:        "trading-api-7c9d",
			},
			RingBuf: RingBufConfig{
				PinPath:  "/sys/fs/bpf/secstream/events",
				ProcRoot: "/proc",
			},
		},
		API: APIConfig{
			BaseURL:   "http://localhost:30080/api/v1",
			TimeoutMS: 10000,
		},
		Store: StoreConfig{
			Capacity:     200,
			DNSCapacity:  100,
			HTTPCapacity: 100,
		},
		Alerts: AlertsConfig{
			ToastsEnabled:   true,
			ToastsPerSecond: 5,
		},
		Stats: StatsConfig{
			RefreshIntervalMS: 10000,
		},
		Webhook: WebhookConfig{
			Format:          "generic",
			TimeoutMS:       5000,
			MaxRetry:        3,
			ShutdownGraceMS: 2000,
		},
		OTLP: OTLPConfig{
			ServiceName:     "ebpf-secstream",
			BatchSize:       64,
			QueueSize:       1024,
			FlushIntervalMS: 2000,
		},
		Tracing: TracingConfig{
			ServiceName: "ebpf-secstream",
		},
		Metrics: MetricsConfig{
			Bind: ":9090",
		},
	}
}

// Load parses, normalizes and validates a config file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values normalize cannot repair.
func (c Config) Validate() error {
	switch c.Stream.Source {
	case SourceWebSocket, SourceSynthetic, SourceRingBuf:
	default:
		return fmt.Errorf("unsupported stream.source %q", c.Stream.Source)
	}
	switch c.Webhook.Format {
	case "generic", "pagerduty", "opsgenie":
	default:
		return fmt.Errorf("unsupported webhook.format %q", c.Webhook.Format)
	}
	if c.Alerts.MaxEntries < 0 {
		return fmt.Errorf("alerts.max_entries must be >= 0")
	}
	return nil
}

func normalize(cfg *Config) {
	def := Default()
	cfg.Stream.Source = strings.ToLower(strings.TrimSpace(cfg.Stream.Source))
	if cfg.Stream.Source == "" {
		cfg.Stream.Source = def.Stream.Source
	}
	if cfg.Stream.HandshakeTimeoutMS <= 0 {
		cfg.Stream.HandshakeTimeoutMS = def.Stream.HandshakeTimeoutMS
	}
	if cfg.Stream.Reconnect.DelayMS <= 0 {
		cfg.Stream.Reconnect.DelayMS = def.Stream.Reconnect.DelayMS
	}
	if cfg.Stream.Reconnect.MaxRetries < 0 {
		cfg.Stream.Reconnect.MaxRetries = 0
	}
	if cfg.Stream.Synthetic.Scenario == "" {
		cfg.Stream.Synthetic.Scenario = def.Stream.Synthetic.Scenario
	}
	if cfg.Stream.Synthetic.IntervalMS <= 0 {
		cfg.Stream.Synthetic.IntervalMS = def.Stream.Synthetic.IntervalMS
	}
	if cfg.Stream.RingBuf.PinPath == "" {
		cfg.Stream.RingBuf.PinPath = def.Stream.RingBuf.PinPath
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = def.API.BaseURL
	}
	if cfg.API.TimeoutMS <= 0 {
		cfg.API.TimeoutMS = def.API.TimeoutMS
	}
	if cfg.Store.Capacity <= 0 {
		cfg.Store.Capacity = def.Store.Capacity
	}
	if cfg.Store.DNSCapacity <= 0 {
		cfg.Store.DNSCapacity = def.Store.DNSCapacity
	}
	if cfg.Store.HTTPCapacity <= 0 {
		cfg.Store.HTTPCapacity = def.Store.HTTPCapacity
	}
	if cfg.Alerts.ToastsPerSecond <= 0 {
		cfg.Alerts.ToastsPerSecond = def.Alerts.ToastsPerSecond
	}
	if cfg.Stats.RefreshIntervalMS <= 0 {
		cfg.Stats.RefreshIntervalMS = def.Stats.RefreshIntervalMS
	}
	cfg.Webhook.Format = strings.ToLower(strings.TrimSpace(cfg.Webhook.Format))
	if cfg.Webhook.Format == "" {
		cfg.Webhook.Format = def.Webhook.Format
	}
	if cfg.Webhook.TimeoutMS <= 0 {
		cfg.Webhook.TimeoutMS = def.Webhook.TimeoutMS
	}
	if cfg.Webhook.MaxRetry <= 0 {
		cfg.Webhook.MaxRetry = def.Webhook.MaxRetry
	}
	if cfg.Webhook.ShutdownGraceMS <= 0 {
		cfg.Webhook.ShutdownGraceMS = def.Webhook.ShutdownGraceMS
	}
	if cfg.OTLP.ServiceName == "" {
		cfg.OTLP.ServiceName = def.OTLP.ServiceName
	}
	if cfg.OTLP.BatchSize <= 0 {
		cfg.OTLP.BatchSize = def.OTLP.BatchSize
	}
	if cfg.OTLP.QueueSize <= 0 {
		cfg.OTLP.QueueSize = def.OTLP.QueueSize
	}
	if cfg.OTLP.FlushIntervalMS <= 0 {
		cfg.OTLP.FlushIntervalMS = def.OTLP.FlushIntervalMS
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if cfg.Logging.Verbosity < 0 {
		cfg.Logging.Verbosity = 0
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = def.APIVersion
	}
	if cfg.Kind == "" {
		cfg.Kind = def.Kind
	}
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
