package pipeline

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

type Config struct {
	Broker  BrokerConfig          `toml:"broker"`
	Window  WindowConfig          `toml:"window"`
	Storage StorageConfig         `toml:"storage"`
	Cache   CacheConfig           `toml:"cache"`
	Alerts  AlertsConfig          `toml:"alerts"`
	Rules   map[string]RuleConfig `toml:"rules"`
	Notify  NotifyConfig          `toml:"notify"`
}

type BrokerConfig struct {
	URL           string `toml:"url"`
	MetricsStream string `toml:"metrics_stream"`
	AlertsStream  string `toml:"alerts_stream"`
	ConsumerGroup string `toml:"consumer_group"`
	PrefetchCount int    `toml:"prefetch_count"`
	// Retention for the metrics stream; the alerts stream keeps 7 days.
	MetricsTTL    Duration `toml:"metrics_ttl"`
	MetricsMaxLen int64    `toml:"metrics_max_len"`
	AlertsMaxLen  int64    `toml:"alerts_max_len"`
}

type WindowConfig struct {
	Size Duration `toml:"size"`
	Sub  Duration `toml:"sub"`
}

type StorageConfig struct {
	Path          string   `toml:"path"`
	Interval      Duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
	BatchTimeout  Duration `toml:"batch_timeout"`
	RetentionDays int      `toml:"retention_days"`
}

type CacheConfig struct {
	URL string   `toml:"url"`
	TTL Duration `toml:"ttl"`
}

type AlertsConfig struct {
	CheckInterval Duration `toml:"check_interval"`
	// Disables the built-in rule set; only [rules.*] entries apply.
	DisableDefaults bool `toml:"disable_defaults"`
}

// RuleConfig is one [rules.<id>] entry. The map key becomes the rule ID.
type RuleConfig struct {
	Name      string   `toml:"name"`
	Metric    string   `toml:"metric"`
	Operator  string   `toml:"operator"`
	Threshold float64  `toml:"threshold"`
	Severity  string   `toml:"severity"`
	Service   string   `toml:"service"`
	Endpoint  string   `toml:"endpoint"`
	For       Duration `toml:"for"`
	Disabled  bool     `toml:"disabled"`
}

type NotifyConfig struct {
	// Publish alert transitions to the alerts stream.
	Broker   bool            `toml:"broker"`
	Webhooks []WebhookConfig `toml:"webhooks"`
}

type WebhookConfig struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config with all defaults applied, used by tests
// and as the base when no config file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Broker.URL == "" {
		cfg.Broker.URL = "redis://localhost:6379/0"
	}
	if cfg.Broker.MetricsStream == "" {
		cfg.Broker.MetricsStream = "metrics:events"
	}
	if cfg.Broker.AlertsStream == "" {
		cfg.Broker.AlertsStream = "alerts:notifications"
	}
	if cfg.Broker.ConsumerGroup == "" {
		cfg.Broker.ConsumerGroup = "beacon"
	}
	if cfg.Broker.PrefetchCount == 0 {
		cfg.Broker.PrefetchCount = 1000
	}
	if cfg.Broker.MetricsTTL.Duration == 0 {
		cfg.Broker.MetricsTTL.Duration = 24 * time.Hour
	}
	if cfg.Broker.MetricsMaxLen == 0 {
		cfg.Broker.MetricsMaxLen = 100000
	}
	if cfg.Broker.AlertsMaxLen == 0 {
		cfg.Broker.AlertsMaxLen = 10000
	}
	if cfg.Window.Size.Duration == 0 {
		cfg.Window.Size.Duration = 60 * time.Second
	}
	if cfg.Window.Sub.Duration == 0 {
		cfg.Window.Sub.Duration = 5 * time.Second
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/beacon/beacon.db"
	}
	if cfg.Storage.Interval.Duration == 0 {
		cfg.Storage.Interval.Duration = 5 * time.Second
	}
	if cfg.Storage.BatchSize == 0 {
		cfg.Storage.BatchSize = 100
	}
	if cfg.Storage.BatchTimeout.Duration == 0 {
		cfg.Storage.BatchTimeout.Duration = 5 * time.Second
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 30
	}
	if cfg.Cache.URL == "" {
		cfg.Cache.URL = cfg.Broker.URL
	}
	if cfg.Cache.TTL.Duration == 0 {
		cfg.Cache.TTL.Duration = 300 * time.Second
	}
	if cfg.Alerts.CheckInterval.Duration == 0 {
		cfg.Alerts.CheckInterval.Duration = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	if _, err := url.Parse(cfg.Broker.URL); err != nil {
		return fmt.Errorf("broker url: %w", err)
	}
	if cfg.Broker.PrefetchCount < 1 {
		return fmt.Errorf("prefetch_count must be >= 1, got %d", cfg.Broker.PrefetchCount)
	}
	ws := cfg.Window.Size.Duration
	sub := cfg.Window.Sub.Duration
	if sub < time.Second {
		return fmt.Errorf("window sub must be >= 1s, got %s", sub)
	}
	if ws < sub {
		return fmt.Errorf("window size %s must be >= sub %s", ws, sub)
	}
	if ws%sub != 0 {
		return fmt.Errorf("window sub %s must divide window size %s", sub, ws)
	}
	if cfg.Storage.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", cfg.Storage.BatchSize)
	}
	if cfg.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d", cfg.Storage.RetentionDays)
	}
	for id, rc := range cfg.Rules {
		if err := validateRuleConfig(id, &rc); err != nil {
			return err
		}
	}
	for i, wh := range cfg.Notify.Webhooks {
		if err := validateWebhook(i, &wh); err != nil {
			return err
		}
	}
	return nil
}

func validateRuleConfig(id string, rc *RuleConfig) error {
	if _, err := rc.Rule(id); err != nil {
		return fmt.Errorf("rule %q: %w", id, err)
	}
	return nil
}

func validateWebhook(idx int, wh *WebhookConfig) error {
	if !wh.Enabled {
		return nil
	}
	if wh.URL == "" {
		return fmt.Errorf("webhook[%d]: url is required when enabled", idx)
	}
	u, err := url.Parse(wh.URL)
	if err != nil {
		return fmt.Errorf("webhook[%d]: invalid url: %w", idx, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook[%d]: url scheme must be http or https", idx)
	}
	for key, val := range wh.Headers {
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(val, "\r\n") {
			return fmt.Errorf("webhook[%d]: header contains invalid characters", idx)
		}
	}
	return nil
}
