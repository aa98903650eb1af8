// Package config loads and validates linkguard configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LINKGUARD_SERVER_PORT.
const EnvPrefix = "LINKGUARD"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Addr                  string   `mapstructure:"addr"`
	Port                  int      `mapstructure:"port"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
}

// MonitorConfig governs the periodic cycle and the shared probe cap.
type MonitorConfig struct {
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	InitialDelaySeconds  int  `mapstructure:"initial_delay_seconds"`
	Concurrency          int  `mapstructure:"concurrency"`
	Enabled              bool `mapstructure:"enabled"`
}

// CacheConfig sets the result cache lifetime.
type CacheConfig struct {
	TTLSeconds  int `mapstructure:"ttl_seconds"`
	SweepFactor int `mapstructure:"sweep_factor"`
}

// DeliveryConfig shapes outbound notifications.
type DeliveryConfig struct {
	BatchSize         int     `mapstructure:"batch_size"`
	BatchDelaySeconds float64 `mapstructure:"batch_delay_seconds"`
	OKListLimit       int     `mapstructure:"ok_list_limit"`
}

// ProbeConfig configures the HTTP prober.
type ProbeConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SampleBytes    int    `mapstructure:"sample_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
}

// GuardConfig feeds the classifier rules.
type GuardConfig struct {
	Keywords         []string `mapstructure:"keywords"`
	ChallengeMarkers []string `mapstructure:"challenge_markers"`
	MatchPolicy      string   `mapstructure:"match_policy"`
}

// NotifyConfig selects the notification backend.
type NotifyConfig struct {
	Backend               string `mapstructure:"backend"`
	WebhookURL            string `mapstructure:"webhook_url"`
	WebhookTimeoutSeconds int    `mapstructure:"webhook_timeout_seconds"`
	PubSubProjectID       string `mapstructure:"pubsub_project_id"`
	PubSubTopic           string `mapstructure:"pubsub_topic"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Dir         string `mapstructure:"dir"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Notification backends.
const (
	BackendLog     = "log"
	BackendMemory  = "memory"
	BackendWebhook = "webhook"
	BackendPubSub  = "pubsub"
)

// shortEnv maps keys to the bare environment names accepted alongside the
// prefixed form.
var shortEnv = map[string]string{
	"monitor.check_interval_seconds": "CHECK_INTERVAL",
	"monitor.initial_delay_seconds":  "INITIAL_DELAY",
	"monitor.concurrency":            "CONCURRENCY",
	"cache.ttl_seconds":              "CACHE_TTL",
	"delivery.batch_size":            "BATCH_SIZE",
	"delivery.batch_delay_seconds":   "BATCH_DELAY",
	"guard.keywords":                 "GUARD_KEYWORDS",
	"server.port":                    "PORT",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindShortEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Guard.Keywords = trimAll(cfg.Guard.Keywords)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindShortEnv binds the prefixed name first so it wins over the bare alias.
func bindShortEnv(v *viper.Viper) error {
	for key, alias := range shortEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind env %s: %w", alias, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.check_interval_seconds", 300)
	v.SetDefault("monitor.initial_delay_seconds", 10)
	v.SetDefault("monitor.concurrency", 10)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.sweep_factor", 3)
	v.SetDefault("delivery.batch_size", 30)
	v.SetDefault("delivery.batch_delay_seconds", 1.0)
	v.SetDefault("delivery.ok_list_limit", 20)
	v.SetDefault("probe.timeout_seconds", 12)
	v.SetDefault("probe.sample_bytes", 2048)
	v.SetDefault("probe.user_agent", "Mozilla/5.0 (compatible; linkguard/1.0)")
	v.SetDefault("guard.keywords", []string{"judi", "slot", "casino", "bet", "porn", "gamble"})
	v.SetDefault("guard.challenge_markers", []string{"checking your browser", "cf-chl", "attention required"})
	v.SetDefault("guard.match_policy", "location")
	v.SetDefault("notify.backend", BackendLog)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_timeout_seconds", 10)
	v.SetDefault("notify.pubsub_project_id", "")
	v.SetDefault("notify.pubsub_topic", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "linkguard")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case c.Monitor.CheckIntervalSeconds <= 0:
		return fmt.Errorf("monitor.check_interval_seconds must be > 0")
	case c.Monitor.InitialDelaySeconds < 0:
		return fmt.Errorf("monitor.initial_delay_seconds must be >= 0")
	case c.Monitor.Concurrency <= 0:
		return fmt.Errorf("monitor.concurrency must be > 0")
	case c.Cache.TTLSeconds <= 0:
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	case c.Cache.SweepFactor <= 0:
		return fmt.Errorf("cache.sweep_factor must be > 0")
	case c.Delivery.BatchSize <= 0:
		return fmt.Errorf("delivery.batch_size must be > 0")
	case c.Delivery.BatchDelaySeconds < 0:
		return fmt.Errorf("delivery.batch_delay_seconds must be >= 0")
	case c.Delivery.OKListLimit < 0:
		return fmt.Errorf("delivery.ok_list_limit must be >= 0")
	case c.Probe.TimeoutSeconds <= 0:
		return fmt.Errorf("probe.timeout_seconds must be > 0")
	case len(c.Guard.Keywords) == 0:
		return fmt.Errorf("guard.keywords must not be empty")
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}

	switch c.Notify.Backend {
	case BackendLog, BackendMemory:
	case BackendWebhook:
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("notify.webhook_url must be set for the webhook backend")
		}
	case BackendPubSub:
		if c.Notify.PubSubProjectID == "" || c.Notify.PubSubTopic == "" {
			return fmt.Errorf("notify.pubsub_project_id and notify.pubsub_topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	return nil
}

// CheckInterval is the period between report cycles.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Monitor.CheckIntervalSeconds) * time.Second
}

// InitialDelay is the wait before the first report cycle.
func (c Config) InitialDelay() time.Duration {
	return time.Duration(c.Monitor.InitialDelaySeconds) * time.Second
}

// CacheTTL is how long a classification stays fresh.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// BatchDelay is the pause between delivery batches.
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.Delivery.BatchDelaySeconds * float64(time.Second))
}

// ProbeTimeout is the total budget for probing one URL.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
