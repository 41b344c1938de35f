package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aegisflux/nets/internal/detect"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/store"
)

// Enforcer backends
const (
	EnforcerNoop     = "noop"
	EnforcerIptables = "iptables"
)

// Config is the complete daemon configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	HTTPAddr string `yaml:"http_addr"`
	NATSURL  string `yaml:"nats_url"`

	Rules      RulesConfig       `yaml:"rules"`
	Normalizer normalizer.Config `yaml:"normalizer"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Detectors  detect.Config     `yaml:"detectors"`
	Policy     PolicyConfig      `yaml:"policy"`
	Storage    StorageConfig     `yaml:"storage"`
}

// RulesConfig locates the rule bundle
type RulesConfig struct {
	Dir       string        `yaml:"dir"`
	HotReload bool          `yaml:"hot_reload"`
	Debounce  time.Duration `yaml:"debounce"`
}

// PipelineConfig sizes queues and workers
type PipelineConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	Workers       int           `yaml:"workers"`
	WorkerQueue   int           `yaml:"worker_queue"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RuleShards    int           `yaml:"rule_shards"`
	SinkRetries   int           `yaml:"sink_retries"`
	ShedWhenFull  bool          `yaml:"shed_when_full"`
}

// PolicyConfig adds the enforcer choice to the decision settings
type PolicyConfig struct {
	policy.Config `yaml:",inline"`
	Enforcer      string `yaml:"enforcer"`
	IptablesPath  string `yaml:"iptables_path"`
}

// StorageConfig selects the persistence sinks
type StorageConfig struct {
	MaxAlerts   int    `yaml:"max_alerts"`
	MaxFlows    int    `yaml:"max_flows"`
	ArchivePath string `yaml:"archive_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the stock configuration
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTPAddr:  "127.0.0.1:7878",
		Rules: RulesConfig{
			Dir:      "rules.d",
			Debounce: 500 * time.Millisecond,
		},
		Normalizer: normalizer.DefaultConfig(),
		Pipeline: PipelineConfig{
			QueueSize:     8192,
			Workers:       4,
			WorkerQueue:   1024,
			FlushInterval: time.Second,
			SweepInterval: 10 * time.Second,
			RuleShards:    16,
			SinkRetries:   2,
		},
		Detectors: detect.DefaultConfig(),
		Policy: PolicyConfig{
			Config:       policy.DefaultConfig(),
			Enforcer:     EnforcerNoop,
			IptablesPath: "iptables",
		},
		Storage: StorageConfig{
			MaxAlerts: 10000,
			MaxFlows:  10000,
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then NETS_*
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("NETS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("NETS_LOG_FORMAT", c.LogFormat)
	c.HTTPAddr = getEnv("NETS_HTTP_ADDR", c.HTTPAddr)
	c.NATSURL = getEnv("NETS_NATS_URL", c.NATSURL)

	c.Rules.Dir = getEnv("NETS_RULES_DIR", c.Rules.Dir)
	c.Rules.HotReload = getEnvBool("NETS_HOT_RELOAD", c.Rules.HotReload)
	c.Rules.Debounce = getEnvDuration("NETS_DEBOUNCE", c.Rules.Debounce)

	c.Normalizer.Window = getEnvDuration("NETS_WINDOW", c.Normalizer.Window)
	c.Normalizer.MaxKeys = getEnvInt("NETS_MAX_KEYS", c.Normalizer.MaxKeys)
	c.Normalizer.IngestCeiling = getEnvInt("NETS_INGEST_CEILING", c.Normalizer.IngestCeiling)

	c.Pipeline.QueueSize = getEnvInt("NETS_QUEUE_SIZE", c.Pipeline.QueueSize)
	c.Pipeline.Workers = getEnvInt("NETS_WORKERS", c.Pipeline.Workers)

	c.Policy.ConfirmTimeout = getEnvDuration("NETS_CONFIRM_TIMEOUT", c.Policy.ConfirmTimeout)
	c.Policy.MaxRetries = getEnvInt("NETS_MAX_RETRIES", c.Policy.MaxRetries)
	c.Policy.Enforcer = getEnv("NETS_ENFORCER", c.Policy.Enforcer)
	if v := os.Getenv("NETS_AUTO_CONFIRM"); v != "" {
		c.Policy.AutoConfirm = splitList(v)
	}

	c.Storage.ArchivePath = getEnv("NETS_ARCHIVE_PATH", c.Storage.ArchivePath)
	c.Storage.PostgresDSN = getEnv("NETS_POSTGRES_DSN", c.Storage.PostgresDSN)
}

// Validate checks ranges and refuses any non-local endpoint
func (c *Config) Validate() error {
	var errs []error

	if err := checkLoopbackAddr(c.HTTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("http_addr: %w", err))
	}
	if c.NATSURL != "" {
		if err := CheckLoopbackURL(c.NATSURL); err != nil {
			errs = append(errs, fmt.Errorf("nats_url: %w", err))
		}
	}
	if c.Rules.Dir == "" {
		errs = append(errs, errors.New("rules.dir: must not be empty"))
	}
	if c.Normalizer.Window < 100*time.Millisecond {
		errs = append(errs, errors.New("normalizer.window: must be at least 100ms"))
	}
	if c.Normalizer.MaxKeys <= 0 {
		errs = append(errs, errors.New("normalizer.max_keys: must be positive"))
	}
	if c.Normalizer.IngestCeiling < 0 {
		errs = append(errs, errors.New("normalizer.ingest_ceiling: must not be negative"))
	}
	if c.Pipeline.QueueSize <= 0 || c.Pipeline.Workers <= 0 || c.Pipeline.WorkerQueue <= 0 {
		errs = append(errs, errors.New("pipeline: queue_size, workers and worker_queue must be positive"))
	}
	if c.Policy.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("policy.confirm_timeout: must be positive"))
	}
	if c.Policy.MaxRetries < 0 {
		errs = append(errs, errors.New("policy.max_retries: must not be negative"))
	}
	for rule, d := range c.Policy.Escalations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("policy.escalations.%s: duration must be positive", rule))
		}
	}
	switch c.Policy.Enforcer {
	case EnforcerNoop, EnforcerIptables:
	default:
		errs = append(errs, fmt.Errorf("policy.enforcer: unknown backend %q", c.Policy.Enforcer))
	}
	if c.Detectors.DNSFailRatio < 0 || c.Detectors.DNSFailRatio > 1 {
		errs = append(errs, errors.New("detectors.dns_fail_ratio: must be within [0,1]"))
	}

	return errors.Join(errs...)
}

// ErrNotLoopback is returned for endpoints that would leave the host
var ErrNotLoopback = errors.New("endpoint must be on a loopback address")

func checkLoopbackAddr(hostport string) error {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", hostport, err)
	}
	if host == "localhost" {
		return nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Unmap().IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, hostport)
	}
	return nil
}

// CheckLoopbackURL accepts nats:// style URLs whose host is loopback
func CheckLoopbackURL(raw string) error {
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", part, err)
		}
		if !store.IsLocalHost(u.Hostname()) || u.Hostname() == "" {
			return fmt.Errorf("%w: %q", ErrNotLoopback, part)
		}
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
