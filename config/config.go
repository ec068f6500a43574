package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/isdmx/evalbox/output"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// EVALBOX_ENGINE_SLOTS=8.
const EnvPrefix = "EVALBOX"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Engine    EngineConfig              `mapstructure:"engine"`
	Output    OutputConfig              `mapstructure:"output"`
	Isolation IsolationConfig           `mapstructure:"isolation"`
	Tiers     map[string]TierConfig     `mapstructure:"tiers"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
	Store     StoreConfig               `mapstructure:"store"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// EngineConfig holds admission and shutdown settings.
type EngineConfig struct {
	// MaxCodeSize is a human readable size such as "64KiB".
	MaxCodeSize     string        `mapstructure:"max_code_size"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	Slots           int           `mapstructure:"slots"`
	ForceKillMargin time.Duration `mapstructure:"force_kill_margin"`
	TeardownRetry   RetryConfig   `mapstructure:"teardown_retry"`
}

// RetryConfig holds the backoff used to retry a failed teardown.
type RetryConfig struct {
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
	Attempts int           `mapstructure:"attempts"`
}

// OutputConfig holds per-stream capture ceilings.
type OutputConfig struct {
	MaxSize  string `mapstructure:"max_size"`
	MaxLines int    `mapstructure:"max_lines"`
}

// IsolationConfig selects isolation backends.
type IsolationConfig struct {
	// Backends lists the backends to register. Order breaks ties between
	// backends of equal strength.
	Backends           []string `mapstructure:"backends"`
	EnableLocalBackend bool     `mapstructure:"enable_local_backend"`
	ProbeSchedule      string   `mapstructure:"probe_schedule"`
	WorkDir            string   `mapstructure:"work_dir"`
}

// TierConfig holds the limits of one risk tier.
type TierConfig struct {
	CPUs            float64       `mapstructure:"cpus"`
	Memory          string        `mapstructure:"memory"`
	PIDs            int           `mapstructure:"pids"`
	Disk            string        `mapstructure:"disk"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxTimeout      time.Duration `mapstructure:"max_timeout"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	EgressThreshold string        `mapstructure:"egress_threshold"`
	ForkThreshold   int           `mapstructure:"fork_threshold"`
	MinIsolation    string        `mapstructure:"min_isolation"`
}

// LanguageConfig holds language-specific configuration
type LanguageConfig struct {
	Image  string `mapstructure:"image"`
	File   string `mapstructure:"file"`
	RunCmd string `mapstructure:"run_cmd"`
	// Env entries are KEY=VALUE. A list keeps variable names case
	// sensitive, which map keys in viper are not.
	Env      []string `mapstructure:"env"`
	RiskTier string   `mapstructure:"risk_tier"`
}

// StoreConfig holds result store configuration
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// New loads the configuration from config.yaml in the default search
// paths.
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the application configuration. An empty path
// searches for config.yaml in . and ./config; a missing file there is not
// an error. Environment variables prefixed with EVALBOX_ override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("engine.max_code_size", "64KiB")
	v.SetDefault("engine.queue_capacity", 64)
	v.SetDefault("engine.slots", 4)
	v.SetDefault("engine.force_kill_margin", 3*time.Second)
	v.SetDefault("engine.teardown_retry.initial", sandbox.DefaultRetryPolicy.Initial)
	v.SetDefault("engine.teardown_retry.max", sandbox.DefaultRetryPolicy.Max)
	v.SetDefault("engine.teardown_retry.attempts", sandbox.DefaultRetryPolicy.Attempts)

	v.SetDefault("output.max_size", "64KiB")
	v.SetDefault("output.max_lines", output.DefaultMaxLines)

	v.SetDefault("isolation.backends", []string{"gvisor", "docker", "podman"})
	v.SetDefault("isolation.enable_local_backend", false)
	v.SetDefault("isolation.probe_schedule", sandbox.DefaultProbeSchedule)
	v.SetDefault("isolation.work_dir", "")

	tiers := map[string]TierConfig{
		"low": {
			CPUs: 1, Memory: "512MiB", PIDs: 128, Disk: "128MiB",
			Timeout: 10 * time.Second, MaxTimeout: 60 * time.Second, GracePeriod: 5 * time.Second,
			MonitorInterval: 250 * time.Millisecond, EgressThreshold: "1KiB", ForkThreshold: 64,
			MinIsolation: "container",
		},
		"standard": {
			CPUs: 1, Memory: "256MiB", PIDs: 64, Disk: "64MiB",
			Timeout: 10 * time.Second, MaxTimeout: 30 * time.Second, GracePeriod: 2 * time.Second,
			MonitorInterval: 100 * time.Millisecond, EgressThreshold: "1KiB", ForkThreshold: 32,
			MinIsolation: "container",
		},
		"high": {
			CPUs: 0.5, Memory: "128MiB", PIDs: 32, Disk: "32MiB",
			Timeout: 5 * time.Second, MaxTimeout: 10 * time.Second, GracePeriod: 500 * time.Millisecond,
			MonitorInterval: 50 * time.Millisecond, EgressThreshold: "1KiB", ForkThreshold: 16,
			MinIsolation: "hardened",
		},
	}
	for name, t := range tiers {
		prefix := "tiers." + name + "."
		v.SetDefault(prefix+"cpus", t.CPUs)
		v.SetDefault(prefix+"memory", t.Memory)
		v.SetDefault(prefix+"pids", t.PIDs)
		v.SetDefault(prefix+"disk", t.Disk)
		v.SetDefault(prefix+"timeout", t.Timeout)
		v.SetDefault(prefix+"max_timeout", t.MaxTimeout)
		v.SetDefault(prefix+"grace_period", t.GracePeriod)
		v.SetDefault(prefix+"monitor_interval", t.MonitorInterval)
		v.SetDefault(prefix+"egress_threshold", t.EgressThreshold)
		v.SetDefault(prefix+"fork_threshold", t.ForkThreshold)
		v.SetDefault(prefix+"min_isolation", t.MinIsolation)
	}

	riskTiers := map[string]string{
		"python": "standard",
		"nodejs": "standard",
		"go":     "standard",
		"cpp":    "high",
		"shell":  "high",
	}
	for name, lang := range sandbox.DefaultLanguages() {
		prefix := "languages." + name + "."
		v.SetDefault(prefix+"image", lang.Image)
		v.SetDefault(prefix+"file", lang.FileName)
		v.SetDefault(prefix+"run_cmd", lang.RunCmd)
		env := make([]string, 0, len(lang.Environment))
		for k, val := range lang.Environment {
			env = append(env, k+"="+val)
		}
		sort.Strings(env)
		v.SetDefault(prefix+"env", env)
		v.SetDefault(prefix+"risk_tier", riskTiers[name])
	}

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "evalbox.db")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if _, err := parseSize("engine.max_code_size", c.Engine.MaxCodeSize); err != nil {
		return err
	}
	if c.Engine.Slots < 1 {
		return fmt.Errorf("engine.slots must be positive, got: %d", c.Engine.Slots)
	}
	if c.Engine.QueueCapacity < c.Engine.Slots {
		return fmt.Errorf("engine.queue_capacity %d must be at least engine.slots %d", c.Engine.QueueCapacity, c.Engine.Slots)
	}
	if c.Engine.ForceKillMargin <= 0 {
		return fmt.Errorf("engine.force_kill_margin must be positive, got: %s", c.Engine.ForceKillMargin)
	}
	r := c.Engine.TeardownRetry
	if r.Initial <= 0 || r.Max < r.Initial || r.Attempts < 1 {
		return fmt.Errorf("engine.teardown_retry is invalid: initial %s, max %s, attempts %d", r.Initial, r.Max, r.Attempts)
	}

	if _, err := parseSize("output.max_size", c.Output.MaxSize); err != nil {
		return err
	}
	if c.Output.MaxLines <= 0 {
		return fmt.Errorf("output.max_lines must be positive, got: %d", c.Output.MaxLines)
	}

	if err := c.validateIsolation(); err != nil {
		return err
	}

	if _, err := c.TierLimits(); err != nil {
		return err
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}
	for name, lang := range c.Languages {
		if lang.Image == "" || lang.File == "" || lang.RunCmd == "" {
			return fmt.Errorf("languages.%s: image, file and run_cmd are required", name)
		}
		if _, err := policy.ParseTier(lang.RiskTier); err != nil {
			return fmt.Errorf("languages.%s.risk_tier: %w", name, err)
		}
		for _, kv := range lang.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				return fmt.Errorf("languages.%s.env: %q is not KEY=VALUE", name, kv)
			}
		}
	}

	switch c.Store.Driver {
	case "sqlite", "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %s", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store.driver: %s", c.Store.Driver)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

func (c *Config) validateIsolation() error {
	if len(c.Isolation.Backends) == 0 {
		return fmt.Errorf("isolation.backends must not be empty")
	}
	supportedBackends := map[string]bool{
		"gvisor": true,
		"docker": true,
		"podman": true,
		"local":  c.Isolation.EnableLocalBackend, // local only enabled if specifically allowed
	}
	seen := make(map[string]bool, len(c.Isolation.Backends))
	for _, name := range c.Isolation.Backends {
		if !supportedBackends[name] {
			return fmt.Errorf("unsupported isolation backend: %s", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate isolation backend: %s", name)
		}
		seen[name] = true
	}
	if c.Isolation.ProbeSchedule == "" {
		return fmt.Errorf("isolation.probe_schedule must not be empty")
	}
	return nil
}

func parseSize(key, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return int64(n), nil
}

// MaxCodeBytes returns engine.max_code_size in bytes.
func (c *Config) MaxCodeBytes() int64 {
	n, _ := parseSize("engine.max_code_size", c.Engine.MaxCodeSize)
	return n
}

// OutputLimits returns the per-stream capture ceilings.
func (c *Config) OutputLimits() output.Limits {
	n, _ := parseSize("output.max_size", c.Output.MaxSize)
	return output.Limits{MaxBytes: int(n), MaxLines: c.Output.MaxLines}
}

// RetryPolicy returns the teardown retry backoff.
func (c *Config) RetryPolicy() sandbox.RetryPolicy {
	return sandbox.RetryPolicy{
		Initial:  c.Engine.TeardownRetry.Initial,
		Max:      c.Engine.TeardownRetry.Max,
		Attempts: c.Engine.TeardownRetry.Attempts,
	}
}

// TierLimits converts the tiers section. The result is checked by
// policy.NewResolver.
func (c *Config) TierLimits() (map[policy.Tier]policy.Limits, error) {
	out := make(map[policy.Tier]policy.Limits, len(c.Tiers))
	for name, t := range c.Tiers {
		tier, err := policy.ParseTier(name)
		if err != nil || name == "" {
			return nil, fmt.Errorf("tiers.%s: unknown tier", name)
		}
		memory, err := parseSize("tiers."+name+".memory", t.Memory)
		if err != nil {
			return nil, err
		}
		disk, err := parseSize("tiers."+name+".disk", t.Disk)
		if err != nil {
			return nil, err
		}
		var egress uint64
		if t.EgressThreshold != "" {
			if egress, err = humanize.ParseBytes(t.EgressThreshold); err != nil {
				return nil, fmt.Errorf("invalid tiers.%s.egress_threshold: %w", name, err)
			}
		}
		isolation, err := policy.ParseIsolation(t.MinIsolation)
		if err != nil {
			return nil, fmt.Errorf("tiers.%s.min_isolation: %w", name, err)
		}
		out[tier] = policy.Limits{
			CPUs:        t.CPUs,
			MemoryBytes: memory,
			PIDs:        t.PIDs,
			DiskBytes:   disk,
			Timeout:     t.Timeout,
			MaxTimeout:  t.MaxTimeout,
			GracePeriod: t.GracePeriod,
			Monitor: policy.Monitor{
				Interval:          t.MonitorInterval,
				NetBytesThreshold: int64(egress),
				ForkThreshold:     t.ForkThreshold,
			},
			MinIsolation: isolation,
		}
	}
	if _, err := policy.NewResolver(out, nil); err != nil {
		return nil, fmt.Errorf("invalid tiers: %w", err)
	}
	return out, nil
}

// LanguageTiers returns the baseline risk tier of each language.
func (c *Config) LanguageTiers() map[string]policy.Tier {
	out := make(map[string]policy.Tier, len(c.Languages))
	for name, lang := range c.Languages {
		tier, err := policy.ParseTier(lang.RiskTier)
		if err != nil {
			tier = policy.TierHigh
		}
		out[name] = tier
	}
	return out
}

// SandboxLanguages converts the languages section.
func (c *Config) SandboxLanguages() map[string]sandbox.Language {
	out := make(map[string]sandbox.Language, len(c.Languages))
	for name, lang := range c.Languages {
		env := make(map[string]string, len(lang.Env))
		for _, kv := range lang.Env {
			if k, val, ok := strings.Cut(kv, "="); ok {
				env[k] = val
			}
		}
		out[name] = sandbox.Language{
			Name:        name,
			Image:       lang.Image,
			FileName:    lang.File,
			RunCmd:      lang.RunCmd,
			Environment: env,
		}
	}
	return out
}
