// Package config loads the daemon configuration from TOML with viper.
// Every key can be overridden from the environment as SCRIPTHOST_<SECTION>_<KEY>.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/scripthost/internal/logger"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/reaper"
	"github.com/loykin/scripthost/internal/workspace"
)

const EnvPrefix = "SCRIPTHOST"

type Config struct {
	Workspace workspace.Options `mapstructure:"workspace"`
	Runner    RunnerConfig      `mapstructure:"runner"`
	Runtimes  []RuntimeConfig   `mapstructure:"runtimes"`
	Reaper    ReaperConfig      `mapstructure:"reaper"`
	Hosting   HostingConfig     `mapstructure:"hosting"`
	Store     StoreConfig       `mapstructure:"store"`
	History   HistoryConfig     `mapstructure:"history"`
	Server    ServerConfig      `mapstructure:"server"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Log       logger.Config     `mapstructure:"log"`
}

// RuntimeConfig maps a runtime version to its interpreter. Versions contain
// dots, so they are listed as [[runtimes]] tables rather than used as keys.
type RuntimeConfig struct {
	Version    string `mapstructure:"version"`
	Executable string `mapstructure:"executable"`
}

// RuntimeMap returns the configured runtimes keyed by version.
func (c *Config) RuntimeMap() process.Runtimes {
	out := make(process.Runtimes, len(c.Runtimes))
	for _, r := range c.Runtimes {
		out[r.Version] = r.Executable
	}
	return out
}

type RunnerConfig struct {
	LogDir         string        `mapstructure:"log_dir"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	DefaultRuntime string        `mapstructure:"default_runtime"`
	// Env entries are "KEY=VALUE" and may reference ${OTHER}.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// Session returns the size caps of tenant session logs.
func (r RunnerConfig) Session() logger.SessionConfig {
	return logger.SessionConfig{MaxSizeMB: r.LogMaxSizeMB, MaxBackups: r.LogMaxBackups}
}

type ReaperConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Schedule    string        `mapstructure:"schedule"`
	WarnWindow  time.Duration `mapstructure:"warn_window"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	WebhookURL  string        `mapstructure:"webhook_url"`
}

type HostingConfig struct {
	// StorageQuotaMB is the per-tenant storage reported by usage queries.
	StorageQuotaMB int `mapstructure:"storage_quota_mb"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSN []string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", "workspaces")
	v.SetDefault("workspace.entry_name", workspace.DefaultEntryName)
	v.SetDefault("workspace.script_ext", workspace.DefaultScriptExt)
	v.SetDefault("runner.log_dir", "logs")
	v.SetDefault("runner.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("runner.drain_timeout", process.DefaultDrainTimeout)
	v.SetDefault("runner.default_runtime", "3.9")
	v.SetDefault("runner.env", []string{})
	v.SetDefault("runner.env_files", []string{})
	v.SetDefault("runner.use_os_env", true)
	v.SetDefault("runner.log_max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("runner.log_max_backups", 1)
	v.SetDefault("runtimes", []map[string]any{{"version": "3.9", "executable": "python3"}})
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", time.Minute)
	v.SetDefault("reaper.schedule", "")
	v.SetDefault("reaper.warn_window", 24*time.Hour)
	v.SetDefault("reaper.grace_period", 24*time.Hour)
	v.SetDefault("reaper.webhook_url", "")
	v.SetDefault("hosting.storage_quota_mb", 2048)
	v.SetDefault("store.dsn", "sqlite://scripthost.db")
	v.SetDefault("history.dsn", []string{})
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
}

// Load reads path (optional) and the environment into a validated Config.
// An empty path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.Runner.StopTimeout <= 0 {
		errs = append(errs, errors.New("runner.stop_timeout must be positive"))
	}
	if c.Reaper.Interval <= 0 || c.Reaper.WarnWindow <= 0 || c.Reaper.GracePeriod <= 0 {
		errs = append(errs, errors.New("reaper durations must be positive"))
	}
	if c.Reaper.Schedule != "" {
		if _, err := reaper.ParseSchedule(c.Reaper.Schedule); err != nil {
			errs = append(errs, err)
		}
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	for _, r := range c.Runtimes {
		if r.Version == "" || r.Executable == "" {
			errs = append(errs, errors.New("runtimes entries need version and executable"))
			break
		}
	}
	if err := c.RuntimeMap().Validate(c.Runner.DefaultRuntime); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GlobalEnv merges env_files (in order) and then the env list; later entries win.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.Runner.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Runner.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file into ordered key/value pairs.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out = append(out, [2]string{k, v})
		}
	}
	return out, nil
}
