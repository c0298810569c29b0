// ============================================================================
// jobrelay Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load, default and validate daemon configuration
//
// Sources, lowest precedence first:
//   1. Default()
//   2. YAML file (--config)
//   3. JOBRELAY_* environment variables, "." replaced by "_"
//      e.g. JOBRELAY_STORE_DRIVER=sqlite, JOBRELAY_NOTIFY_HANDLER_TIMEOUT=2s
//
// Durations are written as Go duration strings ("5s", "250ms").
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JOBRELAY"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverWAL    = "wal"
	DriverSQLite = "sqlite"
)

// Pre-hook policies.
const (
	PolicyBestEffort = "best_effort"
	PolicyStrict     = "strict"
)

// Config is the full daemon configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Redelivery RedeliveryConfig `mapstructure:"redelivery"`
	Routes     []RouteConfig    `mapstructure:"routes"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | console
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	WALPath         string        `mapstructure:"wal_path"`
	SnapshotPath    string        `mapstructure:"snapshot_path"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	SyncOnAppend    bool          `mapstructure:"sync_on_append"`
	CompactInterval time.Duration `mapstructure:"compact_interval"` // 0 disables periodic compaction
}

type NotifyConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	Parallelism    int           `mapstructure:"parallelism"`
	PreHookPolicy  string        `mapstructure:"pre_hook_policy"`
}

type RedeliveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Rate        float64       `mapstructure:"rate"` // replays per second
	Burst       int           `mapstructure:"burst"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	QueueSize   int           `mapstructure:"queue_size"`
}

// RouteConfig maps device-scope glob patterns to a named route.
type RouteConfig struct {
	Name     string   `mapstructure:"name"`
	Patterns []string `mapstructure:"patterns"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Driver:          DriverWAL,
			WALPath:         "data/jobs.wal",
			SnapshotPath:    "data/jobs.snapshot.json",
			SQLitePath:      "data/jobs.db",
			SyncOnAppend:    true,
			CompactInterval: 10 * time.Minute,
		},
		Notify: NotifyConfig{
			HandlerTimeout: 5 * time.Second,
			Parallelism:    8,
			PreHookPolicy:  PolicyBestEffort,
		},
		Redelivery: RedeliveryConfig{
			Enabled:     true,
			Rate:        10,
			Burst:       5,
			MaxAttempts: 5,
			BaseBackoff: time.Second,
			MaxBackoff:  time.Minute,
			QueueSize:   1024,
		},
		GRPC:    GRPCConfig{Addr: ":7400"},
		HTTP:    HTTPConfig{Addr: ":7401", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the configuration from path (optional) and the environment,
// then validates it.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.wal_path", d.Store.WALPath)
	v.SetDefault("store.snapshot_path", d.Store.SnapshotPath)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.sync_on_append", d.Store.SyncOnAppend)
	v.SetDefault("store.compact_interval", d.Store.CompactInterval)

	v.SetDefault("notify.handler_timeout", d.Notify.HandlerTimeout)
	v.SetDefault("notify.parallelism", d.Notify.Parallelism)
	v.SetDefault("notify.pre_hook_policy", d.Notify.PreHookPolicy)

	v.SetDefault("redelivery.enabled", d.Redelivery.Enabled)
	v.SetDefault("redelivery.rate", d.Redelivery.Rate)
	v.SetDefault("redelivery.burst", d.Redelivery.Burst)
	v.SetDefault("redelivery.max_attempts", d.Redelivery.MaxAttempts)
	v.SetDefault("redelivery.base_backoff", d.Redelivery.BaseBackoff)
	v.SetDefault("redelivery.max_backoff", d.Redelivery.MaxBackoff)
	v.SetDefault("redelivery.queue_size", d.Redelivery.QueueSize)

	v.SetDefault("grpc.addr", d.GRPC.Addr)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format: must be json or console, got %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverWAL:
		if c.Store.WALPath == "" || c.Store.SnapshotPath == "" {
			add("store: wal driver needs wal_path and snapshot_path")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			add("store: sqlite driver needs sqlite_path")
		}
	default:
		add("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.CompactInterval < 0 {
		add("store.compact_interval: must not be negative")
	}

	if c.Notify.HandlerTimeout < 0 {
		add("notify.handler_timeout: must not be negative")
	}
	if c.Notify.Parallelism < 0 {
		add("notify.parallelism: must not be negative")
	}
	if c.Notify.PreHookPolicy != PolicyBestEffort && c.Notify.PreHookPolicy != PolicyStrict {
		add("notify.pre_hook_policy: must be %s or %s, got %q", PolicyBestEffort, PolicyStrict, c.Notify.PreHookPolicy)
	}

	if r := c.Redelivery; r.Enabled {
		if r.Rate <= 0 {
			add("redelivery.rate: must be positive")
		}
		if r.Burst < 1 {
			add("redelivery.burst: must be at least 1")
		}
		if r.MaxAttempts < 1 {
			add("redelivery.max_attempts: must be at least 1")
		}
		if r.BaseBackoff <= 0 || r.MaxBackoff < r.BaseBackoff {
			add("redelivery: need 0 < base_backoff <= max_backoff")
		}
		if r.QueueSize < 1 {
			add("redelivery.queue_size: must be at least 1")
		}
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			add("routes[%d]: name is required", i)
		} else if seen[r.Name] {
			add("routes[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if len(r.Patterns) == 0 {
			add("routes[%d]: at least one pattern is required", i)
		}
		for _, p := range r.Patterns {
			if !doublestar.ValidatePattern(p) {
				add("routes[%d]: invalid pattern %q", i, p)
			}
		}
	}

	if c.GRPC.Addr == "" && c.HTTP.Addr == "" {
		add("at least one of grpc.addr and http.addr is required")
	}
	return errs
}

// WriteDefault writes the default configuration as YAML to path. It refuses
// to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	out, err := yaml.Marshal(Default().document())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0644)
}

// document renders c with the same keys Load reads, durations as strings.
func (c Config) document() map[string]any {
	doc := map[string]any{
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"store": map[string]any{
			"driver":           c.Store.Driver,
			"wal_path":         c.Store.WALPath,
			"snapshot_path":    c.Store.SnapshotPath,
			"sqlite_path":      c.Store.SQLitePath,
			"sync_on_append":   c.Store.SyncOnAppend,
			"compact_interval": c.Store.CompactInterval.String(),
		},
		"notify": map[string]any{
			"handler_timeout": c.Notify.HandlerTimeout.String(),
			"parallelism":     c.Notify.Parallelism,
			"pre_hook_policy": c.Notify.PreHookPolicy,
		},
		"redelivery": map[string]any{
			"enabled":      c.Redelivery.Enabled,
			"rate":         c.Redelivery.Rate,
			"burst":        c.Redelivery.Burst,
			"max_attempts": c.Redelivery.MaxAttempts,
			"base_backoff": c.Redelivery.BaseBackoff.String(),
			"max_backoff":  c.Redelivery.MaxBackoff.String(),
			"queue_size":   c.Redelivery.QueueSize,
		},
		"grpc": map[string]any{"addr": c.GRPC.Addr},
		"http": map[string]any{
			"addr":          c.HTTP.Addr,
			"read_timeout":  c.HTTP.ReadTimeout.String(),
			"write_timeout": c.HTTP.WriteTimeout.String(),
		},
		"metrics": map[string]any{"enabled": c.Metrics.Enabled},
	}
	if len(c.Routes) > 0 {
		routes := make([]map[string]any, 0, len(c.Routes))
		for _, r := range c.Routes {
			routes = append(routes, map[string]any{"name": r.Name, "patterns": r.Patterns})
		}
		doc["routes"] = routes
	}
	return doc
}
