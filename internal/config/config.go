// Package config loads the paramtuner configuration from a YAML or JSON file,
// PARAMTUNER_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/cwbudde/paramtuner/internal/engine"
	"github.com/cwbudde/paramtuner/internal/objective"
	"github.com/cwbudde/paramtuner/internal/space"
	"github.com/cwbudde/paramtuner/internal/store"
)

// EnvPrefix is prepended to every environment override, e.g.
// PARAMTUNER_SERVER_ADDR or PARAMTUNER_CONTROLLER_STRATEGY.
const EnvPrefix = "PARAMTUNER"

// Config is the root configuration. The engine sections (space, controller,
// dynamic, tracker, rl, reward, strategies) live at the top level.
type Config struct {
	engine.Config `mapstructure:",squash"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Store   StoreConfig   `json:"store" mapstructure:"store"`
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Run     RunConfig     `json:"run" mapstructure:"run"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json or text
}

// StoreConfig locates checkpoints, traces and persisted records.
type StoreConfig struct {
	Dir           string `json:"dir" mapstructure:"dir"`
	RecordBackend string `json:"recordBackend" mapstructure:"record_backend"`
	// RecordPath is the SQLite database file. Empty means <dir>/records.db.
	RecordPath string `json:"recordPath" mapstructure:"record_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" mapstructure:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// RunConfig holds the defaults of an optimization job.
type RunConfig struct {
	Objective          string        `json:"objective" mapstructure:"objective"`
	MaxTime            time.Duration `json:"maxTime" mapstructure:"max_time"`
	CheckpointInterval int           `json:"checkpointInterval" mapstructure:"checkpoint_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := Config{
		Config: engine.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Dir:           "./data",
			RecordBackend: store.BackendSQLite,
		},
		Server: ServerConfig{
			Addr:            "localhost:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Run: RunConfig{
			Objective:          "quadratic",
			CheckpointInterval: 10,
		},
	}
	cfg.Space = DefaultSpace()
	return cfg
}

// DefaultSpace is the space tuned when the configuration declares none.
func DefaultSpace() []space.Spec {
	return []space.Spec{
		{Name: "replacement_ratio", Kind: space.Continuous, Min: 0.1, Max: 0.8, Default: 0.3, Response: space.Increase},
		{Name: "similarity_threshold", Kind: space.Continuous, Min: 0.5, Max: 0.95, Default: 0.8, Response: space.Decrease},
		{Name: "max_rules", Kind: space.Discrete, Min: 5, Max: 50, Default: 20, Response: space.Increase},
		{Name: "selection", Kind: space.Categorical, Choices: []string{"tournament", "roulette", "rank"}, Default: "tournament"},
		{Name: "elitism", Kind: space.Boolean, Default: true},
	}
}

// RecordFile returns the effective SQLite path.
func (c StoreConfig) RecordFile() string {
	if c.RecordPath != "" {
		return c.RecordPath
	}
	return filepath.Join(c.Dir, "records.db")
}

// SlogLevel maps the configured level name; unknown names fall back to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks the values the engine cannot default on its own.
func (c *Config) Validate() error {
	if _, err := space.New(c.Space...); err != nil {
		return fmt.Errorf("invalid space: %w", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	switch c.Store.RecordBackend {
	case "", store.BackendMemory, store.BackendSQLite:
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownBackend, c.Store.RecordBackend)
	}
	if c.Store.Dir == "" {
		return errors.New("store.dir cannot be empty")
	}
	if c.Run.Objective != "" && !knownObjective(c.Run.Objective) {
		return fmt.Errorf("%w: %q", objective.ErrUnknownObjective, c.Run.Objective)
	}
	if c.Run.CheckpointInterval < 0 {
		return errors.New("run.checkpoint_interval cannot be negative")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s == "" {
			return errors.New("strategies cannot contain an empty name")
		}
		if seen[s] {
			return fmt.Errorf("duplicate strategy %q", s)
		}
		seen[s] = true
	}
	return nil
}

func knownObjective(name string) bool {
	for _, n := range objective.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, d Config) {
	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	// Store defaults
	v.SetDefault("store.dir", d.Store.Dir)
	v.SetDefault("store.record_backend", d.Store.RecordBackend)
	v.SetDefault("store.record_path", d.Store.RecordPath)

	// Server defaults
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// Metrics defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	// Run defaults
	v.SetDefault("run.objective", d.Run.Objective)
	v.SetDefault("run.max_time", d.Run.MaxTime)
	v.SetDefault("run.checkpoint_interval", d.Run.CheckpointInterval)

	// Engine defaults
	v.SetDefault("seed", d.Seed)
	v.SetDefault("strategy_agent", string(d.StrategyAgent))
	v.SetDefault("recent_records", d.RecentRecords)
	v.SetDefault("experience_capacity", d.ExperienceCapacity)
	v.SetDefault("controller.strategy", string(d.Controller.Strategy))
	v.SetDefault("controller.max_iterations", d.Controller.MaxIterations)
	v.SetDefault("controller.batch_size", d.Controller.BatchSize)
	v.SetDefault("controller.disable_switching", d.Controller.DisableSwitching)
	v.SetDefault("dynamic.algorithm", string(d.Dynamic.Algorithm))
	v.SetDefault("tracker.capacity", d.Tracker.Capacity)
	v.SetDefault("tracker.similarity_threshold", d.Tracker.SimilarityThreshold)
	v.SetDefault("tracker.default_strategy", d.Tracker.DefaultStrategy)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("paramtuner")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// decode unmarshals on top of the defaults. Lists (space, strategies) are
// replaced wholesale rather than merged element by element.
func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	cfg.Space = nil
	cfg.Strategies = nil

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Space) == 0 {
		cfg.Space = DefaultSpace()
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = append([]string(nil), engine.DefaultStrategies...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func read(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && errors.As(err, &notFound) {
			slog.Debug("No config file found, using defaults and environment")
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	slog.Info("Using config file", "path", v.ConfigFileUsed())
	return nil
}

// Load reads the configuration. An empty path searches ./paramtuner.* and
// ./config/paramtuner.*; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := read(v, path != ""); err != nil {
		return nil, err
	}
	return decode(v)
}

// Watcher reloads the configuration whenever its file changes.
type Watcher struct {
	v *viper.Viper
}

// Watch loads the configuration like Load and, when it came from a file,
// calls onChange with every subsequent valid revision. Invalid revisions
// are logged and skipped.
func Watch(path string, onChange func(*Config)) (*Config, *Watcher, error) {
	v := newViper(path)
	if err := read(v, path != ""); err != nil {
		return nil, nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	w := &Watcher{v: v}
	if v.ConfigFileUsed() == "" {
		return cfg, w, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		slog.Info("Config file changed", "path", e.Name, "op", e.Op.String())
		next, err := decode(v)
		if err != nil {
			slog.Warn("Ignoring invalid config revision", "error", err)
			return
		}
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return cfg, w, nil
}

// File returns the watched file, empty when running on defaults.
func (w *Watcher) File() string {
	return w.v.ConfigFileUsed()
}
