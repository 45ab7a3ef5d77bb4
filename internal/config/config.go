// Package config handles configuration loading and management for Gantry.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/gantry-dev/gantry/pkg/models"
)

// Config holds all configuration for Gantry.
type Config struct {
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Convergence ConvergenceConfig `mapstructure:"convergence"`
	Conflict    ConflictConfig    `mapstructure:"conflict"`
	Store       StoreConfig       `mapstructure:"store"`
	Log         LogConfig         `mapstructure:"log"`
}

// SchedulerConfig holds batch planning and dispatch settings.
type SchedulerConfig struct {
	// MaxParallel caps the size of a parallel batch group.
	MaxParallel int `mapstructure:"max_parallel"`
	// PollInterval is the idle delay between coordinator passes.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RoleSlots maps role tags to worker concurrency, overriding the
	// per-worker default of 1.
	RoleSlots map[string]int `mapstructure:"role_slots"`
}

// ConvergenceConfig bounds the generator-critic review cycle.
type ConvergenceConfig struct {
	// MaxRounds is the revision budget per review subject.
	MaxRounds int `mapstructure:"max_rounds"`
	// PassThreshold is the minimum review score to converge.
	PassThreshold int `mapstructure:"pass_threshold"`
}

// ConflictConfig maps overlap classes to severities. Values are the
// severity names: low, medium, high, critical.
type ConflictConfig struct {
	SameResource  string `mapstructure:"same_resource"`
	PrefixOverlap string `mapstructure:"prefix_overlap"`
	SameOwner     string `mapstructure:"same_owner"`
}

// StoreConfig holds durable store locations, relative to the workspace
// root unless absolute.
type StoreConfig struct {
	// LedgerPath is the work item database.
	LedgerPath string `mapstructure:"ledger_path"`
	// JournalPath is the message journal database.
	JournalPath string `mapstructure:"journal_path"`
	// InMemory uses volatile stores; nothing survives the process.
	InMemory bool `mapstructure:"in_memory"`
}

// LogConfig holds debug log settings.
type LogConfig struct {
	// Path is the debug log file. Empty disables file logging.
	Path string `mapstructure:"path"`
}

// Severities parses the conflict severity names. Unknown names error
// rather than defaulting: a typo must not silently weaken the policy.
func (c ConflictConfig) Severities() (same, prefix, owner models.Severity, err error) {
	parse := func(key, name string) (models.Severity, error) {
		s := models.Severity(name)
		if !s.Valid() {
			return "", fmt.Errorf("conflict.%s: unknown severity %q", key, name)
		}
		return s, nil
	}
	if same, err = parse("same_resource", c.SameResource); err != nil {
		return
	}
	if prefix, err = parse("prefix_overlap", c.PrefixOverlap); err != nil {
		return
	}
	owner, err = parse("same_owner", c.SameOwner)
	return
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (GANTRY_*)
// 2. Project config (.gantry.yaml in current directory or parent)
// 3. User config (~/.config/gantry/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("GANTRY")

	v.BindEnv("scheduler.max_parallel", "GANTRY_MAX_PARALLEL")
	v.BindEnv("convergence.max_rounds", "GANTRY_MAX_ROUNDS")
	v.BindEnv("store.ledger_path", "GANTRY_LEDGER_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("scheduler.max_parallel", cfg.Scheduler.MaxParallel)
	v.Set("scheduler.poll_interval", cfg.Scheduler.PollInterval.String())
	v.Set("convergence.max_rounds", cfg.Convergence.MaxRounds)
	v.Set("convergence.pass_threshold", cfg.Convergence.PassThreshold)
	v.Set("conflict.same_resource", cfg.Conflict.SameResource)
	v.Set("conflict.prefix_overlap", cfg.Conflict.PrefixOverlap)
	v.Set("conflict.same_owner", cfg.Conflict.SameOwner)
	v.Set("store.ledger_path", cfg.Store.LedgerPath)
	v.Set("store.journal_path", cfg.Store.JournalPath)
	v.Set("store.in_memory", cfg.Store.InMemory)
	v.Set("log.path", cfg.Log.Path)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func (c *Config) validate() error {
	if c.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("scheduler.max_parallel must be >= 1, got %d", c.Scheduler.MaxParallel)
	}
	if c.Convergence.MaxRounds < 1 {
		return fmt.Errorf("convergence.max_rounds must be >= 1, got %d", c.Convergence.MaxRounds)
	}
	if _, _, _, err := c.Conflict.Severities(); err != nil {
		return err
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.max_parallel", 3)
	v.SetDefault("scheduler.poll_interval", "250ms")

	v.SetDefault("convergence.max_rounds", 3)
	v.SetDefault("convergence.pass_threshold", 7)

	v.SetDefault("conflict.same_resource", string(models.SeverityCritical))
	v.SetDefault("conflict.prefix_overlap", string(models.SeverityHigh))
	v.SetDefault("conflict.same_owner", string(models.SeverityLow))

	v.SetDefault("store.ledger_path", filepath.Join(".gantry", "ledger.db"))
	v.SetDefault("store.journal_path", filepath.Join(".gantry", "messages.db"))
	v.SetDefault("store.in_memory", false)

	v.SetDefault("log.path", "")
}

// getUserConfigDir returns the XDG config directory for Gantry.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gantry")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "gantry")
	}
	return filepath.Join(home, ".config", "gantry")
}

// findProjectConfig searches for .gantry.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".gantry.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxParallel:  3,
			PollInterval: 250 * time.Millisecond,
		},
		Convergence: ConvergenceConfig{
			MaxRounds:     3,
			PassThreshold: 7,
		},
		Conflict: ConflictConfig{
			SameResource:  string(models.SeverityCritical),
			PrefixOverlap: string(models.SeverityHigh),
			SameOwner:     string(models.SeverityLow),
		},
		Store: StoreConfig{
			LedgerPath:  filepath.Join(".gantry", "ledger.db"),
			JournalPath: filepath.Join(".gantry", "messages.db"),
		},
	}
}
