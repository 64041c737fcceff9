// Package daemon wires the service together and runs it: configuration,
// component construction, the HTTP listener, and the periodic task group.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from TOML with sensible
// production defaults.
type Config struct {
	API        APIConfig        `toml:"api"`
	Store      StoreConfig      `toml:"store"`
	Cache      CacheConfig      `toml:"cache"`
	Bandit     BanditConfig     `toml:"bandit"`
	Rewards    RewardsConfig    `toml:"rewards"`
	Guardrails GuardrailsConfig `toml:"guardrails"`
	Decisions  DecisionsConfig  `toml:"decisions"`
	Log        LogConfig        `toml:"log"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	Path string `toml:"path"` // empty resolves under the home directory
}

// CacheConfig selects the soft-cache backend.
type CacheConfig struct {
	Backend       string `toml:"backend"` // "memory" or "redis"
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// BanditConfig tunes the policy engine.
type BanditConfig struct {
	Epsilon           float64 `toml:"epsilon"`
	MinPulls          int     `toml:"min_pulls"`
	RewardMode        string  `toml:"reward_mode"` // "binary" or "scaled"
	SelectionBudgetMs int     `toml:"selection_budget_ms"`
}

// RewardsConfig schedules the attribution pipeline.
type RewardsConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	RetryMinutes    int `toml:"retry_minutes"`
	SweepHours      int `toml:"sweep_hours"`
}

// GuardrailsConfig schedules the safety checks.
type GuardrailsConfig struct {
	IntervalMinutes  int     `toml:"interval_minutes"`
	ErrorRate        float64 `toml:"error_rate"`
	LatencyP95Ms     float64 `toml:"latency_p95_ms"`
	ArmConcentration float64 `toml:"arm_concentration"`
	RewardDrop       float64 `toml:"reward_drop"`
	CooldownMinutes  int     `toml:"cooldown_minutes"`
	MaxAttempts      int     `toml:"max_attempts"`
}

// DecisionsConfig schedules the daily analysis.
type DecisionsConfig struct {
	IntervalHours int `toml:"interval_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`  // trace, debug, info, warn, error
	Pretty bool   `toml:"pretty"` // console writer instead of JSON
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API:   APIConfig{Host: "127.0.0.1", Port: 8600, Metrics: true},
		Store: StoreConfig{},
		Cache: CacheConfig{Backend: "memory", RedisAddr: "localhost:6379"},
		Bandit: BanditConfig{
			Epsilon:           0.1,
			MinPulls:          1,
			RewardMode:        "binary",
			SelectionBudgetMs: 100,
		},
		Rewards: RewardsConfig{IntervalMinutes: 5, RetryMinutes: 15, SweepHours: 1},
		Guardrails: GuardrailsConfig{
			IntervalMinutes:  5,
			ErrorRate:        0.01,
			LatencyP95Ms:     120,
			ArmConcentration: 0.50,
			RewardDrop:       0.05,
			CooldownMinutes:  60,
			MaxAttempts:      3,
		},
		Decisions: DecisionsConfig{IntervalHours: 24},
		Log:       LogConfig{Level: "info"},
	}
}

// HomeDir returns the service home directory (BANDITD_HOME or ~/.banditd).
func HomeDir() string {
	if env := os.Getenv("BANDITD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".banditd")
}

// LoadConfig reads path over the defaults. A missing file is not an error;
// path == "" loads <home>/config.toml.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(HomeDir(), "config.toml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// StorePath resolves the SQLite path, defaulting under the home directory.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(HomeDir(), "banditd.db")
}
