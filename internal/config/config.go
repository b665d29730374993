package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LLMConfig configures the language-model client.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	Timeout int    `mapstructure:"timeout_seconds"`
}

// SessionConfig holds the per-session runtime knobs.
type SessionConfig struct {
	MaxTurns       int `mapstructure:"max_turns"`
	SessionMinutes int `mapstructure:"session_minutes"`
	IdleTimeoutMS  int `mapstructure:"idle_timeout_ms"`
	KeystrokeMinMS int `mapstructure:"keystroke_min_ms"`
	KeystrokeMaxMS int `mapstructure:"keystroke_max_ms"`
}

// OrchestratorConfig holds the fleet-level knobs.
type OrchestratorConfig struct {
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	RequestsPerMinute int     `mapstructure:"rpm"`
	Speed             float64 `mapstructure:"speed"`
	SimStart          string  `mapstructure:"sim_start"`
	StatusAddr        string  `mapstructure:"status_addr"`
}

// Config is the top-level runtime configuration.
type Config struct {
	Port         int                `mapstructure:"port"`
	PersonaDir   string             `mapstructure:"persona_dir"`
	MemoryDir    string             `mapstructure:"memory_dir"`
	LogLevel     string             `mapstructure:"log_level"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Session      SessionConfig      `mapstructure:"session"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// Default returns the built-in configuration before file and env overlays.
func Default() Config {
	return Config{
		Port:       23,
		PersonaDir: "personas",
		MemoryDir:  "memory",
		LogLevel:   "info",
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
			Timeout: 120,
		},
		Session: SessionConfig{
			MaxTurns:       100,
			SessionMinutes: 20,
			IdleTimeoutMS:  1500,
			KeystrokeMinMS: 40,
			KeystrokeMaxMS: 120,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:     4,
			RequestsPerMinute: 30,
			Speed:             1,
		},
	}
}

// Load builds the configuration from defaults, an optional config file, and
// environment variables. Env vars use the BBSFLEET_ prefix except for the two
// documented top-level ones (API_KEY, LOG_LEVEL).
func Load(configFile string) (Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("port", defaults.Port)
	v.SetDefault("persona_dir", defaults.PersonaDir)
	v.SetDefault("memory_dir", defaults.MemoryDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	v.SetDefault("llm.model", defaults.LLM.Model)
	v.SetDefault("llm.timeout_seconds", defaults.LLM.Timeout)
	v.SetDefault("session.max_turns", defaults.Session.MaxTurns)
	v.SetDefault("session.session_minutes", defaults.Session.SessionMinutes)
	v.SetDefault("session.idle_timeout_ms", defaults.Session.IdleTimeoutMS)
	v.SetDefault("session.keystroke_min_ms", defaults.Session.KeystrokeMinMS)
	v.SetDefault("session.keystroke_max_ms", defaults.Session.KeystrokeMaxMS)
	v.SetDefault("orchestrator.max_concurrent", defaults.Orchestrator.MaxConcurrent)
	v.SetDefault("orchestrator.rpm", defaults.Orchestrator.RequestsPerMinute)
	v.SetDefault("orchestrator.speed", defaults.Orchestrator.Speed)

	v.SetEnvPrefix("BBSFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Documented top-level env vars take precedence over the file.
	if key := os.Getenv("API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface mid-session.
// requireAPIKey is false for modes that never reach the LLM (dry runs, tests).
func (c Config) Validate(requireAPIKey bool) error {
	if requireAPIKey && c.LLM.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Session.KeystrokeMinMS > c.Session.KeystrokeMaxMS {
		return fmt.Errorf("keystroke_min_ms (%d) exceeds keystroke_max_ms (%d)",
			c.Session.KeystrokeMinMS, c.Session.KeystrokeMaxMS)
	}
	if c.Session.IdleTimeoutMS <= 0 {
		return fmt.Errorf("idle_timeout_ms must be positive")
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.Orchestrator.RequestsPerMinute < 1 {
		return fmt.Errorf("rpm must be at least 1")
	}
	if c.Orchestrator.Speed < 0 {
		return fmt.Errorf("speed must be >= 0")
	}
	return nil
}

// IdleTimeout returns the idle window as a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// SessionBudget returns the wall-clock ceiling for one session.
func (c SessionConfig) SessionBudget() time.Duration {
	return time.Duration(c.SessionMinutes) * time.Minute
}
