// Package config loads and validates the BoardPilot daemon configuration
// from config.yaml under the home directory, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/boardpilot/boardpilot/internal/otel"
)

// LLMConfig selects the model provider for agent runs.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RateWindow is one sliding-window budget.
type RateWindow struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// RateLimitConfig bounds interactive and triggered invocations.
type RateLimitConfig struct {
	PerUser    RateWindow `yaml:"per_user"`
	PerOrg     RateWindow `yaml:"per_org"`
	PerTrigger RateWindow `yaml:"per_trigger"`
}

// SchedulerConfig tunes the cron poll loop.
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// UndoConfig tunes the rollback window.
type UndoConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// DelegationConfig bounds sub-agent runs.
type DelegationConfig struct {
	MaxDepth         int `yaml:"max_depth"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
	ResponseCapBytes int `yaml:"response_cap_bytes"`
}

// WebhookConfig tunes the inbound trigger endpoint.
type WebhookConfig struct {
	BindAddr     string `yaml:"bind_addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// LedgerConfig tunes the async activity recorder.
type LedgerConfig struct {
	QueueDepth int `yaml:"queue_depth"`
	MaxRetries int `yaml:"max_retries"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// StorePath is the sqlite database location. Empty resolves to
	// boardpilot.db under the home directory.
	StorePath string `yaml:"store_path"`

	// PolicyPath is the permission policy yaml. Empty resolves to
	// policy.yaml under the home directory. A missing file means deny-all.
	PolicyPath string `yaml:"policy_path"`

	LLM        LLMConfig        `yaml:"llm"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Undo       UndoConfig       `yaml:"undo"`
	Delegation DelegationConfig `yaml:"delegation"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	OTel       otelx.Config     `yaml:"otel"`
}

// HomeDir resolves the BoardPilot home directory. BOARDPILOT_HOME overrides.
func HomeDir() string {
	if override := os.Getenv("BOARDPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".boardpilot")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml, applies env overrides, and fills defaults. A
// missing file yields the defaults; a malformed one is an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create boardpilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		RateLimit: RateLimitConfig{
			PerUser:    RateWindow{MaxRequests: 30, WindowSeconds: 60},
			PerOrg:     RateWindow{MaxRequests: 120, WindowSeconds: 60},
			PerTrigger: RateWindow{MaxRequests: 60, WindowSeconds: 3600},
		},
		Scheduler: SchedulerConfig{PollIntervalSeconds: 30},
		Undo:      UndoConfig{WindowSeconds: 300},
		Delegation: DelegationConfig{
			MaxDepth:         2,
			TimeoutSeconds:   120,
			ResponseCapBytes: 8192,
		},
		Webhook: WebhookConfig{
			BindAddr:     "127.0.0.1:18920",
			MaxBodyBytes: 256 << 10,
		},
		Ledger: LedgerConfig{QueueDepth: 256, MaxRetries: 3},
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.HomeDir, "boardpilot.db")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 30
	}
	if cfg.Undo.WindowSeconds <= 0 {
		cfg.Undo.WindowSeconds = 300
	}
	if cfg.Delegation.MaxDepth <= 0 {
		cfg.Delegation.MaxDepth = 2
	}
	if cfg.Delegation.TimeoutSeconds <= 0 {
		cfg.Delegation.TimeoutSeconds = 120
	}
	if cfg.Delegation.ResponseCapBytes <= 0 {
		cfg.Delegation.ResponseCapBytes = 8192
	}
	if cfg.Webhook.BindAddr == "" {
		cfg.Webhook.BindAddr = "127.0.0.1:18920"
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 256 << 10
	}
	if cfg.Ledger.QueueDepth <= 0 {
		cfg.Ledger.QueueDepth = 256
	}
	if cfg.Ledger.MaxRetries <= 0 {
		cfg.Ledger.MaxRetries = 3
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BOARDPILOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BOARDPILOT_STORE_PATH"); raw != "" {
		cfg.StorePath = raw
	}
	if raw := os.Getenv("BOARDPILOT_POLICY_PATH"); raw != "" {
		cfg.PolicyPath = raw
	}
	if raw := os.Getenv("BOARDPILOT_WEBHOOK_ADDR"); raw != "" {
		cfg.Webhook.BindAddr = raw
	}
	if raw := os.Getenv("BOARDPILOT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("BOARDPILOT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("BOARDPILOT_SCHEDULER_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("BOARDPILOT_UNDO_WINDOW_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Undo.WindowSeconds = v
		}
	}
}

// LLMAPIKey returns the API key for the configured provider from the
// environment. Keys are never read from config.yaml.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

// Window converts a RateWindow to a duration-based form. Zero values mean
// the limit is disabled.
func (w RateWindow) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config for startup logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|store=%s|policy=%s|model=%s/%s|sched=%d|undo=%d|depth=%d",
		c.LogLevel, c.StorePath, c.PolicyPath, c.LLM.Provider, c.LLM.Model,
		c.Scheduler.PollIntervalSeconds, c.Undo.WindowSeconds, c.Delegation.MaxDepth)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
