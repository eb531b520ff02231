package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the gateway's full configuration tree.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Token        string `yaml:"token"`
	StateDir     string `yaml:"state_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`

	Agent     AgentConfig               `yaml:"agent"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Heartbeat HeartbeatConfig           `yaml:"heartbeat"`
	Cron      CronConfig                `yaml:"cron"`
	Session   SessionConfig             `yaml:"session"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// AgentConfig identifies the agent and its model defaults.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
	// MaxToolIterations bounds tool rounds within one turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// ProviderConfig holds credentials for one LLM backend.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// HeartbeatConfig gates and tunes the heartbeat runner.
type HeartbeatConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Every       time.Duration     `yaml:"every"`
	ActiveHours ActiveHoursConfig `yaml:"active_hours"`
	// Target is the delivery destination for alert ticks, e.g. "telegram:123".
	Target      string `yaml:"target"`
	AckMaxChars int    `yaml:"ack_max_chars"`
	Prompt      string `yaml:"prompt"`
}

// ActiveHoursConfig is a wall-clock window in a named timezone.
// End may be "24:00" meaning end of day.
type ActiveHoursConfig struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

// CronConfig gates and tunes the scheduler.
type CronConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	HistoryLimit      int           `yaml:"history_limit"`
}

// SessionConfig controls session scoping, reset, and compaction.
type SessionConfig struct {
	// DMScope is one of "single-global", "per-peer", "per-channel-peer",
	// "per-account-channel-peer".
	DMScope string `yaml:"dm_scope"`

	// IdentityLinks maps a canonical peer id to alternate channel identities
	// ("channel:peerId") so one human lands on one session.
	IdentityLinks map[string][]string `yaml:"identity_links"`

	Reset          ResetConfig            `yaml:"reset"`
	ResetByType    map[string]ResetConfig `yaml:"reset_by_type"`
	ResetByChannel map[string]ResetConfig `yaml:"reset_by_channel"`

	Compaction CompactionConfig `yaml:"compaction"`
}

// ResetConfig controls when a session is archived and replaced.
type ResetConfig struct {
	// Mode is "daily", "idle", "both", or "" (never).
	Mode        string `yaml:"mode"`
	AtHour      int    `yaml:"at_hour"`
	IdleMinutes int    `yaml:"idle_minutes"`
}

// CompactionConfig tunes the context-pressure heuristic.
type CompactionConfig struct {
	ContextTokenLimit int `yaml:"context_token_limit"`
	KeepRecent        int `yaml:"keep_recent"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults applied after decode for anything the file leaves unset.
const (
	DefaultPort              = 18789
	DefaultMaxTokens         = 4096
	DefaultMaxToolIterations = 10
	DefaultAckMaxChars       = 300
	DefaultHeartbeatEvery    = 30 * time.Minute
	DefaultCronConcurrency   = 3
	DefaultCronTick          = 10 * time.Second
	DefaultCronHistoryLimit  = 100
	DefaultContextTokens     = 100000
	DefaultKeepRecent        = 20
)

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.StateDir = filepath.Join(home, ".tradewire")
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Join(c.StateDir, "workspace")
	}
	if c.Agent.ID == "" {
		c.Agent.ID = "main"
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "anthropic"
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Agent.MaxToolIterations <= 0 {
		c.Agent.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.Heartbeat.Every <= 0 {
		c.Heartbeat.Every = DefaultHeartbeatEvery
	}
	if c.Heartbeat.AckMaxChars <= 0 {
		c.Heartbeat.AckMaxChars = DefaultAckMaxChars
	}
	if c.Cron.MaxConcurrentRuns <= 0 {
		c.Cron.MaxConcurrentRuns = DefaultCronConcurrency
	}
	if c.Cron.TickInterval <= 0 {
		c.Cron.TickInterval = DefaultCronTick
	}
	if c.Cron.HistoryLimit <= 0 {
		c.Cron.HistoryLimit = DefaultCronHistoryLimit
	}
	if c.Session.DMScope == "" {
		c.Session.DMScope = "single-global"
	}
	if c.Session.Compaction.ContextTokenLimit <= 0 {
		c.Session.Compaction.ContextTokenLimit = DefaultContextTokens
	}
	if c.Session.Compaction.KeepRecent <= 0 {
		c.Session.Compaction.KeepRecent = DefaultKeepRecent
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Session.DMScope {
	case "single-global", "per-peer", "per-channel-peer", "per-account-channel-peer":
	default:
		return fmt.Errorf("invalid session.dm_scope %q", c.Session.DMScope)
	}
	for name, rc := range map[string]ResetConfig{"session.reset": c.Session.Reset} {
		if err := rc.validate(name); err != nil {
			return err
		}
	}
	for typ, rc := range c.Session.ResetByType {
		if err := rc.validate("session.reset_by_type." + typ); err != nil {
			return err
		}
	}
	for ch, rc := range c.Session.ResetByChannel {
		if err := rc.validate("session.reset_by_channel." + ch); err != nil {
			return err
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (rc ResetConfig) validate(name string) error {
	switch rc.Mode {
	case "", "daily", "idle", "both":
	default:
		return fmt.Errorf("%s: invalid mode %q", name, rc.Mode)
	}
	if rc.AtHour < 0 || rc.AtHour > 23 {
		return fmt.Errorf("%s: at_hour must be 0-23, got %d", name, rc.AtHour)
	}
	if rc.IdleMinutes < 0 {
		return fmt.Errorf("%s: idle_minutes must be >= 0", name)
	}
	return nil
}

// Default returns a configuration with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
