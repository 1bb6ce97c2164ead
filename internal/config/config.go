package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Parley configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Durable keyed store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Conversation locks
	Locks LocksConfig `json:"locks" mapstructure:"locks"`

	// Context cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Tool execution
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Turn orchestration
	Turns TurnsConfig `json:"turns" mapstructure:"turns"`

	// Conversation retention
	Conversations ConversationsConfig `json:"conversations" mapstructure:"conversations"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Output moderation
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`
}

// StoreConfig holds durable store settings
type StoreConfig struct {
	Path            string `json:"path" mapstructure:"path"`
	JanitorSchedule string `json:"janitor_schedule" mapstructure:"janitor_schedule"`
}

// LocksConfig holds conversation lock settings
type LocksConfig struct {
	TTLSeconds    int `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	LocalCapacity int `json:"local_capacity" mapstructure:"local_capacity"`
}

// CacheConfig holds context cache settings
type CacheConfig struct {
	TTLSeconds      int `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	FillLockSeconds int `json:"fill_lock_seconds" mapstructure:"fill_lock_seconds"`
	PollAttempts    int `json:"poll_attempts" mapstructure:"poll_attempts"`
	PollIntervalMs  int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	Workers        int `json:"workers" mapstructure:"workers"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// TurnsConfig holds turn orchestration settings
type TurnsConfig struct {
	MaxToolRounds int `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	MaxRetries    int `json:"max_retries" mapstructure:"max_retries"`
}

// ConversationsConfig holds conversation retention settings
type ConversationsConfig struct {
	TTLHours int `json:"ttl_hours" mapstructure:"ttl_hours"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ModerationConfig holds output moderation settings
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// MetricsConfig holds Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Model    string      `json:"model" mapstructure:"model"`
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Store: StoreConfig{
			JanitorSchedule: "@every 1m",
		},
		Locks: LocksConfig{
			TTLSeconds:    120,
			LocalCapacity: 10000,
		},
		Cache: CacheConfig{
			TTLSeconds:      300,
			FillLockSeconds: 30,
			PollAttempts:    5,
			PollIntervalMs:  100,
		},
		Tools: ToolsConfig{
			Workers:        8,
			TimeoutSeconds: 30,
		},
		Turns: TurnsConfig{
			MaxToolRounds: 6,
			MaxRetries:    3,
		},
		Conversations: ConversationsConfig{
			TTLHours: 72,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Moderation: ModerationConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
		},
		AI: AIConfig{
			Model:    "claude-sonnet-4",
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
	}

	if c.Locks.TTLSeconds <= 0 {
		return fmt.Errorf("locks ttl_seconds must be positive")
	}
	if c.Locks.LocalCapacity <= 0 {
		return fmt.Errorf("locks local_capacity must be positive")
	}
	if c.Cache.FillLockSeconds <= 0 {
		return fmt.Errorf("cache fill_lock_seconds must be positive")
	}
	if c.Tools.Workers <= 0 {
		return fmt.Errorf("tools workers must be positive")
	}
	if c.Turns.MaxToolRounds <= 0 {
		return fmt.Errorf("turns max_tool_rounds must be positive")
	}
	if c.Conversations.TTLHours <= 0 {
		return fmt.Errorf("conversations ttl_hours must be positive")
	}

	return nil
}
