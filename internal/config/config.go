// ABOUTME: Configuration loading and parsing for aichat
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete aichat configuration.
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix"`
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Chat      ChatConfig      `yaml:"chat"`
	Proactive ProactiveConfig `yaml:"proactive"`
	Reminder  ReminderConfig  `yaml:"reminder"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MatrixConfig holds the Matrix transport configuration.
type MatrixConfig struct {
	Homeserver     string   `yaml:"homeserver"`
	UserID         string   `yaml:"user_id"`
	AccessToken    string   `yaml:"access_token"`
	RoomID         string   `yaml:"room_id"`
	AllowedSenders []string `yaml:"allowed_senders"`
}

// LLMConfig holds the chat-completions backend configuration.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ChatConfig holds the fusion and reply-generation behavior settings.
type ChatConfig struct {
	SystemPrompt      string `yaml:"system_prompt"`
	ClassifierEnabled *bool  `yaml:"classifier_enabled"`
	ReplyRetryLimit   int    `yaml:"reply_retry_limit"`
	SummarizeAfter    int    `yaml:"summarize_after_rounds"`
	DedupeCapacity    int    `yaml:"dedupe_capacity"`

	IncompleteTimeout        time.Duration `yaml:"-"`
	UncertainWindow          time.Duration `yaml:"-"`
	UncertainPollInterval    time.Duration `yaml:"-"`
	DefaultMessageDelay      time.Duration `yaml:"-"`
	DedupeTTL                time.Duration `yaml:"-"`
	IncompleteTimeoutRaw     string        `yaml:"incomplete_timeout"`
	UncertainWindowRaw       string        `yaml:"uncertain_window"`
	UncertainPollIntervalRaw string        `yaml:"uncertain_poll_interval"`
	DefaultMessageDelayRaw   string        `yaml:"default_message_delay"`
	DedupeTTLRaw             string        `yaml:"dedupe_ttl"`
}

// ClassifierOn reports whether the completeness classifier should run.
// Defaults to on when unset.
func (c ChatConfig) ClassifierOn() bool {
	return c.ClassifierEnabled == nil || *c.ClassifierEnabled
}

// ProactiveConfig gates the proactive scheduler.
type ProactiveConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Probability float64 `yaml:"probability"`
	// Active hours are local wall-clock hours; start <= hour < end fires.
	ActiveHourStart int `yaml:"active_hour_start"`
	ActiveHourEnd   int `yaml:"active_hour_end"`

	Interval        time.Duration `yaml:"-"`
	MinIdle         time.Duration `yaml:"-"`
	EventHorizon    time.Duration `yaml:"-"`
	IntervalRaw     string        `yaml:"interval"`
	MinIdleRaw      string        `yaml:"min_idle"`
	EventHorizonRaw string        `yaml:"event_horizon"`
}

// ReminderConfig gates the reminder scheduler.
type ReminderConfig struct {
	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values. Missing durations
// fall back to defaults suited to conversational pacing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.RoomID == "" {
		return fmt.Errorf("matrix.room_id is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Proactive.Probability < 0 || c.Proactive.Probability > 1 {
		return fmt.Errorf("proactive.probability must be between 0 and 1")
	}
	return nil
}

// applyDefaults fills zero-valued settings with their documented defaults.
func (c *Config) applyDefaults() {
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Chat.IncompleteTimeout == 0 {
		c.Chat.IncompleteTimeout = 20 * time.Second
	}
	if c.Chat.UncertainWindow == 0 {
		c.Chat.UncertainWindow = 5 * time.Second
	}
	if c.Chat.UncertainPollInterval == 0 {
		c.Chat.UncertainPollInterval = 100 * time.Millisecond
	}
	if c.Chat.DefaultMessageDelay == 0 {
		c.Chat.DefaultMessageDelay = 2 * time.Second
	}
	if c.Chat.DedupeTTL == 0 {
		c.Chat.DedupeTTL = 10 * time.Minute
	}
	if c.Chat.ReplyRetryLimit == 0 {
		c.Chat.ReplyRetryLimit = 6
	}
	if c.Chat.SummarizeAfter == 0 {
		c.Chat.SummarizeAfter = 40
	}
	if c.Chat.DedupeCapacity == 0 {
		c.Chat.DedupeCapacity = 4096
	}
	if c.Proactive.Interval == 0 {
		c.Proactive.Interval = 60 * time.Second
	}
	if c.Proactive.MinIdle == 0 {
		c.Proactive.MinIdle = 30 * time.Minute
	}
	if c.Proactive.EventHorizon == 0 {
		c.Proactive.EventHorizon = 30 * time.Minute
	}
	if c.Proactive.ActiveHourEnd == 0 {
		c.Proactive.ActiveHourStart = 9
		c.Proactive.ActiveHourEnd = 23
	}
	if c.Reminder.Interval == 0 {
		c.Reminder.Interval = 10 * time.Second
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout, "llm.timeout"},
		{cfg.Chat.IncompleteTimeoutRaw, &cfg.Chat.IncompleteTimeout, "chat.incomplete_timeout"},
		{cfg.Chat.UncertainWindowRaw, &cfg.Chat.UncertainWindow, "chat.uncertain_window"},
		{cfg.Chat.UncertainPollIntervalRaw, &cfg.Chat.UncertainPollInterval, "chat.uncertain_poll_interval"},
		{cfg.Chat.DefaultMessageDelayRaw, &cfg.Chat.DefaultMessageDelay, "chat.default_message_delay"},
		{cfg.Chat.DedupeTTLRaw, &cfg.Chat.DedupeTTL, "chat.dedupe_ttl"},
		{cfg.Proactive.IntervalRaw, &cfg.Proactive.Interval, "proactive.interval"},
		{cfg.Proactive.MinIdleRaw, &cfg.Proactive.MinIdle, "proactive.min_idle"},
		{cfg.Proactive.EventHorizonRaw, &cfg.Proactive.EventHorizon, "proactive.event_horizon"},
		{cfg.Reminder.IntervalRaw, &cfg.Reminder.Interval, "reminder.interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
