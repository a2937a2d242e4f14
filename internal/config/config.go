// ABOUTME: Configuration loading and parsing for taskagent-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete taskagent-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Model     ModelConfig     `yaml:"model" toml:"model"`
	Turn      TurnConfig      `yaml:"turn" toml:"turn"`
	State     StateConfig     `yaml:"state" toml:"state"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds the two database paths
type DatabaseConfig struct {
	Path      string `yaml:"path" toml:"path"`             // conversation threads and messages
	TasksPath string `yaml:"tasks_path" toml:"tasks_path"` // task entities used by the tools
}

// ModelConfig selects and configures the model provider
type ModelConfig struct {
	Provider        string `yaml:"provider" toml:"provider"`
	Name            string `yaml:"name" toml:"name"`
	APIKey          string `yaml:"api_key" toml:"api_key"`
	BaseURL         string `yaml:"base_url" toml:"base_url"`
	MaxOutputTokens int    `yaml:"max_output_tokens" toml:"max_output_tokens"`
	SystemPrompt    string `yaml:"system_prompt" toml:"system_prompt"`
}

// TurnConfig bounds a single conversation turn
type TurnConfig struct {
	Timeout         time.Duration `yaml:"-" toml:"-"`
	RetryBackoff    time.Duration `yaml:"-" toml:"-"`
	MaxToolRounds   int           `yaml:"max_tool_rounds" toml:"max_tool_rounds"`
	EventBuffer     int           `yaml:"event_buffer" toml:"event_buffer"`
	MetadataRetries int           `yaml:"metadata_retries" toml:"metadata_retries"`
	RefusalMessage  string        `yaml:"refusal_message" toml:"refusal_message"`
	ErrorMessage    string        `yaml:"error_message" toml:"error_message"`

	// Raw string values for unmarshaling
	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	RetryBackoffRaw string `yaml:"retry_backoff" toml:"retry_backoff"`
}

// StateConfig holds thread state token settings
type StateConfig struct {
	// SealSecret enables integrity sealing of snapshots handed to clients
	SealSecret string `yaml:"seal_secret" toml:"seal_secret"`
}

// DedupeConfig controls duplicate request suppression
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults applied by Load for unset fields.
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultGRPCAddr        = "127.0.0.1:50051"
	DefaultTimeout         = 2 * time.Minute
	DefaultRetryBackoff    = 200 * time.Millisecond
	DefaultMaxToolRounds   = 8
	DefaultEventBuffer     = 32
	DefaultMetadataRetries = 3
	DefaultDedupeTTL       = 5 * time.Minute
	DefaultDedupeEntries   = 10000
)

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"langchain": true,
	"scripted":  true,
	"echo":      true,
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if v := os.Getenv("TASKAGENT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Database.TasksPath == "" && c.Database.Path != "" {
		c.Database.TasksPath = filepath.Join(filepath.Dir(c.Database.Path), "tasks.db")
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "scripted"
	}
	c.Model.Provider = strings.ToLower(c.Model.Provider)
	if c.Turn.Timeout == 0 {
		c.Turn.Timeout = DefaultTimeout
	}
	if c.Turn.RetryBackoff == 0 {
		c.Turn.RetryBackoff = DefaultRetryBackoff
	}
	if c.Turn.MaxToolRounds == 0 {
		c.Turn.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.Turn.EventBuffer == 0 {
		c.Turn.EventBuffer = DefaultEventBuffer
	}
	if c.Turn.MetadataRetries == 0 {
		c.Turn.MetadataRetries = DefaultMetadataRetries
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = DefaultDedupeEntries
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale serves HTTP
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.TasksPath != "" && filepath.Clean(c.Database.TasksPath) == filepath.Clean(c.Database.Path) {
		return fmt.Errorf("database.tasks_path must differ from database.path")
	}

	if !validProviders[c.Model.Provider] {
		return fmt.Errorf("model.provider %q is not one of openai, anthropic, langchain, scripted, echo", c.Model.Provider)
	}
	if (c.Model.Provider == "openai" || c.Model.Provider == "anthropic") && c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key is required for provider %s", c.Model.Provider)
	}
	if c.Model.Provider != "scripted" && c.Model.Provider != "echo" && c.Model.Name == "" {
		return fmt.Errorf("model.name is required for provider %s", c.Model.Provider)
	}
	if c.Model.MaxOutputTokens < 0 {
		return fmt.Errorf("model.max_output_tokens must not be negative")
	}

	if c.Turn.Timeout < 0 {
		return fmt.Errorf("turn.timeout must be positive")
	}
	if c.Turn.MaxToolRounds < 0 || c.Turn.EventBuffer < 0 || c.Turn.MetadataRetries < 0 {
		return fmt.Errorf("turn.max_tool_rounds, turn.event_buffer and turn.metadata_retries must not be negative")
	}

	if c.State.SealSecret != "" && len(c.State.SealSecret) < 16 {
		return fmt.Errorf("state.seal_secret must be at least 16 characters")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Turn.TimeoutRaw != "" {
		cfg.Turn.Timeout, err = time.ParseDuration(cfg.Turn.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Turn.TimeoutRaw, err)
		}
	}

	if cfg.Turn.RetryBackoffRaw != "" {
		cfg.Turn.RetryBackoff, err = time.ParseDuration(cfg.Turn.RetryBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_backoff %q: %w", cfg.Turn.RetryBackoffRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
