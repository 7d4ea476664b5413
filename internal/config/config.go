package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Event filter modes
const (
	EventFilterCreated = "created"
	EventFilterAll     = "all"
)

// Metrics persistence backends
const (
	MetricsBackendFile   = "file"
	MetricsBackendSQLite = "sqlite"
)

// Config holds the service configuration
type Config struct {
	ServerAddr        string   `toml:"server_addr" env:"SERVER_ADDR"`
	WebhookSecret     string   `toml:"webhook_secret" env:"WEBHOOK_SECRET" sensitive:"true"`
	AllowedWorkspaces []string `toml:"allowed_workspaces" env:"ALLOWED_WORKSPACES"`
	EventFilter       string   `toml:"event_filter" env:"WEBHOOK_EVENT_FILTER"`

	ReposDir        string `toml:"repos_dir" env:"REPOS_DIR"`
	TemplateMapPath string `toml:"template_map_path" env:"TEMPLATE_MAP_PATH"`
	GitAuthUser     string `toml:"git_auth_user" env:"GIT_AUTH_USER"`
	GitAuthToken    string `toml:"git_auth_token" env:"GIT_AUTH_TOKEN" sensitive:"true"`

	AgentCommand      string `toml:"agent_command" env:"AGENT_COMMAND"`
	AgentModel        string `toml:"agent_model" env:"CLAUDE_MODEL"`
	JobTimeoutMinutes int    `toml:"job_timeout_minutes" env:"JOB_TIMEOUT_MINUTES"`
	MaxDiffSizeKB     int    `toml:"max_diff_size_kb" env:"MAX_DIFF_SIZE_KB"`
	MaxOutputBytes    int    `toml:"max_output_bytes" env:"MAX_OUTPUT_BYTES"`
	MCPConfigPath     string `toml:"mcp_config_path" env:"MCP_CONFIG_PATH"`

	Agent   AgentConfig   `toml:"agent"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// AgentConfig describes the curated environment handed to the review agent.
// Nothing from the daemon's own environment reaches the agent unless it is
// named in EnvPassthrough.
type AgentConfig struct {
	Home           string   `toml:"home" env:"AGENT_HOME"`
	Path           string   `toml:"path" env:"AGENT_PATH"`
	Shell          string   `toml:"shell" env:"AGENT_SHELL"`
	EnvPassthrough []string `toml:"env_passthrough" env:"AGENT_ENV_PASSTHROUGH"`
}

// MetricsConfig controls metrics persistence
type MetricsConfig struct {
	PersistEnabled       bool   `toml:"persist_enabled" env:"METRICS_PERSISTENCE_ENABLED"`
	Backend              string `toml:"backend" env:"METRICS_BACKEND"`
	Path                 string `toml:"path" env:"METRICS_PATH"`
	FlushIntervalSeconds int    `toml:"flush_interval_seconds" env:"METRICS_FLUSH_INTERVAL_SECONDS"`
}

// LogConfig controls console and file logging
type LogConfig struct {
	Level         string `toml:"level" env:"LOG_LEVEL"`
	Dir           string `toml:"dir" env:"LOG_DIR"`
	MaxFiles      int    `toml:"max_files" env:"LOG_MAX_FILES"`
	MaxFileSizeMB int    `toml:"max_file_size_mb" env:"LOG_MAX_FILE_SIZE_MB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:        "0.0.0.0:3000",
		EventFilter:       EventFilterCreated,
		ReposDir:          filepath.Join(DataDir(), "repos"),
		AgentCommand:      "claude",
		AgentModel:        "sonnet",
		JobTimeoutMinutes: 30,
		MaxDiffSizeKB:     100,
		MaxOutputBytes:    10 * 1024 * 1024,
		Agent: AgentConfig{
			Shell:          "/bin/bash",
			Path:           "/usr/local/bin:/usr/bin:/bin",
			EnvPassthrough: []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		},
		Metrics: MetricsConfig{
			PersistEnabled:       true,
			Backend:              MetricsBackendFile,
			Path:                 filepath.Join(DataDir(), "metrics.json"),
			FlushIntervalSeconds: 60,
		},
		Log: LogConfig{
			Level:         "info",
			MaxFiles:      10,
			MaxFileSizeMB: 20,
		},
	}
}

// DataDir returns the data directory.
// Uses PULLWARDEN_DATA_DIR env var if set, otherwise ~/.pullwarden
func DataDir() string {
	if dir := os.Getenv("PULLWARDEN_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pullwarden")
}

// GlobalConfigPath returns the path to the config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads the TOML file at path (if it exists), then the .env file at
// envFile (if it exists), then applies environment overrides. Later sources
// win.
func Load(path, envFile string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			// godotenv.Load never overrides variables already set in the
			// process environment.
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads the configuration from a TOML file on top of the defaults.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var problems []string

	switch c.EventFilter {
	case EventFilterCreated, EventFilterAll:
	default:
		problems = append(problems, fmt.Sprintf("event_filter must be %q or %q, got %q", EventFilterCreated, EventFilterAll, c.EventFilter))
	}
	switch c.Metrics.Backend {
	case MetricsBackendFile, MetricsBackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("metrics.backend must be %q or %q, got %q", MetricsBackendFile, MetricsBackendSQLite, c.Metrics.Backend))
	}
	if c.ServerAddr == "" {
		problems = append(problems, "server_addr is required")
	}
	if c.ReposDir == "" {
		problems = append(problems, "repos_dir is required")
	}
	if c.AgentCommand == "" {
		problems = append(problems, "agent_command is required")
	}
	if c.JobTimeoutMinutes <= 0 {
		problems = append(problems, "job_timeout_minutes must be positive")
	}
	if c.MaxDiffSizeKB <= 0 {
		problems = append(problems, "max_diff_size_kb must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		problems = append(problems, "max_output_bytes must be positive")
	}
	if c.Metrics.PersistEnabled {
		if c.Metrics.Path == "" {
			problems = append(problems, "metrics.path is required when persistence is enabled")
		}
		if c.Metrics.FlushIntervalSeconds <= 0 {
			problems = append(problems, "metrics.flush_interval_seconds must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WorkspaceAllowed reports whether slug passes the workspace allow-list.
// An empty allow-list admits every workspace.
func (c *Config) WorkspaceAllowed(slug string) bool {
	if len(c.AllowedWorkspaces) == 0 {
		return true
	}
	for _, allowed := range c.AllowedWorkspaces {
		if strings.EqualFold(strings.TrimSpace(allowed), slug) {
			return true
		}
	}
	return false
}
