package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `mapstructure:"server" yaml:"server"`
	Logging      LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Sandbox      SandboxConfig       `mapstructure:"sandbox" yaml:"sandbox"`
	Languages    map[string]Language `mapstructure:"languages" yaml:"languages"`
	Tools        ToolsConfig         `mapstructure:"tools" yaml:"tools"`
	Backend      BackendConfig       `mapstructure:"backend" yaml:"backend"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator" yaml:"orchestrator"`
	Session      SessionConfig       `mapstructure:"session" yaml:"session"`
}

// ServerConfig holds the MCP and HTTP surface settings
type ServerConfig struct {
	// Transport selects the MCP transport: stdio, http or none.
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
	// APIPort serves /healthz, /metrics and the message API; 0 disables it.
	APIPort int `mapstructure:"api_port" yaml:"api_port"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// SandboxConfig holds process-wide execution limits
type SandboxConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend"`
	TimeoutSec     int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MemoryMB       int    `mapstructure:"memory_mb" yaml:"memory_mb"`
	MaxOutputBytes int    `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	MemoryPollMS   int    `mapstructure:"memory_poll_ms" yaml:"memory_poll_ms"`
	// Image is the container image used by the docker and podman backends.
	Image string `mapstructure:"image" yaml:"image"`
}

// Language holds per-language sandbox settings
type Language struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Interpreter    string   `mapstructure:"interpreter" yaml:"interpreter,omitempty"`
	AllowedImports []string `mapstructure:"allowed_imports" yaml:"allowed_imports"`
}

// ToolsConfig controls which tools the backend may see
type ToolsConfig struct {
	// Enabled lists tool names exposed to the backend; "*" enables all.
	Enabled []string `mapstructure:"enabled" yaml:"enabled"`
	// DeveloperOnly lists tools exposed only in developer mode.
	DeveloperOnly  []string `mapstructure:"developer_only" yaml:"developer_only"`
	MaxOutputBytes int      `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	Concurrency    int      `mapstructure:"concurrency" yaml:"concurrency"`
}

// BackendConfig holds the AI backend settings
type BackendConfig struct {
	// Protocol is "chat" (stateless tool loop) or "assistants" (stateful runs).
	Protocol          string  `mapstructure:"protocol" yaml:"protocol"`
	APIKey            string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model             string  `mapstructure:"model" yaml:"model"`
	AssistantID       string  `mapstructure:"assistant_id" yaml:"assistant_id,omitempty"`
	AssistantName     string  `mapstructure:"assistant_name" yaml:"assistant_name"`
	Instructions      string  `mapstructure:"instructions" yaml:"instructions"`
	Temperature       float32 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	HistoryTurns      int     `mapstructure:"history_turns" yaml:"history_turns"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// OrchestratorConfig bounds a single conversation invocation
type OrchestratorConfig struct {
	MaxTurns        int    `mapstructure:"max_turns" yaml:"max_turns"`
	Workers         int    `mapstructure:"workers" yaml:"workers"`
	MaxPending      int    `mapstructure:"max_pending" yaml:"max_pending"`
	PollInitialMS   int    `mapstructure:"poll_initial_ms" yaml:"poll_initial_ms"`
	PollMaxMS       int    `mapstructure:"poll_max_ms" yaml:"poll_max_ms"`
	PollBudgetSec   int    `mapstructure:"poll_budget_sec" yaml:"poll_budget_sec"`
	FallbackMessage string `mapstructure:"fallback_message" yaml:"fallback_message"`
}

// SessionConfig bounds the in-memory session store
type SessionConfig struct {
	MaxTurns  int `mapstructure:"max_turns" yaml:"max_turns"`
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`

	// DeveloperModeDefault is the mode flag of newly created sessions.
	DeveloperModeDefault bool `mapstructure:"developer_mode_default" yaml:"developer_mode_default"`
}

// Sandbox backends
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
	BackendPodman  = "podman"
)

// Backend protocols
const (
	ProtocolChat       = "chat"
	ProtocolAssistants = "assistants"
)

const defaultInstructions = "You are WotBot, a WhatsApp assistant. Keep replies concise and mobile-friendly. " +
	"Use tools when helpful. Prefer bullets and short paragraphs. If output is long, suggest summarizing."

var defaultPythonImports = []string{
	"base64", "bisect", "cmath", "collections", "datetime", "decimal", "fractions",
	"functools", "hashlib", "heapq", "itertools", "json", "math", "operator",
	"random", "re", "statistics", "string", "textwrap", "time", "unicodedata",
}

// New loads the configuration from ./config.yaml or ./config/config.yaml
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or from the default search
// locations when path is empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("WOTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("backend.api_key", "WOTBOT_BACKEND_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.api_port", 8081)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", BackendProcess)
	v.SetDefault("sandbox.timeout_sec", 5)
	v.SetDefault("sandbox.memory_mb", 128)
	v.SetDefault("sandbox.max_output_bytes", 4000)
	v.SetDefault("sandbox.memory_poll_ms", 50)
	v.SetDefault("sandbox.image", "python:3.12-slim")

	v.SetDefault("languages.python.enabled", true)
	v.SetDefault("languages.python.interpreter", "python3")
	v.SetDefault("languages.python.allowed_imports", defaultPythonImports)
	v.SetDefault("languages.javascript.enabled", true)
	v.SetDefault("languages.javascript.allowed_imports", []string{})

	v.SetDefault("tools.enabled", []string{"*"})
	v.SetDefault("tools.developer_only", []string{})
	v.SetDefault("tools.max_output_bytes", 4000)
	v.SetDefault("tools.concurrency", 4)

	v.SetDefault("backend.protocol", ProtocolChat)
	v.SetDefault("backend.model", "gpt-4o-mini")
	v.SetDefault("backend.assistant_name", "WotBot")
	v.SetDefault("backend.instructions", defaultInstructions)
	v.SetDefault("backend.temperature", 0.3)
	v.SetDefault("backend.max_tokens", 600)
	v.SetDefault("backend.history_turns", 10)
	v.SetDefault("backend.request_timeout_sec", 60)

	v.SetDefault("orchestrator.max_turns", 4)
	v.SetDefault("orchestrator.workers", 8)
	v.SetDefault("orchestrator.max_pending", 4)
	v.SetDefault("orchestrator.poll_initial_ms", 250)
	v.SetDefault("orchestrator.poll_max_ms", 2000)
	v.SetDefault("orchestrator.poll_budget_sec", 90)
	v.SetDefault("orchestrator.fallback_message", "I executed tools but didn't get a final message. Please try again.")

	v.SetDefault("session.max_turns", 40)
	v.SetDefault("session.cache_size", 1024)
	v.SetDefault("session.developer_mode_default", false)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "none":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'none'", c.Server.Transport)
	}

	if c.Server.APIPort < 0 {
		return fmt.Errorf("server.api_port must not be negative, got: %d", c.Server.APIPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	switch c.Sandbox.Backend {
	case BackendProcess, BackendDocker, BackendPodman:
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	for name := range c.Languages {
		if name != "python" && name != "javascript" {
			return fmt.Errorf("unsupported language in languages: %s", name)
		}
	}

	if c.Tools.Concurrency <= 0 {
		return fmt.Errorf("tools.concurrency must be positive, got: %d", c.Tools.Concurrency)
	}

	if c.Backend.Protocol != ProtocolChat && c.Backend.Protocol != ProtocolAssistants {
		return fmt.Errorf("invalid backend.protocol: %s, must be '%s' or '%s'",
			c.Backend.Protocol, ProtocolChat, ProtocolAssistants)
	}

	if c.Orchestrator.MaxTurns <= 0 {
		return fmt.Errorf("orchestrator.max_turns must be positive, got: %d", c.Orchestrator.MaxTurns)
	}

	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got: %d", c.Orchestrator.Workers)
	}

	if c.Orchestrator.PollInitialMS <= 0 || c.Orchestrator.PollMaxMS < c.Orchestrator.PollInitialMS {
		return fmt.Errorf("orchestrator poll bounds invalid: initial=%dms max=%dms",
			c.Orchestrator.PollInitialMS, c.Orchestrator.PollMaxMS)
	}

	if c.Orchestrator.PollBudgetSec <= 0 {
		return fmt.Errorf("orchestrator.poll_budget_sec must be positive, got: %d", c.Orchestrator.PollBudgetSec)
	}

	if c.Session.CacheSize <= 0 {
		return fmt.Errorf("session.cache_size must be positive, got: %d", c.Session.CacheSize)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// EnabledLanguages returns the names of enabled sandbox languages, sorted.
func (c *Config) EnabledLanguages() []string {
	var names []string
	for name, lang := range c.Languages {
		if lang.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Backend.APIKey != "" {
		redacted.Backend.APIKey = "<redacted>"
	}
	return yaml.Marshal(&redacted)
}
