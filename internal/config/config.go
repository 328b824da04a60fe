package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for matterbot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	Inference InferenceConfig `json:"inference" yaml:"inference"`
	Context   ContextConfig   `json:"context" yaml:"context"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel            string `json:"logLevel" yaml:"logLevel"` // debug | info | warn | error
	PollIntervalSeconds int    `json:"pollIntervalSeconds" yaml:"pollIntervalSeconds"`
}

// ChatConfig points at the Mattermost server the bot watches.
type ChatConfig struct {
	URL            string `json:"url" yaml:"url"`
	Token          string `json:"token" yaml:"token"`
	Team           string `json:"team" yaml:"team"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// InferenceConfig points at the local Ollama endpoint.
type InferenceConfig struct {
	APIBase        string `json:"apiBase" yaml:"apiBase"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// ContextConfig controls per-user conversation tracking.
type ContextConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	ExpirationSeconds int  `json:"expirationSeconds" yaml:"expirationSeconds"`
}

// HistoryConfig controls the optional SQLite reply transcript.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.matterbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matterbot"
	}
	return filepath.Join(home, ".matterbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads and validates a config file. YAML is used for .yaml/.yml
// files, JSON otherwise. ${VAR} and ${VAR:-default} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config text.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(name)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // no env var, no default: keep the literal
		}
		return val
	})
}

// Save writes the config as indented JSON or YAML, by extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field ranges. Presence of the chat credentials is checked
// at serve time, not here, so `init` and `config show` work on a fresh file.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.PollIntervalSeconds < 1 || cfg.General.PollIntervalSeconds > 3600 {
		errs = append(errs, "general.pollIntervalSeconds must be between 1 and 3600")
	}

	if cfg.Chat.TimeoutSeconds < 1 {
		errs = append(errs, "chat.timeoutSeconds must be >= 1")
	}
	if cfg.Inference.TimeoutSeconds < 1 {
		errs = append(errs, "inference.timeoutSeconds must be >= 1")
	}

	if cfg.Context.ExpirationSeconds < 1 {
		errs = append(errs, "context.expirationSeconds must be >= 1")
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history is enabled")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a copy of the config with the chat token masked.
func Sanitize(cfg *Config) *Config {
	copied := *cfg
	if copied.Chat.Token != "" {
		copied.Chat.Token = maskString(copied.Chat.Token)
	}
	return &copied
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
