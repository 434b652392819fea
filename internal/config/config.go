package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for SakaiBot.
type Config struct {
	General       GeneralConfig       `json:"general" yaml:"general"`
	Telegram      TelegramConfig      `json:"telegram" yaml:"telegram"`
	AI            AIConfig            `json:"ai" yaml:"ai"`
	Transcription TranscriptionConfig `json:"transcription" yaml:"transcription"`
	Session       SessionConfig       `json:"session" yaml:"session"`
	History       HistoryConfig       `json:"history" yaml:"history"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel      string `json:"logLevel" yaml:"logLevel"`
	CommandPrefix string `json:"commandPrefix" yaml:"commandPrefix"`
}

type TelegramConfig struct {
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	ParseMode string   `json:"parseMode" yaml:"parseMode"`
}

// AIConfig configures the response engine and its provider failover order.
type AIConfig struct {
	Order         []string        `json:"order" yaml:"order"` // "openai", "anthropic"
	OpenAI        OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic     AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	MaxAttempts   int             `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffBase   Duration        `json:"backoffBase" yaml:"backoffBase"`
	ContextBudget int             `json:"contextBudget" yaml:"contextBudget"` // characters
	MaxTokens     int             `json:"maxTokens" yaml:"maxTokens"`
	Temperature   float64         `json:"temperature" yaml:"temperature"`
	SystemPrompt  string          `json:"systemPrompt" yaml:"systemPrompt"`
	CallTimeout   Duration        `json:"callTimeout" yaml:"callTimeout"`
}

type OpenAIConfig struct {
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	APIBase string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	Model   string `json:"model" yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `json:"apiKey" yaml:"apiKey"`
	Model  string `json:"model" yaml:"model"`
}

// TranscriptionConfig configures the speech-to-text provider chain.
type TranscriptionConfig struct {
	Order        []string           `json:"order" yaml:"order"` // "whisper-api", "whisper-local"
	WhisperAPI   WhisperAPIConfig   `json:"whisperApi" yaml:"whisperApi"`
	WhisperLocal WhisperLocalConfig `json:"whisperLocal" yaml:"whisperLocal"`
	ChainRetries int                `json:"chainRetries" yaml:"chainRetries"`
	BackoffBase  Duration           `json:"backoffBase" yaml:"backoffBase"` // scales the outer chain-retry backoff
	CallTimeout  Duration           `json:"callTimeout" yaml:"callTimeout"`
}

type WhisperAPIConfig struct {
	APIKey   string `json:"apiKey" yaml:"apiKey"`
	APIBase  string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	Model    string `json:"model" yaml:"model"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
}

type WhisperLocalConfig struct {
	ModelPath string `json:"modelPath" yaml:"modelPath"`
	Language  string `json:"language,omitempty" yaml:"language,omitempty"`
}

type SessionConfig struct {
	HistoryCap int      `json:"historyCap" yaml:"historyCap"`
	IdleTTL    Duration `json:"idleTtl" yaml:"idleTtl"`
}

type HistoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Duration is a time.Duration that marshals as a string ("30s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory (~/.sakaibot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sakaibot"
	}
	return filepath.Join(home, ".sakaibot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file, expanding ${VAR} references from the environment.
// The format is chosen by extension: .yaml/.yml parse as YAML, anything else
// as JSON.
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
	cfg.Transcription.WhisperLocal.ModelPath = ExpandPath(cfg.Transcription.WhisperLocal.ModelPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if n := len([]rune(cfg.General.CommandPrefix)); n != 1 {
		errs = append(errs, "general.commandPrefix must be exactly one character")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.AI.MaxAttempts < 1 {
		errs = append(errs, "ai.maxAttempts must be >= 1")
	}
	if cfg.AI.ContextBudget < 1 {
		errs = append(errs, "ai.contextBudget must be >= 1")
	}
	for _, name := range cfg.AI.Order {
		switch name {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("ai.order references unknown provider: %s", name))
		}
	}

	for _, name := range cfg.Transcription.Order {
		switch name {
		case "whisper-api", "whisper-local":
		default:
			errs = append(errs, fmt.Sprintf("transcription.order references unknown provider: %s", name))
		}
	}
	if cfg.Transcription.ChainRetries < 0 {
		errs = append(errs, "transcription.chainRetries must be >= 0")
	}
	if cfg.Transcription.BackoffBase.Std() <= 0 {
		errs = append(errs, "transcription.backoffBase must be positive")
	}

	if cfg.Session.HistoryCap < 1 {
		errs = append(errs, "session.historyCap must be >= 1")
	}
	if cfg.Session.IdleTTL.Std() < time.Minute {
		errs = append(errs, "session.idleTtl must be at least 1m")
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
