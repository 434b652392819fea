package config

import (
	"path/filepath"
	"time"
)

// Defaults returns a config populated with working defaults. Load starts
// from this and overlays the file on top, so absent keys keep these values.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:      "info",
			CommandPrefix: "/",
		},
		Telegram: TelegramConfig{
			ParseMode: "Markdown",
		},
		AI: AIConfig{
			Order: []string{"openai"},
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
			Anthropic: AnthropicConfig{
				Model: "claude-3-5-sonnet-20240620",
			},
			MaxAttempts:   3,
			BackoffBase:   Duration(time.Second),
			ContextBudget: 12000,
			MaxTokens:     1024,
			Temperature:   0.7,
			SystemPrompt:  "You are a helpful assistant replying inside a chat conversation. Keep answers concise.",
			CallTimeout:   Duration(60 * time.Second),
		},
		Transcription: TranscriptionConfig{
			Order: []string{"whisper-api"},
			WhisperAPI: WhisperAPIConfig{
				Model: "whisper-1",
			},
			ChainRetries: 2,
			BackoffBase:  Duration(2 * time.Second),
			CallTimeout:  Duration(120 * time.Second),
		},
		Session: SessionConfig{
			HistoryCap: 40,
			IdleTTL:    Duration(2 * time.Hour),
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        filepath.Join(DefaultConfigDir(), "history.db"),
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}
