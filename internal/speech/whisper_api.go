package speech

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

const defaultWhisperModel = "whisper-1"

// WhisperAPI transcribes through an OpenAI-compatible Whisper endpoint
// (api.openai.com, Groq, or any compatible gateway). It uploads the original
// container bytes; server-side decoding handles the format.
type WhisperAPI struct {
	client   *openai.Client
	model    string
	language string
	logger   *slog.Logger
}

type WhisperAPIConfig struct {
	APIKey   string
	APIBase  string // optional, e.g. "https://api.groq.com/openai/v1"
	Model    string
	Language string // optional ISO-639-1 code
	Logger   *slog.Logger
}

func NewWhisperAPI(cfg WhisperAPIConfig) *WhisperAPI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultWhisperModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhisperAPI{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		language: cfg.Language,
		logger:   cfg.Logger,
	}
}

func (w *WhisperAPI) Name() string { return "whisper-api" }

func (w *WhisperAPI) Transcribe(ctx context.Context, clip *domain.AudioClip) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   bytes.NewReader(clip.Raw),
		FilePath: "voice." + fileExt(clip.FormatHint),
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", normalizeWhisperError(err)
	}

	w.logger.Debug("whisper api transcription", "text_len", len(resp.Text))
	return resp.Text, nil
}

// fileExt picks a filename extension the API recognizes from the hint.
func fileExt(hint string) string {
	hint = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hint)), ".")
	switch hint {
	case "wav", "mp3", "ogg", "oga", "webm", "m4a", "flac", "mp4", "mpeg":
		return hint
	case "opus", "voice", "":
		return "ogg"
	default:
		return "ogg"
	}
}

func normalizeWhisperError(err error) *domain.ProviderError {
	wrap := func(kind domain.FailKind, retryable bool) *domain.ProviderError {
		return &domain.ProviderError{Provider: "whisper-api", Kind: kind, Retryable: retryable, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return wrap(domain.FailRateLimited, true)
		case apiErr.HTTPStatusCode >= 500:
			return wrap(domain.FailUnknown, true)
		case apiErr.HTTPStatusCode >= 400:
			return wrap(domain.FailInvalidRequest, false)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(domain.FailTimeout, true)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return wrap(domain.FailTimeout, true)
	}
	return wrap(domain.FailUnknown, true)
}
