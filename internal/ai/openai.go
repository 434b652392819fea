package ai

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI adapts the OpenAI chat completions API (and compatible endpoints)
// to the Completer contract.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

type OpenAIConfig struct {
	APIKey  string
	APIBase string // optional, for OpenAI-compatible endpoints
	Model   string
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, msgs []domain.Message, opts domain.CompleteOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = o.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	for _, m := range msgs {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Text,
		})
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
	})
	if err != nil {
		return "", normalizeOpenAIError("openai", err)
	}

	if len(resp.Choices) == 0 {
		return "", &domain.ProviderError{
			Provider: "openai", Kind: domain.FailUnknown, Retryable: true,
			Err: errors.New("empty choices in response"),
		}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", &domain.ProviderError{
			Provider: "openai", Kind: domain.FailContentRejected, Retryable: false,
			Err: errors.New("completion stopped by content filter"),
		}
	}

	o.logger.Debug("openai completion",
		"model", resp.Model,
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return choice.Message.Content, nil
}

// normalizeOpenAIError maps SDK and transport faults into the shared
// taxonomy. Shared with the Whisper transcription adapter, which talks to
// the same API surface.
func normalizeOpenAIError(provider string, err error) *domain.ProviderError {
	wrap := func(kind domain.FailKind, retryable bool) *domain.ProviderError {
		return &domain.ProviderError{Provider: provider, Kind: kind, Retryable: retryable, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return wrap(domain.FailRateLimited, true)
		case apiErr.HTTPStatusCode >= 500:
			return wrap(domain.FailUnknown, true)
		case isContentPolicy(apiErr):
			return wrap(domain.FailContentRejected, false)
		case apiErr.HTTPStatusCode >= 400:
			return wrap(domain.FailInvalidRequest, false)
		}
	}

	if isTimeout(err) {
		return wrap(domain.FailTimeout, true)
	}
	return wrap(domain.FailUnknown, true)
}

func isContentPolicy(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok {
		if strings.Contains(code, "content_filter") || strings.Contains(code, "content_policy") {
			return true
		}
	}
	return strings.Contains(apiErr.Type, "content_policy")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
