package ai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// Anthropic adapts the Anthropic Messages API to the Completer contract.
type Anthropic struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

type AnthropicConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, msgs []domain.Message, opts domain.CompleteOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = a.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	// The Messages API takes the system prompt out-of-band; only user and
	// assistant turns go in the messages array.
	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(m.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(m.Text),
				},
			}),
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if opts.SystemPrompt != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(opts.SystemPrompt),
		}})
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", normalizeAnthropicError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content += block.Text
		}
	}

	a.logger.Debug("anthropic completion",
		"model", resp.Model,
		"tokens_in", resp.Usage.InputTokens,
		"tokens_out", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

func normalizeAnthropicError(err error) *domain.ProviderError {
	wrap := func(kind domain.FailKind, retryable bool) *domain.ProviderError {
		return &domain.ProviderError{Provider: "anthropic", Kind: kind, Retryable: retryable, Err: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return wrap(domain.FailRateLimited, true)
		case apiErr.StatusCode == 529: // Anthropic overloaded
			return wrap(domain.FailUnknown, true)
		case apiErr.StatusCode >= 500:
			return wrap(domain.FailUnknown, true)
		case apiErr.StatusCode >= 400:
			return wrap(domain.FailInvalidRequest, false)
		}
	}

	if isTimeout(err) {
		return wrap(domain.FailTimeout, true)
	}
	return wrap(domain.FailUnknown, true)
}
