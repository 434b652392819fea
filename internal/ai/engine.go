// Package ai generates conversational replies, abstracting over multiple
// LLM vendors with per-provider retry and an ordered fallback chain.
package ai

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffBase   = time.Second
	defaultContextBudget = 12000 // characters, roughly 3k tokens
	defaultCallTimeout   = 60 * time.Second
)

// Engine assembles conversation context, calls providers in priority order,
// and commits the exchange to the session only after a successful generation.
type Engine struct {
	providers     []domain.Completer
	opts          domain.CompleteOptions
	maxAttempts   int
	backoffBase   time.Duration
	contextBudget int
	callTimeout   time.Duration
	logger        *slog.Logger
}

// Config holds the engine's dependencies and tuning parameters.
type Config struct {
	Providers     []domain.Completer
	Options       domain.CompleteOptions
	MaxAttempts   int           // retries per provider for transient failures
	BackoffBase   time.Duration // scales the attempt² backoff curve
	ContextBudget int           // character budget for assembled context
	CallTimeout   time.Duration // per-attempt timeout
	Logger        *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = defaultContextBudget
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		providers:     cfg.Providers,
		opts:          cfg.Options,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		contextBudget: cfg.ContextBudget,
		callTimeout:   cfg.CallTimeout,
		logger:        cfg.Logger,
	}
}

// Generate produces a reply for msg using the session history as context.
// On success the (user, assistant) pair is appended to the history exactly
// once; a failed generation leaves the session untouched.
func (e *Engine) Generate(ctx context.Context, sess *session.Handle, msg domain.NormalizedMessage) (string, error) {
	msgs := buildContext(sess.History(), msg.Text, e.contextBudget)

	var lastErr error
	for i, p := range e.providers {
		reply, err := e.completeWithRetry(ctx, p, msgs)
		if err == nil {
			if i > 0 {
				e.logger.Info("used fallback provider", "provider", p.Name(), "position", i+1)
			}
			sess.Append(domain.RoleUser, msg.Text)
			sess.Append(domain.RoleAssistant, reply)
			return reply, nil
		}
		lastErr = err
		e.logger.Warn("provider failed, trying next",
			"provider", p.Name(),
			"kind", domain.KindOf(err),
			"error", err,
		)
	}

	return "", &domain.ProviderError{
		Provider:  "ai-engine",
		Kind:      domain.FailExhausted,
		Retryable: false,
		Err:       lastErr,
	}
}

// completeWithRetry calls one provider with bounded exponential backoff.
// Permanent failures (invalid request, content rejection) return immediately
// so the engine can move on to the next provider.
func (e *Engine) completeWithRetry(ctx context.Context, p domain.Completer, msgs []domain.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := e.backoff(attempt)
			e.logger.Warn("retrying provider", "provider", p.Name(), "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		reply, err := p.Complete(callCtx, msgs, e.opts)
		cancel()

		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

// backoff grows with the square of the attempt, with jitter up to half the
// base, matching the curve used for outbound HTTP elsewhere in the bot.
func (e *Engine) backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * e.backoffBase
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// buildContext assembles history oldest-to-newest plus the current message,
// dropping oldest entries first to fit the character budget. The current
// message is always kept.
func buildContext(history []domain.Message, current string, budget int) []domain.Message {
	msgs := append(history, domain.Message{Role: domain.RoleUser, Text: current})

	total := 0
	for _, m := range msgs {
		total += len(m.Text)
	}
	for len(msgs) > 1 && total > budget {
		total -= len(msgs[0].Text)
		msgs = msgs[1:]
	}
	return msgs
}
