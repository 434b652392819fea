// Package speech converts voice-message audio to text by trying transcription
// providers in priority order.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/audioconv"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

const defaultCallTimeout = 120 * time.Second

// DecodeFunc is the audio normalization pre-step: container bytes to mono
// 16 kHz PCM.
type DecodeFunc func(data []byte, formatHint string) ([]float32, error)

// Gateway runs the transcription fallback chain. Each provider gets exactly
// one attempt per Transcribe call; re-running the whole chain with backoff is
// the dispatch loop's decision, never the gateway's.
type Gateway struct {
	providers   []domain.Transcriber
	decode      DecodeFunc
	callTimeout time.Duration
	logger      *slog.Logger
}

// GatewayConfig holds the gateway's dependencies.
type GatewayConfig struct {
	Providers   []domain.Transcriber
	Decode      DecodeFunc // defaults to audioconv.ToPCM16k
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Decode == nil {
		cfg.Decode = audioconv.ToPCM16k
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		providers:   cfg.Providers,
		decode:      cfg.Decode,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
	}
}

// Transcribe decodes audio once and walks the provider chain in configured
// order. A failed provider is never re-tried inline. When every provider
// failed transiently the returned error stays retryable, so the dispatch
// loop may re-run the whole chain within its bound; any permanent failure
// in the chain makes exhaustion terminal (FailExhausted, Retryable=false).
func (g *Gateway) Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error) {
	if len(g.providers) == 0 {
		return "", &domain.ProviderError{
			Provider: "speech-gateway", Kind: domain.FailExhausted, Retryable: false,
			Err: errors.New("no transcription providers configured"),
		}
	}

	clip := &domain.AudioClip{Raw: audio, FormatHint: formatHint}
	pcm, err := g.decode(audio, formatHint)
	if err != nil {
		// Cloud adapters upload the raw container and can still succeed.
		g.logger.Warn("audio decode pre-step failed", "hint", formatHint, "error", err)
	} else {
		clip.PCM = pcm
	}

	var lastErr error
	allTransient := true
	for _, p := range g.providers {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		text, err := p.Transcribe(callCtx, clip)
		cancel()

		if err == nil {
			g.logger.Info("transcription complete", "provider", p.Name(), "text_len", len(text))
			return text, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			allTransient = false
		}
		g.logger.Warn("transcriber failed, trying next",
			"provider", p.Name(),
			"kind", domain.KindOf(err),
			"error", err,
		)
	}

	if allTransient {
		// Another chain pass may succeed; the caller decides, within its
		// retry bound, whether to take it.
		return "", &domain.ProviderError{
			Provider:  "speech-gateway",
			Kind:      domain.KindOf(lastErr),
			Retryable: true,
			Err:       lastErr,
		}
	}
	return "", &domain.ProviderError{
		Provider:  "speech-gateway",
		Kind:      domain.FailExhausted,
		Retryable: false,
		Err:       lastErr,
	}
}
