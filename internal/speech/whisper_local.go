package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
)

// WhisperLocal is the offline fallback recognizer, running a ggml whisper
// model in-process. It consumes the decoded PCM from the gateway pre-step
// and never touches the network.
type WhisperLocal struct {
	model    whisper.Model
	language string
	logger   *slog.Logger
}

type WhisperLocalConfig struct {
	ModelPath string
	Language  string // "auto" detects
	Logger    *slog.Logger
}

func NewWhisperLocal(cfg WhisperLocalConfig) (*WhisperLocal, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper model path is required")
	}
	if cfg.Language == "" {
		cfg.Language = "auto"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	return &WhisperLocal{model: m, language: cfg.Language, logger: cfg.Logger}, nil
}

func (w *WhisperLocal) Name() string { return "whisper-local" }

func (w *WhisperLocal) Close() error {
	if w.model == nil {
		return nil
	}
	return w.model.Close()
}

func (w *WhisperLocal) Transcribe(ctx context.Context, clip *domain.AudioClip) (string, error) {
	if len(clip.PCM) == 0 {
		return "", &domain.ProviderError{
			Provider: "whisper-local", Kind: domain.FailInvalidRequest, Retryable: false,
			Err: errors.New("no decoded PCM available for offline recognition"),
		}
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", &domain.ProviderError{
			Provider: "whisper-local", Kind: domain.FailUnknown, Retryable: false,
			Err: fmt.Errorf("new whisper context: %w", err),
		}
	}

	if err := wctx.SetLanguage(w.language); err != nil {
		return "", &domain.ProviderError{
			Provider: "whisper-local", Kind: domain.FailInvalidRequest, Retryable: false,
			Err: fmt.Errorf("set language %q: %w", w.language, err),
		}
	}
	wctx.SetThreads(uint(runtime.NumCPU()))

	if err := wctx.Process(clip.PCM, nil, nil, nil); err != nil {
		return "", &domain.ProviderError{
			Provider: "whisper-local", Kind: domain.FailUnknown, Retryable: false,
			Err: fmt.Errorf("process audio: %w", err),
		}
	}

	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", &domain.ProviderError{
				Provider: "whisper-local", Kind: domain.FailTimeout, Retryable: true, Err: err,
			}
		}
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &domain.ProviderError{
				Provider: "whisper-local", Kind: domain.FailUnknown, Retryable: false,
				Err: fmt.Errorf("next segment: %w", err),
			}
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}

	w.logger.Debug("offline transcription", "text_len", sb.Len())
	return sb.String(), nil
}
