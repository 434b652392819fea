// Package dispatch is the top-level coordinator: it receives events from the
// external chat client, resolves audio to text, routes to commands or the AI
// engine, and sends replies back out.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/history"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/metrics"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
)

// AudioApology is the fixed reply for audio that could not be transcribed.
const AudioApology = "Sorry, I could not understand that audio message."

const (
	defaultChainRetries = 1
	defaultBackoffBase  = 2 * time.Second
)

// Router decides the reply for one normalized message.
type Router interface {
	Route(ctx context.Context, msg domain.NormalizedMessage, sess *session.Handle) domain.ReplyIntent
}

// Transcriptions is the transcription fallback chain as the loop sees it.
type Transcriptions interface {
	Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error)
}

// Archive persists processed turns; nil disables archiving.
type Archive interface {
	Record(ctx context.Context, e history.Entry) error
}

// Loop processes inbound events one at a time per conversation. Events for
// different conversations run concurrently; per-conversation exclusivity
// comes from the session manager's handle checkout, held for the full event
// lifecycle so events for one conversation complete in delivery order.
type Loop struct {
	client       domain.ChatClient
	sessions     *session.Manager
	router       Router
	speech       Transcriptions
	archive      Archive
	chainRetries int
	backoffBase  time.Duration
	logger       *slog.Logger

	eventsTotal   *metrics.Counter
	repliesTotal  *metrics.Counter
	failuresTotal *metrics.Counter
}

// Config holds the loop's collaborators.
type Config struct {
	Client       domain.ChatClient
	Sessions     *session.Manager
	Router       Router
	Speech       Transcriptions
	Archive      Archive       // optional
	ChainRetries int           // outer retries of the transcription chain
	BackoffBase  time.Duration // scales outer-retry backoff
	Logger       *slog.Logger
}

func New(cfg Config) *Loop {
	if cfg.ChainRetries < 0 {
		cfg.ChainRetries = defaultChainRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		client:        cfg.Client,
		sessions:      cfg.Sessions,
		router:        cfg.Router,
		speech:        cfg.Speech,
		archive:       cfg.Archive,
		chainRetries:  cfg.ChainRetries,
		backoffBase:   cfg.BackoffBase,
		logger:        cfg.Logger,
		eventsTotal:   metrics.Collector.CounterMetric("sakaibot_events_total", "Inbound events received."),
		repliesTotal:  metrics.Collector.CounterMetric("sakaibot_replies_total", "Replies sent."),
		failuresTotal: metrics.Collector.CounterMetric("sakaibot_event_failures_total", "Events that ended in a reported failure."),
	}
}

// OnEvent processes one inbound event completely before any effect is
// emitted. It never panics out: unexpected faults are logged and the loop
// stays alive for other conversations.
func (l *Loop) OnEvent(ctx context.Context, ev domain.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.failuresTotal.Inc()
			l.logger.Error("panic while handling event",
				"conversation", ev.ConversationID,
				"event", ev.ID,
				"panic", r,
			)
		}
	}()

	l.eventsTotal.Inc()

	// The exclusivity region spans the whole event, transcription included.
	// Acquiring before normalize keeps delivery order within a conversation:
	// a text message cannot overtake a voice note that is still transcribing.
	sess := l.sessions.Acquire(ev.ConversationID)
	defer sess.Release()

	msg, ok := l.normalize(ctx, ev)
	if !ok {
		return
	}
	sess.CountRequest()

	intent := l.router.Route(ctx, msg, sess)

	l.record(ctx, msg, intent)

	switch intent.Kind {
	case domain.ReplySilence:
		l.logger.Debug("reply suppressed", "conversation", ev.ConversationID)
	case domain.ReplyText, domain.ReplyError:
		if intent.Kind == domain.ReplyError {
			l.failuresTotal.Inc()
		}
		if err := l.client.Send(ctx, ev.ConversationID, intent.Text); err != nil {
			l.logger.Error("send failed", "conversation", ev.ConversationID, "error", err)
		} else {
			l.repliesTotal.Inc()
		}
	}
}

// normalize resolves the event payload to text. Audio runs through the
// transcription chain, with a bounded outer retry when the whole chain fails
// with a retryable error. A terminal transcription failure sends the fixed
// apology and ends the event with the session untouched.
func (l *Loop) normalize(ctx context.Context, ev domain.InboundEvent) (domain.NormalizedMessage, bool) {
	switch ev.Kind() {
	case domain.PayloadText:
		return domain.NormalizedMessage{
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Timestamp:      ev.Timestamp,
			Text:           ev.Text,
			Source:         domain.SourceOriginal,
		}, true

	case domain.PayloadAudio:
		text, err := l.transcribeWithRetry(ctx, ev)
		if err != nil {
			l.failuresTotal.Inc()
			l.logger.Warn("transcription failed for event",
				"conversation", ev.ConversationID,
				"event", ev.ID,
				"kind", domain.KindOf(err),
				"error", err,
			)
			if err := l.client.Send(ctx, ev.ConversationID, AudioApology); err != nil {
				l.logger.Error("send failed", "conversation", ev.ConversationID, "error", err)
			}
			return domain.NormalizedMessage{}, false
		}
		return domain.NormalizedMessage{
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Timestamp:      ev.Timestamp,
			Text:           text,
			Source:         domain.SourceTranscribed,
		}, true

	default:
		l.logger.Debug("ignoring event with unsupported payload",
			"conversation", ev.ConversationID, "event", ev.ID)
		return domain.NormalizedMessage{}, false
	}
}

// transcribeWithRetry runs the chain, re-running it with backoff only for
// retryable failures. Chain exhaustion is not retryable, so it ends the
// event immediately.
func (l *Loop) transcribeWithRetry(ctx context.Context, ev domain.InboundEvent) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= l.chainRetries; attempt++ {
		if attempt > 0 {
			backoff := l.backoff(attempt)
			l.logger.Warn("retrying transcription chain",
				"conversation", ev.ConversationID, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		text, err := l.speech.Transcribe(ctx, ev.Audio.Data, ev.Audio.FormatHint)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (l *Loop) backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * l.backoffBase
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// record archives the processed turn; archive errors never affect the event.
func (l *Loop) record(ctx context.Context, msg domain.NormalizedMessage, intent domain.ReplyIntent) {
	if l.archive == nil {
		return
	}
	err := l.archive.Record(ctx, history.Entry{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Role:           domain.RoleUser,
		Source:         string(msg.Source),
		Text:           msg.Text,
	})
	if err == nil && intent.Kind == domain.ReplyText {
		err = l.archive.Record(ctx, history.Entry{
			ConversationID: msg.ConversationID,
			SenderID:       "bot",
			Role:           domain.RoleAssistant,
			Source:         string(domain.SourceOriginal),
			Text:           intent.Text,
		})
	}
	if err != nil {
		l.logger.Warn("transcript archive write failed", "conversation", msg.ConversationID, "error", err)
	}
}
