package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
)

const (
	// DefaultPrefix marks command-shaped messages.
	DefaultPrefix = '/'

	generateApology = "Sorry, I couldn't come up with a reply right now. Please try again in a bit."
	rejectedApology = "I can't help with that request."
)

// Responder is the AI side of routing: non-command text goes here.
type Responder interface {
	Generate(ctx context.Context, sess *session.Handle, msg domain.NormalizedMessage) (string, error)
}

// Router classifies normalized messages as commands or conversation and
// dispatches accordingly.
type Router struct {
	prefix   rune
	registry *Registry
	engine   Responder
	logger   *slog.Logger
}

func NewRouter(prefix rune, registry *Registry, engine Responder, logger *slog.Logger) *Router {
	if prefix == 0 {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{prefix: prefix, registry: registry, engine: engine, logger: logger}
}

// Route decides what to reply for one message. Command-shaped text with an
// unregistered name yields an "unknown command" error reply rather than
// falling through to the AI engine: a mistyped command and conversational
// text are different user intents.
func (r *Router) Route(ctx context.Context, msg domain.NormalizedMessage, sess *session.Handle) domain.ReplyIntent {
	if inv := Parse(msg.Text, r.prefix); inv != nil {
		inv.ConversationID = msg.ConversationID
		h := r.registry.Get(inv.Name)
		if h == nil {
			r.logger.Debug("unknown command", "name", inv.Name, "conversation", msg.ConversationID)
			return domain.ErrorReply(fmt.Sprintf("unknown command: %s", inv.Name))
		}
		r.logger.Info("command dispatched", "name", inv.Name, "args", len(inv.Args), "conversation", msg.ConversationID)
		return h(ctx, inv, sess)
	}

	if sess.Mode("quiet") {
		return domain.Silence()
	}

	reply, err := r.engine.Generate(ctx, sess, msg)
	if err != nil {
		r.logger.Warn("generation failed",
			"conversation", msg.ConversationID,
			"kind", domain.KindOf(err),
			"error", err,
		)
		if domain.KindOf(err) == domain.FailContentRejected {
			return domain.ErrorReply(rejectedApology)
		}
		return domain.ErrorReply(generateApology)
	}
	return domain.TextReply(reply)
}
