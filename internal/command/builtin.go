package command

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
)

var startTime = time.Now()

// version is set by the build system.
var version = "0.1.0"

// SetVersion overrides the version string shown by /status.
func SetVersion(v string) { version = v }

// RegisterBuiltins wires the stock command set into reg.
func RegisterBuiltins(reg *Registry) error {
	builtins := map[string]Handler{
		"help":   helpHandler(reg),
		"ping":   pingHandler,
		"clear":  clearHandler,
		"status": statusHandler,
		"quiet":  quietHandler,
	}
	for name, h := range builtins {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func helpHandler(reg *Registry) Handler {
	return func(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent {
		var sb strings.Builder
		sb.WriteString("Available commands:\n")
		for _, name := range reg.Names() {
			sb.WriteString("/" + name + "\n")
		}
		sb.WriteString("\nAnything else is answered by the assistant.")
		return domain.TextReply(sb.String())
	}
}

func pingHandler(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent {
	return domain.TextReply("pong")
}

func clearHandler(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent {
	sess.Clear()
	return domain.TextReply("Conversation cleared. Starting fresh.")
}

func statusHandler(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent {
	uptime := time.Since(startTime).Round(time.Second)
	return domain.TextReply(fmt.Sprintf(
		"SakaiBot v%s\nUptime: %s\nHistory: %d entries\nRuntime: %s/%s, Go %s",
		version, uptime, sess.HistoryLen(), runtime.GOOS, runtime.GOARCH, runtime.Version(),
	))
}

// quietHandler toggles the per-conversation quiet mode. While quiet, the
// router suppresses AI replies for this conversation; commands still work.
func quietHandler(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent {
	if len(inv.Args) == 1 && inv.Args[0] == "off" {
		sess.SetMode("quiet", false)
		return domain.TextReply("Quiet mode off.")
	}
	sess.SetMode("quiet", true)
	return domain.Silence()
}
