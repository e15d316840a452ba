package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/wotbot/session"
)

const helpText = "Commands:\n/help\n/tools\n/mode dev|normal\n/reset"

// command handles a slash command without contacting the backend.
func (o *Orchestrator) command(ctx context.Context, sessionID, text string) Reply {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.ToLower(fields[1])
	}

	var out string
	switch name {
	case "/help":
		out = helpText

	case "/tools":
		sess, err := o.store.Load(ctx, sessionID)
		if err != nil {
			return o.commandFailed(sessionID, err)
		}
		var names []string
		for _, d := range o.router.Enabled(sess.DeveloperMode) {
			names = append(names, d.Name)
		}
		if len(names) == 0 {
			out = "No tools available"
		} else {
			out = "Tools available: " + strings.Join(names, ", ")
		}

	case "/mode":
		var on bool
		switch arg {
		case "dev", "developer":
			on = true
		case "normal", "default":
		default:
			return o.commandReply("Usage: /mode dev|normal")
		}
		if err := o.updateSession(ctx, sessionID, func(s *session.Context) { s.DeveloperMode = on }); err != nil {
			return o.commandFailed(sessionID, err)
		}
		if on {
			out = "Developer mode ON"
		} else {
			out = "Developer mode OFF"
		}

	case "/reset":
		if err := o.updateSession(ctx, sessionID, func(s *session.Context) { s.Reset() }); err != nil {
			return o.commandFailed(sessionID, err)
		}
		out = "Conversation reset"

	default:
		out = "Unknown command. Try /help"
	}
	return o.commandReply(out)
}

func (o *Orchestrator) updateSession(ctx context.Context, sessionID string, fn func(*session.Context)) error {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	fn(sess)
	return o.store.Save(ctx, sess)
}

func (o *Orchestrator) commandReply(text string) Reply {
	return Reply{State: StateCommand, Text: text, Chunks: Split(text, o.chunkSize)}
}

func (o *Orchestrator) commandFailed(sessionID string, err error) Reply {
	o.logger.Error("Command failed", zap.String("session_id", sessionID), zap.Error(err))
	return Reply{State: StateFailed, Reason: ReasonSession, Text: o.fallback, Chunks: Split(o.fallback, o.chunkSize)}
}
