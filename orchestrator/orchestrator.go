// Package orchestrator drives one conversation turn from a user message to a
// final reply: it loads the session, lets the configured protocol talk to the
// AI backend, dispatches the requested tool calls and saves the session once
// the invocation ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/metrics"
	"github.com/isdmx/wotbot/session"
	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

// Failure reasons of an invocation.
const (
	ReasonTurnLimit   = "turn limit exceeded"
	ReasonPollTimeout = "poll timeout"
	ReasonProtocol    = "protocol violation"
	ReasonBackend     = "backend error"
	ReasonSession     = "session unavailable"
)

const (
	defaultMaxTurns = 4
	defaultFallback = "I executed tools but didn't get a final message. Please try again."
	// NoContent replaces an empty final message.
	NoContent = "(no content)"
	// DeveloperHint is appended to the system prompt in developer mode.
	DeveloperHint = "Developer mode is ON: you may provide more technical details."
)

// State is the terminal state of a handled message.
type State string

const (
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateCommand State = "command"
)

// Reply is the answer to one inbound message.
type Reply struct {
	InvocationID string   `json:"invocation_id,omitempty"`
	State        State    `json:"state"`
	Text         string   `json:"text"`
	Chunks       []string `json:"chunks"`
	Reason       string   `json:"reason,omitempty"`
	Rounds       int      `json:"rounds"`
}

// Orchestrator runs invocations. It holds no per-session state; callers must
// not run two invocations for the same session at once (see Dispatcher).
type Orchestrator struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	store        session.Store
	router       *tools.Router
	protocol     Protocol
	instructions string
	maxTurns     int
	fallback     string
	chunkSize    int
}

// Option defines a functional option for Orchestrator
type Option func(*Orchestrator)

// WithInstructions sets the base system prompt
func WithInstructions(s string) Option {
	return func(o *Orchestrator) {
		o.instructions = s
	}
}

// WithMaxTurns sets the ceiling on tool round trips per invocation
func WithMaxTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithFallback sets the caller-facing message of a failed invocation
func WithFallback(s string) Option {
	return func(o *Orchestrator) {
		if s != "" {
			o.fallback = s
		}
	}
}

// WithChunkSize sets the size replies are split at
func WithChunkSize(n int) Option {
	return func(o *Orchestrator) {
		o.chunkSize = n
	}
}

// WithMetrics records invocation outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// NewOrchestrator creates an orchestrator over the given protocol.
func NewOrchestrator(logger *zap.Logger, store session.Store, router *tools.Router, protocol Protocol, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:    logger.Named("orchestrator"),
		store:     store,
		router:    router,
		protocol:  protocol,
		maxTurns:  defaultMaxTurns,
		fallback:  defaultFallback,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle answers one user message. Slash commands are handled locally;
// anything else runs an invocation. Handle always returns a reply: failures
// are reported through its State and Reason.
func (o *Orchestrator) Handle(ctx context.Context, sessionID, text string) Reply {
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return o.command(ctx, sessionID, text)
	}

	start := time.Now()
	inv := &Invocation{
		ID:     uuid.NewString(),
		Text:   text,
		Render: o.router.Render,
	}
	logger := o.logger.With(
		zap.String("invocation_id", inv.ID),
		zap.String("session_id", sessionID),
		zap.String("protocol", o.protocol.Name()),
	)

	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		logger.Error("Failed to load session", zap.Error(err))
		return o.reply(inv, StateFailed, ReasonSession, o.fallback)
	}
	inv.Session = sess
	inv.System = o.systemPrompt(sess.DeveloperMode)
	inv.Tools = o.router.Enabled(sess.DeveloperMode)
	sess.Append(types.Turn{Role: types.RoleUser, Content: text})

	reply := o.run(ctx, logger, inv)

	if err := o.store.Save(ctx, sess); err != nil {
		logger.Error("Failed to save session", zap.Error(err))
	}

	o.metrics.ObserveInvocation(o.protocol.Name(), string(reply.State), reply.Reason, reply.Rounds)
	logger.Info("Invocation finished",
		zap.String("state", string(reply.State)),
		zap.String("reason", reply.Reason),
		zap.Int("rounds", reply.Rounds),
		zap.Duration("duration", time.Since(start)),
	)
	return reply
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, inv *Invocation) Reply {
	for {
		step, err := o.protocol.Advance(ctx, inv)
		if err != nil {
			logger.Error("Backend request failed", zap.Error(err))
			return o.fail(ctx, inv, ReasonBackend)
		}

		switch step.Kind {
		case StepDone:
			content := step.Content
			if strings.TrimSpace(content) == "" {
				content = NoContent
			}
			inv.Session.Append(types.Turn{Role: types.RoleAssistant, Content: content})
			return o.reply(inv, StateDone, "", content)

		case StepFailed:
			logger.Warn("Invocation failed", zap.String("reason", step.Reason))
			return o.fail(ctx, inv, step.Reason)

		case StepNeedsTools:
			if err := checkCallIDs(step.Calls); err != nil {
				logger.Warn("Backend sent invalid tool calls", zap.Error(err))
				return o.fail(ctx, inv, ReasonProtocol)
			}
			if inv.Rounds >= o.maxTurns {
				logger.Warn("Turn limit reached", zap.Int("max_turns", o.maxTurns))
				return o.fail(ctx, inv, ReasonTurnLimit)
			}
			inv.Rounds++

			names := make([]string, len(step.Calls))
			for i, c := range step.Calls {
				names[i] = c.Name
			}
			logger.Info("Dispatching tool calls", zap.Int("round", inv.Rounds), zap.Strings("tools", names))

			results := o.router.DispatchBatch(ctx, step.Calls, inv.Session.DeveloperMode)
			if err := o.protocol.Deliver(ctx, inv, step, results); err != nil {
				logger.Error("Failed to deliver tool results", zap.Error(err))
				return o.fail(ctx, inv, ReasonBackend)
			}

		default:
			return o.fail(ctx, inv, fmt.Sprintf("unexpected step %v", step.Kind))
		}
	}
}

// fail appends the fallback turn and releases backend side work. History
// recorded before the failure is kept.
func (o *Orchestrator) fail(ctx context.Context, inv *Invocation, reason string) Reply {
	if a, ok := o.protocol.(aborter); ok {
		a.Abort(ctx, inv)
	}
	inv.Session.Append(types.Turn{Role: types.RoleAssistant, Content: o.fallback})
	return o.reply(inv, StateFailed, reason, o.fallback)
}

func (o *Orchestrator) reply(inv *Invocation, state State, reason, text string) Reply {
	return Reply{
		InvocationID: inv.ID,
		State:        state,
		Text:         text,
		Chunks:       Split(text, o.chunkSize),
		Reason:       reason,
		Rounds:       inv.Rounds,
	}
}

func (o *Orchestrator) systemPrompt(developerMode bool) string {
	if !developerMode {
		return o.instructions
	}
	if o.instructions == "" {
		return DeveloperHint
	}
	return o.instructions + " " + DeveloperHint
}

// checkCallIDs rejects batches with empty or repeated call ids; results
// could not be matched back to their calls.
func checkCallIDs(calls []types.ToolCall) error {
	seen := make(map[string]struct{}, len(calls))
	for _, c := range calls {
		if c.ID == "" {
			return fmt.Errorf("tool call %q has no id", c.Name)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate tool call id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if len(calls) == 0 {
		return errors.New("empty tool call batch")
	}
	return nil
}
