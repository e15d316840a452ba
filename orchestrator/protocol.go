package orchestrator

import (
	"context"

	"github.com/isdmx/wotbot/session"
	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

// StepKind is the outcome of one protocol advance.
type StepKind int

const (
	StepDone StepKind = iota
	StepFailed
	StepNeedsTools
)

func (k StepKind) String() string {
	switch k {
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	case StepNeedsTools:
		return "needs_tools"
	}
	return "unknown"
}

// Step is what the backend asked for next.
type Step struct {
	Kind StepKind
	// Content is the final message on StepDone, and any text sent along
	// with the tool calls on StepNeedsTools.
	Content string
	// Reason explains StepFailed.
	Reason string
	Calls  []types.ToolCall
}

// Invocation is the state of one orchestrator run over a session.
type Invocation struct {
	ID      string
	Session *session.Context
	// Text is the user message that started the invocation.
	Text   string
	System string
	Tools  []tools.Descriptor
	// Rounds counts completed tool round trips.
	Rounds int
	// Render encodes a tool result for the backend.
	Render func(types.ToolResult) string

	runID     string
	runActive bool
	submitted map[string]bool
}

// Protocol is one way of driving the AI backend. Advance asks the backend
// for its next step; Deliver hands back the results of a StepNeedsTools.
type Protocol interface {
	Name() string
	Advance(ctx context.Context, inv *Invocation) (Step, error)
	Deliver(ctx context.Context, inv *Invocation, step Step, results []types.ToolResult) error
}

// aborter is implemented by protocols holding backend side work that must be
// released when an invocation fails.
type aborter interface {
	Abort(ctx context.Context, inv *Invocation)
}
