// Package backend talks to the conversational AI service. It exposes the two
// protocol shapes the orchestrator drives: a stateless chat client that
// answers one request at a time, and a stateful run client built on
// assistants, threads and runs.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

// ErrBackend marks every transport or protocol failure talking to the AI
// service.
var ErrBackend = errors.New("backend error")

// Error describes a failed backend operation.
type Error struct {
	Op string
	// Status is the HTTP status code, zero when the request never got one.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every Error match ErrBackend.
func (e *Error) Is(target error) bool {
	return target == ErrBackend
}

// Request is one stateless completion request.
type Request struct {
	System string
	Turns  []types.Turn
	Tools  []tools.Descriptor
}

// Reply is either a final assistant message or a batch of tool calls.
type Reply struct {
	Content      string
	ToolCalls    []types.ToolCall
	FinishReason string
}

// HasToolCalls reports whether the backend asked for tools.
func (r Reply) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ChatClient is the stateless per-call protocol.
type ChatClient interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

// RunStatus is the lifecycle state of a stateful run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCancelled, RunCompleted, RunFailed, RunExpired, RunIncomplete:
		return true
	}
	return false
}

// Run is a snapshot of a backend run.
type Run struct {
	ID       string
	ThreadID string
	Status   RunStatus
	// PendingCalls is set when Status is requires_action.
	PendingCalls []types.ToolCall
	LastError    string
}

// ToolOutput answers one pending call of a run.
type ToolOutput struct {
	CallID string
	Output string
}

// RunClient is the stateful poll-based protocol.
type RunClient interface {
	// EnsureAssistant returns the configured assistant id, creating an
	// assistant with the given tools on first use.
	EnsureAssistant(ctx context.Context, tools []tools.Descriptor) (string, error)
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	// CreateRun starts a run whose tools override the assistant's own set.
	// An empty list leaves the assistant's tools in place.
	CreateRun(ctx context.Context, threadID, assistantID, instructions string, tools []tools.Descriptor) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	// FinalMessage returns the assistant text produced by the run.
	FinalMessage(ctx context.Context, threadID, runID string) (string, error)
}
