package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/backend"
	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/types"
)

const (
	defaultPollInitial = 250 * time.Millisecond
	defaultPollMax     = 2 * time.Second
	defaultPollBudget  = 90 * time.Second
	cancelTimeout      = 10 * time.Second
)

var errRunPending = errors.New("run still pending")

// StatefulProtocol drives an assistants backend. The conversation lives in a
// backend thread bound to the session; each invocation creates one run and
// polls it until it needs tools or ends.
type StatefulProtocol struct {
	client      backend.RunClient
	logger      *zap.Logger
	pollInitial time.Duration
	pollMax     time.Duration
	pollBudget  time.Duration
}

// StatefulOption defines a functional option for StatefulProtocol
type StatefulOption func(*StatefulProtocol)

// WithPolling sets the backoff bounds and the wall clock budget of one poll
// loop.
func WithPolling(initial, max, budget time.Duration) StatefulOption {
	return func(p *StatefulProtocol) {
		if initial > 0 {
			p.pollInitial = initial
		}
		if max > 0 {
			p.pollMax = max
		}
		if budget > 0 {
			p.pollBudget = budget
		}
	}
}

// NewStatefulProtocol creates the assistants protocol.
func NewStatefulProtocol(logger *zap.Logger, client backend.RunClient, opts ...StatefulOption) *StatefulProtocol {
	p := &StatefulProtocol{
		client:      client,
		logger:      logger.Named("stateful"),
		pollInitial: defaultPollInitial,
		pollMax:     defaultPollMax,
		pollBudget:  defaultPollBudget,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *StatefulProtocol) Name() string {
	return config.ProtocolAssistants
}

func (p *StatefulProtocol) Advance(ctx context.Context, inv *Invocation) (Step, error) {
	if inv.runID == "" {
		if err := p.start(ctx, inv); err != nil {
			return Step{}, err
		}
	}

	run, err := p.poll(ctx, inv)
	if errors.Is(err, errRunPending) {
		p.logger.Warn("Run poll budget exhausted",
			zap.String("invocation_id", inv.ID),
			zap.String("run_id", inv.runID),
			zap.String("status", string(run.Status)),
			zap.Duration("budget", p.pollBudget),
		)
		return Step{Kind: StepFailed, Reason: ReasonPollTimeout}, nil
	}
	if err != nil {
		return Step{}, err
	}

	switch run.Status {
	case backend.RunRequiresAction:
		return Step{Kind: StepNeedsTools, Calls: run.PendingCalls}, nil
	case backend.RunCompleted:
		inv.runActive = false
		text, err := p.client.FinalMessage(ctx, inv.Session.ThreadID, inv.runID)
		if err != nil {
			return Step{}, err
		}
		return Step{Kind: StepDone, Content: text}, nil
	default:
		inv.runActive = false
		reason := fmt.Sprintf("run %s", run.Status)
		if run.LastError != "" {
			reason += ": " + run.LastError
		}
		return Step{Kind: StepFailed, Reason: reason}, nil
	}
}

func (p *StatefulProtocol) start(ctx context.Context, inv *Invocation) error {
	assistantID, err := p.client.EnsureAssistant(ctx, inv.Tools)
	if err != nil {
		return err
	}
	if inv.Session.ThreadID == "" {
		threadID, err := p.client.CreateThread(ctx)
		if err != nil {
			return err
		}
		inv.Session.ThreadID = threadID
		p.logger.Debug("Bound thread to session",
			zap.String("session_id", inv.Session.ID),
			zap.String("thread_id", threadID),
		)
	}
	if err := p.client.AddMessage(ctx, inv.Session.ThreadID, inv.Text); err != nil {
		return err
	}

	run, err := p.client.CreateRun(ctx, inv.Session.ThreadID, assistantID, inv.System, inv.Tools)
	if err != nil {
		return err
	}
	inv.runID = run.ID
	inv.runActive = true
	inv.submitted = make(map[string]bool)
	return nil
}

// poll waits with growing delays until the run ends or asks for calls that
// were not answered yet. A requires_action status repeating already
// submitted call ids keeps the loop going.
func (p *StatefulProtocol) poll(ctx context.Context, inv *Invocation) (backend.Run, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.pollInitial
	b.MaxInterval = p.pollMax

	return backoff.Retry(ctx, func() (backend.Run, error) {
		run, err := p.client.GetRun(ctx, inv.Session.ThreadID, inv.runID)
		if err != nil {
			return run, backoff.Permanent(err)
		}
		switch {
		case run.Status == backend.RunRequiresAction && hasUnanswered(run.PendingCalls, inv.submitted):
			return run, nil
		case run.Status.Terminal():
			return run, nil
		}
		return run, errRunPending
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(p.pollBudget))
}

func hasUnanswered(calls []types.ToolCall, submitted map[string]bool) bool {
	for _, c := range calls {
		if !submitted[c.ID] {
			return true
		}
	}
	return false
}

// Deliver submits the results against the run.
func (p *StatefulProtocol) Deliver(ctx context.Context, inv *Invocation, _ Step, results []types.ToolResult) error {
	outputs := make([]backend.ToolOutput, 0, len(results))
	for _, res := range results {
		outputs = append(outputs, backend.ToolOutput{CallID: res.CallID, Output: inv.Render(res)})
	}
	if _, err := p.client.SubmitToolOutputs(ctx, inv.Session.ThreadID, inv.runID, outputs); err != nil {
		return err
	}
	for _, res := range results {
		inv.submitted[res.CallID] = true
	}
	return nil
}

// Abort cancels a run that is still active. Failures are only logged.
func (p *StatefulProtocol) Abort(ctx context.Context, inv *Invocation) {
	if inv.runID == "" || !inv.runActive {
		return
	}
	inv.runActive = false

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := p.client.CancelRun(ctx, inv.Session.ThreadID, inv.runID); err != nil {
		p.logger.Warn("Failed to cancel run",
			zap.String("run_id", inv.runID),
			zap.Error(err),
		)
	}
}
