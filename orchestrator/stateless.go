package orchestrator

import (
	"context"

	"github.com/isdmx/wotbot/backend"
	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/types"
)

// StatelessProtocol drives a chat completions backend. The whole history
// window is sent on every call and tool results are kept locally.
type StatelessProtocol struct {
	client       backend.ChatClient
	historyTurns int
}

// NewStatelessProtocol creates the chat protocol. historyTurns bounds the
// history sent per request; zero sends everything.
func NewStatelessProtocol(client backend.ChatClient, historyTurns int) *StatelessProtocol {
	return &StatelessProtocol{client: client, historyTurns: historyTurns}
}

func (p *StatelessProtocol) Name() string {
	return config.ProtocolChat
}

func (p *StatelessProtocol) Advance(ctx context.Context, inv *Invocation) (Step, error) {
	reply, err := p.client.Complete(ctx, backend.Request{
		System: inv.System,
		Turns:  inv.Session.Window(p.historyTurns),
		Tools:  inv.Tools,
	})
	if err != nil {
		return Step{}, err
	}
	if reply.HasToolCalls() {
		return Step{Kind: StepNeedsTools, Content: reply.Content, Calls: reply.ToolCalls}, nil
	}
	return Step{Kind: StepDone, Content: reply.Content}, nil
}

// Deliver appends the assistant tool-call turn and one tool turn per result
// in a single step, so the pairing survives any later failure.
func (p *StatelessProtocol) Deliver(_ context.Context, inv *Invocation, step Step, results []types.ToolResult) error {
	turns := make([]types.Turn, 0, len(results)+1)
	turns = append(turns, types.Turn{
		Role:      types.RoleAssistant,
		Content:   step.Content,
		ToolCalls: step.Calls,
	})
	for _, res := range results {
		turns = append(turns, types.Turn{
			Role:       types.RoleTool,
			Content:    inv.Render(res),
			ToolCallID: res.CallID,
			Name:       res.Name,
		})
	}
	inv.Session.Append(turns...)
	return nil
}
