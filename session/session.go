// Package session holds per-conversation state: the ordered turn history,
// the mode flag and the backend thread of the stateful protocol.
package session

import (
	"context"
	"slices"
	"time"

	"github.com/isdmx/wotbot/types"
)

// Context is the state of one conversation. It is owned by at most one
// orchestrator invocation at a time.
type Context struct {
	ID            string       `json:"id"`
	Turns         []types.Turn `json:"turns"`
	DeveloperMode bool         `json:"developer_mode"`
	// ThreadID is the backend thread bound to this session by the stateful
	// protocol.
	ThreadID  string    `json:"thread_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty session.
func New(id string) *Context {
	return &Context{ID: id}
}

// Append adds turns in chronological order, stamping any without a time.
func (c *Context) Append(turns ...types.Turn) {
	now := time.Now()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		c.Turns = append(c.Turns, t)
	}
	c.UpdatedAt = now
}

// Reset forgets the conversation but keeps the mode flag.
func (c *Context) Reset() {
	c.Turns = nil
	c.ThreadID = ""
	c.UpdatedAt = time.Now()
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	out := *c
	out.Turns = make([]types.Turn, len(c.Turns))
	for i, t := range c.Turns {
		t.ToolCalls = slices.Clone(t.ToolCalls)
		out.Turns[i] = t
	}
	return &out
}

// Window returns at most the last n turns for a backend request. The start
// is moved back so tool turns stay with the assistant turn that requested
// them.
func (c *Context) Window(n int) []types.Turn {
	if n <= 0 || len(c.Turns) <= n {
		return slices.Clone(c.Turns)
	}
	start := len(c.Turns) - n
	for start > 0 && c.Turns[start].Role == types.RoleTool {
		start--
	}
	return slices.Clone(c.Turns[start:])
}

// Trim keeps at most max turns. The start is moved forward past tool turns
// whose requesting assistant turn was dropped.
func Trim(turns []types.Turn, max int) []types.Turn {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	start := len(turns) - max
	for start < len(turns) && turns[start].Role == types.RoleTool {
		start++
	}
	return slices.Clone(turns[start:])
}

// Store loads and saves sessions. An orchestrator invocation loads once at
// the start and saves once at its terminal state.
type Store interface {
	// Load returns the session called id, or a new empty one.
	Load(ctx context.Context, id string) (*Context, error)
	Save(ctx context.Context, c *Context) error
}
