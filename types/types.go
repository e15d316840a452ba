// Package types holds the data contracts shared by the sandbox, the tool
// router and the conversation orchestrator.
package types

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the AI backend.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// RawArguments is the argument text exactly as the backend sent it.
	RawArguments string `json:"raw_arguments,omitempty"`
	// ArgumentsError is set when RawArguments could not be decoded.
	ArgumentsError string `json:"arguments_error,omitempty"`
}

// Turn is one role-tagged unit of conversation history.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Outcome classifies a tool or sandbox result.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeExecutionError  Outcome = "execution_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeDenied          Outcome = "denied"
)

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Payload  any           `json:"payload,omitempty"`
	Message  string        `json:"message,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the call succeeded.
func (r ToolResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Render encodes the result as the JSON document handed back to the
// backend, bounded to max bytes (max <= 0 means unbounded).
func (r ToolResult) Render(max int) string {
	doc := map[string]any{"ok": r.OK()}
	if r.OK() {
		doc["result"] = r.Payload
	} else {
		doc["outcome"] = r.Outcome
		doc["error"] = r.Message
		if r.Kind != "" {
			doc["kind"] = r.Kind
		}
	}
	if r.Duration > 0 {
		doc["duration_ms"] = r.Duration.Milliseconds()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		data, _ = json.Marshal(map[string]any{
			"ok":      false,
			"outcome": OutcomeExecutionError,
			"error":   fmt.Sprintf("unencodable tool payload: %v", err),
		})
	}
	return Truncate(string(data), max)
}

// TruncationMarker is appended to text cut by Truncate.
const TruncationMarker = "\n...[truncated %d bytes]"

// Truncate cuts s to at most max bytes on a UTF-8 boundary and appends a
// marker naming the number of dropped bytes. The marker is not counted
// against max. max <= 0 disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf(TruncationMarker, len(s)-cut)
}
