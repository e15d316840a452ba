package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

// NewOpenAIClient creates an API client for an OpenAI compatible endpoint.
func NewOpenAIClient(cfg config.BackendConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.RequestTimeoutSec > 0 {
		oc.HTTPClient = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second}
	}
	return openai.NewClientWithConfig(oc)
}

func wrapErr(op string, err error) error {
	e := &Error{Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		e.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		e.Status = reqErr.HTTPStatusCode
	}
	return e
}

func functionDefinition(d tools.Descriptor) *openai.FunctionDefinition {
	return &openai.FunctionDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.SchemaMap(),
	}
}

func convertTools(descriptors []tools.Descriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: functionDefinition(d)})
	}
	return out
}

func convertMessages(system string, turns []types.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, t := range turns {
		msg := openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		}
		switch t.Role {
		case types.RoleAssistant:
			for _, call := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: encodeArguments(call),
					},
				})
			}
		case types.RoleTool:
			msg.ToolCallID = t.ToolCallID
		}
		messages = append(messages, msg)
	}
	return messages
}

// encodeArguments returns the argument text to echo back in history. The raw
// text is preferred so the backend sees exactly what it sent.
func encodeArguments(call types.ToolCall) string {
	if call.RawArguments != "" {
		return call.RawArguments
	}
	if len(call.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(call.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// convertCalls maps SDK tool calls. With assignIDs set, calls the backend
// left without an id get a generated one.
func convertCalls(calls []openai.ToolCall, assignIDs bool) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]types.ToolCall, 0, len(calls))
	for _, c := range calls {
		call := types.ToolCall{
			ID:           c.ID,
			Name:         c.Function.Name,
			RawArguments: c.Function.Arguments,
		}
		if call.ID == "" && assignIDs {
			call.ID = "call_" + uuid.NewString()
		}
		call.Arguments, call.ArgumentsError = decodeArguments(c.Function.Arguments)
		out = append(out, call)
	}
	return out
}

// decodeArguments parses the argument JSON of a tool call. Malformed text is
// repaired before it is declared unparseable.
func decodeArguments(raw string) (map[string]any, string) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, ""
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, ""
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Sprintf("invalid JSON: %v", err)
	}
	args = nil
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, "arguments are not a JSON object"
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, ""
}
