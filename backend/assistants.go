package backend

import (
	"context"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/tools"
)

// messageScanLimit bounds how many recent thread messages FinalMessage reads.
const messageScanLimit = 20

// OpenAIRuns implements RunClient over the assistants API.
type OpenAIRuns struct {
	client       *openai.Client
	logger       *zap.Logger
	model        string
	name         string
	instructions string

	mu          sync.Mutex
	assistantID string
}

// NewOpenAIRuns creates a run client. A configured assistant id is used as
// is; otherwise one is created on first use.
func NewOpenAIRuns(logger *zap.Logger, client *openai.Client, cfg config.BackendConfig) *OpenAIRuns {
	return &OpenAIRuns{
		client:       client,
		logger:       logger.Named("assistants"),
		model:        cfg.Model,
		name:         cfg.AssistantName,
		instructions: cfg.Instructions,
		assistantID:  cfg.AssistantID,
	}
}

func (r *OpenAIRuns) EnsureAssistant(ctx context.Context, descriptors []tools.Descriptor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assistantID != "" {
		return r.assistantID, nil
	}

	assistantTools := make([]openai.AssistantTool, 0, len(descriptors))
	for _, d := range descriptors {
		assistantTools = append(assistantTools, openai.AssistantTool{
			Type:     openai.AssistantToolTypeFunction,
			Function: functionDefinition(d),
		})
	}

	asst, err := r.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        r.model,
		Name:         &r.name,
		Instructions: &r.instructions,
		Tools:        assistantTools,
	})
	if err != nil {
		return "", wrapErr("create assistant", err)
	}
	r.assistantID = asst.ID
	r.logger.Info("Created assistant", zap.String("assistant_id", asst.ID), zap.Int("tools", len(assistantTools)))
	return asst.ID, nil
}

func (r *OpenAIRuns) CreateThread(ctx context.Context) (string, error) {
	thread, err := r.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", wrapErr("create thread", err)
	}
	return thread.ID, nil
}

func (r *OpenAIRuns) AddMessage(ctx context.Context, threadID, text string) error {
	_, err := r.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	if err != nil {
		return wrapErr("add message", err)
	}
	return nil
}

func (r *OpenAIRuns) CreateRun(ctx context.Context, threadID, assistantID, instructions string, descriptors []tools.Descriptor) (Run, error) {
	run, err := r.client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID:  assistantID,
		Instructions: instructions,
		Tools:        convertTools(descriptors),
	})
	if err != nil {
		return Run{}, wrapErr("create run", err)
	}
	return convertRun(run), nil
}

func (r *OpenAIRuns) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	run, err := r.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return Run{}, wrapErr("retrieve run", err)
	}
	return convertRun(run), nil
}

func (r *OpenAIRuns) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	req := openai.SubmitToolOutputsRequest{ToolOutputs: make([]openai.ToolOutput, 0, len(outputs))}
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{ToolCallID: o.CallID, Output: o.Output})
	}

	run, err := r.client.SubmitToolOutputs(ctx, threadID, runID, req)
	if err != nil {
		return Run{}, wrapErr("submit tool outputs", err)
	}
	return convertRun(run), nil
}

func (r *OpenAIRuns) CancelRun(ctx context.Context, threadID, runID string) error {
	if _, err := r.client.CancelRun(ctx, threadID, runID); err != nil {
		return wrapErr("cancel run", err)
	}
	return nil
}

// FinalMessage joins the text parts of the newest assistant message written
// by the run.
func (r *OpenAIRuns) FinalMessage(ctx context.Context, threadID, runID string) (string, error) {
	limit := messageScanLimit
	order := "desc"
	list, err := r.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", wrapErr("list messages", err)
	}

	for _, m := range list.Messages {
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if m.RunID != nil && *m.RunID != runID {
			continue
		}
		var parts []string
		for _, c := range m.Content {
			if c.Type == "text" && c.Text != nil {
				parts = append(parts, c.Text.Value)
			}
		}
		if text := strings.TrimSpace(strings.Join(parts, "\n")); text != "" {
			return text, nil
		}
	}
	return "", nil
}

func convertRun(run openai.Run) Run {
	out := Run{
		ID:       run.ID,
		ThreadID: run.ThreadID,
		Status:   RunStatus(run.Status),
	}
	if run.RequiredAction != nil && run.RequiredAction.SubmitToolOutputs != nil {
		out.PendingCalls = convertCalls(run.RequiredAction.SubmitToolOutputs.ToolCalls, false)
	}
	if run.LastError != nil {
		out.LastError = run.LastError.Message
	}
	return out
}
