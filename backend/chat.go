package backend

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
)

// OpenAIChat implements ChatClient over the chat completions API.
type OpenAIChat struct {
	client      *openai.Client
	logger      *zap.Logger
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIChat creates a chat client.
func NewOpenAIChat(logger *zap.Logger, client *openai.Client, cfg config.BackendConfig) *OpenAIChat {
	return &OpenAIChat{
		client:      client,
		logger:      logger.Named("chat"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Complete sends the system prompt, history and tools in one request.
func (c *OpenAIChat) Complete(ctx context.Context, req Request) (Reply, error) {
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    convertMessages(req.System, req.Turns),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(req.Tools) > 0 {
		request.Tools = convertTools(req.Tools)
		request.ToolChoice = "auto"
	}

	c.logger.Debug("Sending chat completion",
		zap.String("model", c.model),
		zap.Int("messages", len(request.Messages)),
		zap.Int("tools", len(request.Tools)),
	)

	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return Reply{}, wrapErr("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, &Error{Op: "chat completion", Err: errors.New("no choices in response")}
	}

	choice := resp.Choices[0]
	reply := Reply{
		Content:      choice.Message.Content,
		ToolCalls:    convertCalls(choice.Message.ToolCalls, true),
		FinishReason: string(choice.FinishReason),
	}
	c.logger.Debug("Chat completion received",
		zap.String("finish_reason", reply.FinishReason),
		zap.Int("tool_calls", len(reply.ToolCalls)),
	)
	return reply, nil
}
