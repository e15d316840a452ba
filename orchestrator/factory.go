package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/wotbot/backend"
	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/metrics"
	"github.com/isdmx/wotbot/session"
	"github.com/isdmx/wotbot/tools"
)

// NewProtocol builds the protocol selected by backend.protocol over an
// OpenAI compatible backend.
func NewProtocol(logger *zap.Logger, cfg *config.Config) (Protocol, error) {
	client := backend.NewOpenAIClient(cfg.Backend)

	switch cfg.Backend.Protocol {
	case config.ProtocolChat:
		chat := backend.NewOpenAIChat(logger, client, cfg.Backend)
		return NewStatelessProtocol(chat, cfg.Backend.HistoryTurns), nil
	case config.ProtocolAssistants:
		runs := backend.NewOpenAIRuns(logger, client, cfg.Backend)
		return NewStatefulProtocol(logger, runs, WithPolling(
			time.Duration(cfg.Orchestrator.PollInitialMS)*time.Millisecond,
			time.Duration(cfg.Orchestrator.PollMaxMS)*time.Millisecond,
			time.Duration(cfg.Orchestrator.PollBudgetSec)*time.Second,
		)), nil
	default:
		return nil, fmt.Errorf("unsupported backend protocol: %s", cfg.Backend.Protocol)
	}
}

// NewFromConfig wires an orchestrator with the configured limits.
func NewFromConfig(logger *zap.Logger, cfg *config.Config, store session.Store, router *tools.Router, protocol Protocol, m *metrics.Metrics) *Orchestrator {
	return NewOrchestrator(logger, store, router, protocol,
		WithInstructions(cfg.Backend.Instructions),
		WithMaxTurns(cfg.Orchestrator.MaxTurns),
		WithFallback(cfg.Orchestrator.FallbackMessage),
		WithMetrics(m),
	)
}

// NewDispatcherFromConfig wires a dispatcher with the configured pool size.
func NewDispatcherFromConfig(logger *zap.Logger, cfg *config.Config, handler Handler, m *metrics.Metrics) *Dispatcher {
	return NewDispatcher(logger, handler,
		WithWorkers(cfg.Orchestrator.Workers),
		WithMaxPending(cfg.Orchestrator.MaxPending),
		WithDispatcherMetrics(m),
	)
}
