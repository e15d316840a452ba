package tools

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/wotbot/metrics"
	"github.com/isdmx/wotbot/types"
)

const (
	defaultConcurrency = 4
	// Failure messages are forwarded to the backend and are kept short.
	defaultMaxMessageBytes = 1000
	defaultMaxOutputBytes  = 4000
)

// Router holds registered tools and dispatches calls to them. It is the
// isolation boundary between a single tool's failure and the orchestration.
type Router struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	tools map[string]Descriptor

	// enabled is nil when every tool is enabled.
	enabled         map[string]bool
	developerOnly   map[string]bool
	concurrency     int
	maxOutputBytes  int
	maxMessageBytes int
}

// RouterOption defines a functional option for Router
type RouterOption func(*Router)

// WithEnabled limits the exposed tools to names. "*" enables everything.
func WithEnabled(names []string) RouterOption {
	return func(r *Router) {
		if slices.Contains(names, "*") {
			r.enabled = nil
			return
		}
		r.enabled = make(map[string]bool, len(names))
		for _, n := range names {
			r.enabled[n] = true
		}
	}
}

// WithDeveloperOnly marks tools that are only exposed in developer mode
func WithDeveloperOnly(names []string) RouterOption {
	return func(r *Router) {
		r.developerOnly = make(map[string]bool, len(names))
		for _, n := range names {
			r.developerOnly[n] = true
		}
	}
}

// WithConcurrency bounds the number of calls of one batch run at once
func WithConcurrency(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMaxOutputBytes bounds rendered tool results
func WithMaxOutputBytes(n int) RouterOption {
	return func(r *Router) {
		r.maxOutputBytes = n
	}
}

// WithRouterMetrics sets the metrics recorder
func WithRouterMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger, opts ...RouterOption) *Router {
	r := &Router{
		logger:          logger,
		tools:           make(map[string]Descriptor),
		concurrency:     defaultConcurrency,
		maxOutputBytes:  defaultMaxOutputBytes,
		maxMessageBytes: defaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates d and adds it, replacing any tool of the same name.
func (r *Router) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	_, replaced := r.tools[d.Name]
	r.tools[d.Name] = d
	r.mu.Unlock()

	r.logger.Debug("tool registered", zap.String("tool", d.Name), zap.Bool("replaced", replaced))
	return nil
}

// Lookup returns the registered tool called name.
func (r *Router) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Enabled returns the tools exposed to the backend, sorted by name. The
// registry itself is not modified.
func (r *Router) Enabled(developerMode bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for name, d := range r.tools {
		if r.isEnabled(name, developerMode) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (r *Router) isEnabled(name string, developerMode bool) bool {
	if r.enabled != nil && !r.enabled[name] {
		return false
	}
	return developerMode || !r.developerOnly[name]
}

// Render encodes a result for the backend within the configured bound.
func (r *Router) Render(res types.ToolResult) string {
	return res.Render(r.maxOutputBytes)
}

// Dispatch validates and runs one call. It never panics and never returns
// a Go error: every failure is reported through the result's Outcome.
func (r *Router) Dispatch(ctx context.Context, call types.ToolCall, developerMode bool) types.ToolResult {
	start := time.Now()
	res := r.dispatch(ctx, call, developerMode)
	res.CallID = call.ID
	res.Name = call.Name
	res.Duration = time.Since(start)
	if !res.OK() {
		res.Message = types.Truncate(res.Message, r.maxMessageBytes)
	}

	r.metrics.ObserveTool(call.Name, string(res.Outcome), res.Duration)
	r.logger.Debug("tool dispatched",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration))
	return res
}

func (r *Router) dispatch(ctx context.Context, call types.ToolCall, developerMode bool) types.ToolResult {
	d, ok := r.Lookup(call.Name)
	if !ok {
		return failed(ValidationError("unknown tool: %s", call.Name))
	}
	if !r.isEnabled(call.Name, developerMode) {
		return failed(ValidationError("tool not enabled: %s", call.Name))
	}
	if call.ArgumentsError != "" {
		return failed(ValidationError("unparseable arguments: %s", call.ArgumentsError))
	}

	args, err := coerceArgs(d.Params, call.Arguments)
	if err != nil {
		return failed(err)
	}

	payload, err := r.invoke(ctx, d, args)
	if err != nil {
		return failed(err)
	}
	return types.ToolResult{Outcome: types.OutcomeSuccess, Payload: payload}
}

// invoke runs the handler, converting a panic into an execution failure.
func (r *Router) invoke(ctx context.Context, d Descriptor, args Args) (payload any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", zap.String("tool", d.Name), zap.Any("panic", p))
			err = &Error{Outcome: types.OutcomeExecutionError, Kind: "panic", Message: fmt.Sprintf("tool %s failed: %v", d.Name, p)}
		}
	}()
	return d.Handler.Call(ctx, args)
}

func failed(err error) types.ToolResult {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		outcome := toolErr.Outcome
		if outcome == "" || outcome == types.OutcomeSuccess {
			outcome = types.OutcomeExecutionError
		}
		return types.ToolResult{Outcome: outcome, Kind: toolErr.Kind, Message: toolErr.Message}
	}
	return types.ToolResult{Outcome: types.OutcomeExecutionError, Kind: "error", Message: err.Error()}
}

// DispatchBatch runs every call of one backend turn concurrently and
// returns exactly one result per call, in request order.
func (r *Router) DispatchBatch(ctx context.Context, calls []types.ToolCall, developerMode bool) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.Dispatch(ctx, call, developerMode)
			return nil
		})
	}
	_ = g.Wait()

	return results
}
