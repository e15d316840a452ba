package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/wotbot/metrics"
	"github.com/isdmx/wotbot/types"
)

const (
	defaultMemoryPoll = 50 * time.Millisecond
	workerWaitDelay   = time.Second
	// Room for JSON escaping of a worker response on top of its bounded
	// streams.
	responseOverhead = 64 * 1024
	stderrTail       = 500
	containerOOMExit = 137
)

// Config holds configuration for the isolated executor
type Config struct {
	Limits Limits
	// MemoryPoll is the interval of the resident-memory watchdog.
	MemoryPoll time.Duration
	// Languages maps each enabled language to its interpreter. JavaScript
	// runs inside the worker and ignores the interpreter.
	Languages map[string]string
}

type runtimeInfo struct {
	interpreter string
	err         error
}

// IsolatedExecutor implements SandboxExecutor by running every script in a
// fresh worker process with kernel resource limits and a watchdog.
type IsolatedExecutor struct {
	logger   *zap.Logger
	config   *Config
	launcher Launcher
	metrics  *metrics.Metrics
	runtimes map[string]runtimeInfo
}

// ExecutorOption defines a functional option for IsolatedExecutor
type ExecutorOption func(*IsolatedExecutor)

// WithLauncher sets the Launcher used to start workers
func WithLauncher(launcher Launcher) ExecutorOption {
	return func(e *IsolatedExecutor) {
		e.launcher = launcher
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *IsolatedExecutor) {
		e.metrics = m
	}
}

// NewIsolatedExecutor creates an executor. Without WithLauncher workers are
// started as child processes of the current binary.
func NewIsolatedExecutor(logger *zap.Logger, config *Config, opts ...ExecutorOption) (*IsolatedExecutor, error) {
	e := &IsolatedExecutor{
		logger: logger,
		config: config,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.launcher == nil {
		launcher, err := NewProcessLauncher()
		if err != nil {
			return nil, err
		}
		e.launcher = launcher
	}

	e.runtimes = make(map[string]runtimeInfo, len(config.Languages))
	for language, interpreter := range config.Languages {
		resolved, err := e.launcher.Resolve(language, interpreter)
		if err != nil {
			logger.Warn("language runtime unavailable",
				zap.String("language", language),
				zap.String("backend", e.launcher.Name()),
				zap.Error(err))
		}
		e.runtimes[language] = runtimeInfo{interpreter: resolved, err: err}
	}
	return e, nil
}

// Languages returns the languages that can currently be executed.
func (e *IsolatedExecutor) Languages() []string {
	out := make([]string, 0, len(e.runtimes))
	for language, rt := range e.runtimes {
		if rt.err == nil {
			out = append(out, language)
		}
	}
	slices.Sort(out)
	return out
}

// Execute runs one script. It never returns a Go error: every failure is
// classified into the result's Outcome.
func (e *IsolatedExecutor) Execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	start := time.Now()
	result := e.execute(ctx, req)
	result.Language = req.Language
	result.Duration = time.Since(start)

	e.metrics.ObserveSandbox(req.Language, string(result.Outcome), result.Duration)

	fields := []zap.Field{
		zap.String("language", req.Language),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", result.Duration),
	}
	if result.Outcome == types.OutcomeSuccess {
		e.logger.Debug("sandbox execution finished", fields...)
	} else {
		e.logger.Info("sandbox execution failed",
			append(fields, zap.String("kind", result.Kind), zap.String("reason", result.Reason))...)
	}
	return result
}

func (e *IsolatedExecutor) execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	rt, ok := e.runtimes[req.Language]
	if !ok || rt.err != nil {
		reason := "unsupported language: " + req.Language
		if ok {
			reason += " (" + rt.err.Error() + ")"
		}
		return ExecuteResult{Outcome: types.OutcomeDenied, Kind: KindUnsupportedLanguage, Reason: reason}
	}

	if err := ctx.Err(); err != nil {
		return ExecuteResult{Outcome: types.OutcomeExecutionError, Kind: KindCancelled, Reason: "execution cancelled"}
	}

	limits := e.limits(req)
	allowed := limits.AllowedImports[req.Language]
	if err := Precheck(ctx, req.Language, req.Code, allowed); err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			return ExecuteResult{Outcome: types.OutcomeDenied, Kind: denied.Kind, Reason: denied.Error()}
		}
		return ExecuteResult{Outcome: types.OutcomeDenied, Kind: KindSyntax, Reason: err.Error()}
	}

	payload, err := json.Marshal(workerRequest{
		Source:         req.Code,
		AllowedImports: allowed,
		MaxOutputBytes: limits.MaxOutputBytes,
		TimeoutMS:      limits.Timeout.Milliseconds(),
	})
	if err != nil {
		return spawnFailure(fmt.Errorf("encode worker request: %w", err))
	}

	proc, err := e.launcher.Prepare(WorkerSpec{
		Language:    req.Language,
		Interpreter: rt.interpreter,
		MemoryBytes: limits.MemoryBytes,
		CPUSeconds:  cpuSeconds(limits.Timeout),
	})
	if err != nil {
		return spawnFailure(err)
	}
	defer proc.Cleanup()

	var stdoutCap int
	if limits.MaxOutputBytes > 0 {
		stdoutCap = 8*limits.MaxOutputBytes + responseOverhead
	}
	stdout := newBoundedBuffer(stdoutCap)
	stderr := newBoundedBuffer(stderrTail)
	proc.Cmd.Stdin = bytes.NewReader(payload)
	proc.Cmd.Stdout = stdout
	proc.Cmd.Stderr = stderr
	proc.Cmd.WaitDelay = workerWaitDelay

	if err := proc.Cmd.Start(); err != nil {
		return spawnFailure(err)
	}

	v, waitErr := e.watch(ctx, proc, limits.Timeout, limits.MemoryBytes)

	exitCode := -1
	if proc.Cmd.ProcessState != nil {
		exitCode = proc.Cmd.ProcessState.ExitCode()
	}
	return classify(v, waitErr, exitCode, stdout, stderr, limits)
}

func classify(v verdict, waitErr error, exitCode int, stdout, stderr *boundedBuffer, limits Limits) ExecuteResult {
	switch v {
	case verdictTimeout:
		return ExecuteResult{
			Outcome:  types.OutcomeTimeout,
			Kind:     KindTimeout,
			Reason:   fmt.Sprintf("execution exceeded the %s time limit", limits.Timeout),
			ExitCode: exitCode,
		}
	case verdictMemory:
		return memoryFailure(limits, exitCode)
	case verdictCancelled:
		return ExecuteResult{Outcome: types.OutcomeExecutionError, Kind: KindCancelled, Reason: "execution cancelled", ExitCode: exitCode}
	}

	if sig, ok := signalOf(waitErr); ok {
		switch sig {
		case KindCPULimit:
			return ExecuteResult{
				Outcome:  types.OutcomeTimeout,
				Kind:     KindCPULimit,
				Reason:   "execution exceeded its CPU time limit",
				ExitCode: exitCode,
			}
		case "SIGKILL":
			return memoryFailure(limits, exitCode)
		default:
			return ExecuteResult{
				Outcome:  types.OutcomeExecutionError,
				Kind:     KindWorker,
				Reason:   "worker terminated by " + sig,
				ExitCode: exitCode,
			}
		}
	}
	if exitCode == containerOOMExit {
		return memoryFailure(limits, exitCode)
	}

	if stdout.Overflowed() {
		return ExecuteResult{Outcome: types.OutcomeExecutionError, Kind: KindWorker, Reason: "worker response exceeded its bound", ExitCode: exitCode}
	}
	resp, err := decodeResponse([]byte(stdout.Text()))
	if err != nil {
		reason := err.Error()
		if tail := stderr.Text(); tail != "" {
			reason += ": " + tail
		}
		return ExecuteResult{Outcome: types.OutcomeExecutionError, Kind: KindWorker, Reason: reason, ExitCode: exitCode}
	}

	result := ExecuteResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Value:    resp.Result,
		ExitCode: exitCode,
	}
	if resp.Status == statusOK {
		result.Outcome = types.OutcomeSuccess
		return result
	}

	result.Kind = resp.ErrorKind
	switch resp.ErrorKind {
	case KindTimeout:
		result.Outcome = types.OutcomeTimeout
		result.Reason = fmt.Sprintf("execution exceeded the %s time limit", limits.Timeout)
	case KindMemoryLimit:
		result.Outcome = types.OutcomeExecutionError
		result.Reason = memoryFailure(limits, exitCode).Reason
	case KindUnsupportedLanguage:
		result.Outcome = types.OutcomeDenied
		result.Reason = resp.Error
	default:
		result.Outcome = types.OutcomeExecutionError
		result.Reason = resp.ErrorKind + ": " + resp.Error
	}
	return result
}

func memoryFailure(limits Limits, exitCode int) ExecuteResult {
	return ExecuteResult{
		Outcome:  types.OutcomeExecutionError,
		Kind:     KindMemoryLimit,
		Reason:   fmt.Sprintf("execution exceeded the %d MB memory limit", limits.MemoryBytes/BytesPerMB),
		ExitCode: exitCode,
	}
}

func spawnFailure(err error) ExecuteResult {
	return ExecuteResult{
		Outcome:  types.OutcomeExecutionError,
		Kind:     KindSpawn,
		Reason:   "failed to start worker: " + err.Error(),
		ExitCode: -1,
	}
}

// limits merges per-request overrides over the configured limits.
func (e *IsolatedExecutor) limits(req ExecuteRequest) Limits {
	base := e.config.Limits
	if req.Limits == nil {
		return base
	}
	l := *req.Limits
	if l.Timeout <= 0 {
		l.Timeout = base.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = base.MemoryBytes
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = base.MaxOutputBytes
	}
	if l.AllowedImports == nil {
		l.AllowedImports = base.AllowedImports
	}
	return l
}

func (e *IsolatedExecutor) memoryPoll() time.Duration {
	if e.config.MemoryPoll > 0 {
		return e.config.MemoryPoll
	}
	return defaultMemoryPoll
}

// cpuSeconds is the CPU-time rlimit for a wall-clock timeout. It is a
// backstop; the watchdog normally fires first.
func cpuSeconds(timeout time.Duration) int {
	return int(math.Ceil(timeout.Seconds())) + 1
}
