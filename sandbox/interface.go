package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/isdmx/wotbot/types"
)

// ExecuteRequest represents the parameters for code execution
type ExecuteRequest struct {
	Language string
	Code     string
	// Limits overrides the executor's process-wide limits when set.
	Limits *Limits
}

// ExecuteResult represents the result of code execution
type ExecuteResult struct {
	Language string
	Outcome  types.Outcome
	Stdout   string
	Stderr   string
	// Value is the rendered value of the trailing expression, if any.
	Value string
	// Reason explains a non-success outcome.
	Reason   string
	Kind     string
	ExitCode int
	Duration time.Duration
}

// SandboxExecutor defines the interface for sandbox execution
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) ExecuteResult
}

// Limits bounds a single execution.
type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	MaxOutputBytes int
	// AllowedImports maps a language to the module roots its scripts may import.
	AllowedImports map[string][]string
}

// LanguageName constants
const (
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
)

// Failure kinds reported in ExecuteResult.Kind
const (
	KindUnsupportedLanguage = "unsupported_language"
	KindSyntax              = "syntax"
	KindImport              = "import"
	KindBuiltin             = "builtin"
	KindAttribute           = "attribute"
	KindTimeout             = "timeout"
	KindCPULimit            = "cpu_limit"
	KindMemoryLimit         = "memory_limit"
	KindCancelled           = "cancelled"
	KindSpawn               = "spawn"
	KindWorker              = "worker"
)

// BytesPerMB converts configured megabytes to bytes.
const BytesPerMB = 1024 * 1024

// DeniedError is returned by Precheck when a script is rejected before it runs.
type DeniedError struct {
	Kind   string
	Detail string
	// Module is the offending import, when Kind is KindImport.
	Module string
	Line   int
}

func (e *DeniedError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d)", e.Detail, e.Line)
	}
	return e.Detail
}

// IsDenied reports whether err is a pre-check rejection.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines the file system operations the executor needs
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
