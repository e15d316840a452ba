package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	containerWorkerPath = "/opt/wotbot/sandbox-worker"
	containerKillWait   = 10 * time.Second
)

// Process is a prepared, not yet started, worker.
type Process struct {
	Cmd *exec.Cmd
	// TrackRSS is set when the worker's pid is visible to the parent, so
	// its resident memory can be polled.
	TrackRSS bool

	kill    func() error
	cleanup func()
}

// Kill forcibly terminates the worker and anything it spawned.
func (p *Process) Kill() error {
	if p.kill == nil {
		return nil
	}
	return p.kill()
}

// Cleanup releases the resources allocated for the worker.
func (p *Process) Cleanup() {
	if p.cleanup != nil {
		p.cleanup()
	}
}

// Launcher prepares worker processes for one isolation backend.
type Launcher interface {
	// Name identifies the backend in logs.
	Name() string
	// Resolve returns the interpreter the worker should run for language,
	// or an error when that runtime is not available.
	Resolve(language, interpreter string) (string, error)
	Prepare(spec WorkerSpec) (*Process, error)
}

// ProcessLauncher starts workers as child processes of the current binary.
type ProcessLauncher struct {
	executable string
	fs         FileSystem
	lookPath   func(string) (string, error)
}

// ProcessLauncherOption defines a functional option for ProcessLauncher
type ProcessLauncherOption func(*ProcessLauncher)

// WithExecutable sets the binary re-executed in worker mode
func WithExecutable(path string) ProcessLauncherOption {
	return func(l *ProcessLauncher) {
		l.executable = path
	}
}

// WithFileSystem sets the FileSystem used for worker directories
func WithFileSystem(fs FileSystem) ProcessLauncherOption {
	return func(l *ProcessLauncher) {
		l.fs = fs
	}
}

// WithLookPath sets the interpreter lookup function
func WithLookPath(fn func(string) (string, error)) ProcessLauncherOption {
	return func(l *ProcessLauncher) {
		l.lookPath = fn
	}
}

// NewProcessLauncher creates a ProcessLauncher that re-executes the running binary.
func NewProcessLauncher(opts ...ProcessLauncherOption) (*ProcessLauncher, error) {
	l := &ProcessLauncher{
		fs:       &RealFileSystem{},
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		l.executable = exe
	}
	return l, nil
}

func (*ProcessLauncher) Name() string {
	return "process"
}

func (l *ProcessLauncher) Resolve(language, interpreter string) (string, error) {
	switch language {
	case LanguageJavaScript:
		return "", nil
	case LanguagePython:
		if interpreter == "" {
			interpreter = "python3"
		}
		path, err := l.lookPath(interpreter)
		if err != nil {
			return "", fmt.Errorf("interpreter %s not found: %w", interpreter, err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}

func (l *ProcessLauncher) Prepare(spec WorkerSpec) (*Process, error) {
	dir, err := l.fs.MkdirTemp("", "wotbot-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create worker dir: %w", err)
	}

	cmd := exec.Command(l.executable) //nolint:gosec // re-executes the current binary
	cmd.Dir = dir
	cmd.Env = spec.Environ()
	setProcessGroup(cmd)

	return &Process{
		Cmd:      cmd,
		TrackRSS: true,
		kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return killProcessGroup(cmd.Process.Pid)
		},
		cleanup: func() { _ = l.fs.RemoveAll(dir) },
	}, nil
}

// ContainerLauncher runs each worker in a throwaway docker or podman
// container. The current binary is mounted into the container and started
// in worker mode there.
type ContainerLauncher struct {
	logger     *zap.Logger
	runtime    string
	image      string
	executable string
	cmdRunner  CommandRunner
}

// ContainerLauncherOption defines a functional option for ContainerLauncher
type ContainerLauncherOption func(*ContainerLauncher)

// WithContainerCommandRunner sets the CommandRunner used to kill containers
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerLauncherOption {
	return func(l *ContainerLauncher) {
		l.cmdRunner = cmdRunner
	}
}

// WithContainerExecutable sets the binary mounted into the container
func WithContainerExecutable(path string) ContainerLauncherOption {
	return func(l *ContainerLauncher) {
		l.executable = path
	}
}

// NewContainerLauncher creates a launcher for runtime ("docker" or "podman").
func NewContainerLauncher(logger *zap.Logger, runtime, image string, opts ...ContainerLauncherOption) (*ContainerLauncher, error) {
	l := &ContainerLauncher{
		logger:    logger,
		runtime:   runtime,
		image:     image,
		cmdRunner: &RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		l.executable = exe
	}
	return l, nil
}

func (l *ContainerLauncher) Name() string {
	return l.runtime
}

func (*ContainerLauncher) Resolve(language, interpreter string) (string, error) {
	switch language {
	case LanguageJavaScript:
		return "", nil
	case LanguagePython:
		if interpreter == "" {
			interpreter = "python3"
		}
		// Resolved inside the image by the worker.
		return interpreter, nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}

func (l *ContainerLauncher) Prepare(spec WorkerSpec) (*Process, error) {
	name := "wotbot-sandbox-" + uuid.NewString()
	args := l.RunArgs(name, spec)

	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // arguments are built from configuration
	setProcessGroup(cmd)

	return &Process{
		Cmd: cmd,
		kill: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), containerKillWait)
			defer cancel()
			_, stderr, exitCode, err := l.cmdRunner.RunCommand(ctx, []string{l.runtime, "kill", name})
			if err != nil || exitCode != 0 {
				l.logger.Warn("failed to kill container",
					zap.String("container", name),
					zap.String("stderr", stderr),
					zap.Error(err))
			}
			if cmd.Process != nil {
				return killProcessGroup(cmd.Process.Pid)
			}
			return err
		},
	}, nil
}

// RunArgs builds the container run command line for one worker.
func (l *ContainerLauncher) RunArgs(name string, spec WorkerSpec) []string {
	memory := fmt.Sprintf("%db", spec.MemoryBytes)
	args := []string{
		l.runtime, "run",
		"--name", name,
		"--rm", // Remove container after execution
		"-i",
		"--network", "none",
		"--memory", memory,
		"--memory-swap", memory,
		"--pids-limit", "64",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=16m",
		"--workdir", "/tmp",
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody",
		"--cap-drop", "ALL",
		"-v", fmt.Sprintf("%s:%s:ro", l.executable, containerWorkerPath),
	}
	for _, kv := range spec.Environ() {
		args = append(args, "-e", kv)
	}
	return append(args, l.image, containerWorkerPath)
}
