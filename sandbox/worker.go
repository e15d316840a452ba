package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Environment variables that put the binary into worker mode.
const (
	EnvWorker      = "WOTBOT_SANDBOX_WORKER"
	EnvMemory      = "WOTBOT_SANDBOX_MEMORY_BYTES"
	EnvCPU         = "WOTBOT_SANDBOX_CPU_SECONDS"
	EnvInterpreter = "WOTBOT_SANDBOX_INTERPRETER"

	workerPath = "PATH=/usr/local/bin:/usr/bin:/bin"
)

//go:embed bootstrap.py
var pythonBootstrap string

// workerRequest is written to the worker's stdin.
type workerRequest struct {
	Source         string   `json:"source"`
	AllowedImports []string `json:"allowed_imports"`
	MaxOutputBytes int      `json:"max_output_bytes"`
	TimeoutMS      int64    `json:"timeout_ms"`
}

// workerResponse is the single JSON document a worker prints on stdout.
type workerResponse struct {
	Status    string `json:"status"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// WorkerSpec describes the worker a launcher starts.
type WorkerSpec struct {
	Language    string
	Interpreter string
	MemoryBytes int64
	CPUSeconds  int
}

// Environ renders the spec as the worker's complete environment.
func (s WorkerSpec) Environ() []string {
	return []string{
		EnvWorker + "=" + s.Language,
		EnvMemory + "=" + strconv.FormatInt(s.MemoryBytes, 10),
		EnvCPU + "=" + strconv.Itoa(s.CPUSeconds),
		EnvInterpreter + "=" + s.Interpreter,
		workerPath,
	}
}

func specFromEnv(getenv func(string) string) (WorkerSpec, error) {
	spec := WorkerSpec{
		Language:    getenv(EnvWorker),
		Interpreter: getenv(EnvInterpreter),
	}
	var err error
	if v := getenv(EnvMemory); v != "" {
		if spec.MemoryBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return spec, fmt.Errorf("invalid %s: %w", EnvMemory, err)
		}
	}
	if v := getenv(EnvCPU); v != "" {
		if spec.CPUSeconds, err = strconv.Atoi(v); err != nil {
			return spec, fmt.Errorf("invalid %s: %w", EnvCPU, err)
		}
	}
	return spec, nil
}

// IsWorker reports whether the current process was started as a sandbox worker.
func IsWorker() bool {
	return os.Getenv(EnvWorker) != ""
}

// MaybeRunWorker runs the sandbox worker and exits when the process was
// started in worker mode. It must be called before any other start-up work.
func MaybeRunWorker() {
	if !IsWorker() {
		return
	}
	os.Exit(RunWorker(os.Stdin, os.Stdout))
}

// RunWorker applies the resource limits and runs one script. For Python it
// replaces the current process with the interpreter and only returns on
// failure.
func RunWorker(stdin io.Reader, stdout io.Writer) int {
	spec, err := specFromEnv(os.Getenv)
	if err != nil {
		return writeResponse(stdout, failure(KindWorker, err.Error()))
	}

	if err := applyLimits(spec); err != nil {
		return writeResponse(stdout, failure(KindWorker, "apply limits: "+err.Error()))
	}

	switch spec.Language {
	case LanguagePython:
		err := execPython(spec.Interpreter)
		return writeResponse(stdout, failure(KindSpawn, "start python: "+err.Error()))
	case LanguageJavaScript:
		var req workerRequest
		if err := json.NewDecoder(stdin).Decode(&req); err != nil {
			return writeResponse(stdout, failure(KindWorker, "decode request: "+err.Error()))
		}
		return writeResponse(stdout, runJavaScript(req))
	default:
		return writeResponse(stdout, failure(KindUnsupportedLanguage, "unsupported language: "+spec.Language))
	}
}

func pythonArgs(interpreter string) []string {
	// -I isolates from user site and environment, -S skips site, -B writes no bytecode.
	return []string{interpreter, "-I", "-S", "-B", "-c", pythonBootstrap}
}

func failure(kind, msg string) workerResponse {
	return workerResponse{Status: statusError, ErrorKind: kind, Error: msg}
}

func writeResponse(w io.Writer, resp workerResponse) int {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		fmt.Fprintln(os.Stderr, "write response:", err)
		return 1
	}
	return 0
}

func decodeResponse(raw []byte) (workerResponse, error) {
	var resp workerResponse
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return resp, fmt.Errorf("worker produced no response")
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return resp, fmt.Errorf("malformed worker response: %w", err)
	}
	if resp.Status != statusOK && resp.Status != statusError {
		return resp, fmt.Errorf("malformed worker response: unknown status %q", resp.Status)
	}
	return resp, nil
}
