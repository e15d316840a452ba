package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	calls    [][]string
	exitCode int
	err      error
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.calls = append(m.calls, args)
	return "", "", m.exitCode, m.err
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	dir       string
	mkdirErr  error
	removed   []string
	removeErr error
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirErr != nil {
		return "", m.mkdirErr
	}
	return m.dir, nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removed = append(m.removed, path)
	return m.removeErr
}

func argValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestContainerLauncherRunArgs(t *testing.T) {
	for _, runtime := range []string{"docker", "podman"} {
		t.Run(runtime, func(t *testing.T) {
			launcher, err := NewContainerLauncher(zaptest.NewLogger(t), runtime, "python:3.12-slim",
				WithContainerExecutable("/usr/local/bin/wotbot"))
			require.NoError(t, err)

			spec := WorkerSpec{Language: LanguagePython, Interpreter: "python3", MemoryBytes: 128 * BytesPerMB, CPUSeconds: 6}
			args := launcher.RunArgs("wotbot-sandbox-test", spec)

			assert.Equal(t, []string{runtime, "run"}, args[:2])
			assert.Equal(t, "none", argValue(args, "--network"))
			assert.Equal(t, "134217728b", argValue(args, "--memory"))
			assert.Equal(t, "ALL", argValue(args, "--cap-drop"))
			assert.Equal(t, "no-new-privileges:true", argValue(args, "--security-opt"))
			assert.Equal(t, "nobody", argValue(args, "--user"))
			assert.Equal(t, "wotbot-sandbox-test", argValue(args, "--name"))
			assert.Contains(t, args, "--read-only")
			assert.Equal(t, "/usr/local/bin/wotbot:"+containerWorkerPath+":ro", argValue(args, "-v"))
			assert.Contains(t, args, EnvWorker+"="+LanguagePython)
			assert.Equal(t, []string{"python:3.12-slim", containerWorkerPath}, args[len(args)-2:])
		})
	}
}

func TestContainerLauncherKill(t *testing.T) {
	runner := &MockCommandRunner{}
	launcher, err := NewContainerLauncher(zaptest.NewLogger(t), "podman", "python:3.12-slim",
		WithContainerExecutable("/bin/wotbot"),
		WithContainerCommandRunner(runner))
	require.NoError(t, err)

	proc, err := launcher.Prepare(WorkerSpec{Language: LanguageJavaScript, MemoryBytes: BytesPerMB})
	require.NoError(t, err)
	assert.False(t, proc.TrackRSS)

	require.NoError(t, proc.Kill())
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "podman", runner.calls[0][0])
	assert.Equal(t, "kill", runner.calls[0][1])
	assert.True(t, strings.HasPrefix(runner.calls[0][2], "wotbot-sandbox-"))
}

func TestContainerLauncherResolve(t *testing.T) {
	launcher, err := NewContainerLauncher(zaptest.NewLogger(t), "docker", "img", WithContainerExecutable("/bin/wotbot"))
	require.NoError(t, err)

	interpreter, err := launcher.Resolve(LanguagePython, "")
	require.NoError(t, err)
	assert.Equal(t, "python3", interpreter)

	_, err = launcher.Resolve("ruby", "")
	require.Error(t, err)
}

func TestProcessLauncher(t *testing.T) {
	t.Run("PrepareUsesWorkerDir", func(t *testing.T) {
		fs := &MockFileSystem{dir: "/tmp/wotbot-sandbox-1"}
		launcher, err := NewProcessLauncher(WithExecutable("/bin/wotbot"), WithFileSystem(fs))
		require.NoError(t, err)

		spec := WorkerSpec{Language: LanguageJavaScript, MemoryBytes: 1}
		proc, err := launcher.Prepare(spec)
		require.NoError(t, err)
		assert.True(t, proc.TrackRSS)
		assert.Equal(t, "/tmp/wotbot-sandbox-1", proc.Cmd.Dir)
		assert.Equal(t, spec.Environ(), proc.Cmd.Env)
		assert.Equal(t, "/bin/wotbot", proc.Cmd.Path)

		// Not started, so there is nothing to kill.
		require.NoError(t, proc.Kill())

		proc.Cleanup()
		assert.Equal(t, []string{"/tmp/wotbot-sandbox-1"}, fs.removed)
	})

	t.Run("PrepareFailsWithoutDir", func(t *testing.T) {
		fs := &MockFileSystem{mkdirErr: errors.New("disk full")}
		launcher, err := NewProcessLauncher(WithExecutable("/bin/wotbot"), WithFileSystem(fs))
		require.NoError(t, err)

		_, err = launcher.Prepare(WorkerSpec{Language: LanguageJavaScript})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("Resolve", func(t *testing.T) {
		launcher, err := NewProcessLauncher(WithLookPath(func(name string) (string, error) {
			return "/opt/bin/" + name, nil
		}))
		require.NoError(t, err)

		path, err := launcher.Resolve(LanguagePython, "python3.12")
		require.NoError(t, err)
		assert.Equal(t, "/opt/bin/python3.12", path)

		path, err = launcher.Resolve(LanguageJavaScript, "")
		require.NoError(t, err)
		assert.Empty(t, path)
	})
}
