package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/metrics"
)

// NewExecutor creates an executor for the backend named in the configuration
func NewExecutor(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) (*IsolatedExecutor, error) {
	executorConfig := &Config{
		Limits: Limits{
			Timeout:        cfg.GetTimeout(),
			MemoryBytes:    int64(cfg.Sandbox.MemoryMB) * BytesPerMB,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
			AllowedImports: make(map[string][]string),
		},
		MemoryPoll: time.Duration(cfg.Sandbox.MemoryPollMS) * time.Millisecond,
		Languages:  make(map[string]string),
	}
	for name, lang := range cfg.Languages {
		if !lang.Enabled {
			continue
		}
		executorConfig.Languages[name] = lang.Interpreter
		executorConfig.Limits.AllowedImports[name] = lang.AllowedImports
	}

	var launcher Launcher
	switch cfg.Sandbox.Backend {
	case config.BackendDocker, config.BackendPodman:
		l, err := NewContainerLauncher(logger, cfg.Sandbox.Backend, cfg.Sandbox.Image)
		if err != nil {
			return nil, err
		}
		launcher = l
	case config.BackendProcess:
		l, err := NewProcessLauncher()
		if err != nil {
			return nil, err
		}
		launcher = l
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	logger.Info("sandbox executor configured",
		zap.String("backend", launcher.Name()),
		zap.Duration("timeout", executorConfig.Limits.Timeout),
		zap.Int("memory_mb", cfg.Sandbox.MemoryMB))

	return NewIsolatedExecutor(logger, executorConfig, WithLauncher(launcher), WithMetrics(m))
}
