package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/logger"
	"github.com/isdmx/wotbot/metrics"
	"github.com/isdmx/wotbot/orchestrator"
	"github.com/isdmx/wotbot/sandbox"
	"github.com/isdmx/wotbot/session"
	"github.com/isdmx/wotbot/tools"
)

// coreOptions provides everything below the surfaces. Providers are lazy,
// so commands only build what they use.
func coreOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			// Logger with configuration
			logger.NewFromConfig,

			// Metrics
			metrics.NewRegistry,
			newMetrics,

			// Sandbox executor based on config
			sandbox.NewExecutor,

			// Tools, sessions and the conversation loop
			newRouter,
			newSessionStore,
			orchestrator.NewProtocol,
			orchestrator.NewFromConfig,
			newDispatcher,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newRouter(log *zap.Logger, cfg *config.Config, m *metrics.Metrics, executor *sandbox.IsolatedExecutor) (*tools.Router, error) {
	router := tools.NewRouter(log,
		tools.WithEnabled(cfg.Tools.Enabled),
		tools.WithDeveloperOnly(cfg.Tools.DeveloperOnly),
		tools.WithConcurrency(cfg.Tools.Concurrency),
		tools.WithMaxOutputBytes(cfg.Tools.MaxOutputBytes),
		tools.WithRouterMetrics(m),
	)
	if err := router.Register(tools.RunCode(executor, executor.Languages())); err != nil {
		return nil, err
	}
	return router, nil
}

func newSessionStore(log *zap.Logger, cfg *config.Config) (session.Store, error) {
	store, err := session.NewMemoryStore(log, cfg.Session.CacheSize,
		session.WithMaxTurns(cfg.Session.MaxTurns),
		session.WithDeveloperModeDefault(cfg.Session.DeveloperModeDefault),
	)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newDispatcher(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, o *orchestrator.Orchestrator, m *metrics.Metrics) *orchestrator.Dispatcher {
	d := orchestrator.NewDispatcherFromConfig(log, cfg, o, m)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return d.Close(ctx)
		},
	})
	return d
}
