package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/httpapi"
	"github.com/isdmx/wotbot/mcpserver"
	"github.com/isdmx/wotbot/orchestrator"
	"github.com/isdmx/wotbot/tools"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			app := fx.New(
				coreOptions(cfg),
				fx.Provide(newMCPServer, newAPIServer),
				// Start the appropriate transport based on config
				fx.Invoke(startMCP, startAPI),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newMCPServer(cfg *config.Config, log *zap.Logger, router *tools.Router, d *orchestrator.Dispatcher) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, router, d)
}

func newAPIServer(cfg *config.Config, log *zap.Logger, d *orchestrator.Dispatcher, reg *prometheus.Registry) *httpapi.Server {
	return httpapi.New(cfg, log, d, reg)
}

func startMCP(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := server.ServeStdio(); err != nil {
						log.Error("MCP stdio server stopped", zap.Error(err))
					}
					// The client went away; nothing left to serve.
					_ = shutdowner.Shutdown()
				}()
			case "http":
				go func() {
					if err := server.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("MCP HTTP server stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
			}
			return nil
		},
		OnStop: server.Shutdown,
	})
}

func startAPI(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *httpapi.Server) {
	if cfg.Server.APIPort == 0 {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.Start(); err != nil {
					log.Error("HTTP API stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
