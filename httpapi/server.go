// Package httpapi serves the operational HTTP surface: health, Prometheus
// metrics and a message endpoint in front of the dispatcher.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/orchestrator"
)

const readHeaderTimeout = 10 * time.Second

// Messenger sends one message of a session and waits for the reply.
type Messenger interface {
	Do(ctx context.Context, sessionID, text string) (orchestrator.Reply, error)
}

// MessageRequest is the body of POST /v1/sessions/:id/messages.
type MessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP API server.
type Server struct {
	logger     *zap.Logger
	messenger  Messenger
	engine     *gin.Engine
	httpServer *http.Server
}

// New creates the server. gatherer backs /metrics.
func New(cfg *config.Config, logger *zap.Logger, messenger Messenger, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger:    logger.Named("http"),
		messenger: messenger,
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	v1 := s.engine.Group("/v1")
	v1.POST("/sessions/:id/messages", s.sendMessage)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) sendMessage(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "session id is required"})
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	reply, err := s.messenger.Do(c.Request.Context(), sessionID, req.Text)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "session is busy"})
	case errors.Is(err, orchestrator.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "shutting down"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "reply not ready; the message is still being processed"})
	case err != nil:
		s.logger.Error("message failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	default:
		c.JSON(http.StatusOK, reply)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
