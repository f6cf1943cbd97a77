// Package api exposes the control plane's HTTP surface: the two WebSocket
// upgrade endpoints, thin REST wrappers over the store, trace exports, the
// health probe and the Prometheus metrics endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentdeck/agentdeck/pkg/auth"
	"github.com/agentdeck/agentdeck/pkg/cmdqueue"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/orchestrator"
	"github.com/agentdeck/agentdeck/pkg/ratelimit"
	"github.com/agentdeck/agentdeck/pkg/registry"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/trace"
)

// Server is the HTTP server.
type Server struct {
	cfg       *config.Config
	verifier  *auth.Verifier
	store     store.Store
	reg       *registry.Registry
	limiter   *ratelimit.Limiter
	queues    *cmdqueue.Manager
	collector *trace.Collector
	orch      *orchestrator.Orchestrator

	e    *echo.Echo
	http *http.Server

	// baseCtx parents every WebSocket session so server shutdown tears
	// them down.
	baseCtx context.Context
}

// NewServer wires the HTTP server and its routes.
func NewServer(
	baseCtx context.Context,
	cfg *config.Config,
	verifier *auth.Verifier,
	st store.Store,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	queues *cmdqueue.Manager,
	collector *trace.Collector,
	orch *orchestrator.Orchestrator,
) *Server {
	s := &Server{
		cfg:       cfg,
		verifier:  verifier,
		store:     st,
		reg:       reg,
		limiter:   limiter,
		queues:    queues,
		collector: collector,
		orch:      orch,
		e:         echo.New(),
		baseCtx:   baseCtx,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.Use(securityHeaders())

	s.e.GET("/health", s.healthHandler)
	s.e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	s.e.GET("/ws/agent", s.agentWSHandler)
	s.e.GET("/ws/dashboard", s.dashboardWSHandler)

	api := s.e.Group("/api/v1", s.requireAuth())
	api.GET("/agents", s.listAgentsHandler)
	api.GET("/agents/:id/queue", s.agentQueueHandler)

	api.GET("/commands", s.listCommandsHandler)
	api.POST("/commands", s.submitCommandHandler)
	api.GET("/commands/:id", s.getCommandHandler)
	api.POST("/commands/:id/interrupt", s.interruptCommandHandler)
	api.GET("/commands/:id/outputs", s.listOutputsHandler)

	api.GET("/commands/:id/traces", s.listTracesHandler)
	api.GET("/commands/:id/trace-tree", s.traceTreeHandler)
	api.GET("/commands/:id/flamegraph", s.flamegraphHandler)
	api.GET("/commands/:id/timeline", s.timelineHandler)

	api.POST("/emergency-stop", s.emergencyStopHandler)
	api.POST("/emergency-stop/clear", s.emergencyClearHandler)
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// healthHandler reports liveness plus a cheap store probe.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := s.store.ListAgents(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "store unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "healthy",
		"agents":     s.reg.Count("agent"),
		"dashboards": s.reg.Count("dashboard"),
	})
}
