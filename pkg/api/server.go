package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/config"
	"github.com/netpulse/netpulse/pkg/dispatcher"
	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// Server is the REST API surface of the control plane.
type Server struct {
	cfg    config.ServerConfig
	disp   *dispatcher.Dispatcher
	checks *health.Registry
	engine *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// NewServer wires the REST server around a dispatcher and health registry.
func NewServer(cfg config.ServerConfig, disp *dispatcher.Dispatcher, checks *health.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:    cfg,
		disp:   disp,
		checks: checks,
		engine: engine,
		logger: log.WithComponent("api"),
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.Use(s.instrument())

	// Unauthenticated surface.
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := engine.Group("/", s.apiKeyAuth())
	{
		device := authed.Group("/device")
		device.POST("/execute", s.handleExecute)
		device.POST("/bulk", s.handleBulk)
		device.POST("/test-connection", s.handleTestConnection)

		authed.GET("/job", s.handleListJobs)
		authed.GET("/job/:id", s.handleGetJob)
		authed.DELETE("/job/:id", s.handleCancelJob)
		authed.DELETE("/job", s.handleCancelJobs)

		authed.GET("/worker", s.handleListWorkers)
		authed.GET("/worker/:name", s.handleGetWorker)
		authed.DELETE("/worker/:name", s.handleTerminateWorker)
		authed.DELETE("/worker", s.handleTerminateWorkers)

		authed.GET("/node", s.handleListNodes)
		authed.DELETE("/node/:id", s.handleDrainNode)

		authed.GET("/queue", s.handleQueueDepths)
	}

	return s
}

// Handler exposes the router, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
