// Package admin exposes the registry over a local HTTP surface for
// operators: endpoint inventory, lifecycle actions, kernel operations, and
// Prometheus metrics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remotekernel/kernelctl/internal/observability"
	"github.com/remotekernel/kernelctl/internal/registry"
)

const apiVersion = "0.1.0"

type Server struct {
	registry *registry.Registry
	router   *gin.Engine
	log      zerolog.Logger
	started  time.Time

	srv *http.Server
}

func New(reg *registry.Registry, logger zerolog.Logger, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		registry: reg,
		router:   r,
		log:      logger.With().Str("component", "admin").Logger(),
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router exposes the underlying engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves the admin API until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("admin api listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
