package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remotekernel/kernelctl/internal/remote"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"endpoints": len(s.registry.ListLoaded()),
			"version":   apiVersion,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")

	v1.GET("/endpoints", func(c *gin.Context) {
		ids := s.registry.ListLoaded()
		endpoints := make([]gin.H, 0, len(ids))
		for _, id := range ids {
			endpoints = append(endpoints, gin.H{
				"id":      id,
				"state":   s.registry.State(id),
				"kernels": len(s.registry.Sessions(id)),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"endpoints":  endpoints,
			"configured": s.registry.ConfIDs(),
		})
	})

	v1.GET("/endpoints/:id", func(c *gin.Context) {
		id := c.Param("id")
		conn, ok := s.registry.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not loaded"})
			return
		}
		opts := conn.Options()
		sessions := conn.Sessions()
		kernels := make([]gin.H, 0, len(sessions))
		for _, session := range sessions {
			kernels = append(kernels, gin.H{
				"id":         session.ID,
				"state":      session.Info.ExecutionState,
				"started_at": session.StartedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"id":      id,
			"host":    opts.Host,
			"user":    opts.User,
			"state":   conn.State(),
			"kernels": kernels,
		})
	})

	v1.POST("/endpoints/:id/actions/:action", func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := s.registry.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not loaded"})
			return
		}

		var err error
		switch action := c.Param("action"); action {
		case "install":
			err = s.registry.ConnectAndInstall(c.Request.Context(), id)
		case "start":
			err = s.registry.ConnectAndStart(c.Request.Context(), id)
		case "ensure-running":
			err = s.registry.EnsureRunning(c.Request.Context(), id)
		case "stop":
			err = s.registry.Stop(c.Request.Context(), id)
		case "restart":
			err = s.registry.Restart(c.Request.Context(), id)
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.registry.State(id)})
	})

	v1.GET("/endpoints/:id/kernels", func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := s.registry.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not loaded"})
			return
		}
		kernels, err := s.registry.ListKernels(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kernels": kernels})
	})

	v1.POST("/endpoints/:id/kernels", func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := s.registry.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not loaded"})
			return
		}
		kernel, err := s.registry.StartKernel(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"kernel": kernel})
	})

	v1.GET("/endpoints/:id/kernels/:kernel", func(c *gin.Context) {
		kernel, err := s.registry.KernelInfo(c.Request.Context(), c.Param("id"), c.Param("kernel"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kernel": kernel})
	})

	v1.POST("/endpoints/:id/kernels/:kernel/actions/:action", func(c *gin.Context) {
		id := c.Param("id")
		kernelID := c.Param("kernel")
		switch action := c.Param("action"); action {
		case "restart":
			kernel, err := s.registry.RestartKernel(c.Request.Context(), id, kernelID)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"kernel": kernel})
		case "interrupt":
			if err := s.registry.InterruptKernel(c.Request.Context(), id, kernelID); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
		}
	})

	v1.DELETE("/endpoints/:id/kernels/:kernel", func(c *gin.Context) {
		kernel, err := s.registry.TerminateKernel(c.Request.Context(), c.Param("id"), c.Param("kernel"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kernel": kernel})
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, remote.ErrKernelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, remote.ErrServerUnavailable):
		status = http.StatusConflict
	case errors.Is(err, remote.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, remote.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, remote.ErrTransportFailure), errors.Is(err, remote.ErrInstallFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
