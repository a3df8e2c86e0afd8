// Package api serves the local status endpoints. The server binds to
// loopback only; nothing here is reachable from the network by default.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/gateway"
	"github.com/MirkoSon/SohnBot/pkg/observe"
)

// Server exposes /healthz and /status over HTTP, plus the loopback tool
// endpoint when a dispatcher is configured.
type Server struct {
	cfg        *config.Manager
	collector  *observe.Collector
	dispatcher *gateway.ToolDispatcher
	httpSrv    *http.Server
}

// NewServer creates the status server.
func NewServer(cfg *config.Manager, collector *observe.Collector) *Server {
	return &Server{cfg: cfg, collector: collector}
}

// Router builds the gin engine with the status routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Healthz)
	router.GET("/status", s.Status)
	router.GET("/tools", s.ListTools)
	router.POST("/tools/:name", s.InvokeTool)
	return router
}

// Healthz is the liveness probe: it reports overall health derived from the
// latest snapshot's checks.
func (s *Server) Healthz(c *gin.Context) {
	snapshot := s.collector.Latest()
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	status := "healthy"
	code := http.StatusOK
	for _, hc := range snapshot.Health {
		switch hc.Status {
		case observe.HealthFail:
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		case observe.HealthWarn:
			if status == "healthy" {
				status = "degraded"
			}
		}
	}
	c.JSON(code, gin.H{"status": status, "collected_at": snapshot.CollectedAt})
}

// Status returns the full cached snapshot.
func (s *Server) Status(c *gin.Context) {
	snapshot := s.collector.Latest()
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot collected yet"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Start begins serving on the configured loopback address.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d",
		s.cfg.GetString("observability.http_host"),
		s.cfg.GetInt("observability.http_port"))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status_server_failed", "error", err)
		}
	}()
	slog.Info("status_server_started", "addr", addr)
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
