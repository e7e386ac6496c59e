// Package api serves the ops HTTP surface: session commands, agent
// inspection, health, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/peregrinehq/peregrine/pkg/database"
	"github.com/peregrinehq/peregrine/pkg/metrics"
	"github.com/peregrinehq/peregrine/pkg/registry"
	"github.com/peregrinehq/peregrine/pkg/store"
)

// Server is the ops API server.
type Server struct {
	registry *registry.Registry
	store    *store.Store
	db       *database.Client
	rdb      redis.UniversalClient
	nc       *nats.Conn
	log      *slog.Logger

	httpServer *http.Server
}

// NewServer wires the API server over the manager core.
func NewServer(reg *registry.Registry, st *store.Store, db *database.Client, rdb redis.UniversalClient, nc *nats.Conn) *Server {
	return &Server{
		registry: reg,
		store:    st,
		db:       db,
		rdb:      rdb,
		nc:       nc,
		log:      slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		sessions.POST("", s.createSessionHandler)
		sessions.GET("/:id", s.getSessionHandler)
		sessions.DELETE("/:id", s.destroySessionHandler)
		sessions.POST("/:id/restart", s.restartSessionHandler)
		sessions.POST("/:id/interrupt", s.interruptSessionHandler)
		sessions.POST("/:id/execute", s.executeHandler)
		sessions.POST("/:id/complete", s.completeHandler)
		sessions.GET("/:id/logs", s.getLogsHandler)
		sessions.POST("/:id/commit", s.commitSessionHandler)
		sessions.POST("/:id/services/:service/start", s.startServiceHandler)
		sessions.POST("/:id/services/:service/shutdown", s.shutdownServiceHandler)
		sessions.POST("/:id/files/upload", s.uploadFileHandler)
		sessions.GET("/:id/files/download", s.downloadFileHandler)
		sessions.GET("/:id/files", s.listFilesHandler)

		agents := v1.Group("/agents")
		agents.GET("", s.listAgentsHandler)
		agents.GET("/:id", s.getAgentHandler)

		admin := v1.Group("/admin")
		admin.POST("/recalc", s.recalcHandler)
	}

	return router
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health. Reports each backing service; the
// overall status is unhealthy if any check fails.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true

	dbHealth, err := database.Health(ctx, s.db.Pool())
	if err != nil {
		healthy = false
	}

	redisStatus := "healthy"
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		redisStatus = "unhealthy"
		healthy = false
	}

	natsStatus := "healthy"
	if s.nc == nil || !s.nc.IsConnected() {
		natsStatus = "unhealthy"
		healthy = false
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbHealth,
		"redis":    redisStatus,
		"nats":     natsStatus,
	})
}

// requestLogger logs each request and feeds the API metrics.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Error("Request failed",
				"method", c.Request.Method, "path", c.Request.URL.Path,
				"status", c.Writer.Status(), "duration", duration)
		} else {
			s.log.Debug("Request completed",
				"method", c.Request.Method, "path", c.Request.URL.Path,
				"status", c.Writer.Status(), "duration", duration)
		}
	}
}
