// Package api is the HTTP front door: task submission and inspection,
// tree-level controls, runtime settings, and the websocket push endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SynidSweet/the-system/pkg/events"
	"github.com/SynidSweet/the-system/pkg/runtime"
	"github.com/SynidSweet/the-system/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server wires the HTTP routes to the runtime engine.
type Server struct {
	engine  *runtime.Engine
	store   store.EntityStore
	manager *events.ConnectionManager
	logger  *slog.Logger

	http *http.Server
}

// NewServer builds the server. The gin engine is created in release mode;
// run Router() under httptest for handler tests.
func NewServer(engine *runtime.Engine, s store.EntityStore, manager *events.ConnectionManager, addr string) *Server {
	srv := &Server{
		engine:  engine,
		store:   s,
		manager: manager,
		logger:  slog.Default().With("component", "api"),
	}
	srv.http = &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}
	return srv
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks/active", s.listActiveTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/messages", s.getTaskMessages)
		v1.POST("/tasks/:id/step", s.stepTask)
		v1.GET("/trees/:id", s.getTree)
		v1.POST("/trees/:id/cancel", s.cancelTree)
		v1.POST("/trees/:id/stepping", s.setTreeStepping)
		v1.GET("/system/settings", s.getSettings)
		v1.PUT("/system/settings", s.updateSettings)
		v1.GET("/system/warnings", s.getWarnings)
		v1.GET("/health", s.health)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		s.manager.HandleWebSocket(c.Writer, c.Request)
	})

	return r
}

// Start runs the listener until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	s.manager.Shutdown()
	return s.http.Shutdown(ctx)
}
