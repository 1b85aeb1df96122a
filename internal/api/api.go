// Package api is the thin ambient HTTP surface over the core pipeline:
// process liveness, per-stream worker status, and the read-only
// recent-recognitions diagnostics query. It never sits on the recognition
// hot path.
// Grounded on the teacher's internal/radio/handler gin-route style and
// SecurityHeadersMiddleware.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echotag/echotag/internal/store"
	"github.com/echotag/echotag/internal/worker"
)

// Server exposes health and status endpoints over the worker manager and
// persistence layer.
type Server struct {
	manager *worker.Manager
	store   *store.Store
	engine  *gin.Engine
	http    *http.Server
}

// securityHeaders adds the same baseline response headers the teacher
// applies to every route.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// NewServer builds the gin engine and registers routes; it does not start
// listening until Start is called.
func NewServer(addr string, m *worker.Manager, st *store.Store) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())

	s := &Server{manager: m, store: st, engine: engine}

	engine.GET("/healthz", s.health)
	engine.GET("/streams", s.streamStatus)
	engine.GET("/recognitions", s.recentRecognitions)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks until ctx is cancelled, then shuts the HTTP server down
// gracefully within a bounded window.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) streamStatus(c *gin.Context) {
	states := s.manager.WorkerStates()
	out := make(gin.H, len(states))
	for name, state := range states {
		out[name] = state.String()
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

func (s *Server) recentRecognitions(c *gin.Context) {
	limit := 100
	stream := c.Query("stream")
	provider := c.Query("provider")

	recent, err := s.store.RecentRecognitions(limit, stream, provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "recognitions": recent})
}
