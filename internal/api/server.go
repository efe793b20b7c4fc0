package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/config"
	"github.com/ignite/crm-sync/internal/orchestrator"
	"github.com/ignite/crm-sync/internal/progress"
)

// Server is the sync service's HTTP front.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// Handlers bundles the dependencies the route tree needs.
type Handlers struct {
	orch *orchestrator.Orchestrator
	hub  *progress.Hub
	db   *sql.DB
	rdb  *redis.Client
}

// NewHandlers wires the handler set.
func NewHandlers(orch *orchestrator.Orchestrator, hub *progress.Hub, db *sql.DB, rdb *redis.Client) *Handlers {
	return &Handlers{orch: orch, hub: hub, db: db, rdb: rdb}
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		cfg:     cfg,
		handler: SetupRoutes(h, cfg.AllowedOrigins),
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// No WriteTimeout: SSE connections stay open for the life of a job.
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[api] listening on %s", addr)
	return s.server.ListenAndServe()
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.handler }
