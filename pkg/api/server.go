// Package api serves the admin/query HTTP surface: index listing,
// ad-hoc index queries, health, and prometheus metrics. It is dev
// tooling over the index layer, not a public client protocol.
package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/birchdb/birch/pkg/index"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Bind string
	Port int
}

// Server exposes a Manager's indexes over HTTP.
type Server struct {
	manager *index.Manager
}

// NewServer creates a Server over manager.
func NewServer(manager *index.Manager) *Server {
	return &Server{manager: manager}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/indexes", s.handleListIndexes)
		r.Post("/query", s.handleQuery)
	})
	return r
}

// StartServer runs the HTTP server until it fails.
func StartServer(manager *index.Manager, config ServerConfig) error {
	addr := fmt.Sprintf("%s:%d", config.Bind, config.Port)
	log.Printf("api: listening on %s", addr)
	return http.ListenAndServe(addr, NewServer(manager).Router())
}
