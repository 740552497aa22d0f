// Package api assembles the HTTP surface: the cron trigger, tracking
// and unsubscribe endpoints, the bounce webhook and the admin CRUD.
package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP server with sane timeouts.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates a server around the given handler.
func NewServer(handler http.Handler) *Server {
	return &Server{handler: handler}
}

// ListenAndServe starts serving on addr and blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// The cron endpoint holds the connection for up to the run
		// budget (50s); the write timeout must clear it.
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
