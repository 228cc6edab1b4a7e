package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/metrics"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/sessions", adminHandler.AddSessionHandler)
	mux.HandleFunc("DELETE /admin/sessions", adminHandler.DeleteSessionHandler)
	mux.HandleFunc("POST /admin/groups", adminHandler.AddGroupHandler)
	mux.HandleFunc("POST /admin/groups/{id}/members", adminHandler.AddMemberHandler)
	mux.HandleFunc("DELETE /admin/groups/{id}/members/{profileId}", adminHandler.RemoveMemberHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler is exposed for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	slog.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
