package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer builds the client facing server. Requests, websocket sessions
// included, inherit ctx so that they end when it is cancelled.
func NewAPIServer(ctx context.Context, apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/history", apiHandlers.RequireAuth(apiHandlers.HistoryHandler))
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("POST /api/attachments", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadHandler)))
	mux.HandleFunc("GET /api/files/{id}", apiHandlers.RequireAuth(apiHandlers.FileHandler))
	mux.HandleFunc("POST /api/push/subscriptions", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SubscribeHandler)))
	mux.HandleFunc("DELETE /api/push/subscriptions", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UnsubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
	}
}

// Handler is exposed for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
