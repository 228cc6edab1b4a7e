package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// TokenResolver maps a session token to a profile id.
type TokenResolver interface {
	Resolve(token string) (string, error)
}

type Server struct {
	sessions TokenResolver
	hub      messageHub
	limits   Limits
	upgrader *websocket.Upgrader
}

func NewServer(sessions TokenResolver, hub *Hub, limits Limits) *Server {
	return &Server{
		sessions: sessions,
		hub:      hub,
		limits:   limits,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // tokens, not origins, authorize connections
			},
		},
	}
}

// Token extracts the session token from the header, the cookie or the query string,
// in that order. Browsers cannot set headers on websocket requests.
func Token(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	profileID, err := s.sessions.Resolve(Token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, profileID, s.limits)
	slog.Debug("connection opened", "profile_id", profileID, "session_id", conn.session.ID())

	if err := conn.Handle(r.Context()); err != nil {
		slog.Debug("connection closed", "profile_id", profileID, "error", err)
	}
}
