package ws

import (
	"context"
	"sync"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/google/uuid"
)

const defaultBufferSize = 100

// Session is the registry handle of one live connection. Events pushed to it are
// buffered in out and written by the connection's main loop.
type Session struct {
	id        string
	profileID string

	mu     sync.Mutex
	out    chan models.ServerMessage
	closed bool

	kickOnce sync.Once
	kicked   chan struct{}
}

func newSession(profileID string, bufferSize int) *Session {
	return &Session{
		id:        uuid.NewString(),
		profileID: profileID,
		out:       make(chan models.ServerMessage, bufferSize),
		kicked:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ProfileID() string { return s.profileID }

// Send enqueues msg without blocking. It reports false when the buffer is full or
// the session is closed.
func (s *Session) Send(msg models.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// Outbound is drained by the connection that owns the session.
func (s *Session) Outbound() <-chan models.ServerMessage { return s.out }

// Kicked is closed when the session has been revoked.
func (s *Session) Kicked() <-chan struct{} { return s.kicked }

func (s *Session) kick() {
	s.kickOnce.Do(func() { close(s.kicked) })
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Dispatcher runs client actions.
type Dispatcher interface {
	Handle(ctx context.Context, origin registry.Handle, profileID string, msg models.ClientMessage)
}

// Greeter sends a new session its initial presence snapshot.
type Greeter interface {
	Greet(profileID string, h registry.Handle)
}

// Hub ties connections to the registry and the router.
type Hub struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	greeter    Greeter
	bufferSize int
}

func NewHub(reg *registry.Registry, dispatcher Dispatcher, greeter Greeter, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		registry:   reg,
		dispatcher: dispatcher,
		greeter:    greeter,
		bufferSize: bufferSize,
	}
}

func (h *Hub) Join(profileID string) *Session {
	s := newSession(profileID, h.bufferSize)
	h.registry.Register(profileID, s)
	if h.greeter != nil {
		h.greeter.Greet(profileID, s)
	}
	return s
}

func (h *Hub) Leave(s *Session) {
	h.registry.Unregister(s.profileID, s)
	s.close()
}

func (h *Hub) Dispatch(ctx context.Context, s *Session, msg models.ClientMessage) {
	h.dispatcher.Handle(ctx, s, s.profileID, msg)
}

// Disconnect closes every live connection of profileID and returns how many there were.
func (h *Hub) Disconnect(profileID string) int {
	n := 0
	for _, handle := range h.registry.ConnectionsFor(profileID) {
		if s, ok := handle.(*Session); ok {
			s.kick()
			n++
		}
	}
	return n
}
