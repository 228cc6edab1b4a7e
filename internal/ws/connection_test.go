package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	controlCh   chan int
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:    make(chan models.ClientMessage, 10),
		writeCh:   make(chan any, 10),
		controlCh: make(chan int, 10),
		closeCh:   make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) SetReadDeadline(time.Time) error { return nil }

func (m *mockWS) SetWriteDeadline(time.Time) error { return nil }

func (m *mockWS) SetPongHandler(func(appData string) error) {}

func (m *mockWS) WriteControl(messageType int, _ []byte, _ time.Time) error {
	select {
	case m.controlCh <- messageType:
	default:
	}
	return nil
}

type mockHub struct {
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.ClientMessage

	mu       sync.Mutex
	sessions map[string]*Session
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan models.ClientMessage, 10),
		sessions:   make(map[string]*Session),
	}
}

func (m *mockHub) Join(profileID string) *Session {
	m.joinCh <- profileID
	s := newSession(profileID, 10)
	m.mu.Lock()
	m.sessions[profileID] = s
	m.mu.Unlock()
	return s
}

func (m *mockHub) Leave(s *Session) {
	m.leaveCh <- s.ProfileID()
	s.close()
}

func (m *mockHub) Dispatch(_ context.Context, _ *Session, msg models.ClientMessage) {
	m.dispatchCh <- msg
}

func (m *mockHub) session(profileID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[profileID]
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	profileID := "alice"

	conn := NewConnection(hub, ws, profileID, Limits{})
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case id := <-hub.joinCh:
		if id != profileID {
			t.Errorf("Expected Join with %s, got %s", profileID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Client -> hub
	clientMsg := models.ClientMessage{
		Type:    models.ClientMessageTypeSend,
		Target:  models.Target{ReceiverID: "bob"},
		Content: "hello",
	}
	ws.readCh <- clientMsg

	select {
	case received := <-hub.dispatchCh:
		if received.Content != clientMsg.Content {
			t.Errorf("Hub received wrong content: %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched message")
	}

	// Hub -> client
	hub.session(profileID).Send(models.ServerMessage{
		Type:    models.ServerMessageTypeCreated,
		Message: &models.Message{ID: "m1", Content: "hi back"},
	})

	select {
	case received := <-ws.writeCh:
		sMsg, ok := received.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if sMsg.Message == nil || sMsg.Message.Content != "hi back" {
			t.Errorf("WS received wrong content: %v", sMsg)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != profileID {
			t.Errorf("Expected Leave with %s, got %s", profileID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	ws.errToReturn = errors.New("read error")

	conn := NewConnection(hub, ws, "bob", Limits{})

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_RateLimited(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "carol", Limits{Rate: 0.001, Burst: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Handle(ctx) }()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeMarkRead, RequestID: "r1"}
	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeMarkRead, RequestID: "r2"}

	select {
	case msg := <-hub.dispatchCh:
		if msg.RequestID != "r1" {
			t.Errorf("expected r1 to be dispatched, got %s", msg.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("first action was not dispatched")
	}

	select {
	case received := <-ws.writeCh:
		sMsg := received.(models.ServerMessage)
		if sMsg.Type != models.ServerMessageTypeError || sMsg.RequestID != "r2" {
			t.Fatalf("expected error for r2, got %+v", sMsg)
		}
		if sMsg.Error.Code != "rate_limited" {
			t.Errorf("expected rate_limited, got %s", sMsg.Error.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("rate limit error was not written")
	}

	select {
	case msg := <-hub.dispatchCh:
		t.Errorf("unexpected dispatch: %+v", msg)
	default:
	}
}

func TestConnection_Kicked(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "dave", Limits{})

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	hub.session("dave").kick()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean exit on revoke, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after kick")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}
