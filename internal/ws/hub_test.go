package ws

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/registry"
)

type recordingDispatcher struct {
	calls []dispatchCall
}

type dispatchCall struct {
	origin    registry.Handle
	profileID string
	msg       models.ClientMessage
}

func (d *recordingDispatcher) Handle(_ context.Context, origin registry.Handle, profileID string, msg models.ClientMessage) {
	d.calls = append(d.calls, dispatchCall{origin, profileID, msg})
}

type recordingGreeter struct {
	greeted []string
}

func (g *recordingGreeter) Greet(profileID string, h registry.Handle) {
	g.greeted = append(g.greeted, profileID+"/"+h.ID())
}

func TestHub_JoinLeave(t *testing.T) {
	reg := registry.New()
	greeter := &recordingGreeter{}
	h := NewHub(reg, &recordingDispatcher{}, greeter, 4)
	base := testutil.ToFloat64(metrics.Connections)

	s1 := h.Join("alice")
	if got := testutil.ToFloat64(metrics.Connections) - base; got != 1 {
		t.Errorf("expected one connection counted, got %v", got)
	}
	s2 := h.Join("alice")
	if s1.ID() == s2.ID() {
		t.Fatal("expected distinct session ids")
	}
	if got := testutil.ToFloat64(metrics.Connections) - base; got != 2 {
		t.Errorf("expected two connections counted, got %v", got)
	}
	if got := len(reg.ConnectionsFor("alice")); got != 2 {
		t.Fatalf("expected 2 registered sessions, got %d", got)
	}
	if len(greeter.greeted) != 2 || greeter.greeted[0] != "alice/"+s1.ID() {
		t.Errorf("unexpected greetings: %v", greeter.greeted)
	}

	h.Leave(s1)
	if !reg.IsOnline("alice") {
		t.Error("expected alice to stay online")
	}
	if _, ok := <-s1.Outbound(); ok {
		t.Error("expected outbound of a departed session to be closed")
	}
	if s1.Send(models.ServerMessage{Type: models.ServerMessageTypeAck}) {
		t.Error("expected Send on a closed session to fail")
	}

	h.Leave(s2)
	if reg.IsOnline("alice") {
		t.Error("expected alice offline")
	}
	if got := testutil.ToFloat64(metrics.Connections) - base; got != 0 {
		t.Errorf("expected connections back at baseline, got %v", got)
	}
}

func TestHub_Dispatch(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := NewHub(registry.New(), dispatcher, nil, 0)

	s := h.Join("bob")
	defer h.Leave(s)

	h.Dispatch(context.Background(), s, models.ClientMessage{Type: models.ClientMessageTypeDelete, MessageID: "m1"})

	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(dispatcher.calls))
	}
	call := dispatcher.calls[0]
	if call.profileID != "bob" || call.origin.ID() != s.ID() || call.msg.MessageID != "m1" {
		t.Errorf("unexpected dispatch: %+v", call)
	}
}

func TestHub_Disconnect(t *testing.T) {
	h := NewHub(registry.New(), &recordingDispatcher{}, nil, 0)

	s1 := h.Join("carol")
	s2 := h.Join("carol")
	other := h.Join("dave")

	if n := h.Disconnect("carol"); n != 2 {
		t.Errorf("expected 2 sessions disconnected, got %d", n)
	}
	for _, s := range []*Session{s1, s2} {
		select {
		case <-s.Kicked():
		default:
			t.Errorf("session %s was not kicked", s.ID())
		}
	}
	select {
	case <-other.Kicked():
		t.Error("unrelated session was kicked")
	default:
	}

	// A second revoke is harmless.
	h.Disconnect("carol")
	if n := h.Disconnect("nobody"); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestSession_FullBufferDrops(t *testing.T) {
	s := newSession("erin", 1)
	if !s.Send(models.ServerMessage{Type: models.ServerMessageTypeAck}) {
		t.Fatal("expected first send to be buffered")
	}
	if s.Send(models.ServerMessage{Type: models.ServerMessageTypeAck}) {
		t.Error("expected send on a full buffer to be dropped")
	}
}
