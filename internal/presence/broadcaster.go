// Package presence tells a profile's counterparts when it comes online or goes offline.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/registry"
)

// Contacts resolves the profiles that share at least one conversation with a profile.
type Contacts interface {
	Counterparts(profileID string) ([]string, error)
}

// Connections is the part of the registry the broadcaster reads.
type Connections interface {
	ConnectionsFor(profileID string) []registry.Handle
	IsOnline(profileID string) bool
}

type event struct {
	profileID string
	online    bool
	version   uint64
	greet     registry.Handle
}

// Broadcaster consumes registry transitions on its own goroutine, so contact lookups
// never run inside a connection's register/unregister path.
type Broadcaster struct {
	contacts Contacts
	conns    Connections
	events   chan event
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	versions map[string]uint64
	presence map[string]models.Presence

	now func() time.Time
}

func New(conns Connections, contacts Contacts, queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Broadcaster{
		contacts: contacts,
		conns:    conns,
		events:   make(chan event, queueSize),
		done:     make(chan struct{}),
		versions: make(map[string]uint64),
		presence: make(map[string]models.Presence),
		now:      time.Now,
	}
}

// PresenceChanged implements registry.Listener.
func (b *Broadcaster) PresenceChanged(profileID string, online bool, version uint64) {
	b.enqueue(event{profileID: profileID, online: online, version: version})
}

// Greet sends a freshly connected handle the current presence of every counterpart.
func (b *Broadcaster) Greet(profileID string, h registry.Handle) {
	b.enqueue(event{profileID: profileID, greet: h})
}

// enqueue never blocks the registry. When the queue is full the event is dropped;
// a later transition of the same profile carries a newer version and supersedes it.
func (b *Broadcaster) enqueue(ev event) {
	select {
	case b.events <- ev:
	case <-b.done:
	default:
		metrics.EventsDropped.WithLabelValues(string(models.ServerMessageTypePresence)).Inc()
		slog.Warn("presence queue full, dropping event", "profile_id", ev.profileID, "version", ev.version)
	}
}

// Presence returns the last known presence of a profile.
func (b *Broadcaster) Presence(profileID string) models.Presence {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.presence[profileID]
	p.Online = b.conns.IsOnline(profileID)
	return p
}

// Run processes presence events until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer b.once.Do(func() { close(b.done) })
	for {
		select {
		case ev := <-b.events:
			if ev.greet != nil {
				b.greet(ev.profileID, ev.greet)
			} else {
				b.broadcast(ev)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Broadcaster) broadcast(ev event) {
	b.mu.Lock()
	if ev.version <= b.versions[ev.profileID] {
		b.mu.Unlock()
		slog.Debug("dropping stale presence event", "profile_id", ev.profileID, "version", ev.version)
		return
	}
	b.versions[ev.profileID] = ev.version
	p := models.Presence{Online: ev.online, LastSeen: b.now().Unix()}
	b.presence[ev.profileID] = p
	b.mu.Unlock()

	counterparts, err := b.contacts.Counterparts(ev.profileID)
	if err != nil {
		slog.Error("failed to resolve counterparts", "profile_id", ev.profileID, "error", err)
		return
	}

	msg := models.PresenceEvent(ev.profileID, p)
	for _, id := range counterparts {
		registry.Deliver(b.conns.ConnectionsFor(id), msg)
	}
}

func (b *Broadcaster) greet(profileID string, h registry.Handle) {
	counterparts, err := b.contacts.Counterparts(profileID)
	if err != nil {
		slog.Error("failed to resolve counterparts", "profile_id", profileID, "error", err)
		return
	}
	handles := []registry.Handle{h}
	for _, id := range counterparts {
		registry.Deliver(handles, models.PresenceEvent(id, b.Presence(id)))
	}
}
