// Package registry tracks the live connections of every profile.
package registry

import (
	"sort"
	"sync"

	"parley/internal/metrics"
	"parley/internal/models"
)

// Handle is one live client connection (a device or a tab).
type Handle interface {
	ID() string
	// Send enqueues an event without blocking and reports whether it was accepted.
	Send(msg models.ServerMessage) bool
}

// Listener receives presence transitions. Events are delivered outside the registry
// lock, so two transitions of the same profile may arrive out of order; version
// grows with every transition and lets the listener drop the stale one.
type Listener interface {
	PresenceChanged(profileID string, online bool, version uint64)
}

type Registry struct {
	mu       sync.RWMutex
	profiles map[string]map[string]Handle
	version  uint64
	listener Listener
}

func New() *Registry {
	return &Registry{
		profiles: make(map[string]map[string]Handle),
	}
}

// SetListener installs the presence listener. It is meant to be called once while
// wiring the process, before connections arrive.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Register adds a handle to the profile. The first handle of a profile emits an
// online transition. Registering the same handle twice is a no-op.
func (r *Registry) Register(profileID string, h Handle) {
	r.mu.Lock()
	handles, ok := r.profiles[profileID]
	if !ok {
		handles = make(map[string]Handle)
		r.profiles[profileID] = handles
	}
	if _, dup := handles[h.ID()]; dup {
		r.mu.Unlock()
		return
	}
	handles[h.ID()] = h
	metrics.Connections.Inc()

	first := len(handles) == 1
	var version uint64
	if first {
		r.version++
		version = r.version
		metrics.OnlineProfiles.Inc()
	}
	listener := r.listener
	r.mu.Unlock()

	if first && listener != nil {
		listener.PresenceChanged(profileID, true, version)
	}
}

// Unregister removes a handle. Removing the last handle emits an offline
// transition. Unknown handles are ignored, so a double disconnect is harmless.
func (r *Registry) Unregister(profileID string, h Handle) {
	r.mu.Lock()
	handles, ok := r.profiles[profileID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := handles[h.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(handles, h.ID())
	metrics.Connections.Dec()

	last := len(handles) == 0
	var version uint64
	if last {
		delete(r.profiles, profileID)
		r.version++
		version = r.version
		metrics.OnlineProfiles.Dec()
	}
	listener := r.listener
	r.mu.Unlock()

	if last && listener != nil {
		listener.PresenceChanged(profileID, false, version)
	}
}

func (r *Registry) IsOnline(profileID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles[profileID]) > 0
}

// ConnectionsFor returns a snapshot of the profile's handles, possibly empty.
func (r *Registry) ConnectionsFor(profileID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := r.profiles[profileID]
	result := make([]Handle, 0, len(handles))
	for _, h := range handles {
		result = append(result, h)
	}
	return result
}

// Online returns the sorted ids of all online profiles.
func (r *Registry) Online() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Deliver pushes msg to every handle and returns how many accepted it. A handle
// whose buffer is full or closed misses the event; the client catches up on its
// next history fetch.
func Deliver(handles []Handle, msg models.ServerMessage) int {
	delivered := 0
	for _, h := range handles {
		if h.Send(msg) {
			delivered++
			metrics.EventsPushed.WithLabelValues(string(msg.Type)).Inc()
		} else {
			metrics.EventsDropped.WithLabelValues(string(msg.Type)).Inc()
		}
	}
	return delivered
}
