//go:generate go run go.uber.org/mock/mockgen -source=registry.go -destination=../mocks/mock_registry.go -package=mocks
package registry

import (
	"context"
	"sync"

	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/samber/lo"
)

// Conn is one live client connection. Transports own it; the registry only
// stores it under a user key.
type Conn interface {
	ID() string
	Send(ctx context.Context, n events.Notification) error
}

// Registry maps a user key to the connections currently open for it.
// A connection lives under at most one key, and a key with no connections
// is not kept.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn // user key -> conn id -> conn
	owner map[string]string          // conn id -> user key
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]map[string]Conn),
		owner: make(map[string]string),
	}
}

// Add registers c under userKey. Re-adding is a no-op; a conn registered
// under another key is moved.
func (r *Registry) Add(userKey string, c Conn) {
	id := c.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owner[id]; ok {
		if prev == userKey {
			return
		}
		r.removeLocked(prev, id)
	}

	set, ok := r.conns[userKey]
	if !ok {
		set = make(map[string]Conn)
		r.conns[userKey] = set
	}
	set[id] = c
	r.owner[id] = userKey
}

// Remove deregisters c from userKey. Absent conns are ignored.
func (r *Registry) Remove(userKey string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(userKey, c.ID())
}

// Drop deregisters c from whichever key owns it.
func (r *Registry) Drop(c Conn) {
	id := c.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if userKey, ok := r.owner[id]; ok {
		r.removeLocked(userKey, id)
	}
}

func (r *Registry) removeLocked(userKey, id string) {
	if r.owner[id] != userKey {
		return
	}
	delete(r.owner, id)

	set := r.conns[userKey]
	delete(set, id)
	if len(set) == 0 {
		delete(r.conns, userKey)
	}
}

// ConnectionsFor returns a copy of the conns registered for userKey.
func (r *Registry) ConnectionsFor(userKey string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.conns[userKey]
	if !ok {
		return nil
	}
	return lo.Values(set)
}

// Has reports whether userKey has an entry.
func (r *Registry) Has(userKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userKey]
	return ok
}

// Len is the number of user keys with at least one connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Count is the total number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}
