// Package registry tracks connected peers, their table subscriptions and
// their liveness.
package registry

import (
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/core/transport"
)

// DefaultMaxIdle is how long a silent client stays registered.
const DefaultMaxIdle = 5 * time.Minute

// DefaultSweepInterval is how often the stale sweep runs.
const DefaultSweepInterval = time.Minute

type client struct {
	peer          transport.Peer
	subscriptions map[string]struct{}
	lastSeen      time.Time
}

// Registry is the authoritative set of connected clients. It is safe for
// concurrent use; broadcasts read it while the sweep timer and transport
// events mutate it.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func New() *Registry {
	return &Registry{clients: make(map[string]*client)}
}

// Register adds a peer and returns its client id.
func (r *Registry) Register(peer transport.Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[peer.ID()] = &client{
		peer:          peer,
		subscriptions: make(map[string]struct{}),
		lastSeen:      time.Now(),
	}
	return peer.ID()
}

// Unregister removes a client. Reports whether it was present.
func (r *Registry) Unregister(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	return ok
}

func (r *Registry) Subscribe(clientID, tableName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		c.subscriptions[tableName] = struct{}{}
	}
}

func (r *Registry) Unsubscribe(clientID, tableName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		delete(c.subscriptions, tableName)
	}
}

// IsSubscribed reports whether the client currently subscribes to the table.
func (r *Registry) IsSubscribed(clientID, tableName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	_, ok = c.subscriptions[tableName]
	return ok
}

// Touch refreshes a client's liveness timestamp.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		c.lastSeen = time.Now()
	}
}

// Subscribers returns the peers subscribed to a table, excluding one client
// (usually the operation's origin).
func (r *Registry) Subscribers(tableName, excludeClientID string) []transport.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []transport.Peer
	for id, c := range r.clients {
		if id == excludeClientID {
			continue
		}
		if _, ok := c.subscriptions[tableName]; ok {
			peers = append(peers, c.peer)
		}
	}
	return peers
}

// SweepStale unregisters every client idle longer than maxIdle, closes its
// peer and returns the removed ids.
func (r *Registry) SweepStale(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			_ = c.peer.Close()
			delete(r.clients, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
