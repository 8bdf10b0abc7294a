package registry

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/core/transport"
)

type fakePeer struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, data)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var _ transport.Peer = (*fakePeer)(nil)

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := New()
	peer := &fakePeer{id: "c1"}

	id := r.Register(peer)
	assert.Equal(t, "c1", id)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Unregister("c1"))
	assert.False(t, r.Unregister("c1"))
	assert.Zero(t, r.Len())
}

func TestRegistry_SubscribersExcludeOrigin(t *testing.T) {
	r := New()
	origin := &fakePeer{id: "origin"}
	other := &fakePeer{id: "other"}
	unrelated := &fakePeer{id: "unrelated"}

	r.Register(origin)
	r.Register(other)
	r.Register(unrelated)

	r.Subscribe("origin", "scores")
	r.Subscribe("other", "scores")
	r.Subscribe("unrelated", "inventory")

	peers := r.Subscribers("scores", "origin")
	require.Len(t, peers, 1)
	assert.Equal(t, "other", peers[0].ID())
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	r := New()
	peer := &fakePeer{id: "c1"}
	r.Register(peer)

	r.Subscribe("c1", "scores")
	assert.True(t, r.IsSubscribed("c1", "scores"))

	r.Unsubscribe("c1", "scores")
	assert.False(t, r.IsSubscribed("c1", "scores"))
	assert.Empty(t, r.Subscribers("scores", ""))
}

func TestRegistry_SubscribeUnknownClientIsNoop(t *testing.T) {
	r := New()
	r.Subscribe("ghost", "scores")
	assert.False(t, r.IsSubscribed("ghost", "scores"))
}

func TestRegistry_SweepStale(t *testing.T) {
	r := New()
	stale := &fakePeer{id: "stale"}
	fresh := &fakePeer{id: "fresh"}

	r.Register(stale)
	r.Register(fresh)

	// Backdate the stale client.
	r.mu.Lock()
	r.clients["stale"].lastSeen = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()

	removed := r.SweepStale(5 * time.Minute)
	assert.Equal(t, []string{"stale"}, removed)
	assert.True(t, stale.isClosed())
	assert.False(t, fresh.isClosed())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_TouchPreventsSweep(t *testing.T) {
	r := New()
	peer := &fakePeer{id: "c1"}
	r.Register(peer)

	r.mu.Lock()
	r.clients["c1"].lastSeen = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()

	r.Touch("c1")

	removed := r.SweepStale(5 * time.Minute)
	assert.Empty(t, removed)
	assert.Equal(t, 1, r.Len())
}
