package peer

import "sync"

// Registry is the set of active peers. It creates each *Peer record and is
// the only index of them by Handle; callers may still keep the *Peer that
// Add returned (see Peer). Lock order is always registry → peer, never the
// reverse (§5).
type Registry struct {
	mu    sync.RWMutex
	peers map[Handle]*Peer
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[Handle]*Peer)}
}

// Add creates and registers a new peer for handle. Called exactly once per
// connection, on transport-established.
func (r *Registry) Add(handle Handle) *Peer {
	p := newPeer(handle)
	r.mu.Lock()
	r.peers[handle] = p
	r.mu.Unlock()
	return p
}

// Remove deletes the peer for handle, if present. Called exactly once per
// connection, on transport-closed.
func (r *Registry) Remove(handle Handle) {
	r.mu.Lock()
	delete(r.peers, handle)
	r.mu.Unlock()
}

// Find looks up the peer for handle.
func (r *Registry) Find(handle Handle) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[handle]
	return p, ok
}

// Count returns the number of currently registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns a point-in-time copy of the peer references, taken
// under the registry lock and released before the caller does anything
// with them. This bounds the broadcast critical section to O(n) pointer
// copies (§4.5).
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Drain discards every peer's outbound queue without writing it and empties
// the registry, used during graceful shutdown (§6). It does not close the
// underlying transports; callers that own the transport handles close them
// separately.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.DiscardQueue()
	}
	r.peers = make(map[Handle]*Peer)
}
