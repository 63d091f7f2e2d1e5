// Package peer holds the per-connection state the session orchestrator
// drives: the peer record itself, its outbound queue, and the registry that
// owns the set of connected peers.
package peer

import (
	"sync"

	"github.com/google/uuid"
)

// State is a peer's position in the sync handshake state machine (§4.5).
type State int

const (
	// StateNew is a peer that has just connected and is awaiting its
	// SYNC_STEP_1.
	StateNew State = iota
	// StateSynced is a peer whose handshake is complete; it is eligible
	// to receive broadcast CRDT updates.
	StateSynced
	// StateClosed is a terminal state: the peer has been removed from
	// the registry.
	StateClosed
)

// Handle is the opaque, equality-comparable, loggable identity of a
// connection. gorilla/websocket connections are themselves valid map keys,
// but a generated UUID keeps peer identity independent of the underlying
// *websocket.Conn's lifetime and gives log lines a stable, printable value.
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

// NewHandle generates a fresh, random peer handle.
func NewHandle() Handle { return Handle(uuid.New()) }

// Peer is one active client connection and its server-side state. The
// registry is the only index of Peer values, but it is not the only holder:
// the session orchestrator and the transport keep the *Peer returned on
// connection for the life of that connection (e.g. in its writer
// goroutine), so a *Peer can outlive its registry entry.
type Peer struct {
	Handle Handle

	mu        sync.Mutex
	state     State
	clientID  uint32
	awareness []byte // nil means no cached awareness: never set, or cleared by a removal
	queue     [][]byte
	writable  chan struct{}
	closeOnce sync.Once
}

func newPeer(handle Handle) *Peer {
	return &Peer{
		Handle: handle,
		state:  StateNew,
		// Buffered by one: the writer goroutine only needs to know
		// "there is more work", never how many enqueues happened.
		writable: make(chan struct{}, 1),
	}
}

// State returns the peer's current handshake state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the peer to a new state.
func (p *Peer) SetState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ClientID returns the 32-bit client id learned from the peer's first
// awareness message, or zero if not yet known.
func (p *Peer) ClientID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// SetClientID records the client id once learned. It is idempotent; later
// awareness messages from the same connection carry the same id.
func (p *Peer) SetClientID(id uint32) {
	p.mu.Lock()
	p.clientID = id
	p.mu.Unlock()
}

// Awareness returns the most recently cached awareness blob and whether one
// is present. A removal clears this to (nil, false).
func (p *Peer) Awareness() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.awareness == nil {
		return nil, false
	}
	return p.awareness, true
}

// SetAwareness replaces the cached awareness blob. An empty (nil or
// zero-length) json clears the cache, matching the removal semantics of §4.4: it leaves
// the peer record intact but forgets its presence.
func (p *Peer) SetAwareness(json []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(json) == 0 {
		p.awareness = nil
		return
	}
	p.awareness = json
}

// Enqueue appends bytes to the tail of the outbound queue and signals the
// writer goroutine that there is work to do.
func (p *Peer) Enqueue(msg []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	p.Rearm()
}

// Rearm signals the writer goroutine that the outbound queue has work
// without adding to it. The writable pump calls this after writing one
// message when the queue still has more, matching the "re-arm writable"
// action of the SYNCED/transport-writable transition (§4.5).
func (p *Peer) Rearm() {
	select {
	case p.writable <- struct{}{}:
	default:
		// Writer is already armed; one signal is enough to drain
		// everything currently queued.
	}
}

// Dequeue removes and returns the head of the outbound queue.
func (p *Peer) Dequeue() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	msg := p.queue[0]
	p.queue = p.queue[1:]
	return msg, true
}

// QueueLen reports how many messages are currently queued; the writable
// pump uses it to decide whether to re-arm after a write. The queue has no
// high-water mark.
func (p *Peer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// DiscardQueue empties the outbound queue without writing any of it,
// used when draining the registry at shutdown.
func (p *Peer) DiscardQueue() {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
}

// Writable is signaled whenever Enqueue adds to a previously empty wake
// state; the writer goroutine selects on it to know when to drain.
func (p *Peer) Writable() <-chan struct{} { return p.writable }

// MarkClosedOnce runs fn exactly once for this peer, regardless of how many
// times the underlying transport reports closure. Transport-closed is
// idempotent (§5).
func (p *Peer) MarkClosedOnce(fn func()) {
	p.closeOnce.Do(fn)
}
