// Package session drives the per-connection state machine described in
// §4.5: handshake dispatch, CRDT/awareness broadcast, and the writable pump.
// It depends only on the doc.Store and peer.Registry abstractions, not on
// any concrete transport, so it can be exercised by tests without a real
// WebSocket.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/crdtrelay/relay/internal/doc"
	"github.com/crdtrelay/relay/internal/peer"
	"github.com/crdtrelay/relay/internal/wire"
)

// DefaultBroadcastConcurrency bounds the worker pool used to fan out a
// single broadcast across peers (§5, §9). The cost per peer is one slice
// copy and one channel send, so this exists to keep one slow peer from
// stalling delivery to the others rather than for raw throughput.
const DefaultBroadcastConcurrency = 8

// Orchestrator owns the registry and document store for one relayed
// document and drives every inbound dispatch and outbound broadcast
// against them. It holds no transport-specific state; internal/transport
// wires it to real WebSocket connections.
type Orchestrator struct {
	registry             *peer.Registry
	store                doc.Store
	persister            *doc.Persister
	logger               *slog.Logger
	broadcastConcurrency int
}

// New constructs an Orchestrator. persister may be nil, in which case
// applied updates are never durably persisted (used by tests that only
// care about in-memory convergence).
func New(store doc.Store, persister *doc.Persister, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:             peer.NewRegistry(),
		store:                store,
		persister:            persister,
		logger:               logger,
		broadcastConcurrency: DefaultBroadcastConcurrency,
	}
}

// Registry exposes the underlying peer registry, e.g. for a /healthz
// handler reporting peer counts.
func (o *Orchestrator) Registry() *peer.Registry { return o.registry }

// Connected handles the transport-established event: it registers a new
// peer in NEW and primes it with the cached awareness of every other peer
// whose client id is already known, ahead of the sync-step-2 reply (§4.5).
func (o *Orchestrator) Connected(handle peer.Handle) *peer.Peer {
	pr := o.registry.Add(handle)

	for _, other := range o.registry.Snapshot() {
		if other.Handle == handle {
			continue
		}
		clientID := other.ClientID()
		if clientID == 0 {
			continue
		}
		blob, ok := other.Awareness()
		if !ok {
			continue
		}
		pr.Enqueue(wire.EncodeAwareness(clientID, blob))
	}

	o.logger.Info("peer connected", "peer", handle, "total", o.registry.Count())
	return pr
}

// Closed handles the transport-closed event: idempotently broadcasts an
// awareness removal if the peer's client id was known, then removes it
// from the registry (§4.5).
func (o *Orchestrator) Closed(handle peer.Handle) {
	pr, ok := o.registry.Find(handle)
	if !ok {
		return
	}
	pr.MarkClosedOnce(func() {
		if clientID := pr.ClientID(); clientID != 0 {
			removal := wire.EncodeAwareness(clientID, nil)
			o.broadcast(o.otherPeers(handle, nil), removal)
		}
		o.registry.Remove(handle)
		o.logger.Info("peer disconnected", "peer", handle, "total", o.registry.Count())
	})
}

// Received handles one inbound frame from handle. Decode errors and
// semantic apply failures are logged and the frame is dropped; the session
// stays open in both cases (§7).
func (o *Orchestrator) Received(handle peer.Handle, frame []byte) {
	pr, ok := o.registry.Find(handle)
	if !ok {
		return
	}

	syncMsg, awarenessMsg, err := wire.Decode(frame)
	if err != nil {
		o.logger.Warn("dropping malformed frame", "peer", handle, "err", err)
		return
	}

	switch {
	case syncMsg != nil:
		o.handleSync(pr, syncMsg, frame)
	case awarenessMsg != nil:
		o.handleAwareness(pr, awarenessMsg, frame)
	}
}

func (o *Orchestrator) handleSync(pr *peer.Peer, msg *wire.SyncMessage, frame []byte) {
	switch msg.Kind {
	case wire.KindSyncStep1:
		// The canonical handshake always answers with the full current
		// state rather than diffing against the peer's declared state
		// vector: a client's own sync-step-2 cannot then arrive before
		// its sync-step-1 reply, so it never observes an update whose
		// base it lacks (§9).
		update := o.store.StateAsUpdate()
		pr.Enqueue(wire.EncodeSyncStep2(update))
		pr.SetState(peer.StateSynced)

	case wire.KindSyncStep2:
		if err := o.store.ApplyUpdate(msg.Payload); err != nil {
			o.logger.Error("rejecting update", "peer", pr.Handle, "err", err)
			return
		}
		if o.persister != nil {
			o.persister.Request(o.store.StateAsUpdate())
		}
		o.broadcast(o.otherSyncedPeers(pr.Handle), frame)
	}
}

func (o *Orchestrator) handleAwareness(pr *peer.Peer, msg *wire.AwarenessMessage, frame []byte) {
	if msg.ClientID != 0 {
		pr.SetClientID(msg.ClientID)
	}
	pr.SetAwareness(msg.JSON)
	o.broadcast(o.otherPeers(pr.Handle, nil), frame)
}

// otherSyncedPeers returns every registered peer other than exclude that is
// SYNCED, the broadcast eligibility rule for CRDT updates (§4.5).
func (o *Orchestrator) otherSyncedPeers(exclude peer.Handle) []*peer.Peer {
	all := o.registry.Snapshot()
	out := make([]*peer.Peer, 0, len(all))
	for _, p := range all {
		if p.Handle == exclude {
			continue
		}
		if p.State() != peer.StateSynced {
			continue
		}
		out = append(out, p)
	}
	return out
}

// otherPeers returns every registered peer other than exclude, regardless
// of sync state: the broadcast eligibility rule for awareness (§4.5). An
// optional pre-fetched snapshot can be passed to avoid a second lock
// acquisition when the caller already has one; nil takes a fresh snapshot,
// which is what every current caller passes.
func (o *Orchestrator) otherPeers(exclude peer.Handle, snapshot []*peer.Peer) []*peer.Peer {
	all := snapshot
	if all == nil {
		all = o.registry.Snapshot()
	}
	out := make([]*peer.Peer, 0, len(all))
	for _, p := range all {
		if p.Handle == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

// broadcast fans the same framed message out to every target peer using a
// bounded worker pool, the Go-native replacement for the source's OpenMP
// task fan-out (§5, §9). It never returns an error: an individual peer's
// Enqueue cannot fail, only a subsequent write can, and that is the
// writable pump's concern.
func (o *Orchestrator) broadcast(targets []*peer.Peer, frame []byte) {
	if len(targets) == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(o.broadcastConcurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			target.Enqueue(frame)
			return nil
		})
	}
	_ = g.Wait()
}

// RunWriter drains pr's outbound queue whenever it is signaled writable,
// writing one message at a time via write and re-arming if more remain
// (§4.5's transport-writable transition). It returns when ctx is canceled
// or write returns an error, the latter being the transport-level failure
// that the caller should treat as transport-closed (§7 tier 3).
func (o *Orchestrator) RunWriter(ctx context.Context, pr *peer.Peer, write func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pr.Writable():
		}

		msg, ok := pr.Dequeue()
		if !ok {
			continue
		}
		if err := write(msg); err != nil {
			return fmt.Errorf("session: write failed for peer %s: %w", pr.Handle, err)
		}
		if pr.QueueLen() > 0 {
			pr.Rearm()
		}
	}
}
