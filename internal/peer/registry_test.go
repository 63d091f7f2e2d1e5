package peer

import "testing"

func TestAddFindRemove(t *testing.T) {
	r := NewRegistry()
	h := NewHandle()

	p := r.Add(h)
	if p.Handle != h {
		t.Fatalf("got handle %v, want %v", p.Handle, h)
	}
	if got, ok := r.Find(h); !ok || got != p {
		t.Fatalf("Find did not return the added peer")
	}
	if r.Count() != 1 {
		t.Fatalf("got count %d, want 1", r.Count())
	}

	r.Remove(h)
	if _, ok := r.Find(h); ok {
		t.Fatalf("peer still present after Remove")
	}
	if r.Count() != 0 {
		t.Fatalf("got count %d, want 0", r.Count())
	}
}

func TestSnapshotIsIndependentOfLaterMutation(t *testing.T) {
	r := NewRegistry()
	h1, h2 := NewHandle(), NewHandle()
	r.Add(h1)
	r.Add(h2)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d peers, want 2", len(snap))
	}

	r.Remove(h1)
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated after registry change")
	}
	if r.Count() != 1 {
		t.Fatalf("got count %d, want 1", r.Count())
	}
}

func TestDrainEmptiesRegistryAndQueues(t *testing.T) {
	r := NewRegistry()
	h := NewHandle()
	p := r.Add(h)
	p.Enqueue([]byte("pending"))

	r.Drain()

	if r.Count() != 0 {
		t.Fatalf("got count %d, want 0 after drain", r.Count())
	}
	if p.QueueLen() != 0 {
		t.Fatalf("got queue length %d, want 0 after drain", p.QueueLen())
	}
}

func TestPeerQueueIsFIFO(t *testing.T) {
	p := newPeer(NewHandle())
	p.Enqueue([]byte("a"))
	p.Enqueue([]byte("b"))
	p.Enqueue([]byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := p.Dequeue()
		if !ok {
			t.Fatalf("Dequeue reported empty queue before expected")
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	if _, ok := p.Dequeue(); ok {
		t.Fatalf("Dequeue returned a message from an empty queue")
	}
}

func TestPeerAwarenessRemovalClearsWithoutDeletingPeer(t *testing.T) {
	p := newPeer(NewHandle())
	p.SetAwareness([]byte(`{"cursor":1}`))
	if _, ok := p.Awareness(); !ok {
		t.Fatalf("expected awareness to be cached")
	}

	p.SetAwareness([]byte{})
	if blob, ok := p.Awareness(); ok {
		t.Fatalf("expected awareness to be cleared, got %q", blob)
	}
	// The peer itself is untouched by a removal.
	if p.State() != StateNew {
		t.Fatalf("removal mutated peer state")
	}
}

func TestPeerWritableSignalsOnEnqueue(t *testing.T) {
	p := newPeer(NewHandle())
	p.Enqueue([]byte("x"))
	select {
	case <-p.Writable():
	default:
		t.Fatalf("expected a writable signal after Enqueue")
	}
}

func TestMarkClosedOnceRunsExactlyOnce(t *testing.T) {
	p := newPeer(NewHandle())
	calls := 0
	for i := 0; i < 3; i++ {
		p.MarkClosedOnce(func() { calls++ })
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want exactly 1", calls)
	}
}
