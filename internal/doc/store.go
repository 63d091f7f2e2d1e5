// Package doc wraps automerge-go behind the small store interface the
// session orchestrator depends on, and holds the SQLite-backed persistence
// sidecar that keeps the document durable across restarts.
package doc

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Store is the CRDT document contract the orchestrator relies on. The
// concrete implementation below backs it with automerge-go; the interface
// exists so tests and future CRDT backends don't need to touch the rest of
// the package.
type Store interface {
	ApplyUpdate(update []byte) error
	StateAsUpdate() []byte
	StateVector() []byte
	DiffAgainst(stateVector []byte) ([]byte, error)
	TextSnapshot() string
}

// AutomergeStore is the automerge-backed Store implementation. All methods
// are safe for concurrent use; each call holds mu only for its own body and
// never across a network write or a channel operation.
type AutomergeStore struct {
	mu             sync.Mutex
	doc            *automerge.Doc
	sharedTypeName string
}

// New constructs a fresh document rooted at sharedTypeName (e.g. "quill").
func New(sharedTypeName string) *AutomergeStore {
	return &AutomergeStore{doc: automerge.New(), sharedTypeName: sharedTypeName}
}

// Load constructs a document from a previously saved state-as-update blob.
// A nil or empty snapshot produces a fresh document, matching the "missing
// file is non-fatal" contract of the persistence sidecar.
func Load(sharedTypeName string, snapshot []byte) (*AutomergeStore, error) {
	if len(snapshot) == 0 {
		return New(sharedTypeName), nil
	}
	d, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("doc: failed to load snapshot: %w", err)
	}
	return &AutomergeStore{doc: d, sharedTypeName: sharedTypeName}, nil
}

// ApplyUpdate merges an encoded update into the document. It is implemented
// as receiving the update through a throwaway sync state, the same
// primitive automerge-go uses for its own wire protocol: merging an update
// is exactly "receive one sync message and keep no further state about the
// sender". On failure the document is left unchanged.
func (s *AutomergeStore) ApplyUpdate(update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := automerge.NewSyncState(s.doc)
	if _, err := ss.ReceiveMessage(update); err != nil {
		return fmt.Errorf("doc: failed to apply update: %w", err)
	}
	return nil
}

// StateAsUpdate produces a complete update equivalent to the full history.
func (s *AutomergeStore) StateAsUpdate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// StateVector produces a compact summary of everything this replica has
// observed, represented as a freshly saved automerge sync-state cookie.
func (s *AutomergeStore) StateVector() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return automerge.NewSyncState(s.doc).Save()
}

// DiffAgainst produces the minimal update that would bring the owner of
// stateVector up to the current state. Empty bytes mean "already caught
// up".
func (s *AutomergeStore) DiffAgainst(stateVector []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, err := automerge.LoadSyncState(s.doc, stateVector)
	if err != nil {
		return nil, fmt.Errorf("doc: failed to load state vector: %w", err)
	}
	msg, valid := ss.GenerateMessage()
	if !valid {
		return []byte{}, nil
	}
	return msg.Bytes(), nil
}

// TextSnapshot returns a best-effort textual view of the shared type, for
// diagnostics. It never fails; a document with no content at the shared
// type yields an empty string.
func (s *AutomergeStore) TextSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := s.doc.Path(s.sharedTypeName).Text()
	str, err := text.Get()
	if err != nil {
		return ""
	}
	return str
}

// Changes exposes the document's change DAG for diagnostics, e.g. the
// /debug/graph visualization in internal/transport.
func (s *AutomergeStore) Changes() ([]*automerge.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Changes()
}

// Fork returns an independent copy of the document as of the given heads,
// used by diagnostics that need to walk history without mutating the live
// document.
func (s *AutomergeStore) Fork(heads ...automerge.ChangeHash) (*automerge.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Fork(heads...)
}
