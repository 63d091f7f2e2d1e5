package transport

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crdtrelay/relay/internal/session"
	"github.com/crdtrelay/relay/internal/wire"
)

// fakeStore mirrors internal/session's test double: it concatenates
// applied updates so the end-to-end handshake/broadcast tests here can
// assert on exact bytes without depending on automerge's CRDT semantics.
type fakeStore struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *fakeStore) ApplyUpdate(update []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, update)
	return nil
}

func (f *fakeStore) StateAsUpdate() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, u := range f.applied {
		out = append(out, u...)
	}
	return out
}

func (f *fakeStore) StateVector() []byte                 { return []byte("sv") }
func (f *fakeStore) DiffAgainst(_ []byte) ([]byte, error) { return nil, nil }
func (f *fakeStore) TextSnapshot() string                { return string(f.StateAsUpdate()) }

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	store := &fakeStore{}
	orchestrator := session.New(store, nil, nil)
	srv := New("", orchestrator, nil, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	return httpSrv, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	mt, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("got message type %d, want BinaryMessage", mt)
	}
	return payload
}

func TestHandshakeRoundTrip(t *testing.T) {
	_, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep1(nil)); err != nil {
		t.Fatalf("failed to send sync-step-1: %v", err)
	}
	reply := readBinary(t, conn, 2*time.Second)
	sync, _, err := wire.Decode(reply)
	if err != nil || sync == nil || sync.Kind != wire.KindSyncStep2 {
		t.Fatalf("expected a sync-step-2 reply, got err=%v sync=%v", err, sync)
	}
	if len(sync.Payload) != 0 {
		t.Fatalf("got payload %v, want empty for a fresh document", sync.Payload)
	}
}

func TestTwoClientFanOut(t *testing.T) {
	_, wsURL := newTestServer(t)
	a := dial(t, wsURL)
	b := dial(t, wsURL)

	for _, c := range []*websocket.Conn{a, b} {
		if err := c.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep1(nil)); err != nil {
			t.Fatalf("failed to send sync-step-1: %v", err)
		}
		readBinary(t, c, 2*time.Second) // discard sync-step-2 reply
	}

	update := wire.EncodeSyncStep2([]byte("insert x"))
	if err := a.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}

	got := readBinary(t, b, 2*time.Second)
	if !bytes.Equal(got, update) {
		t.Fatalf("got %v, want the byte-identical update %v", got, update)
	}
}

func TestAwarenessRelayedWithoutSync(t *testing.T) {
	_, wsURL := newTestServer(t)
	a := dial(t, wsURL) // never completes the handshake
	b := dial(t, wsURL)

	if err := b.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep1(nil)); err != nil {
		t.Fatalf("failed to send sync-step-1: %v", err)
	}
	readBinary(t, b, 2*time.Second) // discard sync-step-2 reply

	frame := wire.EncodeAwareness(42, []byte(`{"cursor":3}`))
	if err := b.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("failed to send awareness: %v", err)
	}

	got := readBinary(t, a, 2*time.Second)
	if !bytes.Equal(got, frame) {
		t.Fatalf("got %v, want the byte-identical awareness frame %v", got, frame)
	}
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	_, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x05}); err != nil {
		t.Fatalf("failed to send malformed frame: %v", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep1(nil)); err != nil {
		t.Fatalf("failed to send sync-step-1 after malformed frame: %v", err)
	}
	reply := readBinary(t, conn, 2*time.Second)
	sync, _, err := wire.Decode(reply)
	if err != nil || sync == nil || sync.Kind != wire.KindSyncStep2 {
		t.Fatalf("session did not recover after a malformed frame: err=%v sync=%v", err, sync)
	}
}

func TestHealthzReportsPeerCount(t *testing.T) {
	httpSrv, wsURL := newTestServer(t)
	dial(t, wsURL)
	dial(t, wsURL)

	time.Sleep(50 * time.Millisecond) // let both Connected() calls land

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("failed to GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read /healthz body: %v", err)
	}
	if string(body) != `{"peers":2}` {
		t.Fatalf("got body %s, want {\"peers\":2}", body)
	}
}
