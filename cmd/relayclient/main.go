// relayclient is a minimal demo/test client that speaks the relay's wire
// protocol directly: it dials /ws, completes the sync handshake, then
// periodically mutates a tiny local document and exchanges updates. It
// exists to exercise the protocol end-to-end, the same role cmd/four/client
// played for the teacher's automerge-over-websocket demo; it is not an
// editor (out of scope per the specification's non-goals).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/crdtrelay/relay/internal/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:9000", "relay address to connect to")
	sharedTypeVar := flag.String("shared-type", "quill", "name of the document's shared rich-text type")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	localDoc := automerge.New()
	syncState := automerge.NewSyncState(localDoc)
	var mu sync.Mutex

	if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep1(nil)); err != nil {
		return fmt.Errorf("failed to send sync-step-1: %w", err)
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		readLoop(conn, localDoc, syncState, &mu, *sharedTypeVar)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		editLoop(ctx, conn, localDoc, syncState, &mu, *sharedTypeVar)
	}()

	<-ctx
	_ = conn.Close()
	wg.Wait()
	return nil
}

func readLoop(conn *websocket.Conn, localDoc *automerge.Doc, syncState *automerge.SyncState, mu *sync.Mutex, sharedType string) {
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "err", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		sm, aw, err := wire.Decode(payload)
		if err != nil {
			slog.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch {
		case sm != nil && sm.Kind == wire.KindSyncStep2:
			mu.Lock()
			if _, err := syncState.ReceiveMessage(sm.Payload); err != nil {
				slog.Error("failed to apply update", "err", err)
			} else {
				text := localDoc.Path(sharedType).Text()
				if s, err := text.Get(); err == nil {
					slog.Info("document updated", "text", s)
				}
			}
			mu.Unlock()
		case aw != nil:
			slog.Info("awareness relay", "client_id", aw.ClientID, "json", string(aw.JSON))
		}
	}
}

func editLoop(ctx <-chan struct{}, conn *websocket.Conn, localDoc *automerge.Doc, syncState *automerge.SyncState, mu *sync.Mutex, sharedType string) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			mu.Lock()
			text := localDoc.Path(sharedType).Text()
			_ = text.Insert(0, string(rune('a'+rand.Intn(26))))
			msg, valid := syncState.GenerateMessage()
			mu.Unlock()
			if !valid {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep2(msg.Bytes())); err != nil {
				slog.Error("failed to send update", "err", err)
				return
			}
		case <-ctx:
			return
		}
	}
}

func newSignalContext() (<-chan struct{}, func()) {
	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		slog.Info("signal caught", "sig", s)
		close(done)
	}()
	return done, func() { signal.Stop(sig) }
}
