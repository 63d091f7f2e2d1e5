// Package transport wires the session orchestrator to a real WebSocket
// transport: gorilla/mux for routing, gorilla/websocket for the upgrade and
// framing, and felixge/httpsnoop for request instrumentation, matching the
// shape of the teacher's own cmd/four/server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/crdtrelay/relay/internal/peer"
	"github.com/crdtrelay/relay/internal/session"
)

// subProtocol is the WebSocket sub-protocol token y-websocket clients are
// expected to negotiate (§6).
const subProtocol = "crdt-protocol"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{subProtocol},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server binds an Orchestrator to HTTP routes. It owns no long-lived state
// of its own beyond the orchestrator and the underlying *http.Server.
type Server struct {
	orchestrator *session.Orchestrator
	httpServer   *http.Server
	logger       *slog.Logger
	graph        GraphRenderer
}

// GraphRenderer renders the document's change history for the /debug/graph
// diagnostic endpoint. Implemented by pkg/viz; kept as an interface here so
// transport does not need to import automerge types directly.
type GraphRenderer interface {
	RenderSVG() ([]byte, error)
}

// New builds a Server listening on addr. graph may be nil, in which case
// /debug/graph responds 404.
func New(addr string, orchestrator *session.Orchestrator, graph GraphRenderer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orchestrator: orchestrator, logger: logger, graph: graph}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.handleWebSocket)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealthz)
	r.Methods(http.MethodGet).Path("/debug/graph").HandlerFunc(s.handleDebugGraph)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the underlying router so tests can drive it with
// httptest.NewServer without binding a real TCP listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// loggingMiddleware logs method/url/duration/status for every request, the
// same httpsnoop-based shape as cmd/four/server/main.go's router.Use call.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("handled", "method", r.Method, "url", r.URL.String(), "duration", m.Duration, "status", m.Code)
		})
	}
}

// ListenAndServe starts accepting connections. It blocks until Shutdown is
// called or the listener fails for a reason other than a clean shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport: listen failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections, drains the registry (discarding
// queued outbound messages without writing them, per §6), and gives
// in-flight requests grace to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.orchestrator.Registry().Drain()
	if err != nil {
		return fmt.Errorf("transport: shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"peers":%d}`, s.orchestrator.Registry().Count())
}

func (s *Server) handleDebugGraph(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	svg, err := s.graph.RenderSVG()
	if err != nil {
		s.logger.Error("failed to render debug graph", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if _, err := w.Write(svg); err != nil {
		s.logger.Error("failed to write debug graph response", "err", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "err", err)
		return
	}

	handle := peer.NewHandle()
	pr := s.orchestrator.Connected(handle)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	closeOnce := func() {
		cancel()
		s.orchestrator.Closed(handle)
		_ = conn.Close()
	}
	defer closeOnce()

	go func() {
		writeErr := s.orchestrator.RunWriter(ctx, pr, func(msg []byte) error {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteMessage(websocket.BinaryMessage, msg)
		})
		if writeErr != nil && ctx.Err() == nil {
			s.logger.Warn("writer loop ended", "peer", handle, "err", writeErr)
			closeOnce()
		}
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			// Text frames are not part of the wire protocol (§6);
			// drop the connection rather than silently ignore it.
			// Binary frames are not checked for a second message:
			// wire.Decode reads the first one and ignores any
			// trailing bytes.
			s.logger.Warn("rejecting non-binary frame", "peer", handle, "type", mt)
			return
		}
		s.orchestrator.Received(handle, payload)
	}
}
