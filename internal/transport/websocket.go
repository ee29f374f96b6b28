package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Overworldai/Biome/internal/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	// tickInterval bounds how often the connection loop checks for new
	// control input between frame generations when the session is idle.
	tickInterval = 10 * time.Millisecond
)

// upgrader has no origin restriction: the service assumes loopback or
// otherwise trusted clients and does no authentication.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionFactory builds a new session for each accepted connection.
type SessionFactory func() *session.Session

// WSHandler upgrades HTTP requests on the WebSocket path and runs the
// per-connection session loop.
type WSHandler struct {
	newSession SessionFactory
}

// NewWSHandler builds a WSHandler that constructs a fresh session via
// newSession for every accepted connection.
func NewWSHandler(newSession SessionFactory) *WSHandler {
	return &WSHandler{newSession: newSession}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	go h.handleConnection(conn, r.RemoteAddr)
}

// handleConnection runs the read pump, ping ticker, and session dispatch
// loop for one connection.
func (h *WSHandler) handleConnection(conn *websocket.Conn, remoteAddr string) {
	sess := h.newSession()
	sess.SetRemoteAddr(remoteAddr)
	inbound := make(chan session.Event, 64)
	done := make(chan struct{})

	sess.SetEmitter(func(o session.Outbound) {
		h.writeAll(conn, []session.Outbound{o})
	})

	defer func() {
		close(done)
		sess.Close()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(conn, done)
	go h.readLoop(conn, inbound, done)

	// A fresh connection is told up front that the server is waiting on its
	// handshake (model + seed selection).
	if !h.writeAll(conn, []session.Outbound{{Kind: session.OutboundStatus, Status: session.StatusWaitingForSeed}}) {
		return
	}

	h.dispatchLoop(conn, sess, inbound, done)
}

// pingLoop sends periodic pings on their own goroutine. It uses
// WriteControl rather than WriteMessage: gorilla/websocket permits
// WriteControl to run concurrently with WriteMessage, which dispatchLoop
// is calling on the same connection from its own goroutine.
func (h *WSHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WSHandler) readLoop(conn *websocket.Conn, inbound chan<- session.Event, done <-chan struct{}) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			slog.Debug("transport: dropping malformed message", "error", err)
			continue
		}
		select {
		case inbound <- ev:
		case <-done:
			return
		}
	}
}

// dispatchLoop drives the session: it drains coalesced inbound events,
// dispatches each in order, and writes any resulting outbound messages,
// checking the handshake timeout while the session has not yet reached
// running state.
func (h *WSHandler) dispatchLoop(conn *websocket.Conn, sess *session.Session, inbound chan session.Event, done <-chan struct{}) {
	ctx := context.Background()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if out := sess.CheckHandshakeTimeout(); out != nil {
				h.writeAll(conn, out)
				return
			}

			for _, ev := range session.DrainNonBlocking(inbound) {
				out, err := sess.Dispatch(ctx, ev)
				if err != nil {
					slog.Error("transport: session dispatch error", "error", err)
					return
				}
				if !h.writeAll(conn, out) {
					return
				}
			}

			if sess.State() == session.StateClosed {
				return
			}
		}
	}
}

func (h *WSHandler) writeAll(conn *websocket.Conn, out []session.Outbound) bool {
	for _, o := range out {
		payload, err := encodeOutbound(o, DefaultJPEGQuality)
		if err != nil {
			slog.Error("transport: encode outbound failed", "error", err)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return false
		}
	}
	return true
}
