// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package viewer implements the Viewer Fan-Out Endpoint: a gorilla/websocket
// server handler that authenticates a viewer-token-bearing request, replays
// a session's catch-up window, and then forwards live events. Grounded on
// webrtc.go's upgrader shape and the session package's Subscribe/Sink
// contract.
package viewer

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/callassistant/internal/log"
	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/viewertoken"
)

// PingInterval is how often the endpoint sends a websocket ping to a
// connected viewer.
const PingInterval = 20 * time.Second

// FlushWindow is how long an already-terminal session's catch-up write is
// given to reach the client before the socket is closed 1000.
const FlushWindow = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the viewer fan-out endpoint.
type Handler struct {
	store  *session.Store
	tokens *viewertoken.Service
	logger log.Logger
}

// New constructs a Handler.
func New(store *session.Store, tokens *viewertoken.Service, logger log.Logger) *Handler {
	return &Handler{store: store, tokens: tokens, logger: logger}
}

// RegisterRoutes wires the fan-out endpoint into engine at
// /twilio/logs.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/twilio/logs", h.handle)
}

// sink adapts a gorilla/websocket connection into session.Sink: TrySend
// enqueues onto a bounded channel drained by a single writer goroutine, so
// a slow viewer is dropped rather than blocking the broadcasting session.
type sink struct {
	ch     chan session.Event
	closed chan struct{}
}

func newSink() *sink {
	return &sink{ch: make(chan session.Event, 256), closed: make(chan struct{})}
}

func (s *sink) TrySend(ev session.Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *sink) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func (h *Handler) handle(c *gin.Context) {
	sessionID := c.Query("sessionId")
	token := c.Query("viewerToken")
	sinceSeq := parseSinceSeq(c.Query("sinceSeq"))

	sess := h.store.GetSession(sessionID)
	authorized := sess != nil && token != "" && h.tokens.Verify(sessionID, token)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("viewer: upgrade failed: %v", err)
		}
		return
	}

	if !authorized {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	sk := newSink()
	subID, catchUp, ok := h.store.Subscribe(sessionID, sinceSeq, sk)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.store.Unsubscribe(sessionID, subID)

	for _, ev := range catchUp {
		if !sk.TrySend(ev) {
			break
		}
	}

	if h.store.IsTerminal(sessionID) {
		h.drain(conn, sk)
		return
	}

	h.pump(c, conn, sk)
}

// drain flushes whatever is already queued on sk for FlushWindow and then
// closes the socket 1000 — the already-terminal-session fast path.
func (h *Handler) drain(conn *websocket.Conn, sk *sink) {
	deadline := time.After(FlushWindow)
	for {
		select {
		case ev := <-sk.ch:
			if err := conn.WriteJSON(ev); err != nil {
				_ = conn.Close()
				return
			}
		case <-deadline:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
	}
}

// pump forwards live events to conn until the session closes the sink, the
// client disconnects, or a write fails. A background reader goroutine
// discards client frames (the viewer never sends payloads, but reading
// keeps the connection's close/ping-pong machinery alive) and signals
// disconnect.
func (h *Handler) pump(c *gin.Context, conn *websocket.Conn, sk *sink) {
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sk.ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				_ = conn.Close()
				return
			}
		case <-sk.closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = conn.Close()
				return
			}
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			_ = conn.Close()
			return
		}
	}
}

func parseSinceSeq(raw string) uint64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
