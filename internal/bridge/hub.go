// Package bridge exposes the coordinator to local programs over a WebSocket.
// Clients connected to /events receive every link event as JSON and may send
// text or command frames to the accessory.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/chaz8081/wearlink/internal/protocol"
	"github.com/chaz8081/wearlink/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrame     = 64 << 10
	replyBuffer  = 16
)

// Sender is the outbound side of the coordinator.
type Sender interface {
	Send(text string) error
	SendCommand(command byte, tlvs ...protocol.TLV) error
}

// EventSource is the coordinator's Subscribe.
type EventSource interface {
	Subscribe() (<-chan transport.Event, func())
}

// Hub serves the WebSocket endpoint and tracks its clients.
type Hub struct {
	sender Sender
	events EventSource

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub returns a hub that forwards events from events and sends inbound
// frames through sender.
func NewHub(sender Sender, events EventSource) *Hub {
	return &Hub{
		sender: sender,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local bridge: the listener is bound to loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP handler serving /events.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.serveEvents)
	return mux
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("[BRIDGE] listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.closeAll()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: shutdown: %w", err)
	}
	return nil
}

// closeAll drops hijacked connections, which Shutdown does not track.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[BRIDGE] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.add(conn)
	defer h.remove(conn)
	slog.Info("[BRIDGE] client connected", "remote", r.RemoteAddr)

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan Message, replyBuffer)
	go func() {
		defer cancel()
		h.readLoop(ctx, conn, replies)
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				h.writeClose(conn)
				return
			}
			if err := h.write(conn, FromEvent(e)); err != nil {
				slog.Debug("[BRIDGE] write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case m := <-replies:
			if err := h.write(conn, m); err != nil {
				slog.Debug("[BRIDGE] write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			slog.Info("[BRIDGE] client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", m.Type, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) writeClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readLoop handles inbound frames until the connection fails. Replies go
// through the writer goroutine; gorilla allows one concurrent writer.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- Message) {
	conn.SetReadLimit(maxFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("[BRIDGE] read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := h.handle(data)
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// handle executes one inbound frame and returns the reply to send.
func (h *Hub) handle(data []byte) Message {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{Type: TypeError, Error: fmt.Sprintf("bad message: %v", err)}
	}

	var err error
	switch m.Type {
	case TypeText:
		err = h.sender.Send(m.Text)
	case TypeCommand:
		if m.Command < 0 || m.Command > 0xFF {
			err = fmt.Errorf("command %d out of range", m.Command)
			break
		}
		var tlvs []protocol.TLV
		if tlvs, err = m.packetTLVs(); err == nil {
			err = h.sender.SendCommand(byte(m.Command), tlvs...)
		}
	default:
		err = fmt.Errorf("unknown message type %q", m.Type)
	}

	if err != nil {
		slog.Warn("[BRIDGE] request failed", "type", m.Type, "id", m.ID, "error", err)
		return Message{Type: TypeError, ID: m.ID, Error: err.Error()}
	}
	return Message{Type: TypeAck, ID: m.ID}
}
