package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

const (
	// pingInterval is how often a ping is sent on an idle connection.
	pingInterval = 10 * time.Second

	// pongWait is how long a socket may stay silent before it is considered
	// dead. Every inbound frame or pong resets the deadline.
	pongWait = 30 * time.Second

	// writeWait bounds a single write so a stalled peer cannot wedge the
	// write loop.
	writeWait = 10 * time.Second
)

// ErrBroken is returned by sends after the transport failed a write or was
// closed. The owning manager is notified exactly once via the handler.
var ErrBroken = errors.New("transport broken")

// Role identifies which kind of endpoint a socket belongs to.
type Role string

const (
	RoleGlasses Role = "glasses"
	RoleApp     Role = "app"
)

// Handler receives inbound traffic from a transport. Callbacks are invoked
// from the transport's single read loop, so for one socket they are strictly
// ordered by arrival. No cross-socket ordering is guaranteed.
type Handler interface {
	// HandleJSON delivers a parsed JSON envelope.
	HandleJSON(env *protocol.Envelope)
	// HandleBinary delivers a raw binary frame (audio).
	HandleBinary(data []byte)
	// HandleClosed fires once when the transport dies, with the terminal
	// error (nil for a clean peer close).
	HandleClosed(err error)
}

// Transport is one socket to a glasses device or an App. Implementations are
// safe for concurrent sends. There is no retry at this layer: a failed write
// marks the transport broken and the owner is told once.
type Transport interface {
	SendJSON(v interface{}) error
	SendBinary(data []byte) error
	Close(code int, reason string)
	Role() Role
	RemoteAddr() string
}

// WSTransport wraps a gorilla WebSocket connection with heartbeat and
// JSON/binary demultiplexing.
type WSTransport struct {
	conn    *websocket.Conn
	role    Role
	handler Handler
	log     *logger.Logger

	writeMu sync.Mutex
	broken  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWS creates a transport over an accepted WebSocket connection and starts
// its read and heartbeat loops. The handler must be ready before this call.
func NewWS(conn *websocket.Conn, role Role, handler Handler, log *logger.Logger) *WSTransport {
	t := &WSTransport{
		conn:    conn,
		role:    role,
		handler: handler,
		log:     log.WithComponent("transport"),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go t.readLoop()
	go t.pingLoop()

	return t
}

// Role returns which endpoint kind this socket serves.
func (t *WSTransport) Role() Role {
	return t.role
}

// RemoteAddr returns the peer address for logging.
func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// SendJSON marshals v and writes it as a text frame.
func (t *WSTransport) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

// SendBinary writes a binary frame.
func (t *WSTransport) SendBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *WSTransport) write(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.broken {
		return ErrBroken
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		t.broken = true
		t.log.Warn("write failed, marking transport broken",
			slog.String("role", string(t.role)),
			slog.String("error", err.Error()))
		t.shutdown(err)
		return ErrBroken
	}
	return nil
}

// Close sends a close frame and tears the transport down. Safe to call more
// than once.
func (t *WSTransport) Close(code int, reason string) {
	t.writeMu.Lock()
	if !t.broken {
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		t.broken = true
	}
	t.writeMu.Unlock()

	t.shutdown(nil)
}

// shutdown closes the underlying connection and notifies the handler once.
func (t *WSTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
		if t.handler != nil {
			t.handler.HandleClosed(err)
		}
	})
}

// readLoop pulls frames off the socket and dispatches to the handler.
// Messages are delivered in arrival order from this single goroutine.
func (t *WSTransport) readLoop() {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.shutdown(nil)
			} else {
				t.shutdown(err)
			}
			return
		}

		t.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			env, perr := protocol.ParseEnvelope(data)
			if perr != nil {
				// Malformed JSON is a protocol event, not a transport
				// failure; the router decides whether to close.
				t.handler.HandleJSON(&protocol.Envelope{Type: "", Raw: data})
				continue
			}
			t.handler.HandleJSON(env)

		case websocket.BinaryMessage:
			t.handler.HandleBinary(data)
		}
	}
}

// pingLoop keeps the connection alive and detects silent peers.
func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			if t.broken {
				t.writeMu.Unlock()
				return
			}
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				t.broken = true
			}
			t.writeMu.Unlock()

			if err != nil {
				t.shutdown(err)
				return
			}

		case <-t.done:
			return
		}
	}
}
