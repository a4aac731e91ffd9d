// Package wsconn accepts a bidirectional message stream per client over
// `/ws`, parses inbound frames, and hands them to the command
// dispatcher. Each connection runs a readPump/writePump goroutine pair;
// all outbound writes flow through a buffered channel so frames never
// interleave.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/syncwatch/room-backend/internal/apierrors"
	"github.com/syncwatch/room-backend/internal/broadcast"
	"github.com/syncwatch/room-backend/internal/clientregistry"
)

const (
	writeWait = 10 * time.Second

	// pongWait is the transport idle timeout: a connection that hasn't
	// answered a ping within this window is considered dead. Much longer
	// than a chat idle window, since a room quietly watching a two-hour
	// video is still a live session.
	pongWait = 960 * time.Second

	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize comfortably covers the largest legitimate command
	// payload (a full video descriptor or a playlist reference) without
	// letting a misbehaving client hold a connection's read buffer open
	// indefinitely.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dispatcher is the command-dispatch surface the connection handler
// calls into.
type Dispatcher interface {
	// Dispatch parses and executes one inbound frame for connID.
	Dispatch(ctx context.Context, connID string, frame []byte)
	// HandleDisconnect performs the same side effects as an explicit
	// leaveRoom command, for a connection that closed without sending one.
	HandleDisconnect(ctx context.Context, connID string)
}

// TicketFunc issues a reconnect ticket for a connection id; nil disables
// ticket issuance.
type TicketFunc func(connID string) (string, error)

// Connection is a single accepted `/ws` connection.
type Connection struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	registry   *clientregistry.Registry
	bus        *broadcast.Bus
	dispatcher Dispatcher
	log        *slog.Logger
}

// Handler upgrades HTTP requests on `/ws` into Connections.
type Handler struct {
	registry   *clientregistry.Registry
	bus        *broadcast.Bus
	dispatcher Dispatcher
	tickets    TicketFunc
	log        *slog.Logger
}

// NewHandler builds the `/ws` HTTP handler, wiring the broadcast bus's
// delivery-failure callback once for the lifetime of the process: any
// connection whose outbound delivery fails after its one retry is closed,
// which in turn runs readPump's cleanup (leaveRoom side effects,
// registry unregister).
func NewHandler(registry *clientregistry.Registry, bus *broadcast.Bus, dispatcher Dispatcher, tickets TicketFunc, log *slog.Logger) *Handler {
	h := &Handler{registry: registry, bus: bus, dispatcher: dispatcher, tickets: tickets, log: log}
	bus.SetDeliveryFailureHandler(func(connID string) {
		if conn, ok := registry.LocalConnection(connID); ok {
			if cc, ok := conn.(*Connection); ok {
				cc.Close()
			}
		}
	})
	return h
}

// ServeHTTP upgrades the request, registers the connection, and emits the
// ready acknowledgement before the read loop starts consuming commands.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Error("wsconn: upgrade failed", "error", err)
		}
		return
	}

	id := connectionIdentity(r)

	c := &Connection{
		id:         id,
		conn:       wsConn,
		send:       make(chan []byte, 256),
		closed:     make(chan struct{}),
		registry:   h.registry,
		bus:        h.bus,
		dispatcher: h.dispatcher,
		log:        h.log,
	}

	c.registry.RegisterConnection(c.id, c)

	go c.writePump()
	go c.readPump()

	ready := map[string]interface{}{"type": "connected", "yourId": c.id}
	if h.tickets != nil {
		if token, err := h.tickets(c.id); err == nil {
			ready["clientToken"] = token
		}
	}
	c.sendFrame(ready)
}

// connectionIdentity assigns a fresh identity, or reuses one supplied via
// the `verified_connection_id` query parameter, which the HTTP router
// sets only after validating a reconnect ticket; clients cannot inject
// it directly.
func connectionIdentity(r *http.Request) string {
	if id := r.URL.Query().Get("verified_connection_id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// Send implements clientregistry.Connection: queues event for delivery on
// this connection's write pump. A full outbound buffer returns an error
// instead of blocking, so the broadcast bus can apply its
// one-retry-then-cleanup policy to slow consumers.
func (c *Connection) Send(event []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	case c.send <- event:
		return nil
	default:
		return errSendBufferFull
	}
}

var (
	errSendBufferFull   = errors.New("wsconn: send buffer full")
	errConnectionClosed = errors.New("wsconn: connection closed")
)

// Close terminates the connection, triggering readPump's cleanup path.
func (c *Connection) Close() {
	_ = c.conn.Close()
}

// shutdown signals writePump to exit without waiting for its next ping
// tick.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

type inboundEnvelope struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Timestamp   *int64 `json:"timestamp,omitempty"`
	RequiresAck bool   `json:"requiresAck,omitempty"`
}

func (c *Connection) readPump() {
	ctx := context.Background()
	defer func() {
		c.dispatcher.HandleDisconnect(ctx, c.id)
		c.bus.LeaveAll(c.id)
		c.registry.DropConnection(c.id)
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && c.log != nil {
				c.log.Warn("wsconn: read error", "connection_id", c.id, "error", err)
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			c.sendError(apierrors.CodeInvalidMessage, "malformed frame")
			continue
		}
		if env.RequiresAck && env.ID != "" {
			c.sendFrame(map[string]string{"type": "ack", "id": env.ID})
		}

		c.dispatcher.Dispatch(ctx, c.id, message)
	}
}

func (c *Connection) sendError(code apierrors.Code, message string) {
	c.sendFrame(map[string]interface{}{
		"type":    "errorWithCode",
		"code":    code,
		"message": message,
	})
}

func (c *Connection) sendFrame(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
