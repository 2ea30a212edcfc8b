// ABOUTME: WebSocket control channel: per-page connections plus hub fan-out
// ABOUTME: Requests are answered on the asking connection; broadcasts reach every page

package worker

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tiger900/tripsync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control socket binds localhost; pages connect from the local origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

const clientSendBuffer = 16

// controlClient is one connected page.
type controlClient struct {
	conn *websocket.Conn
	send chan protocol.Message
}

// clientReply pairs a handler response with the connection it answers.
type clientReply struct {
	client *controlClient
	msg    protocol.Message
}

// Hub tracks connected pages and fans broadcasts out to all of them.
// Requests are dispatched to the handler and answered on the same
// connection they arrived on.
type Hub struct {
	handler func(protocol.Message) *protocol.Message
	logger  *slog.Logger

	register   chan *controlClient
	unregister chan *controlClient
	broadcast  chan protocol.Message
	replies    chan clientReply
	done       chan struct{}

	mu      sync.Mutex
	clients map[*controlClient]bool
}

// NewHub creates a hub dispatching requests to handler. A nil response
// from the handler means no reply (broadcast-style input).
func NewHub(handler func(protocol.Message) *protocol.Message, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		handler:    handler,
		logger:     logger.With("component", "control"),
		register:   make(chan *controlClient),
		unregister: make(chan *controlClient),
		broadcast:  make(chan protocol.Message, 64),
		replies:    make(chan clientReply, 16),
		done:       make(chan struct{}),
		clients:    make(map[*controlClient]bool),
	}
}

// Run owns the client set until Close is called. Only this goroutine
// sends on or closes a client's send channel, so evicting a client can
// never race a reply onto a closed channel.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("control client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("control client disconnected", "clients", count)

		case r := <-h.replies:
			h.mu.Lock()
			if h.clients[r.client] {
				select {
				case r.client.send <- r.msg:
				default:
					// Same treatment as a slow broadcast receiver
					delete(h.clients, r.client)
					close(r.client.send)
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client: drop it rather than stall the hub
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close shuts the hub down and disconnects every client.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast queues a message for every connected page.
func (h *Hub) Broadcast(msg protocol.Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ClientCount returns the number of connected pages.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the read/write pumps.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &controlClient{
		conn: conn,
		send: make(chan protocol.Message, clientSendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) readPump(client *controlClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.conn.Close()
	}()

	for {
		var msg protocol.Message
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("control read failed", "error", err)
			}
			return
		}

		if resp := h.handler(msg); resp != nil {
			// Replies route through Run: this client may have been evicted
			// between the read and now
			select {
			case h.replies <- clientReply{client: client, msg: *resp}:
			case <-h.done:
				return
			}
		}
	}
}

func (h *Hub) writePump(client *controlClient) {
	defer client.conn.Close()

	for msg := range client.send {
		if err := client.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	// send channel closed: say goodbye properly
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
