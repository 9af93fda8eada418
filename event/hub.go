package event

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/orbit-so/go-orbit/service/logger"
)

const clientBuffer = 32

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The debug stream carries no secrets and is only mounted in non-prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams pipeline events to connected websocket clients for local
// debugging. A client that stops reading is disconnected rather than allowed
// to stall the hub.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

func NewHub() *Hub {
	return &Hub{clients: map[*websocket.Conn]chan Event{}}
}

// Handle implements Sink
func (h *Hub) Handle(ctx context.Context, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- e:
		default:
			close(send)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// ServeWS upgrades the request and streams events until the client goes away
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.For(c).Warnf("websocket upgrade failed: %s", err)
			return
		}

		send := make(chan Event, clientBuffer)
		h.mu.Lock()
		h.clients[conn] = send
		h.mu.Unlock()

		go h.writeLoop(conn, send)
		h.readLoop(conn)
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, send chan Event) {
	for e := range send {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			h.drop(conn)
			return
		}
	}
}

// readLoop discards client frames and notices disconnects
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}
