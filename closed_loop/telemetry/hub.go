package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"balancer-core/utils"
)

const (
	writeWait    = time.Second
	clientBuffer = 32
)

type client struct {
	conn *websocket.Conn
	send chan string
}

// Hub fans status lines out to every WebSocket client and feeds their text
// frames, decoded, into a command channel. Slow clients lose lines rather
// than stall the broadcaster.
type Hub struct {
	upgrader websocket.Upgrader
	commands chan<- Command
	greeting func() []string
	log      *utils.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub sends decoded commands to commands. greeting, when non-nil, returns
// the lines sent to each client as it connects.
func NewHub(commands chan<- Command, greeting func() []string, log *utils.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		commands: commands,
		greeting: greeting,
		log:      log,
		clients:  make(map[*client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := &client{conn: conn, send: make(chan string, clientBuffer)}
	if h.greeting != nil {
		for _, line := range h.greeting() {
			c.send <- line
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("Operator connected from %s", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := ParseCommand(string(msg))
		if err != nil {
			h.log.Debug("Ignoring operator message: %v", err)
			continue
		}
		h.deliver(cmd)
	}
}

func (h *Hub) writeLoop(c *client) {
	for line := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
	c.conn.Close()
}

func (h *Hub) deliver(cmd Command) {
	select {
	case h.commands <- cmd:
	default:
		h.log.Warn("Command queue full, dropped %T", cmd)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	left := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	close(c.send)
	h.log.Info("Operator disconnected, %d remaining", left)
	if left == 0 {
		h.deliver(Disconnect{})
	}
}

// Broadcast queues line for every connected client.
func (h *Hub) Broadcast(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- line:
		default:
		}
	}
}

// Clients returns the number of connected operators.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		close(c.send)
	}
}
