package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamClient is one websocket subscriber.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans published signals out to websocket subscribers.
type Hub struct {
	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewHub creates an idle hub; Run starts its loop.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "signal_stream").Logger(),
	}
}

// Run starts the hub loop in the background.
func (h *Hub) Run() {
	go h.loop()
}

// Stop closes every client and ends the loop.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Full buffer marks a dead client.
					go func(c *streamClient) {
						select {
						case h.unregister <- c:
						case <-h.done:
						}
					}(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// PublishSignal pushes the signal to every subscriber.
func (h *Hub) PublishSignal(s *signal.Signal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn().Msg("Stream broadcast buffer full, dropping signal")
	}
	return nil
}

// ReadyCount returns the number of connected subscribers.
func (h *Hub) ReadyCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleSignalStream upgrades the request and registers the subscriber.
func (s *Server) handleSignalStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  s.hub,
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
