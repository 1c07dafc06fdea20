package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/auth"
	"crypto-strategy-bot/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS middleware; the upgrade
	// itself accepts any origin that got this far.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
}

type userMessage struct {
	userID string
	data   []byte
}

// Hub fans events out to websocket clients. Events carrying a user ID go only
// to that user's connections; the rest broadcast to everyone.
type Hub struct {
	clients     map[*wsClient]bool
	userClients map[string]map[*wsClient]bool
	broadcast   chan []byte
	userCast    chan userMessage
	register    chan *wsClient
	unregister  chan *wsClient
	stopCh      chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	logger      zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*wsClient]bool),
		userClients: make(map[string]map[*wsClient]bool),
		broadcast:   make(chan []byte, 256),
		userCast:    make(chan userMessage, 256),
		register:    make(chan *wsClient),
		unregister:  make(chan *wsClient),
		stopCh:      make(chan struct{}),
		logger:      logger.With().Str("component", "websocket").Logger(),
	}
}

// AttachBus forwards every bus event into the hub.
func (h *Hub) AttachBus(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		if event.UserID != "" {
			select {
			case h.userCast <- userMessage{userID: event.UserID, data: data}:
			default:
			}
			return
		}
		select {
		case h.broadcast <- data:
		default:
		}
	})
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*wsClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClient(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				h.trySend(client, message)
			}
			h.mu.Unlock()

		case message := <-h.userCast:
			h.mu.Lock()
			for client := range h.userClients[message.userID] {
				h.trySend(client, message.data)
			}
			h.mu.Unlock()

		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				h.dropClient(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// dropClient and trySend require h.mu held.
func (h *Hub) dropClient(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if userClients, ok := h.userClients[client.userID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.userClients, client.userID)
		}
	}
	close(client.send)
}

func (h *Hub) trySend(client *wsClient, message []byte) {
	select {
	case client.send <- message:
	default:
		h.dropClient(client) // slow consumer
	}
}

// handleWebSocket upgrades an authenticated request to a live event stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	userID := auth.GetUserID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		hub:    s.hub,
		userID: userID,
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
