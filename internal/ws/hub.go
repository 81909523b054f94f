package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"chatflow-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard origin check is handled by the proxy
	},
}

// Client represents a connected dashboard socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of dashboard clients and pushes engine events
// (connection status, pairing codes, message traffic) to them.
type Hub struct {
	log        zerolog.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.Mutex
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "ws").Logger(),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
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
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

type Event struct {
	Type   string      `json:"type"`
	Tenant string      `json:"tenant"`
	Data   interface{} `json:"data"`
}

func (h *Hub) BroadcastEvent(eventType, tenant string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Tenant: tenant, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("marshal ws event")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// Dropping dashboard events is preferable to blocking the engine.
	}
}

func (h *Hub) NotifyConnection(rec models.ConnectionRecord) {
	h.BroadcastEvent("connection_update", rec.TenantID, rec)
}

func (h *Hub) NotifyMessage(msg models.Message) {
	h.BroadcastEvent("message_new", msg.TenantID, msg)
}

func (h *Hub) NotifyMessageStatus(tenantID, providerID, status string) {
	h.BroadcastEvent("message_status", tenantID, map[string]string{
		"provider_message_id": providerID,
		"status":              status,
	})
}

func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade")
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// No client-to-server messages expected; reads only detect closes.
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
