package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fundingflow/logger"
	"fundingflow/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 8
)

// message is the envelope pushed to websocket clients.
type message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub fans finished reports out to every connected client. Slow clients
// whose buffer is full are dropped.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	log     *logger.Log
}

func newHub(log *logger.Log) *hub {
	return &hub{clients: make(map[string]*client), log: log}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{id: uuid.New().String(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.log.WithComponent("ws_hub").WithFields(logger.Fields{"client_id": c.id}).Debug("websocket client connected")
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(kind string, data interface{}) ([]byte, error) {
	return json.Marshal(message{Type: kind, Data: data, Time: time.Now().UTC()})
}

func (h *hub) broadcast(r models.Report) {
	payload, err := encode("report", r)
	if err != nil {
		h.log.WithComponent("ws_hub").WithError(err).Error("failed to encode report")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, id)
			close(c.send)
			h.log.WithComponent("ws_hub").WithFields(logger.Fields{"client_id": id}).Warn("dropping slow websocket client")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// readPump drains control frames until the peer goes away.
func (c *client) readPump(h *hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
