package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 10
)

// wsConn adapts a websocket connection to Conn. gorilla connections allow
// one concurrent writer, so sends are serialized.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

type inbound struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// Handler upgrades observer connections and serves subscribe requests.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   Logger
}

// NewHandler builds the websocket endpoint. An empty origins list accepts any origin.
func NewHandler(h *Hub, origins []string, logger Logger) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub:    h,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	h.hub.Connect(conn)
	defer func() {
		h.hub.Disconnect(conn)
		_ = raw.Close()
	}()

	raw.SetReadLimit(maxMessageSize)
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != TypeSubscribe || msg.TaskID == "" {
			continue
		}
		h.hub.Subscribe(conn, msg.TaskID)

		ack, _ := json.Marshal(Event{Type: TypeSubscribed, TaskID: msg.TaskID})
		if err := conn.Send(r.Context(), ack); err != nil {
			return
		}
	}
}
