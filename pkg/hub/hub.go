package hub

import (
	"context"
	"encoding/json"
	"sync"
)

// Event types pushed to observers.
const (
	TypeSubscribe     = "subscribe"
	TypeSubscribed    = "subscribed"
	TypeProjectUpdate = "project_update"
	TypeGlobalUpdate  = "global_update"
)

// Event is the envelope written to observer connections.
type Event struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Conn is a live observer connection.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
}

// Logger is the subset of slog.Logger the hub needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Hub tracks observer connections and which tasks each one follows.
// Sends happen on a snapshot taken under the lock, so connects and
// disconnects never block on a slow observer.
type Hub struct {
	mu     sync.RWMutex
	conns  map[Conn]struct{}
	tasks  map[string]map[Conn]struct{}
	logger Logger
}

func New(logger Logger) *Hub {
	return &Hub{
		conns:  make(map[Conn]struct{}),
		tasks:  make(map[string]map[Conn]struct{}),
		logger: logger,
	}
}

// Connect registers conn in the global set.
func (h *Hub) Connect(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

// Disconnect removes conn from the global set and every task subscription.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
	for task, subs := range h.tasks {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.tasks, task)
		}
	}
}

// Subscribe adds conn to the subscriber set of taskID.
func (h *Hub) Subscribe(conn Conn, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.tasks[taskID]
	if !ok {
		subs = make(map[Conn]struct{})
		h.tasks[taskID] = subs
	}
	subs[conn] = struct{}{}
}

// BroadcastToTask sends a project_update to every subscriber of taskID.
// Subscribers whose send fails are dropped from that task only.
func (h *Hub) BroadcastToTask(ctx context.Context, taskID string, data any) {
	h.mu.RLock()
	subs := snapshot(h.tasks[taskID])
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(Event{Type: TypeProjectUpdate, TaskID: taskID, Data: data})
	if err != nil {
		h.logger.Warn("encode project update", "task", taskID, "error", err)
		return
	}

	var failed []Conn
	for _, conn := range subs {
		if err := conn.Send(ctx, payload); err != nil {
			failed = append(failed, conn)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.tasks[taskID]; ok {
		for _, conn := range failed {
			delete(current, conn)
		}
		if len(current) == 0 {
			delete(h.tasks, taskID)
		}
	}
}

// BroadcastGlobal sends a global_update to every connection. Connections
// whose send fails are disconnected entirely.
func (h *Hub) BroadcastGlobal(ctx context.Context, data any) {
	h.mu.RLock()
	conns := snapshot(h.conns)
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(Event{Type: TypeGlobalUpdate, Data: data})
	if err != nil {
		h.logger.Warn("encode global update", "error", err)
		return
	}

	for _, conn := range conns {
		if err := conn.Send(ctx, payload); err != nil {
			h.Disconnect(conn)
		}
	}
}

// Counts reports the number of live connections and subscribed tasks.
func (h *Hub) Counts() (connections, tasks int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.tasks)
}

// Subscribers reports how many connections follow taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tasks[taskID])
}

func snapshot(set map[Conn]struct{}) []Conn {
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}
