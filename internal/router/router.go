// Package router implements SubscriptionRouter: it tracks each
// WebSocket client's subscribed project ids, fans EventBus emissions out
// to the right clients, and replays a status snapshot on subscribe so a
// reconnecting client doesn't need a separate fetch.
package router

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loom/internal/domain"
	"loom/internal/eventbus"
	"loom/internal/logx"
)

// Frame is the wire shape of every WebSocket message, in both
// directions.
type Frame struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// StatusSnapshotFunc returns the current agent_status snapshot for a
// project, used to replay state to a freshly-subscribed client.
type StatusSnapshotFunc func(projectID string) (domain.AgentStatusPayload, bool)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	clientSendBuf  = 64
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router is the SubscriptionRouter. Construct with New.
type Router struct {
	bus      *eventbus.Bus
	log      *logx.Logger
	snapshot StatusSnapshotFunc

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Frame

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// New constructs a Router and subscribes it to bus.
func New(bus *eventbus.Bus, snapshot StatusSnapshotFunc, log *logx.Logger) *Router {
	r := &Router{bus: bus, log: log, snapshot: snapshot, clients: make(map[*client]struct{})}
	bus.Subscribe(r.onEvent)
	return r
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// the client disconnects, at which point its subscription set is
// dropped.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		if r.log != nil {
			r.log.Warn("router: upgrade failed: %v", err)
		}
		return
	}

	c := &client{conn: conn, send: make(chan Frame, clientSendBuf), subscribed: make(map[string]struct{})}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	done := make(chan struct{})
	go r.writePump(c, done)
	r.readPump(c)

	close(done)
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
	conn.Close()
}

func (r *Router) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "subscribe":
			r.subscribe(c, frame.ProjectID)
		case "unsubscribe":
			c.mu.Lock()
			delete(c.subscribed, frame.ProjectID)
			c.mu.Unlock()
		}
	}
}

func (r *Router) subscribe(c *client, projectID string) {
	c.mu.Lock()
	c.subscribed[projectID] = struct{}{}
	c.mu.Unlock()

	if r.snapshot == nil {
		return
	}
	status, ok := r.snapshot(projectID)
	if !ok {
		return
	}
	c.enqueue(Frame{Type: string(domain.EventAgentStatus), ProjectID: projectID, Data: status})
}

func (r *Router) writePump(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *client) enqueue(frame Frame) {
	select {
	case c.send <- frame:
	default:
		// Slow subscriber: drop rather than block the publisher, per
		// EventBus's no-backpressure contract.
	}
}

func (c *client) isSubscribed(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribed[projectID]
	return ok
}

// frameTypeOf maps an EventKind to the WebSocket envelope's type field.
func frameTypeOf(kind domain.EventKind) string {
	switch kind {
	case domain.EventAgentMessage, domain.EventAgentStatus, domain.EventAgentWaiting,
		domain.EventQueueChange, domain.EventSessionRecovery:
		return string(kind)
	default:
		return ""
	}
}

// globalEvent reports whether ev should be delivered to every client
// regardless of subscription (the queue-depth aggregate has no single
// owning project).
func globalEvent(ev domain.Event) bool {
	return ev.Kind == domain.EventQueueChange && ev.ProjectID == ""
}

func (r *Router) onEvent(ev domain.Event) {
	frameType := frameTypeOf(ev.Kind)
	if frameType == "" {
		return
	}
	frame := Frame{Type: frameType, ProjectID: ev.ProjectID, Data: ev.Payload}

	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	broadcast := globalEvent(ev)
	for _, c := range clients {
		if broadcast || c.isSubscribed(ev.ProjectID) {
			c.enqueue(frame)
		}
	}
}
