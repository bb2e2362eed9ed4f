package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// Hub broadcasts activity events to WebSocket clients. Each client only
// receives events of projects it owns.
type Hub struct {
	stream   Subscriber
	upgrader websocket.Upgrader

	// visible reports whether owner may see events of projectID. It may
	// hit the database and is never called with mu held.
	visible func(ctx context.Context, owner, projectID string) bool
	// originAllowed accepts cross-origin browser clients.
	originAllowed func(origin string) bool

	mu      sync.Mutex
	clients map[*websocket.Conn]*wsClient
}

// wsClient is only touched by the Run goroutine once registered.
type wsClient struct {
	conn     *websocket.Conn
	owner    string
	projects map[string]bool
}

// NewHub creates a Hub fed by stream. Until originAllowed is set only
// same-origin and non-browser clients may connect.
func NewHub(stream Subscriber) *Hub {
	h := &Hub{
		stream:        stream,
		visible:       func(context.Context, string, string) bool { return true },
		originAllowed: func(string) bool { return false },
		clients:       make(map[*websocket.Conn]*wsClient),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts requests without an Origin header, same-origin
// requests and the configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return h.originAllowed(origin)
}

// Run forwards events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.stream == nil {
		return
	}
	ch := h.stream.Subscribe()
	defer h.stream.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			h.broadcast(ctx, e.ProjectID, data)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, projectID string, data []byte) {
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		allowed, seen := c.projects[projectID]
		if !seen {
			allowed = h.visible(ctx, c.owner, projectID)
			c.projects[projectID] = allowed
		}
		if !allowed {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c.conn)
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = &wsClient{conn: conn, owner: currentUser(r.Context()).ID, projects: map[string]bool{}}
	h.mu.Unlock()
	defer h.remove(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
