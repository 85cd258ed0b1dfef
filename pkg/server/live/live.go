// Package live streams refreshed latest-snapshot rows to websocket clients.
// The serving daemon polls the latest collections and broadcasts any row
// whose ingestion-run timestamp advanced since the previous poll.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/config"
	"hpcacct/pkg/record"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (curl, monitoring).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Update is one broadcast message: the resource a row belongs to and the
// refreshed row itself.
type Update struct {
	Resource string         `json:"resource"`
	Row      map[string]any `json:"row"`
}

// Hub manages websocket subscribers.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, 10),
		unregister: make(chan *websocket.Conn, 10),
		broadcast:  make(chan []byte, 256),
	}
}

// Run drives the hub until ctx is done, closing every client on shutdown.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.LiveWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Broadcast queues an update for every subscriber. A full channel drops the
// message rather than blocking the poller.
func (h *Hub) Broadcast(u Update) {
	message, err := json.Marshal(u)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message:
	default:
		log.Printf("live broadcast channel full, dropping update")
	}
}

// Handler upgrades a request to a websocket subscription.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		h.register <- conn

		// Drain (and discard) client messages to detect disconnects.
		go func() {
			defer func() { h.unregister <- conn }()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// Watcher polls the latest collections and feeds the hub.
type Watcher struct {
	reg *collection.Registry
	hub *Hub

	// lastSeen maps resource/id to the row's run timestamp.
	lastSeen map[string]string
}

// NewWatcher creates a watcher over the given registry.
func NewWatcher(reg *collection.Registry, hub *Hub) *Watcher {
	return &Watcher{reg: reg, hub: hub, lastSeen: make(map[string]string)}
}

var watchedResources = map[string]string{
	"compute_latest": record.CollComputeLatest,
	"storage_latest": record.CollStorageLatest,
	"files_latest":   record.CollFilesLatest,
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(config.LivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	for resource, coll := range watchedResources {
		rows, err := w.reg.Query(ctx, coll, collection.Spec{})
		if err != nil {
			log.Printf("live poll of %s failed: %v", coll, err)
			continue
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			ts, _ := row["ts"].(string)
			key := resource + "/" + id
			if w.lastSeen[key] == ts {
				continue
			}
			w.lastSeen[key] = ts
			delete(row, collection.PartitionField)
			w.hub.Broadcast(Update{Resource: resource, Row: row})
		}
	}
}
