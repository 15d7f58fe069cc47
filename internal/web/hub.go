package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

// Message is the envelope pushed to every websocket client.
type Message struct {
	Type      string    `json:"type"` // progress, result, stats
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// JobResult is the wire form of a finished pipeline job.
type JobResult struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// QueueStats counts recent jobs by status.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Hub fans messages out to connected websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int64
	log        *slog.Logger
}

// NewHub creates a hub; call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Run owns the client set until ctx ends. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.count.Store(0)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int64(len(h.clients)))
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Broadcast queues a typed message. Messages are dropped when the hub is saturated.
func (h *Hub) Broadcast(kind string, data any) error {
	payload, err := json.Marshal(Message{Type: kind, Data: data, Timestamp: time.Now()})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- payload:
	default:
		h.log.Debug("websocket broadcast dropped", "type", kind)
	}
	return nil
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Forward relays pipeline progress and results to clients until ctx ends.
func (h *Hub) Forward(ctx context.Context, pipe *pipeline.Pipeline) {
	progress, unsubProgress := pipe.SubscribeProgress()
	defer unsubProgress()
	results, unsubResults := pipe.Subscribe()
	defer unsubResults()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-progress:
			if !ok {
				return
			}
			h.Broadcast("progress", ev)
		case res, ok := <-results:
			if !ok {
				return
			}
			h.Broadcast("result", ToJobResult(res))
		}
	}
}

// ToJobResult flattens a pipeline result for JSON transport.
func ToJobResult(res pipeline.Result) JobResult {
	out := JobResult{JobID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		out.Status = "failed"
		out.Error = res.Error.Error()
	}
	return out
}

// BroadcastStats pushes queue statistics every interval until ctx ends.
func (h *Hub) BroadcastStats(ctx context.Context, store *storage.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Clients() == 0 {
				continue
			}
			stats, err := Stats(store)
			if err != nil {
				h.log.Debug("queue stats unavailable", "error", err)
				continue
			}
			h.Broadcast("stats", stats)
		}
	}
}

// Stats counts the most recent jobs by status.
func Stats(store *storage.Store) (QueueStats, error) {
	var qs QueueStats
	recs, err := store.RecentJobs(500)
	if err != nil {
		return qs, err
	}
	for _, rec := range recs {
		switch rec.Status {
		case "queued":
			qs.Queued++
		case "running":
			qs.Running++
		case "completed":
			qs.Completed++
		case "cancelled":
			qs.Cancelled++
		default:
			qs.Failed++
		}
	}
	return qs, nil
}
