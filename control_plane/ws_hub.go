package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/store"
)

const maxWSConnections = 200

// Event is one hub broadcast frame.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// EventHub fans dispatch and status events out to websocket subscribers
// (dashboards, the alerting collaborator). Single broadcaster goroutine; dead
// connections are dropped on write failure.
type EventHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(log zerolog.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected")
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case event := <-h.events:
			h.broadcastEvent(event)
		}
	}
}

func (h *EventHub) broadcastEvent(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			h.log.Debug().Err(err).Msg("websocket write failed, dropping client")
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info().Int("clients", len(h.clients)).Msg("shutting down websocket hub")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast enqueues an event; a full queue drops rather than blocks, the
// hub is telemetry, never a dependency of the dispatch path.
func (h *EventHub) Broadcast(eventType string, payload interface{}) {
	select {
	case h.events <- Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}:
	default:
		h.log.Warn().Str("type", eventType).Msg("event queue full, dropped")
	}
}

// The hub doubles as an alert sink so transitions reach subscribers live.

func (h *EventHub) AgentStatusChanged(agent *store.Agent, from, to store.AgentStatus) {
	h.Broadcast("agent_status", map[string]interface{}{
		"agent_id": agent.ID,
		"hostname": agent.Hostname,
		"from":     from,
		"to":       to,
	})
}

func (h *EventHub) TaskFailing(result *store.TaskResult) {
	h.Broadcast("task_failing", result)
}

func (h *EventHub) CheckFailing(result *store.CheckResult) {
	h.Broadcast("check_failing", result)
}
