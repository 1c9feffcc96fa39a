// Package streaming pushes live task, execution, and terminal events to web
// clients over WebSocket. Clients pick the tasks they care about with
// subscribe messages; the hub bridges the event bus to the sockets.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
)

// Hub fans bus events out to subscribed WebSocket clients. Routing is by
// task id: every task, execution, and log event carries the owning task id
// in its payload.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	byTask  map[string]map[*Client]bool

	subs []bus.Subscription
}

// NewHub creates a hub bound to the given event bus.
func NewHub(b bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     b,
		logger:  log.WithFields(zap.String("component", "streaming")),
		clients: make(map[*Client]bool),
		byTask:  make(map[string]map[*Client]bool),
	}
}

// Start subscribes the hub to the event subjects it relays.
func (h *Hub) Start() error {
	subjects := []string{
		events.SubjectTaskStatusAll,
		events.SubjectExecutionStatusAll,
		events.SubjectExecutionLogAll,
	}
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, h.route)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus and disconnects all clients.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// Register adds a connected client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel. Safe to call
// more than once per client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for taskID, set := range h.byTask {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byTask, taskID)
		}
	}
	c.close()
}

// SubscribeClient routes future events for taskID to the client.
func (h *Hub) SubscribeClient(c *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}
	if h.byTask[taskID] == nil {
		h.byTask[taskID] = make(map[*Client]bool)
	}
	h.byTask[taskID][c] = true
}

// UnsubscribeClient stops routing events for taskID to the client.
func (h *Hub) UnsubscribeClient(c *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.byTask[taskID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.byTask, taskID)
	}
}

// route delivers one bus event to every client subscribed to its task.
func (h *Hub) route(ctx context.Context, event *bus.Event) error {
	taskID, _ := event.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("Failed to marshal event for streaming", zap.Error(err))
		return nil
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byTask[taskID]))
	for c := range h.byTask[taskID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(payload) {
			h.logger.Debug("Dropping event for slow client",
				zap.String("task_id", taskID),
				zap.String("event_type", event.Type))
		}
	}
	return nil
}
