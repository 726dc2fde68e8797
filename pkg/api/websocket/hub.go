package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultMaxClients caps concurrent connections
	DefaultMaxClients = 10000

	// queued broadcasts beyond this are dropped
	broadcastQueueSize = 256
)

// Hub tracks connected clients and fans activity out to them
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	stopped    bool
	maxClients int

	queue    chan *Event
	done     chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// NewHub creates a hub; call Run to start delivering broadcasts
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: DefaultMaxClients,
		queue:      make(chan *Event, broadcastQueueSize),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run delivers queued broadcasts until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

// add registers c, refusing it once the hub is stopped or full
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if len(h.clients) >= h.maxClients {
		h.logger.Warn("max clients reached, rejecting connection", zap.Int("max_clients", h.maxClients))
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("client registered", zap.Int("total_clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeSend()
	h.logger.Debug("client unregistered", zap.Int("total_clients", len(h.clients)))
}

func (h *Hub) deliver(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	frame, err := json.Marshal(Message{Type: "event", Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for c := range h.clients {
		if !c.Wants(ev.Type) {
			continue
		}
		if c.trySend(frame) {
			sent++
			continue
		}
		// a client that cannot keep up is disconnected
		h.logger.Warn("client buffer full, closing connection")
		delete(h.clients, c)
		c.closeSend()
	}

	h.logger.Debug("event broadcasted",
		zap.String("type", string(ev.Type)),
		zap.Int("recipients", sent))
}

// Broadcast queues an event for every client subscribed to its type.
// Events are dropped when the queue is full.
func (h *Hub) Broadcast(eventType SubscriptionType, data interface{}) {
	select {
	case h.queue <- &Event{Type: eventType, Data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", zap.String("type", string(eventType)))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and refuses new ones
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		delete(h.clients, c)
		c.closeSend()
	}
	h.logger.Info("hub stopped")
}
