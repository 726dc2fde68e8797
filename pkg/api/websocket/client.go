package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/internal/constants"
)

const (
	writeWait = constants.DefaultWSWriteTimeout
	pongWait  = constants.DefaultWSPongTimeout

	// must be less than pongWait
	pingPeriod = constants.DefaultWSPingInterval

	// subscribe requests are tiny
	maxMessageSize = 512

	sendQueueSize = 256
)

// Client is one WebSocket connection and its subscriptions
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// sendMu guards send against writes after close
	sendMu sync.Mutex
	send   chan []byte
	closed bool

	subMu         sync.RWMutex
	subscriptions map[SubscriptionType]struct{}

	logger *zap.Logger
}

// NewClient creates a client bound to hub
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[SubscriptionType]struct{}),
		logger:        logger,
	}
}

// Wants reports whether an event of eventType should reach the client,
// either through its own stream or the combined activity stream.
func (c *Client) Wants(eventType SubscriptionType) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, own := c.subscriptions[eventType]
	_, all := c.subscriptions[SubscribeActivity]
	return own || all
}

// Subscribe adds a stream
func (c *Client) Subscribe(eventType SubscriptionType) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[eventType] = struct{}{}
}

// Unsubscribe removes a stream
func (c *Client) Unsubscribe(eventType SubscriptionType) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, eventType)
}

// trySend queues data without blocking and reports whether it was queued
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads client requests until the connection fails, then
// unregisters the client
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handle(data)
	}
}

// WritePump writes queued frames, one message per frame, and keeps the
// connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("error", ErrorMessage{Error: "invalid message format"})
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		c.changeSubscription(msg.Type, msg.Payload)
	case "ping":
		c.reply("pong", nil)
	default:
		c.reply("error", ErrorMessage{Error: "unknown message type: " + msg.Type})
	}
}

func (c *Client) changeSubscription(action string, payload json.RawMessage) {
	var req SubscriptionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reply("error", ErrorMessage{Error: "invalid " + action + " request"})
		return
	}
	if !req.Type.Valid() {
		c.reply("error", ErrorMessage{Error: "invalid subscription type: " + string(req.Type)})
		return
	}

	if action == "subscribe" {
		c.Subscribe(req.Type)
	} else {
		c.Unsubscribe(req.Type)
	}
	c.reply("success", SuccessMessage{Message: action + "d " + string(req.Type)})
	c.logger.Debug("subscription changed", zap.String("action", action), zap.String("type", string(req.Type)))
}

// reply queues a message of kind with an optional payload
func (c *Client) reply(kind string, payload interface{}) {
	msg := Message{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("failed to marshal reply", zap.Error(err))
			return
		}
		msg.Payload = raw
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", zap.Error(err))
		return
	}
	if !c.trySend(frame) {
		c.logger.Warn("client send buffer full, dropping reply", zap.String("type", kind))
	}
}
