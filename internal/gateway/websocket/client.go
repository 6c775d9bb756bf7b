// Package websocket streams session events to browser and CLI consumers.
// Each connection is one bus consumer that may follow several sessions.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Message types.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeEvent        = "event"
	TypeError        = "error"
)

// ClientMessage is sent by the peer.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ServerMessage is sent to the peer.
type ServerMessage struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Data      *bus.Event `json:"data,omitempty"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Client represents a single WebSocket connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	bus    bus.EventBus
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger

	mu   sync.Mutex
	subs map[string]*bus.Subscription
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, eventBus bus.EventBus, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		bus:    eventBus,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*bus.Subscription),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Close detaches the client from every session and closes the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.bus.UnsubscribeAll(c.ID)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// ReadPump pumps messages from the WebSocket connection until it fails.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", apperrors.ErrCodeBadRequest, "invalid message format")
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(_ context.Context, msg *ClientMessage) {
	switch msg.Type {
	case TypeSubscribe:
		if err := c.Subscribe(msg.SessionID); err != nil {
			c.sendError(msg.SessionID, apperrors.Code(err), err.Error())
		}
	case TypeUnsubscribe:
		c.Unsubscribe(msg.SessionID)
		c.enqueue(&ServerMessage{Type: TypeUnsubscribed, SessionID: msg.SessionID})
	default:
		c.sendError(msg.SessionID, apperrors.ErrCodeBadRequest, "unknown message type '"+msg.Type+"'")
	}
}

// Subscribe attaches the client to a session, acknowledges it and starts
// forwarding its events. The acknowledgement precedes any replayed event.
func (c *Client) Subscribe(sessionID string) error {
	if err := engine.SanitizeSessionID(sessionID); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.subs[sessionID]; ok {
		c.mu.Unlock()
		return apperrors.Conflict("already subscribed to session '" + sessionID + "'")
	}
	sub, err := c.bus.Subscribe(sessionID, c.ID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.subs[sessionID] = sub
	c.mu.Unlock()

	c.enqueue(&ServerMessage{Type: TypeSubscribed, SessionID: sessionID})
	go c.forward(sub)
	return nil
}

// Unsubscribe detaches the client from a session.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
	c.bus.Unsubscribe(sessionID, c.ID)
}

// forward relays one subscription until its channel closes. Blocking on the
// send queue lets a slow peer back up into the bus, which then drops the
// subscription with an overrun rather than stalling the publisher.
func (c *Client) forward(sub *bus.Subscription) {
	defer func() {
		c.mu.Lock()
		if c.subs[sub.SessionID] == sub {
			delete(c.subs, sub.SessionID)
		}
		c.mu.Unlock()
	}()

	for e := range sub.Events() {
		if !c.enqueue(&ServerMessage{Type: TypeEvent, SessionID: sub.SessionID, Data: e}) {
			return
		}
	}
	if err := sub.Err(); err != nil && errors.Is(err, apperrors.ErrSubscriberOverrun) {
		c.logger.Warn("Subscriber overrun, stream dropped", zap.String("session_id", sub.SessionID))
		c.sendError(sub.SessionID, apperrors.ErrCodeSubscriberOverrun, err.Error())
	}
}

// enqueue blocks until the message is queued or the client is closed.
func (c *Client) enqueue(msg *ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) sendError(sessionID, code, message string) {
	c.enqueue(&ServerMessage{Type: TypeError, SessionID: sessionID, Code: code, Message: message})
}

// WritePump pumps queued messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
