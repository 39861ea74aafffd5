package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/pkg/log"
)

// Client is one WebSocket connection. It also receives realtime updates
// for its viewer session and turns them into outgoing frames.
type Client struct {
	ID      string
	Hub     *Hub
	Conn    *websocket.Conn
	Session *domain.Session
	config  config.WebSocketConfig

	send     chan []byte
	sendMu   sync.RWMutex
	sendDone bool
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, session *domain.Session, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBufferSize
	if size <= 0 {
		size = 256
	}
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Session: session,
		config:  cfg,
		send:    make(chan []byte, size),
	}
}

// Send exposes queued frames; it is closed once the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str("client_id", c.ID).Msg("websocket error")
			}
			break
		}

		c.Session.UpdateActivity()
		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a frame. Frames for a slow or closed client are dropped.
func (c *Client) SendMessage(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		l := log.L()
		l.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping frame")
	}
	return nil
}

// enqueue reports false only when the buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendDone {
		return true
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
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

func (c *Client) ConversationsUpdated(convs []domain.ConversationSummary) {
	c.SendMessage(domain.NewConversationsOut(convs))
}

func (c *Client) MessagesUpdated(conversationID string, msgs []domain.Message) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.SendMessage(&domain.MessagesOut{
		Type:           domain.MsgTypeMessages,
		ConversationID: conversationID,
		Messages:       msgs,
	})
}

func (c *Client) SubscriptionError(kind, conversationID string, err error) {
	c.SendMessage(&domain.SubscriptionErrorOut{
		Type:           domain.MsgTypeSubscriptionError,
		Kind:           kind,
		ConversationID: conversationID,
		Code:           domain.ErrorCode(err),
		Message:        "live updates interrupted, retrying",
	})
}
