package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/pkg/log"
)

type Hub struct {
	clients    map[string]*Client            // clientID -> client
	users      map[string]map[string]*Client // userID -> clientID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *UserMessage
	done       chan struct{}
	mu         sync.RWMutex
	config     config.WebSocketConfig
	metrics    *metrics.Metrics
}

type UserMessage struct {
	UserID  string
	Message []byte
	Exclude string // Client ID to exclude
}

func NewHub(cfg config.WebSocketConfig, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		users:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *UserMessage, 256),
		done:       make(chan struct{}),
		config:     cfg,
		metrics:    m,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			userID := client.Session.GetUserID()
			if _, ok := h.users[userID]; !ok {
				h.users[userID] = make(map[string]*Client)
			}
			h.users[userID][client.ID] = client
			h.mu.Unlock()
			h.metrics.ConnectionOpened()
			l := log.L()
			l.Debug().Str("client_id", client.ID).Str(log.FieldUserID, userID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				h.dropLocked(client)
				h.metrics.ConnectionClosed()
			}
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str("client_id", client.ID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for clientID, client := range h.users[msg.UserID] {
				if clientID == msg.Exclude {
					continue
				}
				if !client.enqueue(msg.Message) {
					go h.removeClient(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	userID := client.Session.GetUserID()
	if uc, ok := h.users[userID]; ok {
		delete(uc, client.ID)
		if len(uc) == 0 {
			delete(h.users, userID)
		}
	}
	delete(h.clients, client.ID)
	client.closeSend()
}

func (h *Hub) closeAll() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.dropLocked(c)
		h.metrics.ConnectionClosed()
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// SendToUser delivers message to every connection of userID.
func (h *Hub) SendToUser(userID string, message any, exclude string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- &UserMessage{UserID: userID, Message: data, Exclude: exclude}:
	case <-h.done:
	}
	return nil
}

func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}
