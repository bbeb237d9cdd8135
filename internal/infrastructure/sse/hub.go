package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/ledger-node/internal/domain/item"
	"github.com/execution-hub/ledger-node/internal/p2p/protocol"
)

const (
	EventItemDone = "item.done"

	clientBuffer = 100
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Client is one open event stream. A client without items receives every
// event; otherwise only events for the listed item ids.
type Client struct {
	ClientID    string
	Items       map[item.HashID]struct{}
	ConnectedAt time.Time
	MessageChan chan *Message
}

func NewClient(clientID string, items []item.HashID) *Client {
	c := &Client{
		ClientID:    clientID,
		Items:       make(map[item.HashID]struct{}, len(items)),
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, clientBuffer),
	}
	for _, id := range items {
		c.Items[id] = struct{}{}
	}
	return c
}

func (c *Client) Close() {
	close(c.MessageChan)
}

func (c *Client) wants(id item.HashID) bool {
	if len(c.Items) == 0 {
		return true
	}
	_, ok := c.Items[id]
	return ok
}

// Message is one server-sent event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Hub manages SSE clients and fans election results out to them.
type Hub struct {
	nodeID string
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(nodeID string, logger zerolog.Logger) *Hub {
	return &Hub{
		nodeID:  nodeID,
		logger:  logger.With().Str("service", "sse").Logger(),
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		c.Close()
		delete(h.clients, client.ClientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishResult streams a closed election's result to interested clients.
func (h *Hub) PublishResult(itemID item.HashID, res item.Result) {
	data, err := json.Marshal(protocol.ItemEvent{
		EventID:   uuid.NewString(),
		NodeID:    h.nodeID,
		ItemID:    itemID,
		Result:    res,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("encode item event")
		return
	}
	h.BroadcastForItem(itemID, NewMessage(EventItemDone, data))
}

func (h *Hub) BroadcastForItem(itemID item.HashID, message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.wants(itemID) && !trySend(c, message) {
			h.logger.Warn().Str("client_id", c.ClientID).Msg("dropping event for slow client")
		}
	}
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
