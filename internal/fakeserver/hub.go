package fakeserver

import (
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/protocol"
)

// Hub fans leaderboard updates out to websocket clients and SSE
// subscribers grouped by topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	topics  map[string]map[*wsClient]bool
	streams map[string]map[chan protocol.Message]bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		topics:  make(map[string]map[*wsClient]bool),
		streams: make(map[string]map[chan protocol.Message]bool),
		logger:  logger,
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for topic := range c.topics {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	close(c.send)
}

func (h *Hub) join(c *wsClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*wsClient]bool)
	}
	h.topics[topic][c] = true
	c.topics[topic] = true

	h.logger.Debug("client subscribed",
		zap.String("connID", c.connID),
		zap.String("topic", topic),
	)
}

func (h *Hub) leave(c *wsClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// subscribeStream registers an SSE subscriber channel for a topic.
func (h *Hub) subscribeStream(topic string) (chan protocol.Message, func()) {
	ch := make(chan protocol.Message, 16)

	h.mu.Lock()
	if h.streams[topic] == nil {
		h.streams[topic] = make(map[chan protocol.Message]bool)
	}
	h.streams[topic][ch] = true
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.streams[topic]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.streams, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast sends a message to every websocket client and SSE
// subscriber on the topic. Clients with a full send buffer are dropped.
func (h *Hub) Broadcast(topic string, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	wsTargets := make([]*wsClient, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		wsTargets = append(wsTargets, c)
	}
	streamTargets := make([]chan protocol.Message, 0, len(h.streams[topic]))
	for ch := range h.streams[topic] {
		streamTargets = append(streamTargets, ch)
	}
	h.mu.RUnlock()

	for _, c := range wsTargets {
		select {
		case c.send <- data:
		default:
			go h.unregister(c)
		}
	}
	for _, ch := range streamTargets {
		select {
		case ch <- msg:
		default:
			// Slow SSE consumer, skip this update.
		}
	}
}
