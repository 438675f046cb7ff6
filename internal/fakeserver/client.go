package fakeserver

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins for the fake
}

// wsClient is one websocket connection to the fake service.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	topics map[string]bool
	logger *zap.Logger
}

// handleWS upgrades the connection and starts the pumps. An initial
// topic in the query is joined implicitly, matching the handshake
// contract the SDK relies on.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api_key") != s.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		connID: uuid.New().String(),
		topics: make(map[string]bool),
		logger: s.logger,
	}
	s.hub.register(c)

	if topic := r.URL.Query().Get("leaderboard_id"); topic != "" {
		s.hub.join(c, topic)
	}

	c.queueMessage(protocol.Message{
		ID:        uuid.NewString(),
		Type:      protocol.TypeConnectionInfo,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(protocol.ConnectionInfo{ConnectionID: c.connID, ServerTime: time.Now().UnixMilli()}),
	})

	go c.writePump()
	go c.readPump()
}

// readPump reads control messages from the client.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

// writePump writes queued messages and transport pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one inbound control frame.
func (c *wsClient) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("failed to parse client message",
			zap.String("connID", c.connID),
			zap.Error(err),
		)
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.LeaderboardID == "" {
			c.queueError(protocol.CodeInvalidLeaderboardID, "subscribe requires a leaderboard id")
			return
		}
		c.hub.join(c, p.LeaderboardID)

	case protocol.TypeUnsubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.hub.leave(c, p.LeaderboardID)

	case protocol.TypePing:
		c.queueMessage(protocol.Message{
			ID:        uuid.NewString(),
			Type:      protocol.TypePong,
			Timestamp: time.Now().UnixMilli(),
		})

	case protocol.TypePong:
		// Client replied to a ping, nothing to do.

	default:
		c.logger.Debug("unexpected client message kind",
			zap.String("connID", c.connID),
			zap.String("type", msg.Type),
		)
	}
}

func (c *wsClient) queueMessage(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) queueError(code, message string) {
	c.queueMessage(protocol.Message{
		ID:        uuid.NewString(),
		Type:      protocol.TypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(protocol.ServerError{Code: code, Message: message}),
	})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
