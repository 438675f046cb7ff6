// Package realtime maintains one logical leaderboard subscription over
// WebSocket: automatic reconnection with jittered exponential backoff,
// heartbeats, permanent-vs-transient error classification and typed
// message dispatch. Subscriptions survive reconnects.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/netstate"
	"github.com/rankpipe/rankpipe-go/protocol"
)

var (
	// ErrNotConnected is returned by Subscribe when the connection is
	// not open.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrMaxReconnectAttempts is surfaced through OnError once the
	// reconnect budget is exhausted.
	ErrMaxReconnectAttempts = errors.New("realtime: max reconnect attempts reached")
)

// Close code sent when the server reports a permanent error.
const closePermanentError = 4001

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
	defaultHeartbeat   = 30 * time.Second
	reconnectJitter    = 0.25
)

// Conn is the subset of a websocket connection the manager uses.
// *websocket.Conn satisfies it; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn for the given URL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

func gorillaDialer(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Callbacks are the application-facing observers. All are optional and
// invoked with panic isolation.
type Callbacks struct {
	OnConnect           func()
	OnDisconnect        func(code int, reason string)
	OnError             func(err error)
	OnLeaderboardUpdate func(update *protocol.Update)
	OnUserRankUpdate    func(rank *protocol.UserRank)
	OnReconnecting      func(attempt, max int, delay time.Duration)
	OnMessage           func(raw []byte)
}

// Config configures a Manager. URL and APIKey are required; everything
// else has defaults.
type Config struct {
	URL    string // e.g. wss://realtime.example.com/v1/realtime
	APIKey string

	BaseDelay            time.Duration // reconnect backoff base, default 1s
	MaxReconnectAttempts int           // default 5
	HeartbeatInterval    time.Duration // default 30s

	Dialer  Dialer           // default gorilla websocket
	Clock   clockwork.Clock  // default real clock
	Rand    *rand.Rand       // jitter source, default time-seeded
	Monitor netstate.Monitor // default always online
	Logger  *zap.Logger      // default no-op

	Callbacks Callbacks
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.Dialer == nil {
		c.Dialer = gorillaDialer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Monitor == nil {
		c.Monitor = netstate.AlwaysOnline()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Manager is the reconnecting WebSocket client. Methods are safe for
// concurrent use.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	st           state
	conn         Conn
	gen          int // connection generation, guards stale read loops
	subs         map[string]string
	initialTopic string
	initialUser  string

	attempts        int
	shouldReconnect bool
	lastErr         error
	permanentErr    error
	reconnectTimer  clockwork.Timer
	heartbeatStop   chan struct{}

	lastSeq map[string]int64

	writeMu sync.Mutex

	dialCtx context.Context
}

// New creates a Manager. No connection is made until Connect.
func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		subs:    make(map[string]string),
		lastSeq: make(map[string]int64),
	}
}

// Connect dials and transitions to open. It is a no-op when already
// open or connecting. topic and userID are optional; a non-empty topic
// is implied by the connection handshake and joins the subscription set
// without an explicit subscribe message.
func (m *Manager) Connect(ctx context.Context, topic, userID string) error {
	m.mu.Lock()
	if m.st == stateOpen || m.st == stateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.permanentErr != nil {
		err := m.permanentErr
		m.mu.Unlock()
		return err
	}
	m.st = stateConnecting
	m.shouldReconnect = true
	m.dialCtx = ctx
	if topic != "" {
		m.initialTopic = topic
		m.initialUser = userID
		m.subs[topic] = userID
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	rawURL, err := m.buildURL()
	if err != nil {
		m.mu.Lock()
		m.st = stateClosed
		m.mu.Unlock()
		return err
	}

	conn, err := m.cfg.Dialer(ctx, rawURL)
	if err != nil {
		m.mu.Lock()
		m.st = stateClosed
		m.lastErr = err
		m.mu.Unlock()
		m.cfg.Logger.Debug("dial failed", zap.Error(err))
		m.scheduleReconnect()
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	m.mu.Lock()
	if !m.shouldReconnect || m.gen != gen {
		// Disconnected while dialing.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.st = stateOpen
	m.attempts = 0
	m.heartbeatStop = make(chan struct{})
	stop := m.heartbeatStop
	resubscribe := make(map[string]string, len(m.subs))
	for t, u := range m.subs {
		if t != m.initialTopic {
			resubscribe[t] = u
		}
	}
	m.mu.Unlock()

	m.cfg.Logger.Info("realtime connected", zap.String("topic", topic))

	go m.heartbeatLoop(stop)

	m.safeCall(func() {
		if m.cfg.Callbacks.OnConnect != nil {
			m.cfg.Callbacks.OnConnect()
		}
	})

	// Re-establish every subscription except the one the handshake
	// already implies, to avoid a duplicate subscribe message.
	for t, u := range resubscribe {
		if err := m.sendControl(protocol.TypeSubscribe, t, u); err != nil {
			m.cfg.Logger.Warn("resubscribe failed", zap.String("topic", t), zap.Error(err))
		}
	}

	go m.readLoop(conn, gen)
	return nil
}

// Subscribe adds a live-update subscription. The connection must be
// open; the topic survives reconnects once added.
func (m *Manager) Subscribe(topic, userID string) error {
	m.mu.Lock()
	if m.st != stateOpen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	if err := m.sendControl(protocol.TypeSubscribe, topic, userID); err != nil {
		return err
	}

	m.mu.Lock()
	m.subs[topic] = userID
	m.mu.Unlock()
	return nil
}

// Unsubscribe removes the topic from the subscription set. The
// unsubscribe message is sent only when open; removal happens always.
func (m *Manager) Unsubscribe(topic string) {
	m.mu.Lock()
	open := m.st == stateOpen
	delete(m.subs, topic)
	if topic == m.initialTopic {
		m.initialTopic = ""
		m.initialUser = ""
	}
	m.mu.Unlock()

	if open {
		if err := m.sendControl(protocol.TypeUnsubscribe, topic, ""); err != nil {
			m.cfg.Logger.Debug("unsubscribe send failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Disconnect tears the connection down for good: reconnection is
// disabled and any pending reconnect timer is cancelled so a stale
// timer can never resurrect the connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.shouldReconnect = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.st = stateClosed
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Reconnect manually re-establishes the connection. It is ignored when
// already open or connecting, raises the stored permanent error if one
// exists, and otherwise resets the attempt budget and dials fresh.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.st == stateOpen || m.st == stateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.permanentErr != nil {
		err := m.permanentErr
		m.mu.Unlock()
		return err
	}
	m.attempts = 0
	topic, userID := m.initialTopic, m.initialUser
	m.mu.Unlock()

	return m.Connect(ctx, topic, userID)
}

// Topics returns the current subscription set.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.subs))
	for t := range m.subs {
		out = append(out, t)
	}
	return out
}

// Connected reports whether the connection is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == stateOpen
}

func (m *Manager) buildURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", m.cfg.APIKey)
	m.mu.Lock()
	if m.initialTopic != "" {
		q.Set("leaderboard_id", m.initialTopic)
	}
	if m.initialUser != "" {
		q.Set("user_id", m.initialUser)
	}
	m.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop pumps inbound messages until the connection dies. gen
// guards against a stale loop reporting a close for a newer connection.
func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			m.handleClose(gen, code, reason)
			return
		}
		m.dispatch(data)
	}
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return -1, err.Error()
}

func (m *Manager) handleClose(gen int, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.st = stateClosed
	m.conn = nil
	reconnect := m.shouldReconnect
	m.mu.Unlock()

	m.cfg.Logger.Info("realtime disconnected",
		zap.Int("code", code),
		zap.String("reason", reason),
	)

	m.safeCall(func() {
		if m.cfg.Callbacks.OnDisconnect != nil {
			m.cfg.Callbacks.OnDisconnect(code, reason)
		}
	})

	if reconnect {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next attempt. While
// the environment reports offline, the check is rescheduled at the base
// delay without consuming attempts: the budget applies only to attempts
// made while online, so a long offline period retries indefinitely.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.shouldReconnect || m.permanentErr != nil {
		return
	}

	if !m.cfg.Monitor.Online() {
		m.cfg.Logger.Debug("offline, deferring reconnect")
		m.reconnectTimer = m.cfg.Clock.AfterFunc(m.cfg.BaseDelay, m.scheduleReconnect)
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.cfg.Logger.Warn("max reconnect attempts reached",
			zap.Int("attempts", m.attempts))
		go m.safeCall(func() {
			if m.cfg.Callbacks.OnError != nil {
				m.cfg.Callbacks.OnError(ErrMaxReconnectAttempts)
			}
		})
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := m.reconnectDelay(attempt)

	m.cfg.Logger.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max", m.cfg.MaxReconnectAttempts),
		zap.Duration("delay", delay),
	)

	m.reconnectTimer = m.cfg.Clock.AfterFunc(delay, m.redial)

	go m.safeCall(func() {
		if m.cfg.Callbacks.OnReconnecting != nil {
			m.cfg.Callbacks.OnReconnecting(attempt, m.cfg.MaxReconnectAttempts, delay)
		}
	})
}

// reconnectDelay computes base * 2^(attempt-1) with ±25% jitter so many
// clients losing the same server do not reconnect in lockstep.
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	base := float64(m.cfg.BaseDelay) * float64(uint64(1)<<uint(attempt-1))
	factor := 1 - reconnectJitter + 2*reconnectJitter*m.cfg.Rand.Float64()
	delay := time.Duration(base * factor)
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (m *Manager) redial() {
	m.mu.Lock()
	if !m.shouldReconnect || m.st == stateOpen || m.st == stateConnecting {
		m.mu.Unlock()
		return
	}
	ctx := m.dialCtx
	if ctx == nil {
		ctx = context.Background()
	}
	topic, userID := m.initialTopic, m.initialUser
	m.mu.Unlock()

	if err := m.Connect(ctx, topic, userID); err != nil {
		m.cfg.Logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

// dispatch hands the raw frame to the any-message observer, then routes
// by message kind. Unknown kinds are logged and ignored.
func (m *Manager) dispatch(data []byte) {
	m.safeCall(func() {
		if m.cfg.Callbacks.OnMessage != nil {
			m.cfg.Callbacks.OnMessage(data)
		}
	})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.cfg.Logger.Debug("malformed realtime message", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeLeaderboardUpdate:
		var update protocol.Update
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			m.cfg.Logger.Debug("malformed leaderboard update", zap.Error(err))
			return
		}
		if m.staleSequence(&update) {
			return
		}
		m.safeCall(func() {
			if m.cfg.Callbacks.OnLeaderboardUpdate != nil {
				m.cfg.Callbacks.OnLeaderboardUpdate(&update)
			}
		})

	case protocol.TypeUserRankChange:
		var ur protocol.UserRank
		if err := json.Unmarshal(msg.Payload, &ur); err != nil {
			m.cfg.Logger.Debug("malformed user rank change", zap.Error(err))
			return
		}
		m.safeCall(func() {
			if m.cfg.Callbacks.OnUserRankUpdate != nil {
				m.cfg.Callbacks.OnUserRankUpdate(&ur)
			}
		})

	case protocol.TypeError:
		m.handleServerError(msg.Payload)

	case protocol.TypePing:
		if err := m.sendMessage(protocol.Message{
			ID:        uuid.NewString(),
			Type:      protocol.TypePong,
			Timestamp: m.cfg.Clock.Now().UnixMilli(),
		}); err != nil {
			m.cfg.Logger.Debug("pong send failed", zap.Error(err))
		}

	case protocol.TypePong:
		// Reply to our heartbeat, nothing to do.

	case protocol.TypeConnectionInfo:
		var info protocol.ConnectionInfo
		if err := json.Unmarshal(msg.Payload, &info); err == nil {
			m.cfg.Logger.Debug("connection info",
				zap.String("connectionId", info.ConnectionID))
		}

	default:
		m.cfg.Logger.Debug("unrecognized message kind", zap.String("type", msg.Type))
	}
}

// staleSequence drops update messages whose sequence number is at or
// below the last one seen for the topic (duplicates or reordered
// frames, typically around a reconnect).
func (m *Manager) staleSequence(update *protocol.Update) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastSeq[update.LeaderboardID]
	if ok && update.Sequence <= last {
		m.cfg.Logger.Debug("dropping stale update",
			zap.String("topic", update.LeaderboardID),
			zap.Int64("sequence", update.Sequence),
			zap.Int64("lastSequence", last),
		)
		return true
	}
	m.lastSeq[update.LeaderboardID] = update.Sequence
	return false
}

// handleServerError classifies a server-reported error. Permanent codes
// disable reconnection, record the error, and force the transport
// closed with a distinguishing close code. Everything else is surfaced
// via OnError without affecting reconnection.
func (m *Manager) handleServerError(payload json.RawMessage) {
	var se protocol.ServerError
	if err := json.Unmarshal(payload, &se); err != nil {
		m.cfg.Logger.Debug("malformed error message", zap.Error(err))
		return
	}

	if !se.Permanent() {
		m.safeCall(func() {
			if m.cfg.Callbacks.OnError != nil {
				m.cfg.Callbacks.OnError(&se)
			}
		})
		return
	}

	m.mu.Lock()
	m.shouldReconnect = false
	m.permanentErr = &se
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.mu.Unlock()

	m.cfg.Logger.Error("permanent server error, closing connection",
		zap.String("code", se.Code),
		zap.String("message", se.Message),
	)

	m.safeCall(func() {
		if m.cfg.Callbacks.OnError != nil {
			m.cfg.Callbacks.OnError(&se)
		}
	})

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closePermanentError, se.Code))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
}

// PermanentError returns the terminal server error, if one was
// recorded.
func (m *Manager) PermanentError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permanentErr == nil {
		return nil
	}
	return m.permanentErr
}

func (m *Manager) sendControl(typ, topic, userID string) error {
	payload, err := json.Marshal(protocol.SubscribePayload{
		LeaderboardID: topic,
		UserID:        userID,
	})
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return m.sendMessage(protocol.Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: m.cfg.Clock.Now().UnixMilli(),
		Payload:   payload,
	})
}

func (m *Manager) sendMessage(msg protocol.Message) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeatLoop sends an application-level ping while the connection is
// open. The stop channel is closed on disconnect.
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if err := m.sendMessage(protocol.Message{
				ID:        uuid.NewString(),
				Type:      protocol.TypePing,
				Timestamp: m.cfg.Clock.Now().UnixMilli(),
			}); err != nil {
				m.cfg.Logger.Debug("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// safeCall isolates application callbacks: a panicking handler is
// logged, never allowed to break the connection.
func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("realtime callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
