// Package sse is the Server-Sent Events realtime variant: one stream
// per leaderboard, plain exponential backoff (no jitter) capped at a
// configurable retry budget and 30s max delay.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/protocol"
)

// ErrMaxRetries is surfaced through OnError once a stream's retry
// budget is exhausted. The stream is removed afterwards.
var ErrMaxRetries = errors.New("sse: max retries reached")

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
)

// Callbacks are the application-facing observers, all optional.
type Callbacks struct {
	OnConnected         func(topic string)
	OnLeaderboardUpdate func(topic string, update *protocol.Update)
	OnHeartbeat         func(topic string)
	OnError             func(topic string, err error)
}

// Config configures a Client.
type Config struct {
	BaseURL string // e.g. https://api.example.com
	APIKey  string

	MaxRetries int           // default 3
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 30s

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *zap.Logger

	Callbacks Callbacks
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type stream struct {
	topic  string
	cancel context.CancelFunc
}

// Client manages one SSE stream per subscribed leaderboard.
type Client struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*stream
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		streams: make(map[string]*stream),
	}
}

// Connect opens a stream for the topic. Connecting an already-streamed
// topic is a no-op.
func (c *Client) Connect(ctx context.Context, topic string) {
	c.mu.Lock()
	if _, ok := c.streams[topic]; ok {
		c.mu.Unlock()
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{topic: topic, cancel: cancel}
	c.streams[topic] = s
	c.mu.Unlock()

	go c.run(sctx, s)
}

// Disconnect tears down the stream for one topic, cancelling any
// pending reconnect wait.
func (c *Client) Disconnect(topic string) {
	c.mu.Lock()
	s, ok := c.streams[topic]
	if ok {
		delete(c.streams, topic)
	}
	c.mu.Unlock()

	if ok {
		s.cancel()
	}
}

// DisconnectAll tears down every per-topic stream.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.cancel()
	}
}

// Topics returns the currently streamed topics.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.streams))
	for t := range c.streams {
		out = append(out, t)
	}
	return out
}

// run owns one stream: read until the transport fails, then retry with
// plain exponential backoff until the budget runs out. Cancellation of
// the stream context aborts both reading and backoff waits.
func (c *Client) run(ctx context.Context, s *stream) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.RandomizationFactor = 0 // plain exponential, no jitter
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.MaxDelay
	bo.MaxElapsedTime = 0

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := c.streamOnce(ctx, s.topic)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			// A healthy stream resets the retry budget.
			retries = 0
			bo.Reset()
		}
		if err != nil {
			c.cfg.Logger.Debug("sse stream interrupted",
				zap.String("topic", s.topic),
				zap.Error(err),
			)
		}

		retries++
		if retries > c.cfg.MaxRetries {
			c.cfg.Logger.Warn("sse retries exhausted", zap.String("topic", s.topic))
			c.removeStream(s.topic)
			c.safeError(s.topic, fmt.Errorf("%w: %s", ErrMaxRetries, s.topic))
			return
		}

		delay := bo.NextBackOff()
		c.cfg.Logger.Info("sse reconnecting",
			zap.String("topic", s.topic),
			zap.Int("attempt", retries),
			zap.Int("max", c.cfg.MaxRetries),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(delay):
		}
	}
}

// streamOnce opens the event stream and parses frames until EOF or
// error. It reports whether at least one event was delivered.
func (c *Client) streamOnce(ctx context.Context, topic string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/leaderboards/%s/stream",
		c.cfg.BaseURL, url.PathEscape(topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("opening stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected stream status: %d", resp.StatusCode)
	}

	delivered := false
	reader := bufio.NewReader(resp.Body)
	event := ""
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return delivered, nil
			}
			return delivered, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				c.dispatch(topic, event, data.String())
				delivered = true
			}
			event = ""
			data.Reset()

		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))

		case strings.HasPrefix(line, ":"):
			// Comment / keepalive line, ignored.

		case strings.HasPrefix(line, "id:"):
			// Event ids are not used by this protocol.
		}
	}
}

// dispatch routes one parsed event. Kinds are limited on this channel:
// connected, leaderboard_update, heartbeat, error.
func (c *Client) dispatch(topic, event, data string) {
	switch event {
	case "connected":
		c.safeCall(func() {
			if c.cfg.Callbacks.OnConnected != nil {
				c.cfg.Callbacks.OnConnected(topic)
			}
		})

	case "leaderboard_update":
		var update protocol.Update
		if err := json.Unmarshal([]byte(data), &update); err != nil {
			c.cfg.Logger.Debug("malformed sse update", zap.Error(err))
			return
		}
		c.safeCall(func() {
			if c.cfg.Callbacks.OnLeaderboardUpdate != nil {
				c.cfg.Callbacks.OnLeaderboardUpdate(topic, &update)
			}
		})

	case "heartbeat":
		c.safeCall(func() {
			if c.cfg.Callbacks.OnHeartbeat != nil {
				c.cfg.Callbacks.OnHeartbeat(topic)
			}
		})

	case "error":
		var se protocol.ServerError
		if err := json.Unmarshal([]byte(data), &se); err != nil {
			c.cfg.Logger.Debug("malformed sse error event", zap.Error(err))
			return
		}
		c.safeError(topic, &se)

	default:
		c.cfg.Logger.Debug("unrecognized sse event", zap.String("event", event))
	}
}

func (c *Client) removeStream(topic string) {
	c.mu.Lock()
	delete(c.streams, topic)
	c.mu.Unlock()
}

func (c *Client) safeError(topic string, err error) {
	c.safeCall(func() {
		if c.cfg.Callbacks.OnError != nil {
			c.cfg.Callbacks.OnError(topic, err)
		}
	})
}

func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.Error("sse callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
