package rankpipe

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/api"
	"github.com/rankpipe/rankpipe-go/netstate"
	"github.com/rankpipe/rankpipe-go/store"
)

// Config configures a Client. APIKey and BaseURL are required.
type Config struct {
	BaseURL string // REST endpoint, e.g. https://api.example.com
	WSURL   string // realtime endpoint, e.g. wss://api.example.com/v1/realtime
	APIKey  string

	// DefaultLeaderboardID is used when a submission does not name a
	// leaderboard explicitly.
	DefaultLeaderboardID string

	// REST caller tuning.
	Timeout       time.Duration // default 30s
	RetryCount    int           // default 3
	RetryDelay    time.Duration // default 1s
	RatePerSecond int           // default 10

	// Offline queue tuning.
	QueueCapacity int           // default 1000
	QueueTTL      time.Duration // default 24h
	MaxBatchSize  int           // default 100

	// StorePath points at the durable queue store. Empty means
	// in-memory only. Ignored when Store is set.
	StorePath string
	Store     store.Store

	// Caller overrides the REST caller, mainly for tests.
	Caller api.Caller

	Monitor netstate.Monitor // default always online
	Clock   clockwork.Clock  // default real clock
	Logger  *zap.Logger      // default no-op
}

func (c *Config) applyDefaults() error {
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.BaseURL == "" && c.Caller == nil {
		return errors.New("base url is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Monitor == nil {
		c.Monitor = netstate.AlwaysOnline()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
