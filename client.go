// Package rankpipe is a resilient client for a remote leaderboard
// service: score submission with an offline queue that replays on
// reconnect, REST reads, and live updates over WebSocket or SSE.
package rankpipe

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/api"
	"github.com/rankpipe/rankpipe-go/queue"
	"github.com/rankpipe/rankpipe-go/realtime"
	"github.com/rankpipe/rankpipe-go/sse"
	"github.com/rankpipe/rankpipe-go/store"
)

// SubmitOptions name the target leaderboard and optional user fields
// for a submission.
type SubmitOptions struct {
	LeaderboardID string
	UserName      string
	Metadata      map[string]any
}

// SubmitResult is the outcome of a submission: either the server's
// applied result, or a queued acknowledgement (Queued true, Rank -1)
// when the operation went into the offline queue.
type SubmitResult struct {
	Queued        bool   `json:"queued"`
	QueueID       string `json:"queueId,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
	Operation     string `json:"operation"`
	Rank          int    `json:"rank"`
	PreviousRank  int    `json:"previousRank,omitempty"`
	LeaderboardID string `json:"leaderboardId"`
	UserID        string `json:"userId"`
	Score         int64  `json:"score"`
}

// Client is the facade wiring the REST caller, offline queue and
// realtime channels together.
type Client struct {
	cfg    Config
	caller api.Caller
	queue  *queue.Queue
	st     store.Store
	ownsSt bool
	logger *zap.Logger

	online     atomic.Bool
	processing atomic.Bool

	unsubscribe func()
}

// New builds a Client, loading any persisted offline queue for the
// configured API key.
func New(cfg Config) (*Client, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	st := cfg.Store
	ownsStore := false
	if st == nil {
		st = store.Open(cfg.StorePath, cfg.Logger)
		ownsStore = true
	}

	caller := cfg.Caller
	if caller == nil {
		caller = api.NewHTTPCaller(cfg.BaseURL, cfg.APIKey, cfg.RatePerSecond,
			cfg.Timeout, cfg.RetryDelay, cfg.RetryCount, cfg.Logger)
	}

	c := &Client{
		cfg:    cfg,
		caller: caller,
		st:     st,
		ownsSt: ownsStore,
		logger: cfg.Logger,
		queue: queue.New(st, cfg.APIKey, queue.Options{
			Capacity:     cfg.QueueCapacity,
			TTL:          cfg.QueueTTL,
			MaxBatchSize: cfg.MaxBatchSize,
		}, cfg.Clock, cfg.Logger),
	}

	c.online.Store(cfg.Monitor.Online())
	c.unsubscribe = cfg.Monitor.Subscribe(c.onlineChanged)

	return c, nil
}

// Close releases the monitor subscription and the store (when owned by
// the client).
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.ownsSt {
		return c.st.Close()
	}
	return nil
}

// Online reports the current connectivity flag.
func (c *Client) Online() bool { return c.online.Load() }

// Queue exposes the offline queue for event registration and
// inspection.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Submit sends one score. While offline, or while queued items are
// pending (so a direct call never races ahead of queued ones), the
// submission is enqueued and a queued acknowledgement is returned.
func (c *Client) Submit(ctx context.Context, userID string, score int64, opts *SubmitOptions) (*SubmitResult, error) {
	leaderboardID, err := c.resolveLeaderboardID(opts)
	if err != nil {
		return nil, err
	}
	if err := ValidateScore(score); err != nil {
		return nil, err
	}
	var userName string
	var metadata map[string]any
	if opts != nil {
		userName = opts.UserName
		metadata = opts.Metadata
	}
	if userName != "" {
		if err := ValidateUserName(userName); err != nil {
			return nil, err
		}
	}

	if !c.online.Load() || c.queue.HasItems() {
		ack, err := c.queue.Enqueue(queue.MethodSubmit, queue.Params{
			UserID:        userID,
			Score:         score,
			LeaderboardID: leaderboardID,
			UserName:      userName,
			Metadata:      metadata,
		})
		if err != nil {
			return nil, err
		}
		return &SubmitResult{
			Queued:        true,
			QueueID:       ack.QueueID,
			QueuePosition: ack.QueuePosition,
			Operation:     ack.Operation,
			Rank:          ack.Rank,
			LeaderboardID: leaderboardID,
			UserID:        userID,
			Score:         score,
		}, nil
	}

	res, err := c.caller.SubmitScore(ctx, api.SubmitRequest{
		LeaderboardID: leaderboardID,
		UserID:        userID,
		Score:         score,
		UserName:      userName,
		Metadata:      metadata,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		Operation:     res.Operation,
		Rank:          res.Rank,
		PreviousRank:  res.PreviousRank,
		LeaderboardID: leaderboardID,
		UserID:        userID,
		Score:         res.Score,
	}, nil
}

// SubmitTo is the positional shortcut naming the leaderboard directly.
func (c *Client) SubmitTo(ctx context.Context, leaderboardID, userID string, score int64) (*SubmitResult, error) {
	return c.Submit(ctx, userID, score, &SubmitOptions{LeaderboardID: leaderboardID})
}

// SubmitBulk sends many scores in one call. Bulk submissions are never
// queued: while offline or while queued items are pending this fails
// fast with ErrBulkOffline instead of silently degrading semantics.
func (c *Client) SubmitBulk(ctx context.Context, leaderboardID string, scores []api.ScoreEntry) (*api.BulkResult, error) {
	if leaderboardID == "" {
		leaderboardID = c.cfg.DefaultLeaderboardID
	}
	if leaderboardID == "" {
		return nil, ErrMissingLeaderboardID
	}
	for _, s := range scores {
		if err := ValidateScore(s.Score); err != nil {
			return nil, err
		}
		if s.UserName != "" {
			if err := ValidateUserName(s.UserName); err != nil {
				return nil, err
			}
		}
	}

	if !c.online.Load() || c.queue.HasItems() {
		return nil, ErrBulkOffline
	}

	return c.caller.SubmitBulk(ctx, leaderboardID, scores)
}

// GetLeaderboard reads the top-N entries.
func (c *Client) GetLeaderboard(ctx context.Context, leaderboardID string, limit int) (*api.Leaderboard, error) {
	if leaderboardID == "" {
		leaderboardID = c.cfg.DefaultLeaderboardID
	}
	if leaderboardID == "" {
		return nil, ErrMissingLeaderboardID
	}
	return c.caller.GetLeaderboard(ctx, leaderboardID, limit)
}

// GetUserRank reads one user's rank.
func (c *Client) GetUserRank(ctx context.Context, leaderboardID, userID string) (*api.UserRank, error) {
	if leaderboardID == "" {
		leaderboardID = c.cfg.DefaultLeaderboardID
	}
	if leaderboardID == "" {
		return nil, ErrMissingLeaderboardID
	}
	return c.caller.GetUserRank(ctx, leaderboardID, userID)
}

// ProcessQueue drains the offline queue: batches are replayed in order,
// one bulk call per batch. A permanent error removes the batch's items
// for good; a transient error marks them for retry and halts the pass
// so a still-unhealthy endpoint is not hammered. Only one drain pass
// runs at a time.
func (c *Client) ProcessQueue(ctx context.Context) error {
	if !c.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.processing.Store(false)

	batches := c.queue.Batches()
	if len(batches) == 0 {
		return nil
	}

	c.logger.Info("draining offline queue",
		zap.Int("batches", len(batches)),
		zap.Int("items", c.queue.Size()),
	)

	for _, batch := range batches {
		leaderboardID := batch[0].Params.LeaderboardID
		entries := batchEntries(batch)
		ids := make([]string, len(batch))
		for i, op := range batch {
			ids[i] = op.QueueID
		}

		_, err := c.caller.SubmitBulk(ctx, leaderboardID, entries)
		if err == nil {
			c.queue.RemoveProcessed(ids)
			continue
		}

		if api.IsPermanent(err) {
			c.logger.Warn("dropping batch after permanent error",
				zap.String("leaderboardId", leaderboardID),
				zap.Int("items", len(ids)),
				zap.Error(err),
			)
			for _, id := range ids {
				c.queue.MarkFailed(id, true, err)
			}
			continue
		}

		// Transient: keep the items and stop this pass.
		for _, id := range ids {
			c.queue.MarkFailed(id, false, err)
		}
		c.logger.Info("queue drain halted on transient error", zap.Error(err))
		return err
	}
	return nil
}

// Realtime builds a WebSocket connection manager bound to this client's
// credential and environment signal.
func (c *Client) Realtime(cbs realtime.Callbacks) *realtime.Manager {
	return realtime.New(realtime.Config{
		URL:       c.cfg.WSURL,
		APIKey:    c.cfg.APIKey,
		Clock:     c.cfg.Clock,
		Monitor:   c.cfg.Monitor,
		Logger:    c.logger,
		Callbacks: cbs,
	})
}

// SSE builds the Server-Sent Events variant bound to this client's
// credential.
func (c *Client) SSE(cbs sse.Callbacks) *sse.Client {
	return sse.New(sse.Config{
		BaseURL:   c.cfg.BaseURL,
		APIKey:    c.cfg.APIKey,
		Clock:     c.cfg.Clock,
		Logger:    c.logger,
		Callbacks: cbs,
	})
}

func (c *Client) resolveLeaderboardID(opts *SubmitOptions) (string, error) {
	if opts != nil && opts.LeaderboardID != "" {
		return opts.LeaderboardID, nil
	}
	if c.cfg.DefaultLeaderboardID != "" {
		return c.cfg.DefaultLeaderboardID, nil
	}
	return "", ErrMissingLeaderboardID
}

// onlineChanged tracks environment transitions: regaining connectivity
// triggers a queue drain; losing it only flips the flag. Active
// realtime connections handle their own reconnection.
func (c *Client) onlineChanged(online bool) {
	c.online.Store(online)
	if online {
		go func() {
			if err := c.ProcessQueue(context.Background()); err != nil {
				c.logger.Debug("queue drain after reconnect failed", zap.Error(err))
			}
		}()
	}
}

// batchEntries flattens a batch into the bulk-call entry list. For a
// submit_bulk singleton the operation's own entries are used.
func batchEntries(batch []queue.Operation) []api.ScoreEntry {
	if len(batch) == 1 && batch[0].Method == queue.MethodSubmitBulk {
		return batch[0].Params.Entries
	}
	entries := make([]api.ScoreEntry, len(batch))
	for i, op := range batch {
		entries[i] = api.ScoreEntry{
			UserID:   op.Params.UserID,
			Score:    op.Params.Score,
			UserName: op.Params.UserName,
			Metadata: op.Params.Metadata,
		}
	}
	return entries
}
