// Package queue implements the durable offline submission queue:
// pending score submissions survive restarts, are grouped into bounded
// batches per leaderboard, and are replayed when connectivity returns.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/api"
	"github.com/rankpipe/rankpipe-go/internal/emitter"
	"github.com/rankpipe/rankpipe-go/store"
)

// ErrQueueFull is returned by Enqueue once the queue holds Capacity items.
var ErrQueueFull = errors.New("offline queue is full")

// Method distinguishes queued operation kinds.
type Method string

const (
	MethodSubmit     Method = "submit"
	MethodSubmitBulk Method = "submit_bulk"
)

// Queue lifecycle events.
const (
	EventAdded     = "queue:added"
	EventProcessed = "queue:processed"
	EventFailed    = "queue:failed"
	EventProgress  = "queue:progress"
)

// Params are the submission parameters captured at enqueue time.
// Entries is populated only for MethodSubmitBulk operations.
type Params struct {
	UserID        string           `json:"userId"`
	Score         int64            `json:"score"`
	LeaderboardID string           `json:"leaderboardId"`
	UserName      string           `json:"userName,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Entries       []api.ScoreEntry `json:"entries,omitempty"`
}

// Operation is one queued submission. QueueID is a ULID: unique and
// lexicographically sortable by creation time.
type Operation struct {
	QueueID    string `json:"queueId"`
	Method     Method `json:"method"`
	Params     Params `json:"params"`
	Timestamp  int64  `json:"timestamp"` // creation time, unix ms
	RetryCount int    `json:"retryCount"`
}

// Ack acknowledges that an operation was queued, not applied.
type Ack struct {
	Queued        bool   `json:"queued"`
	QueueID       string `json:"queueId"`
	QueuePosition int    `json:"queuePosition"`
	Operation     string `json:"operation"`
	Rank          int    `json:"rank"`
}

// AddedEvent is the payload of EventAdded.
type AddedEvent struct {
	Operation Operation
	Position  int
}

// ProcessedEvent is the payload of EventProcessed.
type ProcessedEvent struct {
	Operations []Operation
	Remaining  int
}

// FailedEvent is the payload of EventFailed.
type FailedEvent struct {
	Operation Operation
	Permanent bool
	Err       error
}

// ProgressEvent is the payload of EventProgress.
type ProgressEvent struct {
	Processed int
	Remaining int
}

// Options tune queue limits. Zero values take the defaults.
type Options struct {
	Capacity     int           // default 1000
	TTL          time.Duration // default 24h
	MaxBatchSize int           // default 100
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 1000
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 100
	}
}

// Queue is the offline submission queue. All methods are safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	ops     []Operation
	entropy *ulid.MonotonicEntropy

	st     store.Store
	key    string
	opts   Options
	clock  clockwork.Clock
	events *emitter.Emitter
	logger *zap.Logger
}

// New loads any persisted queue state for the given API key. Load
// failures are tolerated and leave an empty queue: durability is
// best-effort and never fatal to the caller.
func New(st store.Store, apiKey string, opts Options, clock clockwork.Clock, logger *zap.Logger) *Queue {
	opts.applyDefaults()

	q := &Queue{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(clock.Now().UnixNano())), 0),
		st:      st,
		key:     storageKey(apiKey),
		opts:    opts,
		clock:   clock,
		events:  emitter.New(logger),
		logger:  logger,
	}
	q.load()
	return q
}

// storageKey scopes persisted queues per credential so client instances
// with different API keys never touch each other's items.
func storageKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "rankpipe:queue:" + hex.EncodeToString(sum[:])[:16]
}

// On registers a handler for one of the queue events and returns a
// token for Off. Handler panics are caught and logged.
func (q *Queue) On(event string, fn func(payload any)) int {
	return q.events.On(event, fn)
}

// Off removes a handler registered with On.
func (q *Queue) Off(event string, id int) {
	q.events.Off(event, id)
}

// Enqueue appends an operation, persists the queue and emits
// EventAdded. It fails with ErrQueueFull at capacity; nothing is
// persisted in that case.
func (q *Queue) Enqueue(method Method, p Params) (Ack, error) {
	q.mu.Lock()
	if len(q.ops) >= q.opts.Capacity {
		q.mu.Unlock()
		return Ack{}, ErrQueueFull
	}

	now := q.clock.Now()
	op := Operation{
		QueueID:   ulid.MustNew(ulid.Timestamp(now), q.entropy).String(),
		Method:    method,
		Params:    p,
		Timestamp: now.UnixMilli(),
	}
	q.ops = append(q.ops, op)
	position := len(q.ops)
	q.persistLocked()
	q.mu.Unlock()

	q.events.Emit(EventAdded, AddedEvent{Operation: op, Position: position})

	return Ack{
		Queued:        true,
		QueueID:       op.QueueID,
		QueuePosition: position,
		Operation:     "insert",
		Rank:          -1,
	}, nil
}

// HasItems reports whether any operations are pending.
func (q *Queue) HasItems() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops) > 0
}

// Size returns the number of pending operations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns a copy of the pending operations in queue order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Batches purges expired items, then groups the remainder for bulk
// submission: submit operations group by leaderboard id, submit_bulk
// operations stay as singleton batches, and every group is split into
// contiguous sub-batches of at most MaxBatchSize preserving FIFO order.
func (q *Queue) Batches() [][]Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeExpiredLocked()

	type group struct {
		key string
		ops []Operation
	}
	var order []string
	groups := make(map[string]*group)

	for _, op := range q.ops {
		// Bulk operations are never merged with others.
		key := op.Params.LeaderboardID
		if op.Method == MethodSubmitBulk {
			key = "bulk:" + op.QueueID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.ops = append(g.ops, op)
	}

	var batches [][]Operation
	for _, key := range order {
		ops := groups[key].ops
		for start := 0; start < len(ops); start += q.opts.MaxBatchSize {
			end := start + q.opts.MaxBatchSize
			if end > len(ops) {
				end = len(ops)
			}
			batch := make([]Operation, end-start)
			copy(batch, ops[start:end])
			batches = append(batches, batch)
		}
	}
	return batches
}

// RemoveProcessed deletes the listed ids, persists, and emits
// EventProcessed and EventProgress.
func (q *Queue) RemoveProcessed(ids []string) {
	if len(ids) == 0 {
		return
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	q.mu.Lock()
	var removed []Operation
	kept := q.ops[:0]
	for _, op := range q.ops {
		if wanted[op.QueueID] {
			removed = append(removed, op)
		} else {
			kept = append(kept, op)
		}
	}
	q.ops = kept
	remaining := len(q.ops)
	if len(removed) > 0 {
		q.persistLocked()
	}
	q.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	q.events.Emit(EventProcessed, ProcessedEvent{Operations: removed, Remaining: remaining})
	q.events.Emit(EventProgress, ProgressEvent{Processed: len(removed), Remaining: remaining})
}

// MarkFailed records a failure for one operation. Permanent failures
// delete the item and emit EventFailed; transient failures increment
// the item's retry count in place.
func (q *Queue) MarkFailed(id string, permanent bool, cause error) {
	q.mu.Lock()
	idx := -1
	for i := range q.ops {
		if q.ops[i].QueueID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}

	var failed Operation
	if permanent {
		failed = q.ops[idx]
		q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
	} else {
		q.ops[idx].RetryCount++
	}
	q.persistLocked()
	q.mu.Unlock()

	if permanent {
		q.events.Emit(EventFailed, FailedEvent{Operation: failed, Permanent: true, Err: cause})
	}
}

// purgeExpiredLocked drops items older than TTL and persists when
// anything was removed.
func (q *Queue) purgeExpiredLocked() {
	cutoff := q.clock.Now().Add(-q.opts.TTL).UnixMilli()

	kept := q.ops[:0]
	purged := 0
	for _, op := range q.ops {
		if op.Timestamp <= cutoff {
			purged++
			continue
		}
		kept = append(kept, op)
	}
	if purged == 0 {
		return
	}
	q.ops = kept
	q.logger.Info("purged expired queue items", zap.Int("count", purged))
	q.persistLocked()
}

func (q *Queue) load() {
	data, err := q.st.Get(q.key)
	if err != nil {
		if !errors.Is(err, store.ErrKeyNotFound) {
			q.logger.Warn("failed to load offline queue, starting empty", zap.Error(err))
		}
		return
	}
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		q.logger.Warn("corrupt offline queue state, starting empty", zap.Error(err))
		return
	}
	q.ops = ops
}

// persistLocked saves the queue. Save errors are logged but do not roll
// back the in-memory mutation: at-least-once delivery is favored over
// strict memory/storage consistency.
func (q *Queue) persistLocked() {
	data, err := json.Marshal(q.ops)
	if err != nil {
		q.logger.Warn("failed to encode offline queue", zap.Error(err))
		return
	}
	if err := q.st.Set(q.key, data); err != nil {
		q.logger.Warn(fmt.Sprintf("failed to persist offline queue (%d items)", len(q.ops)), zap.Error(err))
	}
}
