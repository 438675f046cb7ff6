package rankpipe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/api"
	"github.com/rankpipe/rankpipe-go/netstate"
	"github.com/rankpipe/rankpipe-go/queue"
	"github.com/rankpipe/rankpipe-go/store"
)

type bulkCall struct {
	leaderboardID string
	scores        []api.ScoreEntry
}

// stubCaller is a programmable api.Caller.
type stubCaller struct {
	mu          sync.Mutex
	submitCalls []api.SubmitRequest
	bulkCalls   []bulkCall

	submitErr error
	bulkErr   error
	rank      int
}

func (s *stubCaller) SubmitScore(ctx context.Context, req api.SubmitRequest) (*api.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls = append(s.submitCalls, req)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &api.SubmitResult{
		LeaderboardID: req.LeaderboardID,
		UserID:        req.UserID,
		Score:         req.Score,
		Rank:          s.rank,
		Operation:     "insert",
	}, nil
}

func (s *stubCaller) SubmitBulk(ctx context.Context, leaderboardID string, scores []api.ScoreEntry) (*api.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls = append(s.bulkCalls, bulkCall{leaderboardID: leaderboardID, scores: scores})
	if s.bulkErr != nil {
		return nil, s.bulkErr
	}
	return &api.BulkResult{LeaderboardID: leaderboardID, Submitted: len(scores)}, nil
}

func (s *stubCaller) GetLeaderboard(ctx context.Context, leaderboardID string, limit int) (*api.Leaderboard, error) {
	return &api.Leaderboard{LeaderboardID: leaderboardID}, nil
}

func (s *stubCaller) GetUserRank(ctx context.Context, leaderboardID, userID string) (*api.UserRank, error) {
	return &api.UserRank{LeaderboardID: leaderboardID, UserID: userID}, nil
}

func (s *stubCaller) Ping(ctx context.Context) error { return nil }

func (s *stubCaller) bulkCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bulkCalls)
}

func (s *stubCaller) submitCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitCalls)
}

func newTestClient(t *testing.T, stub *stubCaller, monitor netstate.Monitor) *Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client, err := New(Config{
		APIKey:               "test-key",
		DefaultLeaderboardID: "global",
		Caller:               stub,
		Store:                store.NewMemory(),
		Monitor:              monitor,
		Clock:                clockwork.NewFakeClock(),
		Logger:               logger,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{BaseURL: "https://api.example.com"}); err == nil {
		t.Error("expected error for missing api key")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Error("expected error for missing base url without a caller override")
	}
}

func TestSubmit_OnlineDirect(t *testing.T) {
	stub := &stubCaller{rank: 3}
	client := newTestClient(t, stub, netstate.AlwaysOnline())

	result, err := client.Submit(context.Background(), "u1", 100, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Queued {
		t.Error("online submission must not be queued")
	}
	if result.Rank != 3 || result.Operation != "insert" || result.LeaderboardID != "global" {
		t.Errorf("unexpected result: %+v", result)
	}
	if stub.submitCallCount() != 1 {
		t.Errorf("expected 1 submit call, got %d", stub.submitCallCount())
	}
	if client.Queue().Size() != 0 {
		t.Errorf("unexpected queued items: %d", client.Queue().Size())
	}
}

func TestSubmit_OfflineQueuesWithAck(t *testing.T) {
	stub := &stubCaller{}
	client := newTestClient(t, stub, netstate.NewManual(false))

	result, err := client.Submit(context.Background(), "u1", 100, &SubmitOptions{UserName: "Player One"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Queued || result.QueueID == "" || result.QueuePosition != 1 {
		t.Errorf("unexpected ack: %+v", result)
	}
	if result.Operation != "insert" || result.Rank != -1 {
		t.Errorf("queued ack must report insert/-1, got %+v", result)
	}
	if stub.submitCallCount() != 0 {
		t.Error("offline submission must not hit the network")
	}

	snapshot := client.Queue().Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(snapshot))
	}
	p := snapshot[0].Params
	if p.UserID != "u1" || p.Score != 100 || p.LeaderboardID != "global" || p.UserName != "Player One" {
		t.Errorf("params not captured verbatim: %+v", p)
	}
}

func TestSubmit_PendingQueueForcesQueueing(t *testing.T) {
	stub := &stubCaller{}
	client := newTestClient(t, stub, netstate.AlwaysOnline())

	// A leftover queued item means new submissions must queue behind it
	// to preserve submission order.
	if _, err := client.Queue().Enqueue(queue.MethodSubmit, queue.Params{
		UserID: "u0", Score: 1, LeaderboardID: "global",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := client.Submit(context.Background(), "u1", 100, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Queued || result.QueuePosition != 2 {
		t.Errorf("expected queued ack at position 2, got %+v", result)
	}
	if stub.submitCallCount() != 0 {
		t.Error("submission must not bypass pending queued items")
	}
}

func TestSubmit_Validation(t *testing.T) {
	client := newTestClient(t, &stubCaller{}, netstate.AlwaysOnline())

	if _, err := client.Submit(context.Background(), "u1", -1, nil); !errors.Is(err, ErrInvalidScore) {
		t.Errorf("expected ErrInvalidScore, got %v", err)
	}
	_, err := client.Submit(context.Background(), "u1", 1, &SubmitOptions{UserName: "bad<name>"})
	if !errors.Is(err, ErrInvalidUserName) {
		t.Errorf("expected ErrInvalidUserName, got %v", err)
	}
}

func TestSubmit_MissingLeaderboardID(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client, err := New(Config{
		APIKey: "test-key",
		Caller: &stubCaller{},
		Store:  store.NewMemory(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if _, err := client.Submit(context.Background(), "u1", 1, nil); !errors.Is(err, ErrMissingLeaderboardID) {
		t.Errorf("expected ErrMissingLeaderboardID, got %v", err)
	}

	// An explicit option resolves it.
	if _, err := client.Submit(context.Background(), "u1", 1, &SubmitOptions{LeaderboardID: "weekly"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSubmitBulk_NeverQueued(t *testing.T) {
	stub := &stubCaller{}
	client := newTestClient(t, stub, netstate.NewManual(false))

	_, err := client.SubmitBulk(context.Background(), "global", []api.ScoreEntry{
		{UserID: "a", Score: 1},
	})
	if !errors.Is(err, ErrBulkOffline) {
		t.Errorf("expected ErrBulkOffline, got %v", err)
	}
	if client.Queue().Size() != 0 {
		t.Error("bulk submissions must never be queued")
	}
	if stub.bulkCallCount() != 0 {
		t.Error("offline bulk submission must not hit the network")
	}
}

func TestProcessQueue_DrainsInOneBulkCall(t *testing.T) {
	stub := &stubCaller{}
	monitor := netstate.NewManual(false)
	client := newTestClient(t, stub, monitor)

	for i, user := range []string{"u1", "u2", "u3"} {
		if _, err := client.Submit(context.Background(), user, int64(i+1), nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var processed []string
	client.Queue().On(queue.EventProcessed, func(payload any) {
		for _, op := range payload.(queue.ProcessedEvent).Operations {
			processed = append(processed, op.QueueID)
		}
	})

	if err := client.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.Queue().Size() != 0 {
		t.Errorf("expected drained queue, %d items remain", client.Queue().Size())
	}
	if stub.bulkCallCount() != 1 {
		t.Fatalf("expected one bulk call, got %d", stub.bulkCallCount())
	}
	call := stub.bulkCalls[0]
	if call.leaderboardID != "global" || len(call.scores) != 3 {
		t.Errorf("unexpected bulk call: %+v", call)
	}
	if call.scores[0].UserID != "u1" || call.scores[2].UserID != "u3" {
		t.Errorf("order not preserved: %+v", call.scores)
	}
	if len(processed) != 3 {
		t.Errorf("expected every item processed exactly once, got %d events", len(processed))
	}
}

func TestProcessQueue_QueuedBulkReplayedAsIs(t *testing.T) {
	stub := &stubCaller{}
	client := newTestClient(t, stub, netstate.NewManual(false))

	entries := []api.ScoreEntry{{UserID: "a", Score: 1}, {UserID: "b", Score: 2}}
	if _, err := client.Queue().Enqueue(queue.MethodSubmitBulk, queue.Params{
		LeaderboardID: "global",
		Entries:       entries,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.bulkCallCount() != 1 || len(stub.bulkCalls[0].scores) != 2 {
		t.Errorf("unexpected bulk replay: %+v", stub.bulkCalls)
	}
}

func TestProcessQueue_PermanentErrorDropsBatch(t *testing.T) {
	stub := &stubCaller{bulkErr: api.ErrNotFound}
	client := newTestClient(t, stub, netstate.NewManual(false))

	for _, user := range []string{"u1", "u2"} {
		if _, err := client.Submit(context.Background(), user, 1, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var failures []queue.FailedEvent
	client.Queue().On(queue.EventFailed, func(payload any) {
		failures = append(failures, payload.(queue.FailedEvent))
	})

	if err := client.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("permanent errors must not abort the pass: %v", err)
	}

	if client.Queue().Size() != 0 {
		t.Errorf("permanently failed items must be removed, %d remain", client.Queue().Size())
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failure events, got %d", len(failures))
	}
	for _, f := range failures {
		if !f.Permanent || !errors.Is(f.Err, api.ErrNotFound) {
			t.Errorf("unexpected failure event: %+v", f)
		}
	}
}

func TestProcessQueue_TransientErrorHaltsPass(t *testing.T) {
	transient := errors.New("server error: 503")
	stub := &stubCaller{bulkErr: transient}
	client := newTestClient(t, stub, netstate.NewManual(false))

	// Two leaderboards means two batches; the halt must prevent the
	// second from being attempted.
	client.Submit(context.Background(), "u1", 1, &SubmitOptions{LeaderboardID: "L1"})
	client.Submit(context.Background(), "u2", 2, &SubmitOptions{LeaderboardID: "L2"})

	err := client.ProcessQueue(context.Background())
	if !errors.Is(err, transient) {
		t.Fatalf("expected the transient error returned, got %v", err)
	}

	if stub.bulkCallCount() != 1 {
		t.Errorf("pass must halt after the first transient failure, got %d calls", stub.bulkCallCount())
	}
	if client.Queue().Size() != 2 {
		t.Errorf("transiently failed items must be kept, size %d", client.Queue().Size())
	}

	for _, op := range client.Queue().Snapshot() {
		want := 0
		if op.Params.LeaderboardID == "L1" {
			want = 1
		}
		if op.RetryCount != want {
			t.Errorf("item %s: expected retryCount %d, got %d", op.QueueID, want, op.RetryCount)
		}
	}
}

func TestOnlineTransition_DrainsQueue(t *testing.T) {
	stub := &stubCaller{}
	monitor := netstate.NewManual(false)
	client := newTestClient(t, stub, monitor)

	if _, err := client.Submit(context.Background(), "u1", 100, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Online() {
		t.Fatal("expected offline state")
	}

	monitor.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.Queue().Size() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if client.Queue().Size() != 0 {
		t.Errorf("expected automatic drain after reconnect, %d items remain", client.Queue().Size())
	}
	if !client.Online() {
		t.Error("expected online state")
	}
}

func TestGetLeaderboard_ResolvesDefault(t *testing.T) {
	client := newTestClient(t, &stubCaller{}, netstate.AlwaysOnline())

	board, err := client.GetLeaderboard(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if board.LeaderboardID != "global" {
		t.Errorf("expected configured default, got %s", board.LeaderboardID)
	}
}
