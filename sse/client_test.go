package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/protocol"
)

// streamHandler writes the given frames and holds the connection open
// until the client goes away.
func streamHandler(t *testing.T, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

func TestStream_DispatchesEvents(t *testing.T) {
	frames := []string{
		"event: connected\ndata: {\"leaderboardId\":\"global\"}\n\n",
		": keepalive comment, must be ignored\n",
		"event: leaderboard_update\ndata: {\"leaderboardId\":\"global\",\"sequence\":4}\n\n",
		"event: heartbeat\ndata: {}\n\n",
		"event: error\ndata: {\"code\":\"rate_limited\",\"message\":\"slow down\"}\n\n",
	}

	var gotKey, gotAccept atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		gotAccept.Store(r.Header.Get("Accept"))
		streamHandler(t, frames)(w, r)
	}))
	defer server.Close()

	connected := make(chan string, 1)
	updates := make(chan *protocol.Update, 1)
	heartbeats := make(chan string, 1)
	errs := make(chan error, 1)

	logger, _ := zap.NewDevelopment()
	client := New(Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Logger:  logger,
		Callbacks: Callbacks{
			OnConnected:         func(topic string) { connected <- topic },
			OnLeaderboardUpdate: func(topic string, u *protocol.Update) { updates <- u },
			OnHeartbeat:         func(topic string) { heartbeats <- topic },
			OnError:             func(topic string, err error) { errs <- err },
		},
	})
	defer client.DisconnectAll()

	client.Connect(context.Background(), "global")

	select {
	case topic := <-connected:
		if topic != "global" {
			t.Errorf("unexpected topic: %s", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	select {
	case u := <-updates:
		if u.LeaderboardID != "global" || u.Sequence != 4 {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}

	select {
	case <-heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat event")
	}

	select {
	case err := <-errs:
		var se *protocol.ServerError
		if !errors.As(err, &se) || se.Code != "rate_limited" {
			t.Errorf("unexpected error event: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}

	if gotKey.Load() != "test-key" {
		t.Errorf("unexpected api key header: %v", gotKey.Load())
	}
	if gotAccept.Load() != "text/event-stream" {
		t.Errorf("unexpected accept header: %v", gotAccept.Load())
	}

	topics := client.Topics()
	if len(topics) != 1 || topics[0] != "global" {
		t.Errorf("unexpected topics: %v", topics)
	}
}

func TestStream_MultilineData(t *testing.T) {
	// Data split across lines is rejoined before decoding.
	frames := []string{
		"event: leaderboard_update\n" +
			"data: {\"leaderboardId\":\"global\",\n" +
			"data: \"sequence\":9}\n\n",
	}
	server := httptest.NewServer(streamHandler(t, frames))
	defer server.Close()

	updates := make(chan *protocol.Update, 1)
	client := New(Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Callbacks: Callbacks{
			OnLeaderboardUpdate: func(topic string, u *protocol.Update) { updates <- u },
		},
	})
	defer client.DisconnectAll()

	client.Connect(context.Background(), "global")

	select {
	case u := <-updates:
		if u.Sequence != 9 {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}
}

func TestConnect_DuplicateTopicIsNoOp(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		streamHandler(t, []string{"event: connected\ndata: {}\n\n"})(w, r)
	}))
	defer server.Close()

	connected := make(chan string, 2)
	client := New(Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Callbacks: Callbacks{
			OnConnected: func(topic string) { connected <- topic },
		},
	})
	defer client.DisconnectAll()

	client.Connect(context.Background(), "global")
	client.Connect(context.Background(), "global")

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}
	time.Sleep(50 * time.Millisecond)

	if n := requests.Load(); n != 1 {
		t.Errorf("expected a single stream, got %d requests", n)
	}
}

func TestStream_RetryBudgetExhausted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	errs := make(chan error, 1)
	client := New(Config{
		BaseURL:    server.URL,
		APIKey:     "test-key",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Callbacks: Callbacks{
			OnError: func(topic string, err error) { errs <- err },
		},
	})

	client.Connect(context.Background(), "global")

	select {
	case err := <-errs:
		if !errors.Is(err, ErrMaxRetries) {
			t.Fatalf("expected ErrMaxRetries, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry exhaustion")
	}

	// Initial attempt plus two retries, then the stream is removed.
	if n := requests.Load(); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
	if topics := client.Topics(); len(topics) != 0 {
		t.Errorf("exhausted stream must be removed, topics: %v", topics)
	}
}

func TestDisconnect_StopsStream(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		streamHandler(t, []string{"event: connected\ndata: {}\n\n"})(w, r)
	}))
	defer server.Close()

	connected := make(chan string, 1)
	client := New(Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Callbacks: Callbacks{
			OnConnected: func(topic string) { connected <- topic },
		},
	})

	client.Connect(context.Background(), "global")
	<-connected

	client.Disconnect("global")

	if topics := client.Topics(); len(topics) != 0 {
		t.Errorf("unexpected topics after disconnect: %v", topics)
	}

	// No reconnect happens once the stream is cancelled.
	time.Sleep(50 * time.Millisecond)
	if n := requests.Load(); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}
