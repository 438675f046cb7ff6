// Package fakeserver is a local stand-in for the remote leaderboard
// service: the REST surface, the websocket realtime channel and the SSE
// stream, backed by in-memory boards. It exists for development, demos
// and integration-style tests.
package fakeserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go/api"
	"github.com/rankpipe/rankpipe-go/protocol"
)

const sseHeartbeatPeriod = 15 * time.Second

// Server holds the fake service state.
type Server struct {
	apiKey string
	boards *Registry
	hub    *Hub
	logger *zap.Logger
}

func NewServer(apiKey string, logger *zap.Logger) *Server {
	return &Server{
		apiKey: apiKey,
		boards: NewRegistry(),
		hub:    NewHub(logger),
		logger: logger,
	}
}

// Hub exposes the broadcast hub, mainly for tests that push updates
// directly.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(s.logger))

	r.Get("/v1/realtime", s.handleWS)

	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(s.authMiddleware)

		apiRouter.Get("/v1/ping", s.handlePing)
		apiRouter.Post("/v1/leaderboards/{leaderboardID}/scores", s.handleSubmit)
		apiRouter.Post("/v1/leaderboards/{leaderboardID}/scores/bulk", s.handleSubmitBulk)
		apiRouter.Get("/v1/leaderboards/{leaderboardID}", s.handleTop)
		apiRouter.Get("/v1/leaderboards/{leaderboardID}/users/{userID}/rank", s.handleRank)
		apiRouter.Get("/v1/leaderboards/{leaderboardID}/stream", s.handleStream)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskAPIKey(r.URL.RawQuery)),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskAPIKey masks the api_key parameter in a query string.
func maskAPIKey(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if key := values.Get("api_key"); key != "" {
		if len(key) > 4 {
			values.Set("api_key", key[:4]+"****")
		}
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

type submitBody struct {
	UserID   string         `json:"userId"`
	Score    int64          `json:"score"`
	UserName string         `json:"userName"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	leaderboardID := chi.URLParam(r, "leaderboardID")

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid submit body"})
		return
	}

	board, _ := s.boards.Board(leaderboardID, true)
	result, update := board.Submit(body.UserID, body.UserName, body.Score)
	s.broadcastUpdate(leaderboardID, update)

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	leaderboardID := chi.URLParam(r, "leaderboardID")

	var body struct {
		Scores []api.ScoreEntry `json:"scores"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Scores) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bulk body"})
		return
	}

	board, _ := s.boards.Board(leaderboardID, true)
	results := make([]api.SubmitResult, 0, len(body.Scores))
	var lastUpdate protocol.Update
	for _, entry := range body.Scores {
		result, update := board.Submit(entry.UserID, entry.UserName, entry.Score)
		results = append(results, result)
		lastUpdate = update
	}
	s.broadcastUpdate(leaderboardID, lastUpdate)

	writeJSON(w, http.StatusOK, api.BulkResult{
		LeaderboardID: leaderboardID,
		Submitted:     len(results),
		Results:       results,
	})
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	leaderboardID := chi.URLParam(r, "leaderboardID")

	board, ok := s.boards.Board(leaderboardID, false)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "leaderboard not found"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, board.Top(limit))
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	leaderboardID := chi.URLParam(r, "leaderboardID")
	userID := chi.URLParam(r, "userID")

	board, ok := s.boards.Board(leaderboardID, false)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "leaderboard not found"})
		return
	}
	rank, ok := board.Rank(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, rank)
}

// handleStream serves the SSE channel for one leaderboard.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	leaderboardID := chi.URLParam(r, "leaderboardID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cancel := s.hub.subscribeStream(leaderboardID)
	defer cancel()

	writeSSE(w, "connected", mustMarshal(map[string]string{"leaderboardId": leaderboardID}))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case msg := <-ch:
			if msg.Type != protocol.TypeLeaderboardUpdate {
				continue
			}
			writeSSE(w, "leaderboard_update", msg.Payload)
			flusher.Flush()

		case <-heartbeat.C:
			writeSSE(w, "heartbeat", mustMarshal(map[string]int64{"serverTime": time.Now().UnixMilli()}))
			flusher.Flush()
		}
	}
}

func (s *Server) broadcastUpdate(topic string, update protocol.Update) {
	s.hub.Broadcast(topic, protocol.Message{
		ID:        uuid.NewString(),
		Type:      protocol.TypeLeaderboardUpdate,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(update),
	})
}

func writeSSE(w http.ResponseWriter, event string, data []byte) {
	w.Write([]byte("event: " + event + "\n"))
	w.Write([]byte("data: " + string(data) + "\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
