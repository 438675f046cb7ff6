// Package api implements the authenticated REST caller: one shared
// request core with client-side rate limiting, timeouts and bounded
// exponential-backoff retry for transient failures. Authentication,
// permission and not-found responses are never retried.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Caller interface for testability
type Caller interface {
	SubmitScore(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	SubmitBulk(ctx context.Context, leaderboardID string, scores []ScoreEntry) (*BulkResult, error)
	GetLeaderboard(ctx context.Context, leaderboardID string, limit int) (*Leaderboard, error)
	GetUserRank(ctx context.Context, leaderboardID, userID string) (*UserRank, error)
	Ping(ctx context.Context) error
}

type HTTPCaller struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewHTTPCaller(baseURL, apiKey string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPCaller {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPCaller{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (c *HTTPCaller) SubmitScore(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	path := fmt.Sprintf("/v1/leaderboards/%s/scores", url.PathEscape(req.LeaderboardID))

	body, err := c.do(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	var result SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	return &result, nil
}

func (c *HTTPCaller) SubmitBulk(ctx context.Context, leaderboardID string, scores []ScoreEntry) (*BulkResult, error) {
	path := fmt.Sprintf("/v1/leaderboards/%s/scores/bulk", url.PathEscape(leaderboardID))
	payload := map[string]any{"scores": scores}

	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}

	var result BulkResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding bulk response: %w", err)
	}
	return &result, nil
}

func (c *HTTPCaller) GetLeaderboard(ctx context.Context, leaderboardID string, limit int) (*Leaderboard, error) {
	path := fmt.Sprintf("/v1/leaderboards/%s", url.PathEscape(leaderboardID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var board Leaderboard
	if err := json.Unmarshal(body, &board); err != nil {
		return nil, fmt.Errorf("decoding leaderboard response: %w", err)
	}
	return &board, nil
}

func (c *HTTPCaller) GetUserRank(ctx context.Context, leaderboardID, userID string) (*UserRank, error) {
	path := fmt.Sprintf("/v1/leaderboards/%s/users/%s/rank",
		url.PathEscape(leaderboardID), url.PathEscape(userID))

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var ur UserRank
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, fmt.Errorf("decoding rank response: %w", err)
	}
	return &ur, nil
}

func (c *HTTPCaller) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/ping", nil)
	return err
}

// do executes one authenticated request with retry. Transient failures
// (network errors, 429, 5xx) retry with exponential delay up to
// retryCount; 401/403/404 return immediately as permanent errors.
func (c *HTTPCaller) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	fullURL := c.baseURL + path
	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", fullURL))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case http.StatusForbidden:
			return nil, ErrForbidden
		case http.StatusNotFound:
			return nil, ErrNotFound
		case http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
