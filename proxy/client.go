// Package proxy forwards client-triggered operations to the worker that
// owns a session, over HTTP, with bounded retries.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/waypost-im/waypost/config"
	"github.com/waypost-im/waypost/store"
)

// WorkerUnavailableError is raised when the retry budget is exhausted. It is
// distinct from a worker's own rejection (WorkerRejectionError) so callers
// can tell infrastructure failure apart from a permanent refusal.
type WorkerUnavailableError struct {
	WorkerID   string
	Attempts   int
	LastStatus int // 0 if the failure was a network error
	Message    string
}

func (e *WorkerUnavailableError) Error() string {
	if e.LastStatus > 0 {
		return fmt.Sprintf("worker %s unavailable after %d attempts (last status %d): %s",
			e.WorkerID, e.Attempts, e.LastStatus, e.Message)
	}
	return fmt.Sprintf("worker %s unavailable after %d attempts: %s", e.WorkerID, e.Attempts, e.Message)
}

// WorkerRejectionError is a 4xx from the worker: the request shape was bad,
// not the transport. Never retried.
type WorkerRejectionError struct {
	WorkerID string
	Status   int
	Body     []byte
}

func (e *WorkerRejectionError) Error() string {
	return fmt.Sprintf("worker %s rejected request with status %d", e.WorkerID, e.Status)
}

// BroadcastResult is one worker's outcome of a fan-out call.
type BroadcastResult struct {
	WorkerID string          `json:"workerId"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Client is the orchestrator-side HTTP client for the worker control
// surface. Every call carries the shared worker bearer token.
type Client struct {
	httpClient   *http.Client
	healthClient *http.Client
	token        string
	maxAttempts  int
	backoffBase  time.Duration
	logger       *slog.Logger
}

// NewClient creates a worker proxy client.
func NewClient(cfg config.ProxyConfig, workerToken string, logger *slog.Logger) *Client {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout.Duration},
		healthClient: &http.Client{Timeout: cfg.HealthTimeout.Duration},
		token:        workerToken,
		maxAttempts:  attempts,
		backoffBase:  cfg.BackoffBase.Duration,
		logger:       logger.With("component", "proxy"),
	}
}

// CreateSession asks a worker to start hosting a new session.
func (c *Client) CreateSession(ctx context.Context, w *store.Worker, sessionID string) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	return c.do(ctx, c.httpClient, w, http.MethodPost, "/api/session/create", body)
}

// SessionStatus polls the worker for a session's QR/connection state.
func (c *Client) SessionStatus(ctx context.Context, w *store.Worker, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodGet, "/api/session/"+sessionID+"/status", nil)
}

// SendMessage delivers an outbound message through the owning worker.
func (c *Client) SendMessage(ctx context.Context, w *store.Worker, sessionID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodPost, "/api/session/"+sessionID+"/send", payload)
}

// ManageMessage forwards a message management action (delete/star/react/
// edit/read) to the owning worker.
func (c *Client) ManageMessage(ctx context.Context, w *store.Worker, messageID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodPost, "/api/message/"+messageID+"/manage", payload)
}

// Restart asks the worker to tear down and re-establish the session's
// connection, keeping its authenticated state.
func (c *Client) Restart(ctx context.Context, w *store.Worker, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodPost, "/api/session/"+sessionID+"/restart", nil)
}

// Disconnect drops the session's connection but keeps its auth state.
func (c *Client) Disconnect(ctx context.Context, w *store.Worker, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodPost, "/api/session/"+sessionID+"/disconnect", nil)
}

// Logout drops the connection and deletes the session's auth state.
func (c *Client) Logout(ctx context.Context, w *store.Worker, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodPost, "/api/session/"+sessionID+"/logout", nil)
}

// Delete fully tears the session down on the worker.
func (c *Client) Delete(ctx context.Context, w *store.Worker, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, c.httpClient, w, http.MethodDelete, "/api/session/"+sessionID, nil)
}

// Health checks worker liveness. Short timeout, single attempt: a slow
// health endpoint is itself the answer.
func (c *Client) Health(ctx context.Context, w *store.Worker) (json.RawMessage, error) {
	data, _, err := c.attempt(ctx, c.healthClient, w, http.MethodGet, "/health", nil)
	return data, err
}

// Broadcast fans a health probe out to many workers concurrently. Individual
// failures land in that worker's result; the call itself never fails.
func (c *Client) Broadcast(ctx context.Context, workers []store.Worker) []BroadcastResult {
	results := make([]BroadcastResult, len(workers))
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := workers[i]
			data, err := c.Health(ctx, &w)
			if err != nil {
				results[i] = BroadcastResult{WorkerID: w.ID, Success: false, Error: err.Error()}
				return
			}
			results[i] = BroadcastResult{WorkerID: w.ID, Success: true, Data: data}
		}(i)
	}
	wg.Wait()
	return results
}

// do runs one logical call with the retry policy: up to maxAttempts, linear
// backoff (attempt count times the base delay), retrying network errors and
// 5xx responses. 4xx is permanent and returns immediately.
func (c *Client) do(ctx context.Context, client *http.Client, w *store.Worker, method, path string, body []byte) (json.RawMessage, error) {
	var lastErr error
	lastStatus := 0

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * c.backoffBase
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Debug("retrying worker call", "worker_id", w.ID, "path", path, "attempt", attempt)
		}

		data, status, err := c.attempt(ctx, client, w, method, path, body)
		if err == nil {
			return data, nil
		}
		if rej, ok := err.(*WorkerRejectionError); ok {
			return nil, rej
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		lastStatus = status
	}

	c.logger.Warn("worker call exhausted retries", "worker_id", w.ID, "path", path,
		"attempts", c.maxAttempts, "last_status", lastStatus, "error", lastErr)
	return nil, &WorkerUnavailableError{
		WorkerID:   w.ID,
		Attempts:   c.maxAttempts,
		LastStatus: lastStatus,
		Message:    lastErr.Error(),
	}
}

// attempt performs a single HTTP exchange. It returns the response status
// alongside the error so the caller can record the last failure.
func (c *Client) attempt(ctx context.Context, client *http.Client, w *store.Worker, method, path string, body []byte) (json.RawMessage, int, error) {
	url := strings.TrimRight(w.Endpoint, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, resp.StatusCode, &WorkerRejectionError{WorkerID: w.ID, Status: resp.StatusCode, Body: data}
	default:
		return nil, resp.StatusCode, fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
}
