package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/waypost-im/waypost/config"
	"github.com/waypost-im/waypost/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.ProxyConfig{
		RequestTimeout: config.Duration{Duration: 5 * time.Second},
		HealthTimeout:  config.Duration{Duration: 1 * time.Second},
		MaxAttempts:    3,
		BackoffBase:    config.Duration{Duration: 5 * time.Millisecond},
	}
	return NewClient(cfg, "shared-worker-token", slog.Default())
}

func workerFor(url string) *store.Worker {
	return &store.Worker{ID: "w1", Endpoint: url, MaxSessions: 5, Status: store.WorkerOnline}
}

func TestSendMessageSuccess(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"messageId":"m1","status":"pending"}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	data, err := c.SendMessage(context.Background(), workerFor(srv.URL), "s1", json.RawMessage(`{"to":"+15550001111"}`))
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer shared-worker-token" {
		t.Errorf("Authorization = %q, want shared bearer", gotAuth)
	}
	if gotPath != "/api/session/s1/send" {
		t.Errorf("path = %q", gotPath)
	}
	var resp map[string]string
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("response not passed through: %v", err)
	}
	if resp["messageId"] != "m1" {
		t.Errorf("response = %v", resp)
	}
}

func TestRetryExhaustionOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t)
	start := time.Now()
	_, err := c.SendMessage(context.Background(), workerFor(srv.URL), "s1", nil)
	elapsed := time.Since(start)

	var unavail *WorkerUnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want WorkerUnavailableError", err)
	}
	if unavail.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", unavail.Attempts)
	}
	if unavail.LastStatus != http.StatusServiceUnavailable {
		t.Errorf("last status = %d, want 503", unavail.LastStatus)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want exactly 3", got)
	}
	// Linear backoff: 1x + 2x base = 15ms minimum before the last failure.
	if elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %v, backoff not applied", elapsed)
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"malformed recipient"}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.SendMessage(context.Background(), workerFor(srv.URL), "s1", nil)

	var rej *WorkerRejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want WorkerRejectionError", err)
	}
	if rej.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rej.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, 4xx must not be retried", got)
	}
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	data, err := c.Restart(context.Background(), workerFor(srv.URL), "s1")
	if err != nil {
		t.Fatalf("third attempt should have succeeded: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("data = %s", data)
	}
}

func TestNetworkErrorYieldsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	c := newTestClient(t)
	_, err := c.Delete(context.Background(), workerFor(srv.URL), "s1")

	var unavail *WorkerUnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want WorkerUnavailableError", err)
	}
	if unavail.LastStatus != 0 {
		t.Errorf("last status = %d, want 0 for network error", unavail.LastStatus)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t)
	_, err := c.SendMessage(ctx, workerFor(srv.URL), "s1", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestHealthSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t)
	if _, err := c.Health(context.Background(), workerFor(srv.URL)); err == nil {
		t.Fatal("expected error from unhealthy worker")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("health probe made %d calls, want 1 (no retries)", got)
	}
}

func TestBroadcastCollectsPerWorkerResults(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","freeSlots":3}`))
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	workers := []store.Worker{
		{ID: "good", Endpoint: healthy.URL},
		{ID: "bad", Endpoint: broken.URL},
	}

	c := newTestClient(t)
	results := c.Broadcast(context.Background(), workers)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	byID := map[string]BroadcastResult{}
	for _, r := range results {
		byID[r.WorkerID] = r
	}
	if !byID["good"].Success || len(byID["good"].Data) == 0 {
		t.Errorf("good worker result = %+v", byID["good"])
	}
	if byID["bad"].Success || byID["bad"].Error == "" {
		t.Errorf("bad worker result = %+v", byID["bad"])
	}
}
