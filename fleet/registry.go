// Package fleet tracks the worker fleet: registration, liveness, and the
// ONLINE/OFFLINE state machine driven by heartbeats.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/waypost-im/waypost/store"
)

// ErrWorkerNotFound is returned for operations against an unknown worker.
var ErrWorkerNotFound = errors.New("worker not found")

// ValidationError rejects a malformed registration or heartbeat payload
// before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SessionReport is one session's state as reported in a worker heartbeat.
type SessionReport struct {
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	PhoneNumber  string    `json:"phoneNumber,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// HeartbeatReport is the periodic worker status push. Only the latest report
// per worker is retained.
type HeartbeatReport struct {
	Metrics      store.WorkerMetrics `json:"metrics"`
	Sessions     []SessionReport     `json:"sessions,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
}

// RecoveredFunc is invoked when a heartbeat brings a worker back from
// OFFLINE. Recovery itself is pull-based (the worker fetches its assigned
// sessions), so this hook only observes the transition.
type RecoveredFunc func(ctx context.Context, workerID string)

// Registry holds the authoritative state of every known worker. All state
// lives in the store; the registry adds validation and transition logic.
type Registry struct {
	store       store.Store
	logger      *slog.Logger
	onRecovered RecoveredFunc
}

// NewRegistry creates a worker registry.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.With("component", "fleet"),
	}
}

// OnWorkerRecovered sets the hook fired when a worker transitions
// OFFLINE -> ONLINE via heartbeat or re-registration.
func (r *Registry) OnWorkerRecovered(fn RecoveredFunc) {
	r.onRecovered = fn
}

// Register upserts a worker. Re-registration after a restart updates the
// endpoint and capacity and resets the worker to ONLINE with a fresh
// heartbeat; the occupied slot count is preserved so recovery can proceed
// against the existing assignments.
func (r *Registry) Register(ctx context.Context, workerID, endpoint string, maxSessions int) (*store.Worker, error) {
	if workerID == "" {
		return nil, &ValidationError{Field: "workerId", Reason: "must not be empty"}
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if maxSessions < 1 {
		return nil, &ValidationError{Field: "maxSessions", Reason: "must be at least 1"}
	}

	existing, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	wasOffline := existing != nil && existing.Status == store.WorkerOffline

	now := time.Now()
	w := &store.Worker{
		ID:              workerID,
		OrgID:           "default",
		Endpoint:        endpoint,
		MaxSessions:     maxSessions,
		Status:          store.WorkerOnline,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("upsert worker: %w", err)
	}

	r.audit(ctx, "worker.register", workerID)
	r.logger.Info("worker registered", "worker_id", workerID, "endpoint", endpoint, "max_sessions", maxSessions)

	if wasOffline && r.onRecovered != nil {
		r.onRecovered(ctx, workerID)
	}

	return r.store.GetWorker(ctx, workerID)
}

// Unregister marks a worker OFFLINE and flags its sessions for recovery.
// History is kept; the worker row is not deleted.
func (r *Registry) Unregister(ctx context.Context, workerID string) error {
	if err := r.store.SetWorkerStatus(ctx, workerID, store.WorkerOffline); err != nil {
		if err == store.ErrNotFound {
			return ErrWorkerNotFound
		}
		return fmt.Errorf("set worker status: %w", err)
	}

	n, err := r.store.MarkWorkerSessionsReconnecting(ctx, workerID)
	if err != nil {
		return fmt.Errorf("mark sessions reconnecting: %w", err)
	}

	r.audit(ctx, "worker.unregister", workerID)
	r.logger.Info("worker unregistered", "worker_id", workerID, "sessions_pending_recovery", n)
	return nil
}

// RecordHeartbeat ingests a heartbeat report: liveness, metrics, and the
// per-session statuses the worker carries. A heartbeat from an OFFLINE
// worker brings it back ONLINE.
func (r *Registry) RecordHeartbeat(ctx context.Context, workerID string, report HeartbeatReport) error {
	wasOffline, err := r.store.RecordWorkerHeartbeat(ctx, workerID, report.Metrics, time.Now())
	if err != nil {
		if err == store.ErrNotFound {
			return ErrWorkerNotFound
		}
		return fmt.Errorf("record heartbeat: %w", err)
	}

	// Per-session statuses ride along on the heartbeat. One bad entry must
	// not reject the liveness signal, so failures are logged and skipped.
	for _, sr := range report.Sessions {
		if sr.SessionID == "" || sr.Status == "" {
			continue
		}
		_, err := r.store.ApplySessionEvent(ctx, sr.SessionID, store.SessionEvent{
			Status:      sr.Status,
			PhoneNumber: sr.PhoneNumber,
			Timestamp:   sr.LastActivity,
		})
		if err != nil && err != store.ErrNotFound {
			r.logger.Warn("heartbeat session update failed", "worker_id", workerID, "session_id", sr.SessionID, "error", err)
		}
	}

	if wasOffline {
		r.audit(ctx, "worker.recovered", workerID)
		r.logger.Info("worker back online", "worker_id", workerID)
		if r.onRecovered != nil {
			r.onRecovered(ctx, workerID)
		}
	}
	return nil
}

// ListAvailable returns ONLINE workers with at least minFreeSlots free,
// ordered by free capacity then registration time.
func (r *Registry) ListAvailable(ctx context.Context, minFreeSlots int) ([]store.Worker, error) {
	if minFreeSlots < 1 {
		minFreeSlots = 1
	}
	return r.store.ListAvailableWorkers(ctx, minFreeSlots)
}

// Get returns a worker, or ErrWorkerNotFound.
func (r *Registry) Get(ctx context.Context, workerID string) (*store.Worker, error) {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWorkerNotFound
	}
	return w, nil
}

// All returns every known worker.
func (r *Registry) All(ctx context.Context) ([]store.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// SetMaintenance toggles a worker in or out of MAINTENANCE. A worker in
// maintenance keeps its sessions but receives no new assignments, and
// heartbeats do not pull it back into rotation.
func (r *Registry) SetMaintenance(ctx context.Context, workerID string, on bool) error {
	status := store.WorkerOnline
	action := "worker.maintenance_off"
	if on {
		status = store.WorkerMaintenance
		action = "worker.maintenance_on"
	}
	if err := r.store.SetWorkerStatus(ctx, workerID, status); err != nil {
		if err == store.ErrNotFound {
			return ErrWorkerNotFound
		}
		return err
	}
	r.audit(ctx, action, workerID)
	return nil
}

// ForceRemove deletes a worker after detaching every session it still
// references. Detached sessions become unassigned DISCONNECTED and need an
// explicit admin migration to come back.
func (r *Registry) ForceRemove(ctx context.Context, workerID string) (int64, error) {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if w == nil {
		return 0, ErrWorkerNotFound
	}

	detached, err := r.store.DetachWorkerSessions(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("detach sessions: %w", err)
	}
	if err := r.store.DeleteWorker(ctx, workerID); err != nil {
		return detached, fmt.Errorf("delete worker: %w", err)
	}

	r.audit(ctx, "worker.force_remove", workerID)
	r.logger.Warn("worker force-removed", "worker_id", workerID, "sessions_detached", detached)
	return detached, nil
}

func (r *Registry) audit(ctx context.Context, action, workerID string) {
	err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		OrgID:     "default",
		Action:    action,
		WorkerID:  workerID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("audit log failed", "action", action, "error", err)
	}
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return &ValidationError{Field: "endpoint", Reason: "must not be empty"}
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return &ValidationError{Field: "endpoint", Reason: "not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "endpoint", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "endpoint", Reason: "missing host"}
	}
	return nil
}
