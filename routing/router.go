// Package routing decides which worker hosts a session.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/waypost-im/waypost/fleet"
	"github.com/waypost-im/waypost/store"
)

var (
	// ErrCapacityExhausted means no ONLINE worker has a free slot. Callers
	// surface this as a user-visible "no capacity" condition, never a queue.
	ErrCapacityExhausted = errors.New("no worker with free capacity")

	// ErrSessionNotFound is returned for operations against an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionUnassigned means the session has no worker binding, so there
	// is nowhere to route the request.
	ErrSessionUnassigned = errors.New("session has no assigned worker")
)

// Router assigns new sessions to workers and handles explicit admin
// migration of existing ones. Orphaned sessions are never auto-migrated:
// their authenticated state lives on the original worker's filesystem.
type Router struct {
	registry *fleet.Registry
	store    store.Store
	logger   *slog.Logger
}

// New creates a session router.
func New(registry *fleet.Registry, s store.Store, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		store:    s,
		logger:   logger.With("component", "routing"),
	}
}

// Assign creates a session bound to the best available worker: the most
// free capacity wins, ties break on earliest registration. The session row
// and the worker's slot increment commit in one transaction; losing a race
// for the last slot falls through to the next candidate.
func (r *Router) Assign(ctx context.Context, orgID, userID string) (*store.Session, error) {
	candidates, err := r.registry.ListAvailable(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("list available workers: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrCapacityExhausted
	}

	now := time.Now()
	sess := &store.Session{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		UserID:    userID,
		Status:    store.SessionInit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, w := range candidates {
		sess.WorkerID = w.ID
		err := r.store.CreateSessionAssigned(ctx, sess)
		if err == store.ErrWorkerFull {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}

		r.audit(ctx, "session.create", sess, w.ID)
		r.logger.Info("session assigned", "session_id", sess.ID, "worker_id", w.ID, "free_slots", w.FreeSlots()-1)
		return sess, nil
	}

	return nil, ErrCapacityExhausted
}

// Owner resolves the worker currently bound to a session.
func (r *Router) Owner(ctx context.Context, sessionID string) (*store.Session, *store.Worker, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, ErrSessionNotFound
	}
	if sess.WorkerID == "" {
		return sess, nil, ErrSessionUnassigned
	}

	w, err := r.store.GetWorker(ctx, sess.WorkerID)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		// The binding points at a worker that no longer exists.
		return sess, nil, ErrSessionUnassigned
	}
	return sess, w, nil
}

// Migrate rebinds a session to a named worker. This is the explicit admin
// path: the new binding starts from INIT and requires fresh authentication
// on the target, because the old worker's credentials do not move.
func (r *Router) Migrate(ctx context.Context, sessionID, toWorkerID string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	target, err := r.registry.Get(ctx, toWorkerID)
	if err != nil {
		return nil, err
	}
	if sess.WorkerID == target.ID {
		return nil, fmt.Errorf("session %s already on worker %s", sessionID, toWorkerID)
	}

	if err := r.store.ReassignSession(ctx, sessionID, toWorkerID); err != nil {
		if err == store.ErrWorkerFull {
			return nil, ErrCapacityExhausted
		}
		return nil, fmt.Errorf("reassign session: %w", err)
	}

	r.audit(ctx, "session.migrate", sess, toWorkerID)
	r.logger.Info("session migrated", "session_id", sessionID, "from", sess.WorkerID, "to", toWorkerID)
	return r.store.GetSession(ctx, sessionID)
}

func (r *Router) audit(ctx context.Context, action string, sess *store.Session, workerID string) {
	err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		OrgID:     sess.OrgID,
		Action:    action,
		UserID:    sess.UserID,
		WorkerID:  workerID,
		SessionID: sess.ID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("audit log failed", "action", action, "error", err)
	}
}
