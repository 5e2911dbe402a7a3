// Package recovery implements the protocol by which a restarted worker
// reclaims the sessions the hub believes it owns.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/waypost-im/waypost/fleet"
	"github.com/waypost-im/waypost/store"
)

// ReportItem is one session's recovery outcome as reported by the worker.
type ReportItem struct {
	SessionID string `json:"sessionId"`
	Outcome   string `json:"outcome"` // SUCCESS | FAILED | SKIPPED
	Error     string `json:"error,omitempty"`
}

// Report is the worker's full recovery-status submission.
type Report struct {
	TotalSessions        int          `json:"totalSessions"`
	SuccessfulRecoveries int          `json:"successfulRecoveries"`
	FailedRecoveries     int          `json:"failedRecoveries"`
	Sessions             []ReportItem `json:"sessions"`
}

// ItemResult is the per-item outcome of applying a report. One bad item
// never aborts the rest.
type ItemResult struct {
	SessionID string `json:"sessionId"`
	Applied   bool   `json:"applied"`
	Error     string `json:"error,omitempty"`
}

// Summary aggregates the stored recovery record for a worker.
type Summary struct {
	WorkerID             string                 `json:"workerId"`
	TotalSessions        int                    `json:"totalSessions"`
	SuccessfulRecoveries int                    `json:"successfulRecoveries"`
	FailedRecoveries     int                    `json:"failedRecoveries"`
	SkippedRecoveries    int                    `json:"skippedRecoveries"`
	Results              []store.RecoveryResult `json:"results"`
}

// Coordinator applies recovery reports and serves the authoritative
// assigned-sessions list.
type Coordinator struct {
	store  store.Store
	logger *slog.Logger
}

// NewCoordinator creates a recovery coordinator.
func NewCoordinator(s store.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  s,
		logger: logger.With("component", "recovery"),
	}
}

// AssignedSessions returns every session whose persisted binding names this
// worker, regardless of status. This is the authoritative "what you are
// supposed to be hosting" list a worker pulls after (re)registering.
func (c *Coordinator) AssignedSessions(ctx context.Context, workerID string) ([]store.Session, error) {
	w, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fleet.ErrWorkerNotFound
	}
	return c.store.ListSessionsByWorker(ctx, workerID)
}

// ApplyReport applies a worker's recovery-status report item by item:
//
//	SUCCESS -> session left as is; the worker's own status webhook confirms
//	FAILED  -> session status ERROR, binding kept for operator intervention
//	SKIPPED -> session status DISCONNECTED
//
// Reports are idempotent: each (worker, session) outcome is stored
// last-report-wins, and items older than the stored recoveredAt are dropped.
func (c *Coordinator) ApplyReport(ctx context.Context, workerID string, report Report) ([]ItemResult, error) {
	w, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fleet.ErrWorkerNotFound
	}

	now := time.Now()
	results := make([]ItemResult, 0, len(report.Sessions))
	for _, item := range report.Sessions {
		results = append(results, c.applyItem(ctx, workerID, item, now))
	}

	if err := c.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		OrgID:     "default",
		Action:    "worker.recovery_report",
		WorkerID:  workerID,
		Detail:    mustDetail(report),
		CreatedAt: now,
	}); err != nil {
		c.logger.Warn("audit log failed", "action", "worker.recovery_report", "error", err)
	}

	c.logger.Info("recovery report applied", "worker_id", workerID,
		"total", report.TotalSessions, "success", report.SuccessfulRecoveries, "failed", report.FailedRecoveries)
	return results, nil
}

func (c *Coordinator) applyItem(ctx context.Context, workerID string, item ReportItem, at time.Time) ItemResult {
	res := ItemResult{SessionID: item.SessionID}

	status, ok := outcomeStatus(item.Outcome)
	if !ok {
		res.Error = fmt.Sprintf("unknown outcome %q", item.Outcome)
		return res
	}

	sess, err := c.store.GetSession(ctx, item.SessionID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if sess == nil {
		res.Error = "session not found"
		return res
	}
	if sess.WorkerID != workerID {
		res.Error = "session not assigned to this worker"
		return res
	}

	applied, err := c.store.UpsertRecoveryResult(ctx, &store.RecoveryResult{
		WorkerID:    workerID,
		SessionID:   item.SessionID,
		Outcome:     item.Outcome,
		Error:       item.Error,
		RecoveredAt: at,
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if !applied {
		// A newer report already covered this session.
		return res
	}

	if status != "" {
		if err := c.store.UpdateSessionStatus(ctx, item.SessionID, status); err != nil {
			res.Error = err.Error()
			return res
		}
	}
	res.Applied = true
	return res
}

// Record returns the stored recovery record for a worker, with aggregate
// counts recomputed from the per-session outcomes.
func (c *Coordinator) Record(ctx context.Context, workerID string) (*Summary, error) {
	w, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fleet.ErrWorkerNotFound
	}

	results, err := c.store.ListRecoveryResults(ctx, workerID)
	if err != nil {
		return nil, err
	}

	s := &Summary{WorkerID: workerID, TotalSessions: len(results), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case store.RecoverySuccess:
			s.SuccessfulRecoveries++
		case store.RecoveryFailed:
			s.FailedRecoveries++
		case store.RecoverySkipped:
			s.SkippedRecoveries++
		}
	}
	return s, nil
}

// outcomeStatus maps a report outcome to the session status it forces.
// SUCCESS forces nothing: the worker's subsequent status webhook is the
// source of truth for CONNECTED.
func outcomeStatus(outcome string) (string, bool) {
	switch outcome {
	case store.RecoverySuccess:
		return "", true
	case store.RecoveryFailed:
		return store.SessionError, true
	case store.RecoverySkipped:
		return store.SessionDisconnected, true
	default:
		return "", false
	}
}

func mustDetail(report Report) []byte {
	detail := fmt.Sprintf(`{"total":%d,"success":%d,"failed":%d}`,
		report.TotalSessions, report.SuccessfulRecoveries, report.FailedRecoveries)
	return []byte(detail)
}
