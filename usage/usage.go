// Package usage accumulates per-organization message counters, keyed by
// calendar month.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/waypost-im/waypost/store"
)

// Accountant records billable message events. Recording is best effort:
// a failed increment is logged and dropped, it never blocks the message
// path.
type Accountant struct {
	store  store.Store
	logger *slog.Logger
}

// NewAccountant creates a usage accountant.
func NewAccountant(s store.Store, logger *slog.Logger) *Accountant {
	return &Accountant{
		store:  s,
		logger: logger.With("component", "usage"),
	}
}

// Period formats the accounting period for a point in time.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordMessage counts one delivered message for the organization.
func (a *Accountant) RecordMessage(ctx context.Context, orgID string) {
	if err := a.store.AddMessageUsage(ctx, orgID, Period(time.Now()), 1); err != nil {
		a.logger.Warn("usage increment failed", "org_id", orgID, "error", err)
	}
}

// MessagesForPeriod returns the count recorded for an accounting period.
func (a *Accountant) MessagesForPeriod(ctx context.Context, orgID, period string) (int64, error) {
	return a.store.GetMessageUsage(ctx, orgID, period)
}

// MessagesThisPeriod returns the running count for the current period.
func (a *Accountant) MessagesThisPeriod(ctx context.Context, orgID string) (int64, error) {
	return a.MessagesForPeriod(ctx, orgID, Period(time.Now()))
}
