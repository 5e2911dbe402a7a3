// Package ingest applies worker-originated webhook events to session and
// message state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waypost-im/waypost/fleet"
	"github.com/waypost-im/waypost/notify"
	"github.com/waypost-im/waypost/store"
	"github.com/waypost-im/waypost/usage"
)

var (
	// ErrSessionNotFound is surfaced as 404 so the worker can decide
	// whether to retry or drop the event.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound is the message-status equivalent.
	ErrMessageNotFound = errors.New("message not found")
)

// ValidationError rejects a malformed webhook payload before any state
// change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SessionStatusEvent is the session-status webhook payload.
type SessionStatusEvent struct {
	SessionID   string    `json:"sessionId"`
	Status      string    `json:"status"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	QRCode      string    `json:"qrCode,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// MessageStatusEvent is the message-status webhook payload.
type MessageStatusEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

var validSessionStatuses = map[string]bool{
	store.SessionInit:         true,
	store.SessionQRRequired:   true,
	store.SessionConnected:    true,
	store.SessionDisconnected: true,
	store.SessionReconnecting: true,
	store.SessionError:        true,
	store.SessionLoggedOut:    true,
}

var validMessageStatuses = map[string]bool{
	store.MessagePending:   true,
	store.MessageSent:      true,
	store.MessageDelivered: true,
	store.MessageRead:      true,
	store.MessageFailed:    true,
}

// Ingestor is the inbound side of the worker -> hub channel. All handlers
// tolerate replays: re-applying an identical event is a no-op, not an error.
type Ingestor struct {
	store      store.Store
	registry   *fleet.Registry
	accountant *usage.Accountant
	notifier   notify.Notifier
	logger     *slog.Logger
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(s store.Store, registry *fleet.Registry, accountant *usage.Accountant, notifier notify.Notifier, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:      s,
		registry:   registry,
		accountant: accountant,
		notifier:   notifier,
		logger:     logger.With("component", "ingest"),
	}
}

// SessionStatus applies a session state change pushed by the owning worker.
// Events older than the session's last applied event are dropped silently;
// replays land as no-ops. Clients are notified only after the state
// committed.
func (i *Ingestor) SessionStatus(ctx context.Context, ev SessionStatusEvent) error {
	if ev.SessionID == "" {
		return &ValidationError{Field: "sessionId", Reason: "must not be empty"}
	}
	if !validSessionStatuses[ev.Status] {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", ev.Status)}
	}

	applied, err := i.store.ApplySessionEvent(ctx, ev.SessionID, store.SessionEvent{
		Status:      ev.Status,
		PhoneNumber: ev.PhoneNumber,
		QRCode:      ev.QRCode,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		if err == store.ErrNotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("apply session event: %w", err)
	}
	if !applied {
		i.logger.Debug("stale session event dropped", "session_id", ev.SessionID, "status", ev.Status)
		return nil
	}

	eventType := "session.status"
	if ev.Status == store.SessionQRRequired {
		eventType = "session.qr"
	}
	i.notifier.Notify(ctx, notify.Event{
		Type:      eventType,
		SessionID: ev.SessionID,
		Data:      map[string]string{"status": ev.Status},
	})
	return nil
}

// MessageStatus applies a delivery state change. The first transition into
// sent or delivered counts the message toward the org's usage; replays and
// later hops (sent -> delivered) do not count it again.
func (i *Ingestor) MessageStatus(ctx context.Context, ev MessageStatusEvent) error {
	if ev.MessageID == "" {
		return &ValidationError{Field: "messageId", Reason: "must not be empty"}
	}
	if !validMessageStatuses[ev.Status] {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", ev.Status)}
	}

	msg, err := i.store.GetMessage(ctx, ev.MessageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return ErrMessageNotFound
	}

	changed, err := i.store.UpdateMessageStatus(ctx, ev.MessageID, ev.Status)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrMessageNotFound
		}
		return fmt.Errorf("update message status: %w", err)
	}
	if !changed {
		return nil
	}

	if isDeliveredState(ev.Status) && !isDeliveredState(msg.Status) && msg.Status != store.MessageRead {
		sess, err := i.store.GetSession(ctx, msg.SessionID)
		if err == nil && sess != nil {
			i.accountant.RecordMessage(ctx, sess.OrgID)
		}
	}

	i.notifier.Notify(ctx, notify.Event{
		Type:      "message.status",
		SessionID: msg.SessionID,
		Data:      map[string]string{"messageId": ev.MessageID, "status": ev.Status},
	})
	return nil
}

// WorkerHeartbeat delegates a heartbeat webhook to the fleet registry.
func (i *Ingestor) WorkerHeartbeat(ctx context.Context, workerID string, report fleet.HeartbeatReport) error {
	if workerID == "" {
		return &ValidationError{Field: "workerId", Reason: "must not be empty"}
	}
	return i.registry.RecordHeartbeat(ctx, workerID, report)
}

func isDeliveredState(status string) bool {
	return status == store.MessageSent || status == store.MessageDelivered
}
