// Package store defines the storage interface for the hub and provides SQLite
// and PostgreSQL implementations. The store is the single source of truth for
// worker and session state; every ownership or capacity mutation is serialized
// here so concurrent request handlers never race on stale reads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Worker status values.
const (
	WorkerOnline      = "ONLINE"
	WorkerOffline     = "OFFLINE"
	WorkerMaintenance = "MAINTENANCE"
)

// Session status values.
const (
	SessionInit         = "INIT"
	SessionQRRequired   = "QR_REQUIRED"
	SessionConnected    = "CONNECTED"
	SessionDisconnected = "DISCONNECTED"
	SessionReconnecting = "RECONNECTING"
	SessionError        = "ERROR"
	SessionLoggedOut    = "LOGGED_OUT"
)

// Message delivery status values.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Recovery outcomes reported by workers.
const (
	RecoverySuccess = "SUCCESS"
	RecoveryFailed  = "FAILED"
	RecoverySkipped = "SKIPPED"
)

// ErrWorkerFull is returned by conditional capacity increments when the target
// worker has no free session slots.
var ErrWorkerFull = errors.New("worker has no free session slots")

// ErrNotFound is returned by conditional mutations when the target row does
// not exist. Getters keep the (nil, nil) convention for missing rows.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the hub.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, orgID, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)

	// Workers
	UpsertWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
	ListAvailableWorkers(ctx context.Context, minFreeSlots int) ([]Worker, error)
	SetWorkerStatus(ctx context.Context, id, status string) error
	// RecordWorkerHeartbeat updates metrics and the heartbeat timestamp and
	// flips the worker ONLINE. It reports whether the worker was OFFLINE
	// before this heartbeat, which is the trigger for recovery.
	RecordWorkerHeartbeat(ctx context.Context, id string, m WorkerMetrics, at time.Time) (wasOffline bool, err error)
	// ExpireStaleWorkers transitions every ONLINE worker whose last heartbeat
	// is older than cutoff to OFFLINE and returns the affected worker IDs.
	ExpireStaleWorkers(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteWorker(ctx context.Context, id string) error

	// Sessions
	// CreateSessionAssigned inserts the session and increments the owning
	// worker's session count in one transaction. The increment is a single
	// conditional update; ErrWorkerFull is returned (and nothing committed)
	// when the worker is full or not ONLINE.
	CreateSessionAssigned(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]Session, error)
	ListSessionsByWorker(ctx context.Context, workerID string) ([]Session, error)
	// ApplySessionEvent applies a worker-reported state change, guarded by the
	// event timestamp: events older than the last applied one are rejected.
	// Returns whether the update was applied.
	ApplySessionEvent(ctx context.Context, id string, ev SessionEvent) (bool, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	// MarkWorkerSessionsReconnecting flips every active session owned by the
	// worker to RECONNECTING (used when the worker goes OFFLINE). Ownership is
	// retained; recovery or explicit migration restores it.
	MarkWorkerSessionsReconnecting(ctx context.Context, workerID string) (int64, error)
	// ReassignSession moves a session to a new worker: decrements the old
	// owner's count, conditionally increments the new one, and resets the
	// session to INIT with its QR cleared (fresh authentication required).
	ReassignSession(ctx context.Context, sessionID, toWorkerID string) error
	// DeleteSession removes the session and releases its worker slot.
	DeleteSession(ctx context.Context, id string) error
	// DetachWorkerSessions clears worker_id on the worker's sessions and marks
	// them DISCONNECTED (admin force-remove path).
	DetachWorkerSessions(ctx context.Context, workerID string) (int64, error)
	CountActiveSessionsByUser(ctx context.Context, userID string) (int, error)

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// UpdateMessageStatus reports whether the status actually changed, so the
	// first transition into sent/delivered can trigger usage accounting while
	// replayed webhooks stay no-ops.
	UpdateMessageStatus(ctx context.Context, id, status string) (changed bool, err error)

	// Recovery results
	// UpsertRecoveryResult overwrites the per-(worker, session) outcome unless
	// the stored result is newer than the incoming one. Returns whether the
	// incoming result was applied.
	UpsertRecoveryResult(ctx context.Context, r *RecoveryResult) (bool, error)
	ListRecoveryResults(ctx context.Context, workerID string) ([]RecoveryResult, error)

	// Usage accounting
	AddMessageUsage(ctx context.Context, orgID, period string, n int) error
	GetMessageUsage(ctx context.Context, orgID, period string) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)
	PurgeOldRecoveryResults(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Organization represents a tenant organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// User represents a hub user.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// WorkerMetrics is the informational snapshot reported with each heartbeat.
// Not used for correctness decisions.
type WorkerMetrics struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
}

// Worker represents a registered worker process.
type Worker struct {
	ID              string        `json:"id"`
	OrgID           string        `json:"org_id"`
	Endpoint        string        `json:"endpoint"`
	MaxSessions     int           `json:"max_sessions"`
	CurrentSessions int           `json:"current_sessions"`
	Status          string        `json:"status"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	Metrics         WorkerMetrics `json:"metrics"`
	RegisteredAt    time.Time     `json:"registered_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// FreeSlots returns the worker's remaining session capacity.
func (w *Worker) FreeSlots() int {
	return w.MaxSessions - w.CurrentSessions
}

// Session represents a messaging session bound to at most one worker.
type Session struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	UserID      string    `json:"user_id"`
	WorkerID    string    `json:"worker_id,omitempty"` // empty = unassigned
	Status      string    `json:"status"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	QRCode      string    `json:"qr_code,omitempty"` // only set while QR_REQUIRED
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastEventAt time.Time `json:"last_event_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionEvent is a worker-reported session state change.
type SessionEvent struct {
	Status      string    `json:"status"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	QRCode      string    `json:"qr_code,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"` // zero = now
}

// Message represents an outbound message tracked for delivery status.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecoveryResult is the per-session outcome of one worker recovery episode.
type RecoveryResult struct {
	WorkerID    string    `json:"worker_id"`
	SessionID   string    `json:"session_id"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	RecoveredAt time.Time `json:"recovered_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
