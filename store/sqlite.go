package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection turns
	// concurrent transactions into queued ones instead of SQLITE_LOCKED errors.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT OR IGNORE INTO organizations (id, name) VALUES ('default', 'Default')`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(org_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			endpoint TEXT NOT NULL,
			max_sessions INTEGER NOT NULL DEFAULT 1,
			current_sessions INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ONLINE',
			last_heartbeat_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0,
			uptime_seconds INTEGER NOT NULL DEFAULT 0,
			active_connections INTEGER NOT NULL DEFAULT 0,
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			user_id TEXT NOT NULL REFERENCES users(id),
			worker_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'INIT',
			phone_number TEXT NOT NULL DEFAULT '',
			qr_code TEXT NOT NULL DEFAULT '',
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_event_at DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_worker_id ON sessions(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			recipient TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS recovery_results (
			worker_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			recovered_at DATETIME NOT NULL,
			PRIMARY KEY (worker_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			org_id TEXT NOT NULL,
			period TEXT NOT NULL,
			messages_sent INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (org_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org_id ON audit_events(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Organizations ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, plan, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		org.ID, org.Name, org.Plan, org.CreatedAt)
	return err
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, plan, created_at FROM organizations WHERE id = ?", id,
	).Scan(&org.ID, &org.Name, &org.Plan, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.OrgID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, orgID, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE org_id = ? AND username = ?",
		orgID, username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, role, created_at FROM users WHERE org_id = ? ORDER BY created_at",
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Username, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Workers ---

const workerColumns = `id, org_id, endpoint, max_sessions, current_sessions, status, last_heartbeat_at,
	cpu_usage, memory_usage, uptime_seconds, active_connections, registered_at, updated_at`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	err := row.Scan(&w.ID, &w.OrgID, &w.Endpoint, &w.MaxSessions, &w.CurrentSessions, &w.Status,
		&w.LastHeartbeatAt, &w.Metrics.CPUUsage, &w.Metrics.MemoryUsage, &w.Metrics.UptimeSeconds,
		&w.Metrics.ActiveConnections, &w.RegisteredAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) UpsertWorker(ctx context.Context, w *Worker) error {
	// Re-registration updates endpoint and capacity, flips the worker back
	// ONLINE, and refreshes the heartbeat. current_sessions and registered_at
	// are preserved across restarts.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, org_id, endpoint, max_sessions, current_sessions, status, last_heartbeat_at, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   endpoint = excluded.endpoint,
		   max_sessions = excluded.max_sessions,
		   status = excluded.status,
		   last_heartbeat_at = excluded.last_heartbeat_at,
		   updated_at = excluded.updated_at`,
		w.ID, w.OrgID, w.Endpoint, w.MaxSessions, w.Status, w.LastHeartbeatAt, w.RegisteredAt, w.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workerColumns+" FROM workers ORDER BY registered_at")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) ListAvailableWorkers(ctx context.Context, minFreeSlots int) ([]Worker, error) {
	// Ordered by free capacity (desc) then registration time so the router's
	// pick is deterministic.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE status = 'ONLINE' AND max_sessions - current_sessions >= ?
		 ORDER BY max_sessions - current_sessions DESC, registered_at ASC`,
		minFreeSlots,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordWorkerHeartbeat(ctx context.Context, id string, m WorkerMetrics, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, "SELECT status FROM workers WHERE id = ?", id).Scan(&prev)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	// MAINTENANCE is sticky: heartbeats refresh liveness but do not pull the
	// worker back into rotation.
	status := WorkerOnline
	if prev == WorkerMaintenance {
		status = WorkerMaintenance
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workers SET status = ?, last_heartbeat_at = ?, cpu_usage = ?, memory_usage = ?,
		 uptime_seconds = ?, active_connections = ?, updated_at = ? WHERE id = ?`,
		status, at, m.CPUUsage, m.MemoryUsage, m.UptimeSeconds, m.ActiveConnections, time.Now(), id,
	)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return prev == WorkerOffline, nil
}

func (s *SQLiteStore) ExpireStaleWorkers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE workers SET status = 'OFFLINE', updated_at = ?
		 WHERE status = 'ONLINE' AND last_heartbeat_at < ?
		 RETURNING id`,
		time.Now(), cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workers WHERE id = ?", id)
	return err
}

// --- Sessions ---

const sessionColumns = `id, org_id, user_id, worker_id, status, phone_number, qr_code,
	last_seen_at, last_event_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.UserID, &sess.WorkerID, &sess.Status,
		&sess.PhoneNumber, &sess.QRCode, &sess.LastSeenAt, &sess.LastEventAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// claimWorkerSlot is the conditional capacity increment: it succeeds only when
// the worker is ONLINE with a free slot, so two concurrent claims can never
// both pass a stale capacity check.
func claimWorkerSlot(ctx context.Context, tx *sql.Tx, workerID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workers SET current_sessions = current_sessions + 1, updated_at = ?
		 WHERE id = ? AND status = 'ONLINE' AND current_sessions < max_sessions`,
		time.Now(), workerID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkerFull
	}
	return nil
}

func releaseWorkerSlot(ctx context.Context, tx *sql.Tx, workerID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE workers SET current_sessions = MAX(current_sessions - 1, 0), updated_at = ?
		 WHERE id = ?`,
		time.Now(), workerID,
	)
	return err
}

func (s *SQLiteStore) CreateSessionAssigned(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := claimWorkerSlot(ctx, tx, sess.WorkerID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, org_id, user_id, worker_id, status, phone_number, qr_code, last_seen_at, last_event_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OrgID, sess.UserID, sess.WorkerID, sess.Status, sess.PhoneNumber,
		sess.QRCode, sess.LastSeenAt, sess.LastEventAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? ORDER BY updated_at DESC", userID)
}

func (s *SQLiteStore) ListSessionsByWorker(ctx context.Context, workerID string) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE worker_id = ? ORDER BY created_at", workerID)
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) ApplySessionEvent(ctx context.Context, id string, ev SessionEvent) (bool, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	// QR codes are only meaningful while the session is waiting for a scan;
	// any other transition clears them.
	qr := ""
	if ev.Status == SessionQRRequired {
		qr = ev.QRCode
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
		   status = ?,
		   phone_number = CASE WHEN ? = '' THEN phone_number ELSE ? END,
		   qr_code = ?,
		   last_seen_at = ?,
		   last_event_at = ?,
		   updated_at = ?
		 WHERE id = ? AND last_event_at <= ?`,
		ev.Status, ev.PhoneNumber, ev.PhoneNumber, qr, at, at, time.Now(), id, at,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	// Distinguish a stale event (session exists, guard rejected) from an
	// unknown session.
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	qrClause := ""
	if status != SessionQRRequired {
		qrClause = ", qr_code = ''"
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?"+qrClause+", updated_at = ? WHERE id = ?",
		status, time.Now(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkWorkerSessionsReconnecting(ctx context.Context, workerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'RECONNECTING', qr_code = '', updated_at = ?
		 WHERE worker_id = ? AND status NOT IN ('LOGGED_OUT', 'ERROR')`,
		time.Now(), workerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ReassignSession(ctx context.Context, sessionID, toWorkerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var fromWorkerID string
	err = tx.QueryRowContext(ctx, "SELECT worker_id FROM sessions WHERE id = ?", sessionID).Scan(&fromWorkerID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := claimWorkerSlot(ctx, tx, toWorkerID); err != nil {
		return err
	}
	if fromWorkerID != "" {
		if err := releaseWorkerSlot(ctx, tx, fromWorkerID); err != nil {
			return err
		}
	}

	// The new binding starts unauthenticated: the target worker holds none of
	// the old worker's credentials.
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET worker_id = ?, status = 'INIT', qr_code = '', updated_at = ? WHERE id = ?`,
		toWorkerID, time.Now(), sessionID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var workerID string
	err = tx.QueryRowContext(ctx, "SELECT worker_id FROM sessions WHERE id = ?", id).Scan(&workerID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return err
	}
	if workerID != "" {
		if err := releaseWorkerSlot(ctx, tx, workerID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) DetachWorkerSessions(ctx context.Context, workerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET worker_id = '', status = 'DISCONNECTED', qr_code = '', updated_at = ?
		 WHERE worker_id = ?`,
		time.Now(), workerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountActiveSessionsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status NOT IN ('LOGGED_OUT')", userID,
	).Scan(&count)
	return count, err
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, recipient, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Recipient, msg.Status, msg.CreatedAt, msg.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		"SELECT id, session_id, recipient, status, created_at, updated_at FROM messages WHERE id = ?", id,
	).Scan(&m.ID, &m.SessionID, &m.Recipient, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status <> ?",
		status, time.Now(), id, status,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE id = ?", id).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// --- Recovery results ---

func (s *SQLiteStore) UpsertRecoveryResult(ctx context.Context, r *RecoveryResult) (bool, error) {
	// Last-report-wins, keyed by (worker, session); older reports are dropped
	// so out-of-order delivery cannot roll an outcome back.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_results (worker_id, session_id, outcome, error, recovered_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(worker_id, session_id) DO UPDATE SET
		   outcome = excluded.outcome,
		   error = excluded.error,
		   recovered_at = excluded.recovered_at
		 WHERE excluded.recovered_at >= recovery_results.recovered_at`,
		r.WorkerID, r.SessionID, r.Outcome, r.Error, r.RecoveredAt,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListRecoveryResults(ctx context.Context, workerID string) ([]RecoveryResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, session_id, outcome, error, recovered_at
		 FROM recovery_results WHERE worker_id = ? ORDER BY session_id`, workerID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []RecoveryResult
	for rows.Next() {
		var r RecoveryResult
		if err := rows.Scan(&r.WorkerID, &r.SessionID, &r.Outcome, &r.Error, &r.RecoveredAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Usage accounting ---

func (s *SQLiteStore) AddMessageUsage(ctx context.Context, orgID, period string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (org_id, period, messages_sent) VALUES (?, ?, ?)
		 ON CONFLICT(org_id, period) DO UPDATE SET messages_sent = messages_sent + excluded.messages_sent`,
		orgID, period, n,
	)
	return err
}

func (s *SQLiteStore) GetMessageUsage(ctx context.Context, orgID, period string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT messages_sent FROM usage_records WHERE org_id = ? AND period = ?", orgID, period,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, user_id, worker_id, session_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.OrgID, event.Action, event.UserID, event.WorkerID, event.SessionID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, user_id, worker_id, session_id, detail, created_at
		 FROM audit_events WHERE org_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Action, &e.UserID, &e.WorkerID, &e.SessionID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldRecoveryResults(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM recovery_results WHERE recovered_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
