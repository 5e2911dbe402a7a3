package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO organizations (id, name) VALUES ('default', 'Default')
		 ON CONFLICT(id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default' REFERENCES organizations(id),
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(org_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default' REFERENCES organizations(id),
			endpoint TEXT NOT NULL,
			max_sessions INTEGER NOT NULL DEFAULT 1,
			current_sessions INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ONLINE',
			last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cpu_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			uptime_seconds BIGINT NOT NULL DEFAULT 0,
			active_connections INTEGER NOT NULL DEFAULT 0,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default' REFERENCES organizations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			worker_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'INIT',
			phone_number TEXT NOT NULL DEFAULT '',
			qr_code TEXT NOT NULL DEFAULT '',
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_event_at TIMESTAMPTZ NOT NULL DEFAULT '-infinity',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_worker_id ON sessions(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			recipient TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS recovery_results (
			worker_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			recovered_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (worker_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			org_id TEXT NOT NULL,
			period TEXT NOT NULL,
			messages_sent BIGINT NOT NULL DEFAULT 0,
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, plan, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(id) DO NOTHING`,
		org.ID, org.Name, org.Plan, org.CreatedAt)
	return err
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, plan, created_at FROM organizations WHERE id = $1", id,
	).Scan(&org.ID, &org.Name, &org.Plan, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.OrgID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, orgID, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE org_id = $1 AND username = $2",
		orgID, username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, role, created_at FROM users WHERE org_id = $1 ORDER BY created_at",
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

func (s *PostgresStore) UpsertWorker(ctx context.Context, w *Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, org_id, endpoint, max_sessions, current_sessions, status, last_heartbeat_at, registered_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
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

func (s *PostgresStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]Worker, error) {
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

func (s *PostgresStore) ListAvailableWorkers(ctx context.Context, minFreeSlots int) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE status = 'ONLINE' AND max_sessions - current_sessions >= $1
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

func (s *PostgresStore) SetWorkerStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET status = $1, updated_at = $2 WHERE id = $3",
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

func (s *PostgresStore) RecordWorkerHeartbeat(ctx context.Context, id string, m WorkerMetrics, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, "SELECT status FROM workers WHERE id = $1 FOR UPDATE", id).Scan(&prev)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	status := WorkerOnline
	if prev == WorkerMaintenance {
		status = WorkerMaintenance
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workers SET status = $1, last_heartbeat_at = $2, cpu_usage = $3, memory_usage = $4,
		 uptime_seconds = $5, active_connections = $6, updated_at = $7 WHERE id = $8`,
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

func (s *PostgresStore) ExpireStaleWorkers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE workers SET status = 'OFFLINE', updated_at = $1
		 WHERE status = 'ONLINE' AND last_heartbeat_at < $2
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

func (s *PostgresStore) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workers WHERE id = $1", id)
	return err
}

// --- Sessions ---

func pgClaimWorkerSlot(ctx context.Context, tx *sql.Tx, workerID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workers SET current_sessions = current_sessions + 1, updated_at = $1
		 WHERE id = $2 AND status = 'ONLINE' AND current_sessions < max_sessions`,
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

func pgReleaseWorkerSlot(ctx context.Context, tx *sql.Tx, workerID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE workers SET current_sessions = GREATEST(current_sessions - 1, 0), updated_at = $1
		 WHERE id = $2`,
		time.Now(), workerID,
	)
	return err
}

func (s *PostgresStore) CreateSessionAssigned(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := pgClaimWorkerSlot(ctx, tx, sess.WorkerID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, org_id, user_id, worker_id, status, phone_number, qr_code, last_seen_at, last_event_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.OrgID, sess.UserID, sess.WorkerID, sess.Status, sess.PhoneNumber,
		sess.QRCode, sess.LastSeenAt, sess.LastEventAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *PostgresStore) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = $1 ORDER BY updated_at DESC", userID)
}

func (s *PostgresStore) ListSessionsByWorker(ctx context.Context, workerID string) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE worker_id = $1 ORDER BY created_at", workerID)
}

func (s *PostgresStore) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
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

func (s *PostgresStore) ApplySessionEvent(ctx context.Context, id string, ev SessionEvent) (bool, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	qr := ""
	if ev.Status == SessionQRRequired {
		qr = ev.QRCode
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
		   status = $1,
		   phone_number = CASE WHEN $2 = '' THEN phone_number ELSE $2 END,
		   qr_code = $3,
		   last_seen_at = $4,
		   last_event_at = $4,
		   updated_at = $5
		 WHERE id = $6 AND last_event_at <= $4`,
		ev.Status, ev.PhoneNumber, qr, at, time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = $1", id).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	qrClause := ""
	if status != SessionQRRequired {
		qrClause = ", qr_code = ''"
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1"+qrClause+", updated_at = $2 WHERE id = $3",
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

func (s *PostgresStore) MarkWorkerSessionsReconnecting(ctx context.Context, workerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'RECONNECTING', qr_code = '', updated_at = $1
		 WHERE worker_id = $2 AND status NOT IN ('LOGGED_OUT', 'ERROR')`,
		time.Now(), workerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ReassignSession(ctx context.Context, sessionID, toWorkerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var fromWorkerID string
	err = tx.QueryRowContext(ctx, "SELECT worker_id FROM sessions WHERE id = $1 FOR UPDATE", sessionID).Scan(&fromWorkerID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := pgClaimWorkerSlot(ctx, tx, toWorkerID); err != nil {
		return err
	}
	if fromWorkerID != "" {
		if err := pgReleaseWorkerSlot(ctx, tx, fromWorkerID); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET worker_id = $1, status = 'INIT', qr_code = '', updated_at = $2 WHERE id = $3`,
		toWorkerID, time.Now(), sessionID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var workerID string
	err = tx.QueryRowContext(ctx, "SELECT worker_id FROM sessions WHERE id = $1 FOR UPDATE", id).Scan(&workerID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = $1", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id); err != nil {
		return err
	}
	if workerID != "" {
		if err := pgReleaseWorkerSlot(ctx, tx, workerID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) DetachWorkerSessions(ctx context.Context, workerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET worker_id = '', status = 'DISCONNECTED', qr_code = '', updated_at = $1
		 WHERE worker_id = $2`,
		time.Now(), workerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CountActiveSessionsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND status NOT IN ('LOGGED_OUT')", userID,
	).Scan(&count)
	return count, err
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, recipient, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Recipient, msg.Status, msg.CreatedAt, msg.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		"SELECT id, session_id, recipient, status, created_at, updated_at FROM messages WHERE id = $1", id,
	).Scan(&m.ID, &m.SessionID, &m.Recipient, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3 AND status <> $1",
		status, time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE id = $1", id).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// --- Recovery results ---

func (s *PostgresStore) UpsertRecoveryResult(ctx context.Context, r *RecoveryResult) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_results (worker_id, session_id, outcome, error, recovered_at)
		 VALUES ($1, $2, $3, $4, $5)
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

func (s *PostgresStore) ListRecoveryResults(ctx context.Context, workerID string) ([]RecoveryResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, session_id, outcome, error, recovered_at
		 FROM recovery_results WHERE worker_id = $1 ORDER BY session_id`, workerID,
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

func (s *PostgresStore) AddMessageUsage(ctx context.Context, orgID, period string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (org_id, period, messages_sent) VALUES ($1, $2, $3)
		 ON CONFLICT(org_id, period) DO UPDATE SET messages_sent = usage_records.messages_sent + excluded.messages_sent`,
		orgID, period, n,
	)
	return err
}

func (s *PostgresStore) GetMessageUsage(ctx context.Context, orgID, period string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT messages_sent FROM usage_records WHERE org_id = $1 AND period = $2", orgID, period,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, user_id, worker_id, session_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.OrgID, event.Action, event.UserID, event.WorkerID, event.SessionID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, user_id, worker_id, session_id, detail, created_at
		 FROM audit_events WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldRecoveryResults(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM recovery_results WHERE recovered_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
