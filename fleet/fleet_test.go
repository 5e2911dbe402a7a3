package fleet

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/waypost-im/waypost/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s, slog.Default()), s
}

func seedSession(t *testing.T, s *store.SQLiteStore, workerID string) *store.Session {
	t.Helper()
	u := &store.User{
		ID: uuid.New().String(), OrgID: "default", Username: uuid.New().String(),
		PasswordHash: "x", Role: "user", CreatedAt: time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	sess := &store.Session{
		ID: uuid.New().String(), OrgID: "default", UserID: u.ID, WorkerID: workerID,
		Status: store.SessionConnected, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.CreateSessionAssigned(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name        string
		workerID    string
		endpoint    string
		maxSessions int
	}{
		{"empty id", "", "http://w1:3000", 5},
		{"empty endpoint", "w1", "", 5},
		{"bad scheme", "w1", "ftp://w1:3000", 5},
		{"no host", "w1", "http://", 5},
		{"not a url", "w1", "://nope", 5},
		{"zero capacity", "w1", "http://w1:3000", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(ctx, tc.workerID, tc.endpoint, tc.maxSessions)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestRegisterIdempotentUpsert(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Register(ctx, "w1", "http://w1:3000", 5)
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != store.WorkerOnline {
		t.Errorf("status = %q, want ONLINE", w.Status)
	}

	w, err = r.Register(ctx, "w1", "http://w1:4000", 8)
	if err != nil {
		t.Fatal(err)
	}
	if w.Endpoint != "http://w1:4000" || w.MaxSessions != 8 {
		t.Errorf("re-register did not update endpoint/capacity: %+v", w)
	}

	all, _ := r.All(ctx)
	if len(all) != 1 {
		t.Errorf("workers = %d, want 1 after re-register", len(all))
	}
}

func TestRegisterRecoversOfflineWorker(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	var recovered []string
	r.OnWorkerRecovered(func(_ context.Context, id string) { recovered = append(recovered, id) })

	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 0 {
		t.Fatal("recovery hook fired on first registration")
	}

	if err := s.SetWorkerStatus(ctx, "w1", store.WorkerOffline); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0] != "w1" {
		t.Errorf("recovered = %v, want [w1] after re-register from OFFLINE", recovered)
	}
}

func TestRecordHeartbeat(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess := seedSession(t, s, "w1")

	var recovered int
	r.OnWorkerRecovered(func(context.Context, string) { recovered++ })

	report := HeartbeatReport{
		Metrics: store.WorkerMetrics{CPUUsage: 0.2, ActiveConnections: 1},
		Sessions: []SessionReport{
			{SessionID: sess.ID, Status: store.SessionDisconnected, LastActivity: time.Now()},
			{SessionID: "ghost", Status: store.SessionConnected}, // unknown, skipped
		},
	}
	if err := r.RecordHeartbeat(ctx, "w1", report); err != nil {
		t.Fatal(err)
	}
	if recovered != 0 {
		t.Error("recovery hook fired for an ONLINE worker")
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionDisconnected {
		t.Errorf("session status = %q, want DISCONNECTED from heartbeat report", got.Status)
	}

	// OFFLINE worker resumes heartbeats: back ONLINE on the heartbeat itself.
	if err := s.SetWorkerStatus(ctx, "w1", store.WorkerOffline); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordHeartbeat(ctx, "w1", report); err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Errorf("recovered hook fired %d times, want 1", recovered)
	}
	w, _ := r.Get(ctx, "w1")
	if w.Status != store.WorkerOnline {
		t.Errorf("status = %q, want ONLINE after heartbeat", w.Status)
	}
}

func TestRecordHeartbeatUnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.RecordHeartbeat(context.Background(), "ghost", HeartbeatReport{})
	if err != ErrWorkerNotFound {
		t.Errorf("err = %v, want ErrWorkerNotFound", err)
	}
}

func TestUnregister(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess := seedSession(t, s, "w1")

	if err := r.Unregister(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	w, _ := r.Get(ctx, "w1")
	if w.Status != store.WorkerOffline {
		t.Errorf("status = %q, want OFFLINE", w.Status)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionReconnecting {
		t.Errorf("session status = %q, want RECONNECTING", got.Status)
	}
	if got.WorkerID != "w1" {
		t.Errorf("worker_id = %q, ownership must be kept", got.WorkerID)
	}

	if err := r.Unregister(ctx, "ghost"); err != ErrWorkerNotFound {
		t.Errorf("err = %v, want ErrWorkerNotFound", err)
	}
}

func TestForceRemove(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess := seedSession(t, s, "w1")

	detached, err := r.ForceRemove(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if detached != 1 {
		t.Errorf("detached = %d, want 1", detached)
	}
	if _, err := r.Get(ctx, "w1"); err != ErrWorkerNotFound {
		t.Errorf("worker still present after force-remove: %v", err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.WorkerID != "" || got.Status != store.SessionDisconnected {
		t.Errorf("session worker=%q status=%q, want unassigned DISCONNECTED", got.WorkerID, got.Status)
	}
}

func TestSetMaintenance(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	if err := r.SetMaintenance(ctx, "w1", true); err != nil {
		t.Fatal(err)
	}

	available, err := r.ListAvailable(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 0 {
		t.Error("worker in MAINTENANCE listed as available")
	}

	if err := r.SetMaintenance(ctx, "w1", false); err != nil {
		t.Fatal(err)
	}
	available, _ = r.ListAvailable(ctx, 1)
	if len(available) != 1 {
		t.Error("worker not available after leaving MAINTENANCE")
	}
}

func TestMonitorSweepExpiresStaleWorkers(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "w1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess := seedSession(t, s, "w1")

	// Age the heartbeat past the miss threshold.
	w, _ := s.GetWorker(ctx, "w1")
	w.LastHeartbeatAt = time.Now().Add(-2 * time.Minute)
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	m := NewMonitor(s, slog.Default(), 15*time.Second, 90*time.Second)
	m.Sweep(ctx)

	w, _ = s.GetWorker(ctx, "w1")
	if w.Status != store.WorkerOffline {
		t.Errorf("status = %q, want OFFLINE after sweep", w.Status)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != store.SessionReconnecting {
		t.Errorf("session status = %q, want RECONNECTING", got.Status)
	}
	if got.WorkerID != "w1" {
		t.Error("sweep must not reassign sessions")
	}
	if st := m.Status(); st.LastSweepAt.IsZero() {
		t.Error("last sweep time not recorded")
	}
}

func TestMonitorStartStop(t *testing.T) {
	_, s := newTestRegistry(t)
	m := NewMonitor(s, slog.Default(), 10*time.Millisecond, 90*time.Second)
	ctx := context.Background()

	if m.Status().Running {
		t.Fatal("monitor running before Start")
	}
	m.Start(ctx)
	if !m.Status().Running {
		t.Fatal("monitor not running after Start")
	}
	m.Start(ctx) // no-op on a running monitor

	// Let at least one tick fire.
	time.Sleep(50 * time.Millisecond)
	m.Stop()
	if m.Status().Running {
		t.Fatal("monitor still running after Stop")
	}
	if m.Status().LastSweepAt.IsZero() {
		t.Error("ticker sweep never ran")
	}
	m.Stop() // no-op on a stopped monitor
}
