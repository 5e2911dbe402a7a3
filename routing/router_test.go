package routing

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/waypost-im/waypost/fleet"
	"github.com/waypost-im/waypost/store"
)

func newTestRouter(t *testing.T) (*Router, *fleet.Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	reg := fleet.NewRegistry(s, slog.Default())
	return New(reg, s, slog.Default()), reg, s
}

func seedUser(t *testing.T, s *store.SQLiteStore) *store.User {
	t.Helper()
	u := &store.User{
		ID: uuid.New().String(), OrgID: "default", Username: uuid.New().String(),
		PasswordHash: "x", Role: "user", CreatedAt: time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestAssignPrefersMostFreeCapacity(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	if _, err := reg.Register(ctx, "small", "http://small:3000", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(ctx, "big", "http://big:3000", 10); err != nil {
		t.Fatal(err)
	}

	sess, err := r.Assign(ctx, "default", u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.WorkerID != "big" {
		t.Errorf("assigned to %q, want worker with most free capacity", sess.WorkerID)
	}
	if sess.Status != store.SessionInit {
		t.Errorf("status = %q, want INIT", sess.Status)
	}
}

func TestAssignTieBreakEarliestRegistered(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	if _, err := reg.Register(ctx, "elder", "http://elder:3000", 5); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := reg.Register(ctx, "younger", "http://younger:3000", 5); err != nil {
		t.Fatal(err)
	}

	sess, err := r.Assign(ctx, "default", u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.WorkerID != "elder" {
		t.Errorf("assigned to %q, want earliest-registered on capacity tie", sess.WorkerID)
	}
}

func TestAssignCapacityExhausted(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	// No workers at all.
	if _, err := r.Assign(ctx, "default", u.ID); err != ErrCapacityExhausted {
		t.Fatalf("err = %v, want ErrCapacityExhausted with no workers", err)
	}

	// worker-1 with maxSessions=2: s1, s2 assigned, s3 rejected.
	if _, err := reg.Register(ctx, "worker-1", "http://w1:3000", 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		sess, err := r.Assign(ctx, "default", u.ID)
		if err != nil {
			t.Fatalf("assign %d: %v", i+1, err)
		}
		if sess.WorkerID != "worker-1" {
			t.Fatalf("assigned to %q, want worker-1", sess.WorkerID)
		}
	}
	w, _ := s.GetWorker(ctx, "worker-1")
	if w.CurrentSessions != 2 {
		t.Errorf("current_sessions = %d, want 2", w.CurrentSessions)
	}
	if _, err := r.Assign(ctx, "default", u.ID); err != ErrCapacityExhausted {
		t.Errorf("third assign err = %v, want ErrCapacityExhausted", err)
	}
}

func TestAssignConcurrentNeverOverCommits(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	if _, err := reg.Register(ctx, "worker-1", "http://w1:3000", 3); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Assign(ctx, "default", u.ID)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch err {
		case nil:
			ok++
		case ErrCapacityExhausted:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 3 {
		t.Errorf("%d assignments succeeded on a 3-slot worker, want 3", ok)
	}
	w, _ := s.GetWorker(ctx, "worker-1")
	if w.CurrentSessions > w.MaxSessions {
		t.Errorf("current_sessions = %d exceeds max %d", w.CurrentSessions, w.MaxSessions)
	}
}

func TestOwner(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	if _, err := reg.Register(ctx, "worker-1", "http://w1:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess, err := r.Assign(ctx, "default", u.ID)
	if err != nil {
		t.Fatal(err)
	}

	gotSess, gotWorker, err := r.Owner(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotSess.ID != sess.ID || gotWorker.ID != "worker-1" {
		t.Errorf("owner = (%s, %s), want (%s, worker-1)", gotSess.ID, gotWorker.ID, sess.ID)
	}

	if _, _, err := r.Owner(ctx, "ghost"); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	// A detached session has nowhere to route.
	if _, err := s.DetachWorkerSessions(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Owner(ctx, sess.ID); err != ErrSessionUnassigned {
		t.Errorf("err = %v, want ErrSessionUnassigned", err)
	}
}

func TestMigrate(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	if _, err := reg.Register(ctx, "worker-a", "http://wa:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess, err := r.Assign(ctx, "default", u.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate an authenticated session before migration.
	now := time.Now()
	if _, err := s.ApplySessionEvent(ctx, sess.ID, store.SessionEvent{
		Status: store.SessionConnected, PhoneNumber: "+15550001111", Timestamp: now,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Register(ctx, "worker-b", "http://wb:3000", 5); err != nil {
		t.Fatal(err)
	}

	migrated, err := r.Migrate(ctx, sess.ID, "worker-b")
	if err != nil {
		t.Fatal(err)
	}
	if migrated.WorkerID != "worker-b" {
		t.Errorf("worker_id = %q, want worker-b", migrated.WorkerID)
	}
	if migrated.Status != store.SessionInit {
		t.Errorf("status = %q, migration must force fresh authentication", migrated.Status)
	}
	if migrated.QRCode != "" {
		t.Error("qr code survived migration")
	}

	wa, _ := s.GetWorker(ctx, "worker-a")
	wb, _ := s.GetWorker(ctx, "worker-b")
	if wa.CurrentSessions != 0 || wb.CurrentSessions != 1 {
		t.Errorf("slots a=%d b=%d, want 0/1", wa.CurrentSessions, wb.CurrentSessions)
	}
}

func TestMigrateErrors(t *testing.T) {
	r, reg, s := newTestRouter(t)
	ctx := context.Background()
	u := seedUser(t, s)

	if _, err := reg.Register(ctx, "worker-a", "http://wa:3000", 5); err != nil {
		t.Fatal(err)
	}
	sess, err := r.Assign(ctx, "default", u.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Migrate(ctx, "ghost", "worker-a"); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := r.Migrate(ctx, sess.ID, "ghost"); err != fleet.ErrWorkerNotFound {
		t.Errorf("err = %v, want fleet.ErrWorkerNotFound", err)
	}
	if _, err := r.Migrate(ctx, sess.ID, "worker-a"); err == nil {
		t.Error("migrating onto the current worker must fail")
	}

	// Full target.
	if _, err := reg.Register(ctx, "worker-b", "http://wb:3000", 1); err != nil {
		t.Fatal(err)
	}
	u2 := seedUser(t, s)
	blocker := &store.Session{
		ID: uuid.New().String(), OrgID: "default", UserID: u2.ID, WorkerID: "worker-b",
		Status: store.SessionInit, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.CreateSessionAssigned(ctx, blocker); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Migrate(ctx, sess.ID, "worker-b"); err != ErrCapacityExhausted {
		t.Errorf("err = %v, want ErrCapacityExhausted for full target", err)
	}
}
