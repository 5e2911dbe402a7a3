package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/waypost-im/waypost/store"
)

// Monitor is the heartbeat sweep loop. Workers that stop reporting for
// longer than the miss threshold are transitioned OFFLINE and their sessions
// flagged RECONNECTING. The loop can be started and stopped at runtime.
type Monitor struct {
	store         store.Store
	logger        *slog.Logger
	sweepInterval time.Duration
	missThreshold time.Duration

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastSweep time.Time
}

// MonitorStatus is the admin-visible state of the sweep loop.
type MonitorStatus struct {
	Running       bool          `json:"running"`
	LastSweepAt   time.Time     `json:"lastSweepAt"`
	SweepInterval time.Duration `json:"-"`
	MissThreshold time.Duration `json:"-"`
}

// NewMonitor creates a heartbeat monitor. It does not start sweeping until
// Start is called.
func NewMonitor(s store.Store, logger *slog.Logger, sweepInterval, missThreshold time.Duration) *Monitor {
	return &Monitor{
		store:         s,
		logger:        logger.With("component", "monitor"),
		sweepInterval: sweepInterval,
		missThreshold: missThreshold,
	}
}

// Start launches the sweep loop. Starting an already-running monitor is a
// no-op. The loop stops when Stop is called or ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(loopCtx, m.done)
	m.logger.Info("heartbeat monitor started", "sweep_interval", m.sweepInterval, "miss_threshold", m.missThreshold)
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("heartbeat monitor stopped")
}

// Status reports whether the loop is running and when it last swept.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Running:       m.running,
		LastSweepAt:   m.lastSweep,
		SweepInterval: m.sweepInterval,
		MissThreshold: m.missThreshold,
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep expires every ONLINE worker whose last heartbeat is older than the
// miss threshold. Expired workers keep their session assignments; the
// sessions are marked RECONNECTING and wait for recovery or an explicit
// admin migration.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.missThreshold)
	expired, err := m.store.ExpireStaleWorkers(ctx, cutoff)

	m.mu.Lock()
	m.lastSweep = time.Now()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("sweep failed", "error", err)
		return
	}

	for _, workerID := range expired {
		n, err := m.store.MarkWorkerSessionsReconnecting(ctx, workerID)
		if err != nil {
			m.logger.Warn("mark sessions reconnecting failed", "worker_id", workerID, "error", err)
		}
		if auditErr := m.store.LogAuditEvent(ctx, &store.AuditEvent{
			ID:        uuid.New().String(),
			OrgID:     "default",
			Action:    "worker.offline",
			WorkerID:  workerID,
			CreatedAt: time.Now(),
		}); auditErr != nil {
			m.logger.Warn("audit log failed", "action", "worker.offline", "error", auditErr)
		}
		m.logger.Warn("worker missed heartbeats, marked offline", "worker_id", workerID, "sessions_pending_recovery", n)
	}
}
