// Package hub is the composition root that ties all control-plane
// components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waypost-im/waypost/api"
	"github.com/waypost-im/waypost/auth"
	"github.com/waypost-im/waypost/config"
	"github.com/waypost-im/waypost/fleet"
	"github.com/waypost-im/waypost/ingest"
	"github.com/waypost-im/waypost/notify"
	"github.com/waypost-im/waypost/proxy"
	"github.com/waypost-im/waypost/quota"
	"github.com/waypost-im/waypost/recovery"
	"github.com/waypost-im/waypost/routing"
	"github.com/waypost-im/waypost/store"
	"github.com/waypost-im/waypost/usage"
)

// Hub is the main orchestrator process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	auth    *auth.Service
	monitor *fleet.Monitor
	counter *quota.MemoryCounter
	api     *api.Server
	logger  *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	registry := fleet.NewRegistry(db, logger)
	registry.OnWorkerRecovered(func(ctx context.Context, workerID string) {
		logger.Info("worker back online, awaiting recovery report", "worker_id", workerID)
	})

	monitor := fleet.NewMonitor(db, logger,
		cfg.Fleet.SweepInterval.Duration, cfg.Fleet.MissThreshold())
	rt := routing.New(registry, db, logger)
	prx := proxy.NewClient(cfg.Proxy, cfg.Auth.WorkerToken, logger)
	coord := recovery.NewCoordinator(db, logger)
	acct := usage.NewAccountant(db, logger)
	pushHub := notify.NewHub(db, cfg.Server.AllowedOrigins, logger)
	ing := ingest.NewIngestor(db, registry, acct, pushHub, logger)

	counter := quota.NewMemoryCounter()
	limiter := quota.NewLimiter(counter, cfg.Quota.MessagesPerMinute, time.Minute)

	apiSrv := api.NewServer(cfg, api.Deps{
		Store:      db,
		Auth:       authSvc,
		Registry:   registry,
		Monitor:    monitor,
		Router:     rt,
		Proxy:      prx,
		Recovery:   coord,
		Ingestor:   ing,
		Accountant: acct,
		Quota:      limiter,
		Notify:     pushHub,
	}, logger)

	h := &Hub{
		cfg:     cfg,
		store:   db,
		auth:    authSvc,
		monitor: monitor,
		counter: counter,
		api:     apiSrv,
		logger:  logger.With("component", "hub"),
	}

	// Startup validation warnings.
	if len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
	}
	if len(cfg.Auth.WorkerToken) < 32 {
		logger.Warn("worker token is shorter than 32 characters — use a stronger token in production")
	}
	if cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// The heartbeat monitor sweeps from process start; admins can pause it.
	h.monitor.Start(ctx)

	h.api.StartBackgroundTasks(ctx)
	h.counter.StartCleanup(ctx, 5*time.Minute)

	purger, err := h.startRetentionPurger(ctx)
	if err != nil {
		return fmt.Errorf("start retention purger: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.monitor.Stop()
		if purger != nil {
			<-purger.Stop().Done()
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.monitor.Stop()
		if purger != nil {
			purger.Stop()
		}
		_ = h.store.Close()
		return err
	}
}

// startRetentionPurger schedules hourly purges of aged messages, audit
// events, and recovery results. A zero retention disables purging.
func (h *Hub) startRetentionPurger(ctx context.Context) (*cron.Cron, error) {
	retention := h.cfg.Storage.Retention.Duration
	if retention <= 0 {
		return nil, nil
	}
	auditRetention := h.cfg.Storage.AuditRetention.Duration
	recoveryRetention := h.cfg.Storage.RecoveryRetention.Duration

	c := cron.New()
	_, err := c.AddFunc("@hourly", func() {
		h.purge(ctx, "messages", retention, h.store.PurgeOldMessages)
		h.purge(ctx, "audit events", auditRetention, h.store.PurgeOldAuditEvents)
		h.purge(ctx, "recovery results", recoveryRetention, h.store.PurgeOldRecoveryResults)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (h *Hub) purge(ctx context.Context, what string, retention time.Duration, fn func(context.Context, time.Time) (int64, error)) {
	cutoff := time.Now().Add(-retention)
	if n, err := fn(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge failed", "target", what, "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge", "target", what, "deleted", n)
	}
}
