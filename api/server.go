package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

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

const defaultMaxBodyBytes = 1 << 20 // 1MB

// Deps bundles the collaborators the HTTP surface sits on top of.
type Deps struct {
	Store      store.Store
	Auth       *auth.Service
	Registry   *fleet.Registry
	Monitor    *fleet.Monitor
	Router     *routing.Router
	Proxy      *proxy.Client
	Recovery   *recovery.Coordinator
	Ingestor   *ingest.Ingestor
	Accountant *usage.Accountant
	Quota      *quota.Limiter
	Notify     *notify.Hub
}

// Server is the hub's HTTP API.
type Server struct {
	store      store.Store
	auth       *auth.Service
	registry   *fleet.Registry
	monitor    *fleet.Monitor
	router     *routing.Router
	proxy      *proxy.Client
	recovery   *recovery.Coordinator
	ingestor   *ingest.Ingestor
	accountant *usage.Accountant
	quota      *quota.Limiter
	notify     *notify.Hub
	logger     *slog.Logger

	mux          *chi.Mux
	maxBodyBytes int64
	sessionCap   int // max active sessions per user; 0 = unlimited

	loginRL *rateLimiter
	rl      *rateLimiter

	monitorCtx context.Context
}

// NewServer builds the chi mux and wires all routes.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	rps, burst := cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}

	s := &Server{
		store:        deps.Store,
		auth:         deps.Auth,
		registry:     deps.Registry,
		monitor:      deps.Monitor,
		router:       deps.Router,
		proxy:        deps.Proxy,
		recovery:     deps.Recovery,
		ingestor:     deps.Ingestor,
		accountant:   deps.Accountant,
		quota:        deps.Quota,
		notify:       deps.Notify,
		logger:       logger.With("component", "api"),
		maxBodyBytes: maxBody,
		sessionCap:   cfg.Quota.MaxSessionsPerUser,
		loginRL:      newRateLimiter(5, 10),
		rl:           newRateLimiter(rps, burst),
		monitorCtx:   context.Background(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)

	mux.Group(func(r chi.Router) {
		r.Use(loginIPRateLimitMiddleware(s.loginRL))
		r.Post("/api/auth/login", s.handleLogin)
	})

	// WebSocket upgrade cannot carry an Authorization header from a browser,
	// so the token travels as a query parameter.
	mux.Get("/ws/client", s.handleClientWS)

	// Worker-facing surface.
	mux.Group(func(r chi.Router) {
		r.Use(s.workerAuthMiddleware)
		r.Post("/workers/register", s.handleRegisterWorker)
		r.Put("/workers/{workerID}/heartbeat", s.handleWorkerHeartbeat)
		r.Get("/workers/{workerID}/sessions/assigned", s.handleAssignedSessions)
		r.Post("/workers/{workerID}/sessions/recovery-status", s.handleRecoveryStatus)
		r.Post("/webhooks/session-status", s.handleSessionStatusWebhook)
		r.Post("/webhooks/message-status", s.handleMessageStatusWebhook)
		r.Post("/webhooks/worker-heartbeat", s.handleHeartbeatWebhook)
	})

	// User-facing surface.
	mux.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(rateLimitMiddleware(s.rl))

		r.Post("/api/sessions", s.handleCreateSession)
		r.Get("/api/sessions", s.handleListSessions)
		r.Get("/api/sessions/{sessionID}", s.handleGetSession)
		r.Get("/api/sessions/{sessionID}/status", s.handleSessionStatus)
		r.Post("/api/sessions/{sessionID}/send", s.handleSendMessage)
		r.Post("/api/sessions/{sessionID}/restart", s.handleRestartSession)
		r.Post("/api/sessions/{sessionID}/disconnect", s.handleDisconnectSession)
		r.Post("/api/sessions/{sessionID}/logout", s.handleLogoutSession)
		r.Delete("/api/sessions/{sessionID}", s.handleDeleteSession)
		r.Post("/api/messages/{messageID}/manage", s.handleManageMessage)

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Get("/api/admin/workers", s.handleListWorkers)
			r.Delete("/api/admin/workers/{workerID}", s.handleDeleteWorker)
			r.Post("/api/admin/workers/{workerID}/maintenance", s.handleWorkerMaintenance)
			r.Post("/api/admin/workers/ping", s.handlePingWorkers)
			r.Get("/api/admin/workers/{workerID}/recovery", s.handleWorkerRecovery)
			r.Post("/api/admin/sessions/{sessionID}/migrate", s.handleMigrateSession)
			r.Post("/api/admin/monitor/start", s.handleMonitorStart)
			r.Post("/api/admin/monitor/stop", s.handleMonitorStop)
			r.Get("/api/admin/monitor", s.handleMonitorStatus)
			r.Get("/api/admin/audit", s.handleListAudit)
			r.Get("/api/admin/usage", s.handleUsage)
			r.Get("/api/admin/users", s.handleListUsers)
			r.Post("/api/admin/users", s.handleCreateUser)
		})
	})

	s.mux = mux
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters and
// pins the context later monitor restarts run under.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.monitorCtx = ctx
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), &store.AuditEvent{OrgID: "default", Action: "login.failed", Detail: detail(map[string]string{"username": req.Username})})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.audit(r.Context(), &store.AuditEvent{OrgID: "default", Action: "login.success", Detail: detail(map[string]string{"username": req.Username})})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Worker handlers ---

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		WorkerID    string `json:"workerId"`
		Endpoint    string `json:"endpoint"`
		MaxSessions int    `json:"maxSessions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.workerScopeOK(w, r, req.WorkerID) {
		return
	}

	worker, err := s.registry.Register(r.Context(), req.WorkerID, req.Endpoint, req.MaxSessions)
	if err != nil {
		var verr *fleet.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("worker registration failed", "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}

	// Workers use the time-limited token for their follow-up calls so a
	// leaked credential expires instead of granting fleet-wide access.
	writeJSON(w, http.StatusOK, map[string]any{
		"worker": worker,
		"token":  s.auth.GenerateWorkerToken(worker.ID),
	})
}

// workerScopeOK rejects calls where a time-limited token names a different
// worker than the one being addressed.
func (s *Server) workerScopeOK(w http.ResponseWriter, r *http.Request, workerID string) bool {
	if scoped := scopedWorkerID(r.Context()); scoped != "" && scoped != workerID {
		writeError(w, http.StatusForbidden, "token not valid for this worker")
		return false
	}
	return true
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	workerID := chi.URLParam(r, "workerID")
	if !s.workerScopeOK(w, r, workerID) {
		return
	}

	var report fleet.HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ingestor.WorkerHeartbeat(r.Context(), workerID, report); err != nil {
		s.writeDomainError(w, err, "failed to record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHeartbeatWebhook is the push-style alias of the heartbeat endpoint;
// the worker id travels in the body instead of the path.
func (s *Server) handleHeartbeatWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		WorkerID string `json:"workerId"`
		fleet.HeartbeatReport
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.workerScopeOK(w, r, req.WorkerID) {
		return
	}

	if err := s.ingestor.WorkerHeartbeat(r.Context(), req.WorkerID, req.HeartbeatReport); err != nil {
		s.writeDomainError(w, err, "failed to record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAssignedSessions(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if !s.workerScopeOK(w, r, workerID) {
		return
	}

	sessions, err := s.recovery.AssignedSessions(r.Context(), workerID)
	if err != nil {
		s.writeDomainError(w, err, "failed to list assigned sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workerId": workerID,
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	workerID := chi.URLParam(r, "workerID")
	if !s.workerScopeOK(w, r, workerID) {
		return
	}

	var report recovery.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := s.recovery.ApplyReport(r.Context(), workerID, report)
	if err != nil {
		s.writeDomainError(w, err, "failed to apply recovery report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSessionStatusWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var ev ingest.SessionStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ingestor.SessionStatus(r.Context(), ev); err != nil {
		s.writeDomainError(w, err, "failed to apply session status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessageStatusWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var ev ingest.MessageStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ingestor.MessageStatus(r.Context(), ev); err != nil {
		s.writeDomainError(w, err, "failed to apply message status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Session handlers ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	if s.sessionCap > 0 {
		active, err := s.store.CountActiveSessionsByUser(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check session count")
			return
		}
		if active >= s.sessionCap {
			s.audit(r.Context(), &store.AuditEvent{
				OrgID: identity.OrgID, Action: "session.create_denied", UserID: identity.UserID,
				Detail: detail(map[string]string{"reason": "max_sessions"}),
			})
			writeError(w, http.StatusTooManyRequests, "maximum sessions per user reached")
			return
		}
	}

	sess, err := s.router.Assign(r.Context(), identity.OrgID, identity.UserID)
	if err != nil {
		if errors.Is(err, routing.ErrCapacityExhausted) {
			writeError(w, http.StatusServiceUnavailable, "no worker capacity available")
			return
		}
		s.logger.Error("session assignment failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	worker, err := s.registry.Get(r.Context(), sess.WorkerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve worker")
		return
	}

	// The session row exists and holds a capacity slot; if the worker never
	// learns about it the slot leaks, so roll back on proxy failure.
	if _, err := s.proxy.CreateSession(r.Context(), worker, sess.ID); err != nil {
		if derr := s.store.DeleteSession(r.Context(), sess.ID); derr != nil {
			s.logger.Error("session rollback failed", "session_id", sess.ID, "error", derr)
		}
		s.writeProxyError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sessions, err := s.store.ListSessionsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r)
	if sess == nil {
		return
	}

	_, worker, err := s.router.Owner(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, err, "failed to resolve worker")
		return
	}

	data, err := s.proxy.SessionStatus(r.Context(), worker, sess.ID)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	sess := s.ownedSession(w, r)
	if sess == nil {
		return
	}

	if !s.quota.Allow(r.Context(), identity.UserID) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "message quota exceeded")
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	recipient, _ := payload["recipient"].(string)
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	_, worker, err := s.router.Owner(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, err, "failed to resolve worker")
		return
	}

	// The hub assigns the message id so delivery webhooks can be correlated
	// even if the worker restarts mid-flight.
	messageID := uuid.New().String()
	payload["messageId"] = messageID
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The pending row commits before the worker sees the message, so a
	// delivery webhook can never race it and miss the message id.
	now := time.Now()
	if err := s.store.CreateMessage(r.Context(), &store.Message{
		ID: messageID, SessionID: sess.ID, Recipient: recipient,
		Status: store.MessagePending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		s.logger.Error("message record failed", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record message")
		return
	}

	data, err := s.proxy.SendMessage(r.Context(), worker, sess.ID, body)
	if err != nil {
		if _, uerr := s.store.UpdateMessageStatus(r.Context(), messageID, store.MessageFailed); uerr != nil {
			s.logger.Error("message status update failed", "message_id", messageID, "error", uerr)
		}
		s.writeProxyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messageId": messageID, "data": data})
}

func (s *Server) handleManageMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")

	msg, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil || msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	sess, err := s.store.GetSession(r.Context(), msg.SessionID)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, worker, err := s.router.Owner(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, err, "failed to resolve worker")
		return
	}

	data, err := s.proxy.ManageMessage(r.Context(), worker, messageID, payload)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	s.proxySessionOp(w, r, s.proxy.Restart)
}

func (s *Server) handleDisconnectSession(w http.ResponseWriter, r *http.Request) {
	s.proxySessionOp(w, r, s.proxy.Disconnect)
}

func (s *Server) handleLogoutSession(w http.ResponseWriter, r *http.Request) {
	s.proxySessionOp(w, r, s.proxy.Logout)
}

// proxySessionOp handles the lifecycle operations whose only effect here is
// forwarding; the resulting state change comes back through the webhook
// channel.
func (s *Server) proxySessionOp(w http.ResponseWriter, r *http.Request, op func(context.Context, *store.Worker, string) (json.RawMessage, error)) {
	sess := s.ownedSession(w, r)
	if sess == nil {
		return
	}

	_, worker, err := s.router.Owner(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, err, "failed to resolve worker")
		return
	}

	data, err := op(r.Context(), worker, sess.ID)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sess := s.ownedSession(w, r)
	if sess == nil {
		return
	}

	// Best effort on the worker side: a dead worker must not make the
	// session undeletable.
	if sess.WorkerID != "" {
		if worker, err := s.registry.Get(r.Context(), sess.WorkerID); err == nil {
			if _, err := s.proxy.Delete(r.Context(), worker, sess.ID); err != nil {
				s.logger.Warn("worker-side session delete failed", "session_id", sess.ID, "worker_id", worker.ID, "error", err)
			}
		}
	}

	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	s.audit(r.Context(), &store.AuditEvent{
		OrgID: sess.OrgID, Action: "session.delete", UserID: identity.UserID,
		SessionID: sess.ID, WorkerID: sess.WorkerID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- WebSocket ---

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := s.auth.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.notify.HandleClientWS(w, r, identity.UserID)
}

// --- Admin handlers ---

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	if workers == nil {
		workers = []store.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	detached, err := s.registry.ForceRemove(r.Context(), workerID)
	if err != nil {
		s.writeDomainError(w, err, "failed to remove worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "detachedSessions": detached})
}

func (s *Server) handleWorkerMaintenance(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	workerID := chi.URLParam(r, "workerID")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.registry.SetMaintenance(r.Context(), workerID, req.Enabled); err != nil {
		s.writeDomainError(w, err, "failed to set maintenance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workerId": workerID, "maintenance": req.Enabled})
}

func (s *Server) handlePingWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}

	results := s.proxy.Broadcast(r.Context(), workers)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleWorkerRecovery(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	summary, err := s.recovery.Record(r.Context(), workerID)
	if err != nil {
		s.writeDomainError(w, err, "failed to load recovery record")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMigrateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		WorkerID string `json:"workerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}

	sess, err := s.router.Migrate(r.Context(), sessionID, req.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrSessionNotFound), errors.Is(err, fleet.ErrWorkerNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, routing.ErrCapacityExhausted):
			writeError(w, http.StatusServiceUnavailable, "target worker has no free capacity")
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}

	// Kick off fresh authentication on the target. The migration itself is
	// already committed; a failure here just delays the QR flow.
	if worker, err := s.registry.Get(r.Context(), req.WorkerID); err == nil {
		if _, err := s.proxy.CreateSession(r.Context(), worker, sess.ID); err != nil {
			s.logger.Warn("session bootstrap on target failed", "session_id", sess.ID, "worker_id", req.WorkerID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	s.monitor.Start(s.monitorCtx)
	s.audit(r.Context(), &store.AuditEvent{OrgID: "default", Action: "monitor.start", UserID: getIdentityFromContext(r.Context()).UserID})
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	s.monitor.Stop()
	s.audit(r.Context(), &store.AuditEvent{OrgID: "default", Action: "monitor.stop", UserID: getIdentityFromContext(r.Context()).UserID})
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), identity.OrgID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	org, err := s.store.GetOrganization(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load organization")
		return
	}

	period := r.URL.Query().Get("period")
	var count int64
	if period == "" {
		period = usage.Period(time.Now())
		count, err = s.accountant.MessagesThisPeriod(r.Context(), identity.OrgID)
	} else {
		count, err = s.accountant.MessagesForPeriod(r.Context(), identity.OrgID, period)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	resp := map[string]any{"period": period, "messages": count}
	if org != nil {
		resp["plan"] = org.Plan
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

// --- Helpers ---

// ownedSession loads the {sessionID} path param and enforces ownership.
// Writes the error response and returns nil when the caller may not proceed.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) *store.Session {
	sessionID := chi.URLParam(r, "sessionID")
	identity := getIdentityFromContext(r.Context())

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	if sess.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "access denied")
		return nil
	}
	return sess
}

// writeDomainError maps registry/router/ingest errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var verr *fleet.ValidationError
	var ierr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &ierr):
		writeError(w, http.StatusBadRequest, ierr.Error())
	case errors.Is(err, fleet.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, "worker not found")
	case errors.Is(err, routing.ErrSessionNotFound), errors.Is(err, ingest.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ingest.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, routing.ErrSessionUnassigned):
		writeError(w, http.StatusConflict, "session has no reachable worker")
	default:
		s.logger.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// writeProxyError distinguishes worker rejection (permanent, the worker's
// status passes through) from worker unavailability (infra failure, 502).
func (s *Server) writeProxyError(w http.ResponseWriter, err error) {
	var rejection *proxy.WorkerRejectionError
	if errors.As(err, &rejection) {
		writeError(w, rejection.Status, "worker rejected request")
		return
	}
	var unavailable *proxy.WorkerUnavailableError
	if errors.As(err, &unavailable) {
		writeError(w, http.StatusBadGateway, "worker unavailable")
		return
	}
	s.logger.Error("proxy call failed", "error", err)
	writeError(w, http.StatusInternalServerError, "proxy call failed")
}

func (s *Server) audit(ctx context.Context, ev *store.AuditEvent) {
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now()
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", ev.Action, "error", err)
	}
}

func detail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
