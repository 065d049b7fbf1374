package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"carevault.org/internal/auth"
	"carevault.org/internal/obs"
)

// ReadyProbe reports backing-store readiness.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the access-control engine.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	readyProbe ReadyProbe
	version    string
}

// New wires all routes.
func New(svc *auth.Service, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       svc,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("GET /api/health", a.Health)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /api/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /api/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /api/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /api/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("GET /api/users/me", a.handleMe)

	a.mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	a.mux.HandleFunc("DELETE /api/sessions/{id}", a.handleRevokeSession)

	a.mux.HandleFunc("GET /api/audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("GET /api/security-events", a.handleSecurityEvents)
	a.mux.HandleFunc("POST /api/security-events/{id}/resolve", a.handleResolveSecurityEvent)
	a.mux.HandleFunc("GET /api/stats", a.handleStats)

	a.mux.HandleFunc("POST /api/emergency-access", a.handleBreakGlass)
	a.mux.HandleFunc("POST /api/emergency-access/{id}/review", a.handleReviewBreakGlass)

	a.mux.HandleFunc("POST /api/consents", a.handleCreateConsent)
	a.mux.HandleFunc("GET /api/consents/patient/{patientID}", a.handlePatientConsents)
	a.mux.HandleFunc("DELETE /api/consents/{id}", a.handleRevokeConsent)

	return a
}

// Handler returns the full middleware-wrapped handler.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, 20, 10)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carevault-api",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeAuthError maps the engine's error taxonomy onto HTTP statuses. The
// message is the sentinel text; internal detail stays in the audit trail.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrSessionIdle):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrAccountLocked),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrValidation),
		errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrPersistence):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
