package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"carevault.org/internal/auth"
)

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := auth.AuditFilter{
		ActorUserID: q.Get("user_id"),
		PatientID:   q.Get("patient_id"),
		Limit:       intQuery(q.Get("limit")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = t
	}
	entries, err := a.auth.AuditLogs(r.Context(), user, filter)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	events, err := a.auth.SecurityEventList(r.Context(), user, intQuery(r.URL.Query().Get("limit")))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

type resolveEventRequest struct {
	ActionTaken string `json:"action_taken"`
}

func (a *API) handleResolveSecurityEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req resolveEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ResolveSecurityEvent(r.Context(), user, r.PathValue("id"), req.ActionTaken); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "event resolved"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	stats, err := a.auth.Stats(r.Context(), user)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func intQuery(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
