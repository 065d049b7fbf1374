package httpapi

import (
	"net/http"

	"carevault.org/internal/auth"
)

type breakGlassRequest struct {
	PatientID     string `json:"patient_id"`
	Justification string `json:"justification"`
	EmergencyType string `json:"emergency_type"`
}

func (a *API) handleBreakGlass(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req breakGlassRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID, _ := auth.SessionIDFromContext(r.Context())
	in := auth.BreakGlassInput{
		PatientID:     req.PatientID,
		Justification: req.Justification,
		EmergencyType: req.EmergencyType,
		SessionID:     sessionID,
	}
	access, err := a.auth.BreakGlass(r.Context(), user, in, requestMeta(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, access)
}

type reviewBreakGlassRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

func (a *API) handleReviewBreakGlass(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req reviewBreakGlassRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	access, err := a.auth.ReviewBreakGlass(r.Context(), user, r.PathValue("id"), req.Approved, req.Notes)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}
