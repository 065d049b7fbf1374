package httpapi

import (
	"net/http"
	"time"

	"carevault.org/internal/auth"
)

type consentRequest struct {
	PatientID       string     `json:"patient_id"`
	ConsentType     string     `json:"consent_type"`
	Granted         bool       `json:"granted"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	GrantedToUserID string     `json:"granted_to_user_id,omitempty"`
	GrantedToRole   string     `json:"granted_to_role,omitempty"`
	Scope           string     `json:"scope,omitempty"`
}

func (a *API) handleCreateConsent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in := auth.ConsentInput{
		PatientID:       req.PatientID,
		ConsentType:     req.ConsentType,
		Granted:         req.Granted,
		ExpiresAt:       req.ExpiresAt,
		GrantedToUserID: req.GrantedToUserID,
		GrantedToRole:   auth.Role(req.GrantedToRole),
		Scope:           req.Scope,
	}
	consent, err := a.auth.GrantConsent(r.Context(), user, in)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, consent)
}

func (a *API) handlePatientConsents(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	consents, err := a.auth.PatientConsents(r.Context(), r.PathValue("patientID"))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": consents, "count": len(consents)})
}

func (a *API) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	if err := a.auth.RevokeConsent(r.Context(), r.PathValue("id")); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "consent revoked"})
}
