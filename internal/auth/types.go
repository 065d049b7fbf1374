package auth

import "time"

// Role is the fixed set of user roles. There are no per-user overrides;
// permissions derive from the role alone.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleDoctor    Role = "DOCTOR"
	RoleNurse     Role = "NURSE"
	RoleEmergency Role = "EMERGENCY"
	RolePatient   Role = "PATIENT"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse, RoleEmergency, RolePatient:
		return true
	}
	return false
}

// User is an operator or patient account. Users are never hard-deleted;
// deactivation flips Active so audit rows keep a resolvable actor.
type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	FullName            string     `json:"full_name"`
	Role                Role       `json:"role"`
	Department          string     `json:"department,omitempty"`
	Active              bool       `json:"active"`
	Verified            bool       `json:"verified"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Session backs a token pair. A session is usable only while Active, not
// Revoked, before ExpiresAt, and within the idle window since LastActivity.
// Any violation is terminal: the row is flipped inactive, never repaired.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Token        string     `json:"-"`
	RefreshToken string     `json:"-"`
	IPAddress    string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	LastActivity time.Time  `json:"last_activity"`
	Active       bool       `json:"active"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Audit outcome statuses.
const (
	StatusSuccess      = "SUCCESS"
	StatusFailed       = "FAILED"
	StatusDenied       = "DENIED"
	StatusNotFound     = "NOT_FOUND"
	StatusUnauthorized = "UNAUTHORIZED"
)

// Audit actions recorded by the engine.
const (
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionRegister       = "REGISTER"
	ActionPasswordChange = "PASSWORD_CHANGE"
	ActionView           = "VIEW"
	ActionSearch         = "SEARCH"
	ActionExport         = "EXPORT"
	ActionBreakGlass     = "BREAK_GLASS_ACCESS"
)

// AuditEntry is one append-only record of an access attempt, success or
// failure. Rows are never mutated or deleted after the write.
type AuditEntry struct {
	ID            string    `json:"id"`
	ActorUserID   string    `json:"actor_user_id"`
	PatientID     string    `json:"patient_id,omitempty"`
	Action        string    `json:"action"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	Status        string    `json:"status"`
	IPAddress     string    `json:"ip_address,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Justification string    `json:"justification,omitempty"`
	FieldsRead    []string  `json:"fields_read,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Security-event types and severities.
const (
	EventFailedLogin    = "FAILED_LOGIN"
	EventAccountLocked  = "ACCOUNT_LOCKED"
	EventUserRegistered = "USER_REGISTERED"

	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// SecurityEvent records a security posture signal, distinct from AuditEntry
// which records data access. Only the resolution fields are mutable.
type SecurityEvent struct {
	ID          string     `json:"id"`
	EventType   string     `json:"event_type"`
	Severity    string     `json:"severity"`
	UserID      string     `json:"user_id,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	Description string     `json:"description"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ActionTaken string     `json:"action_taken,omitempty"`
}

// BreakGlassAccess records one emergency override. The review sub-record is
// append-once by a reviewer distinct from the actor; the rest is immutable.
type BreakGlassAccess struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	PatientID     string     `json:"patient_id"`
	Justification string     `json:"justification"`
	EmergencyType string     `json:"emergency_type,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
	Reviewed      bool       `json:"reviewed"`
	ReviewedBy    string     `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	Approved      *bool      `json:"approved,omitempty"`
	ReviewNotes   string     `json:"review_notes,omitempty"`
}

// PatientConsent is a patient-level authorization scope. The engine stores
// and serves these records; enforcement happens in the clinical query layer.
type PatientConsent struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patient_id"`
	ConsentType     string     `json:"consent_type"`
	Granted         bool       `json:"granted"`
	GrantedAt       *time.Time `json:"granted_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	GrantedToUserID string     `json:"granted_to_user_id,omitempty"`
	GrantedToRole   Role       `json:"granted_to_role,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Stats is the admin-facing operational summary.
type Stats struct {
	TotalUsers          int `json:"total_users"`
	ActiveSessions      int `json:"active_sessions"`
	TotalAuditEntries   int `json:"total_audit_entries"`
	FailedLogins24h     int `json:"failed_logins_24h"`
	SecurityEvents24h   int `json:"security_events_24h"`
	BreakGlassAccess24h int `json:"break_glass_accesses_24h"`
}
