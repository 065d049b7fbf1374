package auth

import (
	"context"
	"time"
)

// Store describes the persistence collaborator for the engine. Implementations
// must provide read-after-write visibility: a committed revocation is observed
// by every authenticate call that starts after the commit.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	Audit(ctx context.Context) AuditStore
	SecurityEvents(ctx context.Context) SecurityEventStore
	BreakGlass(ctx context.Context) BreakGlassStore
	Consents(ctx context.Context) ConsentStore

	// CreateSessionLogged persists the session and its login audit entry in
	// one transaction: both rows commit or neither does.
	CreateSessionLogged(ctx context.Context, s *Session, entry *AuditEntry) error

	// CreateBreakGlassLogged persists the break-glass record and its audit
	// entry in one transaction.
	CreateBreakGlassLogged(ctx context.Context, bg *BreakGlassAccess, entry *AuditEntry) error
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)

	// RecordLoginFailure atomically increments the failure counter and, when
	// the new count reaches threshold, sets locked_until = now + lockFor.
	// The increment-and-compare must happen in the store so concurrent
	// failures neither lose increments nor overshoot the threshold.
	RecordLoginFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (attempts int, lockedUntil *time.Time, err error)

	// RecordLoginSuccess resets the failure counter, clears any lockout and
	// stamps last_login.
	RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error

	UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error
	Count(ctx context.Context) (int, error)
}

// SessionStore manages session rows. Sessions are never deleted; every
// terminal condition is a state flip.
type SessionStore interface {
	Find(ctx context.Context, id string) (*Session, error)

	// FindLive looks up the usable session carrying the access token for the
	// user: active and not revoked. Expiry and idleness are the caller's
	// checks because they have side effects.
	FindLive(ctx context.Context, token, userID string) (*Session, error)

	// FindLiveByRefreshToken is FindLive keyed on the refresh token.
	FindLiveByRefreshToken(ctx context.Context, refreshToken, userID string) (*Session, error)

	// Touch advances last_activity.
	Touch(ctx context.Context, id string, at time.Time) error

	// Deactivate flips active=false. Used when expiry or idleness is
	// observed; the flip is terminal.
	Deactivate(ctx context.Context, id string) error

	// Revoke flips active=false, revoked=true, revoked_at=at.
	Revoke(ctx context.Context, id string, at time.Time) error

	// RevokeAllForUser revokes every session owned by the user.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) error

	// Rotate stores a fresh token pair on an existing session and extends
	// its absolute expiry.
	Rotate(ctx context.Context, id, token, refreshToken string, expiresAt, at time.Time) error

	ListActiveForUser(ctx context.Context, userID string) ([]Session, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	ActorUserID string
	PatientID   string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AuditStore appends and lists immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	Count(ctx context.Context) (int, error)
}

// SecurityEventStore appends security posture signals. Only the resolution
// fields are ever updated.
type SecurityEventStore interface {
	Append(ctx context.Context, event *SecurityEvent) error
	ListRecent(ctx context.Context, limit int) ([]SecurityEvent, error)
	Resolve(ctx context.Context, id, resolverID, actionTaken string, at time.Time) error
	CountSince(ctx context.Context, eventType string, since time.Time) (int, error)
}

// BreakGlassStore manages emergency-access records and their append-once
// review sub-records.
type BreakGlassStore interface {
	Find(ctx context.Context, id string) (*BreakGlassAccess, error)
	Review(ctx context.Context, id, reviewerID string, approved bool, notes string, at time.Time) error
	ListByPatient(ctx context.Context, patientID string) ([]BreakGlassAccess, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// ConsentStore manages patient consent records.
type ConsentStore interface {
	Create(ctx context.Context, c *PatientConsent) error
	ListByPatient(ctx context.Context, patientID string) ([]PatientConsent, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}
