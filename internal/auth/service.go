package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carevault.org/internal/ids"
	"carevault.org/internal/obs"
)

// Defaults for the lockout state machine and session idle window.
const (
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 30 * time.Minute
)

// Service is the authentication, session and access-control engine. It is
// request-scoped and stateless between calls; the store is the only shared
// mutable resource.
type Service struct {
	store  Store
	issuer *TokenIssuer
	cipher *FieldCipher
	now    func() time.Time

	idleTimeout       time.Duration
	maxFailedAttempts int
	lockoutDuration   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIdleTimeout configures the session inactivity window.
func WithIdleTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.idleTimeout = d
		}
		return nil
	}
}

// WithMaxFailedAttempts configures the lockout threshold.
func WithMaxFailedAttempts(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.maxFailedAttempts = n
		}
		return nil
	}
}

// WithLockoutDuration configures how long a locked account stays refused.
func WithLockoutDuration(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.lockoutDuration = d
		}
		return nil
	}
}

// WithFieldCipher enables at-rest field encryption support.
func WithFieldCipher(c *FieldCipher) ServiceOption {
	return func(s *Service) error {
		s.cipher = c
		return nil
	}
}

// NewService constructs the engine around a store and a token issuer.
func NewService(store Store, issuer *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	svc := &Service{
		store:             store,
		issuer:            issuer,
		now:               time.Now,
		idleTimeout:       DefaultIdleTimeout,
		maxFailedAttempts: DefaultMaxFailedAttempts,
		lockoutDuration:   DefaultLockoutDuration,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// RequestMeta carries the originating client attributes the routing layer
// extracted from the request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// RegisterInput is the payload for account creation.
type RegisterInput struct {
	Username   string
	Email      string
	Password   string
	FullName   string
	Role       Role
	Department string
}

// Register creates a user account, enforcing username/email uniqueness and
// the password policy, and records the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	if !ValidRole(in.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, in.Role)
	}
	if err := ValidatePasswordStrength(in.Password); err != nil {
		return nil, err
	}

	users := s.store.Users(ctx)
	if _, err := users.FindByUsername(ctx, in.Username); err == nil {
		return nil, fmt.Errorf("%w: username already exists", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, s.persistErr(err)
	}
	if _, err := users.FindByEmail(ctx, in.Email); err == nil {
		return nil, fmt.Errorf("%w: email already registered", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, s.persistErr(err)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:                uuid.NewString(),
		Username:          in.Username,
		Email:             in.Email,
		PasswordHash:      hash,
		FullName:          strings.TrimSpace(in.FullName),
		Role:              in.Role,
		Department:        strings.TrimSpace(in.Department),
		Active:            true,
		PasswordChangedAt: &now,
		CreatedAt:         now,
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, s.persistErr(err)
	}

	if err := s.RecordSecurityEvent(ctx, &SecurityEvent{
		EventType:   EventUserRegistered,
		Severity:    SeverityLow,
		UserID:      user.ID,
		IPAddress:   meta.IPAddress,
		Description: fmt.Sprintf("new user registered: %s", user.Username),
	}); err != nil {
		return nil, err
	}
	if err := s.RecordAccess(ctx, &AuditEntry{
		ActorUserID:  user.ID,
		Action:       ActionRegister,
		ResourceType: "USER",
		ResourceID:   user.ID,
		Status:       StatusSuccess,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	}); err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates credentials and, on success, opens a session with a
// fresh token pair. The session row and its LOGIN audit entry commit
// together. The caller-visible error is identical for unknown usernames and
// wrong passwords; the recorded SecurityEvents distinguish the two.
func (s *Service) Login(ctx context.Context, username, password string, meta RequestMeta) (*TokenPair, *User, error) {
	username = strings.TrimSpace(username)
	now := s.now().UTC()

	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginAttempts.WithLabelValues("denied").Inc()
			s.securityEventBestEffort(ctx, &SecurityEvent{
				EventType:   EventFailedLogin,
				Severity:    SeverityMedium,
				IPAddress:   meta.IPAddress,
				Description: fmt.Sprintf("failed login attempt for non-existent user: %s", username),
			})
			s.failedLoginAudit(ctx, "", StatusFailed, meta)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, s.persistErr(err)
	}

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		s.failedLoginAudit(ctx, user.ID, StatusDenied, meta)
		return nil, nil, ErrAccountLocked
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		obs.LoginAttempts.WithLabelValues("denied").Inc()
		attempts, lockedUntil, ferr := s.store.Users(ctx).RecordLoginFailure(ctx, user.ID, s.maxFailedAttempts, s.lockoutDuration, now)
		if ferr != nil {
			return nil, nil, s.persistErr(ferr)
		}
		if lockedUntil != nil && attempts >= s.maxFailedAttempts {
			obs.AccountLockouts.Inc()
			s.securityEventBestEffort(ctx, &SecurityEvent{
				EventType:   EventAccountLocked,
				Severity:    SeverityHigh,
				UserID:      user.ID,
				IPAddress:   meta.IPAddress,
				Description: fmt.Sprintf("account locked after %d failed login attempts", s.maxFailedAttempts),
			})
		}
		s.securityEventBestEffort(ctx, &SecurityEvent{
			EventType:   EventFailedLogin,
			Severity:    SeverityMedium,
			UserID:      user.ID,
			IPAddress:   meta.IPAddress,
			Description: fmt.Sprintf("failed login attempt for user: %s", username),
		})
		s.failedLoginAudit(ctx, user.ID, StatusFailed, meta)
		return nil, nil, ErrInvalidCredentials
	}

	if !user.Active {
		obs.LoginAttempts.WithLabelValues("denied").Inc()
		s.failedLoginAudit(ctx, user.ID, StatusDenied, meta)
		return nil, nil, ErrAccountInactive
	}

	// Successful authentication clears the counter and any stale lockout.
	if err := s.store.Users(ctx).RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, nil, s.persistErr(err)
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	pair, _, err := s.createSession(ctx, user, meta, now)
	if err != nil {
		return nil, nil, err
	}
	obs.LoginAttempts.WithLabelValues("success").Inc()
	return pair, user, nil
}

// createSession issues a token pair and persists the session together with
// its login audit row.
func (s *Service) createSession(ctx context.Context, user *User, meta RequestMeta, now time.Time) (*TokenPair, *Session, error) {
	access, accessExp, err := s.issuer.IssueAccess(user.ID, user.Role)
	if err != nil {
		return nil, nil, err
	}
	refresh, refreshExp, err := s.issuer.IssueRefresh(user.ID)
	if err != nil {
		return nil, nil, err
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, nil, err
	}
	session := &Session{
		ID:           sessionID,
		UserID:       user.ID,
		Token:        access,
		RefreshToken: refresh,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		ExpiresAt:    accessExp,
		LastActivity: now,
		Active:       true,
	}
	entry := &AuditEntry{
		ID:           ids.New(),
		ActorUserID:  user.ID,
		Action:       ActionLogin,
		ResourceType: "AUTH",
		ResourceID:   sessionID,
		Status:       StatusSuccess,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		SessionID:    sessionID,
		OccurredAt:   now,
	}
	if err := s.store.CreateSessionLogged(ctx, session, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		return nil, nil, s.persistErr(err)
	}
	s.mirrorAudit(entry)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, session, nil
}

// newSessionID returns 32 bytes of cryptographic randomness, URL-encoded.
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Authenticate is the composite check every protected operation runs: token
// verification, user state, session state, idle window, then an activity
// touch. The deactivation flips on expiry and idleness persist even though
// the call itself fails, so later calls observe the terminal state.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, *Session, error) {
	claims, err := s.issuer.Verify(token, TokenTypeAccess)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	now := s.now().UTC()

	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, s.persistErr(err)
	}
	if !user.Active {
		return nil, nil, ErrAccountInactive
	}
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, nil, ErrAccountLocked
	}

	sessions := s.store.Sessions(ctx)
	session, err := sessions.FindLive(ctx, token, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, s.persistErr(err)
	}

	if now.After(session.ExpiresAt) {
		if err := sessions.Deactivate(ctx, session.ID); err != nil {
			return nil, nil, s.persistErr(err)
		}
		return nil, nil, ErrSessionExpired
	}
	if now.Sub(session.LastActivity) > s.idleTimeout {
		if err := sessions.Deactivate(ctx, session.ID); err != nil {
			return nil, nil, s.persistErr(err)
		}
		return nil, nil, ErrSessionIdle
	}

	if err := sessions.Touch(ctx, session.ID, now); err != nil {
		return nil, nil, s.persistErr(err)
	}
	session.LastActivity = now
	return user, session, nil
}

// Logout revokes the session backing the presented token and audits it.
func (s *Service) Logout(ctx context.Context, token string, user *User, meta RequestMeta) error {
	now := s.now().UTC()
	sessions := s.store.Sessions(ctx)
	session, err := sessions.FindLive(ctx, token, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionNotFound
		}
		return s.persistErr(err)
	}
	if err := sessions.Revoke(ctx, session.ID, now); err != nil {
		return s.persistErr(err)
	}
	return s.RecordAccess(ctx, &AuditEntry{
		ActorUserID:  user.ID,
		Action:       ActionLogout,
		ResourceType: "AUTH",
		ResourceID:   session.ID,
		Status:       StatusSuccess,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		SessionID:    session.ID,
	})
}

// RefreshTokens exchanges a refresh token for a new pair. The token must be
// of the refresh kind; the session that issued it is rotated in place, so a
// revoked session cannot be resurrected through its refresh token.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()

	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, s.persistErr(err)
	}
	if !user.Active {
		return nil, ErrAccountInactive
	}

	sessions := s.store.Sessions(ctx)
	session, err := sessions.FindLiveByRefreshToken(ctx, refreshToken, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, s.persistErr(err)
	}

	access, accessExp, err := s.issuer.IssueAccess(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.issuer.IssueRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	if err := sessions.Rotate(ctx, session.ID, access, refresh, accessExp, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, s.persistErr(err)
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// ChangePassword verifies the current password, applies the policy to the
// new one, stores the new hash and revokes every session the user holds.
func (s *Service) ChangePassword(ctx context.Context, user *User, oldPassword, newPassword string, meta RequestMeta) error {
	if err := VerifyPassword(user.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash, now); err != nil {
		return s.persistErr(err)
	}
	if err := s.store.Sessions(ctx).RevokeAllForUser(ctx, user.ID, now); err != nil {
		return s.persistErr(err)
	}
	return s.RecordAccess(ctx, &AuditEntry{
		ActorUserID:  user.ID,
		Action:       ActionPasswordChange,
		ResourceType: "USER",
		ResourceID:   user.ID,
		Status:       StatusSuccess,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
}

// RequirePermission returns ErrPermissionDenied unless the user's role holds
// the permission.
func (s *Service) RequirePermission(user *User, perm Permission) error {
	if user == nil || !CheckPermission(user.Role, perm) {
		return ErrPermissionDenied
	}
	return nil
}

// BreakGlassInput describes an emergency-access request.
type BreakGlassInput struct {
	PatientID     string
	Justification string
	EmergencyType string
	SessionID     string
}

// BreakGlass grants emergency access for an EMERGENCY-role caller with a
// sufficient justification. Rejections happen before anything is written; a
// grant writes exactly one break-glass record and one audit entry, together.
func (s *Service) BreakGlass(ctx context.Context, user *User, in BreakGlassInput, meta RequestMeta) (*BreakGlassAccess, error) {
	if user.Role != RoleEmergency {
		return nil, fmt.Errorf("%w: emergency role required for break-glass access", ErrPermissionDenied)
	}
	justification := strings.TrimSpace(in.Justification)
	if len(justification) < 10 {
		return nil, fmt.Errorf("%w: emergency access requires detailed justification (minimum 10 characters)", ErrValidation)
	}
	if strings.TrimSpace(in.PatientID) == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrValidation)
	}

	now := s.now().UTC()
	record := &BreakGlassAccess{
		ID:            ids.New(),
		UserID:        user.ID,
		PatientID:     in.PatientID,
		Justification: justification,
		EmergencyType: in.EmergencyType,
		IPAddress:     meta.IPAddress,
		SessionID:     in.SessionID,
		OccurredAt:    now,
	}
	entry := &AuditEntry{
		ID:            ids.New(),
		ActorUserID:   user.ID,
		PatientID:     in.PatientID,
		Action:        ActionBreakGlass,
		ResourceType:  "EMERGENCY_OVERRIDE",
		ResourceID:    in.PatientID,
		Status:        StatusSuccess,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		SessionID:     in.SessionID,
		Justification: justification,
		OccurredAt:    now,
	}
	if err := s.store.CreateBreakGlassLogged(ctx, record, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		return nil, s.persistErr(err)
	}
	s.mirrorAudit(entry)
	obs.BreakGlassAccesses.Inc()
	return record, nil
}

// ReviewBreakGlass appends the after-the-fact review. The reviewer must hold
// audit visibility and must not be the original actor; a record is reviewed
// at most once.
func (s *Service) ReviewBreakGlass(ctx context.Context, reviewer *User, accessID string, approved bool, notes string) (*BreakGlassAccess, error) {
	if err := s.RequirePermission(reviewer, PermViewAuditLogs); err != nil {
		return nil, err
	}
	store := s.store.BreakGlass(ctx)
	record, err := store.Find(ctx, accessID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.persistErr(err)
	}
	if record.Reviewed {
		return nil, fmt.Errorf("%w: access already reviewed", ErrValidation)
	}
	if record.UserID == reviewer.ID {
		return nil, fmt.Errorf("%w: reviewer must be distinct from the actor", ErrValidation)
	}
	now := s.now().UTC()
	if err := store.Review(ctx, accessID, reviewer.ID, approved, notes, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: access already reviewed", ErrValidation)
		}
		return nil, s.persistErr(err)
	}
	record.Reviewed = true
	record.ReviewedBy = reviewer.ID
	record.ReviewedAt = &now
	record.Approved = &approved
	record.ReviewNotes = notes
	return record, nil
}

// RecordAccess appends one audit entry. A failed write fails the surrounding
// request: audit loss is never silent.
func (s *Service) RecordAccess(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	if err := s.store.Audit(ctx).Append(ctx, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		return s.persistErr(err)
	}
	s.mirrorAudit(entry)
	return nil
}

// RecordSecurityEvent appends one security posture signal.
func (s *Service) RecordSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.store.SecurityEvents(ctx).Append(ctx, event); err != nil {
		return s.persistErr(err)
	}
	obs.Event("security."+strings.ToLower(event.EventType), map[string]any{
		"severity":    event.Severity,
		"user_id":     event.UserID,
		"ip":          event.IPAddress,
		"description": event.Description,
	})
	return nil
}

// securityEventBestEffort records an event on a path that is already failing
// the request. The write error cannot change the caller-visible outcome, but
// it is surfaced in the log and metrics.
func (s *Service) securityEventBestEffort(ctx context.Context, event *SecurityEvent) {
	if err := s.RecordSecurityEvent(ctx, event); err != nil {
		obs.AuditWriteFailures.Inc()
		obs.Event("security.write_failed", map[string]any{"error": err.Error()})
	}
}

// failedLoginAudit appends the audit row for a rejected login attempt, so the
// trail carries one entry per attempt rather than successes only. The request
// is already failing; a write error here is counted and logged instead of
// replacing the auth error.
func (s *Service) failedLoginAudit(ctx context.Context, userID, status string, meta RequestMeta) {
	entry := &AuditEntry{
		ID:           ids.New(),
		ActorUserID:  userID,
		Action:       ActionLogin,
		ResourceType: "AUTH",
		Status:       status,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		OccurredAt:   s.now().UTC(),
	}
	if err := s.store.Audit(ctx).Append(ctx, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		obs.Event("audit.write_failed", map[string]any{"error": err.Error()})
		return
	}
	s.mirrorAudit(entry)
}

// mirrorAudit emits the audit row to the structured log as well.
func (s *Service) mirrorAudit(entry *AuditEntry) {
	obs.Event("audit."+strings.ToLower(entry.Action), map[string]any{
		"actor":         entry.ActorUserID,
		"patient_id":    entry.PatientID,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"status":        entry.Status,
		"session_id":    entry.SessionID,
	})
}

// Sessions lists the caller's active sessions.
func (s *Service) Sessions(ctx context.Context, user *User) ([]Session, error) {
	sessions, err := s.store.Sessions(ctx).ListActiveForUser(ctx, user.ID)
	if err != nil {
		return nil, s.persistErr(err)
	}
	return sessions, nil
}

// RevokeSession revokes one of the caller's sessions by id. A session owned
// by someone else is indistinguishable from a missing one.
func (s *Service) RevokeSession(ctx context.Context, user *User, sessionID string) error {
	sessions := s.store.Sessions(ctx)
	session, err := sessions.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.persistErr(err)
	}
	if session.UserID != user.ID {
		return ErrNotFound
	}
	if err := sessions.Revoke(ctx, sessionID, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.persistErr(err)
	}
	return nil
}

// AuditLogs lists audit entries. Callers without audit-log visibility over
// others are restricted to their own entries regardless of the filter.
func (s *Service) AuditLogs(ctx context.Context, user *User, filter AuditFilter) ([]AuditEntry, error) {
	if user.Role != RoleAdmin {
		filter.ActorUserID = user.ID
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	entries, err := s.store.Audit(ctx).List(ctx, filter)
	if err != nil {
		return nil, s.persistErr(err)
	}
	return entries, nil
}

// SecurityEventList returns recent security events, admin only.
func (s *Service) SecurityEventList(ctx context.Context, user *User, limit int) ([]SecurityEvent, error) {
	if user.Role != RoleAdmin {
		return nil, ErrPermissionDenied
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := s.store.SecurityEvents(ctx).ListRecent(ctx, limit)
	if err != nil {
		return nil, s.persistErr(err)
	}
	return events, nil
}

// ResolveSecurityEvent marks an event reviewed; the resolution fields are
// the only mutable part of a security event.
func (s *Service) ResolveSecurityEvent(ctx context.Context, user *User, eventID, actionTaken string) error {
	if user.Role != RoleAdmin {
		return ErrPermissionDenied
	}
	if err := s.store.SecurityEvents(ctx).Resolve(ctx, eventID, user.ID, actionTaken, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.persistErr(err)
	}
	return nil
}

// ConsentInput describes a consent grant.
type ConsentInput struct {
	PatientID       string
	ConsentType     string
	Granted         bool
	ExpiresAt       *time.Time
	GrantedToUserID string
	GrantedToRole   Role
	Scope           string
}

// GrantConsent records a patient consent. The engine stores consent scope;
// enforcement lives in the clinical query layer.
func (s *Service) GrantConsent(ctx context.Context, user *User, in ConsentInput) (*PatientConsent, error) {
	if strings.TrimSpace(in.PatientID) == "" || strings.TrimSpace(in.ConsentType) == "" {
		return nil, fmt.Errorf("%w: patient id and consent type are required", ErrValidation)
	}
	now := s.now().UTC()
	consent := &PatientConsent{
		ID:              ids.New(),
		PatientID:       in.PatientID,
		ConsentType:     in.ConsentType,
		Granted:         in.Granted,
		ExpiresAt:       in.ExpiresAt,
		GrantedToUserID: in.GrantedToUserID,
		GrantedToRole:   in.GrantedToRole,
		Scope:           in.Scope,
		CreatedAt:       now,
	}
	if in.Granted {
		consent.GrantedAt = &now
	}
	if err := s.store.Consents(ctx).Create(ctx, consent); err != nil {
		return nil, s.persistErr(err)
	}
	return consent, nil
}

// PatientConsents lists consent records for a patient.
func (s *Service) PatientConsents(ctx context.Context, patientID string) ([]PatientConsent, error) {
	consents, err := s.store.Consents(ctx).ListByPatient(ctx, patientID)
	if err != nil {
		return nil, s.persistErr(err)
	}
	return consents, nil
}

// RevokeConsent withdraws a previously granted consent.
func (s *Service) RevokeConsent(ctx context.Context, consentID string) error {
	if err := s.store.Consents(ctx).Revoke(ctx, consentID, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.persistErr(err)
	}
	return nil
}

// PrepareRecord composes field decryption and role-based masking for a
// record leaving the engine: decrypt-then-mask.
func (s *Service) PrepareRecord(data map[string]any, role Role, encryptedFields []string) map[string]any {
	if s.cipher != nil && len(encryptedFields) > 0 {
		data = s.cipher.DecryptFields(data, encryptedFields)
	}
	return ApplyMasking(data, role)
}

// Stats summarizes engine activity for administrators.
func (s *Service) Stats(ctx context.Context, user *User) (*Stats, error) {
	if user.Role != RoleAdmin {
		return nil, ErrPermissionDenied
	}
	now := s.now().UTC()
	dayAgo := now.Add(-24 * time.Hour)

	var (
		st  Stats
		err error
	)
	if st.TotalUsers, err = s.store.Users(ctx).Count(ctx); err != nil {
		return nil, s.persistErr(err)
	}
	if st.ActiveSessions, err = s.store.Sessions(ctx).CountActive(ctx, now); err != nil {
		return nil, s.persistErr(err)
	}
	if st.TotalAuditEntries, err = s.store.Audit(ctx).Count(ctx); err != nil {
		return nil, s.persistErr(err)
	}
	if st.FailedLogins24h, err = s.store.SecurityEvents(ctx).CountSince(ctx, EventFailedLogin, dayAgo); err != nil {
		return nil, s.persistErr(err)
	}
	if st.SecurityEvents24h, err = s.store.SecurityEvents(ctx).CountSince(ctx, "", dayAgo); err != nil {
		return nil, s.persistErr(err)
	}
	if st.BreakGlassAccess24h, err = s.store.BreakGlass(ctx).CountSince(ctx, dayAgo); err != nil {
		return nil, s.persistErr(err)
	}
	return &st, nil
}

// IdleTimeout reports the configured inactivity window.
func (s *Service) IdleTimeout() time.Duration { return s.idleTimeout }

// AccessTTL reports the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.issuer.AccessTTL() }

func (s *Service) persistErr(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
