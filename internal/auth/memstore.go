package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"carevault.org/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and local development. All
// operations take one lock, so the read-after-write and increment-and-compare
// guarantees hold trivially.
type MemStore struct {
	mu          sync.Mutex
	users       map[string]*User
	sessions    map[string]*Session
	audit       []AuditEntry
	events      []SecurityEvent
	breakGlass  map[string]*BreakGlassAccess
	consents    map[string]*PatientConsent
	failWrites  bool
	auditOrder  []string
	bgOrder     []string
	consentKeys []string
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		users:      make(map[string]*User),
		sessions:   make(map[string]*Session),
		breakGlass: make(map[string]*BreakGlassAccess),
		consents:   make(map[string]*PatientConsent),
	}
}

// FailWrites makes subsequent audit and security-event writes fail, to
// exercise the paths where audit loss must fail the request.
func (m *MemStore) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

func (m *MemStore) Users(context.Context) UserStore                   { return (*memUsers)(m) }
func (m *MemStore) Sessions(context.Context) SessionStore             { return (*memSessions)(m) }
func (m *MemStore) Audit(context.Context) AuditStore                  { return (*memAudit)(m) }
func (m *MemStore) SecurityEvents(context.Context) SecurityEventStore { return (*memEvents)(m) }
func (m *MemStore) BreakGlass(context.Context) BreakGlassStore        { return (*memBreakGlass)(m) }
func (m *MemStore) Consents(context.Context) ConsentStore             { return (*memConsents)(m) }

func (m *MemStore) CreateSessionLogged(_ context.Context, s *Session, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errMemWrite
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.appendAuditLocked(entry)
	return nil
}

func (m *MemStore) CreateBreakGlassLogged(_ context.Context, bg *BreakGlassAccess, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errMemWrite
	}
	if bg.ID == "" {
		bg.ID = ids.New()
	}
	cp := *bg
	m.breakGlass[bg.ID] = &cp
	m.bgOrder = append(m.bgOrder, bg.ID)
	m.appendAuditLocked(entry)
	return nil
}

func (m *MemStore) appendAuditLocked(entry *AuditEntry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	m.audit = append(m.audit, *entry)
	m.auditOrder = append(m.auditOrder, entry.ID)
}

// AuditEntries returns a copy of everything recorded so far.
func (m *MemStore) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// SecurityEventLog returns a copy of the recorded security events.
func (m *MemStore) SecurityEventLog() []SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SecurityEvent, len(m.events))
	copy(out, m.events)
	return out
}

// BreakGlassRecords returns a copy of the recorded break-glass grants.
func (m *MemStore) BreakGlassRecords() []BreakGlassAccess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BreakGlassAccess, 0, len(m.bgOrder))
	for _, id := range m.bgOrder {
		out = append(out, *m.breakGlass[id])
	}
	return out
}

var errMemWrite = &memWriteError{}

type memWriteError struct{}

func (*memWriteError) Error() string { return "memstore: writes disabled" }

// Users ---------------------------------------------------------------------

type memUsers MemStore

func (m *memUsers) lock() *MemStore { return (*MemStore)(m) }

func (m *memUsers) Create(_ context.Context, u *User) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	return m.findBy(func(u *User) bool { return u.Username == username })
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	return m.findBy(func(u *User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *memUsers) findBy(match func(*User) bool) (*User, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) RecordLoginFailure(_ context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, nil, ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		until := now.Add(lockFor)
		u.LockedUntil = &until
	}
	if u.LockedUntil == nil {
		return u.FailedLoginAttempts, nil, nil
	}
	until := *u.LockedUntil
	return u.FailedLoginAttempts, &until, nil
}

func (m *memUsers) RecordLoginSuccess(_ context.Context, userID string, now time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	t := now
	u.LastLogin = &t
	return nil
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, passwordHash string, now time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	t := now
	u.PasswordChangedAt = &t
	return nil
}

func (m *memUsers) Count(context.Context) (int, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

// Sessions ------------------------------------------------------------------

type memSessions MemStore

func (m *memSessions) lock() *MemStore { return (*MemStore)(m) }

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memSessions) FindLive(_ context.Context, token, userID string) (*Session, error) {
	return m.findLive(func(sess *Session) bool { return sess.Token == token && sess.UserID == userID })
}

func (m *memSessions) FindLiveByRefreshToken(_ context.Context, refreshToken, userID string) (*Session, error) {
	return m.findLive(func(sess *Session) bool {
		return sess.RefreshToken == refreshToken && sess.UserID == userID
	})
}

func (m *memSessions) findLive(match func(*Session) bool) (*Session, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Active && !sess.Revoked && match(sess) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memSessions) Touch(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(sess *Session) { sess.LastActivity = at })
}

func (m *memSessions) Deactivate(_ context.Context, id string) error {
	return m.update(id, func(sess *Session) { sess.Active = false })
}

func (m *memSessions) Revoke(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(sess *Session) {
		sess.Active = false
		sess.Revoked = true
		t := at
		sess.RevokedAt = &t
	})
}

func (m *memSessions) update(id string, fn func(*Session)) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(sess)
	return nil
}

func (m *memSessions) RevokeAllForUser(_ context.Context, userID string, at time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.Revoked {
			sess.Active = false
			sess.Revoked = true
			t := at
			sess.RevokedAt = &t
		}
	}
	return nil
}

func (m *memSessions) Rotate(_ context.Context, id, token, refreshToken string, expiresAt, at time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Active || sess.Revoked {
		return ErrNotFound
	}
	sess.Token = token
	sess.RefreshToken = refreshToken
	sess.ExpiresAt = expiresAt
	sess.LastActivity = at
	return nil
}

func (m *memSessions) ListActiveForUser(_ context.Context, userID string) ([]Session, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active && !sess.Revoked {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessions) CountActive(_ context.Context, now time.Time) (int, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Active && !sess.Revoked && sess.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Audit ---------------------------------------------------------------------

type memAudit MemStore

func (m *memAudit) lock() *MemStore { return (*MemStore)(m) }

func (m *memAudit) Append(_ context.Context, entry *AuditEntry) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errMemWrite
	}
	s.appendAuditLocked(entry)
	return nil
}

func (m *memAudit) List(_ context.Context, filter AuditFilter) ([]AuditEntry, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.ActorUserID != "" && e.ActorUserID != filter.ActorUserID {
			continue
		}
		if filter.PatientID != "" && e.PatientID != filter.PatientID {
			continue
		}
		if !filter.Since.IsZero() && e.OccurredAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !e.OccurredAt.Before(filter.Until) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memAudit) Count(context.Context) (int, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audit), nil
}

// Security events -----------------------------------------------------------

type memEvents MemStore

func (m *memEvents) lock() *MemStore { return (*MemStore)(m) }

func (m *memEvents) Append(_ context.Context, event *SecurityEvent) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errMemWrite
	}
	if event.ID == "" {
		event.ID = ids.New()
	}
	s.events = append(s.events, *event)
	return nil
}

func (m *memEvents) ListRecent(_ context.Context, limit int) ([]SecurityEvent, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SecurityEvent
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (m *memEvents) Resolve(_ context.Context, id, resolverID, actionTaken string, at time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id && !s.events[i].Resolved {
			s.events[i].Resolved = true
			s.events[i].ResolvedBy = resolverID
			t := at
			s.events[i].ResolvedAt = &t
			s.events[i].ActionTaken = actionTaken
			return nil
		}
	}
	return ErrNotFound
}

func (m *memEvents) CountSince(_ context.Context, eventType string, since time.Time) (int, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.OccurredAt.After(since) && (eventType == "" || e.EventType == eventType) {
			n++
		}
	}
	return n, nil
}

// Break glass ---------------------------------------------------------------

type memBreakGlass MemStore

func (m *memBreakGlass) lock() *MemStore { return (*MemStore)(m) }

func (m *memBreakGlass) Find(_ context.Context, id string) (*BreakGlassAccess, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	bg, ok := s.breakGlass[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *bg
	return &cp, nil
}

func (m *memBreakGlass) Review(_ context.Context, id, reviewerID string, approved bool, notes string, at time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	bg, ok := s.breakGlass[id]
	if !ok || bg.Reviewed {
		return ErrNotFound
	}
	bg.Reviewed = true
	bg.ReviewedBy = reviewerID
	t := at
	bg.ReviewedAt = &t
	a := approved
	bg.Approved = &a
	bg.ReviewNotes = notes
	return nil
}

func (m *memBreakGlass) ListByPatient(_ context.Context, patientID string) ([]BreakGlassAccess, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BreakGlassAccess
	for i := len(s.bgOrder) - 1; i >= 0; i-- {
		bg := s.breakGlass[s.bgOrder[i]]
		if bg.PatientID == patientID {
			out = append(out, *bg)
		}
	}
	return out, nil
}

func (m *memBreakGlass) CountSince(_ context.Context, since time.Time) (int, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.bgOrder {
		if s.breakGlass[id].OccurredAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Consents ------------------------------------------------------------------

type memConsents MemStore

func (m *memConsents) lock() *MemStore { return (*MemStore)(m) }

func (m *memConsents) Create(_ context.Context, c *PatientConsent) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	cp := *c
	s.consents[c.ID] = &cp
	s.consentKeys = append(s.consentKeys, c.ID)
	return nil
}

func (m *memConsents) ListByPatient(_ context.Context, patientID string) ([]PatientConsent, error) {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PatientConsent
	for i := len(s.consentKeys) - 1; i >= 0; i-- {
		c := s.consents[s.consentKeys[i]]
		if c.PatientID == patientID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memConsents) Revoke(_ context.Context, id string, at time.Time) error {
	s := m.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consents[id]
	if !ok || !c.Granted {
		return ErrNotFound
	}
	c.Granted = false
	t := at
	c.RevokedAt = &t
	return nil
}
