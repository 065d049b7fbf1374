package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	issuer, err := NewTokenIssuer([]byte("service-test-secret"), 30*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	issuer.now = clock.Now
	store := NewMemStore()
	opts = append([]ServiceOption{WithClock(clock.Now)}, opts...)
	svc, err := NewService(store, issuer, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, clock
}

const testPassword = "Val1dPass!"

func seedUser(t *testing.T, svc *Service, username string, role Role) *User {
	t.Helper()
	user, err := svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.org",
		Password: testPassword,
		FullName: "Test " + username,
		Role:     role,
	}, RequestMeta{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return user
}

func countAudit(entries []AuditEntry, action string) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func countEvents(events []SecurityEvent, eventType string) int {
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestRegister(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, svc, "drchen", RoleDoctor)
	if user.ID == "" || !user.Active {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == testPassword {
		t.Fatal("password stored in plaintext")
	}

	if _, err := svc.Register(ctx, RegisterInput{
		Username: "drchen", Email: "other@example.org", Password: testPassword, Role: RoleNurse,
	}, RequestMeta{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate username: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{
		Username: "other", Email: "DRCHEN@example.org", Password: testPassword, Role: RoleNurse,
	}, RequestMeta{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate email: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{
		Username: "weak", Email: "weak@example.org", Password: "short", Role: RoleNurse,
	}, RequestMeta{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("weak password: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{
		Username: "badrole", Email: "badrole@example.org", Password: testPassword, Role: "WIZARD",
	}, RequestMeta{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown role: %v", err)
	}

	if n := countAudit(store.AuditEntries(), ActionRegister); n != 1 {
		t.Fatalf("expected 1 REGISTER audit entry, got %d", n)
	}
	if n := countEvents(store.SecurityEventLog(), EventUserRegistered); n != 1 {
		t.Fatalf("expected 1 USER_REGISTERED event, got %d", n)
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "nurse1", RoleNurse)

	pair, user, err := svc.Login(ctx, "nurse1", testPassword, RequestMeta{IPAddress: "10.0.0.2"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.TokenType != "bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	if user.LastLogin == nil {
		t.Fatal("last login not stamped")
	}
	if n := countAudit(store.AuditEntries(), ActionLogin); n != 1 {
		t.Fatalf("expected 1 LOGIN audit entry, got %d", n)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "known", RoleDoctor)

	_, _, errUnknown := svc.Login(ctx, "ghost", testPassword, RequestMeta{})
	_, _, errWrong := svc.Login(ctx, "known", "Wr0ngPass!", RequestMeta{})

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials twice, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("caller-visible errors differ: %q vs %q", errUnknown, errWrong)
	}

	events := store.SecurityEventLog()
	if n := countEvents(events, EventFailedLogin); n != 2 {
		t.Fatalf("expected 2 FAILED_LOGIN events, got %d", n)
	}
	var withUser, withoutUser int
	for _, e := range events {
		if e.EventType != EventFailedLogin {
			continue
		}
		if e.UserID == "" {
			withoutUser++
		} else {
			withUser++
		}
	}
	if withUser != 1 || withoutUser != 1 {
		t.Fatalf("events do not distinguish unknown user from wrong password: %d/%d", withUser, withoutUser)
	}
}

func TestFailedLoginIsAudited(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, svc, "audited", RoleDoctor)

	if _, _, err := svc.Login(ctx, "audited", "Wr0ngPass!", RequestMeta{IPAddress: "10.0.0.9"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", testPassword, RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	// One LOGIN entry per attempt: both rejections land in the audit log,
	// alongside their security events.
	var failed []AuditEntry
	for _, e := range store.AuditEntries() {
		if e.Action == ActionLogin && e.Status == StatusFailed {
			failed = append(failed, e)
		}
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed LOGIN audit entries, got %d", len(failed))
	}
	var withActor, withoutActor int
	for _, e := range failed {
		if e.ActorUserID == user.ID {
			withActor++
		}
		if e.ActorUserID == "" {
			withoutActor++
		}
	}
	if withActor != 1 || withoutActor != 1 {
		t.Fatalf("failed-login entries do not cover both paths: %d/%d", withActor, withoutActor)
	}
	if n := countEvents(store.SecurityEventLog(), EventFailedLogin); n != 2 {
		t.Fatalf("expected 2 FAILED_LOGIN events, got %d", n)
	}

	// A correct password against a locked account is denied, and audited.
	for i := 0; i < DefaultMaxFailedAttempts-1; i++ {
		svc.Login(ctx, "audited", "Wr0ngPass!", RequestMeta{})
	}
	if _, _, err := svc.Login(ctx, "audited", testPassword, RequestMeta{}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if n := countAudit(store.AuditEntries(), ActionLogin); n < 7 {
		t.Fatalf("expected an entry per attempt, got %d LOGIN entries", n)
	}
	denied := 0
	for _, e := range store.AuditEntries() {
		if e.Action == ActionLogin && e.Status == StatusDenied {
			denied++
		}
	}
	if denied != 1 {
		t.Fatalf("expected 1 denied LOGIN entry for the locked attempt, got %d", denied)
	}
}

func TestLockoutStateMachine(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "victim", RoleDoctor)

	for i := 0; i < DefaultMaxFailedAttempts; i++ {
		if _, _, err := svc.Login(ctx, "victim", "Wr0ngPass!", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if n := countEvents(store.SecurityEventLog(), EventAccountLocked); n != 1 {
		t.Fatalf("expected exactly 1 ACCOUNT_LOCKED event, got %d", n)
	}

	// Correct password while locked is still refused, with the lockout error.
	if _, _, err := svc.Login(ctx, "victim", testPassword, RequestMeta{}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// One second short of the window the account is still locked.
	clock.Advance(DefaultLockoutDuration - time.Second)
	if _, _, err := svc.Login(ctx, "victim", testPassword, RequestMeta{}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked before window end, got %v", err)
	}

	// Past the window the lock lapses without any unlock write.
	clock.Advance(2 * time.Second)
	if _, _, err := svc.Login(ctx, "victim", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("expected login after lockout window, got %v", err)
	}

	// Success reset the counter: a single new failure must not re-lock.
	if _, _, err := svc.Login(ctx, "victim", "Wr0ngPass!", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "victim", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("one failure after reset must not lock: %v", err)
	}
}

func TestRelockAfterLapsedWindow(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "repeat", RoleNurse)

	for i := 0; i < DefaultMaxFailedAttempts; i++ {
		svc.Login(ctx, "repeat", "Wr0ngPass!", RequestMeta{})
	}
	if n := countEvents(store.SecurityEventLog(), EventAccountLocked); n != 1 {
		t.Fatalf("expected 1 ACCOUNT_LOCKED event, got %d", n)
	}

	// The window lapses without a successful login, so the counter is still
	// at threshold. The next failure re-locks and is reported again.
	clock.Advance(DefaultLockoutDuration + time.Second)
	if _, _, err := svc.Login(ctx, "repeat", "Wr0ngPass!", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if n := countEvents(store.SecurityEventLog(), EventAccountLocked); n != 2 {
		t.Fatalf("expected a second ACCOUNT_LOCKED event on re-lock, got %d", n)
	}
	if _, _, err := svc.Login(ctx, "repeat", testPassword, RequestMeta{}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked after re-lock, got %v", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, svc, "gone", RolePatient)

	stored, _ := store.Users(ctx).Find(ctx, user.ID)
	stored.Active = false
	if err := store.Users(ctx).Create(ctx, stored); err != nil {
		t.Fatalf("update user: %v", err)
	}

	if _, _, err := svc.Login(ctx, "gone", testPassword, RequestMeta{}); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestAuthenticateLifecycle(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "clin1", RoleNurse)

	pair, _, err := svc.Login(ctx, "clin1", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	user, session, err := svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Username != "clin1" {
		t.Fatalf("unexpected user: %s", user.Username)
	}
	if !session.LastActivity.Equal(clock.Now().UTC()) {
		t.Fatalf("activity not touched: %v", session.LastActivity)
	}

	// Shorten the absolute expiry so it falls due while the signed token is
	// still valid; activity touches must not extend it.
	store.mu.Lock()
	for _, sess := range store.sessions {
		sess.ExpiresAt = clock.Now().Add(10 * time.Minute)
	}
	store.mu.Unlock()

	clock.Advance(10*time.Minute - time.Second)
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Authenticate just before expiry: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired just past expiry, got %v", err)
	}
	// The expiry flip is terminal: the session stays unusable.
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after deactivation, got %v", err)
	}
}

func TestAuthenticateIdleTimeout(t *testing.T) {
	svc, _, clock := newTestService(t, WithIdleTimeout(10*time.Minute))
	ctx := context.Background()
	seedUser(t, svc, "idler", RoleDoctor)

	pair, _, err := svc.Login(ctx, "idler", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	clock.Advance(10*time.Minute - time.Second)
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Authenticate inside idle window: %v", err)
	}
	clock.Advance(10*time.Minute + time.Second)
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionIdle) {
		t.Fatalf("expected ErrSessionIdle, got %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle flip must be terminal, got %v", err)
	}
}

func TestAuthenticateRejectsGarbageToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, _, err := svc.Authenticate(context.Background(), "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "leaver", RoleNurse)

	pair, user, err := svc.Login(ctx, "leaver", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, pair.AccessToken, user, RequestMeta{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoked session must not authenticate, got %v", err)
	}
	if err := svc.Logout(ctx, pair.AccessToken, user, RequestMeta{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("double logout: %v", err)
	}
	if n := countAudit(store.AuditEntries(), ActionLogout); n != 1 {
		t.Fatalf("expected 1 LOGOUT audit entry, got %d", n)
	}
}

func TestRefreshTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "refresher", RoleDoctor)

	pair, _, err := svc.Login(ctx, "refresher", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// An access token is never accepted at the refresh endpoint.
	if _, err := svc.RefreshTokens(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token as refresh: %v", err)
	}

	next, err := svc.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if next.AccessToken == pair.AccessToken || next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same tokens")
	}

	// The session rotated in place: old tokens are dead, new ones live.
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old access token after rotation: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, next.AccessToken); err != nil {
		t.Fatalf("new access token: %v", err)
	}
	if _, err := svc.RefreshTokens(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old refresh token after rotation: %v", err)
	}
}

func TestRefreshAfterRevocation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "revoked", RoleDoctor)

	pair, user, err := svc.Login(ctx, "revoked", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, pair.AccessToken, user, RequestMeta{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.RefreshTokens(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("refresh must not resurrect a revoked session, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "rotator", RoleNurse)

	pair, user, err := svc.Login(ctx, "rotator", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.ChangePassword(ctx, user, "Wr0ngPass!", "NextPass1!", RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong old password: %v", err)
	}
	if err := svc.ChangePassword(ctx, user, testPassword, "weak", RequestMeta{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("weak new password: %v", err)
	}
	if err := svc.ChangePassword(ctx, user, testPassword, "NextPass1!", RequestMeta{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// Every session dies with the old password.
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session must be revoked after password change, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "rotator", testPassword, RequestMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "rotator", "NextPass1!", RequestMeta{}); err != nil {
		t.Fatalf("new password: %v", err)
	}
	if n := countAudit(store.AuditEntries(), ActionPasswordChange); n != 1 {
		t.Fatalf("expected 1 PASSWORD_CHANGE audit entry, got %d", n)
	}
}

func TestBreakGlass(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	medic := seedUser(t, svc, "medic", RoleEmergency)
	doctor := seedUser(t, svc, "doc", RoleDoctor)

	// Only the EMERGENCY role may invoke the override.
	if _, err := svc.BreakGlass(ctx, doctor, BreakGlassInput{
		PatientID: "pat-1", Justification: "patient is coding now",
	}, RequestMeta{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("doctor break-glass: %v", err)
	}

	// A nine-character justification is refused and writes nothing.
	if _, err := svc.BreakGlass(ctx, medic, BreakGlassInput{
		PatientID: "pat-1", Justification: "  too tiny  ",
	}, RequestMeta{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("short justification: %v", err)
	}
	if _, err := svc.BreakGlass(ctx, medic, BreakGlassInput{
		Justification: "cardiac arrest in ER bay 3",
	}, RequestMeta{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing patient: %v", err)
	}
	if len(store.BreakGlassRecords()) != 0 {
		t.Fatal("rejected requests must write nothing")
	}
	if n := countAudit(store.AuditEntries(), ActionBreakGlass); n != 0 {
		t.Fatalf("rejected requests must not audit, got %d entries", n)
	}

	access, err := svc.BreakGlass(ctx, medic, BreakGlassInput{
		PatientID: "pat-1", Justification: "cardiac arrest in ER bay 3",
	}, RequestMeta{IPAddress: "10.0.0.9"})
	if err != nil {
		t.Fatalf("BreakGlass: %v", err)
	}
	if access.Reviewed {
		t.Fatal("new access must be unreviewed")
	}
	if got := store.BreakGlassRecords(); len(got) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(got))
	}
	if n := countAudit(store.AuditEntries(), ActionBreakGlass); n != 1 {
		t.Fatalf("expected exactly 1 BREAK_GLASS_ACCESS audit entry, got %d", n)
	}
}

func TestReviewBreakGlass(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	medic := seedUser(t, svc, "medic2", RoleEmergency)
	admin := seedUser(t, svc, "chief", RoleAdmin)
	nurse := seedUser(t, svc, "nurse2", RoleNurse)

	access, err := svc.BreakGlass(ctx, medic, BreakGlassInput{
		PatientID: "pat-7", Justification: "unconscious patient, unknown allergies",
	}, RequestMeta{})
	if err != nil {
		t.Fatalf("BreakGlass: %v", err)
	}

	if _, err := svc.ReviewBreakGlass(ctx, nurse, access.ID, true, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("nurse review: %v", err)
	}
	if _, err := svc.ReviewBreakGlass(ctx, medic, access.ID, true, ""); err == nil {
		t.Fatal("actor must not review their own access")
	}

	reviewed, err := svc.ReviewBreakGlass(ctx, admin, access.ID, true, "confirmed with ER attending")
	if err != nil {
		t.Fatalf("ReviewBreakGlass: %v", err)
	}
	if !reviewed.Reviewed || reviewed.Approved == nil || !*reviewed.Approved {
		t.Fatalf("unexpected review state: %+v", reviewed)
	}

	// The review is append-once.
	if _, err := svc.ReviewBreakGlass(ctx, admin, access.ID, false, "second thoughts"); !errors.Is(err, ErrValidation) {
		t.Fatalf("double review: %v", err)
	}
}

func TestLoginFailsWhenAuditWriteFails(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, svc, "audited", RoleDoctor)

	store.FailWrites(true)
	if _, _, err := svc.Login(ctx, "audited", testPassword, RequestMeta{}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("login without audit trail must fail, got %v", err)
	}

	store.FailWrites(false)
	pair, _, err := svc.Login(ctx, "audited", testPassword, RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestSessionsAndRevokeOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := seedUser(t, svc, "alice", RoleDoctor)
	bob := seedUser(t, svc, "bob", RoleDoctor)

	if _, _, err := svc.Login(ctx, "alice", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := svc.Login(ctx, "bob", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	sessions, err := svc.Sessions(ctx, alice)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	// Bob cannot revoke Alice's session, and cannot learn it exists.
	if err := svc.RevokeSession(ctx, bob, sessions[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user revoke: %v", err)
	}
	if err := svc.RevokeSession(ctx, alice, sessions[0].ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	remaining, err := svc.Sessions(ctx, alice)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no sessions, got %d", len(remaining))
	}
}

func TestAuditLogsScoping(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := seedUser(t, svc, "root", RoleAdmin)
	doc := seedUser(t, svc, "scoped", RoleDoctor)

	if _, _, err := svc.Login(ctx, "root", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := svc.Login(ctx, "scoped", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	own, err := svc.AuditLogs(ctx, doc, AuditFilter{ActorUserID: admin.ID})
	if err != nil {
		t.Fatalf("AuditLogs: %v", err)
	}
	for _, e := range own {
		if e.ActorUserID != doc.ID {
			t.Fatalf("non-admin saw a foreign entry: %+v", e)
		}
	}

	all, err := svc.AuditLogs(ctx, admin, AuditFilter{})
	if err != nil {
		t.Fatalf("AuditLogs: %v", err)
	}
	if len(all) <= len(own) {
		t.Fatalf("admin should see more entries: %d vs %d", len(all), len(own))
	}
}

func TestSecurityEventsAdminOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := seedUser(t, svc, "sec-admin", RoleAdmin)
	doc := seedUser(t, svc, "sec-doc", RoleDoctor)

	if _, err := svc.SecurityEventList(ctx, doc, 10); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("doctor listing events: %v", err)
	}
	events, err := svc.SecurityEventList(ctx, admin, 10)
	if err != nil {
		t.Fatalf("SecurityEventList: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected registration events")
	}

	if err := svc.ResolveSecurityEvent(ctx, doc, events[0].ID, "noted"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("doctor resolving: %v", err)
	}
	if err := svc.ResolveSecurityEvent(ctx, admin, events[0].ID, "reviewed, benign"); err != nil {
		t.Fatalf("ResolveSecurityEvent: %v", err)
	}
	if err := svc.ResolveSecurityEvent(ctx, admin, events[0].ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double resolve: %v", err)
	}
}

func TestStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := seedUser(t, svc, "stat-admin", RoleAdmin)
	doc := seedUser(t, svc, "stat-doc", RoleDoctor)

	if _, _, err := svc.Login(ctx, "stat-doc", testPassword, RequestMeta{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := svc.Login(ctx, "stat-doc", "Wr0ngPass!", RequestMeta{}); err == nil {
		t.Fatal("expected failure")
	}

	if _, err := svc.Stats(ctx, doc); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("doctor stats: %v", err)
	}
	stats, err := svc.Stats(ctx, admin)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalUsers != 2 {
		t.Errorf("TotalUsers = %d", stats.TotalUsers)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d", stats.ActiveSessions)
	}
	if stats.FailedLogins24h != 1 {
		t.Errorf("FailedLogins24h = %d", stats.FailedLogins24h)
	}
	if stats.TotalAuditEntries == 0 {
		t.Error("TotalAuditEntries = 0")
	}
}

func TestConsentLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := seedUser(t, svc, "consent-admin", RoleAdmin)

	consent, err := svc.GrantConsent(ctx, admin, ConsentInput{
		PatientID:     "pat-22",
		ConsentType:   "TREATMENT",
		Granted:       true,
		GrantedToRole: RoleDoctor,
	})
	if err != nil {
		t.Fatalf("GrantConsent: %v", err)
	}
	if consent.GrantedAt == nil {
		t.Fatal("granted_at not stamped")
	}
	if _, err := svc.GrantConsent(ctx, admin, ConsentInput{PatientID: "pat-22"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing consent type: %v", err)
	}

	listed, err := svc.PatientConsents(ctx, "pat-22")
	if err != nil {
		t.Fatalf("PatientConsents: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 consent, got %d", len(listed))
	}

	if err := svc.RevokeConsent(ctx, consent.ID); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	if err := svc.RevokeConsent(ctx, consent.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double revoke: %v", err)
	}
}

func TestPrepareRecordDecryptThenMask(t *testing.T) {
	cipher, err := NewFieldCipher(testKey(9))
	if err != nil {
		t.Fatalf("NewFieldCipher: %v", err)
	}
	svc, _, _ := newTestService(t, WithFieldCipher(cipher))

	encSSN, err := cipher.EncryptField("123-45-6789")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	record := map[string]any{"ssn": encSSN, "name": "Jane Roe"}

	nurseView := svc.PrepareRecord(record, RoleNurse, []string{"ssn"})
	if nurseView["ssn"] != "***-**-6789" {
		t.Fatalf("nurse view ssn = %v", nurseView["ssn"])
	}

	doctorView := svc.PrepareRecord(record, RoleDoctor, []string{"ssn"})
	if doctorView["ssn"] != "123-45-6789" {
		t.Fatalf("doctor view ssn = %v", doctorView["ssn"])
	}

	if record["ssn"] != encSSN {
		t.Fatal("stored record was modified")
	}
}
