package auth

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"carevault.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore         { return &userStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore   { return &sessionStore{db: s.db} }
func (s *PGStore) Audit(context.Context) AuditStore        { return &auditStore{db: s.db} }
func (s *PGStore) SecurityEvents(context.Context) SecurityEventStore {
	return &securityEventStore{db: s.db}
}
func (s *PGStore) BreakGlass(context.Context) BreakGlassStore { return &breakGlassStore{db: s.db} }
func (s *PGStore) Consents(context.Context) ConsentStore      { return &consentStore{db: s.db} }

// CreateSessionLogged writes the session row and the login audit entry in one
// transaction so a login is never granted without its audit trail.
func (s *PGStore) CreateSessionLogged(ctx context.Context, sess *Session, entry *AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertSessionSQL,
		sess.ID, sess.UserID, sess.Token, sess.RefreshToken, sess.IPAddress, sess.UserAgent,
		sess.CreatedAt, sess.ExpiresAt, sess.LastActivity, sess.Active, sess.Revoked,
	); err != nil {
		return err
	}
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateBreakGlassLogged writes the break-glass record and its audit entry in
// one transaction: both rows or neither.
func (s *PGStore) CreateBreakGlassLogged(ctx context.Context, bg *BreakGlassAccess, entry *AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if bg.ID == "" {
		bg.ID = ids.New()
	}
	if _, err := tx.ExecContext(ctx,
		`insert into break_glass_access(id, user_id, patient_id, justification, emergency_type, ip_address, session_id, occurred_at, reviewed)
		 values($1,$2,$3,$4,$5,$6,$7,$8,false)`,
		bg.ID, bg.UserID, bg.PatientID, bg.Justification, bg.EmergencyType, bg.IPAddress, bg.SessionID, bg.OccurredAt,
	); err != nil {
		return err
	}
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

const insertSessionSQL = `insert into sessions(id, user_id, token, refresh_token, ip_address, user_agent, created_at, expires_at, last_activity, active, revoked)
 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

const insertAuditSQL = `insert into audit_logs(id, actor_user_id, patient_id, action, resource_type, resource_id, status, ip_address, user_agent, session_id, justification, fields_read, occurred_at)
 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendAuditTx(ctx context.Context, db execer, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	_, err := db.ExecContext(ctx, insertAuditSQL,
		entry.ID, entry.ActorUserID, nullStr(entry.PatientID), entry.Action, entry.ResourceType,
		entry.ResourceID, entry.Status, nullStr(entry.IPAddress), nullStr(entry.UserAgent),
		nullStr(entry.SessionID), nullStr(entry.Justification), joinFields(entry.FieldsRead), entry.OccurredAt,
	)
	return err
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, full_name, role, department, active, verified,
 failed_login_attempts, locked_until, last_login, password_changed_at, created_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, email, password_hash, full_name, role, department, active, verified, failed_login_attempts, password_changed_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FullName, string(u.Role), nullStr(u.Department),
		u.Active, u.Verified, u.PasswordChangedAt, u.CreatedAt,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return s.findBy(ctx, "id", id)
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.findBy(ctx, "username", username)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findBy(ctx, "email", email)
}

func (s *userStore) findBy(ctx context.Context, column, value string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where `+column+`=$1`, value)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u          User
		role       string
		department sql.NullString
		lockedTil  sql.NullTime
		lastLogin  sql.NullTime
		pwChanged  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FullName, &role, &department,
		&u.Active, &u.Verified, &u.FailedLoginAttempts, &lockedTil, &lastLogin, &pwChanged, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = Role(role)
	u.Department = department.String
	if lockedTil.Valid {
		t := lockedTil.Time
		u.LockedUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	if pwChanged.Valid {
		t := pwChanged.Time
		u.PasswordChangedAt = &t
	}
	return &u, nil
}

// RecordLoginFailure performs the increment-and-compare in a single update so
// concurrent failures for one user cannot lose increments or overshoot the
// lockout threshold.
func (s *userStore) RecordLoginFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`update users
		 set failed_login_attempts = failed_login_attempts + 1,
		     locked_until = case when failed_login_attempts + 1 >= $2 then $3 else locked_until end
		 where id = $1
		 returning failed_login_attempts, locked_until`,
		userID, threshold, now.Add(lockFor),
	)
	var (
		attempts  int
		lockedTil sql.NullTime
	)
	if err := row.Scan(&attempts, &lockedTil); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	if lockedTil.Valid {
		t := lockedTil.Time
		return attempts, &t, nil
	}
	return attempts, nil, nil
}

func (s *userStore) RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set failed_login_attempts = 0, locked_until = null, last_login = $2 where id = $1`,
		userID, now,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash = $2, password_changed_at = $3 where id = $1`,
		userID, passwordHash, now,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) Count(ctx context.Context) (int, error) {
	return countQuery(ctx, s.db, `select count(*) from users`)
}

// Session store ------------------------------------------------------------

type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, token, refresh_token, ip_address, user_agent, created_at, expires_at, last_activity, active, revoked, revoked_at`

func (s *sessionStore) Find(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1`, id)
	return scanSession(row)
}

func (s *sessionStore) FindLive(ctx context.Context, token, userID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where token=$1 and user_id=$2 and active and not revoked`,
		token, userID)
	return scanSession(row)
}

func (s *sessionStore) FindLiveByRefreshToken(ctx context.Context, refreshToken, userID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where refresh_token=$1 and user_id=$2 and active and not revoked`,
		refreshToken, userID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess      Session
		ip, agent sql.NullString
		revokedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.RefreshToken, &ip, &agent,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity, &sess.Active, &sess.Revoked, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.IPAddress = ip.String
	sess.UserAgent = agent.String
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	return &sess, nil
}

func (s *sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set last_activity = $2 where id = $1`, id, at)
	return err
}

func (s *sessionStore) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set active = false where id = $1`, id)
	return err
}

func (s *sessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set active = false, revoked = true, revoked_at = $2 where id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set active = false, revoked = true, revoked_at = $2
		 where user_id = $1 and not revoked`, userID, at)
	return err
}

func (s *sessionStore) Rotate(ctx context.Context, id, token, refreshToken string, expiresAt, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set token = $2, refresh_token = $3, expires_at = $4, last_activity = $5
		 where id = $1 and active and not revoked`,
		id, token, refreshToken, expiresAt, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sessionStore) ListActiveForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions
		 where user_id=$1 and active and not revoked order by created_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			ip, agent sql.NullString
			revokedAt sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.RefreshToken, &ip, &agent,
			&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity, &sess.Active, &sess.Revoked, &revokedAt); err != nil {
			return nil, err
		}
		sess.IPAddress = ip.String
		sess.UserAgent = agent.String
		if revokedAt.Valid {
			t := revokedAt.Time
			sess.RevokedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	return countQuery(ctx, s.db,
		`select count(*) from sessions where active and not revoked and expires_at > $1`, now)
}

// Audit store --------------------------------------------------------------

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, entry *AuditEntry) error {
	return appendAuditTx(ctx, s.db, entry)
}

func (s *auditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	query := `select id, actor_user_id, patient_id, action, resource_type, resource_id, status,
	 ip_address, user_agent, session_id, justification, fields_read, occurred_at from audit_logs`
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, clause+placeholder(len(args)))
	}
	if filter.ActorUserID != "" {
		add("actor_user_id=", filter.ActorUserID)
	}
	if filter.PatientID != "" {
		add("patient_id=", filter.PatientID)
	}
	if !filter.Since.IsZero() {
		add("occurred_at>=", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("occurred_at<", filter.Until)
	}
	if len(clauses) > 0 {
		query += " where " + joinClauses(clauses)
	}
	query += " order by occurred_at desc"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " limit " + placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e                                      AuditEntry
			patient, ip, agent, session, just, fld sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorUserID, &patient, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Status, &ip, &agent, &session, &just, &fld, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.PatientID = patient.String
		e.IPAddress = ip.String
		e.UserAgent = agent.String
		e.SessionID = session.String
		e.Justification = just.String
		e.FieldsRead = splitFields(fld.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *auditStore) Count(ctx context.Context) (int, error) {
	return countQuery(ctx, s.db, `select count(*) from audit_logs`)
}

// Security-event store -----------------------------------------------------

type securityEventStore struct{ db *sql.DB }

func (s *securityEventStore) Append(ctx context.Context, event *SecurityEvent) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into security_events(id, event_type, severity, user_id, ip_address, description, occurred_at, resolved)
		 values($1,$2,$3,$4,$5,$6,$7,false)`,
		event.ID, event.EventType, event.Severity, nullStr(event.UserID), nullStr(event.IPAddress),
		event.Description, event.OccurredAt,
	)
	return err
}

func (s *securityEventStore) ListRecent(ctx context.Context, limit int) ([]SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, event_type, severity, user_id, ip_address, description, occurred_at, resolved, resolved_by, resolved_at, action_taken
		 from security_events order by occurred_at desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			e                       SecurityEvent
			userID, ip, by, actions sql.NullString
			resolvedAt              sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &userID, &ip, &e.Description,
			&e.OccurredAt, &e.Resolved, &by, &resolvedAt, &actions); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.IPAddress = ip.String
		e.ResolvedBy = by.String
		e.ActionTaken = actions.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			e.ResolvedAt = &t
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *securityEventStore) Resolve(ctx context.Context, id, resolverID, actionTaken string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update security_events set resolved = true, resolved_by = $2, resolved_at = $3, action_taken = $4
		 where id = $1 and not resolved`,
		id, resolverID, at, actionTaken)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *securityEventStore) CountSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	if eventType == "" {
		return countQuery(ctx, s.db,
			`select count(*) from security_events where occurred_at > $1`, since)
	}
	return countQuery(ctx, s.db,
		`select count(*) from security_events where event_type = $1 and occurred_at > $2`, eventType, since)
}

// Break-glass store --------------------------------------------------------

type breakGlassStore struct{ db *sql.DB }

const breakGlassColumns = `id, user_id, patient_id, justification, emergency_type, ip_address, session_id,
 occurred_at, reviewed, reviewed_by, reviewed_at, approved, review_notes`

func (s *breakGlassStore) Find(ctx context.Context, id string) (*BreakGlassAccess, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+breakGlassColumns+` from break_glass_access where id=$1`, id)
	bg, err := scanBreakGlass(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return bg, nil
}

func scanBreakGlass(scan func(dest ...any) error) (*BreakGlassAccess, error) {
	var (
		bg                  BreakGlassAccess
		emType, ip, session sql.NullString
		reviewedBy, notes   sql.NullString
		reviewedAt          sql.NullTime
		approved            sql.NullBool
	)
	err := scan(&bg.ID, &bg.UserID, &bg.PatientID, &bg.Justification, &emType, &ip, &session,
		&bg.OccurredAt, &bg.Reviewed, &reviewedBy, &reviewedAt, &approved, &notes)
	if err != nil {
		return nil, err
	}
	bg.EmergencyType = emType.String
	bg.IPAddress = ip.String
	bg.SessionID = session.String
	bg.ReviewedBy = reviewedBy.String
	bg.ReviewNotes = notes.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		bg.ReviewedAt = &t
	}
	if approved.Valid {
		b := approved.Bool
		bg.Approved = &b
	}
	return &bg, nil
}

// Review appends the review sub-record. The reviewed guard makes the write
// append-once; a second review finds no matching row.
func (s *breakGlassStore) Review(ctx context.Context, id, reviewerID string, approved bool, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update break_glass_access
		 set reviewed = true, reviewed_by = $2, reviewed_at = $3, approved = $4, review_notes = $5
		 where id = $1 and not reviewed`,
		id, reviewerID, at, approved, notes)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *breakGlassStore) ListByPatient(ctx context.Context, patientID string) ([]BreakGlassAccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+breakGlassColumns+` from break_glass_access where patient_id=$1 order by occurred_at desc`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BreakGlassAccess
	for rows.Next() {
		bg, err := scanBreakGlass(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, *bg)
	}
	return records, rows.Err()
}

func (s *breakGlassStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	return countQuery(ctx, s.db,
		`select count(*) from break_glass_access where occurred_at > $1`, since)
}

// Consent store ------------------------------------------------------------

type consentStore struct{ db *sql.DB }

func (s *consentStore) Create(ctx context.Context, c *PatientConsent) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into patient_consents(id, patient_id, consent_type, granted, granted_at, expires_at, granted_to_user_id, granted_to_role, scope, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.PatientID, c.ConsentType, c.Granted, c.GrantedAt, c.ExpiresAt,
		nullStr(c.GrantedToUserID), nullStr(string(c.GrantedToRole)), nullStr(c.Scope), c.CreatedAt,
	)
	return err
}

func (s *consentStore) ListByPatient(ctx context.Context, patientID string) ([]PatientConsent, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, patient_id, consent_type, granted, granted_at, revoked_at, expires_at, granted_to_user_id, granted_to_role, scope, created_at
		 from patient_consents where patient_id=$1 order by created_at desc`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var consents []PatientConsent
	for rows.Next() {
		var (
			c                 PatientConsent
			granted, revoked  sql.NullTime
			expires           sql.NullTime
			userID, role, scp sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.PatientID, &c.ConsentType, &c.Granted, &granted, &revoked,
			&expires, &userID, &role, &scp, &c.CreatedAt); err != nil {
			return nil, err
		}
		if granted.Valid {
			t := granted.Time
			c.GrantedAt = &t
		}
		if revoked.Valid {
			t := revoked.Time
			c.RevokedAt = &t
		}
		if expires.Valid {
			t := expires.Time
			c.ExpiresAt = &t
		}
		c.GrantedToUserID = userID.String
		c.GrantedToRole = Role(role.String)
		c.Scope = scp.String
		consents = append(consents, c)
	}
	return consents, rows.Err()
}

func (s *consentStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update patient_consents set granted = false, revoked_at = $2 where id = $1 and granted`,
		id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// helpers ------------------------------------------------------------------

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinFields(fields []string) any {
	if len(fields) == 0 {
		return nil
	}
	return strings.Join(fields, ",")
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinClauses(clauses []string) string {
	return strings.Join(clauses, " and ")
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func countQuery(ctx context.Context, db *sql.DB, query string, args ...any) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
