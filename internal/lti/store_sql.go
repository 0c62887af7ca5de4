package lti

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

/*
Relational store for platform registrations, deployments, and launch sessions.

Platforms are registered once and soft-deactivated, never deleted, because
sessions reference them. Deployments are created lazily on the first launch
from a new deployment id and carry usage counters. Sessions hold the live
correlation state for one authenticated launch.
*/

// Platform is a trusted LTI issuer (one Canvas instance + client registration).
// (issuer, client_id) is unique.
type Platform struct {
	ID            int64
	Name          string
	Issuer        string
	ClientID      string
	AuthLoginURL  string
	AuthTokenURL  string
	KeySetURL     string
	DeploymentIDs []string // allowlist; empty means any
	Active        bool
	LastUsed      time.Time
}

// AllowsDeployment reports whether the deployment id passes the allowlist.
func (p Platform) AllowsDeployment(id string) bool {
	if len(p.DeploymentIDs) == 0 {
		return true
	}
	for _, d := range p.DeploymentIDs {
		if d == id {
			return true
		}
	}
	return false
}

// Deployment binds a platform to one consuming context (a course).
type Deployment struct {
	ID             int64
	PlatformID     int64
	DeploymentID   string
	ContextID      string
	ContextTitle   string
	CanReadGrades  bool
	CanWriteGrades bool
	CanReadRoster  bool
	LastLaunch     time.Time
	TotalLaunches  int64
}

// LaunchSession is the correlation record for one authenticated launch.
type LaunchSession struct {
	SessionKey     string
	LaunchID       string
	PlatformID     int64
	DeploymentID   int64
	Subject        string
	Roles          []string
	ContextID      string
	ContextTitle   string
	ResourceLinkID string
	MessageType    string
	IPAddress      string
	UserAgent      string
	NonceUsed      string // hashed
	Active         bool
	ExpiresAt      time.Time
	LastActivity   time.Time
	CreatedAt      time.Time
}

// Expired reports whether the session is past its expiry.
func (s LaunchSession) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// SQLStore persists platforms, deployments, and sessions.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
}

/* -------------------------------- platforms --------------------------------- */

// SavePlatform inserts or updates a registration keyed by (issuer, client_id).
func (s *SQLStore) SavePlatform(ctx context.Context, p Platform) error {
	deployments, err := json.Marshal(p.DeploymentIDs)
	if err != nil {
		return err
	}
	active := 0
	if p.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO lti_platforms
		(name, issuer, client_id, auth_login_url, auth_token_url, key_set_url, deployment_ids, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (issuer, client_id) DO UPDATE SET
			name=EXCLUDED.name, auth_login_url=EXCLUDED.auth_login_url,
			auth_token_url=EXCLUDED.auth_token_url, key_set_url=EXCLUDED.key_set_url,
			deployment_ids=EXCLUDED.deployment_ids, active=EXCLUDED.active`,
		p.Name, p.Issuer, p.ClientID, p.AuthLoginURL, p.AuthTokenURL, p.KeySetURL, string(deployments), active)
	return err
}

// PlatformByIssuer resolves a login hint to a registration. clientID may be
// empty when the initiation request does not carry one; issuer alone must
// then be unambiguous.
func (s *SQLStore) PlatformByIssuer(ctx context.Context, issuer, clientID string) (Platform, error) {
	query := `SELECT id, name, issuer, client_id, auth_login_url, auth_token_url, key_set_url, deployment_ids, active
		FROM lti_platforms WHERE issuer = $1 AND active = 1`
	args := []any{issuer}
	if clientID != "" {
		query += ` AND client_id = $2`
		args = append(args, clientID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	var p Platform
	var deployments string
	var active int
	err := row.Scan(&p.ID, &p.Name, &p.Issuer, &p.ClientID, &p.AuthLoginURL,
		&p.AuthTokenURL, &p.KeySetURL, &deployments, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Platform{}, ErrPlatformNotFound
	}
	if err != nil {
		return Platform{}, err
	}
	p.Active = active == 1
	if deployments != "" {
		if err := json.Unmarshal([]byte(deployments), &p.DeploymentIDs); err != nil {
			return Platform{}, err
		}
	}
	return p, nil
}

// DeactivatePlatform soft-deletes a registration. Existing sessions keep
// their platform reference.
func (s *SQLStore) DeactivatePlatform(ctx context.Context, issuer, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lti_platforms SET active = 0 WHERE issuer = $1 AND client_id = $2`, issuer, clientID)
	return err
}

// TouchPlatform records last use.
func (s *SQLStore) TouchPlatform(ctx context.Context, platformID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lti_platforms SET last_used = $1 WHERE id = $2`, s.now().Unix(), platformID)
	return err
}

/* ------------------------------- deployments -------------------------------- */

// EnsureDeployment creates the deployment row on first launch and bumps its
// usage counters on every launch.
func (s *SQLStore) EnsureDeployment(ctx context.Context, platformID int64, deploymentID, contextID, contextTitle string) (Deployment, error) {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO lti_deployments
		(platform_id, deployment_id, context_id, context_title, last_launch, total_launches)
		VALUES ($1,$2,$3,$4,$5,1)
		ON CONFLICT (platform_id, deployment_id, context_id) DO UPDATE SET
			context_title=EXCLUDED.context_title,
			last_launch=EXCLUDED.last_launch,
			total_launches=lti_deployments.total_launches+1`,
		platformID, deploymentID, contextID, contextTitle, now)
	if err != nil {
		return Deployment{}, err
	}
	return s.getDeployment(ctx, platformID, deploymentID, contextID)
}

func (s *SQLStore) getDeployment(ctx context.Context, platformID int64, deploymentID, contextID string) (Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, platform_id, deployment_id, context_id, context_title,
		can_read_grades, can_write_grades, can_read_roster, last_launch, total_launches
		FROM lti_deployments WHERE platform_id=$1 AND deployment_id=$2 AND context_id=$3`,
		platformID, deploymentID, contextID)
	var d Deployment
	var rg, wg, rr int
	var lastLaunch int64
	if err := row.Scan(&d.ID, &d.PlatformID, &d.DeploymentID, &d.ContextID, &d.ContextTitle,
		&rg, &wg, &rr, &lastLaunch, &d.TotalLaunches); err != nil {
		return Deployment{}, err
	}
	d.CanReadGrades, d.CanWriteGrades, d.CanReadRoster = rg == 1, wg == 1, rr == 1
	d.LastLaunch = time.Unix(lastLaunch, 0).UTC()
	return d, nil
}

/* --------------------------------- sessions --------------------------------- */

// CreateSession inserts the row for a freshly validated launch. A key or
// launch-id collision returns ErrDuplicateSession.
func (s *SQLStore) CreateSession(ctx context.Context, sess LaunchSession) error {
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return err
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO lti_sessions
		(session_key, launch_id, platform_id, deployment_id, subject, roles, context_id, context_title,
		 resource_link_id, message_type, ip_address, user_agent, nonce_used, active, expires_at, last_activity, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$15,$16)`,
		sess.SessionKey, sess.LaunchID, sess.PlatformID, sess.DeploymentID, sess.Subject, string(roles),
		sess.ContextID, sess.ContextTitle, sess.ResourceLinkID, sess.MessageType,
		sess.IPAddress, sess.UserAgent, sess.NonceUsed,
		sess.ExpiresAt.Unix(), sess.LastActivity.Unix(), sess.CreatedAt.Unix())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateSession
	}
	return err
}

// GetSession loads an active, unexpired session by key.
func (s *SQLStore) GetSession(ctx context.Context, sessionKey string) (LaunchSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_key, launch_id, platform_id, deployment_id, subject,
		roles, context_id, context_title, resource_link_id, message_type, ip_address, user_agent,
		nonce_used, active, expires_at, last_activity, created_at
		FROM lti_sessions WHERE session_key = $1`, sessionKey)
	var sess LaunchSession
	var roles string
	var active int
	var expiresAt, lastActivity, createdAt int64
	err := row.Scan(&sess.SessionKey, &sess.LaunchID, &sess.PlatformID, &sess.DeploymentID, &sess.Subject,
		&roles, &sess.ContextID, &sess.ContextTitle, &sess.ResourceLinkID, &sess.MessageType,
		&sess.IPAddress, &sess.UserAgent, &sess.NonceUsed, &active, &expiresAt, &lastActivity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LaunchSession{}, ErrNotFound
	}
	if err != nil {
		return LaunchSession{}, err
	}
	if roles != "" {
		if err := json.Unmarshal([]byte(roles), &sess.Roles); err != nil {
			return LaunchSession{}, err
		}
	}
	sess.Active = active == 1
	sess.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	sess.LastActivity = time.Unix(lastActivity, 0).UTC()
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	if !sess.Active || sess.Expired(s.now()) {
		return LaunchSession{}, ErrNotFound
	}
	return sess, nil
}

// TouchSession refreshes last activity and extends expiry forward. The expiry
// is monotonic: a touch never brings it closer.
func (s *SQLStore) TouchSession(ctx context.Context, sessionKey string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE lti_sessions
		SET last_activity = $1,
		    expires_at = CASE WHEN expires_at < $2 THEN $2 ELSE expires_at END
		WHERE session_key = $3 AND active = 1`,
		s.now().Unix(), newExpiry.Unix(), sessionKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateSession deactivates a session. Invalidated sessions are never
// reused; the sweep removes them.
func (s *SQLStore) InvalidateSession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lti_sessions SET active = 0 WHERE session_key = $1`, sessionKey)
	return err
}

// PurgeExpiredSessions removes expired and invalidated sessions.
func (s *SQLStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lti_sessions WHERE expires_at <= $1 OR active = 0`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isUniqueViolation matches the constraint errors of both supported drivers
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
