package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:canvasops.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/canvasops?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_platforms (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL DEFAULT '',
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  auth_login_url TEXT NOT NULL,
  auth_token_url TEXT NOT NULL DEFAULT '',
  key_set_url TEXT NOT NULL,
  deployment_ids TEXT NOT NULL DEFAULT '[]', -- JSON array; empty allows any
  active INTEGER NOT NULL DEFAULT 1,
  last_used INTEGER,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  platform_id INTEGER NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  deployment_id TEXT NOT NULL,
  context_id TEXT NOT NULL DEFAULT '',
  context_title TEXT NOT NULL DEFAULT '',
  can_read_grades INTEGER NOT NULL DEFAULT 0,
  can_write_grades INTEGER NOT NULL DEFAULT 0,
  can_read_roster INTEGER NOT NULL DEFAULT 0,
  last_launch INTEGER NOT NULL DEFAULT 0,
  total_launches INTEGER NOT NULL DEFAULT 0,
  UNIQUE (platform_id, deployment_id, context_id)
);

CREATE TABLE IF NOT EXISTS lti_sessions (
  session_key TEXT PRIMARY KEY,
  launch_id TEXT NOT NULL UNIQUE,
  platform_id INTEGER NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  deployment_id INTEGER NOT NULL REFERENCES lti_deployments(id) ON DELETE CASCADE,
  subject TEXT NOT NULL,
  roles TEXT NOT NULL DEFAULT '[]',
  context_id TEXT NOT NULL DEFAULT '',
  context_title TEXT NOT NULL DEFAULT '',
  resource_link_id TEXT NOT NULL DEFAULT '',
  message_type TEXT NOT NULL,
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  nonce_used TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  expires_at INTEGER NOT NULL,
  last_activity INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_sessions_expires ON lti_sessions(expires_at);

CREATE TABLE IF NOT EXISTS lti_nonces (
  hash TEXT PRIMARY KEY,          -- sha256 of the nonce value
  issued_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL,
  consumed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_lti_nonces_expires ON lti_nonces(expires_at);

CREATE TABLE IF NOT EXISTS lti_oidc_states (
  hash TEXT PRIMARY KEY,          -- sha256 of the state value
  record TEXT NOT NULL,           -- JSON StateRecord
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_states_expires ON lti_oidc_states(expires_at);

CREATE TABLE IF NOT EXISTS lti_launch_data (
  key TEXT PRIMARY KEY,
  envelope TEXT NOT NULL,         -- JSON: versioned AES-GCM envelope
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_launch_expires ON lti_launch_data(expires_at);

CREATE TABLE IF NOT EXISTS lti_security_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  severity TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  resolved INTEGER NOT NULL DEFAULT 0,
  resolved_at INTEGER,
  resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_lti_events_type ON lti_security_events(event_type, created_at);

CREATE TABLE IF NOT EXISTS lti_audit_log (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  context_id TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '{}',
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  request_path TEXT NOT NULL DEFAULT '',
  success INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_audit_created ON lti_audit_log(created_at);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  auth_login_url TEXT NOT NULL,
  auth_token_url TEXT NOT NULL DEFAULT '',
  key_set_url TEXT NOT NULL,
  deployment_ids TEXT NOT NULL DEFAULT '[]',
  active INTEGER NOT NULL DEFAULT 1,
  last_used BIGINT,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  id BIGSERIAL PRIMARY KEY,
  platform_id BIGINT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  deployment_id TEXT NOT NULL,
  context_id TEXT NOT NULL DEFAULT '',
  context_title TEXT NOT NULL DEFAULT '',
  can_read_grades INTEGER NOT NULL DEFAULT 0,
  can_write_grades INTEGER NOT NULL DEFAULT 0,
  can_read_roster INTEGER NOT NULL DEFAULT 0,
  last_launch BIGINT NOT NULL DEFAULT 0,
  total_launches BIGINT NOT NULL DEFAULT 0,
  UNIQUE (platform_id, deployment_id, context_id)
);

CREATE TABLE IF NOT EXISTS lti_sessions (
  session_key TEXT PRIMARY KEY,
  launch_id TEXT NOT NULL UNIQUE,
  platform_id BIGINT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  deployment_id BIGINT NOT NULL REFERENCES lti_deployments(id) ON DELETE CASCADE,
  subject TEXT NOT NULL,
  roles TEXT NOT NULL DEFAULT '[]',
  context_id TEXT NOT NULL DEFAULT '',
  context_title TEXT NOT NULL DEFAULT '',
  resource_link_id TEXT NOT NULL DEFAULT '',
  message_type TEXT NOT NULL,
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  nonce_used TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  expires_at BIGINT NOT NULL,
  last_activity BIGINT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_sessions_expires ON lti_sessions(expires_at);

CREATE TABLE IF NOT EXISTS lti_nonces (
  hash TEXT PRIMARY KEY,
  issued_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL,
  consumed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_lti_nonces_expires ON lti_nonces(expires_at);

CREATE TABLE IF NOT EXISTS lti_oidc_states (
  hash TEXT PRIMARY KEY,
  record TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_states_expires ON lti_oidc_states(expires_at);

CREATE TABLE IF NOT EXISTS lti_launch_data (
  key TEXT PRIMARY KEY,
  envelope TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_launch_expires ON lti_launch_data(expires_at);

CREATE TABLE IF NOT EXISTS lti_security_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  severity TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '{}',
  created_at BIGINT NOT NULL,
  resolved INTEGER NOT NULL DEFAULT 0,
  resolved_at BIGINT,
  resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_lti_events_type ON lti_security_events(event_type, created_at);

CREATE TABLE IF NOT EXISTS lti_audit_log (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  context_id TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '{}',
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  request_path TEXT NOT NULL DEFAULT '',
  success INTEGER NOT NULL DEFAULT 1,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_audit_created ON lti_audit_log(created_at);
`
