package lti

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType classifies security-relevant occurrences.
type SecurityEventType string

const (
	EventNonceReuse       SecurityEventType = "nonce_reuse"
	EventInvalidState     SecurityEventType = "invalid_state"
	EventInvalidSignature SecurityEventType = "invalid_signature"
	EventExpiredToken     SecurityEventType = "expired_token"
	EventCorruptPayload   SecurityEventType = "corrupt_payload"
	EventRateLimited      SecurityEventType = "rate_limit_exceeded"
)

// Severity grades a security event for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an append-only record of a notable security occurrence.
// Only resolution fields may change after creation.
type SecurityEvent struct {
	ID          string
	Type        SecurityEventType
	Severity    Severity
	UserID      string
	IPAddress   string
	UserAgent   string
	Description string
	Details     map[string]any
	CreatedAt   time.Time
	Resolved    bool
	ResolvedAt  time.Time
	ResolvedBy  string
}

// AuditEntry records one launch attempt or maintenance action.
type AuditEntry struct {
	ID          string
	EventType   string // launch, sweep, deep_link, submission_review
	UserID      string
	ContextID   string
	Description string
	Details     map[string]any
	IPAddress   string
	UserAgent   string
	RequestPath string
	Success     bool
	CreatedAt   time.Time
}

// Recorder receives security events and audit entries as side effects of
// validation and session establishment. Implementations must not fail the
// request on sink errors; recording is best effort.
type Recorder interface {
	SecurityEvent(ctx context.Context, ev SecurityEvent)
	Audit(ctx context.Context, entry AuditEntry)
}

// NopRecorder discards everything. Useful in tests that only care about
// protocol results.
type NopRecorder struct{}

func (NopRecorder) SecurityEvent(context.Context, SecurityEvent) {}
func (NopRecorder) Audit(context.Context, AuditEntry)            {}

// SQLRecorder persists events to the audit tables and mirrors them to the
// structured log. Write errors are logged, not propagated.
type SQLRecorder struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func NewSQLRecorder(db *sql.DB, log *zap.Logger) *SQLRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLRecorder{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQLRecorder) SecurityEvent(ctx context.Context, ev SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityMedium
	}
	details, _ := json.Marshal(ev.Details)
	_, err := r.db.ExecContext(ctx, `INSERT INTO lti_security_events
		(id, event_type, severity, user_id, ip_address, user_agent, description, details, created_at, resolved)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0)`,
		ev.ID, string(ev.Type), string(ev.Severity), ev.UserID, ev.IPAddress, ev.UserAgent,
		ev.Description, string(details), ev.CreatedAt.Unix())
	if err != nil {
		r.log.Error("security event write failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
	r.log.Warn("security event",
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("user_id", ev.UserID),
		zap.String("ip", ev.IPAddress),
		zap.String("description", ev.Description),
	)
}

func (r *SQLRecorder) Audit(ctx context.Context, entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	details, _ := json.Marshal(entry.Details)
	success := 0
	if entry.Success {
		success = 1
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO lti_audit_log
		(id, event_type, user_id, context_id, description, details, ip_address, user_agent, request_path, success, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.EventType, entry.UserID, entry.ContextID, entry.Description,
		string(details), entry.IPAddress, entry.UserAgent, entry.RequestPath, success, entry.CreatedAt.Unix())
	if err != nil {
		r.log.Error("audit write failed", zap.String("event_type", entry.EventType), zap.Error(err))
	}
}

// Resolve marks a security event as handled. The record itself is otherwise
// immutable.
func (r *SQLRecorder) Resolve(ctx context.Context, eventID, resolvedBy string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE lti_security_events
		SET resolved = 1, resolved_at = $1, resolved_by = $2
		WHERE id = $3 AND resolved = 0`,
		r.now().Unix(), resolvedBy, eventID)
	return err
}
