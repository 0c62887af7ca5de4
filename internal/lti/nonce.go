package lti

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

/*
Single-use nonce tracking for replay prevention.

A nonce is issued at login initiation, travels through the platform, and comes
back inside the id_token. Consume is the check-and-mark step: under concurrent
requests carrying the same nonce exactly one call wins, every other call gets
ConsumeAlreadyUsed, and that result is the primary replay-attack detector.

Nonces are stored hashed; the raw value never touches storage.
*/

// DefaultNonceTTL bounds how long an issued nonce stays redeemable.
const DefaultNonceTTL = 5 * time.Minute

// ConsumeResult is the outcome of a Consume call.
type ConsumeResult int

const (
	ConsumeOK ConsumeResult = iota
	// ConsumeAlreadyUsed means the nonce was redeemed before. Stores emit a
	// security event for this result.
	ConsumeAlreadyUsed
	// ConsumeExpired covers both "never issued" and "TTL elapsed"; the
	// distinction is not security relevant.
	ConsumeExpired
)

// NonceStore issues and redeems single-use nonces. maxAge further caps the
// redeemable window at Consume time: a nonce older than maxAge is expired even
// if its issue TTL has not elapsed. maxAge <= 0 means "issue TTL only".
type NonceStore interface {
	Issue(ctx context.Context, ttl time.Duration) (string, error)
	Consume(ctx context.Context, nonce string, maxAge time.Duration) (ConsumeResult, error)
}

func newNonceValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

/* ------------------------------ In-memory store ----------------------------- */

type nonceEntry struct {
	issuedAt  time.Time
	expiresAt time.Time
	used      bool
}

func (e nonceEntry) expired(now time.Time, maxAge time.Duration) bool {
	if now.After(e.expiresAt) {
		return true
	}
	return maxAge > 0 && now.After(e.issuedAt.Add(maxAge))
}

// InMemoryNonceStore is a process-local NonceStore. Safe for concurrent use;
// purges expired entries opportunistically on writes. Suitable for
// single-process deployments and tests; multi-worker deployments use the SQL
// store so the check-and-mark is shared.
type InMemoryNonceStore struct {
	mu       sync.Mutex
	entries  map[string]nonceEntry
	events   Recorder
	now      func() time.Time
	useCount uint64
	purgeN   uint64
}

func NewInMemoryNonceStore(events Recorder) *InMemoryNonceStore {
	if events == nil {
		events = NopRecorder{}
	}
	return &InMemoryNonceStore{
		entries: make(map[string]nonceEntry, 256),
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
		purgeN:  1024,
	}
}

func (s *InMemoryNonceStore) Issue(_ context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	nonce, err := newNonceValue()
	if err != nil {
		return "", err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[hashNonce(nonce)] = nonceEntry{issuedAt: now, expiresAt: now.Add(ttl)}
	return nonce, nil
}

func (s *InMemoryNonceStore) Consume(ctx context.Context, nonce string, maxAge time.Duration) (ConsumeResult, error) {
	if nonce == "" {
		return ConsumeExpired, nil
	}
	key := hashNonce(nonce)
	now := s.now()

	s.mu.Lock()
	s.useCount++
	if s.useCount%s.purgeN == 0 {
		s.purgeLocked(now)
	}
	entry, ok := s.entries[key]
	switch {
	case !ok || entry.expired(now, maxAge):
		s.mu.Unlock()
		return ConsumeExpired, nil
	case entry.used:
		s.mu.Unlock()
		s.events.SecurityEvent(ctx, SecurityEvent{
			Type:        EventNonceReuse,
			Severity:    SeverityHigh,
			Description: "nonce consumed more than once",
		})
		return ConsumeAlreadyUsed, nil
	default:
		entry.used = true
		s.entries[key] = entry
		s.mu.Unlock()
		return ConsumeOK, nil
	}
}

func (s *InMemoryNonceStore) purgeLocked(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

/* -------------------------------- SQL store --------------------------------- */

// SQLNonceStore shares nonce state across worker processes. Consume relies on
// a single conditional UPDATE so the check-and-mark is atomic in the database;
// no application-level locking is involved.
type SQLNonceStore struct {
	db     *sql.DB
	events Recorder
	now    func() time.Time
}

func NewSQLNonceStore(db *sql.DB, events Recorder) *SQLNonceStore {
	if events == nil {
		events = NopRecorder{}
	}
	return &SQLNonceStore{db: db, events: events, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLNonceStore) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	nonce, err := newNonceValue()
	if err != nil {
		return "", err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO lti_nonces (hash, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, 0)`,
		hashNonce(nonce), now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return "", err
	}
	return nonce, nil
}

func (s *SQLNonceStore) Consume(ctx context.Context, nonce string, maxAge time.Duration) (ConsumeResult, error) {
	if nonce == "" {
		return ConsumeExpired, nil
	}
	key := hashNonce(nonce)
	now := s.now().Unix()
	oldestIssue := int64(0)
	if maxAge > 0 {
		oldestIssue = now - int64(maxAge/time.Second)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE lti_nonces SET consumed = 1
		WHERE hash = $1 AND consumed = 0 AND expires_at > $2 AND issued_at >= $3`,
		key, now, oldestIssue)
	if err != nil {
		return ConsumeExpired, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ConsumeExpired, err
	}
	if n == 1 {
		return ConsumeOK, nil
	}

	// Lost the race or the nonce is gone; distinguish replay from expiry.
	var consumed int
	var issuedAt, expiresAt int64
	err = s.db.QueryRowContext(ctx, `SELECT consumed, issued_at, expires_at FROM lti_nonces WHERE hash = $1`, key).
		Scan(&consumed, &issuedAt, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ConsumeExpired, nil
	case err != nil:
		return ConsumeExpired, err
	case consumed == 1 && expiresAt > now && issuedAt >= oldestIssue:
		s.events.SecurityEvent(ctx, SecurityEvent{
			Type:        EventNonceReuse,
			Severity:    SeverityHigh,
			Description: "nonce consumed more than once",
		})
		return ConsumeAlreadyUsed, nil
	default:
		return ConsumeExpired, nil
	}
}

// PurgeExpired deletes nonce rows past their TTL and returns how many went.
func (s *SQLNonceStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lti_nonces WHERE expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
