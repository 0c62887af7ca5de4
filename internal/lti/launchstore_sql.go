package lti

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SQLLaunchStore is the durable, worker-shared backend for launch payloads.
// Envelopes are JSON in the row; the database never sees plaintext.
type SQLLaunchStore struct {
	db     *sql.DB
	cipher *PayloadCipher
	events Recorder
	now    func() time.Time
}

func NewSQLLaunchStore(db *sql.DB, c *PayloadCipher, events Recorder) *SQLLaunchStore {
	if events == nil {
		events = NopRecorder{}
	}
	return &SQLLaunchStore{db: db, cipher: c, events: events, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLLaunchStore) Put(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}
	env, err := s.cipher.seal(key, payload)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO lti_launch_data (key, envelope, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET envelope=EXCLUDED.envelope, expires_at=EXCLUDED.expires_at`,
		key, string(blob), s.now().Add(ttl).Unix())
	return err
}

func (s *SQLLaunchStore) Get(ctx context.Context, key string) (map[string]any, error) {
	var blob string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope, expires_at FROM lti_launch_data WHERE key = $1`, key).
		Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.now().Unix() >= expiresAt {
		return nil, ErrNotFound
	}
	var env envelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, s.corrupt(ctx, key)
	}
	payload, err := s.cipher.open(key, &env)
	if errors.Is(err, ErrCorruptPayload) {
		return nil, s.corrupt(ctx, key)
	}
	return payload, err
}

func (s *SQLLaunchStore) Extend(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now()
	target := now.Add(ttl).Unix()
	if ttl <= 0 {
		// Still touch the row so a missing key reports ErrNotFound; the
		// CASE below never lowers a live row's expiry.
		target = now.Unix()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE lti_launch_data
		SET expires_at = CASE WHEN expires_at < $1 THEN $1 ELSE expires_at END
		WHERE key = $2 AND expires_at > $3`,
		target, key, now.Unix())
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

// PurgeExpired removes payload rows past their TTL.
func (s *SQLLaunchStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lti_launch_data WHERE expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLLaunchStore) corrupt(ctx context.Context, key string) error {
	s.events.SecurityEvent(ctx, SecurityEvent{
		Type:        EventCorruptPayload,
		Severity:    SeverityCritical,
		Description: "launch payload failed authenticated decryption",
		Details:     map[string]any{"key": key},
	})
	return ErrCorruptPayload
}
