package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// BoltLaunchStore is a durable single-node backend for launch payloads,
// for installs that want restart survival without a database server.
type BoltLaunchStore struct {
	db     *bbolt.DB
	cipher *PayloadCipher
	events Recorder
	now    func() time.Time
}

var launchBucket = []byte("launch_data")

type boltRecord struct {
	Envelope  *envelope `json:"envelope"`
	ExpiresAt int64     `json:"expires_at"`
}

func NewBoltLaunchStore(db *bbolt.DB, c *PayloadCipher, events Recorder) (*BoltLaunchStore, error) {
	if events == nil {
		events = NopRecorder{}
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(launchBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create launch bucket: %w", err)
	}
	return &BoltLaunchStore{db: db, cipher: c, events: events, now: func() time.Time { return time.Now().UTC() }}, nil
}

// OpenBoltLaunchStore opens (or creates) the bbolt file at path.
func OpenBoltLaunchStore(path string, c *PayloadCipher, events Recorder) (*BoltLaunchStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	return NewBoltLaunchStore(db, c, events)
}

func (s *BoltLaunchStore) Close() error { return s.db.Close() }

func (s *BoltLaunchStore) Put(_ context.Context, key string, payload map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}
	env, err := s.cipher.seal(key, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(boltRecord{Envelope: env, ExpiresAt: s.now().Add(ttl).Unix()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(launchBucket).Put([]byte(key), data)
	})
}

func (s *BoltLaunchStore) Get(ctx context.Context, key string) (map[string]any, error) {
	var rec boltRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(launchBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.corrupt(ctx, key)
	}
	if s.now().Unix() >= rec.ExpiresAt {
		return nil, ErrNotFound
	}
	if rec.Envelope == nil {
		return nil, s.corrupt(ctx, key)
	}
	payload, err := s.cipher.open(key, rec.Envelope)
	if errors.Is(err, ErrCorruptPayload) {
		return nil, s.corrupt(ctx, key)
	}
	return payload, err
}

func (s *BoltLaunchStore) Extend(_ context.Context, key string, ttl time.Duration) error {
	now := s.now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(launchBucket)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var rec boltRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if now.Unix() >= rec.ExpiresAt {
			return ErrNotFound
		}
		if ttl <= 0 {
			return nil
		}
		if candidate := now.Add(ttl).Unix(); candidate > rec.ExpiresAt {
			rec.ExpiresAt = candidate
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return b.Put([]byte(key), updated)
		}
		return nil
	})
}

// PurgeExpired removes records past their TTL.
func (s *BoltLaunchStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.now().Unix()
	var removed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(launchBucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil || now >= rec.ExpiresAt {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltLaunchStore) corrupt(ctx context.Context, key string) error {
	s.events.SecurityEvent(ctx, SecurityEvent{
		Type:        EventCorruptPayload,
		Severity:    SeverityCritical,
		Description: "launch payload failed authenticated decryption",
		Details:     map[string]any{"key": key},
	})
	return ErrCorruptPayload
}
