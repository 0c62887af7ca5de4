package lti

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

/*
Encrypted at-rest storage for raw launch payloads.

The payload is the full claim map of a validated launch, sealed with
AES-256-GCM under a key derived from the process-wide encryption key. The
encryption key is distinct from the tool's signing key; its absence in online
mode is a startup failure (see config.Validate), never a runtime fallback.

Which backend holds the envelopes is deployment policy: the in-memory cache
for single-process setups, SQL when payloads must survive restarts and be
shared across workers, bbolt for durable single-node installs.
*/

// DefaultLaunchTTL bounds how long a stored payload stays retrievable.
const DefaultLaunchTTL = time.Hour

// LaunchDataStore is the backend-independent contract. Get on an absent or
// expired key returns ErrNotFound; a present, unexpired envelope that fails
// authenticated decryption returns ErrCorruptPayload. Extend never shortens
// the effective expiry.
type LaunchDataStore interface {
	Put(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error
	Get(ctx context.Context, key string) (map[string]any, error)
	Extend(ctx context.Context, key string, ttl time.Duration) error
}

/* --------------------------------- envelope ---------------------------------- */

// envelope is the sealed wire/storage form of one payload.
type envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

var payloadKeyInfo = []byte("canvasops:launch-data:v1")

// PayloadCipher seals and opens launch payloads. The AES key is derived from
// the master key with HKDF-SHA256 so the master key itself is never used as
// cipher material directly.
type PayloadCipher struct {
	aead cipher.AEAD
}

func NewPayloadCipher(masterKey []byte) (*PayloadCipher, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("lti: encryption key too short")
	}
	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, payloadKeyInfo), derived); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{aead: aead}, nil
}

// seal encrypts the payload; key is bound in as AAD so an envelope cannot be
// replayed under a different launch id.
func (c *PayloadCipher) seal(key string, payload map[string]any) (*envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      nonce,
		Ciphertext: c.aead.Seal(nil, nonce, plaintext, []byte(key)),
	}, nil
}

func (c *PayloadCipher) open(key string, env *envelope) (map[string]any, error) {
	if env.Ver != 1 || env.Scheme != "aes256gcm" {
		return nil, ErrCorruptPayload
	}
	if len(env.Nonce) != c.aead.NonceSize() {
		return nil, ErrCorruptPayload
	}
	plaintext, err := c.aead.Open(nil, env.Nonce, env.Ciphertext, []byte(key))
	if err != nil {
		return nil, ErrCorruptPayload
	}
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrCorruptPayload
	}
	return payload, nil
}

/* ------------------------------ memory backend ------------------------------- */

type launchEntry struct {
	env       *envelope
	expiresAt time.Time
}

// MemoryLaunchStore is the ephemeral cache backend.
type MemoryLaunchStore struct {
	mu      sync.Mutex
	cipher  *PayloadCipher
	entries map[string]launchEntry
	events  Recorder
	now     func() time.Time
}

func NewMemoryLaunchStore(c *PayloadCipher, events Recorder) *MemoryLaunchStore {
	if events == nil {
		events = NopRecorder{}
	}
	return &MemoryLaunchStore{
		cipher:  c,
		entries: make(map[string]launchEntry, 64),
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryLaunchStore) Put(_ context.Context, key string, payload map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}
	env, err := s.cipher.seal(key, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = launchEntry{env: env, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryLaunchStore) Get(ctx context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	now := s.now()
	if ok && now.After(entry.expiresAt) {
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	payload, err := s.cipher.open(key, entry.env)
	if errors.Is(err, ErrCorruptPayload) {
		s.events.SecurityEvent(ctx, SecurityEvent{
			Type:        EventCorruptPayload,
			Severity:    SeverityCritical,
			Description: "launch payload failed authenticated decryption",
			Details:     map[string]any{"key": key},
		})
	}
	return payload, err
}

func (s *MemoryLaunchStore) Extend(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	now := s.now()
	if !ok || now.After(entry.expiresAt) {
		return ErrNotFound
	}
	if ttl <= 0 {
		return nil
	}
	if candidate := now.Add(ttl); candidate.After(entry.expiresAt) {
		entry.expiresAt = candidate
		s.entries[key] = entry
	}
	return nil
}

// PurgeExpired removes entries past their TTL.
func (s *MemoryLaunchStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}
