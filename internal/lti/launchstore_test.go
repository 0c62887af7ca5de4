package lti

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testCipher(t *testing.T) *PayloadCipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewPayloadCipher(key)
	if err != nil {
		t.Fatalf("NewPayloadCipher: %v", err)
	}
	return c
}

func testPayload() map[string]any {
	return map[string]any{
		"iss":           "https://canvas.instructure.com",
		"sub":           "user-abc-123",
		ClaimDeployment: "dep-1:course-7",
		ClaimContext:    map[string]any{"id": "course-7", "title": "Intro to Chemistry"},
		ClaimRoles:      []any{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		ClaimCustom:     map[string]any{"course_id": "7", "unicode": "成績"},
	}
}

func TestPayloadCipherTooShortKey(t *testing.T) {
	if _, err := NewPayloadCipher([]byte("short")); err == nil {
		t.Fatal("want error for short master key")
	}
}

func TestMemoryLaunchStoreRoundTrip(t *testing.T) {
	s := NewMemoryLaunchStore(testCipher(t), nil)
	want := testPayload()

	if err := s.Put(context.Background(), "launch-1", want, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(context.Background(), "launch-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestMemoryLaunchStoreNotFound(t *testing.T) {
	s := NewMemoryLaunchStore(testCipher(t), nil)
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.Extend(context.Background(), "absent", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Extend err = %v, want ErrNotFound", err)
	}
}

func TestMemoryLaunchStoreExpiry(t *testing.T) {
	now := testNow()
	s := NewMemoryLaunchStore(testCipher(t), nil)
	s.now = func() time.Time { return now }

	if err := s.Put(context.Background(), "launch-1", testPayload(), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Get(context.Background(), "launch-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired Get err = %v, want ErrNotFound", err)
	}
}

func TestMemoryLaunchStoreExtendIsMonotonic(t *testing.T) {
	now := testNow()
	s := NewMemoryLaunchStore(testCipher(t), nil)
	s.now = func() time.Time { return now }

	if err := s.Put(context.Background(), "launch-1", testPayload(), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// A shorter extension must not pull the expiry closer.
	if err := s.Extend(context.Background(), "launch-1", time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	now = now.Add(30 * time.Minute)
	if _, err := s.Get(context.Background(), "launch-1"); err != nil {
		t.Fatalf("Get after short extend: %v", err)
	}

	// A longer one pushes it out.
	if err := s.Extend(context.Background(), "launch-1", 2*time.Hour); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	now = now.Add(90 * time.Minute)
	if _, err := s.Get(context.Background(), "launch-1"); err != nil {
		t.Fatalf("Get after long extend: %v", err)
	}
}

func TestExtendNonPositiveTTLStillReportsNotFound(t *testing.T) {
	// Extend answers ok or ErrNotFound for every backend; a zero TTL is a
	// no-op on a live record, never a silent success for a missing one.
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryLaunchStore(testCipher(t), nil)
		if err := s.Extend(context.Background(), "absent", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Extend absent err = %v, want ErrNotFound", err)
		}
		if err := s.Put(context.Background(), "launch-1", testPayload(), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Extend(context.Background(), "launch-1", 0); err != nil {
			t.Fatalf("Extend live err = %v, want nil", err)
		}
	})
	t.Run("sql", func(t *testing.T) {
		s := NewSQLLaunchStore(openTestDB(t).db, testCipher(t), nil)
		if err := s.Extend(context.Background(), "absent", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Extend absent err = %v, want ErrNotFound", err)
		}
		if err := s.Put(context.Background(), "launch-1", testPayload(), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Extend(context.Background(), "launch-1", 0); err != nil {
			t.Fatalf("Extend live err = %v, want nil", err)
		}
		// The no-op must not have shortened the hour TTL.
		if _, err := s.Get(context.Background(), "launch-1"); err != nil {
			t.Fatalf("Get after zero extend: %v", err)
		}
	})
	t.Run("bolt", func(t *testing.T) {
		s, err := OpenBoltLaunchStore(filepath.Join(t.TempDir(), "launches.db"), testCipher(t), nil)
		if err != nil {
			t.Fatalf("OpenBoltLaunchStore: %v", err)
		}
		defer s.Close()
		if err := s.Extend(context.Background(), "absent", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Extend absent err = %v, want ErrNotFound", err)
		}
		if err := s.Put(context.Background(), "launch-1", testPayload(), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Extend(context.Background(), "launch-1", 0); err != nil {
			t.Fatalf("Extend live err = %v, want nil", err)
		}
	})
}

func TestCorruptPayloadDistinctFromNotFound(t *testing.T) {
	spy := &recorderSpy{}
	s := NewMemoryLaunchStore(testCipher(t), spy)

	if err := s.Put(context.Background(), "launch-1", testPayload(), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.mu.Lock()
	entry := s.entries["launch-1"]
	entry.env.Ciphertext[0] ^= 0xff
	s.mu.Unlock()

	_, err := s.Get(context.Background(), "launch-1")
	if !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("err = %v, want ErrCorruptPayload", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("corrupt payload must not read as not-found")
	}
	if got := spy.countType(EventCorruptPayload); got != 1 {
		t.Fatalf("corrupt payload events = %d, want 1", got)
	}
}

func TestEnvelopeBoundToKey(t *testing.T) {
	// The launch key is AAD; an envelope moved under another key must fail
	// authenticated decryption.
	s := NewMemoryLaunchStore(testCipher(t), nil)
	if err := s.Put(context.Background(), "launch-1", testPayload(), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.mu.Lock()
	s.entries["launch-2"] = s.entries["launch-1"]
	s.mu.Unlock()

	if _, err := s.Get(context.Background(), "launch-2"); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("err = %v, want ErrCorruptPayload", err)
	}
}

func TestMemoryLaunchStorePurge(t *testing.T) {
	now := testNow()
	s := NewMemoryLaunchStore(testCipher(t), nil)
	s.now = func() time.Time { return now }

	for _, k := range []string{"a", "b"} {
		if err := s.Put(context.Background(), k, testPayload(), time.Minute); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Put(context.Background(), "keep", testPayload(), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(5 * time.Minute)
	if removed := s.PurgeExpired(); removed != 2 {
		t.Fatalf("PurgeExpired = %d, want 2", removed)
	}
	if _, err := s.Get(context.Background(), "keep"); err != nil {
		t.Fatalf("survivor Get: %v", err)
	}
}

func TestBoltLaunchStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launches.db")
	s, err := OpenBoltLaunchStore(path, testCipher(t), nil)
	if err != nil {
		t.Fatalf("OpenBoltLaunchStore: %v", err)
	}
	defer s.Close()

	want := testPayload()
	if err := s.Put(context.Background(), "launch-1", want, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(context.Background(), "launch-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, want)
	}

	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent err = %v, want ErrNotFound", err)
	}
	if err := s.Extend(context.Background(), "launch-1", 2*time.Hour); err != nil {
		t.Fatalf("Extend: %v", err)
	}
}
