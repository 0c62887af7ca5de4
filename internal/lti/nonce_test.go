package lti

import (
	"context"
	"sync"
	"testing"
	"time"
)

/* ---------------- shared fakes for package tests ---------------- */

// recorderSpy captures emitted events so tests can assert on them.
type recorderSpy struct {
	mu     sync.Mutex
	events []SecurityEvent
	audits []AuditEntry
}

func (r *recorderSpy) SecurityEvent(_ context.Context, ev SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorderSpy) Audit(_ context.Context, entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, entry)
}

func (r *recorderSpy) countType(t SecurityEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

/* ---------------- in-memory nonce store ---------------- */

func TestNonceSingleUse(t *testing.T) {
	spy := &recorderSpy{}
	s := NewInMemoryNonceStore(spy)

	nonce, err := s.Issue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := s.Consume(context.Background(), nonce, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeOK {
		t.Fatalf("first consume = %v, want ConsumeOK", res)
	}

	res, err = s.Consume(context.Background(), nonce, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeAlreadyUsed {
		t.Fatalf("second consume = %v, want ConsumeAlreadyUsed", res)
	}
	if got := spy.countType(EventNonceReuse); got != 1 {
		t.Fatalf("nonce reuse events = %d, want 1", got)
	}
}

func TestNonceUnknownAndEmpty(t *testing.T) {
	s := NewInMemoryNonceStore(nil)

	res, err := s.Consume(context.Background(), "never-issued", 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeExpired {
		t.Fatalf("unknown nonce = %v, want ConsumeExpired", res)
	}

	res, err = s.Consume(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeExpired {
		t.Fatalf("empty nonce = %v, want ConsumeExpired", res)
	}
}

func TestNonceExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemoryNonceStore(nil)
	s.now = func() time.Time { return now }

	nonce, err := s.Issue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(61 * time.Second)
	res, err := s.Consume(context.Background(), nonce, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeExpired {
		t.Fatalf("expired nonce = %v, want ConsumeExpired", res)
	}
}

func TestNonceMaxAgeTighterThanTTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemoryNonceStore(nil)
	s.now = func() time.Time { return now }

	nonce, err := s.Issue(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(2 * time.Minute)
	res, err := s.Consume(context.Background(), nonce, time.Minute)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeExpired {
		t.Fatalf("over-age nonce = %v, want ConsumeExpired", res)
	}
}

func TestNonceConcurrentConsumeOneWinner(t *testing.T) {
	s := NewInMemoryNonceStore(&recorderSpy{})
	nonce, err := s.Issue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := s.Consume(context.Background(), nonce, 0)
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if res == ConsumeOK {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("ConsumeOK winners = %d, want exactly 1", wins)
	}
}

/* ---------------- SQL nonce store ---------------- */

func TestSQLNonceSingleUse(t *testing.T) {
	spy := &recorderSpy{}
	s := NewSQLNonceStore(openTestDB(t).db, spy)

	nonce, err := s.Issue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := s.Consume(context.Background(), nonce, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeOK {
		t.Fatalf("first consume = %v, want ConsumeOK", res)
	}

	res, err = s.Consume(context.Background(), nonce, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeAlreadyUsed {
		t.Fatalf("second consume = %v, want ConsumeAlreadyUsed", res)
	}
	if got := spy.countType(EventNonceReuse); got != 1 {
		t.Fatalf("nonce reuse events = %d, want 1", got)
	}

	res, err = s.Consume(context.Background(), "never-issued", 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeExpired {
		t.Fatalf("unknown nonce = %v, want ConsumeExpired", res)
	}
}

func TestSQLNonceExpiry(t *testing.T) {
	now := testNow()
	s := NewSQLNonceStore(openTestDB(t).db, nil)
	s.now = func() time.Time { return now }

	nonce, err := s.Issue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(61 * time.Second)
	res, err := s.Consume(context.Background(), nonce, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res != ConsumeExpired {
		t.Fatalf("expired nonce = %v, want ConsumeExpired", res)
	}
}

func TestSQLNonceConcurrentConsumeOneWinner(t *testing.T) {
	spy := &recorderSpy{}
	s := NewSQLNonceStore(openTestDB(t).db, spy)

	nonce, err := s.Issue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		replays int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := s.Consume(context.Background(), nonce, 0)
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			mu.Lock()
			switch res {
			case ConsumeOK:
				wins++
			case ConsumeAlreadyUsed:
				replays++
			}
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("ConsumeOK winners = %d, want exactly 1", wins)
	}
	if replays != workers-1 {
		t.Fatalf("replays = %d, want %d", replays, workers-1)
	}
	if got := spy.countType(EventNonceReuse); got != workers-1 {
		t.Fatalf("nonce reuse events = %d, want %d", got, workers-1)
	}
}
