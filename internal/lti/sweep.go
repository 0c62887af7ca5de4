package lti

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger removes expired records of one kind.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgerFunc adapts plain functions (e.g. the session purge) to Purger.
type PurgerFunc func(ctx context.Context) (int64, error)

func (f PurgerFunc) PurgeExpired(ctx context.Context) (int64, error) { return f(ctx) }

// Sweeper periodically purges expired sessions, nonces, states, and launch
// payloads. Expired rows are never reused either way; the sweep just keeps
// the tables from growing without bound.
type Sweeper struct {
	Store    *SQLStore
	Extra    []Purger // nonce store, state store, launch store, as configured
	Interval time.Duration
	Events   Recorder
	Log      *zap.Logger
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 15 * time.Minute
}

func (s *Sweeper) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// Run sweeps until ctx is cancelled. Call it from a goroutine at startup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one purge pass and records the outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	var total int64
	var failed bool

	n, err := s.Store.PurgeExpiredSessions(ctx)
	if err != nil {
		failed = true
		s.log().Error("session purge failed", zap.Error(err))
	}
	total += n

	for _, p := range s.Extra {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			failed = true
			s.log().Error("purge failed", zap.Error(err))
			continue
		}
		total += n
	}

	if s.Events != nil {
		s.Events.Audit(ctx, AuditEntry{
			EventType:   "sweep",
			Description: "expired record purge",
			Details:     map[string]any{"removed": total},
			Success:     !failed,
		})
	}
	s.log().Info("sweep complete", zap.Int64("removed", total), zap.Bool("failed", failed))
}
