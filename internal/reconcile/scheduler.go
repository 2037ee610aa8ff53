package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LastRunSource reads the persisted last-pass timestamp.
type LastRunSource interface {
	LastCleanup(ctx context.Context) (time.Time, error)
}

// Scheduler fires the engine on a fixed period. On start it runs one
// catch-up pass when the last recorded run is older than the period, so
// downtime never stretches the gap beyond one interval.
type Scheduler struct {
	log     *slog.Logger
	engine  *Engine
	lastRun LastRunSource
	period  time.Duration
	stop    chan struct{}
}

func NewScheduler(log *slog.Logger, engine *Engine, lastRun LastRunSource, period time.Duration) *Scheduler {
	return &Scheduler{
		log:     log,
		engine:  engine,
		lastRun: lastRun,
		period:  period,
		stop:    make(chan struct{}),
	}
}

// Start blocks until Stop or ctx cancellation; run it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s.catchUpDue(ctx) {
		s.log.Info("cleanup_catch_up_triggered")
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Scheduler) catchUpDue(ctx context.Context) bool {
	last, err := s.lastRun.LastCleanup(ctx)
	if err != nil {
		s.log.Warn("last_cleanup_read_failed", "error", err)
		return false
	}
	if last.IsZero() {
		// never ran; the first scheduled tick will handle it, but running
		// now populates provenance immediately
		return true
	}
	return time.Since(last) >= s.period
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if _, err := s.engine.RunPass(runCtx); err != nil {
		if errors.Is(err, ErrPassInFlight) {
			s.log.Info("cleanup_tick_skipped_pass_in_flight")
			return
		}
		s.log.Error("cleanup_pass_failed", "error", err)
	}
}
