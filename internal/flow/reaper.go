package flow

import (
	"context"
	"log/slog"
	"time"
)

// Reaper defaults.
const (
	DefaultIdleThreshold  = 72 * time.Hour
	DefaultReaperInterval = 10 * time.Minute
	defaultReapBatch      = 100
)

// Reaper periodically abandons sessions that have been idle past a threshold.
// It only changes status; responses are never deleted.
type Reaper struct {
	manager       *SessionManager
	idleThreshold time.Duration
	interval      time.Duration
	batch         int
}

// NewReaper creates a Reaper. Non-positive durations fall back to defaults.
func NewReaper(manager *SessionManager, idleThreshold, interval time.Duration) *Reaper {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return &Reaper{
		manager:       manager,
		idleThreshold: idleThreshold,
		interval:      interval,
		batch:         defaultReapBatch,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("Reaper.Run: starting", "interval", r.interval, "idleThreshold", r.idleThreshold)
	r.sweepAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reaper.Run: stopping")
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		slog.Error("Reaper.Sweep failed", "error", err, "abandoned", n)
		return
	}
	if n > 0 {
		slog.Info("Reaper.Sweep: abandoned idle sessions", "count", n)
	}
}

// Sweep abandons every session idle past the threshold and returns how many
// were abandoned. Failures on individual sessions are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	idleBefore := r.manager.Now().Add(-r.idleThreshold)
	total := 0
	for {
		sessions, err := r.manager.ListIdle(ctx, idleBefore, r.batch)
		if err != nil {
			return total, err
		}
		abandonedThisBatch := 0
		for _, s := range sessions {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			ok, err := r.manager.AbandonIdle(ctx, s.ID, idleBefore)
			if err != nil {
				slog.Error("Reaper.Sweep: abandon failed", "sessionID", s.ID, "error", err)
				continue
			}
			if ok {
				abandonedThisBatch++
				slog.Debug("Reaper.Sweep: abandoned", "sessionID", s.ID, "lastActivity", s.UpdatedAt)
			}
		}
		total += abandonedThisBatch
		// A short batch means the backlog is drained; a batch with no progress
		// means the remaining rows keep failing and would loop forever.
		if len(sessions) < r.batch || abandonedThisBatch == 0 {
			return total, nil
		}
	}
}
