// Package scheduler runs the cluster tick loop. Every node ticks locally
// on the same interval; duplicate-free dispatch comes from racing each due
// (job, scheduled time) pair through the claim coordinator, not from any
// node being special.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sydneyDK/rearview/internal/jobs"
	"github.com/sydneyDK/rearview/internal/metrics"
	"github.com/sydneyDK/rearview/internal/schedule"
)

// JobSource enumerates schedulable jobs.
type JobSource interface {
	ListDueCandidates(ctx context.Context, asOf time.Time) ([]jobs.Job, error)
}

// ClaimCoordinator reserves one (job, scheduled time) pair cluster-wide.
type ClaimCoordinator interface {
	Claim(ctx context.Context, jobID string, scheduled time.Time, lease time.Duration) (bool, error)
	Release(ctx context.Context, jobID string, scheduled time.Time) error
}

// UnitQueue carries claimed execution units to the workers.
type UnitQueue interface {
	Enqueue(ctx context.Context, u jobs.ExecutionUnit) (string, error)
}

type Loop struct {
	Source   JobSource
	Claimer  ClaimCoordinator
	Queue    UnitQueue
	Interval time.Duration
	Lease    time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Run ticks until ctx is cancelled. A failing tick never blocks the
// ticker; the next tick is the retry.
func (l *Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.Tick(ctx, now)
		}
	}
}

// Tick enumerates due jobs for one cluster tick and races to claim each.
// Losing a claim is expected, not an error. If the job source is
// unreachable the whole tick is skipped on this node.
func (l *Loop) Tick(ctx context.Context, at time.Time) {
	tick := at.UTC().Truncate(time.Minute)

	candidates, err := l.Source.ListDueCandidates(ctx, tick)
	if err != nil {
		l.Logger.Warn("job store unreachable, skipping tick", "tick", tick, "err", err)
		return
	}

	for i := range candidates {
		job := candidates[i]
		if !job.Schedulable() {
			continue
		}
		due, err := schedule.DueAt(job.CronExpr, tick)
		if err != nil {
			l.Logger.Warn("bad cron expression", "job", job.ID, "cron", job.CronExpr, "err", err)
			continue
		}
		if !due {
			continue
		}
		// Re-derivation guard: the executor stamps last-run with the
		// scheduled time, so a tick that already ran is never re-fired
		// even after the claim lease expired.
		if job.LastRun != nil && !job.LastRun.Before(tick) {
			continue
		}

		won, err := l.Claimer.Claim(ctx, job.ID, tick, l.Lease)
		if err != nil {
			metrics.ObserveClaim("error")
			l.Logger.Error("claim coordinator unavailable", "job", job.ID, "tick", tick, "err", err)
			continue
		}
		if !won {
			metrics.ObserveClaim("lost")
			l.Logger.Debug("claim lost to peer", "job", job.ID, "tick", tick)
			continue
		}
		metrics.ObserveClaim("won")

		unit := jobs.ExecutionUnit{
			RunID:       uuid.NewString(),
			JobID:       job.ID,
			ScheduledAt: tick,
		}
		if _, err := l.Queue.Enqueue(ctx, unit); err != nil {
			l.Logger.Error("enqueue failed", "job", job.ID, "tick", tick, "err", err)
			// Best effort: free the claim so a peer can pick the pair up
			// before the lease expires.
			if rerr := l.Claimer.Release(ctx, job.ID, tick); rerr != nil {
				l.Logger.Debug("claim release failed", "job", job.ID, "err", rerr)
			}
			continue
		}
		l.Logger.Info("execution unit enqueued", "job", job.ID, "run", unit.RunID, "tick", tick)
	}
}
