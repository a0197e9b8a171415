package worker

import (
	"context"
	"log/slog"
	"time"

	redisx "github.com/sydneyDK/rearview/internal/redis"
)

// Runner consumes execution units from the cluster work queue and feeds
// them through the pipeline with bounded per-node concurrency.
type Runner struct {
	Queue        *redisx.Queue
	Pipeline     *Pipeline
	ConsumerName string
	Concurrency  int
	ReclaimIdle  time.Duration // take over units a dead peer never acked
	Grace        time.Duration // units older than this are missed, not retried
	Logger       *slog.Logger
}

func (r *Runner) Start(ctx context.Context) {
	if err := r.Queue.EnsureGroup(ctx); err != nil {
		r.Logger.Error("ensure consumer group", "err", err)
	}
	go r.consume(ctx)
	go r.reclaim(ctx)
}

func (r *Runner) consume(ctx context.Context) {
	n := r.Concurrency
	if n <= 0 {
		n = 8
	}
	sem := make(chan struct{}, n)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := r.Queue.ReadGroup(ctx, r.ConsumerName, int64(n), 5*time.Second)
		if err != nil {
			r.Logger.Warn("queue read error", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, m := range msgs {
			sem <- struct{}{}
			go func(m redisx.Message) {
				defer func() { <-sem }()
				r.process(ctx, m)
			}(m)
		}
	}
}

// process runs one unit. Only a finished unit is acked; an abandoned one
// stays pending so a peer can reclaim it after the idle window.
func (r *Runner) process(ctx context.Context, m redisx.Message) {
	if err := m.Unit.Validate(); err != nil {
		r.Logger.Warn("malformed unit, dead-lettering", "id", m.ID, "err", err)
		if derr := r.Queue.Dead(ctx, m, err.Error()); derr != nil {
			r.Logger.Error("dead-letter failed", "id", m.ID, "err", derr)
		}
		return
	}

	if err := r.Pipeline.Execute(ctx, m.Unit); err != nil {
		// Infrastructure failure mid-record: abandon, leave pending.
		r.Logger.Error("unit abandoned",
			"job", m.Unit.JobID, "run", m.Unit.RunID, "err", err)
		return
	}

	if _, err := r.Queue.Ack(ctx, m.ID); err != nil {
		r.Logger.Error("ack failed", "id", m.ID, "err", err)
	}
}

// reclaim periodically takes over pending units whose consumer died.
// Units past the grace window are missed for their cycle, not retried
// indefinitely; they go to the dead-letter stream.
func (r *Runner) reclaim(ctx context.Context) {
	idle := r.ReclaimIdle
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	t := time.NewTicker(idle / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		msgs, err := r.Queue.ClaimPending(ctx, r.ConsumerName, idle, 64)
		if err != nil {
			r.Logger.Warn("reclaim failed", "err", err)
			continue
		}
		for _, m := range msgs {
			if r.Grace > 0 && m.Unit.ScheduledAt.Before(time.Now().UTC().Add(-r.Grace)) {
				r.Logger.Warn("unit past grace window, dead-lettering",
					"job", m.Unit.JobID, "run", m.Unit.RunID, "scheduled", m.Unit.ScheduledAt)
				if derr := r.Queue.Dead(ctx, m, "past grace window"); derr != nil {
					r.Logger.Error("dead-letter failed", "id", m.ID, "err", derr)
				}
				continue
			}
			r.Logger.Info("reclaimed abandoned unit", "job", m.Unit.JobID, "run", m.Unit.RunID)
			r.process(ctx, m)
		}
	}
}
