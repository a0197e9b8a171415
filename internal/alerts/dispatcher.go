// Package alerts maps status transitions to notifications across the
// job's configured destinations, honoring the per-job suppression window.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/sydneyDK/rearview/internal/jobs"
)

// Decision is the dispatcher's verdict for one transition.
type Decision int

const (
	// DecisionNone means no notification is owed.
	DecisionNone Decision = iota
	// DecisionTrigger is the first notification for a failing status.
	DecisionTrigger
	// DecisionRetrigger is a repeat notification after the suppression
	// window elapsed while the job was still failing.
	DecisionRetrigger
	// DecisionRecovery announces the return to success after a failure.
	DecisionRecovery
)

func (d Decision) String() string {
	switch d {
	case DecisionTrigger:
		return "trigger"
	case DecisionRetrigger:
		return "retrigger"
	case DecisionRecovery:
		return "recovery"
	}
	return "none"
}

// Notifies reports whether the decision produces outbound notifications.
func (d Decision) Notifies() bool { return d != DecisionNone }

// Decide applies the suppression policy. Notify on every transition into
// a non-success status from a different status, again once the window
// elapses while still failing, and once on recovery back to success.
func Decide(prev *jobs.JobStatus, next jobs.JobStatus, alertedAt *time.Time, window time.Duration, now time.Time) Decision {
	if next == jobs.StatusSuccess {
		if prev != nil && *prev != jobs.StatusSuccess {
			return DecisionRecovery
		}
		return DecisionNone
	}
	if prev == nil || *prev != next {
		return DecisionTrigger
	}
	if alertedAt == nil {
		return DecisionTrigger
	}
	if now.Sub(*alertedAt) >= window {
		return DecisionRetrigger
	}
	return DecisionNone
}

// Notification is what a channel delivers.
type Notification struct {
	Job      jobs.Job
	Prev     *jobs.JobStatus
	Status   jobs.JobStatus
	Decision Decision
	Result   jobs.AnalysisResult
	At       time.Time
}

// Channel delivers one notification to one destination. Implementations
// must be safe for concurrent use; they are never retried by the
// dispatcher, the next run cycle is the retry.
type Channel interface {
	Kind() jobs.DestinationKind
	Notify(ctx context.Context, dest jobs.AlertDestination, n Notification) error
}

// Dispatcher fans a decided notification out to every configured
// destination independently.
type Dispatcher struct {
	channels map[jobs.DestinationKind]Channel
	logger   *slog.Logger
	observe  func(kind jobs.DestinationKind, err error)
}

// NewDispatcher wires the available channels. observe, if non-nil, is
// called once per delivery attempt (for metrics).
func NewDispatcher(logger *slog.Logger, observe func(jobs.DestinationKind, error), channels ...Channel) *Dispatcher {
	m := make(map[jobs.DestinationKind]Channel, len(channels))
	for _, c := range channels {
		m[c.Kind()] = c
	}
	if observe == nil {
		observe = func(jobs.DestinationKind, error) {}
	}
	return &Dispatcher{channels: m, logger: logger, observe: observe}
}

// Dispatch decides and, when owed, delivers. One destination's failure is
// logged and does not block or roll back the others. Returns the decision
// so the executor can maintain the alerted-at bookkeeping.
func (d *Dispatcher) Dispatch(ctx context.Context, job jobs.Job, prev *jobs.JobStatus, next jobs.JobStatus, result jobs.AnalysisResult, now time.Time) Decision {
	decision := Decide(prev, next, job.AlertedAt, job.SuppressionWindow(), now)
	if !decision.Notifies() {
		return decision
	}

	n := Notification{Job: job, Prev: prev, Status: next, Decision: decision, Result: result, At: now}
	for _, dest := range job.Destinations {
		ch, ok := d.channels[dest.Kind]
		if !ok {
			d.logger.Warn("no channel for destination", "job", job.ID, "kind", dest.Kind)
			continue
		}
		err := ch.Notify(ctx, dest, n)
		d.observe(dest.Kind, err)
		if err != nil {
			d.logger.Error("alert delivery failed",
				"job", job.ID, "kind", dest.Kind, "label", dest.Label, "err", err)
		}
	}
	return decision
}
