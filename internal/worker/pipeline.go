package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sydneyDK/rearview/internal/alerts"
	"github.com/sydneyDK/rearview/internal/graphite"
	"github.com/sydneyDK/rearview/internal/jobs"
	"github.com/sydneyDK/rearview/internal/metrics"
	"github.com/sydneyDK/rearview/internal/sandbox"
)

// Store is the slice of the job store the executor writes through.
type Store interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status jobs.JobStatus, lastRun time.Time) (bool, error)
	AppendOrExtendError(ctx context.Context, jobID string, status jobs.JobStatus, message *string, at time.Time) (*jobs.JobError, error)
	CloseOpenError(ctx context.Context, jobID string, at time.Time) error
	SaveResult(ctx context.Context, jobID, runID string, scheduledAt time.Time, r jobs.AnalysisResult) error
	MarkAlerted(ctx context.Context, id string, at *time.Time) error
}

// SeriesFetcher is the time-series backend boundary.
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, targets []string, from, until time.Time) (jobs.TimeSeries, error)
}

// Alerter decides and fans out notifications for a status transition.
type Alerter interface {
	Dispatch(ctx context.Context, job jobs.Job, prev *jobs.JobStatus, next jobs.JobStatus, result jobs.AnalysisResult, now time.Time) alerts.Decision
}

// Pipeline executes one unit through Fetching, Evaluating, Alerting and
// Recording. Every fetch or evaluation fault is caught and mapped to a
// status; only infrastructure failures writing the final record surface
// as errors, and those abandon the unit rather than retry it.
type Pipeline struct {
	Store       Store
	Fetcher     SeriesFetcher
	Alerter     Alerter
	EvalTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Execute runs one claimed unit to completion. A nil return means the
// unit is finished (including runs dropped because the job vanished or a
// competing writer recorded first); a non-nil return means the unit was
// abandoned mid-record and the queue should redeliver it.
func (p *Pipeline) Execute(ctx context.Context, unit jobs.ExecutionUnit) error {
	started := p.now()

	job, err := p.Store.GetJob(ctx, unit.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		p.Logger.Info("job gone, dropping unit", "job", unit.JobID, "run", unit.RunID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !job.Schedulable() {
		p.Logger.Info("job no longer schedulable, dropping unit", "job", job.ID, "run", unit.RunID)
		return nil
	}

	result := p.analyze(ctx, job, unit)

	now := p.now()
	prev := job.Status
	decision := p.Alerter.Dispatch(ctx, *job, prev, result.Status, result, now)

	if err := p.record(ctx, job, unit, result, decision, now); err != nil {
		return err
	}

	metrics.ObserveRun(string(result.Status), p.now().Sub(started))
	p.Logger.Info("run recorded",
		"job", job.ID, "run", unit.RunID, "scheduled", unit.ScheduledAt,
		"status", result.Status, "alert", decision.String())
	return nil
}

// analyze covers Fetching and Evaluating. It never lets a fault escape:
// every failure mode, panics included, comes back as a classified result.
func (p *Pipeline) analyze(ctx context.Context, job *jobs.Job, unit jobs.ExecutionUnit) (result jobs.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			result = failure(jobs.StatusError, fmt.Sprintf("internal fault: %v", r), nil)
		}
	}()

	// Fetching
	until := unit.ScheduledAt
	if job.ToDate != nil && job.ToDate.Before(until) {
		until = *job.ToDate
	}
	minutesBack := job.MinutesBack
	if minutesBack <= 0 {
		minutesBack = 1
	}
	from := until.Add(-time.Duration(minutesBack) * time.Minute)

	series, err := p.Fetcher.FetchSeries(ctx, job.Metrics, from, until)
	if err != nil {
		switch {
		case errors.Is(err, graphite.ErrUnknownMetric):
			return failure(jobs.StatusGraphiteMetricError, err.Error(), nil)
		default:
			return failure(jobs.StatusGraphiteError, err.Error(), nil)
		}
	}

	// Evaluating
	if job.Monitor == nil || *job.Monitor == "" {
		// No expression: a complete fetch is the whole check.
		return jobs.AnalysisResult{
			Status: jobs.StatusSuccess,
			Output: jobs.MonitorOutput{Status: jobs.StatusSuccess, Output: "data fetched"},
			Series: series,
		}
	}

	deadline := p.EvalTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	if w := job.SuppressionWindow(); w < deadline {
		deadline = w
	}

	verdict, err := sandbox.Evaluate(ctx, *job.Monitor, series, deadline)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrForbidden):
			return failure(jobs.StatusSecurityError, err.Error(), series)
		case errors.Is(err, sandbox.ErrTimeout):
			return failure(jobs.StatusError, err.Error(), series)
		default:
			return failure(jobs.StatusError, err.Error(), series)
		}
	}

	out := jobs.AnalysisResult{Status: verdict.Status, Output: verdict.Output, Series: series}
	if verdict.Status == jobs.StatusFailed {
		msg := "monitor expression evaluated to false"
		out.Message = &msg
	}
	return out
}

// record is the final stage: CAS the status, maintain the error interval
// and alert bookkeeping, persist the result.
func (p *Pipeline) record(ctx context.Context, job *jobs.Job, unit jobs.ExecutionUnit, result jobs.AnalysisResult, decision alerts.Decision, now time.Time) error {
	ok, err := p.Store.CompareAndSetStatus(ctx, job.ID, job.Version, result.Status, unit.ScheduledAt)
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	if !ok {
		// A competing writer advanced the row; this run's transition is
		// dropped rather than overwriting fresher state.
		p.Logger.Warn("status CAS lost, dropping run",
			"job", job.ID, "run", unit.RunID, "version", job.Version)
		return nil
	}

	if result.Status == jobs.StatusSuccess {
		if err := p.Store.CloseOpenError(ctx, job.ID, now); err != nil {
			return fmt.Errorf("close error interval: %w", err)
		}
	} else {
		if _, err := p.Store.AppendOrExtendError(ctx, job.ID, result.Status, result.Message, now); err != nil {
			return fmt.Errorf("open error interval: %w", err)
		}
	}

	switch decision {
	case alerts.DecisionTrigger, alerts.DecisionRetrigger:
		if err := p.Store.MarkAlerted(ctx, job.ID, &now); err != nil {
			return fmt.Errorf("mark alerted: %w", err)
		}
	case alerts.DecisionRecovery:
		if err := p.Store.MarkAlerted(ctx, job.ID, nil); err != nil {
			return fmt.Errorf("clear alerted: %w", err)
		}
	}

	if err := p.Store.SaveResult(ctx, job.ID, unit.RunID, unit.ScheduledAt, result); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func failure(status jobs.JobStatus, message string, series jobs.TimeSeries) jobs.AnalysisResult {
	return jobs.AnalysisResult{
		Status:  status,
		Output:  jobs.MonitorOutput{Status: status, Output: message},
		Message: &message,
		Series:  series,
	}
}
