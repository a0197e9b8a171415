package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/sydneyDK/rearview/internal/alerts"
	"github.com/sydneyDK/rearview/internal/graphite"
	"github.com/sydneyDK/rearview/internal/jobs"
)

/* -------- fakes -------- */

type openCall struct {
	status  jobs.JobStatus
	message *string
}

type fakeStore struct {
	job *jobs.Job

	casOK    bool
	casErr   error
	casCalls int
	casLast  struct {
		version int64
		status  jobs.JobStatus
		lastRun time.Time
	}

	opened []openCall
	closed int
	marked []*time.Time
	saved  []jobs.AnalysisResult
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if s.job == nil || s.job.ID != id {
		return nil, jobs.ErrNotFound
	}
	cp := *s.job
	return &cp, nil
}

func (s *fakeStore) CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status jobs.JobStatus, lastRun time.Time) (bool, error) {
	s.casCalls++
	s.casLast.version = expectedVersion
	s.casLast.status = status
	s.casLast.lastRun = lastRun
	return s.casOK, s.casErr
}

func (s *fakeStore) AppendOrExtendError(ctx context.Context, jobID string, status jobs.JobStatus, message *string, at time.Time) (*jobs.JobError, error) {
	s.opened = append(s.opened, openCall{status: status, message: message})
	return &jobs.JobError{JobID: jobID, Status: status, Message: message, CreatedAt: at}, nil
}

func (s *fakeStore) CloseOpenError(ctx context.Context, jobID string, at time.Time) error {
	s.closed++
	return nil
}

func (s *fakeStore) SaveResult(ctx context.Context, jobID, runID string, scheduledAt time.Time, r jobs.AnalysisResult) error {
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeStore) MarkAlerted(ctx context.Context, id string, at *time.Time) error {
	s.marked = append(s.marked, at)
	return nil
}

type fakeFetcher struct {
	series  jobs.TimeSeries
	err     error
	fetches int
}

func (f *fakeFetcher) FetchSeries(ctx context.Context, targets []string, from, until time.Time) (jobs.TimeSeries, error) {
	f.fetches++
	return f.series, f.err
}

type fakeAlerter struct {
	dispatched []jobs.JobStatus
}

func (a *fakeAlerter) Dispatch(ctx context.Context, job jobs.Job, prev *jobs.JobStatus, next jobs.JobStatus, result jobs.AnalysisResult, now time.Time) alerts.Decision {
	a.dispatched = append(a.dispatched, next)
	return alerts.Decide(prev, next, job.AlertedAt, job.SuppressionWindow(), now)
}

/* -------- helpers -------- */

func latencySeries(values ...float64) jobs.TimeSeries {
	points := make([]jobs.DataPoint, len(values))
	for i := range values {
		v := values[i]
		points[i] = jobs.DataPoint{Timestamp: int64(300 + i*60), Value: &v}
	}
	return jobs.TimeSeries{{Metric: "service.latency", Points: points}}
}

func monitoredJob(monitor string) *jobs.Job {
	return &jobs.Job{
		ID:          "job-1",
		Name:        "latency check",
		CronExpr:    "* * * * *",
		Metrics:     []string{"service.latency"},
		Monitor:     &monitor,
		MinutesBack: 5,
		Active:      true,
		Version:     3,
	}
}

func newPipeline(store *fakeStore, fetcher *fakeFetcher, alerter *fakeAlerter) *Pipeline {
	return &Pipeline{
		Store:       store,
		Fetcher:     fetcher,
		Alerter:     alerter,
		EvalTimeout: time.Second,
		Logger:      slog.Default(),
		Now:         func() time.Time { return time.Date(2025, 1, 1, 0, 5, 30, 0, time.UTC) },
	}
}

func unit() jobs.ExecutionUnit {
	return jobs.ExecutionUnit{
		RunID:       "run-1",
		JobID:       "job-1",
		ScheduledAt: time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC),
	}
}

/* -------- scenarios -------- */

func TestExecute_FailingRunOpensErrorAndAlerts(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) < 100"), casOK: true}
	fetcher := &fakeFetcher{series: latencySeries(150)}
	alerter := &fakeAlerter{}

	if err := newPipeline(store, fetcher, alerter).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusFailed {
		t.Fatalf("want failed, got %s", store.casLast.status)
	}
	if store.casLast.version != 3 {
		t.Fatalf("CAS must use the loaded version, got %d", store.casLast.version)
	}
	if !store.casLast.lastRun.Equal(unit().ScheduledAt) {
		t.Fatalf("last-run must be the scheduled time, got %v", store.casLast.lastRun)
	}
	if len(store.opened) != 1 || store.opened[0].status != jobs.StatusFailed {
		t.Fatalf("expected one opened error interval: %+v", store.opened)
	}
	if len(store.marked) != 1 || store.marked[0] == nil {
		t.Fatalf("trigger must stamp alerted-at: %+v", store.marked)
	}
	if len(alerter.dispatched) != 1 || len(store.saved) != 1 {
		t.Fatalf("expected one dispatch and one saved result")
	}
}

func TestExecute_RecoveryClosesErrorAndClearsAlert(t *testing.T) {
	job := monitoredJob("max(latency) < 100")
	prev := jobs.StatusFailed
	job.Status = &prev
	at := time.Date(2025, 1, 1, 0, 4, 0, 0, time.UTC)
	job.AlertedAt = &at

	store := &fakeStore{job: job, casOK: true}
	fetcher := &fakeFetcher{series: latencySeries(50)}
	alerter := &fakeAlerter{}

	if err := newPipeline(store, fetcher, alerter).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusSuccess {
		t.Fatalf("want success, got %s", store.casLast.status)
	}
	if store.closed != 1 {
		t.Fatalf("successful run must close the open error interval")
	}
	if len(store.opened) != 0 {
		t.Fatalf("successful run must not open an interval")
	}
	if len(store.marked) != 1 || store.marked[0] != nil {
		t.Fatalf("recovery must clear alerted-at: %+v", store.marked)
	}
}

func TestExecute_UnknownMetricSkipsEvaluation(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) < 100"), casOK: true}
	fetcher := &fakeFetcher{err: fmt.Errorf("target %q: %w", "service.latency", graphite.ErrUnknownMetric)}
	alerter := &fakeAlerter{}

	if err := newPipeline(store, fetcher, alerter).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusGraphiteMetricError {
		t.Fatalf("want graphite_metric_error, got %s", store.casLast.status)
	}
	if len(store.opened) != 1 || store.opened[0].status != jobs.StatusGraphiteMetricError {
		t.Fatalf("metric error must open an interval: %+v", store.opened)
	}
}

func TestExecute_BackendDown(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) < 100"), casOK: true}
	fetcher := &fakeFetcher{err: fmt.Errorf("status 503: %w", graphite.ErrUnavailable)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusGraphiteError {
		t.Fatalf("want graphite_error, got %s", store.casLast.status)
	}
}

func TestExecute_ForbiddenExpressionIsSecurityError(t *testing.T) {
	store := &fakeStore{job: monitoredJob(`exec("curl evil")`), casOK: true}
	fetcher := &fakeFetcher{series: latencySeries(50)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("worker must survive a malicious expression: %v", err)
	}
	if store.casLast.status != jobs.StatusSecurityError {
		t.Fatalf("want security_error, got %s", store.casLast.status)
	}
}

func TestExecute_RuntimeFaultIsError(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) / last(latency) > nope"), casOK: true}
	fetcher := &fakeFetcher{series: latencySeries(50)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusError {
		t.Fatalf("want error, got %s", store.casLast.status)
	}
}

func TestExecute_EvaluationTimeoutIsError(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) < 100"), casOK: true}
	fetcher := &fakeFetcher{series: latencySeries(50)}
	p := newPipeline(store, fetcher, &fakeAlerter{})
	p.EvalTimeout = time.Nanosecond

	if err := p.Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusError {
		t.Fatalf("want error, got %s", store.casLast.status)
	}
	if len(store.saved) != 1 || store.saved[0].Message == nil ||
		!strings.Contains(*store.saved[0].Message, "timed out") {
		t.Fatalf("timeout must be visible in the result message: %+v", store.saved)
	}
}

func TestExecute_NoMonitorMeansFetchIsTheCheck(t *testing.T) {
	job := monitoredJob("")
	job.Monitor = nil
	store := &fakeStore{job: job, casOK: true}
	fetcher := &fakeFetcher{series: latencySeries(50)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.casLast.status != jobs.StatusSuccess {
		t.Fatalf("want success, got %s", store.casLast.status)
	}
}

func TestExecute_CASLostDropsRun(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) < 100"), casOK: false}
	fetcher := &fakeFetcher{series: latencySeries(150)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("CAS loss is a drop, not an error: %v", err)
	}
	if len(store.opened) != 0 || store.closed != 0 || len(store.saved) != 0 {
		t.Fatalf("dropped run must not write bookkeeping")
	}
}

func TestExecute_RecordFailureAbandonsUnit(t *testing.T) {
	store := &fakeStore{job: monitoredJob("max(latency) < 100"), casErr: errors.New("db down")}
	fetcher := &fakeFetcher{series: latencySeries(150)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err == nil {
		t.Fatalf("infrastructure write failure must surface")
	}
}

func TestExecute_JobGoneDropsUnit(t *testing.T) {
	store := &fakeStore{}
	if err := newPipeline(store, &fakeFetcher{}, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("missing job must drop the unit cleanly: %v", err)
	}
	if store.casCalls != 0 {
		t.Fatalf("no writes for a missing job")
	}
}

func TestExecute_InactiveJobDropsUnit(t *testing.T) {
	job := monitoredJob("max(latency) < 100")
	job.Active = false
	store := &fakeStore{job: job}
	fetcher := &fakeFetcher{series: latencySeries(150)}

	if err := newPipeline(store, fetcher, &fakeAlerter{}).Execute(context.Background(), unit()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if fetcher.fetches != 0 || store.casCalls != 0 {
		t.Fatalf("disabled job must not run the pipeline")
	}
}
