package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the outcome of one completed run. Absent until the first
// run completes; exactly one value describes a run.
type JobStatus string

const (
	StatusSuccess             JobStatus = "success"
	StatusFailed              JobStatus = "failed"
	StatusError               JobStatus = "error"
	StatusGraphiteError       JobStatus = "graphite_error"
	StatusGraphiteMetricError JobStatus = "graphite_metric_error"
	StatusSecurityError       JobStatus = "security_error"
)

// Valid reports whether s is one of the six defined statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError,
		StatusGraphiteError, StatusGraphiteMetricError, StatusSecurityError:
		return true
	}
	return false
}

// DefaultErrorTimeout is the alert suppression window, in minutes, applied
// when a job does not set its own.
const DefaultErrorTimeout = 60

type Job struct {
	ID           string             `json:"id"`
	AppID        string             `json:"app_id"`
	UserID       string             `json:"user_id"`
	Name         string             `json:"name"`
	CronExpr     string             `json:"cron_expr"`
	Metrics      []string           `json:"metrics"`
	Monitor      *string            `json:"monitor,omitempty"`
	MinutesBack  int                `json:"minutes_back"`
	ToDate       *time.Time         `json:"to_date,omitempty"`
	Active       bool               `json:"active"`
	Status       *JobStatus         `json:"status,omitempty"`
	LastRun      *time.Time         `json:"last_run,omitempty"`
	NextRun      *time.Time         `json:"next_run,omitempty"` // derived, never persisted
	Destinations []AlertDestination `json:"destinations,omitempty"`
	ErrorTimeout int                `json:"error_timeout"` // minutes
	AlertedAt    *time.Time         `json:"alerted_at,omitempty"`
	DeletedAt    *time.Time         `json:"deleted_at,omitempty"`
	Version      int64              `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Schedulable reports whether the scheduler may consider this job at all.
// A job with no persisted identity cannot be scheduled; an inactive or
// soft-deleted job is never due.
func (j *Job) Schedulable() bool {
	return j.ID != "" && j.Active && j.DeletedAt == nil
}

// SuppressionWindow returns the error-timeout as a duration.
func (j *Job) SuppressionWindow() time.Duration {
	to := j.ErrorTimeout
	if to <= 0 {
		to = DefaultErrorTimeout
	}
	return time.Duration(to) * time.Minute
}

// JobError is an open/close interval over a failing status. At most one
// open record (EndedAt nil) exists per job.
type JobError struct {
	ID        int64      `json:"id"`
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	Message   *string    `json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// DataPoint is one sample. A nil Value means "no data at this timestamp",
// which is distinct from zero.
type DataPoint struct {
	Timestamp int64    `json:"ts"`
	Value     *float64 `json:"value"`
}

// MetricSeries holds one metric's samples in timestamp-ascending order.
type MetricSeries struct {
	Metric string      `json:"metric"`
	Points []DataPoint `json:"points"`
}

// TimeSeries is a fetched series set, outer order following the job's
// metric selector order.
type TimeSeries []MetricSeries

// Values returns the non-nil sample values of one series, in order.
func (m MetricSeries) Values() []float64 {
	out := make([]float64, 0, len(m.Points))
	for _, p := range m.Points {
		if p.Value != nil {
			out = append(out, *p.Value)
		}
	}
	return out
}

// MonitorOutput is what the sandbox produced: the expression's textual
// output plus an opaque graph-rendering payload.
type MonitorOutput struct {
	Status    JobStatus       `json:"status"`
	Output    string          `json:"output"`
	GraphData json.RawMessage `json:"graph_data,omitempty"`
}

// AnalysisResult is the executor's final verdict for one run.
type AnalysisResult struct {
	Status  JobStatus     `json:"status"`
	Output  MonitorOutput `json:"output"`
	Message *string       `json:"message,omitempty"`
	Series  TimeSeries    `json:"series,omitempty"`
}

// ExecutionUnit is one claimed run travelling on the cluster work queue.
type ExecutionUnit struct {
	RunID       string    `json:"run_id"`
	JobID       string    `json:"job_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (u ExecutionUnit) Validate() error {
	if u.RunID == "" || u.JobID == "" || u.ScheduledAt.IsZero() {
		return fmt.Errorf("execution unit: missing fields")
	}
	return nil
}
