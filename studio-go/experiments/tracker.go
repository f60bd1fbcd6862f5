package experiments

import (
	"context"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

// ErrNotFound is returned by trackers for unknown experiments and runs.
var ErrNotFound = errors.Sentinel("not found")

// RunStatus is the lifecycle status of a run as recorded by the tracker.
type RunStatus string

const (
	// RunStatusRunning is set when a run is started or restarted.
	RunStatusRunning RunStatus = "RUNNING"
	// RunStatusFinished is set when a run has ended normally.
	RunStatusFinished RunStatus = "FINISHED"
	// RunStatusFailed is set when a run ended with an error.
	RunStatusFailed RunStatus = "FAILED"
	// RunStatusKilled is set when a run was interrupted.
	RunStatusKilled RunStatus = "KILLED"
)

// Terminal is true for statuses that end a run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

// Experiment is the tracker container of a fine-tuning session.
type Experiment struct {
	ID           string
	Name         string
	CreationTime time.Time
}

// Run is a hyperparameter trial within an experiment.
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time

	Params map[string]string
	// Metrics holds the latest value of every logged metric.
	Metrics map[string]float64
	// MetricSteps holds the step of each latest value in Metrics.
	MetricSteps map[string]int64
	Tags        map[string]string
}

// Metric returns the latest value of the named metric.
func (r Run) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// RunFilter selects runs in SearchRuns. Empty fields match everything.
type RunFilter struct {
	// Params must all be equal to the run's params.
	Params map[string]string
	// Statuses lists accepted statuses.
	Statuses []RunStatus
}

// Match reports whether run satisfies the filter.
func (f RunFilter) Match(run Run) bool {
	for k, v := range f.Params {
		if run.Params[k] != v {
			return false
		}
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// Tracker is the experiment-tracking service the manager keeps its state in.
//
// SearchRuns must return runs in a deterministic order for a fixed backing store; the manager
// breaks quality ties by that order.
type Tracker interface {
	// GetExperimentByName returns false if no experiment has that name.
	GetExperimentByName(ctx context.Context, name string) (Experiment, bool, error)
	CreateExperiment(ctx context.Context, name string) (string, error)
	ListExperiments(ctx context.Context) ([]Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	// GetRunByName returns false if no run of the experiment has that name.
	GetRunByName(ctx context.Context, experimentID, name string) (Run, bool, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	CreateRun(ctx context.Context, experimentID, name string) (Run, error)
	SetRunStatus(ctx context.Context, runID string, status RunStatus) error

	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID, key string, value float64, step int64) error
	SetTag(ctx context.Context, runID, key, value string) error

	SearchRuns(ctx context.Context, experimentIDs []string, filter RunFilter) ([]Run, error)
}
