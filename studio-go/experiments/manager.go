// Package experiments manages fine-tuning sessions and runs on top of an experiment-tracking
// service.
//
// A Manager is a state machine: after Open it always has a current session, which is the
// reserved initial session until SetSession is called, and at most one active run. A Manager
// is not safe for concurrent use, and nothing prevents two processes from creating the same
// session or run concurrently; callers serialize access to a session.
package experiments

import (
	"context"
	"strings"

	"github.com/embeddingstudio/embeddingstudio/studio-go/metrics"
	"github.com/embeddingstudio/embeddingstudio/studio-go/modelstore"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/studiolog"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

var (
	// ErrInitialSession is returned for operations that are invalid on the initial session.
	ErrInitialSession = errors.Sentinel("operation is not allowed on the initial session")
	// ErrNoSession is returned when no session is current.
	ErrNoSession = errors.Sentinel("there is no current session")
	// ErrNoRun is returned when no run is active.
	ErrNoRun = errors.Sentinel("there is no current run")
	// ErrNoMetric is returned when the main metric was never logged for a run.
	ErrNoMetric = errors.Sentinel("main metric is not recorded")
	// ErrInvalidOption is returned by NewManager.
	ErrInvalidOption = errors.Sentinel("invalid option")
	// ErrClosed is returned after Close.
	ErrClosed = errors.Sentinel("manager is closed")
	// ErrNoInitialModel is returned when the initial model was never uploaded.
	ErrNoInitialModel = errors.Sentinel("initial model is not uploaded")
)

const (
	// DefaultNTopRuns is the default number of params sets returned by GetTopParams.
	DefaultNTopRuns = 10

	// ParamModelUploaded marks runs whose model is stored.
	ParamModelUploaded = "model_uploaded"
	// TagModelURI records where the run's model is stored.
	TagModelURI = "model_uri"
	// TagRequirements records the requirements the model was uploaded with.
	TagRequirements = "model_requirements"
	// TagError records why a run failed.
	TagError = "error"

	experimentCacheSize = 128
)

// Options configures a Manager.
type Options struct {
	// MainMetric is the metric used to pick the best run.
	MainMetric string
	// IsLoss means the best run has the minimal MainMetric.
	IsLoss bool
	// NTopRuns bounds GetTopParams; zero selects DefaultNTopRuns.
	NTopRuns int
	// Accumulators receive every metric passed to SaveMetric.
	Accumulators []*metrics.Accumulator
	// Requirements are recorded alongside uploaded models.
	Requirements []string
	Logger       *zap.Logger
}

type runState struct {
	id     string
	name   string
	params FineTuningParams
	// next step of every metric name
	steps map[string]int64
	// a previous attempt of the run uploaded a model
	uploaded bool
}

// Manager manages fine-tuning sessions and runs through a Tracker and stores models in a
// modelstore.Store.
type Manager struct {
	tracker Tracker
	store   modelstore.Store
	opts    Options
	log     *zap.Logger

	// experiment name -> id
	experimentIDs *lru.Cache

	sessionName string
	sessionID   string
	run         *runState
	closed      bool
}

// NewManager validates opts and creates a manager in StateNoSession; call Open before use.
func NewManager(tracker Tracker, store modelstore.Store, opts Options) (*Manager, error) {
	if tracker == nil {
		return nil, errors.Wrapf(ErrInvalidOption, "tracker is required")
	}
	if store == nil {
		return nil, errors.Wrapf(ErrInvalidOption, "model store is required")
	}
	if strings.TrimSpace(opts.MainMetric) == "" {
		return nil, errors.Wrapf(ErrInvalidOption, "main metric should be a not empty string")
	}
	if opts.NTopRuns < 0 {
		return nil, errors.Wrapf(ErrInvalidOption, "n top runs should not be negative, got %d", opts.NTopRuns)
	}
	if opts.NTopRuns == 0 {
		opts.NTopRuns = DefaultNTopRuns
	}

	cache, err := lru.New(experimentCacheSize)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create experiment cache")
	}

	m := &Manager{
		tracker:       tracker,
		store:         store,
		opts:          opts,
		log:           studiolog.OrNop(opts.Logger),
		experimentIDs: cache,
	}
	if len(opts.Accumulators) == 0 {
		m.log.Warn("no accumulators were provided, there will be no metrics logged")
	}
	return m, nil
}

// Open enters the initial session.
func (m *Manager) Open(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	return m.FinishSession(ctx)
}

// Close finishes the active run and the current session. It tries every step even if one
// fails and returns the combined errors; calling it again is a no-op.
func (m *Manager) Close(ctx context.Context) (err error) {
	if m.closed {
		return nil
	}
	if m.run != nil {
		err = errors.Combine(err, m.FinishRun(ctx))
	}
	if m.sessionID != "" && m.sessionName != InitialExperimentName {
		err = errors.Combine(err, m.FinishSession(ctx))
	}

	m.closed = true
	m.run = nil
	m.sessionName = ""
	m.sessionID = ""
	return err
}

// IsLoss is true when the main metric is minimized.
func (m *Manager) IsLoss() bool {
	return m.opts.IsLoss
}

// MainMetric is the metric used to pick the best run.
func (m *Manager) MainMetric() string {
	return m.opts.MainMetric
}

// State of the manager.
func (m *Manager) State() State {
	switch {
	case m.closed || m.sessionID == "":
		return StateNoSession
	case m.run != nil:
		return StateInRun
	default:
		return StateInSession
	}
}

// SessionID is the experiment id of the current session, empty in StateNoSession.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// SessionName is the experiment name of the current session.
func (m *Manager) SessionName() string {
	return m.sessionName
}

// RunID is the id of the active run, empty when no run is active.
func (m *Manager) RunID() string {
	if m.run == nil {
		return ""
	}
	return m.run.id
}

func (m *Manager) onInitialSession() bool {
	return m.sessionName == InitialExperimentName
}

// experimentID resolves name through the cache. Unknown names return "" without error.
func (m *Manager) experimentID(ctx context.Context, name string) (string, error) {
	if id, ok := m.experimentIDs.Get(name); ok {
		return id.(string), nil
	}
	exp, found, err := m.tracker.GetExperimentByName(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "unable to get experiment %s", name)
	}
	if !found {
		return "", nil
	}
	m.experimentIDs.Add(name, exp.ID)
	return exp.ID, nil
}

// ensureExperiment resolves name or creates the experiment.
func (m *Manager) ensureExperiment(ctx context.Context, name string) (string, error) {
	id, err := m.experimentID(ctx, name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id, err = m.tracker.CreateExperiment(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "unable to create experiment %s", name)
	}
	m.log.Info("created experiment", zap.String("experiment", name), zap.String("experiment_id", id))
	m.experimentIDs.Add(name, id)
	return id, nil
}

// SetSession starts or resumes a fine-tuning session, finishing the active run first.
func (m *Manager) SetSession(ctx context.Context, session FineTuningSession) error {
	if m.closed {
		return ErrClosed
	}
	if m.run != nil {
		if err := m.FinishRun(ctx); err != nil {
			return err
		}
	}
	if m.onInitialSession() {
		if err := m.FinishSession(ctx); err != nil {
			return err
		}
	}

	name := session.String()
	m.log.Info("start a new fine-tuning session", zap.String("session", name))

	id, err := m.ensureExperiment(ctx, name)
	if err != nil {
		return err
	}
	m.sessionName = name
	m.sessionID = id
	return nil
}

// SetRun starts the run of params within the current session, finishing the active run first.
// A run that already exists under the same name is resumed: its metrics continue after the
// recorded steps.
func (m *Manager) SetRun(ctx context.Context, params FineTuningParams) error {
	if m.closed {
		return ErrClosed
	}
	if m.sessionID == "" {
		return ErrNoSession
	}
	if m.onInitialSession() {
		return errors.Wrapf(ErrInitialSession, "you can't start run for initial experiment")
	}
	if m.run != nil {
		if err := m.FinishRun(ctx); err != nil {
			return err
		}
	}

	name := params.ID()
	m.log.Info("start a new run",
		zap.String("session_id", m.sessionID),
		zap.String("run", name),
		zap.String("params", params.String()))

	run, found, err := m.tracker.GetRunByName(ctx, m.sessionID, name)
	if err != nil {
		return errors.Wrapf(err, "unable to look up run %s", name)
	}
	if found {
		if err := m.tracker.SetRunStatus(ctx, run.ID, RunStatusRunning); err != nil {
			return errors.Wrapf(err, "unable to resume run %s", run.ID)
		}
	} else {
		run, err = m.tracker.CreateRun(ctx, m.sessionID, name)
		if err != nil {
			return errors.Wrapf(err, "unable to create run %s", name)
		}
	}

	m.run = &runState{
		id:       run.ID,
		name:     name,
		params:   params,
		steps:    make(map[string]int64, len(run.MetricSteps)),
		uploaded: found && run.Params[ParamModelUploaded] == "1",
	}
	// trackers keep the value with the highest step, so a resumed run continues after it
	for key, step := range run.MetricSteps {
		m.run.steps[key] = step + 1
	}

	session := FineTuningSession{ID: strings.TrimPrefix(m.sessionName, ExperimentPrefix+" / ")}
	for _, p := range append(session.Params(), params.Params()...) {
		if err := m.tracker.LogParam(ctx, run.ID, p.Key, p.Value); err != nil {
			return errors.Wrapf(err, "unable to log param %s", p.Key)
		}
	}
	return nil
}

// FinishRun clears the accumulators and ends the active run as finished.
func (m *Manager) FinishRun(ctx context.Context) error {
	return m.finishRun(ctx, RunStatusFinished, nil)
}

// FailRun clears the accumulators and ends the active run as failed, recording cause.
func (m *Manager) FailRun(ctx context.Context, cause error) error {
	return m.finishRun(ctx, RunStatusFailed, cause)
}

func (m *Manager) finishRun(ctx context.Context, status RunStatus, cause error) error {
	for _, acc := range m.opts.Accumulators {
		acc.Clear()
	}
	if m.run == nil {
		return nil
	}

	run := m.run
	m.run = nil
	m.log.Info("finish current run",
		zap.String("session_id", m.sessionID),
		zap.String("run_id", run.id),
		zap.String("status", string(status)))

	var err error
	if cause != nil {
		err = m.tracker.SetTag(ctx, run.id, TagError, cause.Error())
	}
	if serr := m.tracker.SetRunStatus(ctx, run.id, status); serr != nil {
		err = errors.Combine(err, errors.Wrapf(serr, "unable to end run %s", run.id))
	}
	return err
}

// FinishSession makes the initial session current again, creating its experiment if needed.
func (m *Manager) FinishSession(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	if m.sessionID != "" {
		m.log.Info("finish current session", zap.String("session_id", m.sessionID))
	}

	id, err := m.ensureExperiment(ctx, InitialExperimentName)
	if err != nil {
		return err
	}
	m.sessionName = InitialExperimentName
	m.sessionID = id
	return nil
}

// SaveMetric passes v to every accumulator and logs what they emit to the active run.
func (m *Manager) SaveMetric(ctx context.Context, v metrics.MetricValue) error {
	if m.run == nil {
		return ErrNoRun
	}
	for _, acc := range m.opts.Accumulators {
		for _, nv := range acc.Accumulate(v) {
			step := m.run.steps[nv.Name]
			m.run.steps[nv.Name] = step + 1
			if err := m.tracker.LogMetric(ctx, m.run.id, nv.Name, nv.Value, step); err != nil {
				return errors.Wrapf(err, "unable to log metric %s", nv.Name)
			}
		}
	}
	return nil
}

// ListSessions returns the session experiments, the initial one included, in tracker order.
func (m *Manager) ListSessions(ctx context.Context) ([]Experiment, error) {
	exps, err := m.tracker.ListExperiments(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list experiments")
	}

	var sessions []Experiment
	for _, exp := range exps {
		if isSessionName(exp.Name) {
			sessions = append(sessions, exp)
		}
	}
	return sessions, nil
}

// PreviousSessionID returns the most recently created session experiment other than the initial
// one and the current one, or "" when there is none.
func (m *Manager) PreviousSessionID(ctx context.Context) (string, error) {
	exps, err := m.ListSessions(ctx)
	if err != nil {
		return "", err
	}

	var latest *Experiment
	for i := range exps {
		exp := exps[i]
		if exp.Name == InitialExperimentName || exp.ID == m.sessionID {
			continue
		}
		if latest == nil || !exp.CreationTime.Before(latest.CreationTime) {
			latest = &exp
		}
	}
	if latest == nil {
		m.log.Warn("no previous sessions found")
		return "", nil
	}
	return latest.ID, nil
}

// DeletePreviousSession deletes the experiment returned by PreviousSessionID, if any.
func (m *Manager) DeletePreviousSession(ctx context.Context) error {
	id, err := m.PreviousSessionID(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		m.log.Warn("can't delete a previous session, no previous session in history")
		return nil
	}

	m.log.Info("deleting previous session", zap.String("session_id", id))
	if err := m.tracker.DeleteExperiment(ctx, id); err != nil {
		return errors.Wrapf(err, "unable to delete experiment %s", id)
	}
	for _, key := range m.experimentIDs.Keys() {
		if cached, ok := m.experimentIDs.Peek(key); ok && cached.(string) == id {
			m.experimentIDs.Remove(key)
		}
	}
	return nil
}
