package finetune

import (
	"context"
	"path/filepath"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/rollbar"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/studiolog"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultMaxEvals is the number of suggested trials of a session without previous results.
const DefaultMaxEvals = 100

// TrialResult is the outcome of one params set.
type TrialResult struct {
	Params  experiments.FineTuningParams
	Quality float64
	// Objective is minimized by suggesters: the quality for losses, its opposite otherwise.
	Objective float64
	Err       error
}

// Report lists the trials of a sweep in execution order.
type Report struct {
	Session experiments.FineTuningSession
	Trials  []TrialResult
}

// Best returns the successful trial with the best quality; ties go to the earliest trial.
func (r Report) Best(isLoss bool) (TrialResult, bool) {
	var best TrialResult
	var found bool
	for _, t := range r.Trials {
		if t.Err != nil {
			continue
		}
		if !found || (isLoss && t.Quality < best.Quality) || (!isLoss && t.Quality > best.Quality) {
			best, found = t, true
		}
	}
	return best, found
}

// Failures returns the failed trials.
func (r Report) Failures() []TrialResult {
	var failed []TrialResult
	for _, t := range r.Trials {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// FailureReporter is notified of every failed trial.
type FailureReporter func(err error, session, runName string, params map[string]string)

// Sweep fine-tunes the last model of a session over many params sets.
type Sweep struct {
	Manager  Manager
	Trainer  Trainer
	Settings Settings
	// NewModel returns an empty model to deserialize into.
	NewModel func() EmbeddingsModel

	// Suggester defaults to a RandomSuggester seeded with 0.
	Suggester Suggester
	// Fs holds the model snapshot during the sweep; defaults to the OS filesystem.
	Fs afero.Fs
	// ReportFailure defaults to rollbar.TrialFailed.
	ReportFailure FailureReporter
	Logger        *zap.Logger
}

func (s *Sweep) validate() error {
	switch {
	case s.Manager == nil:
		return errors.New("sweep requires a manager")
	case s.Trainer == nil:
		return errors.New("sweep requires a trainer")
	case s.NewModel == nil:
		return errors.New("sweep requires a model constructor")
	}
	return s.Settings.Validate()
}

func (s *Sweep) log() *zap.Logger {
	return studiolog.OrNop(s.Logger)
}

// FineTuneOneParam trains model with params in a new run of the current session and returns the
// quality of the run. The model is saved if it is the best of the session; a failed save is
// logged and does not fail the trial.
func (s *Sweep) FineTuneOneParam(ctx context.Context, model EmbeddingsModel, params experiments.FineTuningParams) (float64, error) {
	log := s.log()
	if err := s.Manager.SetRun(ctx, params); err != nil {
		return 0, err
	}

	model.FixItemModel(params.NumFixedLayers)
	model.FixQueryModel(params.NumFixedLayers)

	log.Info("start fine-tuning", zap.String("run", params.ID()))
	err := s.Trainer.Fit(ctx, model, s.Settings, params, s.Manager)
	model.UnfixItemModel()
	model.UnfixQueryModel()
	if err != nil {
		err = errors.Wrapf(err, "training failed")
		return 0, errors.Combine(err, s.Manager.FailRun(ctx, err))
	}

	quality, err := s.Manager.GetQuality(ctx)
	if err != nil {
		return 0, errors.Combine(err, s.Manager.FailRun(ctx, err))
	}

	log.Info("save model, best only", zap.Float64("quality", quality))
	if _, err := s.Manager.SaveModel(ctx, model, true); err != nil {
		log.Error("unable to save a model", zap.Error(err))
	}

	if err := s.Manager.FinishRun(ctx); err != nil {
		return quality, err
	}
	return quality, nil
}

// Run sweeps session. Sessions following a previous one retry the top params of that session;
// otherwise up to maxEvals suggested params sets are tried over space. Every trial starts from
// the last model of the previous session. Failed trials are reported and the sweep goes on; the
// returned error is about the sweep itself. The manager is back on the initial session when Run
// returns.
func (s *Sweep) Run(ctx context.Context, session experiments.FineTuningSession, space SearchSpace, maxEvals int) (report Report, err error) {
	report.Session = session
	if err := s.validate(); err != nil {
		return report, err
	}
	if err := space.Validate(); err != nil {
		return report, errors.Wrapf(err, "invalid search space")
	}
	if maxEvals <= 0 {
		maxEvals = DefaultMaxEvals
	}

	top, err := s.Manager.GetTopParams(ctx)
	if err != nil {
		return report, errors.Wrapf(err, "unable to get top params")
	}
	if err := s.Manager.SetSession(ctx, session); err != nil {
		return report, err
	}
	defer func() {
		err = errors.Combine(err, s.Manager.FinishSession(ctx))
	}()

	snap, err := s.snapshot(ctx)
	if err != nil {
		return report, err
	}
	defer snap.remove(s.log())

	trial := func(params experiments.FineTuningParams) TrialResult {
		result := s.trial(ctx, snap, session, params)
		report.Trials = append(report.Trials, result)
		return result
	}

	if len(top) > 0 {
		s.log().Info("retrying top params of the previous session", zap.Int("count", len(top)))
		for _, params := range top {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			trial(params)
		}
		return report, nil
	}

	suggester := s.Suggester
	if suggester == nil {
		suggester = NewRandomSuggester(0)
	}
	for i := 0; i < maxEvals; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		params, ok, err := suggester.Suggest(space)
		if err != nil {
			return report, errors.Wrapf(err, "unable to suggest params")
		}
		if !ok {
			s.log().Info("search space is exhausted", zap.Int("trials", i))
			break
		}
		suggester.Observe(trial(params))
	}
	return report, nil
}

// modelSnapshot is the serialized starting model of every trial of a sweep.
type modelSnapshot struct {
	fs   afero.Fs
	dir  string
	path string
}

// snapshot saves the last model to a temporary file; remove deletes it.
func (s *Sweep) snapshot(ctx context.Context) (*modelSnapshot, error) {
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	model := s.NewModel()
	if err := s.Manager.GetLastModel(ctx, model); err != nil {
		return nil, errors.Wrapf(err, "unable to get the last model")
	}
	data, err := model.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to serialize the last model")
	}

	dir, err := afero.TempDir(fs, "", "finetune-")
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create snapshot directory")
	}
	snap := &modelSnapshot{fs: fs, dir: dir, path: filepath.Join(dir, "initial_model.bin")}
	if err := afero.WriteFile(fs, snap.path, data, 0600); err != nil {
		snap.remove(s.log())
		return nil, errors.Wrapf(err, "unable to write model snapshot")
	}
	return snap, nil
}

func (m *modelSnapshot) remove(log *zap.Logger) {
	if err := m.fs.RemoveAll(m.dir); err != nil {
		log.Warn("unable to remove model snapshot", zap.String("dir", m.dir), zap.Error(err))
	}
}

// load deserializes a fresh copy of the snapshot.
func (m *modelSnapshot) load(newModel func() EmbeddingsModel) (EmbeddingsModel, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read model snapshot")
	}
	model := newModel()
	if err := model.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrapf(err, "unable to load model snapshot")
	}
	return model, nil
}

func (s *Sweep) trial(ctx context.Context, snap *modelSnapshot, session experiments.FineTuningSession, params experiments.FineTuningParams) TrialResult {
	result := TrialResult{Params: params}

	model, err := snap.load(s.NewModel)
	if err == nil {
		result.Quality, err = s.FineTuneOneParam(ctx, model, params)
	}
	if err != nil {
		result.Err = err
		s.log().Error("trial failed", zap.String("run", params.ID()), zap.Error(err))
		report := s.ReportFailure
		if report == nil {
			report = rollbar.TrialFailed
		}
		report(err, session.String(), params.ID(), params.Map())
		return result
	}

	result.Objective = result.Quality
	if !s.Manager.IsLoss() {
		result.Objective = -result.Quality
	}
	return result
}
