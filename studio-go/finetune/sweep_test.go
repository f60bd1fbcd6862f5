package finetune

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments/localdb"
	"github.com/embeddingstudio/embeddingstudio/studio-go/metrics"
	"github.com/embeddingstudio/embeddingstudio/studio-go/modelstore"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qualityMetric = "test_not_irrelevant_dist_shift"

// fakeModel records how many trials trained it and its frozen layers.
type fakeModel struct {
	Generation int `json:"generation"`

	fixedItems int
	fixedQuery int
}

func (m *fakeModel) MarshalBinary() ([]byte, error)    { return json.Marshal(m) }
func (m *fakeModel) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, m) }
func (m *fakeModel) FixItemModel(n int)                { m.fixedItems = n }
func (m *fakeModel) UnfixItemModel()                   { m.fixedItems = 0 }
func (m *fakeModel) FixQueryModel(n int)               { m.fixedQuery = n }
func (m *fakeModel) UnfixQueryModel()                  { m.fixedQuery = 0 }

// fakeTrainer reports quality(params) as the test metric.
type fakeTrainer struct {
	quality func(experiments.FineTuningParams) (float64, error)

	generations []int
	fixed       []int
}

func (f *fakeTrainer) Fit(ctx context.Context, model EmbeddingsModel, settings Settings, params experiments.FineTuningParams, sink MetricSink) error {
	m := model.(*fakeModel)
	f.generations = append(f.generations, m.Generation)
	f.fixed = append(f.fixed, m.fixedItems)
	m.Generation++

	if err := sink.SaveMetric(ctx, metrics.MetricValue{Name: "train_loss", Value: 1}); err != nil {
		return err
	}
	q, err := f.quality(params)
	if err != nil {
		return err
	}
	return sink.SaveMetric(ctx, metrics.MetricValue{Name: qualityMetric, Value: q})
}

type failure struct {
	session string
	run     string
}

type sweepFixture struct {
	manager  *experiments.Manager
	tracker  *localdb.DB
	fs       afero.Fs
	failures []failure
}

func newSweepFixture(t *testing.T) *sweepFixture {
	db, err := localdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := afero.NewMemMapFs()
	m, err := experiments.NewManager(db, modelstore.NewFsStore(fs, "/models"), experiments.Options{
		MainMetric: qualityMetric,
		Accumulators: []*metrics.Accumulator{
			metrics.NewAccumulator("train_loss", metrics.WithAll()),
			metrics.NewAccumulator(qualityMetric),
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Open(ctx))
	require.NoError(t, m.UploadInitialModel(ctx, &fakeModel{}))
	return &sweepFixture{manager: m, tracker: db, fs: fs}
}

func (f *sweepFixture) sweep(trainer Trainer) *Sweep {
	return &Sweep{
		Manager:   f.manager,
		Trainer:   trainer,
		Settings:  DefaultSettings(),
		NewModel:  func() EmbeddingsModel { return &fakeModel{} },
		Suggester: NewRandomSuggester(1),
		Fs:        f.fs,
		ReportFailure: func(err error, session, run string, params map[string]string) {
			f.failures = append(f.failures, failure{session: session, run: run})
		},
	}
}

func qualityByLR(params experiments.FineTuningParams) (float64, error) {
	return params.QueryLR, nil
}

func TestFineTuneOneParam(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	trainer := &fakeTrainer{quality: qualityByLR}
	s := f.sweep(trainer)

	require.NoError(t, f.manager.SetSession(ctx, experiments.FineTuningSession{ID: "s1"}))
	params := experiments.DefaultParams()
	params.QueryLR = 0.5
	params.NumFixedLayers = 6

	model := &fakeModel{}
	quality, err := s.FineTuneOneParam(ctx, model, params)
	require.NoError(t, err)
	assert.Equal(t, 0.5, quality)
	assert.Equal(t, experiments.StateInSession, f.manager.State())
	assert.Equal(t, []int{6}, trainer.fixed)
	assert.Equal(t, 0, model.fixedItems)
	assert.Equal(t, 0, model.fixedQuery)

	_, best, found, err := f.manager.GetBestQuality(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0.5, best)
}

func TestFineTuneOneParamFailure(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	s := f.sweep(&fakeTrainer{quality: func(experiments.FineTuningParams) (float64, error) {
		return 0, errors.New("diverged")
	}})

	require.NoError(t, f.manager.SetSession(ctx, experiments.FineTuningSession{ID: "s1"}))
	_, err := s.FineTuneOneParam(ctx, &fakeModel{}, experiments.DefaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
	assert.Equal(t, experiments.StateInSession, f.manager.State())

	runs, err := f.tracker.SearchRuns(ctx, []string{f.manager.SessionID()}, experiments.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, experiments.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Tags[experiments.TagError], "diverged")
}

func TestSweepFirstSession(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	trainer := &fakeTrainer{quality: qualityByLR}
	s := f.sweep(trainer)

	session := experiments.FineTuningSession{ID: "s1"}
	report, err := s.Run(ctx, session, smallSpace(), 4)
	require.NoError(t, err)
	require.Len(t, report.Trials, 4)
	assert.Empty(t, report.Failures())
	assert.Equal(t, session, report.Session)

	// every trial starts from the initial model
	assert.Equal(t, []int{0, 0, 0, 0}, trainer.generations)

	best, ok := report.Best(false)
	require.True(t, ok)
	for _, trial := range report.Trials {
		assert.True(t, best.Quality >= trial.Quality)
		assert.Equal(t, -trial.Quality, trial.Objective)
	}

	assert.Equal(t, experiments.InitialExperimentName, f.manager.SessionName())
	assertNoSnapshot(t, f.fs)
}

func TestSweepExhaustsSmallSpace(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	s := f.sweep(&fakeTrainer{quality: qualityByLR})

	report, err := s.Run(ctx, experiments.FineTuningSession{ID: "s1"}, smallSpace(), 100)
	require.NoError(t, err)
	assert.Len(t, report.Trials, 6)
}

func TestSweepRetriesTopParams(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	trainer := &fakeTrainer{quality: qualityByLR}
	s := f.sweep(trainer)

	first, err := s.Run(ctx, experiments.FineTuningSession{ID: "s1"}, smallSpace(), 6)
	require.NoError(t, err)
	bestFirst, ok := first.Best(false)
	require.True(t, ok)

	trainer.generations = nil
	second, err := s.Run(ctx, experiments.FineTuningSession{ID: "s2"}, smallSpace(), 6)
	require.NoError(t, err)
	require.NotEmpty(t, second.Trials)

	// the best uploaded run of s1 comes first and trials start from its model
	assert.Equal(t, bestFirst.Params.ID(), second.Trials[0].Params.ID())
	for _, g := range trainer.generations {
		assert.Equal(t, 1, g)
	}
	assert.Len(t, second.Trials, len(uploadedParams(t, f, "s1")))
}

func uploadedParams(t *testing.T, f *sweepFixture, sessionID string) []experiments.Run {
	ctx := context.Background()
	exp, found, err := f.tracker.GetExperimentByName(ctx, experiments.FineTuningSession{ID: sessionID}.String())
	require.NoError(t, err)
	require.True(t, found)

	runs, err := f.tracker.SearchRuns(ctx, []string{exp.ID}, experiments.RunFilter{
		Params:   map[string]string{experiments.ParamModelUploaded: "1"},
		Statuses: []experiments.RunStatus{experiments.RunStatusFinished},
	})
	require.NoError(t, err)
	return runs
}

func TestSweepReportsFailedTrials(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	s := f.sweep(&fakeTrainer{quality: func(p experiments.FineTuningParams) (float64, error) {
		if p.Margin == 0.05 {
			return 0, errors.New("nan loss")
		}
		return p.QueryLR, nil
	}})

	report, err := s.Run(ctx, experiments.FineTuningSession{ID: "s1"}, smallSpace(), 6)
	require.NoError(t, err)
	require.Len(t, report.Trials, 6)
	assert.Len(t, report.Failures(), 3)
	require.Len(t, f.failures, 3)
	for _, fail := range f.failures {
		assert.Equal(t, "Fine tuning session / s1", fail.session)
	}

	best, ok := report.Best(false)
	require.True(t, ok)
	assert.Equal(t, 0.3, best.Quality)
	assert.Equal(t, 0.01, best.Params.Margin)
	assertNoSnapshot(t, f.fs)
}

func TestSweepWithoutInitialModel(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	fs := afero.NewMemMapFs()
	m, err := experiments.NewManager(db, modelstore.NewFsStore(fs, "/models"), experiments.Options{MainMetric: qualityMetric})
	require.NoError(t, err)
	require.NoError(t, m.Open(ctx))

	f := &sweepFixture{manager: m, tracker: db, fs: fs}
	_, err = f.sweep(&fakeTrainer{quality: qualityByLR}).Run(ctx, experiments.FineTuningSession{ID: "s1"}, smallSpace(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, experiments.ErrNoInitialModel))
	assert.Equal(t, experiments.InitialExperimentName, m.SessionName())
}

func TestSweepCanceled(t *testing.T) {
	f := newSweepFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := f.sweep(&fakeTrainer{quality: func(p experiments.FineTuningParams) (float64, error) {
		cancel()
		return p.QueryLR, nil
	}})

	report, err := s.Run(ctx, experiments.FineTuningSession{ID: "s1"}, smallSpace(), 6)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Len(t, report.Trials, 1)
}

func TestReport(t *testing.T) {
	r := Report{Trials: []TrialResult{
		{Quality: 0.2},
		{Quality: 0.9, Err: errors.New("failed")},
		{Quality: 0.5},
		{Quality: 0.1},
		{Quality: 0.5},
	}}

	best, ok := r.Best(false)
	require.True(t, ok)
	assert.Equal(t, 0.5, best.Quality)

	best, ok = r.Best(true)
	require.True(t, ok)
	assert.Equal(t, 0.1, best.Quality)

	assert.Len(t, r.Failures(), 1)

	_, ok = Report{}.Best(false)
	assert.False(t, ok)
}

func assertNoSnapshot(t *testing.T, fs afero.Fs) {
	matches, err := afero.Glob(fs, os.TempDir()+"/finetune-*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
