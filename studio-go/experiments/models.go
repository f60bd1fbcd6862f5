package experiments

import (
	"bytes"
	"context"
	"encoding"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/embeddingstudio/embeddingstudio/studio-go/modelstore"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"go.uber.org/zap"
)

// uploadedFilter selects the runs whose model can be downloaded.
func uploadedFilter() RunFilter {
	return RunFilter{
		Params:   map[string]string{ParamModelUploaded: "1"},
		Statuses: []RunStatus{RunStatusFinished},
	}
}

// better reports whether a beats b on the main metric; equal values are not better.
func (m *Manager) better(a, b float64) bool {
	if m.opts.IsLoss {
		return a < b
	}
	return a > b
}

// GetQuality returns the main metric of the active run.
func (m *Manager) GetQuality(ctx context.Context) (float64, error) {
	if m.onInitialSession() {
		return 0, errors.Wrapf(ErrInitialSession, "can't retrieve run quality for the initial session")
	}
	if m.run == nil {
		return 0, ErrNoRun
	}

	run, err := m.tracker.GetRun(ctx, m.run.id)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to get run %s", m.run.id)
	}
	v, ok := run.Metric(m.opts.MainMetric)
	if !ok {
		return 0, errors.Wrapf(ErrNoMetric, "%s of run %s", m.opts.MainMetric, run.ID)
	}
	return v, nil
}

// uploadedRuns returns the finished runs of the experiment with an uploaded model and the
// main metric recorded, in tracker order.
func (m *Manager) uploadedRuns(ctx context.Context, experimentID string) ([]Run, error) {
	runs, err := m.tracker.SearchRuns(ctx, []string{experimentID}, uploadedFilter())
	if err != nil {
		return nil, errors.Wrapf(err, "unable to search runs of experiment %s", experimentID)
	}

	var scored []Run
	for _, run := range runs {
		if _, ok := run.Metric(m.opts.MainMetric); !ok {
			m.log.Warn("run has no main metric, skipping",
				zap.String("run_id", run.ID), zap.String("metric", m.opts.MainMetric))
			continue
		}
		scored = append(scored, run)
	}
	return scored, nil
}

// BestRun returns the best finished run of the experiment with an uploaded model; ties go to the
// earliest run.
func (m *Manager) BestRun(ctx context.Context, experimentID string) (Run, bool, error) {
	runs, err := m.uploadedRuns(ctx, experimentID)
	if err != nil {
		return Run{}, false, err
	}
	if len(runs) == 0 {
		return Run{}, false, nil
	}

	best := runs[0]
	for _, run := range runs[1:] {
		if m.better(run.Metrics[m.opts.MainMetric], best.Metrics[m.opts.MainMetric]) {
			best = run
		}
	}
	return best, true, nil
}

func (m *Manager) bestQuality(ctx context.Context, experimentID string) (string, float64, bool, error) {
	run, found, err := m.BestRun(ctx, experimentID)
	if err != nil || !found {
		return "", 0, false, err
	}
	return run.ID, run.Metrics[m.opts.MainMetric], true, nil
}

// GetBestQuality returns the id and the main metric of the best uploaded run of the current
// session. found is false when no run of the session has an uploaded model.
func (m *Manager) GetBestQuality(ctx context.Context) (runID string, quality float64, found bool, err error) {
	if m.sessionID == "" {
		return "", 0, false, ErrNoSession
	}
	if m.onInitialSession() {
		return "", 0, false, errors.Wrapf(ErrInitialSession, "no metrics for initial experiment")
	}
	return m.bestQuality(ctx, m.sessionID)
}

// SaveModel uploads the model of the active run. With bestOnly the upload is skipped unless
// the run is at least as good as the best uploaded run of the session, or the run is resumed
// and already marked as uploaded: its stored model must match its latest metrics. It returns
// whether the model was uploaded.
func (m *Manager) SaveModel(ctx context.Context, model encoding.BinaryMarshaler, bestOnly bool) (bool, error) {
	if m.onInitialSession() {
		return false, errors.Wrapf(ErrInitialSession, "can't save not initial model for the initial session")
	}
	if m.run == nil {
		return false, ErrNoRun
	}

	if bestOnly && !m.run.uploaded {
		quality, err := m.GetQuality(ctx)
		if err != nil {
			return false, err
		}
		bestID, best, found, err := m.bestQuality(ctx, m.sessionID)
		if err != nil {
			return false, err
		}
		if found && m.better(best, quality) {
			m.log.Info("current run is not the best one, model is not uploaded",
				zap.String("run_id", m.run.id),
				zap.Float64("quality", quality),
				zap.String("best_run_id", bestID),
				zap.Float64("best_quality", best))
			return false, nil
		}
	}

	if err := m.upload(ctx, model); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) upload(ctx context.Context, model encoding.BinaryMarshaler) error {
	data, err := model.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "unable to serialize model")
	}

	uri, err := m.store.Put(ctx, modelstore.RunKey(m.sessionID, m.run.id), bytes.NewReader(data))
	if err != nil {
		return errors.Wrapf(err, "unable to upload model of run %s", m.run.id)
	}
	m.log.Info("uploaded model", zap.String("run_id", m.run.id), zap.String("uri", uri), zap.Int("bytes", len(data)))

	if err := m.tracker.SetTag(ctx, m.run.id, TagModelURI, uri); err != nil {
		return errors.Wrapf(err, "unable to tag model uri")
	}
	if len(m.opts.Requirements) > 0 {
		reqs := strings.Join(m.opts.Requirements, "\n")
		if err := m.tracker.SetTag(ctx, m.run.id, TagRequirements, reqs); err != nil {
			return errors.Wrapf(err, "unable to tag model requirements")
		}
	}
	// set last: runs marked as uploaded must have a readable model
	if err := m.tracker.LogParam(ctx, m.run.id, ParamModelUploaded, "1"); err != nil {
		return errors.Wrapf(err, "unable to mark model as uploaded")
	}
	return nil
}

func (m *Manager) download(ctx context.Context, run Run, into encoding.BinaryUnmarshaler) error {
	r, err := m.store.Get(ctx, modelstore.RunKey(run.ExperimentID, run.ID))
	if err != nil {
		return errors.Wrapf(err, "unable to open model of run %s", run.ID)
	}
	defer r.Close()

	data, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "unable to read model of run %s", run.ID)
	}
	if err := into.UnmarshalBinary(data); err != nil {
		return errors.Wrapf(err, "unable to deserialize model of run %s", run.ID)
	}
	return nil
}

// GetTopParams returns the params of the best runs of the previous session, best first, at
// most NTopRuns of them. It returns nil when there is no previous session.
func (m *Manager) GetTopParams(ctx context.Context) ([]FineTuningParams, error) {
	prev, err := m.PreviousSessionID(ctx)
	if err != nil || prev == "" {
		return nil, err
	}

	runs, err := m.uploadedRuns(ctx, prev)
	if err != nil {
		return nil, err
	}
	metric := m.opts.MainMetric
	sort.SliceStable(runs, func(i, j int) bool {
		return m.better(runs[i].Metrics[metric], runs[j].Metrics[metric])
	})
	if len(runs) > m.opts.NTopRuns {
		runs = runs[:m.opts.NTopRuns]
	}

	var top []FineTuningParams
	for _, run := range runs {
		params, err := ParamsFromMap(run.Params)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse params of run %s", run.ID)
		}
		top = append(top, params)
	}
	return top, nil
}

// UploadInitialModel stores model as the initial model, finishing the active run and leaving
// the manager on the initial session.
func (m *Manager) UploadInitialModel(ctx context.Context, model encoding.BinaryMarshaler) error {
	if m.closed {
		return ErrClosed
	}
	if err := m.FinishRun(ctx); err != nil {
		return err
	}
	if err := m.FinishSession(ctx); err != nil {
		return err
	}

	run, found, err := m.tracker.GetRunByName(ctx, m.sessionID, InitialRunName)
	if err != nil {
		return errors.Wrapf(err, "unable to look up initial run")
	}
	if found {
		m.log.Info("initial run already exists, the model will be overwritten", zap.String("run_id", run.ID))
		err = m.tracker.SetRunStatus(ctx, run.ID, RunStatusRunning)
	} else {
		run, err = m.tracker.CreateRun(ctx, m.sessionID, InitialRunName)
	}
	if err != nil {
		return errors.Wrapf(err, "unable to start initial run")
	}

	m.run = &runState{id: run.ID, name: InitialRunName, steps: make(map[string]int64)}
	if err := m.upload(ctx, model); err != nil {
		return errors.Combine(err, m.FailRun(ctx, err))
	}
	return m.FinishRun(ctx)
}

// DownloadInitialModel loads the initial model into into.
func (m *Manager) DownloadInitialModel(ctx context.Context, into encoding.BinaryUnmarshaler) error {
	id, err := m.experimentID(ctx, InitialExperimentName)
	if err != nil {
		return err
	}
	if id == "" {
		return errors.Wrapf(ErrNoInitialModel, "no initial experiment")
	}

	run, found, err := m.tracker.GetRunByName(ctx, id, InitialRunName)
	if err != nil {
		return errors.Wrapf(err, "unable to look up initial run")
	}
	if !found || run.Params[ParamModelUploaded] != "1" {
		return errors.Wrapf(ErrNoInitialModel, "experiment %s", id)
	}
	return m.download(ctx, run, into)
}

// GetLastModel loads the best model of the previous session into into, or the initial model
// when there is no previous session or it has no uploaded model.
func (m *Manager) GetLastModel(ctx context.Context, into encoding.BinaryUnmarshaler) error {
	prev, err := m.PreviousSessionID(ctx)
	if err != nil {
		return err
	}
	if prev != "" {
		run, found, err := m.BestRun(ctx, prev)
		if err != nil {
			return err
		}
		if found {
			m.log.Info("loading best model of the previous session",
				zap.String("session_id", prev), zap.String("run_id", run.ID))
			return m.download(ctx, run, into)
		}
		m.log.Warn("previous session has no uploaded models", zap.String("session_id", prev))
	}

	m.log.Info("loading initial model")
	return m.DownloadInitialModel(ctx, into)
}
