// Package localdb implements experiments.Tracker on a leveldb database, for running without a
// tracking server and for tests.
package localdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	experimentPrefix = "exp/"
	expNamePrefix    = "expname/"
	runPrefix        = "run/"
	runNamePrefix    = "runname/"
	seqKey           = "meta/seq"
)

type experimentRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreationTime time.Time `json:"creation_time"`
	Seq          uint64    `json:"seq"`
}

type runRecord struct {
	ID           string                `json:"id"`
	ExperimentID string                `json:"experiment_id"`
	Name         string                `json:"name"`
	Status       experiments.RunStatus `json:"status"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
	Params       map[string]string     `json:"params"`
	Metrics      map[string]metric     `json:"metrics"`
	Tags         map[string]string     `json:"tags"`
	Seq          uint64                `json:"seq"`
}

// metric is the latest value of a metric, the one with the highest step.
type metric struct {
	Value float64 `json:"value"`
	Step  int64   `json:"step"`
}

func (r runRecord) run() experiments.Run {
	out := experiments.Run{
		ID:           r.ID,
		ExperimentID: r.ExperimentID,
		Name:         r.Name,
		Status:       r.Status,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Params:       make(map[string]string, len(r.Params)),
		Metrics:      make(map[string]float64, len(r.Metrics)),
		MetricSteps:  make(map[string]int64, len(r.Metrics)),
		Tags:         make(map[string]string, len(r.Tags)),
	}
	for k, v := range r.Params {
		out.Params[k] = v
	}
	for k, v := range r.Metrics {
		out.Metrics[k] = v.Value
		out.MetricSteps[k] = v.Step
	}
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	return out
}

var _ experiments.Tracker = (*DB)(nil)

// Option configures a DB.
type Option func(*DB)

// WithClock sets the time source of creation, start and end times.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// DB is a Tracker backed by leveldb. It is safe for concurrent use.
type DB struct {
	m   sync.Mutex
	db  *leveldb.DB
	now func() time.Time
	seq uint64
}

// OpenFile opens or creates the database at path.
func OpenFile(path string, opts ...Option) (*DB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open tracking db %s", path)
	}
	return newDB(db, opts)
}

// OpenMem opens an empty in-memory database.
func OpenMem(opts ...Option) (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open in-memory tracking db")
	}
	return newDB(db, opts)
}

func newDB(ldb *leveldb.DB, opts []Option) (*DB, error) {
	db := &DB{db: ldb, now: time.Now}
	for _, o := range opts {
		o(db)
	}

	val, err := ldb.Get([]byte(seqKey), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		ldb.Close()
		return nil, errors.Wrapf(err, "unable to read sequence")
	default:
		if err := json.Unmarshal(val, &db.seq); err != nil {
			ldb.Close()
			return nil, errors.Wrapf(err, "invalid sequence")
		}
	}
	return db, nil
}

// Close the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func newID() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrapf(err, "unable to generate id")
	}
	return strings.Replace(u.String(), "-", "", -1), nil
}

// nextSeq must be called with d.m held; the new value is written with batch.
func (d *DB) nextSeq(batch *leveldb.Batch) {
	d.seq++
	buf, _ := json.Marshal(d.seq)
	batch.Put([]byte(seqKey), buf)
}

func putJSON(batch *leveldb.Batch, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "unable to encode %s", key)
	}
	batch.Put([]byte(key), buf)
	return nil
}

func (d *DB) getJSON(key string, v interface{}) error {
	val, err := d.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return errors.Wrapf(experiments.ErrNotFound, "%s", key)
	}
	if err != nil {
		return errors.Wrapf(err, "unable to read %s", key)
	}
	if err := json.Unmarshal(val, v); err != nil {
		return errors.Wrapf(err, "unable to decode %s", key)
	}
	return nil
}

func (d *DB) getString(key string) (string, bool, error) {
	val, err := d.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "unable to read %s", key)
	}
	return string(val), true, nil
}

func runNameKey(experimentID, name string) string {
	return fmt.Sprintf("%s%s/%s", runNamePrefix, experimentID, name)
}

// GetExperimentByName implements experiments.Tracker.
func (d *DB) GetExperimentByName(ctx context.Context, name string) (experiments.Experiment, bool, error) {
	id, found, err := d.getString(expNamePrefix + name)
	if err != nil || !found {
		return experiments.Experiment{}, false, err
	}

	var rec experimentRecord
	if err := d.getJSON(experimentPrefix+id, &rec); err != nil {
		return experiments.Experiment{}, false, err
	}
	return experiments.Experiment{ID: rec.ID, Name: rec.Name, CreationTime: rec.CreationTime}, true, nil
}

// CreateExperiment implements experiments.Tracker.
func (d *DB) CreateExperiment(ctx context.Context, name string) (string, error) {
	d.m.Lock()
	defer d.m.Unlock()

	_, found, err := d.getString(expNamePrefix + name)
	if err != nil {
		return "", err
	}
	if found {
		return "", errors.Errorf("experiment %s already exists", name)
	}

	id, err := newID()
	if err != nil {
		return "", err
	}

	batch := new(leveldb.Batch)
	d.nextSeq(batch)
	rec := experimentRecord{ID: id, Name: name, CreationTime: d.now(), Seq: d.seq}
	if err := putJSON(batch, experimentPrefix+id, rec); err != nil {
		return "", err
	}
	batch.Put([]byte(expNamePrefix+name), []byte(id))

	if err := d.db.Write(batch, nil); err != nil {
		return "", errors.Wrapf(err, "unable to write experiment %s", name)
	}
	return id, nil
}

// ListExperiments implements experiments.Tracker, in creation order.
func (d *DB) ListExperiments(ctx context.Context) ([]experiments.Experiment, error) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte(experimentPrefix)), nil)
	defer iter.Release()

	var recs []experimentRecord
	for iter.Next() {
		var rec experimentRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %s", iter.Key())
		}
		recs = append(recs, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "unable to list experiments")
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	exps := make([]experiments.Experiment, 0, len(recs))
	for _, rec := range recs {
		exps = append(exps, experiments.Experiment{ID: rec.ID, Name: rec.Name, CreationTime: rec.CreationTime})
	}
	return exps, nil
}

// DeleteExperiment implements experiments.Tracker. The runs of the experiment are deleted too.
func (d *DB) DeleteExperiment(ctx context.Context, id string) error {
	d.m.Lock()
	defer d.m.Unlock()

	var rec experimentRecord
	if err := d.getJSON(experimentPrefix+id, &rec); err != nil {
		return err
	}

	runs, err := d.runs(map[string]bool{id: true})
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(experimentPrefix + id))
	batch.Delete([]byte(expNamePrefix + rec.Name))
	for _, run := range runs {
		batch.Delete([]byte(runPrefix + run.ID))
		batch.Delete([]byte(runNameKey(id, run.Name)))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "unable to delete experiment %s", id)
	}
	return nil
}

// GetRunByName implements experiments.Tracker.
func (d *DB) GetRunByName(ctx context.Context, experimentID, name string) (experiments.Run, bool, error) {
	id, found, err := d.getString(runNameKey(experimentID, name))
	if err != nil || !found {
		return experiments.Run{}, false, err
	}
	run, err := d.GetRun(ctx, id)
	if err != nil {
		return experiments.Run{}, false, err
	}
	return run, true, nil
}

// GetRun implements experiments.Tracker.
func (d *DB) GetRun(ctx context.Context, runID string) (experiments.Run, error) {
	var rec runRecord
	if err := d.getJSON(runPrefix+runID, &rec); err != nil {
		return experiments.Run{}, err
	}
	return rec.run(), nil
}

// CreateRun implements experiments.Tracker.
func (d *DB) CreateRun(ctx context.Context, experimentID, name string) (experiments.Run, error) {
	d.m.Lock()
	defer d.m.Unlock()

	var exp experimentRecord
	if err := d.getJSON(experimentPrefix+experimentID, &exp); err != nil {
		return experiments.Run{}, err
	}

	id, err := newID()
	if err != nil {
		return experiments.Run{}, err
	}

	batch := new(leveldb.Batch)
	d.nextSeq(batch)
	rec := runRecord{
		ID:           id,
		ExperimentID: experimentID,
		Name:         name,
		Status:       experiments.RunStatusRunning,
		StartTime:    d.now(),
		Params:       make(map[string]string),
		Metrics:      make(map[string]metric),
		Tags:         make(map[string]string),
		Seq:          d.seq,
	}
	if err := putJSON(batch, runPrefix+id, rec); err != nil {
		return experiments.Run{}, err
	}
	batch.Put([]byte(runNameKey(experimentID, name)), []byte(id))

	if err := d.db.Write(batch, nil); err != nil {
		return experiments.Run{}, errors.Wrapf(err, "unable to write run %s", name)
	}
	return rec.run(), nil
}

// updateRun applies fn to the stored run under the lock.
func (d *DB) updateRun(runID string, fn func(*runRecord) error) error {
	d.m.Lock()
	defer d.m.Unlock()

	var rec runRecord
	if err := d.getJSON(runPrefix+runID, &rec); err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, runPrefix+runID, rec); err != nil {
		return err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "unable to write run %s", runID)
	}
	return nil
}

// SetRunStatus implements experiments.Tracker.
func (d *DB) SetRunStatus(ctx context.Context, runID string, status experiments.RunStatus) error {
	return d.updateRun(runID, func(rec *runRecord) error {
		rec.Status = status
		if status.Terminal() {
			rec.EndTime = d.now()
		} else {
			rec.EndTime = time.Time{}
		}
		return nil
	})
}

// LogParam implements experiments.Tracker. Params are immutable once logged.
func (d *DB) LogParam(ctx context.Context, runID, key, value string) error {
	return d.updateRun(runID, func(rec *runRecord) error {
		if old, ok := rec.Params[key]; ok && old != value {
			return errors.Errorf("param %s of run %s already logged with value %s", key, runID, old)
		}
		rec.Params[key] = value
		return nil
	})
}

// LogMetric implements experiments.Tracker.
func (d *DB) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	return d.updateRun(runID, func(rec *runRecord) error {
		if old, ok := rec.Metrics[key]; ok && old.Step > step {
			return nil
		}
		rec.Metrics[key] = metric{Value: value, Step: step}
		return nil
	})
}

// SetTag implements experiments.Tracker.
func (d *DB) SetTag(ctx context.Context, runID, key, value string) error {
	return d.updateRun(runID, func(rec *runRecord) error {
		rec.Tags[key] = value
		return nil
	})
}

// runs returns the runs of the experiments, all runs when experimentIDs is nil, ordered by start
// time then creation.
func (d *DB) runs(experimentIDs map[string]bool) ([]runRecord, error) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte(runPrefix)), nil)
	defer iter.Release()

	var recs []runRecord
	for iter.Next() {
		var rec runRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %s", iter.Key())
		}
		if experimentIDs != nil && !experimentIDs[rec.ExperimentID] {
			continue
		}
		recs = append(recs, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "unable to list runs")
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartTime.Equal(recs[j].StartTime) {
			return recs[i].StartTime.Before(recs[j].StartTime)
		}
		return recs[i].Seq < recs[j].Seq
	})
	return recs, nil
}

// SearchRuns implements experiments.Tracker.
func (d *DB) SearchRuns(ctx context.Context, experimentIDs []string, filter experiments.RunFilter) ([]experiments.Run, error) {
	ids := make(map[string]bool, len(experimentIDs))
	for _, id := range experimentIDs {
		ids[id] = true
	}

	recs, err := d.runs(ids)
	if err != nil {
		return nil, err
	}

	var runs []experiments.Run
	for _, rec := range recs {
		run := rec.run()
		if filter.Match(run) {
			runs = append(runs, run)
		}
	}
	return runs, nil
}
