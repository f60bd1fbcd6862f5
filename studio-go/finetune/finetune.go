// Package finetune drives hyperparameter sweeps of an embeddings model, recording every trial
// through an experiments.Manager.
package finetune

import (
	"context"
	"encoding"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-go/metrics"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

// ErrInvalidSettings is returned by Settings.Validate.
var ErrInvalidSettings = errors.Sentinel("invalid fine-tuning settings")

// EmbeddingsModel is a query model and an items model trained together. Models are moved between
// trials by their binary form.
type EmbeddingsModel interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	// FixItemModel freezes the first numFixedLayers layers of the items model.
	FixItemModel(numFixedLayers int)
	UnfixItemModel()
	// FixQueryModel freezes the first numFixedLayers layers of the query model.
	FixQueryModel(numFixedLayers int)
	UnfixQueryModel()
}

// MetricSink receives the metrics produced while training.
type MetricSink interface {
	SaveMetric(ctx context.Context, v metrics.MetricValue) error
}

// Trainer fits a model with one params set, reporting train and test metrics to sink.
type Trainer interface {
	Fit(ctx context.Context, model EmbeddingsModel, settings Settings, params experiments.FineTuningParams, sink MetricSink) error
}

// Manager is the part of *experiments.Manager a sweep needs.
type Manager interface {
	MetricSink

	IsLoss() bool
	SetSession(ctx context.Context, session experiments.FineTuningSession) error
	FinishSession(ctx context.Context) error
	SetRun(ctx context.Context, params experiments.FineTuningParams) error
	FinishRun(ctx context.Context) error
	FailRun(ctx context.Context, cause error) error
	GetQuality(ctx context.Context) (float64, error)
	SaveModel(ctx context.Context, model encoding.BinaryMarshaler, bestOnly bool) (bool, error)
	GetTopParams(ctx context.Context) ([]experiments.FineTuningParams, error)
	GetLastModel(ctx context.Context, into encoding.BinaryUnmarshaler) error
}

var _ Manager = (*experiments.Manager)(nil)

// Settings are the training settings shared by every trial of a sweep.
type Settings struct {
	// LossFunc names the ranking loss the trainer uses.
	LossFunc string
	// StepSize is the scheduler step size.
	StepSize int
	// TestEachNSessions is how often the test set is evaluated: a count of train sessions, or a
	// fraction of an epoch when below 1. Zero evaluates once per epoch.
	TestEachNSessions float64
	NumEpochs         int
	BatchSize         int
}

// DefaultSettings are the settings of the default fine-tuning method.
func DefaultSettings() Settings {
	return Settings{
		LossFunc:          "cosine_prob_margin_ranking",
		StepSize:          35,
		TestEachNSessions: 0.5,
		NumEpochs:         3,
		BatchSize:         1,
	}
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	switch {
	case s.LossFunc == "":
		return errors.Wrapf(ErrInvalidSettings, "loss function is required")
	case s.StepSize <= 0:
		return errors.Wrapf(ErrInvalidSettings, "step size should be positive, got %d", s.StepSize)
	case s.TestEachNSessions < 0:
		return errors.Wrapf(ErrInvalidSettings, "test each n sessions should not be negative, got %v", s.TestEachNSessions)
	case s.NumEpochs <= 0:
		return errors.Wrapf(ErrInvalidSettings, "num epochs should be positive, got %d", s.NumEpochs)
	case s.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidSettings, "batch size should be positive, got %d", s.BatchSize)
	}
	return nil
}
