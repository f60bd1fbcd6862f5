package metrics

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

// DefaultWindowSize is the number of latest values used for the sliding mean.
const DefaultWindowSize = 10

// MetricValue is a single scalar measured during a batch or a step.
type MetricValue struct {
	Name  string
	Value float64
}

// WithPrefix returns a copy of v named "<prefix>_<name>".
func (v MetricValue) WithPrefix(prefix string) MetricValue {
	return MetricValue{Name: fmt.Sprintf("%s_%s", prefix, v.Name), Value: v.Value}
}

// NamedValue is a derived value ready to be recorded.
type NamedValue struct {
	Name  string
	Value float64
}

// Option enables a derived statistic on an Accumulator.
type Option func(*Accumulator)

// WithMean records the mean over the whole history as mean_<name>.
func WithMean() Option {
	return func(a *Accumulator) { a.calcMean = true }
}

// WithSliding records the mean over the latest window values as sliding_<name>.
// A non-positive window selects DefaultWindowSize.
func WithSliding(window int) Option {
	return func(a *Accumulator) {
		a.calcSliding = true
		if window > 0 {
			a.windowSize = window
		}
	}
}

// WithMin records the minimum over the whole history as min_<name>.
func WithMin() Option {
	return func(a *Accumulator) { a.calcMin = true }
}

// WithMax records the maximum over the whole history as max_<name>.
func WithMax() Option {
	return func(a *Accumulator) { a.calcMax = true }
}

// WithAll enables every derived statistic with the default window.
func WithAll() Option {
	return func(a *Accumulator) {
		WithMean()(a)
		WithSliding(0)(a)
		WithMin()(a)
		WithMax()(a)
	}
}

// Accumulator buffers the values of one metric during a run and turns each new value into
// the list of values to record. It is not safe for concurrent use.
type Accumulator struct {
	name string

	calcMean    bool
	calcSliding bool
	calcMin     bool
	calcMax     bool
	windowSize  int

	values []float64
}

// NewAccumulator creates an accumulator for the metric called name.
func NewAccumulator(name string, opts ...Option) *Accumulator {
	a := &Accumulator{
		name:       name,
		windowSize: DefaultWindowSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name of the accumulated metric.
func (a *Accumulator) Name() string {
	return a.name
}

// Len is the number of values accumulated since the last Clear.
func (a *Accumulator) Len() int {
	return len(a.values)
}

// Clear drops the history; called at run boundaries.
func (a *Accumulator) Clear() {
	a.values = nil
}

// Accumulate adds v to the history if it belongs to this accumulator's metric and returns the
// raw value followed by the enabled statistics. Values of other metrics are ignored.
func (a *Accumulator) Accumulate(v MetricValue) []NamedValue {
	if v.Name != a.name {
		return nil
	}
	a.values = append(a.values, v.Value)

	out := []NamedValue{{Name: a.name, Value: v.Value}}
	if a.calcMean {
		out = append(out, NamedValue{Name: "mean_" + a.name, Value: mustStat(stats.Mean(a.values))})
	}
	if a.calcSliding {
		window := a.values
		if len(window) > a.windowSize {
			window = window[len(window)-a.windowSize:]
		}
		out = append(out, NamedValue{Name: "sliding_" + a.name, Value: mustStat(stats.Mean(window))})
	}
	if a.calcMin {
		out = append(out, NamedValue{Name: "min_" + a.name, Value: mustStat(stats.Min(a.values))})
	}
	if a.calcMax {
		out = append(out, NamedValue{Name: "max_" + a.name, Value: mustStat(stats.Max(a.values))})
	}
	return out
}

// mustStat unwraps a statistic over a non-empty history, which never fails.
func mustStat(v float64, err error) float64 {
	if err != nil {
		panic(fmt.Sprintf("statistic over non-empty history failed: %v", err))
	}
	return v
}
