// Package features holds the per-example tensors extracted from clickstream sessions.
//
// A SessionFeatures value is immutable: Accumulate, ClampDiffIn and UsePositiveFrom return a
// new, validated value and never share backing arrays with their inputs.
package features

import (
	"math"

	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

var (
	// ErrType is returned when a field is not a numeric sequence.
	ErrType = errors.Sentinel("unsupported tensor type")
	// ErrLength is returned when present fields have different lengths.
	ErrLength = errors.Sentinel("all present fields must have the same length")
	// ErrMissingField is returned when an operation needs a field that is absent.
	ErrMissingField = errors.Sentinel("required field is absent")
)

// Tensor is a 1-D numeric sequence. A nil Tensor marks an absent field.
type Tensor []float64

func (t Tensor) clone() Tensor {
	if t == nil {
		return nil
	}
	return append(make(Tensor, 0, len(t)), t...)
}

func (t Tensor) head(n int) Tensor {
	if t == nil {
		return nil
	}
	if n > len(t) {
		n = len(t)
	}
	return t[:n].clone()
}

func (t Tensor) masked(mask []bool) Tensor {
	if t == nil {
		return nil
	}
	out := make(Tensor, 0, len(t))
	for i, keep := range mask {
		if keep {
			out = append(out, t[i])
		}
	}
	return out
}

// ToTensor converts a numeric slice to a Tensor. nil converts to an absent Tensor.
func ToTensor(v interface{}) (Tensor, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case Tensor:
		return v.clone(), nil
	case []float64:
		return Tensor(v).clone(), nil
	case []float32:
		t := make(Tensor, len(v))
		for i, x := range v {
			t[i] = float64(x)
		}
		return t, nil
	case []int:
		t := make(Tensor, len(v))
		for i, x := range v {
			t[i] = float64(x)
		}
		return t, nil
	case []int64:
		t := make(Tensor, len(v))
		for i, x := range v {
			t[i] = float64(x)
		}
		return t, nil
	default:
		return nil, errors.Wrapf(ErrType, "%T", v)
	}
}

// Fields are the raw tensors of a SessionFeatures.
type Fields struct {
	// PositiveRanks are ranks of positive results
	PositiveRanks Tensor
	// NegativeRanks are ranks of negative results
	NegativeRanks Tensor
	// Target is 1 where ranks are similarities and -1 where they are distances
	Target Tensor
	// PositiveConfidences are confidences of positive results (like clicks)
	PositiveConfidences Tensor
	// NegativeConfidences are confidences of not positive results
	NegativeConfidences Tensor
}

func (f Fields) tensors() []Tensor {
	return []Tensor{f.PositiveRanks, f.NegativeRanks, f.Target, f.PositiveConfidences, f.NegativeConfidences}
}

func (f Fields) clone() Fields {
	return Fields{
		PositiveRanks:       f.PositiveRanks.clone(),
		NegativeRanks:       f.NegativeRanks.clone(),
		Target:              f.Target.clone(),
		PositiveConfidences: f.PositiveConfidences.clone(),
		NegativeConfidences: f.NegativeConfidences.clone(),
	}
}

// SessionFeatures are the extracted features of one clickstream session, or of several
// accumulated sessions.
type SessionFeatures struct {
	f Fields
}

// New validates f and returns the corresponding features. The tensors are copied.
func New(f Fields) (SessionFeatures, error) {
	return newOwned(f.clone())
}

// FromValues builds features from loosely typed numeric slices; see ToTensor for the
// accepted types.
func FromValues(positiveRanks, negativeRanks, target, positiveConfidences, negativeConfidences interface{}) (SessionFeatures, error) {
	names := []string{"positive_ranks", "negative_ranks", "target", "positive_confidences", "negative_confidences"}
	values := []interface{}{positiveRanks, negativeRanks, target, positiveConfidences, negativeConfidences}

	tensors := make([]Tensor, len(values))
	for i, v := range values {
		t, err := ToTensor(v)
		if err != nil {
			return SessionFeatures{}, errors.Wrapf(err, "%s must be a numeric slice or nil", names[i])
		}
		tensors[i] = t
	}

	return newOwned(Fields{
		PositiveRanks:       tensors[0],
		NegativeRanks:       tensors[1],
		Target:              tensors[2],
		PositiveConfidences: tensors[3],
		NegativeConfidences: tensors[4],
	})
}

// newOwned validates f without copying; callers must own every tensor in f.
func newOwned(f Fields) (SessionFeatures, error) {
	if err := checkLengths(f); err != nil {
		return SessionFeatures{}, err
	}
	return SessionFeatures{f: f}, nil
}

func checkLengths(f Fields) error {
	length := -1
	for _, t := range f.tensors() {
		if t == nil {
			continue
		}
		if length == -1 {
			length = len(t)
			continue
		}
		if len(t) != length {
			return errors.Wrapf(ErrLength, "got lengths %v", lengths(f))
		}
	}
	return nil
}

func lengths(f Fields) []int {
	var ls []int
	for _, t := range f.tensors() {
		if t == nil {
			ls = append(ls, -1)
			continue
		}
		ls = append(ls, len(t))
	}
	return ls
}

// PositiveRanks returns a copy of the positive ranks, nil when absent.
func (s SessionFeatures) PositiveRanks() Tensor { return s.f.PositiveRanks.clone() }

// NegativeRanks returns a copy of the negative ranks, nil when absent.
func (s SessionFeatures) NegativeRanks() Tensor { return s.f.NegativeRanks.clone() }

// Target returns a copy of the target, nil when absent.
func (s SessionFeatures) Target() Tensor { return s.f.Target.clone() }

// PositiveConfidences returns a copy of the positive confidences, nil when absent.
func (s SessionFeatures) PositiveConfidences() Tensor { return s.f.PositiveConfidences.clone() }

// NegativeConfidences returns a copy of the negative confidences, nil when absent.
func (s SessionFeatures) NegativeConfidences() Tensor { return s.f.NegativeConfidences.clone() }

// Fields returns a copy of all tensors.
func (s SessionFeatures) Fields() Fields { return s.f.clone() }

// Len is the shared length of the present fields, 0 when no field is present.
func (s SessionFeatures) Len() int {
	for _, t := range s.f.tensors() {
		if t != nil {
			return len(t)
		}
	}
	return 0
}

// Empty is true when no field is present.
func (s SessionFeatures) Empty() bool {
	for _, t := range s.f.tensors() {
		if t != nil {
			return false
		}
	}
	return true
}

func concat(a, b Tensor) Tensor {
	switch {
	case a != nil && b != nil:
		out := make(Tensor, 0, len(a)+len(b))
		return append(append(out, a...), b...)
	case b != nil:
		return b.clone()
	default:
		return a.clone()
	}
}

// Accumulate appends the examples of other after the examples of s, field by field.
func (s SessionFeatures) Accumulate(other SessionFeatures) (SessionFeatures, error) {
	res, err := newOwned(Fields{
		PositiveRanks:       concat(s.f.PositiveRanks, other.f.PositiveRanks),
		NegativeRanks:       concat(s.f.NegativeRanks, other.f.NegativeRanks),
		Target:              concat(s.f.Target, other.f.Target),
		PositiveConfidences: concat(s.f.PositiveConfidences, other.f.PositiveConfidences),
		NegativeConfidences: concat(s.f.NegativeConfidences, other.f.NegativeConfidences),
	})
	if err != nil {
		return SessionFeatures{}, errors.Wrapf(err, "unable to accumulate features")
	}
	return res, nil
}

// ClampDiffIn keeps the examples with min < |positive - negative| < max. It is a no-op when
// either rank field is absent.
func (s SessionFeatures) ClampDiffIn(min, max float64) (SessionFeatures, error) {
	if s.f.PositiveRanks == nil || s.f.NegativeRanks == nil {
		return SessionFeatures{f: s.f.clone()}, nil
	}

	mask := make([]bool, len(s.f.PositiveRanks))
	for i := range mask {
		diff := math.Abs(s.f.PositiveRanks[i] - s.f.NegativeRanks[i])
		mask[i] = diff > min && diff < max
	}

	return newOwned(Fields{
		PositiveRanks:       s.f.PositiveRanks.masked(mask),
		NegativeRanks:       s.f.NegativeRanks.masked(mask),
		Target:              s.f.Target.masked(mask),
		PositiveConfidences: s.f.PositiveConfidences.masked(mask),
		NegativeConfidences: s.f.NegativeConfidences.masked(mask),
	})
}

// UsePositiveFrom borrows positive examples from other for a fully irrelevant session, which
// turns a triplet-style loss into a contrastive one. The longer of s's negatives and other's
// positives is truncated so both match.
//
// NOTE: the borrowed positive ranks are also stored as the positive confidences; other's
// positive confidences are never read. Consumers rely on this.
func (s SessionFeatures) UsePositiveFrom(other SessionFeatures) (SessionFeatures, error) {
	if err := checkLengths(other.f); err != nil {
		return SessionFeatures{}, errors.Wrapf(err, "invalid donor session")
	}
	if s.f.NegativeRanks == nil {
		return SessionFeatures{}, errors.Wrapf(ErrMissingField, "negative_ranks of irrelevant session")
	}
	if other.f.PositiveRanks == nil {
		return SessionFeatures{}, errors.Wrapf(ErrMissingField, "positive_ranks of donor session")
	}

	n := len(other.f.PositiveRanks)
	if len(s.f.NegativeRanks) < n {
		n = len(s.f.NegativeRanks)
	}

	borrowed := other.f.PositiveRanks.head(n)
	res, err := newOwned(Fields{
		PositiveRanks:       borrowed,
		NegativeRanks:       s.f.NegativeRanks.head(n),
		Target:              s.f.Target.head(n),
		PositiveConfidences: borrowed.clone(),
		NegativeConfidences: s.f.NegativeConfidences.head(n),
	})
	if err != nil {
		return SessionFeatures{}, errors.Wrapf(err, "unable to borrow positive examples")
	}
	return res, nil
}
