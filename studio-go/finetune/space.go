package finetune

import (
	"math"
	"math/rand"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

// Parameter is one searched hyperparameter: a tracker param key and the values it can take,
// written the way the tracker records them.
type Parameter struct {
	Key     string
	Choices []string
}

// SearchSpace is the grid a sweep samples from. Keys missing from the space keep their
// experiments.DefaultParams value.
type SearchSpace []Parameter

// DefaultSearchSpace is the space used for text-to-image CLIP models.
func DefaultSearchSpace() SearchSpace {
	return SearchSpace{
		{Key: experiments.KeyNumFixedLayers, Choices: []string{"5", "6", "7", "8"}},
		{Key: experiments.KeyQueryLR, Choices: []string{"0.0001", "0.0005", "0.001", "0.005"}},
		{Key: experiments.KeyItemsLR, Choices: []string{"0.0001", "0.0005", "0.001", "0.005"}},
		{Key: experiments.KeyQueryWeightDecay, Choices: []string{"0", "1e-06", "1e-05", "0.0001"}},
		{Key: experiments.KeyItemsWeightDecay, Choices: []string{"0", "1e-06", "1e-05", "0.0001"}},
		{Key: experiments.KeyMargin, Choices: []string{"0.01", "0.025", "0.05"}},
		{Key: experiments.KeyNotIrrelevantOnly, Choices: []string{"true"}},
		{Key: experiments.KeyNegativeDownsampling, Choices: []string{"0.5"}},
		{Key: experiments.KeyExamplesOrder, Choices: []string{"11"}},
	}
}

// Validate checks that every parameter has a unique key and parseable choices.
func (s SearchSpace) Validate() error {
	seen := make(map[string]bool)
	for _, p := range s {
		if p.Key == "" {
			return errors.New("search space parameter without key")
		}
		if seen[p.Key] {
			return errors.Errorf("duplicate search space parameter %s", p.Key)
		}
		seen[p.Key] = true
		if len(p.Choices) == 0 {
			return errors.Errorf("search space parameter %s has no choices", p.Key)
		}
		for _, c := range p.Choices {
			if _, err := experiments.ParamsFromMap(map[string]string{p.Key: c}); err != nil {
				return errors.Wrapf(err, "invalid choice %q of %s", c, p.Key)
			}
		}
	}
	return nil
}

// Size is the number of points of the space, saturated at math.MaxInt64.
func (s SearchSpace) Size() int64 {
	size := int64(1)
	for _, p := range s {
		n := int64(len(p.Choices))
		if n == 0 {
			return 0
		}
		if size > math.MaxInt64/n {
			return math.MaxInt64
		}
		size *= n
	}
	return size
}

// at returns the point of the space with the given choice indices.
func (s SearchSpace) at(idx []int) (experiments.FineTuningParams, error) {
	m := make(map[string]string, len(s))
	for i, p := range s {
		m[p.Key] = p.Choices[idx[i]]
	}
	return experiments.ParamsFromMap(m)
}

// next advances idx to the following point in lexicographic order; false after the last point.
func (s SearchSpace) next(idx []int) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < len(s[i].Choices) {
			return true
		}
		idx[i] = 0
	}
	return false
}

// Suggester proposes the params of the next trial.
type Suggester interface {
	// Suggest returns false once the space has no new point to offer.
	Suggest(space SearchSpace) (experiments.FineTuningParams, bool, error)
	// Observe is called with the result of every suggested trial.
	Observe(result TrialResult)
}

// randomAttempts bounds the random draws before falling back to a scan for an unseen point.
const randomAttempts = 64

// RandomSuggester samples the space uniformly without repeating a point until the space is
// exhausted. It is not safe for concurrent use.
type RandomSuggester struct {
	rand *rand.Rand
	seen map[string]bool
}

// NewRandomSuggester creates a suggester with a fixed seed.
func NewRandomSuggester(seed int64) *RandomSuggester {
	return &RandomSuggester{
		rand: rand.New(rand.NewSource(seed)),
		seen: make(map[string]bool),
	}
}

// Suggest implements Suggester.
func (r *RandomSuggester) Suggest(space SearchSpace) (experiments.FineTuningParams, bool, error) {
	if space.Size() == 0 {
		return experiments.FineTuningParams{}, false, nil
	}

	idx := make([]int, len(space))
	for attempt := 0; attempt < randomAttempts; attempt++ {
		for i, p := range space {
			idx[i] = r.rand.Intn(len(p.Choices))
		}
		params, err := space.at(idx)
		if err != nil {
			return experiments.FineTuningParams{}, false, err
		}
		if r.take(params) {
			return params, true, nil
		}
	}

	for i := range idx {
		idx[i] = 0
	}
	for {
		params, err := space.at(idx)
		if err != nil {
			return experiments.FineTuningParams{}, false, err
		}
		if r.take(params) {
			return params, true, nil
		}
		if !space.next(idx) {
			return experiments.FineTuningParams{}, false, nil
		}
	}
}

func (r *RandomSuggester) take(params experiments.FineTuningParams) bool {
	id := params.ID()
	if r.seen[id] {
		return false
	}
	r.seen[id] = true
	return true
}

// Observe implements Suggester; random sampling ignores results.
func (r *RandomSuggester) Observe(TrialResult) {}
