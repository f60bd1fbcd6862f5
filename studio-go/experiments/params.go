package experiments

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

// Param is a key/value pair as recorded by the tracker.
type Param struct {
	Key   string
	Value string
}

// listSeparator joins list-valued params.
const listSeparator = ", "

// Param keys of FineTuningParams.
const (
	KeyNumFixedLayers            = "num_fixed_layers"
	KeyQueryLR                   = "query_lr"
	KeyItemsLR                   = "items_lr"
	KeyQueryWeightDecay          = "query_weight_decay"
	KeyItemsWeightDecay          = "items_weight_decay"
	KeyMargin                    = "margin"
	KeyNotIrrelevantOnly         = "not_irrelevant_only"
	KeyNegativeDownsampling      = "negative_downsampling"
	KeyMinAbsDifferenceThreshold = "min_abs_difference_threshold"
	KeyMaxAbsDifferenceThreshold = "max_abs_difference_threshold"
	KeyExamplesOrder             = "examples_order"
)

// FineTuningParams is one hyperparameter configuration; its ID names the run within a session.
type FineTuningParams struct {
	NumFixedLayers            int
	QueryLR                   float64
	ItemsLR                   float64
	QueryWeightDecay          float64
	ItemsWeightDecay          float64
	Margin                    float64
	NotIrrelevantOnly         bool
	NegativeDownsampling      float64
	MinAbsDifferenceThreshold float64
	MaxAbsDifferenceThreshold float64
	// ExamplesOrder lists the example types used epoch after epoch.
	ExamplesOrder []int
}

// DefaultParams returns the values used for keys missing from a parsed param set.
func DefaultParams() FineTuningParams {
	return FineTuningParams{
		NumFixedLayers:            0,
		QueryLR:                   1e-3,
		ItemsLR:                   1e-3,
		Margin:                    0.2,
		NotIrrelevantOnly:         true,
		NegativeDownsampling:      1,
		MinAbsDifferenceThreshold: 0,
		MaxAbsDifferenceThreshold: 1,
		ExamplesOrder:             []int{11},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, listSeparator)
}

// Params returns the params in a fixed order, list values joined with ", ".
func (p FineTuningParams) Params() []Param {
	return []Param{
		{KeyNumFixedLayers, strconv.Itoa(p.NumFixedLayers)},
		{KeyQueryLR, formatFloat(p.QueryLR)},
		{KeyItemsLR, formatFloat(p.ItemsLR)},
		{KeyQueryWeightDecay, formatFloat(p.QueryWeightDecay)},
		{KeyItemsWeightDecay, formatFloat(p.ItemsWeightDecay)},
		{KeyMargin, formatFloat(p.Margin)},
		{KeyNotIrrelevantOnly, strconv.FormatBool(p.NotIrrelevantOnly)},
		{KeyNegativeDownsampling, formatFloat(p.NegativeDownsampling)},
		{KeyMinAbsDifferenceThreshold, formatFloat(p.MinAbsDifferenceThreshold)},
		{KeyMaxAbsDifferenceThreshold, formatFloat(p.MaxAbsDifferenceThreshold)},
		{KeyExamplesOrder, formatInts(p.ExamplesOrder)},
	}
}

// Map is Params as a map.
func (p FineTuningParams) Map() map[string]string {
	m := make(map[string]string)
	for _, param := range p.Params() {
		m[param.Key] = param.Value
	}
	return m
}

// String renders the params as "key: value" lines.
func (p FineTuningParams) String() string {
	var b strings.Builder
	for i, param := range p.Params() {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", param.Key, param.Value)
	}
	return b.String()
}

// ID is a stable identifier of the configuration, used as the run name.
func (p FineTuningParams) ID() string {
	sum := sha256.Sum256([]byte(p.String()))
	return hex.EncodeToString(sum[:])
}

// ParamsFromMap parses params read back from the tracker. Unknown keys are ignored and
// missing keys keep the DefaultParams value.
func ParamsFromMap(m map[string]string) (FineTuningParams, error) {
	p := DefaultParams()

	intField := map[string]*int{KeyNumFixedLayers: &p.NumFixedLayers}
	floatFields := map[string]*float64{
		KeyQueryLR:                   &p.QueryLR,
		KeyItemsLR:                   &p.ItemsLR,
		KeyQueryWeightDecay:          &p.QueryWeightDecay,
		KeyItemsWeightDecay:          &p.ItemsWeightDecay,
		KeyMargin:                    &p.Margin,
		KeyNegativeDownsampling:      &p.NegativeDownsampling,
		KeyMinAbsDifferenceThreshold: &p.MinAbsDifferenceThreshold,
		KeyMaxAbsDifferenceThreshold: &p.MaxAbsDifferenceThreshold,
	}

	for key, dst := range intField {
		if v, ok := m[key]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return FineTuningParams{}, errors.Wrapf(err, "invalid %s", key)
			}
			*dst = n
		}
	}
	for key, dst := range floatFields {
		if v, ok := m[key]; ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return FineTuningParams{}, errors.Wrapf(err, "invalid %s", key)
			}
			*dst = f
		}
	}
	if v, ok := m[KeyNotIrrelevantOnly]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return FineTuningParams{}, errors.Wrapf(err, "invalid %s", KeyNotIrrelevantOnly)
		}
		p.NotIrrelevantOnly = b
	}
	if v, ok := m[KeyExamplesOrder]; ok {
		order, err := parseInts(v)
		if err != nil {
			return FineTuningParams{}, errors.Wrapf(err, "invalid %s", KeyExamplesOrder)
		}
		p.ExamplesOrder = order
	}
	return p, nil
}

func parseInts(s string) ([]int, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
