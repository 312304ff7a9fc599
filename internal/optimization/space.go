package optimization

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/spf13/cast"
)

// Kind is the value type of a Dimension
type Kind string

const (
	KindInteger     Kind = "integer"
	KindReal        Kind = "real"
	KindCategorical Kind = "categorical"
	KindBoolean     Kind = "boolean"
)

// Dimension is one tunable parameter. Integer and real dimensions use the
// inclusive [Low, High] bounds; categorical and boolean dimensions draw from
// Choices (booleans default to both values).
type Dimension struct {
	Name string  `yaml:"name" json:"name"`
	Kind Kind    `yaml:"kind" json:"kind"`
	Low  float64 `yaml:"low,omitempty" json:"low,omitempty"`
	High float64 `yaml:"high,omitempty" json:"high,omitempty"`
	// Decimals rounds real values; 0 leaves them unrounded
	Decimals int `yaml:"decimals,omitempty" json:"decimals,omitempty"`
	// Step between integer values, default 1
	Step    int   `yaml:"step,omitempty" json:"step,omitempty"`
	Choices []any `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// SpaceError reports a malformed dimension
type SpaceError struct {
	Dimension string
	Reason    string
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("search space: dimension %q: %s", e.Dimension, e.Reason)
}

// Space is an ordered list of dimensions
type Space []Dimension

// Names returns the dimension names in declaration order
func (s Space) Names() []string {
	names := make([]string, len(s))
	for i, d := range s {
		names[i] = d.Name
	}
	return names
}

// Validate checks every dimension. It runs before any evaluation.
func (s Space) Validate() error {
	if len(s) == 0 {
		return &SpaceError{Reason: "space has no dimensions"}
	}
	seen := make(map[string]bool, len(s))
	for _, d := range s {
		if d.Name == "" {
			return &SpaceError{Reason: "dimension without a name"}
		}
		if seen[d.Name] {
			return &SpaceError{Dimension: d.Name, Reason: "duplicate name"}
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks bounds or choices for one dimension
func (d Dimension) Validate() error {
	fail := func(format string, args ...any) error {
		return &SpaceError{Dimension: d.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch d.Kind {
	case KindInteger, KindReal:
		if math.IsNaN(d.Low) || math.IsNaN(d.High) || math.IsInf(d.Low, 0) || math.IsInf(d.High, 0) {
			return fail("bounds must be finite")
		}
		if d.Low > d.High {
			return fail("inverted bounds [%g, %g]", d.Low, d.High)
		}
		if d.Decimals < 0 {
			return fail("negative decimals %d", d.Decimals)
		}
		if d.Kind == KindInteger {
			if d.Low != math.Trunc(d.Low) || d.High != math.Trunc(d.High) {
				return fail("integer bounds must be whole numbers")
			}
			if d.Step < 0 {
				return fail("negative step %d", d.Step)
			}
		}
	case KindCategorical, KindBoolean:
		if d.Kind == KindCategorical && len(d.Choices) == 0 {
			return fail("empty choice list")
		}
		seen := make(map[string]bool, len(d.Choices))
		for _, c := range d.Choices {
			if d.Kind == KindBoolean {
				if _, err := cast.ToBoolE(c); err != nil {
					return fail("choice %v is not a boolean", c)
				}
			}
			k := fmt.Sprintf("%v", c)
			if seen[k] {
				return fail("duplicate choice %v", c)
			}
			seen[k] = true
		}
	default:
		return fail("unknown kind %q", d.Kind)
	}
	return nil
}

func (d Dimension) step() int {
	if d.Step <= 0 {
		return 1
	}
	return d.Step
}

func (d Dimension) choices() []any {
	if d.Kind == KindBoolean {
		if len(d.Choices) == 0 {
			return []any{false, true}
		}
		out := make([]any, len(d.Choices))
		for i, c := range d.Choices {
			out[i] = cast.ToBool(c)
		}
		return out
	}
	return d.Choices
}

// round applies the declared precision and keeps the value in bounds
func (d Dimension) round(v float64) float64 {
	if d.Decimals > 0 {
		p := math.Pow(10, float64(d.Decimals))
		v = math.Round(v*p) / p
	}
	return math.Min(math.Max(v, d.Low), d.High)
}

// Cardinality returns the number of distinct values, or -1 if unbounded
func (d Dimension) Cardinality() int {
	switch d.Kind {
	case KindInteger:
		return int(d.High-d.Low)/d.step() + 1
	case KindReal:
		if d.Low == d.High {
			return 1
		}
		if d.Decimals == 0 {
			return -1
		}
		p := math.Pow(10, float64(d.Decimals))
		return int(math.Round(d.High*p)-math.Round(d.Low*p)) + 1
	default:
		return len(d.choices())
	}
}

// Cardinality returns the number of distinct parameter sets, or -1 if the
// space is unbounded or too large to count.
func (s Space) Cardinality() int {
	total := 1
	for _, d := range s {
		c := d.Cardinality()
		if c < 0 || total > math.MaxInt32/c {
			return -1
		}
		total *= c
	}
	return total
}

// Sample draws one value uniformly
func (d Dimension) Sample(rng *rand.Rand) any {
	switch d.Kind {
	case KindInteger:
		n := int(d.High-d.Low)/d.step() + 1
		return int(d.Low) + rng.Intn(n)*d.step()
	case KindReal:
		return d.round(d.Low + rng.Float64()*(d.High-d.Low))
	default:
		c := d.choices()
		return c[rng.Intn(len(c))]
	}
}

// SampleSet draws a full parameter set
func (s Space) SampleSet(rng *rand.Rand) types.ParamSet {
	out := make(types.ParamSet, len(s))
	for _, d := range s {
		out[d.Name] = d.Sample(rng)
	}
	return out
}

// Contains reports whether v is a legal value of the dimension
func (d Dimension) Contains(v any) bool {
	switch d.Kind {
	case KindInteger:
		i, err := cast.ToIntE(v)
		if err != nil {
			return false
		}
		return float64(i) >= d.Low && float64(i) <= d.High && (i-int(d.Low))%d.step() == 0
	case KindReal:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return f >= d.Low && f <= d.High
	default:
		key := fmt.Sprintf("%v", v)
		for _, c := range d.choices() {
			if fmt.Sprintf("%v", c) == key {
				return true
			}
		}
		return false
	}
}

// GridValues returns the values a grid search visits. Reals are discretized
// into resolution+1 evenly spaced points after rounding, duplicates removed.
func (d Dimension) GridValues(resolution int) []any {
	switch d.Kind {
	case KindInteger:
		values := make([]any, 0, d.Cardinality())
		for v := int(d.Low); v <= int(d.High); v += d.step() {
			values = append(values, v)
		}
		return values
	case KindReal:
		if resolution < 1 || d.Low == d.High {
			return []any{d.round(d.Low)}
		}
		width := (d.High - d.Low) / float64(resolution)
		values := make([]any, 0, resolution+1)
		last := math.NaN()
		for i := 0; i <= resolution; i++ {
			v := d.round(d.Low + float64(i)*width)
			if v != last {
				values = append(values, v)
				last = v
			}
		}
		return values
	default:
		return d.choices()
	}
}

// mutate moves a value by a gaussian step of about a tenth of the range, or
// redraws it for categorical and boolean dimensions.
func (d Dimension) mutate(v any, rng *rand.Rand) any {
	switch d.Kind {
	case KindInteger:
		cur := cast.ToFloat64(v)
		next := cur + rng.NormFloat64()*(d.High-d.Low)*0.1
		steps := math.Round((math.Min(math.Max(next, d.Low), d.High) - d.Low) / float64(d.step()))
		out := int(d.Low) + int(steps)*d.step()
		if float64(out) > d.High {
			out -= d.step()
		}
		return out
	case KindReal:
		cur := cast.ToFloat64(v)
		return d.round(cur + rng.NormFloat64()*(d.High-d.Low)*0.1)
	default:
		return d.Sample(rng)
	}
}

// gridIterator walks the cartesian product of grid values as a mixed-radix counter
type gridIterator struct {
	names  []string
	values [][]any
	digits []int
	done   bool
}

func newGridIterator(space Space, resolution int) *gridIterator {
	it := &gridIterator{
		names:  space.Names(),
		values: make([][]any, len(space)),
		digits: make([]int, len(space)),
	}
	for i, d := range space {
		it.values[i] = d.GridValues(resolution)
		if len(it.values[i]) == 0 {
			it.done = true
		}
	}
	return it
}

// Size returns the number of grid points, saturating at MaxInt32
func (it *gridIterator) Size() int {
	total := 1
	for _, v := range it.values {
		if total > math.MaxInt32/len(v) {
			return math.MaxInt32
		}
		total *= len(v)
	}
	return total
}

func (it *gridIterator) Next() (types.ParamSet, bool) {
	if it.done {
		return nil, false
	}
	out := make(types.ParamSet, len(it.names))
	for i, name := range it.names {
		out[name] = it.values[i][it.digits[i]]
	}

	// increment, last dimension fastest
	for i := len(it.digits) - 1; i >= 0; i-- {
		it.digits[i]++
		if it.digits[i] < len(it.values[i]) {
			return out, true
		}
		it.digits[i] = 0
	}
	it.done = true
	return out, true
}

// randomSource draws parameter sets, skipping repeats when the space is finite
type randomSource struct {
	space       Space
	rng         *rand.Rand
	cardinality int
	seen        map[string]bool
}

// maxRedraws bounds consecutive duplicate draws before a finite space counts as exhausted
const maxRedraws = 10000

func newRandomSource(space Space, rng *rand.Rand) *randomSource {
	return &randomSource{
		space:       space,
		rng:         rng,
		cardinality: space.Cardinality(),
		seen:        make(map[string]bool),
	}
}

func (r *randomSource) Next() (types.ParamSet, bool) {
	if r.cardinality < 0 {
		return r.space.SampleSet(r.rng), true
	}
	if len(r.seen) >= r.cardinality {
		return nil, false
	}
	for i := 0; i < maxRedraws; i++ {
		p := r.space.SampleSet(r.rng)
		key := p.Key()
		if !r.seen[key] {
			r.seen[key] = true
			return p, true
		}
	}
	return nil, false
}
