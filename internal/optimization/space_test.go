package optimization

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpaceValidate(t *testing.T) {
	tests := []struct {
		name  string
		space Space
	}{
		{"empty", Space{}},
		{"unnamed", Space{{Kind: KindInteger, Low: 1, High: 2}}},
		{"duplicate", Space{{Name: "a", Kind: KindInteger, Low: 1, High: 2}, {Name: "a", Kind: KindBoolean}}},
		{"inverted", Space{{Name: "a", Kind: KindReal, Low: 2, High: 1}}},
		{"infinite", Space{{Name: "a", Kind: KindReal, Low: 0, High: math.Inf(1)}}},
		{"negative decimals", Space{{Name: "a", Kind: KindReal, Low: 0, High: 1, Decimals: -1}}},
		{"fractional integer", Space{{Name: "a", Kind: KindInteger, Low: 0.5, High: 3}}},
		{"empty choices", Space{{Name: "a", Kind: KindCategorical}}},
		{"duplicate choices", Space{{Name: "a", Kind: KindCategorical, Choices: []any{"x", "x"}}}},
		{"bad boolean", Space{{Name: "a", Kind: KindBoolean, Choices: []any{"maybe"}}}},
		{"unknown kind", Space{{Name: "a", Kind: "complex"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.space.Validate()
			require.Error(t, err)
			var spaceErr *SpaceError
			assert.ErrorAs(t, err, &spaceErr)
		})
	}

	valid := Space{
		{Name: "rsi", Kind: KindInteger, Low: 10, High: 40},
		{Name: "sl", Kind: KindReal, Low: -0.3, High: -0.05, Decimals: 3},
		{Name: "trigger", Kind: KindCategorical, Choices: []any{"bb_lower1", "bb_lower2"}},
		{Name: "rsi_enabled", Kind: KindBoolean},
	}
	assert.NoError(t, valid.Validate())
}

func TestCardinality(t *testing.T) {
	assert.Equal(t, 3, Dimension{Name: "a", Kind: KindInteger, Low: 0, High: 11, Step: 5}.Cardinality())
	assert.Equal(t, 101, Dimension{Name: "a", Kind: KindReal, Low: 0, High: 1, Decimals: 2}.Cardinality())
	assert.Equal(t, -1, Dimension{Name: "a", Kind: KindReal, Low: 0, High: 1}.Cardinality())
	assert.Equal(t, 2, Dimension{Name: "a", Kind: KindBoolean}.Cardinality())

	space := Space{
		{Name: "a", Kind: KindInteger, Low: 1, High: 3},
		{Name: "b", Kind: KindCategorical, Choices: []any{"x", "y"}},
	}
	assert.Equal(t, 6, space.Cardinality())
	assert.Equal(t, -1, append(space, Dimension{Name: "c", Kind: KindReal, Low: 0, High: 1}).Cardinality())
}

func TestSamplesRespectBounds(t *testing.T) {
	space := Space{
		{Name: "period", Kind: KindInteger, Low: 5, High: 50, Step: 5},
		{Name: "sl", Kind: KindReal, Low: -0.35, High: -0.02, Decimals: 3},
		{Name: "trigger", Kind: KindCategorical, Choices: []any{"a", "b", "c"}},
		{Name: "on", Kind: KindBoolean},
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		p := space.SampleSet(rng)
		for _, d := range space {
			assert.True(t, d.Contains(p[d.Name]), "%s=%v", d.Name, p[d.Name])
		}
		sl := p["sl"].(float64)
		assert.InDelta(t, sl, math.Round(sl*1000)/1000, 1e-12)
		assert.Zero(t, p["period"].(int)%5)

		// mutation stays legal too
		for _, d := range space {
			assert.True(t, d.Contains(d.mutate(p[d.Name], rng)), d.Name)
		}
	}
}

func TestGridValues(t *testing.T) {
	d := Dimension{Name: "x", Kind: KindReal, Low: 0, High: 1, Decimals: 1}
	assert.Equal(t, []any{0.0, 0.3, 0.5, 0.8, 1.0}, d.GridValues(4))

	// rounding collapses neighbours
	d = Dimension{Name: "x", Kind: KindReal, Low: 0, High: 0.1, Decimals: 1}
	assert.Equal(t, []any{0.0, 0.1}, d.GridValues(10))

	d = Dimension{Name: "n", Kind: KindInteger, Low: 2, High: 8, Step: 3}
	assert.Equal(t, []any{2, 5, 8}, d.GridValues(10))

	assert.Equal(t, []any{false, true}, Dimension{Name: "b", Kind: KindBoolean}.GridValues(10))
}

func TestGridIteratorVisitsProduct(t *testing.T) {
	space := Space{
		{Name: "a", Kind: KindInteger, Low: 1, High: 3},
		{Name: "b", Kind: KindCategorical, Choices: []any{"x", "y"}},
	}
	it := newGridIterator(space, 10)
	assert.Equal(t, 6, it.Size())

	seen := map[string]bool{}
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		seen[p.Key()] = true
	}
	assert.Len(t, seen, 6)
	assert.True(t, seen["a=1;b=x"])
	assert.True(t, seen["a=3;b=y"])
}

func TestRandomSourceExhaustsFiniteSpace(t *testing.T) {
	space := Space{
		{Name: "a", Kind: KindBoolean},
		{Name: "b", Kind: KindCategorical, Choices: []any{"x", "y"}},
	}
	src := newRandomSource(space, rand.New(rand.NewSource(7)))

	seen := map[string]bool{}
	for {
		p, ok := src.Next()
		if !ok {
			break
		}
		require.False(t, seen[p.Key()], "duplicate %s", p.Key())
		seen[p.Key()] = true
	}
	assert.Len(t, seen, 4)
}
