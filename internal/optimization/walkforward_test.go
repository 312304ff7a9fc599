package optimization

import (
	"context"
	"math"
	"testing"

	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWalkForwardFolds(t *testing.T) {
	cfg := testConfig(MethodGridSearch)
	cfg.NumFolds = 4
	cfg.InSamplePct = 0.75

	folds, err := NewWalkForwardOptimizer(zap.NewNop(), cfg, nil).Folds(103)
	require.NoError(t, err)
	require.Len(t, folds, 4)

	assert.Equal(t, Window{0, 18}, folds[0][0])
	assert.Equal(t, Window{18, 25}, folds[0][1])
	assert.Equal(t, Window{25, 43}, folds[1][0])
	assert.Equal(t, Window{93, 103}, folds[3][1], "last fold absorbs the remainder")

	cfg.AnchoredWF = true
	folds, err = NewWalkForwardOptimizer(zap.NewNop(), cfg, nil).Folds(103)
	require.NoError(t, err)
	for i, f := range folds {
		assert.Equal(t, 0, f[0].From, "fold %d", i)
		assert.Equal(t, f[0].To, f[1].From, "fold %d", i)
	}

	_, err = NewWalkForwardOptimizer(zap.NewNop(), cfg, nil).Folds(5)
	assert.Error(t, err)

	cfg.InSamplePct = 1
	_, err = NewWalkForwardOptimizer(zap.NewNop(), cfg, nil).Folds(100)
	assert.Error(t, err)
}

func TestOptimizeWalkForward(t *testing.T) {
	cfg := testConfig(MethodGridSearch)
	cfg.NumFolds = 3
	cfg.InSamplePct = 0.5
	space := Space{{Name: "x", Kind: KindInteger, Low: 0, High: 10}}

	// the optimum drifts with the window start; out-of-sample windows score worse
	var oosSeen int
	eval := func(ctx context.Context, p types.ParamSet, w Window) ([]types.Trade, error) {
		x, err := p.Float("x")
		if err != nil {
			return nil, err
		}
		target := float64(w.From / 10)
		r := -math.Abs(x-target) / 100
		if w.From%20 != 0 {
			oosSeen++
			r -= 0.01
		}
		return ledger(r), nil
	}

	wfo := NewWalkForwardOptimizer(zap.NewNop(), cfg, nil)
	res, err := wfo.OptimizeWalkForward(context.Background(), space, 60, eval)
	require.NoError(t, err)

	require.Len(t, res.Folds, 3)
	assert.Equal(t, 33, res.Evaluations)
	assert.Equal(t, 3, oosSeen)
	assert.False(t, res.Cancelled)

	for i, f := range res.Folds {
		assert.Equal(t, i+1, f.FoldNumber)
		assert.Equal(t, i*2, f.OptimizedParams["x"])
		assert.InDelta(t, 0.0, f.InSampleScore, 1e-12)
		assert.Less(t, f.OutSampleScore, f.InSampleScore)
		assert.Equal(t, 1, f.OutSampleTrades)
	}
	assert.Equal(t, 4, res.BestParams["x"])
	assert.Less(t, res.OOSPerformance, res.AvgInSampleScore)
}

func TestWalkForwardSkipsSentinelFolds(t *testing.T) {
	cfg := testConfig(MethodGridSearch)
	cfg.NumFolds = 3
	cfg.InSamplePct = 0.5
	space := Space{{Name: "x", Kind: KindInteger, Low: 0, High: 10}}

	// the second out-of-sample window never trades
	eval := func(ctx context.Context, p types.ParamSet, w Window) ([]types.Trade, error) {
		if w.From == 30 {
			return nil, nil
		}
		x, err := p.Float("x")
		if err != nil {
			return nil, err
		}
		r := -math.Abs(x-float64(w.From/10)) / 100
		if w.From%20 != 0 {
			r -= 0.01
		}
		return ledger(r), nil
	}

	res, err := NewWalkForwardOptimizer(zap.NewNop(), cfg, nil).OptimizeWalkForward(context.Background(), space, 60, eval)
	require.NoError(t, err)
	require.Len(t, res.Folds, 3)

	assert.Equal(t, objective.NoTradesScore, res.Folds[1].OutSampleScore)
	assert.Zero(t, res.Folds[1].Degradation)
	assert.Equal(t, 2, res.OOSFolds)
	assert.InDelta(t, -0.02, res.OOSPerformance, 1e-12)
	assert.InDelta(t, 0.0, res.AvgInSampleScore, 1e-12)
	assert.Zero(t, res.ISvsOOSDegradation)
}
