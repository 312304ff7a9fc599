package strategy_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/indicators"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/signals"
	"github.com/atlas-desktop/strategy-optimizer/internal/strategy"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const strategiesDir = "../../configs/strategies"

const bandStrategy = `
name: band
timeframe: 5m
startup_candle_count: 0
columns: [close]
stoploss: 0
entry:
  conditions:
    - {left: close, op: lt, right: param:entry-below}
exit:
  conditions:
    - {left: close, op: gt, right: param:exit-above}
spaces:
  buy:
    - {name: entry-below, kind: integer, low: 99, high: 105}
  sell:
    - {name: exit-above, kind: integer, low: 104, high: 109}
params:
  entry-below: 102
  exit-above: 108
`

// oscillation returns 100 bars cycling 100 -> 110 -> 102 every ten bars
func oscillation(t *testing.T) *data.Series {
	t.Helper()
	wave := []float64{100, 102, 104, 106, 108, 110, 108, 106, 104, 102}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*types.OHLCV, 100)
	for i := range bars {
		p := decimal.NewFromFloat(wave[i%len(wave)])
		bars[i] = &types.OHLCV{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(1),
		}
	}
	series, err := data.NewSeries("ETH/USDT", types.Timeframe5m, bars)
	require.NoError(t, err)
	return series
}

func newBandBacktest(t *testing.T) *strategy.Backtest {
	t.Helper()
	def, err := strategy.Parse([]byte(bandStrategy))
	require.NoError(t, err)

	series := oscillation(t)
	columns, err := indicators.PriceProvider{}.Compute(context.Background(), series)
	require.NoError(t, err)

	bt, err := strategy.NewBacktest(zap.NewNop(), def, series, columns)
	require.NoError(t, err)
	return bt
}

func TestLoadBundledStrategies(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	n, err := reg.LoadDir(strategiesDir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"bbrsi", "ma_crossings"}, reg.List())

	bbrsi, ok := reg.Get("bbrsi")
	require.True(t, ok)
	assert.Equal(t, types.Timeframe15m, bbrsi.Timeframe)
	assert.Equal(t, 20, bbrsi.StartupCandleCount)

	policy, err := bbrsi.Policy(nil)
	require.NoError(t, err)
	assert.Equal(t, -0.331, policy.Stoploss)
	required, ok := policy.ROI.Required(25)
	require.True(t, ok)
	assert.Equal(t, 0.071, required)

	space, err := bbrsi.Space()
	require.NoError(t, err)
	assert.Len(t, space, 8)

	ma, ok := reg.Get("ma_crossings")
	require.True(t, ok)
	assert.Equal(t, signals.OpCrossedAbove, ma.Entry.Conditions[0].Op)
}

func TestPolicyFromSearchParams(t *testing.T) {
	def, err := strategy.Load(strategiesDir + "/bbrsi.yaml")
	require.NoError(t, err)

	policy, err := def.Policy(types.ParamSet{
		"roi_t1": 60, "roi_t2": 30, "roi_t3": 10,
		"roi_p1": 0.01, "roi_p2": 0.02, "roi_p3": 0.03,
		"stoploss":                         -0.1,
		"trailing_stop":                    true,
		"trailing_stop_positive":           0.02,
		"trailing_stop_positive_offset_p1": 0.01,
		"trailing_only_offset_is_reached":  true,
	})
	require.NoError(t, err)

	require.Len(t, policy.ROI, 4)
	assert.Equal(t, 10, policy.ROI[1].Minutes)
	assert.Equal(t, 40, policy.ROI[2].Minutes)
	assert.Equal(t, 100, policy.ROI[3].Minutes)
	assert.InDelta(t, 0.06, policy.ROI[0].Return, 1e-12)
	assert.Equal(t, -0.1, policy.Stoploss)
	assert.True(t, policy.Trailing.Enabled)
	assert.True(t, policy.Trailing.OnlyOffsetIsReached)
	assert.InDelta(t, 0.03, policy.Trailing.PositiveOffset, 1e-12)
}

func TestSpaceSelection(t *testing.T) {
	def, err := strategy.Load(strategiesDir + "/bbrsi.yaml")
	require.NoError(t, err)

	space, err := def.Space("buy", "roi", "stoploss", "trailing")
	require.NoError(t, err)
	assert.Len(t, space, 5+6+1+4)

	_, err = def.Space("sideways")
	assert.Error(t, err)

	ma, err := strategy.Load(strategiesDir + "/ma_crossings.yaml")
	require.NoError(t, err)
	_, err = ma.Space("sell")
	assert.Error(t, err, "no sell space and no default for it")
}

func TestInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", `timeframe: 5m`},
		{"bad timeframe", `{name: x, timeframe: 7m}`},
		{"undeclared column", `
name: x
timeframe: 5m
entry:
  conditions: [{left: rsi, op: lt, right: 30}]
`},
		{"trigger choice without option", `
name: x
timeframe: 5m
columns: [lower]
entry:
  triggers:
    - name: t
      param: trigger
      options:
        a: {left: close, op: lt, right: lower}
spaces:
  buy:
    - {name: trigger, kind: categorical, choices: [a, b]}
`},
		{"non boolean guard", `
name: x
timeframe: 5m
entry:
  guards:
    - {name: g, enabled: on, left: close, op: gt, right: 1}
spaces:
  buy:
    - {name: "on", kind: integer, low: 0, high: 1}
`},
		{"bad operator", `
name: x
timeframe: 5m
entry:
  conditions: [{left: close, op: between, right: 1}]
`},
		{"rising roi", `
name: x
timeframe: 5m
minimal_roi: {"0": 0.01, "10": 0.02}
`},
		{"positive stoploss", `{name: x, timeframe: 5m, stoploss: 0.1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := strategy.Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, strategy.ErrInvalidDefinition), "got %v", err)
		})
	}
}

func TestBacktestOscillation(t *testing.T) {
	bt := newBandBacktest(t)

	trades, err := bt.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, trades, 10)
	for i, tr := range trades {
		assert.Equal(t, i*10, tr.EntryIndex)
		assert.Equal(t, i*10+5, tr.ExitIndex)
		assert.Equal(t, types.ExitReasonSignal, tr.ExitReason)
		assert.InDelta(t, 0.1, tr.Return, 1e-12)
	}

	// tighter bands still trade every swing, at 102 -> 108 the return is about 6/102;
	// the entry at 102 on the final bar is closed on that bar
	trades, err = bt.Evaluate(context.Background(), types.ParamSet{"entry-below": 103, "exit-above": 107})
	require.NoError(t, err)
	require.Greater(t, len(trades), 2)
	assert.InDelta(t, 6.0/102.0, trades[len(trades)-2].Return, 1e-9)
	assert.Equal(t, 99, trades[len(trades)-1].EntryIndex)
	assert.Zero(t, trades[len(trades)-1].Return)
}

func TestBacktestWindowUsesAbsoluteIndices(t *testing.T) {
	bt := newBandBacktest(t)

	trades, err := bt.EvaluateWindow(context.Background(), nil, optimization.Window{From: 50, To: 100})
	require.NoError(t, err)
	require.Len(t, trades, 5)
	assert.Equal(t, 50, trades[0].EntryIndex)
	assert.Equal(t, 95, trades[4].ExitIndex)
}

func TestBacktestMissingParamIsConfigError(t *testing.T) {
	def, err := strategy.Parse([]byte(bandStrategy))
	require.NoError(t, err)
	def.Params = nil

	series := oscillation(t)
	columns, err := indicators.PriceProvider{}.Compute(context.Background(), series)
	require.NoError(t, err)
	bt, err := strategy.NewBacktest(zap.NewNop(), def, series, columns)
	require.NoError(t, err)

	_, err = bt.Evaluate(context.Background(), types.ParamSet{"entry-below": 102})
	var cfgErr *signals.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "exit-above", cfgErr.Param)
}

func TestOptimizeBandStrategy(t *testing.T) {
	bt := newBandBacktest(t)
	space, err := bt.Definition().Space()
	require.NoError(t, err)

	cfg := optimization.DefaultOptimizerConfig()
	cfg.Method = optimization.MethodGridSearch
	cfg.Timeout = 0
	cfg.ParallelWorkers = 4

	res, err := optimization.NewOptimizer(zap.NewNop(), cfg, nil).Optimize(context.Background(), space, bt.Evaluate)
	require.NoError(t, err)
	assert.Equal(t, 7*6, res.Evaluations)
	assert.False(t, res.NoTradesFound)
	assert.Zero(t, res.Failed)

	// buying at 100 and selling at 110 is the best the wave allows
	direct, err := bt.Evaluate(context.Background(), res.BestParams)
	require.NoError(t, err)
	sum := 0.0
	for _, tr := range direct {
		sum += tr.Return
	}
	assert.InDelta(t, sum, res.BestScore, 1e-12)
	assert.False(t, math.IsNaN(res.BestScore))
	assert.InDelta(t, 1.0, res.BestScore, 1e-9)
}
