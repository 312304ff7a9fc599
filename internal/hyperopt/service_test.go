package hyperopt_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/hyperopt"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/strategy"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "ETH/USDT"

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const bandStrategy = `
name: band
timeframe: 5m
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

const storedBandStrategy = `
name: stored_band
timeframe: 5m
columns: [band]
stoploss: 0
entry:
  conditions:
    - {left: close, op: lt, right: band}
exit:
  conditions:
    - {left: close, op: gt, right: 107}
`

func newService(t *testing.T) *hyperopt.Service {
	t.Helper()
	logger := zap.NewNop()

	store, err := data.NewStore(logger, t.TempDir())
	require.NoError(t, err)

	wave := []float64{100, 102, 104, 106, 108, 110, 108, 106, 104, 102}
	bars := make([]*types.OHLCV, 100)
	band := make([]*float64, 100)
	for i := range bars {
		p := decimal.NewFromFloat(wave[i%len(wave)])
		bars[i] = &types.OHLCV{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(1),
		}
		if i >= 2 {
			v := 103.0
			band[i] = &v
		}
	}
	require.NoError(t, store.SaveOHLCV(symbol, types.Timeframe5m, bars))
	require.NoError(t, store.SaveColumns(symbol, types.Timeframe5m, map[string][]*float64{"band": band}))

	registry := strategy.NewRegistry(logger)
	for _, doc := range []string{bandStrategy, storedBandStrategy} {
		def, err := strategy.Parse([]byte(doc))
		require.NoError(t, err)
		require.NoError(t, registry.Register(def))
	}

	cfg := optimization.DefaultOptimizerConfig()
	cfg.Timeout = 0
	cfg.ParallelWorkers = 4
	cfg.Seed = 7
	cfg.NumFolds = 2
	cfg.InSamplePct = 0.5
	return hyperopt.NewService(logger, store, registry, cfg)
}

func TestBacktest(t *testing.T) {
	svc := newService(t)

	report, err := svc.Backtest(context.Background(), &hyperopt.Request{Strategy: "band", Symbol: symbol})
	require.NoError(t, err)
	assert.Equal(t, 100, report.Bars)
	require.Len(t, report.Result.Trades, 10)
	assert.Equal(t, 10, report.Metrics.TotalTrades)
	assert.InDelta(t, 1.0, report.Metrics.WinRate.InexactFloat64(), 1e-12)
}

func TestBacktestDateRange(t *testing.T) {
	svc := newService(t)

	report, err := svc.Backtest(context.Background(), &hyperopt.Request{
		Strategy: "band",
		Symbol:   symbol,
		Start:    base.Add(50 * 5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 50, report.Bars)
	require.Len(t, report.Result.Trades, 5)
	assert.Equal(t, 0, report.Result.Trades[0].EntryIndex)

	_, err = svc.Backtest(context.Background(), &hyperopt.Request{
		Strategy: "band",
		Symbol:   symbol,
		Start:    base.AddDate(1, 0, 0),
	})
	assert.ErrorIs(t, err, data.ErrNoData)
}

func TestBacktestStoredColumns(t *testing.T) {
	svc := newService(t)

	report, err := svc.Backtest(context.Background(), &hyperopt.Request{Strategy: "stored_band", Symbol: symbol})
	require.NoError(t, err)
	// bars 0 and 1 have no band value; the first close below 103 after that is bar 9
	require.Len(t, report.Result.Trades, 10)
	assert.Equal(t, 9, report.Result.Trades[0].EntryIndex)
	assert.Equal(t, 14, report.Result.Trades[0].ExitIndex)
	// the entry on the final bar is closed on the same bar
	last := report.Result.Trades[9]
	assert.Equal(t, 99, last.EntryIndex)
	assert.Equal(t, 99, last.ExitIndex)
	assert.Equal(t, types.ExitReasonSignal, last.ExitReason)
}

func TestPrepareErrors(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Prepare(ctx, &hyperopt.Request{Strategy: "nope", Symbol: symbol})
	assert.ErrorIs(t, err, hyperopt.ErrUnknownStrategy)

	_, err = svc.Prepare(ctx, &hyperopt.Request{Strategy: "band"})
	assert.Error(t, err)

	_, err = svc.Prepare(ctx, &hyperopt.Request{Strategy: "band", Symbol: "DOGE/USDT"})
	assert.ErrorIs(t, err, data.ErrNoData)
}

func TestConfigOverrides(t *testing.T) {
	svc := newService(t)

	cfg, err := svc.Config(&hyperopt.Request{Method: optimization.MethodGeneticAlgo, Epochs: 120, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, optimization.MethodGeneticAlgo, cfg.Method)
	assert.Equal(t, 120, cfg.MaxEvaluations)
	assert.Equal(t, 3, cfg.Generations)
	assert.Equal(t, int64(3), cfg.Seed)

	_, err = svc.Config(&hyperopt.Request{Method: "annealing"})
	assert.Error(t, err)
}

func TestOptimize(t *testing.T) {
	svc := newService(t)

	report, err := svc.Optimize(context.Background(), &hyperopt.Request{
		Strategy:       "band",
		Symbol:         symbol,
		Method:         optimization.MethodGridSearch,
		WalkForward:    true,
		MonteCarloRuns: 100,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 42, report.Result.Evaluations)
	assert.InDelta(t, 1.0, report.Result.BestScore, 1e-9)
	require.NotNil(t, report.Best)
	assert.Len(t, report.Best.Trades, 10)
	assert.Equal(t, 10, report.Metrics.TotalTrades)
	require.NotNil(t, report.MonteCarlo)
	assert.Equal(t, 100, report.MonteCarlo.Iterations)
	require.NotNil(t, report.WalkForward)
	assert.Len(t, report.WalkForward.Folds, 2)
	assert.NotNil(t, report.Viability)
}

func TestOptimizeMinTrades(t *testing.T) {
	svc := newService(t)

	report, err := svc.Optimize(context.Background(), &hyperopt.Request{
		Strategy:  "band",
		Symbol:    symbol,
		Method:    optimization.MethodGridSearch,
		MinTrades: 12,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, report.Best)

	// no parameter set reaches twelve trades, so the best score carries the penalty
	trades := report.Best.Trades
	require.Less(t, len(trades), 12)
	sum := 0.0
	for _, tr := range trades {
		sum += tr.Return
	}
	assert.InDelta(t, sum-float64(12-len(trades)), report.Result.BestScore, 1e-9)

	err = svc.Check(&hyperopt.Request{Strategy: "band", Symbol: symbol, MinTrades: -1})
	assert.Error(t, err)
}

func TestOptimizeUnknownSpace(t *testing.T) {
	svc := newService(t)

	_, err := svc.Optimize(context.Background(), &hyperopt.Request{
		Strategy: "stored_band",
		Symbol:   symbol,
		Spaces:   []string{"buy"},
	}, nil)
	assert.Error(t, err)
}
