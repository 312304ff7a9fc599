package strategy

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/strategy-optimizer/internal/backtester"
	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/indicators"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/signals"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"go.uber.org/zap"
)

// Backtest binds a definition to one series and its precomputed columns.
// The series and columns are shared read-only by concurrent evaluations.
type Backtest struct {
	logger    *zap.Logger
	def       *Definition
	series    *data.Series
	columns   indicators.Columns
	evaluator *signals.Evaluator
}

// NewBacktest checks that the columns the definition requires are present
// and aligned with the series.
func NewBacktest(logger *zap.Logger, def *Definition, series *data.Series, columns indicators.Columns) (*Backtest, error) {
	if err := indicators.Validate(series, columns, def.Columns); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", def.Name, err)
	}
	if series.Timeframe != "" && def.Timeframe != "" && series.Timeframe != def.Timeframe {
		logger.Warn("series timeframe differs from strategy timeframe",
			zap.String("strategy", def.Name),
			zap.String("series", string(series.Timeframe)),
			zap.String("expected", string(def.Timeframe)),
		)
	}
	return &Backtest{
		logger:    logger,
		def:       def,
		series:    series,
		columns:   columns,
		evaluator: def.Evaluator(),
	}, nil
}

// Definition returns the bound strategy
func (b *Backtest) Definition() *Definition {
	return b.def
}

// Bars returns the length of the bound series
func (b *Backtest) Bars() int {
	return b.series.Len()
}

// Result is one simulated run together with the policy it used
type Result struct {
	Params types.ParamSet      `json:"params"`
	Policy backtester.Policy   `json:"policy"`
	Trades []types.Trade       `json:"trades"`
	Window optimization.Window `json:"window"`
	Opens  int                 `json:"opens"`
	Closes int                 `json:"closes"`
}

// Evaluate runs the full series and returns the ledger. It matches
// optimization.EvaluateFunc.
func (b *Backtest) Evaluate(ctx context.Context, params types.ParamSet) ([]types.Trade, error) {
	res, err := b.Run(ctx, params, optimization.Window{From: 0, To: b.series.Len()})
	if err != nil {
		return nil, err
	}
	return res.Trades, nil
}

// EvaluateWindow runs only the bars of window. It matches optimization.WindowFunc.
func (b *Backtest) EvaluateWindow(ctx context.Context, params types.ParamSet, window optimization.Window) ([]types.Trade, error) {
	res, err := b.Run(ctx, params, window)
	if err != nil {
		return nil, err
	}
	return res.Trades, nil
}

// Run evaluates signals over the whole series, so indicator warm-up is not
// repeated per window, then simulates the window. Trade indices are absolute.
func (b *Backtest) Run(ctx context.Context, params types.ParamSet, window optimization.Window) (*Result, error) {
	merged := b.def.Params.Merge(params)

	policy, err := b.def.Policy(merged)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", b.def.Name, err)
	}

	entry, err := b.evaluator.Evaluate(b.series, b.columns, merged, types.DirectionEntry)
	if err != nil {
		return nil, err
	}
	exit, err := b.evaluator.Evaluate(b.series, b.columns, merged, types.DirectionExit)
	if err != nil {
		return nil, err
	}

	series := b.series
	if window.From != 0 || window.To != b.series.Len() {
		if series, err = b.series.Slice(window.From, window.To); err != nil {
			return nil, err
		}
		entry = entry[window.From:window.To]
		exit = exit[window.From:window.To]
	}

	sim, err := backtester.NewSimulator(b.logger, policy)
	if err != nil {
		return nil, err
	}
	simResult, err := sim.Run(ctx, series, entry, exit)
	if err != nil {
		return nil, err
	}

	trades := simResult.Trades
	if window.From != 0 {
		for i := range trades {
			trades[i].EntryIndex += window.From
			trades[i].ExitIndex += window.From
		}
	}

	return &Result{
		Params: merged,
		Policy: sim.Policy(),
		Trades: trades,
		Window: window,
		Opens:  simResult.Opens,
		Closes: simResult.Closes,
	}, nil
}
