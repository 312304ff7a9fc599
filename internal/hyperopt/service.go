// Package hyperopt wires market data, strategy definitions and the optimizer
// into the runs the server and the command line expose.
package hyperopt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/backtester"
	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/indicators"
	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/strategy"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/atlas-desktop/strategy-optimizer/pkg/utils"
	"go.uber.org/zap"
)

// ErrUnknownStrategy is returned for a strategy name missing from the registry
var ErrUnknownStrategy = errors.New("unknown strategy")

// Request describes a backtest or a search
type Request struct {
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe,omitempty"`
	Start     time.Time       `json:"start,omitempty"`
	End       time.Time       `json:"end,omitempty"`

	// Backtest only
	Params types.ParamSet `json:"params,omitempty"`

	// Search only
	Spaces         []string                        `json:"spaces,omitempty"`
	Objective      string                          `json:"objective,omitempty"`
	MinTrades      int                             `json:"minTrades,omitempty"`
	Method         optimization.OptimizationMethod `json:"method,omitempty"`
	Epochs         int                             `json:"epochs,omitempty"`
	Seed           int64                           `json:"seed,omitempty"`
	KeepHistory    bool                            `json:"keepHistory,omitempty"`
	WalkForward    bool                            `json:"walkForward,omitempty"`
	MonteCarloRuns int                             `json:"monteCarloRuns,omitempty"`
}

// BacktestReport is a single evaluation with its ledger metrics
type BacktestReport struct {
	Strategy string                    `json:"strategy"`
	Symbol   string                    `json:"symbol"`
	Bars     int                       `json:"bars"`
	Result   *strategy.Result          `json:"result"`
	Metrics  *types.PerformanceMetrics `json:"metrics"`
}

// Report is the outcome of a search
type Report struct {
	Strategy    string                           `json:"strategy"`
	Symbol      string                           `json:"symbol"`
	Timeframe   types.Timeframe                  `json:"timeframe"`
	Bars        int                              `json:"bars"`
	Spaces      []string                         `json:"spaces"`
	Result      *optimization.OptimizationResult `json:"result"`
	Best        *strategy.Result                 `json:"best,omitempty"`
	Metrics     *types.PerformanceMetrics        `json:"metrics,omitempty"`
	MonteCarlo  *types.MonteCarloResult          `json:"monteCarlo,omitempty"`
	WalkForward *optimization.WalkForwardResult  `json:"walkForward,omitempty"`
	Viability   *backtester.ViabilityReport      `json:"viability,omitempty"`
}

// Service runs backtests and searches against a data store
type Service struct {
	logger    *zap.Logger
	store     *data.Store
	registry  *strategy.Registry
	optimizer optimization.OptimizerConfig
	viability *backtester.ViabilityChecker
	quality   *data.QualityValidator
}

// NewService creates a service. defaults seeds every search configuration.
func NewService(logger *zap.Logger, store *data.Store, registry *strategy.Registry, defaults *optimization.OptimizerConfig) *Service {
	if defaults == nil {
		defaults = optimization.DefaultOptimizerConfig()
	}
	return &Service{
		logger:    logger,
		store:     store,
		registry:  registry,
		optimizer: *defaults,
		viability: backtester.NewViabilityChecker(backtester.DefaultViabilityThresholds()),
		quality:   data.NewQualityValidator(),
	}
}

// Strategies lists the registered definitions
func (s *Service) Strategies() []*strategy.Definition {
	names := s.registry.List()
	defs := make([]*strategy.Definition, 0, len(names))
	for _, name := range names {
		if def, ok := s.registry.Get(name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Check validates a search request without loading market data
func (s *Service) Check(req *Request) error {
	def, ok := s.registry.Get(req.Strategy)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	if utils.FormatSymbol(req.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if _, err := def.Space(req.Spaces...); err != nil {
		return err
	}
	if _, err := objective.New(req.Objective, req.MinTrades); err != nil {
		return err
	}
	_, err := s.Config(req)
	return err
}

// Symbols lists the symbols with stored market data
func (s *Service) Symbols() []string {
	return s.store.GetAvailableSymbols()
}

// Quality validates the stored series of symbol
func (s *Service) Quality(ctx context.Context, symbol string, timeframe types.Timeframe) (*data.QualityReport, error) {
	series, err := s.store.LoadSeries(ctx, utils.FormatSymbol(symbol), timeframe, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	return s.quality.Validate(series), nil
}

// Prepare loads the series and indicator columns of a request and binds them
// to its strategy. Columns are computed on the stored series before the date
// range is applied so warm-up values stay aligned.
func (s *Service) Prepare(ctx context.Context, req *Request) (*strategy.Backtest, error) {
	def, ok := s.registry.Get(req.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	symbol := utils.FormatSymbol(req.Symbol)
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = def.Timeframe
	}

	series, err := s.store.LoadSeries(ctx, symbol, timeframe, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	if q := s.quality.Validate(series); !q.IsUsable {
		s.logger.Warn("stored series failed quality checks",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(timeframe)),
			zap.Int("score", q.QualityScore),
			zap.Any("issues", q.IssueCounts),
		)
	}

	providers := []indicators.Provider{indicators.PriceProvider{}}
	if needsStoredColumns(def) {
		providers = append(providers, indicators.FileProvider{Source: s.store})
	}
	columns, err := indicators.NewChain(s.logger, providers...).Compute(ctx, series)
	if err != nil {
		return nil, err
	}

	from, to := dateRange(series, req.Start, req.End)
	if from >= to {
		return nil, fmt.Errorf("%w: no %s %s bars between %s and %s", data.ErrNoData,
			symbol, timeframe, req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}
	if from > 0 || to < series.Len() {
		if series, err = series.Slice(from, to); err != nil {
			return nil, err
		}
		columns = columns.Slice(from, to)
	}

	return strategy.NewBacktest(s.logger, def, series, columns)
}

func needsStoredColumns(def *strategy.Definition) bool {
	for _, c := range def.Columns {
		switch c {
		case indicators.ColumnOpen, indicators.ColumnHigh, indicators.ColumnLow, indicators.ColumnClose, indicators.ColumnVolume:
		default:
			return true
		}
	}
	return false
}

// dateRange maps [start, end] onto bar indices; zero times leave a side open
func dateRange(series *data.Series, start, end time.Time) (int, int) {
	from, to := 0, series.Len()
	if !start.IsZero() {
		from = sort.Search(series.Len(), func(i int) bool { return !series.Time[i].Before(start) })
	}
	if !end.IsZero() {
		to = sort.Search(series.Len(), func(i int) bool { return series.Time[i].After(end) })
	}
	return from, to
}

// Backtest evaluates req.Params once
func (s *Service) Backtest(ctx context.Context, req *Request) (*BacktestReport, error) {
	bt, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := bt.Run(ctx, req.Params, optimization.Window{From: 0, To: bt.Bars()})
	if err != nil {
		return nil, err
	}
	return &BacktestReport{
		Strategy: req.Strategy,
		Symbol:   utils.FormatSymbol(req.Symbol),
		Bars:     bt.Bars(),
		Result:   res,
		Metrics:  backtester.NewMetricsCalculator().Calculate(res.Trades, res.Policy.StakeAmount),
	}, nil
}

// Config returns the optimizer configuration a request resolves to
func (s *Service) Config(req *Request) (*optimization.OptimizerConfig, error) {
	cfg := s.optimizer
	if req.Method != "" {
		cfg.Method = req.Method
	}
	if req.Epochs > 0 {
		cfg.MaxEvaluations = req.Epochs
		if cfg.Method == optimization.MethodGeneticAlgo && cfg.PopulationSize > 0 {
			cfg.Generations = (req.Epochs + cfg.PopulationSize - 1) / cfg.PopulationSize
		}
	}
	if req.Seed != 0 {
		cfg.Seed = req.Seed
	}
	if req.KeepHistory {
		cfg.KeepHistory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Optimize searches the requested spaces. Cancelling ctx ends the search with
// the best result so far; the follow-up analysis of that result still runs.
func (s *Service) Optimize(ctx context.Context, req *Request, obs optimization.Observer) (*Report, error) {
	bt, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	def := bt.Definition()

	space, err := def.Space(req.Spaces...)
	if err != nil {
		return nil, err
	}
	scorer, err := objective.New(req.Objective, req.MinTrades)
	if err != nil {
		return nil, err
	}
	cfg, err := s.Config(req)
	if err != nil {
		return nil, err
	}

	opt := optimization.NewOptimizer(s.logger, cfg, scorer)
	opt.SetObserver(obs)
	result, err := opt.Optimize(ctx, space, bt.Evaluate)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Strategy:  def.Name,
		Symbol:    utils.FormatSymbol(req.Symbol),
		Timeframe: def.Timeframe,
		Bars:      bt.Bars(),
		Spaces:    req.Spaces,
		Result:    result,
	}
	if result.NoTradesFound {
		s.logger.Warn("no parameter set produced trades",
			zap.String("strategy", def.Name),
			zap.Int("evaluations", result.Evaluations),
		)
		return report, nil
	}

	analysisCtx := context.WithoutCancel(ctx)
	best, err := bt.Run(analysisCtx, result.BestParams, optimization.Window{From: 0, To: bt.Bars()})
	if err != nil {
		return nil, fmt.Errorf("failed to replay best parameters: %w", err)
	}
	report.Best = best
	report.Metrics = backtester.NewMetricsCalculator().Calculate(best.Trades, best.Policy.StakeAmount)

	if req.MonteCarloRuns > 0 {
		mc := backtester.NewMonteCarloSimulator(s.logger, backtester.MonteCarloConfig{
			Iterations: req.MonteCarloRuns,
			Seed:       cfg.Seed,
		})
		report.MonteCarlo = mc.Run(best.Trades)
	}

	var outOfSample []float64
	if req.WalkForward && !result.Cancelled {
		wfo := optimization.NewWalkForwardOptimizer(s.logger, cfg, scorer)
		wf, err := wfo.OptimizeWalkForward(ctx, space, bt.Bars(), bt.EvaluateWindow)
		if err != nil {
			return nil, fmt.Errorf("walk-forward: %w", err)
		}
		report.WalkForward = wf
		for _, fold := range wf.Folds {
			if fold.OutSampleScore > objective.NoTradesScore {
				outOfSample = append(outOfSample, fold.OutSampleScore)
			}
		}
	}
	report.Viability = s.viability.Check(report.Metrics, outOfSample)

	return report, nil
}
