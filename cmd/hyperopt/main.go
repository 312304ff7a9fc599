// Command hyperopt runs one parameter search from the command line and
// writes the report as JSON. Interrupting it stops the search and reports
// the best result found so far.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atlas-desktop/strategy-optimizer/internal/config"
	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/hyperopt"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/strategy"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/atlas-desktop/strategy-optimizer/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Config file")
	strategyName := flag.String("strategy", "", "Strategy name (overrides config)")
	symbol := flag.String("symbol", "", "Symbol, e.g. BTC/USDT (overrides config)")
	timeframe := flag.String("timeframe", "", "Timeframe (default: strategy timeframe)")
	timerange := flag.String("timerange", "", "Date range YYYYMMDD-YYYYMMDD, either side optional")
	spaces := flag.String("spaces", "", "Comma separated hyperspaces: buy,sell,roi,stoploss,trailing")
	method := flag.String("method", "", "Search method: grid, random or genetic")
	epochs := flag.Int("epochs", 0, "Evaluation budget")
	objectiveName := flag.String("objective", "", "Objective: sum_return, total_profit, sharpe, profit_factor")
	minTrades := flag.Int("min-trades", -1, "Penalize ledgers with fewer trades (-1: config)")
	seed := flag.Int64("seed", 0, "Random seed (0 seeds from the clock)")
	workers := flag.Int("workers", 0, "Parallel evaluations")
	walkForward := flag.Bool("walk-forward", false, "Validate with walk-forward optimization")
	monteCarlo := flag.Int("monte-carlo", -1, "Monte Carlo reshuffles of the best ledger (-1: config)")
	printAll := flag.Bool("print-all", false, "Keep and print every evaluated parameter set")
	backtestOnly := flag.Bool("backtest", false, "Evaluate the strategy's default parameters once instead of searching")
	out := flag.String("out", "", "Write the JSON report to this file instead of stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *workers > 0 {
		cfg.Optimizer.ParallelWorkers = *workers
	}

	tr, err := utils.ParseTimeRange(*timerange)
	if err != nil {
		logger.Fatal("Invalid timerange", zap.Error(err))
	}

	req := hyperopt.Request{
		Strategy:       firstNonEmpty(*strategyName, cfg.Hyperopt.Strategy),
		Symbol:         firstNonEmpty(*symbol, cfg.Hyperopt.Symbol),
		Timeframe:      types.Timeframe(firstNonEmpty(*timeframe, cfg.Hyperopt.Timeframe)),
		Start:          tr.Start,
		End:            tr.End,
		Spaces:         cfg.Hyperopt.Spaces,
		Objective:      firstNonEmpty(*objectiveName, cfg.Hyperopt.Objective),
		MinTrades:      cfg.Hyperopt.MinTrades,
		Method:         optimization.OptimizationMethod(*method),
		Epochs:         *epochs,
		Seed:           *seed,
		KeepHistory:    *printAll,
		WalkForward:    *walkForward || cfg.Hyperopt.WalkForward,
		MonteCarloRuns: cfg.Hyperopt.MonteCarloRuns,
	}
	if *spaces != "" {
		req.Spaces = splitList(*spaces)
	}
	if *minTrades >= 0 {
		req.MinTrades = *minTrades
	}
	if *monteCarlo >= 0 {
		req.MonteCarloRuns = *monteCarlo
	}

	dataStore, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}
	registry := strategy.NewRegistry(logger)
	if _, err := registry.LoadDir(cfg.Strategies.Dir); err != nil {
		logger.Fatal("Failed to load strategies", zap.Error(err))
	}
	service := hyperopt.NewService(logger, dataStore, registry, &cfg.Optimizer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var report interface{}
	if *backtestOnly {
		bt, err := service.Backtest(ctx, &req)
		if err != nil {
			logger.Fatal("Backtest failed", zap.Error(err))
		}
		logger.Info("Backtest complete",
			zap.String("strategy", bt.Strategy),
			zap.Int("bars", bt.Bars),
			zap.Int("trades", bt.Metrics.TotalTrades),
			zap.String("totalReturn", bt.Metrics.TotalReturn.StringFixed(4)),
		)
		report = bt
	} else {
		rep, err := service.Optimize(ctx, &req, &progressLogger{logger: logger})
		if err != nil {
			logger.Fatal("Hyperopt failed", zap.Error(err))
		}
		summarize(logger, rep)
		report = rep
	}

	if err := writeReport(*out, report); err != nil {
		logger.Fatal("Failed to write report", zap.Error(err))
	}
}

func summarize(logger *zap.Logger, rep *hyperopt.Report) {
	res := rep.Result
	fields := []zap.Field{
		zap.String("strategy", rep.Strategy),
		zap.String("symbol", rep.Symbol),
		zap.Int("evaluations", res.Evaluations),
		zap.Int("failed", res.Failed),
		zap.String("duration", utils.FormatDuration(res.Duration)),
		zap.Bool("cancelled", res.Cancelled),
	}
	if res.NoTradesFound {
		logger.Warn("No trades found for any evaluated parameter set", fields...)
		return
	}
	fields = append(fields,
		zap.Float64("bestScore", res.BestScore),
		zap.Any("bestParams", res.BestParams),
	)
	if rep.Metrics != nil {
		fields = append(fields,
			zap.Int("trades", rep.Metrics.TotalTrades),
			zap.String("winRate", rep.Metrics.WinRate.StringFixed(3)),
			zap.String("maxDrawdown", rep.Metrics.MaxDrawdown.StringFixed(3)),
		)
	}
	if rep.Viability != nil {
		fields = append(fields, zap.String("grade", rep.Viability.Grade))
	}
	logger.Info("Hyperopt complete", fields...)
}

func writeReport(path string, report interface{}) error {
	w := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// progressLogger prints every new best result
type progressLogger struct {
	logger *zap.Logger
	budget int
}

func (p *progressLogger) OnStart(method optimization.OptimizationMethod, budget int) {
	p.budget = budget
	p.logger.Info("Search started", zap.String("method", string(method)), zap.Int("budget", budget))
}

func (p *progressLogger) OnResult(result *optimization.SearchResult, best optimization.SearchResult, improved bool) {
	if !improved {
		return
	}
	p.logger.Info("New best",
		zap.Int("epoch", result.Index+1),
		zap.Int("budget", p.budget),
		zap.Float64("score", best.Score),
		zap.Int("trades", best.NumTrades),
		zap.Any("params", best.Params),
	)
}

func (p *progressLogger) OnFinish(*optimization.OptimizationResult) {}
