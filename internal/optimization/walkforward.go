package optimization

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"go.uber.org/zap"
)

// Window is a half-open bar index range [From, To)
type Window struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Len returns the number of bars in the window
func (w Window) Len() int {
	return w.To - w.From
}

// WindowFunc evaluates a parameter set over one bar window
type WindowFunc func(ctx context.Context, params types.ParamSet, window Window) ([]types.Trade, error)

// WalkForwardFold contains results for one walk-forward period
type WalkForwardFold struct {
	FoldNumber      int            `json:"foldNumber"`
	InSample        Window         `json:"inSample"`
	OutSample       Window         `json:"outSample"`
	OptimizedParams types.ParamSet `json:"optimizedParams"`
	InSampleScore   float64        `json:"inSampleScore"`
	OutSampleScore  float64        `json:"outSampleScore"`
	OutSampleTrades int            `json:"outSampleTrades"`
	Evaluations     int            `json:"evaluations"`
	Degradation     float64        `json:"degradation"` // IS vs OOS difference
}

// WalkForwardResult aggregates every fold
type WalkForwardResult struct {
	Folds              []*WalkForwardFold `json:"folds"`
	BestParams         types.ParamSet     `json:"bestParams"`
	AvgInSampleScore   float64            `json:"avgInSampleScore"`
	OOSPerformance     float64            `json:"oosPerformance"`
	OOSFolds           int                `json:"oosFolds"` // folds with a real out-of-sample score
	ISvsOOSDegradation float64            `json:"isVsOosDegradation"`
	Evaluations        int                `json:"evaluations"`
	Duration           time.Duration      `json:"duration"`
	Cancelled          bool               `json:"cancelled"`
}

// WalkForwardOptimizer performs walk-forward optimization
type WalkForwardOptimizer struct {
	logger    *zap.Logger
	config    *OptimizerConfig
	optimizer *Optimizer
}

// NewWalkForwardOptimizer creates a walk-forward optimizer
func NewWalkForwardOptimizer(logger *zap.Logger, config *OptimizerConfig, scorer objective.Scorer) *WalkForwardOptimizer {
	opt := NewOptimizer(logger, config, scorer)
	return &WalkForwardOptimizer{
		logger:    logger,
		config:    opt.config,
		optimizer: opt,
	}
}

// SetObserver forwards to the per-fold optimizer
func (wfo *WalkForwardOptimizer) SetObserver(obs Observer) {
	wfo.optimizer.SetObserver(obs)
}

// Folds splits bars into in-sample/out-of-sample window pairs. Rolling folds
// are disjoint; anchored folds always start the in-sample window at bar 0.
func (wfo *WalkForwardOptimizer) Folds(bars int) ([][2]Window, error) {
	folds := wfo.config.NumFolds
	pct := wfo.config.InSamplePct
	if folds < 1 {
		return nil, fmt.Errorf("walk-forward needs at least one fold")
	}
	if pct <= 0 || pct >= 1 {
		return nil, fmt.Errorf("in-sample fraction %g must be in (0, 1)", pct)
	}

	foldLen := bars / folds
	inLen := int(float64(foldLen) * pct)
	if inLen < 1 || foldLen-inLen < 1 {
		return nil, fmt.Errorf("%d bars are too few for %d folds", bars, folds)
	}

	out := make([][2]Window, 0, folds)
	for fold := 0; fold < folds; fold++ {
		start := fold * foldLen
		end := start + foldLen
		if fold == folds-1 {
			end = bars
		}

		is := Window{From: start, To: start + inLen}
		if wfo.config.AnchoredWF {
			is.From = 0
		}
		out = append(out, [2]Window{is, {From: start + inLen, To: end}})
	}
	return out, nil
}

// OptimizeWalkForward optimizes each in-sample window and scores the winner
// on the following out-of-sample window.
func (wfo *WalkForwardOptimizer) OptimizeWalkForward(ctx context.Context, space Space, bars int, evaluate WindowFunc) (*WalkForwardResult, error) {
	windows, err := wfo.Folds(bars)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	result := &WalkForwardResult{
		Folds: make([]*WalkForwardFold, 0, len(windows)),
	}

	// sentinel scores stay out of every average
	var totalISScore, totalOOSScore float64
	var isFolds int

	for fold, w := range windows {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		is, oos := w[0], w[1]

		wfo.logger.Info("walk-forward fold",
			zap.Int("fold", fold+1),
			zap.Int("isFrom", is.From),
			zap.Int("isTo", is.To),
			zap.Int("oosFrom", oos.From),
			zap.Int("oosTo", oos.To),
		)

		optResult, err := wfo.optimizer.Optimize(ctx, space, func(ctx context.Context, p types.ParamSet) ([]types.Trade, error) {
			return evaluate(ctx, p, is)
		})
		if err != nil {
			return nil, err
		}
		result.Evaluations += optResult.Evaluations
		if optResult.Best == nil {
			result.Cancelled = true
			break
		}

		oosScore, oosTrades := wfo.scoreWindow(ctx, optResult.BestParams, oos, evaluate)

		degradation := 0.0
		if scored(optResult.BestScore) && scored(oosScore) && optResult.BestScore != 0 {
			degradation = (optResult.BestScore - oosScore) / math.Abs(optResult.BestScore)
		}

		result.Folds = append(result.Folds, &WalkForwardFold{
			FoldNumber:      fold + 1,
			InSample:        is,
			OutSample:       oos,
			OptimizedParams: optResult.BestParams,
			InSampleScore:   optResult.BestScore,
			OutSampleScore:  oosScore,
			OutSampleTrades: oosTrades,
			Evaluations:     optResult.Evaluations,
			Degradation:     degradation,
		})

		if scored(optResult.BestScore) {
			totalISScore += optResult.BestScore
			isFolds++
		}
		if scored(oosScore) {
			totalOOSScore += oosScore
			result.OOSFolds++
		}

		if optResult.Cancelled {
			result.Cancelled = true
			break
		}
	}

	if isFolds > 0 {
		result.AvgInSampleScore = totalISScore / float64(isFolds)
	}
	if result.OOSFolds > 0 {
		result.OOSPerformance = totalOOSScore / float64(result.OOSFolds)
	}
	if isFolds > 0 && result.OOSFolds > 0 && result.AvgInSampleScore != 0 {
		result.ISvsOOSDegradation = (result.AvgInSampleScore - result.OOSPerformance) / math.Abs(result.AvgInSampleScore)
	}
	if n := len(result.Folds); n > 0 {
		// params of the most recent fold are the ones to trade next
		result.BestParams = result.Folds[n-1].OptimizedParams
	}
	result.Duration = time.Since(startTime)

	wfo.logger.Info("walk-forward optimization complete",
		zap.Int("folds", len(result.Folds)),
		zap.Float64("avgIsScore", result.AvgInSampleScore),
		zap.Float64("avgOosScore", result.OOSPerformance),
		zap.Float64("degradation", result.ISvsOOSDegradation),
		zap.Bool("cancelled", result.Cancelled),
	)

	return result, nil
}

// scoreWindow evaluates once on the out-of-sample window; failures score as FailedScore
// scored reports whether s is a real score rather than a no-trades or failure sentinel
func scored(s float64) bool {
	return s > objective.NoTradesScore
}

func (wfo *WalkForwardOptimizer) scoreWindow(ctx context.Context, params types.ParamSet, window Window, evaluate WindowFunc) (score float64, trades int) {
	defer func() {
		if p := recover(); p != nil {
			wfo.logger.Error("out-of-sample evaluation panicked", zap.Any("panic", p))
			score, trades = objective.FailedScore, 0
		}
	}()

	ledger, err := evaluate(context.WithoutCancel(ctx), params, window)
	if err != nil {
		wfo.logger.Warn("out-of-sample evaluation failed", zap.Error(err))
		return objective.FailedScore, 0
	}
	return wfo.optimizer.scorer.Score(ledger), len(ledger)
}
