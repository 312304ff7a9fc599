package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
)

// MetricsCalculator summarises a trade ledger
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate calculates all performance metrics for a ledger traded with a
// fixed stake per trade.
func (mc *MetricsCalculator) Calculate(trades []types.Trade, stake decimal.Decimal) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{ExitReasons: make(map[types.ExitReason]int)}
	if len(trades) == 0 {
		return metrics
	}

	var winningTrades, losingTrades int
	var totalWins, totalLosses, totalProfit decimal.Decimal
	var largestWin, largestLoss decimal.Decimal
	var totalHoldingTime time.Duration
	returns := make([]float64, len(trades))

	for i, trade := range trades {
		returns[i] = trade.Return
		totalProfit = totalProfit.Add(trade.Profit)
		totalHoldingTime += trade.Duration
		metrics.ExitReasons[trade.ExitReason]++

		if trade.Profit.GreaterThan(decimal.Zero) {
			winningTrades++
			totalWins = totalWins.Add(trade.Profit)
			if trade.Profit.GreaterThan(largestWin) {
				largestWin = trade.Profit
			}
		} else if trade.Profit.LessThan(decimal.Zero) {
			losingTrades++
			totalLosses = totalLosses.Add(trade.Profit.Abs())
			if trade.Profit.Abs().GreaterThan(largestLoss) {
				largestLoss = trade.Profit.Abs()
			}
		}
	}

	metrics.TotalTrades = len(trades)
	metrics.WinningTrades = winningTrades
	metrics.LosingTrades = losingTrades
	metrics.LargestWin = largestWin
	metrics.LargestLoss = largestLoss
	metrics.TotalProfit = totalProfit
	metrics.WinRate = decimal.NewFromInt(int64(winningTrades)).Div(decimal.NewFromInt(int64(metrics.TotalTrades)))

	if winningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(winningTrades)))
	}
	if losingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losingTrades)))
	}

	if !totalLosses.IsZero() {
		metrics.ProfitFactor = totalWins.Div(totalLosses)
	}

	// Expectancy: (Win% * AvgWin) - (Loss% * AvgLoss)
	lossPct := decimal.NewFromInt(1).Sub(metrics.WinRate)
	metrics.Expectancy = metrics.WinRate.Mul(metrics.AvgWin).Sub(lossPct.Mul(metrics.AvgLoss))

	metrics.AvgHoldingTime = totalHoldingTime / time.Duration(metrics.TotalTrades)

	if !stake.IsZero() {
		metrics.TotalReturn = totalProfit.Div(stake)
	}

	if len(returns) > 1 {
		avg := mean(returns)
		if sd := stdDev(returns); sd > 0 {
			metrics.SharpeRatio = decimal.NewFromFloat(avg / sd)
		}
		if dd := downsideDeviation(returns); dd > 0 {
			metrics.SortinoRatio = decimal.NewFromFloat(avg / dd)
		}
	}

	metrics.MaxDrawdown = decimal.NewFromFloat(maxDrawdown(returns))

	return metrics
}

// maxDrawdown is the largest peak-to-trough fall of equity compounded trade by trade
func maxDrawdown(returns []float64) float64 {
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// mean calculates arithmetic mean
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev calculates sample standard deviation
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}

	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation calculates downside deviation (only negative returns)
func downsideDeviation(returns []float64) float64 {
	var negativeReturns []float64
	for _, r := range returns {
		if r < 0 {
			negativeReturns = append(negativeReturns, r)
		}
	}

	return stdDev(negativeReturns)
}
