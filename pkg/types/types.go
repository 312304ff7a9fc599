// Package types provides shared type definitions for the strategy optimizer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Direction selects which signal sequence a rule set produces
type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitReasonSignal       ExitReason = "signal"
	ExitReasonROI          ExitReason = "roi"
	ExitReasonStoploss     ExitReason = "stoploss"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
)

// Timeframe represents trading timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval of the timeframe, or 0 if unknown.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Trade is a closed position. Trades are never mutated after the simulator emits them.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	EntryIndex int             `json:"entryIndex"`
	ExitIndex  int             `json:"exitIndex"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	EntryPrice float64         `json:"entryPrice"`
	ExitPrice  float64         `json:"exitPrice"`
	Return     float64         `json:"return"` // fraction, fees included
	Profit     decimal.Decimal `json:"profit"` // in stake currency
	Duration   time.Duration   `json:"duration"`
	ExitReason ExitReason      `json:"exitReason"`
}

// PerformanceMetrics summarises a trade ledger
type PerformanceMetrics struct {
	TotalReturn    decimal.Decimal    `json:"totalReturn"`
	TotalProfit    decimal.Decimal    `json:"totalProfit"`
	SharpeRatio    decimal.Decimal    `json:"sharpeRatio"`
	SortinoRatio   decimal.Decimal    `json:"sortinoRatio"`
	MaxDrawdown    decimal.Decimal    `json:"maxDrawdown"`
	WinRate        decimal.Decimal    `json:"winRate"`
	ProfitFactor   decimal.Decimal    `json:"profitFactor"`
	TotalTrades    int                `json:"totalTrades"`
	WinningTrades  int                `json:"winningTrades"`
	LosingTrades   int                `json:"losingTrades"`
	AvgWin         decimal.Decimal    `json:"avgWin"`
	AvgLoss        decimal.Decimal    `json:"avgLoss"`
	LargestWin     decimal.Decimal    `json:"largestWin"`
	LargestLoss    decimal.Decimal    `json:"largestLoss"`
	AvgHoldingTime time.Duration      `json:"avgHoldingTime"`
	Expectancy     decimal.Decimal    `json:"expectancy"`
	ExitReasons    map[ExitReason]int `json:"exitReasons"`
}

// MonteCarloResult represents Monte Carlo simulation results
type MonteCarloResult struct {
	Iterations      int               `json:"iterations"`
	MedianReturn    decimal.Decimal   `json:"medianReturn"`
	P5Return        decimal.Decimal   `json:"p5Return"`
	P95Return       decimal.Decimal   `json:"p95Return"`
	ProbabilityRuin decimal.Decimal   `json:"probabilityRuin"`
	MaxDrawdownP95  decimal.Decimal   `json:"maxDrawdownP95"`
	Distribution    []decimal.Decimal `json:"distribution,omitempty"`
}
