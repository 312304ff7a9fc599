// Package objective reduces a trade ledger to a single score to maximize.
package objective

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atlas-desktop/strategy-optimizer/internal/backtester"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
)

// Sentinel scores. Any ledger with at least one trade scores above
// NoTradesScore, and NoTradesScore is above FailedScore.
const (
	NoTradesScore = -1e9
	FailedScore   = -1e10
)

// Scorer maps a ledger to a score; higher is better
type Scorer interface {
	Name() string
	Score(ledger []types.Trade) float64
}

// clampScore keeps real scores strictly above the no-trades sentinel
func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return NoTradesScore + 1
	}
	return math.Max(s, NoTradesScore+1)
}

// SumReturn scores by the sum of realized trade returns
type SumReturn struct{}

func (SumReturn) Name() string { return "sum_return" }

func (SumReturn) Score(ledger []types.Trade) float64 {
	if len(ledger) == 0 {
		return NoTradesScore
	}
	var sum float64
	for _, t := range ledger {
		sum += t.Return
	}
	return clampScore(sum)
}

// TotalProfit scores by the summed stake-currency profit
type TotalProfit struct{}

func (TotalProfit) Name() string { return "total_profit" }

func (TotalProfit) Score(ledger []types.Trade) float64 {
	if len(ledger) == 0 {
		return NoTradesScore
	}
	total := decimal.Zero
	for _, t := range ledger {
		total = total.Add(t.Profit)
	}
	return clampScore(total.InexactFloat64())
}

// Sharpe scores by the per-trade Sharpe ratio of the ledger. Ledgers too
// short for a deviation fall back to their mean return.
type Sharpe struct{}

func (Sharpe) Name() string { return "sharpe" }

func (Sharpe) Score(ledger []types.Trade) float64 {
	if len(ledger) == 0 {
		return NoTradesScore
	}
	m := backtester.NewMetricsCalculator().Calculate(ledger, backtester.DefaultStakeAmount)
	score := m.SharpeRatio.InexactFloat64()
	if m.SharpeRatio.IsZero() {
		var sum float64
		for _, t := range ledger {
			sum += t.Return
		}
		score = sum / float64(len(ledger))
	}
	return clampScore(score)
}

// ProfitFactor scores by gross profit over gross loss. A ledger without
// losses scores its gross profit plus one.
type ProfitFactor struct{}

func (ProfitFactor) Name() string { return "profit_factor" }

func (ProfitFactor) Score(ledger []types.Trade) float64 {
	if len(ledger) == 0 {
		return NoTradesScore
	}
	m := backtester.NewMetricsCalculator().Calculate(ledger, backtester.DefaultStakeAmount)
	if m.LosingTrades == 0 {
		return clampScore(1 + m.TotalReturn.InexactFloat64())
	}
	return clampScore(m.ProfitFactor.InexactFloat64())
}

// MinTrades penalizes a non-empty ledger by one point per trade it is short
// of N. Empty ledgers keep the no-trades sentinel.
type MinTrades struct {
	Scorer
	N int
}

func (m MinTrades) Score(ledger []types.Trade) float64 {
	score := m.Scorer.Score(ledger)
	if len(ledger) == 0 || len(ledger) >= m.N {
		return score
	}
	return clampScore(score - float64(m.N-len(ledger)))
}

var registry = map[string]Scorer{
	SumReturn{}.Name():    SumReturn{},
	TotalProfit{}.Name():  TotalProfit{},
	Sharpe{}.Name():       Sharpe{},
	ProfitFactor{}.Name(): ProfitFactor{},
}

// Default is the scorer used when none is configured
func Default() Scorer { return SumReturn{} }

// ByName returns a scorer by its name. An empty name returns Default.
func ByName(name string) (Scorer, error) {
	if name == "" {
		return Default(), nil
	}
	if s, ok := registry[strings.ToLower(name)]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown objective %q (available: %s)", name, strings.Join(Names(), ", "))
}

// New returns the named scorer, wrapped in MinTrades when minTrades is positive
func New(name string, minTrades int) (Scorer, error) {
	if minTrades < 0 {
		return nil, fmt.Errorf("min trades must not be negative, got %d", minTrades)
	}
	s, err := ByName(name)
	if err != nil {
		return nil, err
	}
	if minTrades > 0 {
		return MinTrades{Scorer: s, N: minTrades}, nil
	}
	return s, nil
}

// Names lists the registered scorer names
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
