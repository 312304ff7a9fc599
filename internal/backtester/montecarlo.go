package backtester

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MonteCarloConfig configures ledger reshuffling
type MonteCarloConfig struct {
	Iterations int `json:"iterations"`
	// RuinThreshold is the equity fraction at or below which a path counts as ruined
	RuinThreshold float64 `json:"ruinThreshold"`
	// Seed makes runs reproducible; 0 seeds from the clock
	Seed int64 `json:"seed"`
	// KeepDistribution stores every simulated total return in the result
	KeepDistribution bool `json:"keepDistribution"`
}

// MonteCarloSimulator estimates how much a ledger's outcome depends on trade order
type MonteCarloSimulator struct {
	logger *zap.Logger
	config MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarloSimulator creates a new Monte Carlo simulator
func NewMonteCarloSimulator(logger *zap.Logger, config MonteCarloConfig) *MonteCarloSimulator {
	if config.Iterations <= 0 {
		config.Iterations = 1000
	}
	if config.RuinThreshold <= 0 {
		config.RuinThreshold = 0.5
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MonteCarloSimulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Run reshuffles the ledger returns and reports percentile outcomes
func (mc *MonteCarloSimulator) Run(trades []types.Trade) *types.MonteCarloResult {
	if len(trades) == 0 {
		return &types.MonteCarloResult{Iterations: 0}
	}

	returns := make([]float64, len(trades))
	for i, trade := range trades {
		returns[i] = trade.Return
	}

	iterations := mc.config.Iterations
	simulatedReturns := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)
	ruinCount := 0

	for i := 0; i < iterations; i++ {
		shuffled := mc.shuffleReturns(returns)

		totalReturn, maxDD, isRuin := mc.simulatePath(shuffled)
		simulatedReturns[i] = totalReturn
		maxDrawdowns[i] = maxDD
		if isRuin {
			ruinCount++
		}
	}

	sort.Float64s(simulatedReturns)
	sort.Float64s(maxDrawdowns)

	result := &types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    decimal.NewFromFloat(percentile(simulatedReturns, 50)),
		P5Return:        decimal.NewFromFloat(percentile(simulatedReturns, 5)),
		P95Return:       decimal.NewFromFloat(percentile(simulatedReturns, 95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(iterations)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(maxDrawdowns, 95)),
	}

	if mc.config.KeepDistribution {
		result.Distribution = make([]decimal.Decimal, len(simulatedReturns))
		for i, r := range simulatedReturns {
			result.Distribution[i] = decimal.NewFromFloat(r)
		}
	}

	mc.logger.Debug("Monte Carlo simulation complete",
		zap.Int("iterations", iterations),
		zap.String("medianReturn", result.MedianReturn.String()),
		zap.String("p5Return", result.P5Return.String()),
		zap.String("probabilityRuin", result.ProbabilityRuin.String()),
	)

	return result
}

// shuffleReturns creates a shuffled copy of returns
func (mc *MonteCarloSimulator) shuffleReturns(returns []float64) []float64 {
	shuffled := make([]float64, len(returns))
	copy(shuffled, returns)

	mc.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled
}

// simulatePath compounds one ordering of returns
func (mc *MonteCarloSimulator) simulatePath(returns []float64) (totalReturn float64, maxDrawdown float64, isRuin bool) {
	equity := 1.0
	peak := equity
	maxDD := 0.0

	for _, ret := range returns {
		equity *= 1 + ret

		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}

		if equity <= mc.config.RuinThreshold {
			return equity - 1.0, maxDD, true
		}
	}

	return equity - 1.0, maxDD, false
}

// percentile calculates the pth percentile of sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
