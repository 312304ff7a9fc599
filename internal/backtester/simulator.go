// Package backtester simulates trades from precomputed entry/exit signals.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidPrice is returned when a position would open or close at a
// non-positive or non-finite price.
var ErrInvalidPrice = errors.New("invalid fill price")

// ctxCheckInterval is how many bars are walked between context checks
const ctxCheckInterval = 4096

// State of the simulator for one asset
type State int

const (
	StateFlat State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "FLAT"
}

// Result is the outcome of one simulation run
type Result struct {
	Trades []types.Trade
	Opens  int
	Closes int
}

// position is the open trade state. It never outlives a Run call.
type position struct {
	entryIndex int
	entryPrice float64
	// peak is the most favorable close since entry
	peak float64
	// checkFrom is the first bar on which exits are evaluated
	checkFrom int
}

// Simulator walks a series bar by bar and turns signals into trades
type Simulator struct {
	logger *zap.Logger
	policy Policy
}

// NewSimulator creates a simulator. The policy is validated once here.
func NewSimulator(logger *zap.Logger, policy Policy) (*Simulator, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation policy: %w", err)
	}
	return &Simulator{logger: logger, policy: policy.WithDefaults()}, nil
}

// Policy returns the effective policy
func (s *Simulator) Policy() Policy {
	return s.policy
}

// Run simulates the series. entry and exit must be aligned with the series.
func (s *Simulator) Run(ctx context.Context, series *data.Series, entry, exit []bool) (*Result, error) {
	n := series.Len()
	if len(entry) != n || len(exit) != n {
		return nil, fmt.Errorf("signal length mismatch: entry %d, exit %d, series %d", len(entry), len(exit), n)
	}

	res := &Result{Trades: make([]types.Trade, 0)}
	state := StateFlat
	var pos position
	lastExit := -1

	closeAt := func(idx int, price float64, reason types.ExitReason) error {
		if !validPrice(price) {
			return fmt.Errorf("%w: exit at bar %d price %g", ErrInvalidPrice, idx, price)
		}
		res.Trades = append(res.Trades, s.trade(series, pos, idx, price, reason))
		res.Closes++
		state = StateFlat
		lastExit = idx
		if res.Closes > res.Opens {
			return fmt.Errorf("simulator closed %d trades after %d opens", res.Closes, res.Opens)
		}
		return nil
	}

	for t := 0; t < n; t++ {
		if t%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		switch state {
		case StateOpen:
			if t < pos.checkFrom {
				continue
			}
			reason, ok := s.riskExit(series, &pos, t)
			if ok {
				if err := closeAt(t, series.Close[t], reason); err != nil {
					return nil, err
				}
				continue
			}
			if exit[t] {
				idx, price := t, series.Close[t]
				if s.policy.Fill == FillNextOpen && t+1 < n {
					idx, price = t+1, series.Open[t+1]
				}
				if err := closeAt(idx, price, types.ExitReasonSignal); err != nil {
					return nil, err
				}
			}

		case StateFlat:
			// no re-entry on the exit bar; a next_open entry needs a next bar
			if !entry[t] || t == lastExit || (s.policy.Fill == FillNextOpen && t == n-1) {
				continue
			}
			idx, price := t, series.Close[t]
			checkFrom := t + 1
			if s.policy.Fill == FillNextOpen {
				idx, price = t+1, series.Open[t+1]
				checkFrom = idx
			}
			if !validPrice(price) {
				return nil, fmt.Errorf("%w: entry at bar %d price %g", ErrInvalidPrice, idx, price)
			}
			pos = position{entryIndex: idx, entryPrice: price, peak: price, checkFrom: checkFrom}
			state = StateOpen
			res.Opens++
		}
	}

	if state == StateOpen {
		if err := closeAt(n-1, series.Close[n-1], types.ExitReasonSignal); err != nil {
			return nil, err
		}
	}

	if res.Opens != res.Closes {
		return nil, fmt.Errorf("simulator ended with %d opens and %d closes", res.Opens, res.Closes)
	}

	s.logger.Debug("simulation complete",
		zap.String("symbol", series.Symbol),
		zap.Int("bars", n),
		zap.Int("trades", len(res.Trades)),
	)

	return res, nil
}

// riskExit evaluates stoploss, ROI and trailing stop, in that order, at the close of bar t
func (s *Simulator) riskExit(series *data.Series, pos *position, t int) (types.ExitReason, bool) {
	price := series.Close[t]
	ret := s.policy.returnAt(pos.entryPrice, price)

	if s.policy.Stoploss < 0 && ret <= s.policy.Stoploss {
		return types.ExitReasonStoploss, true
	}

	if s.policy.ROI != nil {
		elapsed := series.Time[t].Sub(series.Time[pos.entryIndex]).Minutes()
		if required, ok := s.policy.ROI.Required(elapsed); ok && ret >= required {
			return types.ExitReasonROI, true
		}
	}

	s.updatePeak(pos, price)

	if tr := s.policy.Trailing; tr.Enabled {
		if tr.OnlyOffsetIsReached && s.policy.returnAt(pos.entryPrice, pos.peak) <= tr.PositiveOffset {
			return "", false
		}
		var retrace float64
		if s.policy.Side == types.PositionSideShort {
			retrace = (price - pos.peak) / pos.peak
		} else {
			retrace = (pos.peak - price) / pos.peak
		}
		if retrace > tr.Positive {
			return types.ExitReasonTrailingStop, true
		}
	}

	return "", false
}

func (s *Simulator) updatePeak(pos *position, price float64) {
	if s.policy.Side == types.PositionSideShort {
		if price < pos.peak {
			pos.peak = price
		}
		return
	}
	if price > pos.peak {
		pos.peak = price
	}
}

func (s *Simulator) trade(series *data.Series, pos position, exitIndex int, exitPrice float64, reason types.ExitReason) types.Trade {
	ret := s.policy.returnAt(pos.entryPrice, exitPrice)
	entryTime := series.Time[pos.entryIndex]
	exitTime := series.Time[exitIndex]

	return types.Trade{
		ID:         uuid.New().String(),
		Symbol:     series.Symbol,
		Side:       s.policy.Side,
		EntryIndex: pos.entryIndex,
		ExitIndex:  exitIndex,
		EntryTime:  entryTime,
		ExitTime:   exitTime,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		Return:     ret,
		Profit:     s.policy.StakeAmount.Mul(decimal.NewFromFloat(ret)),
		Duration:   exitTime.Sub(entryTime),
		ExitReason: reason,
	}
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
