package backtester

import (
	"fmt"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
)

// FillPolicy decides at which price signal-driven entries and exits fill
type FillPolicy string

const (
	// FillClose fills at the close of the signal bar
	FillClose FillPolicy = "close"
	// FillNextOpen fills at the open of the bar after the signal
	FillNextOpen FillPolicy = "next_open"
)

// DefaultStakeAmount is used when a policy leaves StakeAmount zero
var DefaultStakeAmount = decimal.NewFromInt(1000)

// Trailing configures the trailing stop
type Trailing struct {
	Enabled bool `json:"enabled"`
	// Positive is the retrace from the peak, as a fraction of the peak price, that closes the trade
	Positive float64 `json:"positive"`
	// PositiveOffset is the peak return the trade must exceed before trailing
	// applies when OnlyOffsetIsReached is set
	PositiveOffset      float64 `json:"positiveOffset"`
	OnlyOffsetIsReached bool    `json:"onlyOffsetIsReached"`
}

// Policy holds the exit rules and execution assumptions for a simulation
type Policy struct {
	ROI         ROITable           `json:"roi,omitempty"`
	Stoploss    float64            `json:"stoploss"`
	Trailing    Trailing           `json:"trailing"`
	Fee         float64            `json:"fee"`
	Fill        FillPolicy         `json:"fill"`
	Side        types.PositionSide `json:"side"`
	StakeAmount decimal.Decimal    `json:"stakeAmount"`
}

// WithDefaults fills unset execution fields
func (p Policy) WithDefaults() Policy {
	if p.Fill == "" {
		p.Fill = FillClose
	}
	if p.Side == "" {
		p.Side = types.PositionSideLong
	}
	if p.StakeAmount.IsZero() {
		p.StakeAmount = DefaultStakeAmount
	}
	return p
}

// Validate rejects inconsistent policies before any simulation runs
func (p Policy) Validate() error {
	if p.ROI != nil {
		if err := p.ROI.Validate(); err != nil {
			return err
		}
	}
	if p.Stoploss > 0 || p.Stoploss <= -1 {
		return fmt.Errorf("stoploss must be in (-1, 0], got %g", p.Stoploss)
	}
	if p.Fee < 0 || p.Fee >= 1 {
		return fmt.Errorf("fee must be in [0, 1), got %g", p.Fee)
	}
	if p.Trailing.Enabled {
		if p.Trailing.Positive <= 0 || p.Trailing.Positive >= 1 {
			return fmt.Errorf("trailing positive must be in (0, 1), got %g", p.Trailing.Positive)
		}
		if p.Trailing.OnlyOffsetIsReached && p.Trailing.PositiveOffset < p.Trailing.Positive {
			return fmt.Errorf("trailing offset %g below trailing positive %g", p.Trailing.PositiveOffset, p.Trailing.Positive)
		}
	}
	switch p.Fill {
	case "", FillClose, FillNextOpen:
	default:
		return fmt.Errorf("unknown fill policy %q", p.Fill)
	}
	switch p.Side {
	case "", types.PositionSideLong, types.PositionSideShort:
	default:
		return fmt.Errorf("unknown position side %q", p.Side)
	}
	if p.StakeAmount.IsNegative() {
		return fmt.Errorf("stake amount must not be negative")
	}
	return nil
}

// returnAt is the fee-adjusted return of a position entered at entry and
// closed at price.
func (p Policy) returnAt(entry, price float64) float64 {
	cost := entry * (1 + p.Fee)
	if p.Side == types.PositionSideShort {
		return (entry*(1-p.Fee) - price*(1+p.Fee)) / cost
	}
	return (price*(1-p.Fee) - cost) / cost
}
