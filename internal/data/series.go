package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
)

// ErrEmptySeries is returned when a series is built from no bars
var ErrEmptySeries = errors.New("series has no bars")

// Series is an immutable, time-ordered OHLCV sequence for one asset.
// Prices are held as float64 columns so the evaluator and simulator can index
// them directly; the decimal bars remain the storage format.
type Series struct {
	Symbol    string
	Timeframe types.Timeframe

	Time   []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// NewSeries builds a Series from stored bars. Timestamps must be strictly increasing.
func NewSeries(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) (*Series, error) {
	if len(bars) == 0 {
		return nil, ErrEmptySeries
	}

	n := len(bars)
	s := &Series{
		Symbol:    symbol,
		Timeframe: timeframe,
		Time:      make([]time.Time, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     make([]float64, n),
		Volume:    make([]float64, n),
	}

	for i, bar := range bars {
		if bar == nil {
			return nil, fmt.Errorf("bar %d is nil", i)
		}
		if i > 0 && !bar.Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("bar %d: timestamp %s not after %s",
				i, bar.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
		s.Time[i] = bar.Timestamp
		s.Open[i] = bar.Open.InexactFloat64()
		s.High[i] = bar.High.InexactFloat64()
		s.Low[i] = bar.Low.InexactFloat64()
		s.Close[i] = bar.Close.InexactFloat64()
		s.Volume[i] = bar.Volume.InexactFloat64()
	}

	return s, nil
}

// Len returns the number of bars
func (s *Series) Len() int {
	return len(s.Time)
}

// Slice returns the bars in [from, to) as a new Series sharing the
// underlying arrays. Callers must not write to either view.
func (s *Series) Slice(from, to int) (*Series, error) {
	if from < 0 || to > s.Len() || from >= to {
		return nil, fmt.Errorf("invalid slice [%d, %d) of %d bars", from, to, s.Len())
	}
	return &Series{
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		Time:      s.Time[from:to],
		Open:      s.Open[from:to],
		High:      s.High[from:to],
		Low:       s.Low[from:to],
		Close:     s.Close[from:to],
		Volume:    s.Volume[from:to],
	}, nil
}
