package backtester_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/backtester"
	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// seriesFromCloses builds a series with one bar every step minutes and open == close
func seriesFromCloses(t *testing.T, step time.Duration, closes ...float64) *data.Series {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*types.OHLCV, len(closes))
	for i, c := range closes {
		p := decimal.NewFromFloat(c)
		bars[i] = &types.OHLCV{
			Timestamp: base.Add(time.Duration(i) * step),
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    decimal.NewFromInt(10),
		}
	}
	series, err := data.NewSeries("BTC/USDT", types.Timeframe5m, bars)
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return series
}

func signalsAt(n int, idx ...int) []bool {
	out := make([]bool, n)
	for _, i := range idx {
		out[i] = true
	}
	return out
}

func newSimulator(t *testing.T, policy backtester.Policy) *backtester.Simulator {
	t.Helper()
	sim, err := backtester.NewSimulator(zap.NewNop(), policy)
	if err != nil {
		t.Fatalf("Failed to create simulator: %v", err)
	}
	return sim
}

func TestROIExitDependsOnHoldingTime(t *testing.T) {
	roi, err := backtester.NewROITable(map[int]float64{0: 0.09, 20: 0.07, 43: 0.015, 133: 0})
	if err != nil {
		t.Fatalf("Failed to build ROI table: %v", err)
	}
	sim := newSimulator(t, backtester.Policy{ROI: roi})

	// 5 minute bars: bar 2 is 10 minutes after entry, bar 5 is 25 minutes after entry
	series := seriesFromCloses(t, 5*time.Minute, 100, 100, 107.1, 100, 100, 107.1, 100)
	res, err := sim.Run(context.Background(), series, signalsAt(7, 0), signalsAt(7))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.ExitReason != types.ExitReasonROI {
		t.Errorf("Expected roi exit, got %s", trade.ExitReason)
	}
	if trade.ExitIndex != 5 {
		t.Errorf("Expected exit at bar 5 (25 minutes), got bar %d", trade.ExitIndex)
	}
	if trade.Duration != 25*time.Minute {
		t.Errorf("Expected 25m holding time, got %s", trade.Duration)
	}
}

func TestStoplossPreemptsExitSignal(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{Stoploss: -0.33})

	series := seriesFromCloses(t, 5*time.Minute, 100, 90, 65, 70)
	res, err := sim.Run(context.Background(), series, signalsAt(4, 0), signalsAt(4, 2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].ExitReason != types.ExitReasonStoploss {
		t.Errorf("Expected stoploss exit, got %s", res.Trades[0].ExitReason)
	}
	if math.Abs(res.Trades[0].Return-(-0.35)) > 1e-9 {
		t.Errorf("Expected return -0.35, got %f", res.Trades[0].Return)
	}
}

func TestTrailingStop(t *testing.T) {
	policy := backtester.Policy{
		Trailing: backtester.Trailing{
			Enabled:             true,
			Positive:            0.02,
			PositiveOffset:      0.05,
			OnlyOffsetIsReached: true,
		},
	}
	sim := newSimulator(t, policy)

	// 103 -> 100 retraces 2.9% but the peak return (3%) is below the offset;
	// 106 -> 103 retraces 2.8% after the peak passed 5%.
	series := seriesFromCloses(t, 5*time.Minute, 100, 103, 100, 104, 106, 103, 103)
	res, err := sim.Run(context.Background(), series, signalsAt(7, 0), signalsAt(7))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].ExitReason != types.ExitReasonTrailingStop || res.Trades[0].ExitIndex != 5 {
		t.Errorf("Expected trailing stop at bar 5, got %s at bar %d", res.Trades[0].ExitReason, res.Trades[0].ExitIndex)
	}
}

func TestOscillatingSeriesRoundTrips(t *testing.T) {
	// Triangle wave between 100 and 110, 100 bars
	closes := make([]float64, 100)
	wave := []float64{100, 102, 104, 106, 108, 110, 108, 106, 104, 102}
	for i := range closes {
		closes[i] = wave[i%len(wave)]
	}
	series := seriesFromCloses(t, 15*time.Minute, closes...)

	entry := make([]bool, len(closes))
	exit := make([]bool, len(closes))
	for i, c := range closes {
		entry[i] = c < 102
		exit[i] = c > 108
	}

	sim := newSimulator(t, backtester.Policy{})
	res, err := sim.Run(context.Background(), series, entry, exit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Trades) != 10 {
		t.Fatalf("Expected 10 trades, got %d", len(res.Trades))
	}
	if res.Opens != res.Closes {
		t.Errorf("Opens %d != closes %d", res.Opens, res.Closes)
	}

	last := -1
	for i, trade := range res.Trades {
		if trade.EntryIndex <= last {
			t.Errorf("Trade %d overlaps the previous trade", i)
		}
		last = trade.ExitIndex
		if trade.ExitReason != types.ExitReasonSignal {
			t.Errorf("Trade %d: expected signal exit, got %s", i, trade.ExitReason)
		}
		expected := (trade.ExitPrice - trade.EntryPrice) / trade.EntryPrice
		if trade.Return <= 0 || math.Abs(trade.Return-expected) > 1e-9 {
			t.Errorf("Trade %d: unexpected return %f", i, trade.Return)
		}
	}

	// The final trade opens at bar 90 and is closed by the exit signal at bar 95.
	if res.Trades[9].ExitIndex != 95 {
		t.Errorf("Expected last exit at bar 95, got %d", res.Trades[9].ExitIndex)
	}
}

func TestForcedCloseAtEndOfSeries(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{})
	series := seriesFromCloses(t, time.Hour, 100, 101, 102, 103)

	res, err := sim.Run(context.Background(), series, signalsAt(4, 1), signalsAt(4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.ExitIndex != 3 || trade.ExitReason != types.ExitReasonSignal || trade.ExitPrice != 103 {
		t.Errorf("Unexpected forced close: %+v", trade)
	}
}

func TestEntryOnLastBarIsForceClosed(t *testing.T) {
	series := seriesFromCloses(t, time.Hour, 100, 101, 102, 103)

	sim := newSimulator(t, backtester.Policy{})
	res, err := sim.Run(context.Background(), series, signalsAt(4, 3), signalsAt(4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Opens != 1 || res.Closes != 1 || len(res.Trades) != 1 {
		t.Fatalf("Expected one forced trade, got opens=%d closes=%d trades=%d", res.Opens, res.Closes, len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.EntryIndex != 3 || trade.ExitIndex != 3 || trade.ExitReason != types.ExitReasonSignal || trade.Return != 0 {
		t.Errorf("Unexpected forced trade: %+v", trade)
	}

	// next_open has no bar to fill on
	sim = newSimulator(t, backtester.Policy{Fill: backtester.FillNextOpen})
	res, err = sim.Run(context.Background(), series, signalsAt(4, 3), signalsAt(4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Opens != 0 || len(res.Trades) != 0 {
		t.Errorf("Expected no trade with next_open fill, got %+v", res)
	}
}

func TestNoReentryOnExitBar(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{})
	series := seriesFromCloses(t, time.Hour, 100, 101, 102, 103, 104)

	res, err := sim.Run(context.Background(), series, signalsAt(5, 0, 2, 3), signalsAt(5, 2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[1].EntryIndex != 3 {
		t.Errorf("Expected second entry at bar 3, got %d", res.Trades[1].EntryIndex)
	}
}

func TestNextOpenFill(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{Fill: backtester.FillNextOpen})
	series := seriesFromCloses(t, time.Hour, 100, 101, 102, 103, 104)

	res, err := sim.Run(context.Background(), series, signalsAt(5, 0), signalsAt(5, 2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.EntryIndex != 1 || trade.EntryPrice != 101 {
		t.Errorf("Expected entry at bar 1 open, got bar %d price %f", trade.EntryIndex, trade.EntryPrice)
	}
	if trade.ExitIndex != 3 || trade.ExitPrice != 103 {
		t.Errorf("Expected exit at bar 3 open, got bar %d price %f", trade.ExitIndex, trade.ExitPrice)
	}
}

func TestShortSideAndFees(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{Side: types.PositionSideShort, Fee: 0.001})
	series := seriesFromCloses(t, time.Hour, 100, 95, 90)

	res, err := sim.Run(context.Background(), series, signalsAt(3, 0), signalsAt(3, 2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(res.Trades))
	}
	expected := (100*0.999 - 90*1.001) / (100 * 1.001)
	if math.Abs(res.Trades[0].Return-expected) > 1e-12 {
		t.Errorf("Expected return %f, got %f", expected, res.Trades[0].Return)
	}
	profit, _ := res.Trades[0].Profit.Float64()
	if math.Abs(profit-1000*expected) > 1e-6 {
		t.Errorf("Expected profit %f on default stake, got %f", 1000*expected, profit)
	}
}

func TestInvalidEntryPrice(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{})
	series := seriesFromCloses(t, time.Hour, 0, 1, 2)

	_, err := sim.Run(context.Background(), series, signalsAt(3, 0), signalsAt(3))
	if !errors.Is(err, backtester.ErrInvalidPrice) {
		t.Fatalf("Expected ErrInvalidPrice, got %v", err)
	}
}

func TestNoEntriesGivesEmptyLedger(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{})
	series := seriesFromCloses(t, time.Hour, 100, 101, 102)

	res, err := sim.Run(context.Background(), series, signalsAt(3), signalsAt(3, 1))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 0 || res.Opens != 0 || res.Closes != 0 {
		t.Errorf("Expected empty ledger, got %+v", res)
	}
}

func TestSignalLengthMismatch(t *testing.T) {
	sim := newSimulator(t, backtester.Policy{})
	series := seriesFromCloses(t, time.Hour, 100, 101, 102)

	if _, err := sim.Run(context.Background(), series, signalsAt(2), signalsAt(3)); err == nil {
		t.Fatal("Expected error for misaligned signals")
	}
}

func TestPolicyValidation(t *testing.T) {
	cases := []struct {
		name   string
		policy backtester.Policy
	}{
		{"positive stoploss", backtester.Policy{Stoploss: 0.1}},
		{"fee too large", backtester.Policy{Fee: 1}},
		{"trailing without distance", backtester.Policy{Trailing: backtester.Trailing{Enabled: true}}},
		{"unknown fill", backtester.Policy{Fill: "vwap"}},
		{"bad roi", backtester.Policy{ROI: backtester.ROITable{{Minutes: 10, Return: 0.1}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := backtester.NewSimulator(zap.NewNop(), tc.policy); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
