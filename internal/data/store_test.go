// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func hourlyBars(base time.Time, n int) []*types.OHLCV {
	bars := make([]*types.OHLCV, n)
	for i := 0; i < n; i++ {
		bars[i] = &types.OHLCV{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(105 + i)),
			Low:       decimal.NewFromInt(int64(95 + i)),
			Close:     decimal.NewFromInt(int64(102 + i)),
			Volume:    decimal.NewFromInt(int64(1000 * (i + 1))),
		}
	}
	return bars
}

func TestOHLCVStorageAndRetrieval(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	symbol := "TEST/USDT"
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := hourlyBars(base, 3)

	if err := store.SaveOHLCV(symbol, types.Timeframe1h, bars); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	symbols := store.GetAvailableSymbols()
	if len(symbols) != 1 || symbols[0] != symbol {
		t.Errorf("Expected [%s], got %v", symbol, symbols)
	}

	// A fresh store must read the file rather than the cache
	reopened, err := data.NewStore(zap.NewNop(), store.Dir())
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}

	retrieved, err := reopened.LoadOHLCV(context.Background(), symbol, types.Timeframe1h, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Failed to load OHLCV: %v", err)
	}
	if len(retrieved) != len(bars) {
		t.Fatalf("Retrieved %d bars, expected %d", len(retrieved), len(bars))
	}
	for i, bar := range retrieved {
		if !bar.Close.Equal(bars[i].Close) {
			t.Errorf("Bar %d close mismatch: expected %s, got %s", i, bars[i].Close, bar.Close)
		}
	}

	start, end, err := reopened.GetDataRange(symbol)
	if err != nil {
		t.Fatalf("GetDataRange failed: %v", err)
	}
	if !start.Equal(base) || !end.Equal(base.Add(2*time.Hour)) {
		t.Errorf("Unexpected data range %v - %v", start, end)
	}
}

func TestTimeRangeFiltering(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("RANGE/USDT", types.Timeframe1h, hourlyBars(base, 10)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	// Inclusive on both ends: hours 3..6
	retrieved, err := store.LoadOHLCV(context.Background(), "RANGE/USDT", types.Timeframe1h,
		base.Add(3*time.Hour), base.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("Failed to load OHLCV: %v", err)
	}
	if len(retrieved) != 4 {
		t.Fatalf("Expected 4 bars in range, got %d", len(retrieved))
	}
	if !retrieved[0].Timestamp.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("First bar timestamp mismatch: got %v", retrieved[0].Timestamp)
	}
}

func TestMissingDataIsAnError(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	_, err = store.LoadSeries(context.Background(), "NONEXISTENT/USDT", types.Timeframe1h, time.Time{}, time.Time{})
	if !errors.Is(err, data.ErrNoData) {
		t.Fatalf("Expected ErrNoData, got %v", err)
	}
}

func TestLoadSeries(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("SOL/USDT", types.Timeframe1h, hourlyBars(base, 5)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	series, err := store.LoadSeries(context.Background(), "SOL/USDT", types.Timeframe1h, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if series.Len() != 5 {
		t.Fatalf("Expected 5 bars, got %d", series.Len())
	}
	if series.Close[4] != 106 {
		t.Errorf("Expected last close 106, got %f", series.Close[4])
	}
}

func TestColumnsRoundTrip(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	v := 42.5
	columns := map[string][]*float64{"rsi": {nil, nil, &v}}
	if err := store.SaveColumns("SOL/USDT", types.Timeframe15m, columns); err != nil {
		t.Fatalf("SaveColumns failed: %v", err)
	}

	loaded, err := store.LoadColumns("SOL/USDT", types.Timeframe15m)
	if err != nil {
		t.Fatalf("LoadColumns failed: %v", err)
	}
	rsi := loaded["rsi"]
	if len(rsi) != 3 || rsi[0] != nil || rsi[2] == nil || math.Abs(*rsi[2]-v) > 1e-12 {
		t.Errorf("Unexpected column contents: %v", rsi)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("CONCURRENT/USDT", types.Timeframe1h, hourlyBars(base, 20)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := store.LoadSeries(context.Background(), "CONCURRENT/USDT", types.Timeframe1h, time.Time{}, time.Time{}); err != nil {
					t.Errorf("LoadSeries failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
