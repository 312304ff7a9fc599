// Package data provides market data storage and loading.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData is returned when no bar file exists for a symbol/timeframe
var ErrNoData = errors.New("no market data")

// Store provides access to historical market data kept as JSON files
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]*types.OHLCV
	symbols  []string
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]*types.OHLCV),
		symbols:  make([]string, 0),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// Dir returns the directory backing the store
func (s *Store) Dir() string {
	return s.dataDir
}

// LoadOHLCV loads bars for a symbol within [start, end]. A zero start or end leaves that side open.
func (s *Store) LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)

	if cached, ok := s.cache[cacheKey]; ok {
		return s.filterByTimeRange(cached, start, end), nil
	}

	data, err := os.ReadFile(s.barsPath(symbol, timeframe))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for %s %s", ErrNoData, symbol, timeframe)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []*types.OHLCV
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[cacheKey] = bars

	s.logger.Debug("Loaded bars from disk",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(timeframe)),
		zap.Int("bars", len(bars)),
	)

	return s.filterByTimeRange(bars, start, end), nil
}

// LoadSeries loads bars and converts them into an immutable Series
func (s *Store) LoadSeries(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) (*Series, error) {
	bars, err := s.LoadOHLCV(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	series, err := NewSeries(symbol, timeframe, bars)
	if err != nil {
		return nil, fmt.Errorf("invalid series for %s %s: %w", symbol, timeframe, err)
	}
	return series, nil
}

// GetAvailableSymbols returns all available symbols
func (s *Store) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, len(s.symbols))
	copy(symbols, s.symbols)
	sort.Strings(symbols)
	return symbols
}

// GetDataRange returns the available data range for a symbol
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// SaveOHLCV saves OHLCV data to disk
func (s *Store) SaveOHLCV(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := os.WriteFile(s.barsPath(symbol, timeframe), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)
	s.cache[cacheKey] = bars

	if len(bars) > 0 {
		if _, known := s.metadata[symbol]; !known {
			s.symbols = append(s.symbols, symbol)
		}
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(timeframe),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}

	return nil
}

// LoadColumns reads precomputed indicator columns stored next to the bar
// file. JSON nulls mark undefined (warm-up) values.
func (s *Store) LoadColumns(symbol string, timeframe types.Timeframe) (map[string][]*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.columnsPath(symbol, timeframe))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no indicator columns for %s %s", ErrNoData, symbol, timeframe)
		}
		return nil, fmt.Errorf("failed to read indicator file: %w", err)
	}

	var columns map[string][]*float64
	if err := json.Unmarshal(data, &columns); err != nil {
		return nil, fmt.Errorf("failed to parse indicator file: %w", err)
	}
	return columns, nil
}

// SaveColumns writes precomputed indicator columns for a symbol/timeframe
func (s *Store) SaveColumns(symbol string, timeframe types.Timeframe, columns map[string][]*float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(columns)
	if err != nil {
		return fmt.Errorf("failed to marshal indicator columns: %w", err)
	}
	if err := os.WriteFile(s.columnsPath(symbol, timeframe), data, 0644); err != nil {
		return fmt.Errorf("failed to write indicator file: %w", err)
	}
	return nil
}

func (s *Store) barsPath(symbol string, timeframe types.Timeframe) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", fileSafe(symbol), timeframe))
}

func (s *Store) columnsPath(symbol string, timeframe types.Timeframe) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s_indicators.json", fileSafe(symbol), timeframe))
}

// fileSafe maps pair separators so "SOL/USDT" does not become a directory
func fileSafe(symbol string) string {
	out := []byte(symbol)
	for i, c := range out {
		if c == '/' || c == '\\' || c == ':' {
			out[i] = '_'
		}
	}
	return string(out)
}

// filterByTimeRange filters OHLCV data by time range
func (s *Store) filterByTimeRange(bars []*types.OHLCV, start, end time.Time) []*types.OHLCV {
	var filtered []*types.OHLCV

	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}

	return filtered
}

// loadMetadata loads symbol metadata from disk
func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}

	s.metadata = metadata

	s.symbols = make([]string, 0, len(metadata))
	for symbol := range metadata {
		s.symbols = append(s.symbols, symbol)
	}

	return nil
}

// saveMetadata saves symbol metadata to disk
func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]*types.OHLCV)
}

// GetCacheSize returns the number of cached datasets
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}
