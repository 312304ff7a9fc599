// Package indicators defines how derived numeric columns reach the engine.
// Indicator math lives outside this module; providers only deliver columns
// aligned with a Series.
package indicators

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"go.uber.org/zap"
)

// Price column names always provided by PriceProvider
const (
	ColumnOpen   = "open"
	ColumnHigh   = "high"
	ColumnLow    = "low"
	ColumnClose  = "close"
	ColumnVolume = "volume"
)

// Column is a numeric sequence aligned 1:1 with a Series. NaN marks an undefined value.
type Column []float64

// Columns maps a column name to its values
type Columns map[string]Column

// Names returns the sorted column names
func (c Columns) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Slice returns every column restricted to [from, to)
func (c Columns) Slice(from, to int) Columns {
	out := make(Columns, len(c))
	for name, col := range c {
		out[name] = col[from:to]
	}
	return out
}

// Provider computes or loads columns for a series
type Provider interface {
	Compute(ctx context.Context, series *data.Series) (Columns, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, series *data.Series) (Columns, error)

func (f ProviderFunc) Compute(ctx context.Context, series *data.Series) (Columns, error) {
	return f(ctx, series)
}

// MissingColumnError reports a required column that no provider produced
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("indicator column %q is not available", e.Column)
}

// AlignmentError reports a column whose length differs from the series
type AlignmentError struct {
	Column   string
	Got      int
	Expected int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("indicator column %q has %d values, series has %d bars", e.Column, e.Got, e.Expected)
}

// Validate checks that every required column exists and that all columns are
// index-aligned with the series.
func Validate(series *data.Series, columns Columns, required []string) error {
	for _, name := range columns.Names() {
		if got := len(columns[name]); got != series.Len() {
			return &AlignmentError{Column: name, Got: got, Expected: series.Len()}
		}
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return &MissingColumnError{Column: name}
		}
	}
	return nil
}

// PriceProvider exposes the series OHLCV values as columns
type PriceProvider struct{}

func (PriceProvider) Compute(_ context.Context, series *data.Series) (Columns, error) {
	return Columns{
		ColumnOpen:   Column(series.Open),
		ColumnHigh:   Column(series.High),
		ColumnLow:    Column(series.Low),
		ColumnClose:  Column(series.Close),
		ColumnVolume: Column(series.Volume),
	}, nil
}

// ColumnSource is the storage behind FileProvider; data.Store implements it.
type ColumnSource interface {
	LoadColumns(symbol string, timeframe types.Timeframe) (map[string][]*float64, error)
}

// FileProvider loads precomputed columns produced by an external indicator pipeline
type FileProvider struct {
	Source ColumnSource
}

func (p FileProvider) Compute(_ context.Context, series *data.Series) (Columns, error) {
	raw, err := p.Source.LoadColumns(series.Symbol, series.Timeframe)
	if err != nil {
		return nil, err
	}

	columns := make(Columns, len(raw))
	for name, values := range raw {
		col := make(Column, len(values))
		for i, v := range values {
			if v == nil {
				col[i] = math.NaN()
			} else {
				col[i] = *v
			}
		}
		columns[name] = col
	}
	return columns, nil
}

// Chain merges the output of several providers. Later providers cannot
// overwrite a column produced earlier.
type Chain struct {
	logger    *zap.Logger
	providers []Provider
}

// NewChain creates a provider chain
func NewChain(logger *zap.Logger, providers ...Provider) *Chain {
	return &Chain{logger: logger, providers: providers}
}

// Compute runs every provider and merges their columns
func (c *Chain) Compute(ctx context.Context, series *data.Series) (Columns, error) {
	merged := make(Columns)
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cols, err := p.Compute(ctx, series)
		if err != nil {
			return nil, fmt.Errorf("indicator provider %d: %w", i, err)
		}
		for name, col := range cols {
			if _, dup := merged[name]; dup {
				return nil, fmt.Errorf("indicator column %q produced twice", name)
			}
			merged[name] = col
		}
	}

	c.logger.Debug("indicator columns ready",
		zap.String("symbol", series.Symbol),
		zap.Strings("columns", merged.Names()),
		zap.Int("bars", series.Len()),
	)
	return merged, nil
}
