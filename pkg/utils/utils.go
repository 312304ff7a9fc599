// Package utils provides small helpers shared by the binaries and the API.
package utils

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. level is debug, info, warn or error;
// encoding is console or json.
func NewLogger(level, encoding string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	switch encoding {
	case "", "console":
		encoding = "console"
	case "json":
		encodeLevel = zapcore.LowercaseLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

// FormatSymbol normalizes a trading symbol.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)

	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	// BASEQUOTE without separator
	if symbol != "" && !strings.Contains(symbol, "/") {
		quotes := []string{"USDT", "USDC", "USD", "BTC", "ETH", "BNB"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
				base := strings.TrimSuffix(symbol, quote)
				return base + "/" + quote
			}
		}
	}

	return symbol
}

// TimeRange represents a time range. A zero Start or End leaves that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains checks if a time is within the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return (tr.Start.IsZero() || !t.Before(tr.Start)) && (tr.End.IsZero() || !t.After(tr.End))
}

const timeRangeLayout = "20060102"

// ParseTimeRange parses "YYYYMMDD-YYYYMMDD". Either side may be empty
// ("20240101-", "-20240301"); an empty string is an open range.
func ParseTimeRange(s string) (TimeRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeRange{}, nil
	}

	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return TimeRange{}, fmt.Errorf("invalid time range %q: expected START-END", s)
	}

	var tr TimeRange
	var err error
	if start != "" {
		if tr.Start, err = time.Parse(timeRangeLayout, start); err != nil {
			return TimeRange{}, fmt.Errorf("invalid time range start %q: %w", start, err)
		}
	}
	if end != "" {
		if tr.End, err = time.Parse(timeRangeLayout, end); err != nil {
			return TimeRange{}, fmt.Errorf("invalid time range end %q: %w", end, err)
		}
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && !tr.End.After(tr.Start) {
		return TimeRange{}, fmt.Errorf("invalid time range %q: end is not after start", s)
	}
	return tr, nil
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return d.Round(time.Millisecond).String()
}
