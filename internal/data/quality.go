package data

import (
	"fmt"
	"math"
	"time"
)

// Issue types reported by the quality validator
const (
	IssueGap         = "GAP_DETECTED"
	IssuePriceJump   = "PRICE_JUMP"
	IssueOHLC        = "OHLC_INCONSISTENT"
	IssueNonPositive = "NON_POSITIVE_PRICE"
	IssueZeroVolume  = "ZERO_VOLUME"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

const maxReportedIssues = 100

// QualityValidator checks a series before it is backtested. Bad bars do not
// stop a run; they are reported so the caller can decide.
type QualityValidator struct {
	MaxGapBars     int     // gaps wider than this many bars are reported
	MaxBarMove     float64 // close-to-close change treated as a jump
	MinUsableScore int
}

// DataIssue is one problem found in a series
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"barIndex"`
	Message   string    `json:"message"`
}

// QualityReport summarizes a series
type QualityReport struct {
	Symbol       string         `json:"symbol"`
	TotalBars    int            `json:"totalBars"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Issues       []DataIssue    `json:"issues"`
	IssueCounts  map[string]int `json:"issueCounts"`
	QualityScore int            `json:"qualityScore"` // 0-100
	IsUsable     bool           `json:"isUsable"`
}

// NewQualityValidator returns a validator with crypto market defaults
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{
		MaxGapBars:     3,
		MaxBarMove:     0.20,
		MinUsableScore: 50,
	}
}

// Validate inspects every bar of series
func (v *QualityValidator) Validate(series *Series) *QualityReport {
	report := &QualityReport{
		Symbol:      series.Symbol,
		TotalBars:   series.Len(),
		IssueCounts: make(map[string]int),
	}
	if series.Len() == 0 {
		return report
	}
	report.Start = series.Time[0]
	report.End = series.Time[series.Len()-1]

	add := func(issue DataIssue) {
		report.IssueCounts[issue.Type]++
		if len(report.Issues) < maxReportedIssues {
			report.Issues = append(report.Issues, issue)
		}
	}

	interval := series.Timeframe.Duration()
	for i := 0; i < series.Len(); i++ {
		o, h, l, c := series.Open[i], series.High[i], series.Low[i], series.Close[i]
		ts := series.Time[i]

		if o <= 0 || h <= 0 || l <= 0 || c <= 0 {
			add(DataIssue{Type: IssueNonPositive, Severity: SeverityCritical, Timestamp: ts, BarIndex: i,
				Message: fmt.Sprintf("non-positive price (O:%g H:%g L:%g C:%g)", o, h, l, c)})
			continue
		}
		if h < math.Max(o, c) || l > math.Min(o, c) || h < l {
			add(DataIssue{Type: IssueOHLC, Severity: SeverityCritical, Timestamp: ts, BarIndex: i,
				Message: fmt.Sprintf("high/low do not bound the bar (O:%g H:%g L:%g C:%g)", o, h, l, c)})
		}
		if series.Volume[i] <= 0 {
			add(DataIssue{Type: IssueZeroVolume, Severity: SeverityLow, Timestamp: ts, BarIndex: i,
				Message: "bar has no volume"})
		}
		if i == 0 {
			continue
		}

		if interval > 0 {
			gap := ts.Sub(series.Time[i-1])
			if gap > time.Duration(v.MaxGapBars)*interval {
				severity := SeverityHigh
				if gap > 10*time.Duration(v.MaxGapBars)*interval {
					severity = SeverityCritical
				}
				add(DataIssue{Type: IssueGap, Severity: severity, Timestamp: series.Time[i-1], BarIndex: i - 1,
					Message: fmt.Sprintf("gap of %s (expected %s)", gap, interval)})
			}
		}

		if prev := series.Close[i-1]; prev > 0 {
			move := math.Abs(c-prev) / prev
			if move > v.MaxBarMove {
				add(DataIssue{Type: IssuePriceJump, Severity: SeverityMedium, Timestamp: ts, BarIndex: i,
					Message: fmt.Sprintf("close moved %.1f%% in one bar", move*100)})
			}
		}
	}

	report.QualityScore = v.score(report)
	report.IsUsable = report.QualityScore >= v.MinUsableScore &&
		report.IssueCounts[IssueNonPositive] == 0
	return report
}

// score penalizes issues by severity, normalized per hundred bars
func (v *QualityValidator) score(report *QualityReport) int {
	penalty := 0.0
	for typ, n := range report.IssueCounts {
		var points float64
		switch typ {
		case IssueNonPositive, IssueOHLC:
			points = 10
		case IssueGap:
			points = 5
		case IssuePriceJump:
			points = 2
		default:
			points = 0.5
		}
		penalty += points * float64(n)
	}
	normalized := penalty / math.Max(1, float64(report.TotalBars)/100)
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}
