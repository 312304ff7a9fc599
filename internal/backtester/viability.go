package backtester

import (
	"fmt"

	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
)

// Severity of a viability issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ViabilityThresholds are the minimum requirements for an optimized parameter
// set to be worth a closer look. Ratios are per trade, not annualized.
type ViabilityThresholds struct {
	MinSharpeRatio  decimal.Decimal `json:"minSharpe"`
	MaxDrawdown     decimal.Decimal `json:"maxDrawdown"`
	MinProfitFactor decimal.Decimal `json:"minProfitFactor"`
	MinWinRate      decimal.Decimal `json:"minWinRate"`
	MinTrades       int             `json:"minTrades"`
	// MinOutOfSampleConsistency is the share of walk-forward folds that must stay profitable
	MinOutOfSampleConsistency decimal.Decimal `json:"minOosConsistency"`
}

// DefaultViabilityThresholds returns the default thresholds
func DefaultViabilityThresholds() ViabilityThresholds {
	return ViabilityThresholds{
		MinSharpeRatio:            decimal.NewFromFloat(0.1),
		MaxDrawdown:               decimal.NewFromFloat(0.20),
		MinProfitFactor:           decimal.NewFromFloat(1.5),
		MinWinRate:                decimal.NewFromFloat(0.40),
		MinTrades:                 30,
		MinOutOfSampleConsistency: decimal.NewFromFloat(0.60),
	}
}

// ViabilityIssue is one failed requirement
type ViabilityIssue struct {
	Metric   string          `json:"metric"`
	Actual   decimal.Decimal `json:"actual"`
	Required decimal.Decimal `json:"required"`
	Severity Severity        `json:"severity"`
}

// ViabilityReport grades a ledger's metrics
type ViabilityReport struct {
	IsViable  bool             `json:"isViable"`
	Score     int              `json:"score"`
	Grade     string           `json:"grade"`
	Issues    []ViabilityIssue `json:"issues"`
	Strengths []string         `json:"strengths"`
	Summary   string           `json:"summary"`
}

// ViabilityChecker assesses the metrics of a best result
type ViabilityChecker struct {
	thresholds ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds ViabilityThresholds) *ViabilityChecker {
	return &ViabilityChecker{thresholds: thresholds}
}

// Check grades metrics. outOfSample holds walk-forward test-fold returns, if any.
func (vc *ViabilityChecker) Check(metrics *types.PerformanceMetrics, outOfSample []float64) *ViabilityReport {
	report := &ViabilityReport{
		Issues:    make([]ViabilityIssue, 0),
		Strengths: make([]string, 0),
	}
	th := vc.thresholds

	vc.below(report, "Sharpe Ratio", metrics.SharpeRatio, th.MinSharpeRatio, decimal.Zero)
	vc.below(report, "Profit Factor", metrics.ProfitFactor, th.MinProfitFactor, decimal.NewFromInt(1))
	vc.below(report, "Win Rate", metrics.WinRate, th.MinWinRate, decimal.NewFromFloat(0.30))

	if metrics.MaxDrawdown.GreaterThan(th.MaxDrawdown) {
		severity := SeverityWarning
		if metrics.MaxDrawdown.GreaterThan(th.MaxDrawdown.Mul(decimal.NewFromFloat(1.5))) {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, ViabilityIssue{Metric: "Max Drawdown", Actual: metrics.MaxDrawdown, Required: th.MaxDrawdown, Severity: severity})
	} else if metrics.MaxDrawdown.LessThan(decimal.NewFromFloat(0.10)) {
		report.Strengths = append(report.Strengths, "Low drawdown (< 10%)")
	}

	if metrics.TotalTrades < th.MinTrades {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Trade Count",
			Actual:   decimal.NewFromInt(int64(metrics.TotalTrades)),
			Required: decimal.NewFromInt(int64(th.MinTrades)),
			Severity: SeverityWarning,
		})
	}

	if metrics.Expectancy.IsNegative() {
		report.Issues = append(report.Issues, ViabilityIssue{Metric: "Expectancy", Actual: metrics.Expectancy, Required: decimal.Zero, Severity: SeverityCritical})
	}

	robustness := 50
	if len(outOfSample) > 0 {
		profitable := 0
		for _, r := range outOfSample {
			if r > 0 {
				profitable++
			}
		}
		consistency := decimal.NewFromInt(int64(profitable)).Div(decimal.NewFromInt(int64(len(outOfSample))))
		robustness = int(consistency.InexactFloat64() * 100)
		if consistency.LessThan(th.MinOutOfSampleConsistency) {
			report.Issues = append(report.Issues, ViabilityIssue{Metric: "Out-of-Sample Consistency", Actual: consistency, Required: th.MinOutOfSampleConsistency, Severity: SeverityWarning})
		} else {
			report.Strengths = append(report.Strengths, "Consistent out-of-sample performance")
		}
	}

	report.Score = (vc.returnScore(metrics)*35 + vc.riskScore(metrics)*30 + vc.consistencyScore(metrics)*20 + robustness*15) / 100
	report.Grade = scoreToGrade(report.Score)
	report.IsViable = !hasCritical(report.Issues) && report.Score >= 60
	report.Summary = summary(report)

	return report
}

// below records an issue when actual < required; critical when actual < floor
func (vc *ViabilityChecker) below(report *ViabilityReport, metric string, actual, required, floor decimal.Decimal) {
	if !actual.LessThan(required) {
		if actual.GreaterThan(required.Mul(decimal.NewFromInt(2))) {
			report.Strengths = append(report.Strengths, fmt.Sprintf("Strong %s (%s)", metric, actual.StringFixed(2)))
		}
		return
	}
	severity := SeverityWarning
	if actual.LessThan(floor) {
		severity = SeverityCritical
	}
	report.Issues = append(report.Issues, ViabilityIssue{Metric: metric, Actual: actual, Required: required, Severity: severity})
}

func (vc *ViabilityChecker) returnScore(m *types.PerformanceMetrics) int {
	score := 50
	if sharpe := m.SharpeRatio.InexactFloat64(); sharpe > 0 {
		score += int(minFloat(30, sharpe*60))
	} else {
		score -= 20
	}
	if sortino := m.SortinoRatio.InexactFloat64(); sortino > 0 {
		score += int(minFloat(20, sortino*30))
	}
	return clamp(score, 0, 100)
}

func (vc *ViabilityChecker) riskScore(m *types.PerformanceMetrics) int {
	return clamp(100-int(m.MaxDrawdown.InexactFloat64()*200), 0, 100)
}

func (vc *ViabilityChecker) consistencyScore(m *types.PerformanceMetrics) int {
	score := int(m.WinRate.InexactFloat64() * 60)
	if pf := m.ProfitFactor.InexactFloat64(); pf > 1 {
		score += int(minFloat(40, (pf-1)*20))
	}
	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clamp(score, 0, 100)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func hasCritical(issues []ViabilityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func summary(report *ViabilityReport) string {
	if report.IsViable {
		return fmt.Sprintf("Grade %s: parameters meet the viability thresholds", report.Grade)
	}
	critical := 0
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			critical++
		}
	}
	if critical > 0 {
		return fmt.Sprintf("Not viable: %d critical issues", critical)
	}
	return fmt.Sprintf("Grade %s: below minimum viability requirements", report.Grade)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
