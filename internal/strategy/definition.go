// Package strategy loads declarative strategy definitions and binds them to
// market data for backtesting and hyperparameter search.
package strategy

import (
	"errors"
	"fmt"
	"os"

	"github.com/atlas-desktop/strategy-optimizer/internal/backtester"
	"github.com/atlas-desktop/strategy-optimizer/internal/indicators"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/signals"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Parameter names with a fixed meaning for the exit policy
const (
	ParamStoploss           = "stoploss"
	ParamTrailingStop       = "trailing_stop"
	ParamTrailingPositive   = "trailing_stop_positive"
	ParamTrailingOffsetP1   = "trailing_stop_positive_offset_p1"
	ParamTrailingOnlyOffset = "trailing_only_offset_is_reached"
)

var roiParams = []string{"roi_t1", "roi_t2", "roi_t3", "roi_p1", "roi_p2", "roi_p3"}

// ErrInvalidDefinition wraps every structural problem in a strategy file
var ErrInvalidDefinition = errors.New("invalid strategy definition")

// TrailingConfig is the trailing stop section of a strategy file
type TrailingConfig struct {
	Enabled             bool    `yaml:"trailing_stop" json:"trailingStop"`
	Positive            float64 `yaml:"trailing_stop_positive" json:"trailingStopPositive"`
	PositiveOffset      float64 `yaml:"trailing_stop_positive_offset" json:"trailingStopPositiveOffset"`
	OnlyOffsetIsReached bool    `yaml:"trailing_only_offset_is_reached" json:"trailingOnlyOffsetIsReached"`
}

// Spaces groups the searchable dimensions by hyperspace
type Spaces struct {
	Buy      optimization.Space `yaml:"buy,omitempty" json:"buy,omitempty"`
	Sell     optimization.Space `yaml:"sell,omitempty" json:"sell,omitempty"`
	ROI      optimization.Space `yaml:"roi,omitempty" json:"roi,omitempty"`
	Stoploss optimization.Space `yaml:"stoploss,omitempty" json:"stoploss,omitempty"`
	Trailing optimization.Space `yaml:"trailing,omitempty" json:"trailing,omitempty"`
}

// Definition is a strategy expressed as data: the indicator columns it
// needs, its entry and exit rules, its default exit policy and the spaces a
// search may tune.
type Definition struct {
	Name               string             `yaml:"name" json:"name"`
	Description        string             `yaml:"description,omitempty" json:"description,omitempty"`
	Timeframe          types.Timeframe    `yaml:"timeframe" json:"timeframe"`
	StartupCandleCount int                `yaml:"startup_candle_count" json:"startupCandleCount"`
	Columns            []string           `yaml:"columns" json:"columns"`
	Side               types.PositionSide `yaml:"side,omitempty" json:"side,omitempty"`

	MinimalROI  map[string]float64    `yaml:"minimal_roi,omitempty" json:"minimalRoi,omitempty"`
	Stoploss    float64               `yaml:"stoploss" json:"stoploss"`
	Trailing    TrailingConfig        `yaml:"trailing,omitempty" json:"trailing"`
	Fee         float64               `yaml:"fee,omitempty" json:"fee"`
	Fill        backtester.FillPolicy `yaml:"fill,omitempty" json:"fill,omitempty"`
	StakeAmount float64               `yaml:"stake_amount,omitempty" json:"stakeAmount,omitempty"`

	Entry signals.RuleSet `yaml:"entry" json:"entry"`
	Exit  signals.RuleSet `yaml:"exit" json:"exit"`

	Spaces Spaces         `yaml:"spaces,omitempty" json:"spaces"`
	Params types.ParamSet `yaml:"params,omitempty" json:"params,omitempty"`
}

// Parse decodes and validates a YAML definition
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads a definition from a file
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks the definition before any data is touched
func (d *Definition) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidDefinition, d.Name, fmt.Sprintf(format, args...))
	}

	if d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}
	if d.Timeframe.Duration() == 0 {
		return fail("unknown timeframe %q", d.Timeframe)
	}
	if d.StartupCandleCount < 0 {
		return fail("negative startup_candle_count")
	}
	if err := d.Entry.Validate(); err != nil {
		return fail("entry: %v", err)
	}
	if err := d.Exit.Validate(); err != nil {
		return fail("exit: %v", err)
	}

	available := make(map[string]bool, len(d.Columns)+5)
	for _, c := range d.Columns {
		available[c] = true
	}
	for _, c := range []string{indicators.ColumnOpen, indicators.ColumnHigh, indicators.ColumnLow, indicators.ColumnClose, indicators.ColumnVolume} {
		available[c] = true
	}
	for _, rules := range []signals.RuleSet{d.Entry, d.Exit} {
		for _, c := range rules.Columns() {
			if !available[c] {
				return fail("rules reference undeclared column %q", c)
			}
		}
	}

	for name, space := range d.Spaces.byName() {
		if len(space) == 0 {
			continue
		}
		if err := space.Validate(); err != nil {
			return fail("%s space: %v", name, err)
		}
	}

	dims := make(map[string]optimization.Dimension)
	for _, space := range d.Spaces.byName() {
		for _, dim := range space {
			dims[dim.Name] = dim
		}
	}
	for _, rules := range []signals.RuleSet{d.Entry, d.Exit} {
		for _, tr := range rules.Triggers {
			dim, ok := dims[tr.Param]
			if !ok {
				continue
			}
			for _, choice := range dim.Choices {
				if _, ok := tr.Options[fmt.Sprint(choice)]; !ok {
					return fail("trigger %s: choice %v has no option", tr.Name, choice)
				}
			}
		}
		for _, g := range rules.Guards {
			if dim, ok := dims[g.Enabled]; ok && dim.Kind != optimization.KindBoolean {
				return fail("guard %s: parameter %s must be boolean", g.Name, g.Enabled)
			}
		}
	}

	if _, err := d.Policy(nil); err != nil {
		return fail("%v", err)
	}
	return nil
}

func (s Spaces) byName() map[string]optimization.Space {
	return map[string]optimization.Space{
		"buy":      s.Buy,
		"sell":     s.Sell,
		"roi":      s.ROI,
		"stoploss": s.Stoploss,
		"trailing": s.Trailing,
	}
}

// SpaceNames lists the hyperspaces in search order
var SpaceNames = []string{"buy", "sell", "roi", "stoploss", "trailing"}

// Space concatenates the named hyperspaces. With no names every declared
// space is used. The roi, stoploss and trailing spaces fall back to the
// built-in defaults when the definition leaves them empty.
func (d *Definition) Space(names ...string) (optimization.Space, error) {
	declared := d.Spaces.byName()
	if len(names) == 0 {
		for _, n := range SpaceNames {
			if len(declared[n]) > 0 {
				names = append(names, n)
			}
		}
	}

	var out optimization.Space
	for _, n := range names {
		space, ok := declared[n]
		if !ok {
			return nil, fmt.Errorf("unknown hyperspace %q", n)
		}
		if len(space) == 0 {
			space = defaultSpace(n)
		}
		if len(space) == 0 {
			return nil, fmt.Errorf("strategy %s declares no %s space", d.Name, n)
		}
		out = append(out, space...)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Policy derives the exit policy for a parameter set merged over the defaults
func (d *Definition) Policy(params types.ParamSet) (backtester.Policy, error) {
	p := d.Params.Merge(params)

	policy := backtester.Policy{
		Stoploss: d.Stoploss,
		Trailing: backtester.Trailing{
			Enabled:             d.Trailing.Enabled,
			Positive:            d.Trailing.Positive,
			PositiveOffset:      d.Trailing.PositiveOffset,
			OnlyOffsetIsReached: d.Trailing.OnlyOffsetIsReached,
		},
		Fee:         d.Fee,
		Fill:        d.Fill,
		Side:        d.Side,
		StakeAmount: decimal.NewFromFloat(d.StakeAmount),
	}

	if len(d.MinimalROI) > 0 {
		roi, err := backtester.ParseROITable(d.MinimalROI)
		if err != nil {
			return policy, err
		}
		policy.ROI = roi
	}

	if hasAll(p, roiParams) {
		roi, err := generateROI(p)
		if err != nil {
			return policy, err
		}
		policy.ROI = roi
	}

	var err error
	if p.Has(ParamStoploss) {
		if policy.Stoploss, err = p.Float(ParamStoploss); err != nil {
			return policy, err
		}
	}
	if p.Has(ParamTrailingStop) {
		if policy.Trailing.Enabled, err = p.Bool(ParamTrailingStop); err != nil {
			return policy, err
		}
	}
	if p.Has(ParamTrailingPositive) {
		if policy.Trailing.Positive, err = p.Float(ParamTrailingPositive); err != nil {
			return policy, err
		}
	}
	if p.Has(ParamTrailingOffsetP1) {
		p1, err := p.Float(ParamTrailingOffsetP1)
		if err != nil {
			return policy, err
		}
		policy.Trailing.PositiveOffset = policy.Trailing.Positive + p1
	}
	if p.Has(ParamTrailingOnlyOffset) {
		if policy.Trailing.OnlyOffsetIsReached, err = p.Bool(ParamTrailingOnlyOffset); err != nil {
			return policy, err
		}
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func generateROI(p types.ParamSet) (backtester.ROITable, error) {
	t := make([]int, 3)
	for i, name := range roiParams[:3] {
		v, err := p.Int(name)
		if err != nil {
			return nil, err
		}
		t[i] = v
	}
	r := make([]float64, 3)
	for i, name := range roiParams[3:] {
		v, err := p.Float(name)
		if err != nil {
			return nil, err
		}
		r[i] = v
	}
	return backtester.GenerateROITable(t[0], t[1], t[2], r[0], r[1], r[2])
}

func hasAll(p types.ParamSet, names []string) bool {
	for _, n := range names {
		if !p.Has(n) {
			return false
		}
	}
	return true
}

// Evaluator builds the signal evaluator for the definition's rules
func (d *Definition) Evaluator() *signals.Evaluator {
	return signals.NewEvaluator(d.StartupCandleCount, d.Entry, d.Exit)
}
