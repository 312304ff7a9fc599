package signals

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/indicators"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
)

// ConfigError reports a rule that references a column or parameter which is
// not available, or a trigger choice that does not exist.
type ConfigError struct {
	Column string
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Column != "":
		return fmt.Sprintf("signal config: column %q: %s", e.Column, e.Reason)
	case e.Param != "":
		return fmt.Sprintf("signal config: parameter %q: %s", e.Param, e.Reason)
	}
	return "signal config: " + e.Reason
}

// Evaluator turns rule sets into per-step boolean signals
type Evaluator struct {
	StartupPeriod int
	Entry         RuleSet
	Exit          RuleSet
}

// NewEvaluator creates an evaluator for an entry and exit rule set
func NewEvaluator(startup int, entry, exit RuleSet) *Evaluator {
	return &Evaluator{StartupPeriod: startup, Entry: entry, Exit: exit}
}

// Active returns the conditions enabled under params for one rule set
func Active(rules RuleSet, params types.ParamSet) ([]Condition, error) {
	active := make([]Condition, 0, len(rules.Conditions)+len(rules.Guards)+len(rules.Triggers))
	active = append(active, rules.Conditions...)

	for _, g := range rules.Guards {
		if g.Enabled != "" {
			if !params.Has(g.Enabled) {
				continue
			}
			on, err := params.Bool(g.Enabled)
			if err != nil {
				return nil, &ConfigError{Param: g.Enabled, Reason: err.Error()}
			}
			if !on {
				continue
			}
		}
		active = append(active, g.Condition)
	}

	for _, t := range rules.Triggers {
		if !params.Has(t.Param) {
			continue
		}
		choice, err := params.String(t.Param)
		if err != nil {
			return nil, &ConfigError{Param: t.Param, Reason: err.Error()}
		}
		c, ok := t.Options[choice]
		if !ok {
			return nil, &ConfigError{Param: t.Param, Reason: fmt.Sprintf("unknown trigger choice %q", choice)}
		}
		active = append(active, c)
	}

	return active, nil
}

// Evaluate computes the signal for one direction. Element t is true only when
// every enabled condition holds at t and t is past the startup period.
func (e *Evaluator) Evaluate(series *data.Series, columns indicators.Columns, params types.ParamSet, direction types.Direction) ([]bool, error) {
	var rules RuleSet
	switch direction {
	case types.DirectionEntry:
		rules = e.Entry
	case types.DirectionExit:
		rules = e.Exit
	default:
		return nil, fmt.Errorf("unknown signal direction %q", direction)
	}

	n := series.Len()
	active, err := Active(rules, params)
	if err != nil {
		return nil, err
	}

	bound := make([]boundCondition, 0, len(active))
	for _, c := range active {
		b, err := bind(c, columns, params, n)
		if err != nil {
			return nil, err
		}
		bound = append(bound, b)
	}

	out := make([]bool, n)
	if len(bound) == 0 {
		return out, nil
	}

	start := e.StartupPeriod
	if start < 0 {
		start = 0
	}
	for t := start; t < n; t++ {
		ok := true
		for _, b := range bound {
			if !b.holds(t) {
				ok = false
				break
			}
		}
		out[t] = ok
	}
	return out, nil
}

type boundCondition struct {
	op          Operator
	left, right func(t int) float64
}

func bind(c Condition, columns indicators.Columns, params types.ParamSet, n int) (boundCondition, error) {
	left, err := resolve(c.Left, columns, params, n)
	if err != nil {
		return boundCondition{}, err
	}
	right, err := resolve(c.Right, columns, params, n)
	if err != nil {
		return boundCondition{}, err
	}
	if !c.Op.Valid() {
		return boundCondition{}, &ConfigError{Reason: fmt.Sprintf("unknown operator %q in %s", c.Op, c)}
	}
	return boundCondition{op: c.Op, left: left, right: right}, nil
}

func resolve(o Operand, columns indicators.Columns, params types.ParamSet, n int) (func(int) float64, error) {
	switch {
	case o.Column != "":
		col, ok := columns[o.Column]
		if !ok {
			return nil, &ConfigError{Column: o.Column, Reason: "not provided"}
		}
		if len(col) != n {
			return nil, &ConfigError{Column: o.Column, Reason: fmt.Sprintf("has %d values, series has %d", len(col), n)}
		}
		return func(t int) float64 { return col[t] }, nil
	case o.Param != "":
		v, err := params.Float(o.Param)
		if err != nil {
			return nil, &ConfigError{Param: o.Param, Reason: err.Error()}
		}
		return func(int) float64 { return v }, nil
	case o.Value != nil:
		v := *o.Value
		return func(int) float64 { return v }, nil
	}
	return nil, &ConfigError{Reason: "empty operand"}
}

func (b boundCondition) holds(t int) bool {
	l, r := b.left(t), b.right(t)
	if math.IsNaN(l) || math.IsNaN(r) {
		return false
	}

	switch b.op {
	case OpLessThan:
		return l < r
	case OpLessEqual:
		return l <= r
	case OpGreaterThan:
		return l > r
	case OpGreaterEqual:
		return l >= r
	case OpEqual:
		return l == r
	case OpCrossedAbove, OpCrossedBelow:
		if t == 0 {
			return false
		}
		pl, pr := b.left(t-1), b.right(t-1)
		if math.IsNaN(pl) || math.IsNaN(pr) {
			return false
		}
		if b.op == OpCrossedAbove {
			return pl <= pr && l > r
		}
		return pl >= pr && l < r
	}
	return false
}
