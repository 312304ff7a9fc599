// Package signals evaluates declarative entry/exit rules over indicator columns.
package signals

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator compares two operands at a time step
type Operator string

const (
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "le"
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "ge"
	OpEqual        Operator = "eq"
	OpCrossedAbove Operator = "crossed_above"
	OpCrossedBelow Operator = "crossed_below"
)

// Valid reports whether the operator is known
func (op Operator) Valid() bool {
	switch op {
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual, OpEqual, OpCrossedAbove, OpCrossedBelow:
		return true
	}
	return false
}

const paramPrefix = "param:"

// Operand is a column name, a parameter reference or a literal.
// In YAML it is written as a bare column name, "param:<name>", or a number.
type Operand struct {
	Column string   `json:"column,omitempty"`
	Param  string   `json:"param,omitempty"`
	Value  *float64 `json:"value,omitempty"`
}

// Col references an indicator column
func Col(name string) Operand { return Operand{Column: name} }

// Param references a tunable parameter
func Param(name string) Operand { return Operand{Param: name} }

// Lit is a literal value
func Lit(v float64) Operand { return Operand{Value: &v} }

func (o Operand) String() string {
	switch {
	case o.Column != "":
		return o.Column
	case o.Param != "":
		return paramPrefix + o.Param
	case o.Value != nil:
		return strconv.FormatFloat(*o.Value, 'g', -1, 64)
	}
	return "<empty>"
}

// UnmarshalYAML accepts the scalar shorthand as well as the mapping form
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*o = parseOperand(node.Value)
		return nil
	}
	type plain Operand
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*o = Operand(p)
	return nil
}

func parseOperand(s string) Operand {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, paramPrefix) {
		return Param(strings.TrimPrefix(s, paramPrefix))
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return Lit(v)
	}
	return Col(s)
}

// Condition is a single comparison "left op right"
type Condition struct {
	Left  Operand  `yaml:"left" json:"left"`
	Op    Operator `yaml:"op" json:"op"`
	Right Operand  `yaml:"right" json:"right"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

// Guard is a condition switched on by a boolean parameter. An empty Enabled
// makes the guard unconditional.
type Guard struct {
	Name      string `yaml:"name" json:"name"`
	Enabled   string `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Condition `yaml:",inline"`
}

// Trigger selects one of several mutually exclusive conditions by the value
// of a categorical parameter.
type Trigger struct {
	Name    string               `yaml:"name" json:"name"`
	Param   string               `yaml:"param" json:"param"`
	Options map[string]Condition `yaml:"options" json:"options"`
}

// Choices returns the option names in sorted order
func (t Trigger) Choices() []string {
	out := make([]string, 0, len(t.Options))
	for k := range t.Options {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RuleSet is the conjunctive rule for one direction
type RuleSet struct {
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Guards     []Guard     `yaml:"guards,omitempty" json:"guards,omitempty"`
	Triggers   []Trigger   `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Columns returns every column any condition of the rule set may reference
func (r RuleSet) Columns() []string {
	seen := make(map[string]bool)
	add := func(c Condition) {
		for _, o := range []Operand{c.Left, c.Right} {
			if o.Column != "" {
				seen[o.Column] = true
			}
		}
	}
	for _, c := range r.Conditions {
		add(c)
	}
	for _, g := range r.Guards {
		add(g.Condition)
	}
	for _, t := range r.Triggers {
		for _, c := range t.Options {
			add(c)
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks the structure of the rule set without any parameter values
func (r RuleSet) Validate() error {
	check := func(where string, c Condition) error {
		if !c.Op.Valid() {
			return fmt.Errorf("%s: unknown operator %q", where, c.Op)
		}
		for _, o := range []Operand{c.Left, c.Right} {
			set := 0
			if o.Column != "" {
				set++
			}
			if o.Param != "" {
				set++
			}
			if o.Value != nil {
				set++
			}
			if set != 1 {
				return fmt.Errorf("%s: operand must be exactly one of column, param or value", where)
			}
		}
		return nil
	}

	for i, c := range r.Conditions {
		if err := check(fmt.Sprintf("condition %d", i), c); err != nil {
			return err
		}
	}
	for _, g := range r.Guards {
		if err := check("guard "+g.Name, g.Condition); err != nil {
			return err
		}
	}
	for _, t := range r.Triggers {
		if t.Param == "" {
			return fmt.Errorf("trigger %s: missing param", t.Name)
		}
		if len(t.Options) == 0 {
			return fmt.Errorf("trigger %s: no options", t.Name)
		}
		for name, c := range t.Options {
			if err := check(fmt.Sprintf("trigger %s option %s", t.Name, name), c); err != nil {
				return err
			}
		}
	}
	return nil
}
