package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// ParamSet maps a parameter name to a concrete value. Values are bool, int,
// float64 or string (categorical choices).
type ParamSet map[string]any

// Has reports whether the parameter is set.
func (p ParamSet) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Bool returns a boolean parameter.
func (p ParamSet) Bool(name string) (bool, error) {
	v, ok := p[name]
	if !ok {
		return false, fmt.Errorf("parameter %q not set", name)
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("parameter %q: %w", name, err)
	}
	return b, nil
}

// Int returns an integer parameter.
func (p ParamSet) Int(name string) (int, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("parameter %q not set", name)
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return i, nil
}

// Float returns a numeric parameter.
func (p ParamSet) Float(name string) (float64, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("parameter %q not set", name)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return f, nil
}

// String returns a categorical parameter.
func (p ParamSet) String(name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", fmt.Errorf("parameter %q not set", name)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("parameter %q: %w", name, err)
	}
	return s, nil
}

// Clone returns a shallow copy.
func (p ParamSet) Clone() ParamSet {
	out := make(ParamSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with other.
func (p ParamSet) Merge(other ParamSet) ParamSet {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Key returns a canonical representation independent of map order.
func (p ParamSet) Key() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%v", k, p[k])
	}
	return b.String()
}
