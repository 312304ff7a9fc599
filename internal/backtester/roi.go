package backtester

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrInvalidROITable is returned for tables that are empty, lack a step at
// minute 0, or whose required return does not strictly decay.
var ErrInvalidROITable = errors.New("invalid ROI table")

// ROIStep requires Return once a trade has been open for at least Minutes
type ROIStep struct {
	Minutes int     `json:"minutes"`
	Return  float64 `json:"return"`
}

// ROITable is a time-indexed minimum-return exit policy, ordered by Minutes
type ROITable []ROIStep

// NewROITable builds a table from a minutes -> return mapping and validates it
func NewROITable(steps map[int]float64) (ROITable, error) {
	table := make(ROITable, 0, len(steps))
	for m, r := range steps {
		table = append(table, ROIStep{Minutes: m, Return: r})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Minutes < table[j].Minutes })
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// ParseROITable converts the string-keyed form used in strategy files
// ({"0": 0.094, "20": 0.071}) into a table.
func ParseROITable(raw map[string]float64) (ROITable, error) {
	steps := make(map[int]float64, len(raw))
	for k, v := range raw {
		m, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("%w: threshold %q is not an integer", ErrInvalidROITable, k)
		}
		steps[m] = v
	}
	return NewROITable(steps)
}

// GenerateROITable derives a four-step table from three time deltas and three
// return increments: 0 -> p1+p2+p3, t3 -> p1+p2, t3+t2 -> p1, t3+t2+t1 -> 0.
func GenerateROITable(t1, t2, t3 int, p1, p2, p3 float64) (ROITable, error) {
	return NewROITable(map[int]float64{
		0:            p1 + p2 + p3,
		t3:           p1 + p2,
		t3 + t2:      p1,
		t3 + t2 + t1: 0,
	})
}

// Validate checks ordering and monotonic decay
func (t ROITable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidROITable)
	}
	if t[0].Minutes != 0 {
		return fmt.Errorf("%w: first step must be at minute 0, got %d", ErrInvalidROITable, t[0].Minutes)
	}
	for i := 1; i < len(t); i++ {
		if t[i].Minutes <= t[i-1].Minutes {
			return fmt.Errorf("%w: thresholds must strictly increase (%d after %d)", ErrInvalidROITable, t[i].Minutes, t[i-1].Minutes)
		}
		if t[i].Return >= t[i-1].Return {
			return fmt.Errorf("%w: return at minute %d must be below %g", ErrInvalidROITable, t[i].Minutes, t[i-1].Return)
		}
	}
	return nil
}

// Required returns the minimum return for a trade open elapsed minutes
func (t ROITable) Required(elapsed float64) (float64, bool) {
	idx := sort.Search(len(t), func(i int) bool { return float64(t[i].Minutes) > elapsed }) - 1
	if idx < 0 {
		return 0, false
	}
	return t[idx].Return, true
}

// Map returns the table in its string-keyed form
func (t ROITable) Map() map[string]float64 {
	out := make(map[string]float64, len(t))
	for _, s := range t {
		out[strconv.Itoa(s.Minutes)] = s.Return
	}
	return out
}
