// Package budget selects, enforces and escalates the output-token ceiling
// sent with each dispatch, and proposes calibration changes offline.
package budget

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_table.yaml
var defaultTableYAML []byte

// Table is the numeric calibration data the estimator reads. It is
// configuration: operators edit it, the calibrator only proposes changes.
type Table struct {
	PerDeliverable int                `yaml:"per_deliverable"`
	DefaultFloor   int                `yaml:"default_floor"`
	Floors         map[string]int     `yaml:"floors"`
	Multipliers    map[string]float64 `yaml:"multipliers"`
	Ladder         []float64          `yaml:"ladder"`
}

// DefaultTable returns the embedded table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded calibration table: %v", err))
	}
	return t
}

// ParseTable decodes and validates a yaml table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse calibration table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTable reads a table from path. An empty path yields the default table.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration table %s: %w", path, err)
	}
	return ParseTable(data)
}

// Validate rejects tables the estimator cannot compute with.
func (t *Table) Validate() error {
	if t.PerDeliverable <= 0 {
		return fmt.Errorf("calibration table: per_deliverable must be positive")
	}
	if t.DefaultFloor < 0 {
		return fmt.Errorf("calibration table: default_floor must not be negative")
	}
	for cat, f := range t.Floors {
		if f < 0 {
			return fmt.Errorf("calibration table: floor for %q must not be negative", cat)
		}
	}
	for cx, m := range t.Multipliers {
		if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("calibration table: multiplier for %q must be positive", cx)
		}
	}
	if len(t.Ladder) == 0 {
		return fmt.Errorf("calibration table: ladder must have at least one step")
	}
	for i, f := range t.Ladder {
		if f < 1 || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("calibration table: ladder step %d must be >= 1", i)
		}
	}
	return nil
}

// Floor returns the floor for category, falling back to the default floor.
func (t *Table) Floor(category string) int {
	if f, ok := t.Floors[category]; ok {
		return f
	}
	return t.DefaultFloor
}

// Multiplier returns the complexity multiplier, 1.0 for unknown keys.
func (t *Table) Multiplier(complexity string) float64 {
	if m, ok := t.Multipliers[complexity]; ok {
		return m
	}
	return 1.0
}

// Estimate returns the selected budget for a phase. It is a pure function of
// the table and its inputs.
func (t *Table) Estimate(category, complexity string, deliverableCount int) int {
	raw := t.PerDeliverable * max(1, deliverableCount)
	floored := max(raw, t.Floor(category))
	return int(math.Ceil(float64(floored) * t.Multiplier(complexity)))
}

// Escalate returns the next budget on the ladder, capped at ceiling.
// step is zero-based; steps past the end reuse the last factor. For
// current <= ceiling the result is never below current. A ceiling <= 0
// means no cap.
func (t *Table) Escalate(current, step, ceiling int) int {
	factor := t.Ladder[min(max(step, 0), len(t.Ladder)-1)]
	next := max(int(math.Ceil(float64(current)*factor)), current)
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

// Categories returns the table's category keys in sorted order.
func (t *Table) Categories() []string {
	keys := make([]string, 0, len(t.Floors))
	for k := range t.Floors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	c := &Table{
		PerDeliverable: t.PerDeliverable,
		DefaultFloor:   t.DefaultFloor,
		Floors:         make(map[string]int, len(t.Floors)),
		Multipliers:    make(map[string]float64, len(t.Multipliers)),
		Ladder:         append([]float64(nil), t.Ladder...),
	}
	for k, v := range t.Floors {
		c.Floors[k] = v
	}
	for k, v := range t.Multipliers {
		c.Multipliers[k] = v
	}
	return c
}

// Enforce applies the provider ceiling to a selected budget. The result is
// what is actually sent and recorded as actual_max_tokens. A ceiling <= 0
// means no ceiling.
func Enforce(selected, providerCeiling int) int {
	if providerCeiling > 0 && selected > providerCeiling {
		return providerCeiling
	}
	return selected
}

// Exhausted reports whether escalation can no longer raise the budget.
func Exhausted(current, ceiling int) bool {
	return ceiling > 0 && current >= ceiling
}
