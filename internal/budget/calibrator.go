package budget

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/drydock/internal/db"
)

// SampleSource supplies telemetry for calibration.
type SampleSource interface {
	ListCalibrationSamples(ctx context.Context) ([]*db.TokenEstimationEvent, error)
}

// CalibratorConfig holds calibration thresholds.
type CalibratorConfig struct {
	MinSamples     int
	MaxVariance    float64
	TargetHeadroom float64
	MinChange      float64
}

// Proposal is a suggested table change for one (category, complexity) pair.
// Proposals are never applied automatically.
type Proposal struct {
	Category           string  `yaml:"category"`
	Complexity         string  `yaml:"complexity"`
	Samples            int     `yaml:"samples"`
	MedianRatio        float64 `yaml:"median_ratio"`
	Variance           float64 `yaml:"variance"`
	Scale              float64 `yaml:"scale"`
	CurrentFloor       int     `yaml:"current_floor"`
	ProposedFloor      int     `yaml:"proposed_floor"`
	CurrentMultiplier  float64 `yaml:"current_multiplier"`
	ProposedMultiplier float64 `yaml:"proposed_multiplier"`
}

// GroupStats summarizes one sample group whether or not it produced a proposal.
type GroupStats struct {
	Category    string
	Complexity  string
	Samples     int
	MedianRatio float64
	Variance    float64
	Skipped     string // reason the group produced no proposal
}

// ProposalFile is the yaml document the calibrator writes.
type ProposalFile struct {
	GeneratedAt time.Time  `yaml:"generated_at"`
	Samples     int        `yaml:"samples"`
	Proposals   []Proposal `yaml:"proposals"`
}

// Calibrator derives table proposals from successful attempt telemetry.
type Calibrator struct {
	source SampleSource
	table  func() *Table
	cfg    CalibratorConfig
}

// NewCalibrator returns a calibrator reading the table through current so
// that proposals are relative to the table in effect.
func NewCalibrator(source SampleSource, current func() *Table, cfg CalibratorConfig) *Calibrator {
	return &Calibrator{source: source, table: current, cfg: cfg}
}

type groupKey struct {
	category, complexity string
}

// Propose groups samples by (category, complexity) and emits a proposal for
// every group with enough low-variance samples whose implied scale differs
// from 1 by more than MinChange.
func (c *Calibrator) Propose(ctx context.Context) ([]Proposal, []GroupStats, error) {
	samples, err := c.source.ListCalibrationSamples(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load calibration samples: %w", err)
	}

	groups := make(map[groupKey][]float64)
	for _, s := range samples {
		if !s.Success || s.Truncated || s.ActualOutputTokens <= 0 {
			continue
		}
		k := groupKey{s.Category, s.Complexity}
		groups[k] = append(groups[k], float64(s.ActualMaxTokens)/float64(s.ActualOutputTokens))
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].complexity < keys[j].complexity
	})

	table := c.table()
	var proposals []Proposal
	stats := make([]GroupStats, 0, len(keys))
	for _, k := range keys {
		ratios := groups[k]
		med := median(ratios)
		v := variance(ratios)
		st := GroupStats{Category: k.category, Complexity: k.complexity, Samples: len(ratios), MedianRatio: med, Variance: v}

		switch {
		case len(ratios) < c.cfg.MinSamples:
			st.Skipped = fmt.Sprintf("need %d samples", c.cfg.MinSamples)
		case v > c.cfg.MaxVariance:
			st.Skipped = fmt.Sprintf("variance %.3f above %.3f", v, c.cfg.MaxVariance)
		case med <= 0:
			st.Skipped = "non-positive median"
		default:
			scale := c.cfg.TargetHeadroom / med
			if math.Abs(scale-1) <= c.cfg.MinChange {
				st.Skipped = "within tolerance"
				break
			}
			floor := table.Floor(k.category)
			mult := table.Multiplier(k.complexity)
			proposals = append(proposals, Proposal{
				Category:           k.category,
				Complexity:         k.complexity,
				Samples:            len(ratios),
				MedianRatio:        round3(med),
				Variance:           round3(v),
				Scale:              round3(scale),
				CurrentFloor:       floor,
				ProposedFloor:      int(math.Ceil(float64(floor) * scale)),
				CurrentMultiplier:  mult,
				ProposedMultiplier: round3(mult * scale),
			})
		}
		stats = append(stats, st)
	}
	return proposals, stats, nil
}

// WriteProposals writes proposals as yaml to path, creating parents.
func WriteProposals(path string, f *ProposalFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal proposals: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create proposals dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write proposals: %w", err)
	}
	return nil
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// variance is the population variance.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return sq / float64(len(xs))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
