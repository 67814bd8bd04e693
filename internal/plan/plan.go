// Package plan reads plan files and imports them as runs.
package plan

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/drydock/internal/db"
)

const (
	DefaultCategory   = "implementation"
	DefaultComplexity = "medium"
)

var complexities = map[string]bool{"low": true, "medium": true, "high": true}

// Phase is one phase entry in a plan file.
type Phase struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
	Complexity  string `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	// Deliverables are path globs the phase must produce.
	Deliverables []string `yaml:"deliverables,omitempty" json:"deliverables,omitempty"`
}

// Tier groups phases in a plan file.
type Tier struct {
	Name   string  `yaml:"name" json:"name"`
	Phases []Phase `yaml:"phases" json:"phases"`
}

// Plan is the on-disk description of a run.
type Plan struct {
	Name      string `yaml:"name" json:"name"`
	Workspace string `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	// TokenCap bounds the run's total token usage. 0 means unlimited.
	TokenCap int64  `yaml:"token_cap,omitempty" json:"token_cap,omitempty"`
	Tiers    []Tier `yaml:"tiers" json:"tiers"`
}

// Errors
var (
	ErrEmpty   = planError("plan has no phases")
	ErrInvalid = planError("invalid plan")
)

type planError string

func (e planError) Error() string { return string(e) }

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a plan document, fills defaults and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) applyDefaults() {
	for i := range p.Tiers {
		for j := range p.Tiers[i].Phases {
			ph := &p.Tiers[i].Phases[j]
			if ph.Category == "" {
				ph.Category = DefaultCategory
			}
			if ph.Complexity == "" {
				ph.Complexity = DefaultComplexity
			}
		}
	}
}

// Validate checks names, complexities and that the plan has at least one phase.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.TokenCap < 0 {
		return fmt.Errorf("%w: token_cap must not be negative", ErrInvalid)
	}
	if p.PhaseCount() == 0 {
		return ErrEmpty
	}
	for i, t := range p.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("%w: tier %d has no name", ErrInvalid, i+1)
		}
		for j, ph := range t.Phases {
			if strings.TrimSpace(ph.Name) == "" {
				return fmt.Errorf("%w: tier %q phase %d has no name", ErrInvalid, t.Name, j+1)
			}
			if !complexities[ph.Complexity] {
				return fmt.Errorf("%w: phase %q complexity %q must be low, medium or high", ErrInvalid, ph.Name, ph.Complexity)
			}
		}
	}
	return nil
}

// PhaseCount returns the number of phases across all tiers.
func (p *Plan) PhaseCount() int {
	n := 0
	for _, t := range p.Tiers {
		n += len(t.Phases)
	}
	return n
}

// Import creates the run, its tiers and phases in one transaction. The
// first phase is QUEUED and the rest PENDING.
func Import(ctx context.Context, store *db.Store, p *Plan, actor string) (*db.Run, []*db.Phase, error) {
	run := &db.Run{Name: p.Name, Workspace: p.Workspace, TokenCap: p.TokenCap}
	var phases []*db.Phase

	err := store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := db.CreateRunTx(tx, run); err != nil {
			return err
		}
		ordinal := 0
		for i, t := range p.Tiers {
			tier := &db.Tier{RunID: run.ID, Ordinal: i + 1, Name: t.Name}
			if err := db.CreateTierTx(tx, tier); err != nil {
				return err
			}
			for _, ps := range t.Phases {
				ordinal++
				ph := &db.Phase{
					RunID:       run.ID,
					TierID:      tier.ID,
					Ordinal:     ordinal,
					Name:        ps.Name,
					Description: ps.Description,
					Category:    ps.Category,
					Complexity:  ps.Complexity,
					Scope:       ps.Deliverables,
					State:       db.PhasePending,
				}
				if err := db.CreatePhaseTx(tx, ph); err != nil {
					return err
				}
				phases = append(phases, ph)
			}
		}
		if err := db.QueuePhaseTx(tx, phases[0].ID, false); err != nil {
			return err
		}
		phases[0].State = db.PhaseQueued
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:  run.ID,
			Kind:   db.EventImported,
			Actor:  actor,
			Detail: fmt.Sprintf("%d tiers, %d phases", len(p.Tiers), ordinal),
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("import plan %s: %w", p.Name, err)
	}
	return run, phases, nil
}
