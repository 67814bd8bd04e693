// Package db provides test utilities for database operations.
//
// This file contains test helpers that should be used by all tests
// requiring database access. Using these helpers ensures:
// - In-memory databases for speed
// - Proper cleanup via t.Cleanup()
// - Consistent patterns across the codebase
package db

import (
	"context"
	"fmt"
	"testing"
)

// NewTestDB creates an in-memory store for testing.
// The database is automatically closed when the test completes.
// Schema migrations are applied automatically.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    store := db.NewTestDB(t)
//	    // use store...
//	}
func NewTestDB(t testing.TB) *Store {
	t.Helper()

	store, err := OpenStoreInMemory()
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// TestPhaseSpec describes one phase for SeedTestRun.
type TestPhaseSpec struct {
	Category   string
	Complexity string
	Scope      []string
	State      PhaseState
}

// SeedTestRun creates a run with a single tier holding the given phases.
// Phase states are written directly, bypassing the queue invariant, so tests
// can construct any starting shape.
func SeedTestRun(t testing.TB, store *Store, phases ...TestPhaseSpec) (*Run, []*Phase) {
	t.Helper()
	ctx := context.Background()

	run := &Run{Name: "test-run"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	tier := &Tier{RunID: run.ID, Ordinal: 1, Name: "tier-1"}
	if err := store.CreateTier(ctx, tier); err != nil {
		t.Fatalf("create tier: %v", err)
	}

	out := make([]*Phase, 0, len(phases))
	for i, spec := range phases {
		ph := &Phase{
			RunID:      run.ID,
			TierID:     tier.ID,
			Ordinal:    i + 1,
			Name:       fmt.Sprintf("phase-%d", i+1),
			Category:   spec.Category,
			Complexity: spec.Complexity,
			Scope:      spec.Scope,
			State:      spec.State,
		}
		if ph.Category == "" {
			ph.Category = "implementation"
		}
		if ph.Complexity == "" {
			ph.Complexity = "medium"
		}
		if ph.State == "" {
			ph.State = PhasePending
		}
		if err := store.CreatePhase(ctx, ph); err != nil {
			t.Fatalf("create phase %d: %v", i+1, err)
		}
		out = append(out, ph)
	}
	return run, out
}
