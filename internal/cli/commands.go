package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/randalmurphal/drydock/internal/db"
)

// Helper functions

func phaseIcon(state db.PhaseState) string {
	switch state {
	case db.PhasePending:
		return "○"
	case db.PhaseQueued:
		return "◌"
	case db.PhaseExecuting, db.PhaseGate, db.PhaseCIRunning:
		return "◐"
	case db.PhaseComplete:
		return "●"
	case db.PhaseFailed:
		return "✗"
	default:
		return "?"
	}
}

func phaseColor(state db.PhaseState) *color.Color {
	switch state {
	case db.PhaseComplete:
		return color.New(color.FgGreen)
	case db.PhaseFailed:
		return color.New(color.FgRed)
	case db.PhaseExecuting, db.PhaseGate, db.PhaseCIRunning:
		return color.New(color.FgYellow)
	case db.PhaseQueued:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
