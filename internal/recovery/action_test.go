package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/drydock/internal/budget"
)

func TestModeChain(t *testing.T) {
	t.Parallel()

	next, ok := ModeFullFile.Next()
	assert.True(t, ok)
	assert.Equal(t, ModeStructuredEdit, next)

	next, ok = ModeStructuredEdit.Next()
	assert.True(t, ok)
	assert.Equal(t, ModeJSONRepair, next)

	_, ok = ModeJSONRepair.Next()
	assert.False(t, ok)

	assert.True(t, ModeJSONRepair.Valid())
	assert.False(t, Mode("diff").Valid())
}

func TestInitialMode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ModeFullFile, InitialMode(3, 3))
	assert.Equal(t, ModeStructuredEdit, InitialMode(4, 3))
	assert.Equal(t, ModeFullFile, InitialMode(50, 0), "zero threshold disables the switch")
}

func TestDecideNextAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		outcome   Outcome
		remaining int
		want      Action
	}{
		{
			name:      "no attempts left",
			outcome:   Outcome{Kind: OutcomeTruncated, Mode: ModeFullFile, SelectedBudget: 8192, Ceiling: 32000},
			remaining: 0,
			want:      Action{Kind: ActionGiveUp},
		},
		{
			name:      "timeout retries unchanged",
			outcome:   Outcome{Kind: OutcomeTimeout, Mode: ModeStructuredEdit},
			remaining: 2,
			want:      Action{Kind: ActionRetrySame},
		},
		{
			name:      "dispatch error retries unchanged",
			outcome:   Outcome{Kind: OutcomeDispatchError, Mode: ModeFullFile},
			remaining: 2,
			want:      Action{Kind: ActionRetrySame},
		},
		{
			name:      "truncated below ceiling escalates budget",
			outcome:   Outcome{Kind: OutcomeTruncated, Mode: ModeFullFile, SelectedBudget: 8192, Ceiling: 32000},
			remaining: 3,
			want:      Action{Kind: ActionEscalateBudget},
		},
		{
			name:      "truncated at ceiling changes mode",
			outcome:   Outcome{Kind: OutcomeTruncated, Mode: ModeFullFile, SelectedBudget: 32000, Ceiling: 32000},
			remaining: 3,
			want:      Action{Kind: ActionChangeMode, Mode: ModeStructuredEdit},
		},
		{
			name:      "truncated at ceiling in last mode gives up",
			outcome:   Outcome{Kind: OutcomeTruncated, Mode: ModeJSONRepair, SelectedBudget: 32000, Ceiling: 32000},
			remaining: 3,
			want:      Action{Kind: ActionGiveUp},
		},
		{
			name:      "malformed goes to json repair",
			outcome:   Outcome{Kind: OutcomeMalformed, Mode: ModeStructuredEdit},
			remaining: 3,
			want:      Action{Kind: ActionChangeMode, Mode: ModeJSONRepair},
		},
		{
			name:      "malformed after repair escalates diagnostics",
			outcome:   Outcome{Kind: OutcomeMalformed, Mode: ModeJSONRepair},
			remaining: 3,
			want:      Action{Kind: ActionEscalateDiagnostics, Tier: 1},
		},
		{
			name:      "validation failure changes mode",
			outcome:   Outcome{Kind: OutcomeValidationFailure, Mode: ModeFullFile, Fingerprint: "validation:aa"},
			remaining: 3,
			want:      Action{Kind: ActionChangeMode, Mode: ModeStructuredEdit},
		},
		{
			name: "repeated low-signal validation escalates diagnostics",
			outcome: Outcome{Kind: OutcomeValidationFailure, Mode: ModeFullFile, LowSignal: true,
				Fingerprint: "validation:aa", PreviousFingerprint: "validation:aa"},
			remaining: 3,
			want:      Action{Kind: ActionEscalateDiagnostics, Tier: 1},
		},
		{
			name: "low-signal but new fingerprint still changes mode",
			outcome: Outcome{Kind: OutcomeValidationFailure, Mode: ModeFullFile, LowSignal: true,
				Fingerprint: "validation:bb", PreviousFingerprint: "validation:aa"},
			remaining: 3,
			want:      Action{Kind: ActionChangeMode, Mode: ModeStructuredEdit},
		},
		{
			name:      "validation failure in last mode escalates to next tier",
			outcome:   Outcome{Kind: OutcomeValidationFailure, Mode: ModeJSONRepair, DiagnosticsTier: 1},
			remaining: 3,
			want:      Action{Kind: ActionEscalateDiagnostics, Tier: 2},
		},
		{
			name:      "tier 3 disabled gives up after tier 2",
			outcome:   Outcome{Kind: OutcomeValidationFailure, Mode: ModeJSONRepair, DiagnosticsTier: 2, RemainingRunBudget: -1},
			remaining: 3,
			want:      Action{Kind: ActionGiveUp},
		},
		{
			name:      "collection failure escalates diagnostics",
			outcome:   Outcome{Kind: OutcomeCollectionFailure, Mode: ModeFullFile},
			remaining: 3,
			want:      Action{Kind: ActionEscalateDiagnostics, Tier: 1},
		},
		{
			name:      "success has nothing to recover",
			outcome:   Outcome{Kind: OutcomeSuccess},
			remaining: 3,
			want:      Action{Kind: ActionGiveUp},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideNextAction(tt.outcome, tt.remaining)
			assert.Equal(t, tt.want.Kind, got.Kind, "reason: %s", got.Reason)
			assert.Equal(t, tt.want.Mode, got.Mode)
			assert.Equal(t, tt.want.Tier, got.Tier)
			assert.NotEmpty(t, got.String())
		})
	}
}

func TestPolicy_Tier3Gate(t *testing.T) {
	t.Parallel()

	p := Policy{Tier3Enabled: true, Tier3Budget: 4000}
	o := Outcome{Kind: OutcomeCollectionFailure, Mode: ModeJSONRepair, DiagnosticsTier: 2}

	o.RemainingRunBudget = 10000
	got := p.DecideNextAction(o, 2)
	assert.Equal(t, ActionEscalateDiagnostics, got.Kind)
	assert.Equal(t, 3, got.Tier)

	o.RemainingRunBudget = -1
	assert.Equal(t, 3, p.DecideNextAction(o, 2).Tier, "uncapped run affords tier 3")

	o.RemainingRunBudget = 3999
	assert.Equal(t, ActionGiveUp, p.DecideNextAction(o, 2).Kind)

	o.DiagnosticsTier = 3
	o.RemainingRunBudget = -1
	assert.Equal(t, ActionGiveUp, p.DecideNextAction(o, 2).Kind, "no tier past 3")
}

func TestDecideNextAction_NeverEscalatesExhaustedBudget(t *testing.T) {
	t.Parallel()
	tbl := budget.DefaultTable()
	const ceiling = 32000

	selected := 4096
	for step := 0; step < 8; step++ {
		a := DecideNextAction(Outcome{Kind: OutcomeTruncated, Mode: ModeFullFile, SelectedBudget: selected, Ceiling: ceiling}, 5)
		if budget.Exhausted(selected, ceiling) {
			assert.NotEqual(t, ActionEscalateBudget, a.Kind)
			return
		}
		assert.Equal(t, ActionEscalateBudget, a.Kind)
		selected = tbl.Escalate(selected, step, ceiling)
	}
	t.Fatal("ladder never reached the ceiling")
}
