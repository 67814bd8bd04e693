// Package recovery decides what the next attempt of a failing phase should
// change, parses generated artifacts in each representation mode and builds
// the escalating diagnostics that are fed back into prompts.
package recovery

import (
	"fmt"

	"github.com/randalmurphal/drydock/internal/budget"
)

// Mode is the representation the generator is asked to produce.
type Mode string

const (
	ModeFullFile       Mode = "full_file"
	ModeStructuredEdit Mode = "structured_edit"
	ModeJSONRepair     Mode = "json_repair"
)

var modeChain = []Mode{ModeFullFile, ModeStructuredEdit, ModeJSONRepair}

// Next returns the mode after m in the fallback chain.
func (m Mode) Next() (Mode, bool) {
	for i, c := range modeChain {
		if c == m && i+1 < len(modeChain) {
			return modeChain[i+1], true
		}
	}
	return "", false
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, c := range modeChain {
		if c == m {
			return true
		}
	}
	return false
}

// InitialMode picks the first mode for a scope: structured edits once the
// scope exceeds fullFileMaxDeliverables, full files otherwise.
func InitialMode(deliverableCount, fullFileMaxDeliverables int) Mode {
	if fullFileMaxDeliverables > 0 && deliverableCount > fullFileMaxDeliverables {
		return ModeStructuredEdit
	}
	return ModeFullFile
}

// OutcomeKind classifies how an attempt ended.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeTimeout           OutcomeKind = "timeout"
	OutcomeDispatchError     OutcomeKind = "dispatch_error"
	OutcomeTruncated         OutcomeKind = "truncated"
	OutcomeMalformed         OutcomeKind = "malformed"
	OutcomeValidationFailure OutcomeKind = "validation_failure"
	OutcomeCollectionFailure OutcomeKind = "collection_failure"
)

// Outcome is everything DecideNextAction looks at.
type Outcome struct {
	Kind OutcomeKind
	Mode Mode
	// SelectedBudget is the budget of the attempt that just ended.
	SelectedBudget int
	// Ceiling is the provider ceiling; <= 0 means none.
	Ceiling int
	// DiagnosticsTier is the tier already in use (0 when none).
	DiagnosticsTier int
	Fingerprint     string
	// PreviousFingerprint is the fingerprint of the attempt before this one.
	PreviousFingerprint string
	// LowSignal is set when the failure text carries no actionable detail.
	LowSignal bool
	// RemainingRunBudget is the run's unused token cap, or -1 when uncapped.
	RemainingRunBudget int64
}

// ActionKind is the variant of Action.
type ActionKind string

const (
	ActionChangeMode          ActionKind = "change_mode"
	ActionEscalateBudget      ActionKind = "escalate_budget"
	ActionEscalateDiagnostics ActionKind = "escalate_diagnostics"
	ActionRetrySame           ActionKind = "retry_same"
	ActionGiveUp              ActionKind = "give_up"
)

// Action is the next step for a failing phase. Mode is set for ChangeMode
// and Tier for EscalateDiagnostics.
type Action struct {
	Kind   ActionKind
	Mode   Mode
	Tier   int
	Reason string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionChangeMode:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Mode)
	case ActionEscalateDiagnostics:
		return fmt.Sprintf("%s(tier %d)", a.Kind, a.Tier)
	default:
		return string(a.Kind)
	}
}

// MaxTier is the highest diagnostics tier.
const MaxTier = 3

// Policy holds the settings DecideNextAction needs beyond the outcome.
type Policy struct {
	Tier3Enabled bool
	// Tier3Budget is the token budget of one tier-3 analysis pass.
	Tier3Budget int
}

// DefaultPolicy has tier 3 disabled.
var DefaultPolicy = Policy{}

// DecideNextAction applies DefaultPolicy.
func DecideNextAction(o Outcome, attemptsRemaining int) Action {
	return DefaultPolicy.DecideNextAction(o, attemptsRemaining)
}

// DecideNextAction is a pure function of its inputs.
func (p Policy) DecideNextAction(o Outcome, attemptsRemaining int) Action {
	if attemptsRemaining <= 0 {
		return giveUp("attempts exhausted")
	}

	switch o.Kind {
	case OutcomeSuccess:
		return giveUp("nothing to recover")

	case OutcomeTimeout, OutcomeDispatchError:
		return Action{Kind: ActionRetrySame, Reason: string(o.Kind)}

	case OutcomeTruncated:
		if !budget.Exhausted(o.SelectedBudget, o.Ceiling) {
			return Action{Kind: ActionEscalateBudget, Reason: "truncated below ceiling"}
		}
		if next, ok := o.Mode.Next(); ok {
			return Action{Kind: ActionChangeMode, Mode: next, Reason: "truncated at ceiling"}
		}
		return giveUp("truncated at ceiling in last mode")

	case OutcomeMalformed:
		if o.Mode != ModeJSONRepair {
			return Action{Kind: ActionChangeMode, Mode: ModeJSONRepair, Reason: "malformed output"}
		}
		return p.escalateDiagnostics(o, "malformed output after repair")

	case OutcomeValidationFailure:
		repeatedNoise := o.LowSignal && o.Fingerprint != "" && o.Fingerprint == o.PreviousFingerprint
		if !repeatedNoise {
			if next, ok := o.Mode.Next(); ok {
				return Action{Kind: ActionChangeMode, Mode: next, Reason: "validation failed"}
			}
		}
		reason := "validation failed in last mode"
		if repeatedNoise {
			reason = "repeated low-signal validation failure"
		}
		return p.escalateDiagnostics(o, reason)

	case OutcomeCollectionFailure:
		return p.escalateDiagnostics(o, "test collection failed")
	}

	return giveUp(fmt.Sprintf("unclassified outcome %q", o.Kind))
}

// NextTier returns the next diagnostics tier, or false when none is allowed.
// Tier 3 requires the policy to enable it and the run to afford it.
func (p Policy) NextTier(current int, remainingRunBudget int64) (int, bool) {
	next := current + 1
	if next < 1 {
		next = 1
	}
	if next > MaxTier {
		return 0, false
	}
	if next == MaxTier {
		if !p.Tier3Enabled {
			return 0, false
		}
		if remainingRunBudget >= 0 && remainingRunBudget < int64(p.Tier3Budget) {
			return 0, false
		}
	}
	return next, true
}

func (p Policy) escalateDiagnostics(o Outcome, reason string) Action {
	tier, ok := p.NextTier(o.DiagnosticsTier, o.RemainingRunBudget)
	if !ok {
		return giveUp(reason + "; diagnostics exhausted")
	}
	return Action{Kind: ActionEscalateDiagnostics, Tier: tier, Reason: reason}
}

func giveUp(reason string) Action {
	return Action{Kind: ActionGiveUp, Reason: reason}
}
