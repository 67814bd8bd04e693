// Package errors provides structured error types for drydock.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Code represents a unique error code.
type Code string

// Error codes for drydock.
const (
	// Dispatch errors
	CodeDispatchFailed  Code = "DISPATCH_FAILED"
	CodeDispatchTimeout Code = "DISPATCH_TIMEOUT"
	CodeTruncated       Code = "TRUNCATED"

	// Validation errors
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeCollectionFailed Code = "COLLECTION_FAILED"

	// Lease errors
	CodeLeaseConflict Code = "LEASE_CONFLICT"
	CodeLeaseLost     Code = "LEASE_LOST"

	// Telemetry errors
	CodeStaleTelemetry Code = "STALE_TELEMETRY"

	// Phase and run errors
	CodePhaseInvalidState  Code = "PHASE_INVALID_STATE"
	CodeQueueInvariant     Code = "QUEUE_INVARIANT"
	CodeMaxAttempts        Code = "MAX_ATTEMPTS"
	CodeRunBudgetExhausted Code = "RUN_BUDGET_EXHAUSTED"
	CodeRunNotFound        Code = "RUN_NOT_FOUND"
	CodePhaseNotFound      Code = "PHASE_NOT_FOUND"
	CodeConcurrentModified Code = "CONCURRENT_MODIFICATION"
	CodeRunArchived        Code = "RUN_ARCHIVED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"

	// Drain errors
	CodeSessionHalted Code = "SESSION_HALTED"
)

// Category groups error codes for exit code mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
	CategoryHalted
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeDispatchFailed:     CategoryUnavailable,
	CodeDispatchTimeout:    CategoryTimeout,
	CodeTruncated:          CategoryInternal,
	CodeValidationFailed:   CategoryInternal,
	CodeCollectionFailed:   CategoryInternal,
	CodeLeaseConflict:      CategoryConflict,
	CodeLeaseLost:          CategoryConflict,
	CodeStaleTelemetry:     CategoryInternal,
	CodePhaseInvalidState:  CategoryBadRequest,
	CodeQueueInvariant:     CategoryConflict,
	CodeMaxAttempts:        CategoryInternal,
	CodeRunBudgetExhausted: CategoryInternal,
	CodeRunNotFound:        CategoryNotFound,
	CodePhaseNotFound:      CategoryNotFound,
	CodeConcurrentModified: CategoryConflict,
	CodeRunArchived:        CategoryBadRequest,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeSessionHalted:      CategoryHalted,
}

// ExitCode returns the process exit code for a category.
func (c Category) ExitCode() int {
	switch c {
	case CategoryHalted:
		return 2
	case CategoryConflict:
		return 3
	case CategoryNotFound:
		return 4
	case CategoryBadRequest:
		return 5
	case CategoryTimeout:
		return 6
	case CategoryUnavailable:
		return 7
	default:
		return 1
	}
}

// Error is the structured error type for drydock.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// ExitCode returns the process exit code for this error.
func (e *Error) ExitCode() int {
	return e.Category().ExitCode()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrDispatchFailed returns an error when the generation endpoint call failed.
func ErrDispatchFailed(phaseID string, cause error) *Error {
	return &Error{
		Code:  CodeDispatchFailed,
		What:  fmt.Sprintf("dispatch for phase %s failed", phaseID),
		Why:   "The generation endpoint returned an error",
		Fix:   "Check endpoint credentials and rate limits, then retry the phase",
		Cause: cause,
	}
}

// ErrDispatchTimeout returns an error when a dispatch exceeded its hard timeout.
func ErrDispatchTimeout(phaseID string, timeout time.Duration) *Error {
	return &Error{
		Code: CodeDispatchTimeout,
		What: fmt.Sprintf("dispatch for phase %s timed out", phaseID),
		Why:  fmt.Sprintf("No response within %s; partial output was discarded", timeout),
		Fix:  "Increase execution.dispatch_timeout or reduce the phase scope",
	}
}

// ErrTruncated returns an error when output was cut off at the enforced ceiling.
func ErrTruncated(phaseID string, maxTokens int) *Error {
	return &Error{
		Code: CodeTruncated,
		What: fmt.Sprintf("output for phase %s truncated", phaseID),
		Why:  fmt.Sprintf("Generation stopped at the %d token ceiling before the artifact was complete", maxTokens),
		Fix:  "The budget is escalated automatically; raise execution.provider_ceiling if escalation is exhausted",
	}
}

// ErrValidationFailed returns an error when deliverable checks or tests failed.
func ErrValidationFailed(phaseID, reason string) *Error {
	return &Error{
		Code: CodeValidationFailed,
		What: fmt.Sprintf("validation failed for phase %s", phaseID),
		Why:  reason,
		Fix:  "Inspect the attempt output and test report, then retry the phase",
	}
}

// ErrCollectionFailed returns an error when the test runner could not collect tests.
func ErrCollectionFailed(phaseID, reason string) *Error {
	return &Error{
		Code: CodeCollectionFailed,
		What: fmt.Sprintf("test collection failed for phase %s", phaseID),
		Why:  reason,
		Fix:  "Fix import or syntax errors in the generated artifact before re-running tests",
	}
}

// ErrLeaseConflict returns an error when another live holder owns the run.
func ErrLeaseConflict(runID, holder string) *Error {
	return &Error{
		Code: CodeLeaseConflict,
		What: fmt.Sprintf("run %s is leased by another executor", runID),
		Why:  fmt.Sprintf("Lease is held by %s and its heartbeat is fresh", holder),
		Fix:  fmt.Sprintf("Wait for the holder to finish, or run 'drydock lease release %s --force' if it is dead", runID),
	}
}

// ErrLeaseLost returns an error when our lease was taken over or expired.
func ErrLeaseLost(runID string) *Error {
	return &Error{
		Code: CodeLeaseLost,
		What: fmt.Sprintf("lease on run %s was lost", runID),
		Why:  "Heartbeat renewal failed or another executor took over the lease",
		Fix:  "Check 'drydock lease show' and re-run once the run is free",
	}
}

// ErrStaleTelemetry returns an error when telemetry could not be read for scheduling.
func ErrStaleTelemetry(reason string) *Error {
	return &Error{
		Code: CodeStaleTelemetry,
		What: "token telemetry is unavailable",
		Why:  reason,
		Fix:  "Check the store connection and re-run",
	}
}

// ErrPhaseInvalidState returns an error when a phase is in the wrong state.
func ErrPhaseInvalidState(id, current, expected string) *Error {
	return &Error{
		Code: CodePhaseInvalidState,
		What: fmt.Sprintf("phase %s is in state '%s', expected '%s'", id, current, expected),
		Why:  "The requested operation cannot be performed in the current phase state",
		Fix:  fmt.Sprintf("Check 'drydock status' for the phase state; use 'drydock retry %s' for FAILED phases", id),
	}
}

// ErrQueueInvariant returns an error when a second phase would be queued.
func ErrQueueInvariant(runID string) *Error {
	return &Error{
		Code: CodeQueueInvariant,
		What: fmt.Sprintf("run %s already has a queued phase", runID),
		Why:  "At most one phase per run may be QUEUED",
		Fix:  "Let the queued phase run first, or pass --allow-multiple-queued to override",
	}
}

// ErrMaxAttempts returns an error when the per-cycle attempt ceiling was reached.
func ErrMaxAttempts(phaseID string, attempts int) *Error {
	return &Error{
		Code: CodeMaxAttempts,
		What: fmt.Sprintf("phase %s failed after %d attempts", phaseID, attempts),
		Why:  "Maximum builder attempts exceeded without successful completion",
		Fix:  fmt.Sprintf("Review attempts with 'drydock status', then 'drydock retry %s'", phaseID),
	}
}

// ErrRunBudgetExhausted returns an error when a dispatch would exceed the run token cap.
func ErrRunBudgetExhausted(runID string, used, capacity int64) *Error {
	return &Error{
		Code: CodeRunBudgetExhausted,
		What: fmt.Sprintf("run %s token budget exhausted", runID),
		Why:  fmt.Sprintf("%d of %d tokens used; the next dispatch would exceed the cap", used, capacity),
		Fix:  "Raise the run token cap or archive the run",
	}
}

// ErrRunNotFound returns an error when a run doesn't exist.
func ErrRunNotFound(id string) *Error {
	return &Error{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No run with this ID exists in the store",
		Fix:  "Run 'drydock status' to list runs, or create one with 'drydock import'",
	}
}

// ErrPhaseNotFound returns an error when a phase doesn't exist.
func ErrPhaseNotFound(id string) *Error {
	return &Error{
		Code: CodePhaseNotFound,
		What: fmt.Sprintf("phase %s not found", id),
		Why:  "No phase with this ID exists in the store",
		Fix:  "Run 'drydock status <run-id>' to list phases",
	}
}

// ErrConcurrentModification returns an error when a compare-and-swap lost a race.
func ErrConcurrentModification(what string, cause error) *Error {
	return &Error{
		Code:  CodeConcurrentModified,
		What:  fmt.Sprintf("%s was modified concurrently", what),
		Why:   "Another writer changed the row between read and update",
		Fix:   "Re-read the current state and retry",
		Cause: cause,
	}
}

// ErrRunArchived returns an error when an archived run is targeted.
func ErrRunArchived(id string) *Error {
	return &Error{
		Code: CodeRunArchived,
		What: fmt.Sprintf("run %s is archived", id),
		Why:  "Archived runs are read-only",
		Fix:  "Import the plan again to start a new run",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .drydock/config.yaml and DRYDOCK_* environment variables",
	}
}

// ErrSessionHalted returns an error when a drain stop condition ended the session early.
func ErrSessionHalted(reason, detail string) *Error {
	return &Error{
		Code: CodeSessionHalted,
		What: fmt.Sprintf("drain session halted: %s", reason),
		Why:  detail,
		Fix:  "Inspect the session report, fix the systemic failure, then resume with --resume",
	}
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error chain holds no *Error.
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// HasCode reports whether err's chain holds an *Error with the given code.
func HasCode(err error, code Code) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}

// ExitCodeFor returns the process exit code for any error.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if e := AsError(err); e != nil {
		return e.ExitCode()
	}
	return 1
}

// Wrap wraps a generic error into an *Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
