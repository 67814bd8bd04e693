package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &Error{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &Error{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &Error{
				What: "something broke",
				Why:  "bad input",
				Fix:  "try again",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &Error{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestErrorJSON(t *testing.T) {
	err := &Error{
		Code:  CodeRunNotFound,
		What:  "run r-1 not found",
		Why:   "No run with this ID exists",
		Fix:   "Run 'drydock status' to list runs",
		Cause: errors.New("no rows"),
	}

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeRunNotFound) {
		t.Errorf("code = %v, want %v", result["code"], CodeRunNotFound)
	}
	if result["cause"] != "no rows" {
		t.Errorf("cause = %v, want %v", result["cause"], "no rows")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		code Code
	}{
		{ErrDispatchFailed("p", errors.New("x")), CodeDispatchFailed},
		{ErrDispatchTimeout("p", time.Minute), CodeDispatchTimeout},
		{ErrTruncated("p", 8192), CodeTruncated},
		{ErrValidationFailed("p", "tests failed"), CodeValidationFailed},
		{ErrCollectionFailed("p", "import error"), CodeCollectionFailed},
		{ErrLeaseConflict("r", "h"), CodeLeaseConflict},
		{ErrLeaseLost("r"), CodeLeaseLost},
		{ErrStaleTelemetry("db down"), CodeStaleTelemetry},
		{ErrPhaseInvalidState("p", "COMPLETE", "QUEUED"), CodePhaseInvalidState},
		{ErrQueueInvariant("r"), CodeQueueInvariant},
		{ErrMaxAttempts("p", 5), CodeMaxAttempts},
		{ErrRunBudgetExhausted("r", 900, 1000), CodeRunBudgetExhausted},
		{ErrRunNotFound("r"), CodeRunNotFound},
		{ErrPhaseNotFound("p"), CodePhaseNotFound},
		{ErrConcurrentModification("phase p", nil), CodeConcurrentModified},
		{ErrRunArchived("r"), CodeRunArchived},
		{ErrConfigInvalid("lease.stale_after", "must be positive"), CodeConfigInvalid},
		{ErrSessionHalted("zero_yield", "10 consecutive"), CodeSessionHalted},
	}

	seen := make(map[Code]bool)
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.What == "" {
				t.Error("What should not be empty")
			}
			if tt.err.Fix == "" {
				t.Error("Fix should not be empty")
			}
			if tt.err.Category() == CategoryUnknown {
				t.Errorf("code %s has no category", tt.code)
			}
		})
		if seen[tt.code] {
			t.Errorf("duplicate error code: %s", tt.code)
		}
		seen[tt.code] = true
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("plain"), 1},
		{ErrSessionHalted("zero_yield", ""), 2},
		{ErrLeaseConflict("r", "h"), 3},
		{ErrQueueInvariant("r"), 3},
		{ErrRunNotFound("r"), 4},
		{ErrConfigInvalid("x", "y"), 5},
		{ErrDispatchTimeout("p", time.Second), 6},
		{ErrDispatchFailed("p", nil), 7},
		{ErrMaxAttempts("p", 5), 1},
		{fmt.Errorf("drain: %w", ErrSessionHalted("zero_yield", "")), 2},
	}

	for _, tt := range tests {
		if got := ExitCodeFor(tt.err); got != tt.want {
			t.Errorf("ExitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := ErrRunNotFound("X").WithCause(cause)

	if errors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestWithCause(t *testing.T) {
	original := ErrRunNotFound("r-1")
	cause := errors.New("no rows")
	wrapped := original.WithCause(cause)

	if wrapped.Cause != cause {
		t.Error("WithCause should set the cause")
	}
	if original.Cause != nil {
		t.Error("Original should not be modified")
	}
	if wrapped.Code != original.Code || wrapped.What != original.What {
		t.Error("Code and What should be copied")
	}
}

func TestIs(t *testing.T) {
	err1 := ErrRunNotFound("r-1")
	err2 := ErrRunNotFound("r-2")
	err3 := ErrLeaseLost("r-1")

	if !errors.Is(err1, err2) {
		t.Error("errors with same code should match with Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match")
	}
}

func TestAsError(t *testing.T) {
	e := ErrLeaseLost("X")

	if AsError(e) == nil {
		t.Error("AsError should return the error")
	}
	if AsError(fmt.Errorf("run: %w", e)) == nil {
		t.Error("AsError should find a wrapped error")
	}
	if AsError(errors.New("regular error")) != nil {
		t.Error("AsError should return nil for plain errors")
	}
	if AsError(nil) != nil {
		t.Error("AsError should return nil for nil error")
	}
	if !HasCode(fmt.Errorf("run: %w", e), CodeLeaseLost) {
		t.Error("HasCode should match wrapped code")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(cause, "operation failed")

	if err.What != "operation failed" {
		t.Errorf("What = %v, want 'operation failed'", err.What)
	}
	if err.Cause != cause {
		t.Error("Cause should be set")
	}
	if err.Code != Code("UNKNOWN") {
		t.Errorf("Code = %v, want UNKNOWN", err.Code)
	}
}
