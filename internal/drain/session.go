package drain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/drydock/internal/db"
)

// Verdict is the triage result of one sampled phase.
type Verdict string

const (
	VerdictPromising     Verdict = "promising"
	VerdictDeprioritized Verdict = "deprioritized"
	VerdictNeutral       Verdict = "neutral"
)

// Zero-yield reasons. Every outcome without telemetry carries exactly one.
const (
	ReasonReachedBoundaryFailed = "reached_boundary_failed"
	ReasonFailedBeforeDispatch  = "failed_before_dispatch"
	ReasonSuccessNoDispatch     = "success_no_dispatch"
	ReasonTimeout               = "timeout"
)

// Stop reasons recorded on the session.
const (
	StopNoCandidates = "no_eligible_candidates"
	StopBatchSize    = "batch_size"
	StopWallClock    = "max_wall_clock"
	StopZeroYield    = "zero_yield"
	StopInterrupted  = "interrupted"
)

// Outcome is one drained phase.
type Outcome struct {
	RunID           string        `json:"run_id"`
	PhaseID         string        `json:"phase_id"`
	State           string        `json:"state,omitempty"`
	Verdict         Verdict       `json:"verdict"`
	Yield           int           `json:"yield"`
	ZeroYieldReason string        `json:"zero_yield_reason,omitempty"`
	Fingerprint     string        `json:"fingerprint,omitempty"`
	StopCode        string        `json:"stop_code,omitempty"`
	TimedOut        bool          `json:"timed_out,omitempty"`
	LeaseSkipped    bool          `json:"lease_skipped,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	At              time.Time     `json:"at"`
}

// Session is the drain loop's bookkeeping. It is owned by one loop goroutine
// and persisted as a JSON artifact after every step.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Sampled       map[string]bool `json:"sampled"`
	Promising     map[string]bool `json:"promising"`
	Deprioritized map[string]bool `json:"deprioritized"`
	LeaseSkipped  map[string]bool `json:"lease_skipped"`

	// FingerprintRepeats counts fingerprints per run.
	FingerprintRepeats map[string]map[string]int `json:"fingerprint_repeats"`
	// PhaseAttempts counts how often this session selected each phase.
	PhaseAttempts map[string]int `json:"phase_attempts"`
	RunTimeouts   map[string]int `json:"run_timeouts"`

	ZeroYieldStreak int       `json:"zero_yield_streak"`
	Outcomes        []Outcome `json:"outcomes"`

	StopReason string `json:"stop_reason,omitempty"`
	Halted     bool   `json:"halted,omitempty"`
}

// NewSession creates an empty session with a fresh id.
func NewSession() *Session {
	now := time.Now().UTC()
	s := &Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	s.init()
	return s
}

func (s *Session) init() {
	if s.Sampled == nil {
		s.Sampled = make(map[string]bool)
	}
	if s.Promising == nil {
		s.Promising = make(map[string]bool)
	}
	if s.Deprioritized == nil {
		s.Deprioritized = make(map[string]bool)
	}
	if s.LeaseSkipped == nil {
		s.LeaseSkipped = make(map[string]bool)
	}
	if s.FingerprintRepeats == nil {
		s.FingerprintRepeats = make(map[string]map[string]int)
	}
	if s.PhaseAttempts == nil {
		s.PhaseAttempts = make(map[string]int)
	}
	if s.RunTimeouts == nil {
		s.RunTimeouts = make(map[string]int)
	}
}

// Drained is the number of phases this session has processed.
func (s *Session) Drained() int {
	return len(s.Outcomes)
}

// seenFingerprint reports whether fp was already observed for runID.
func (s *Session) seenFingerprint(runID, fp string) bool {
	return fp != "" && s.FingerprintRepeats[runID][fp] > 0
}

// countFingerprint records fp for runID and returns the new count.
func (s *Session) countFingerprint(runID, fp string) int {
	if fp == "" {
		return 0
	}
	m := s.FingerprintRepeats[runID]
	if m == nil {
		m = make(map[string]int)
		s.FingerprintRepeats[runID] = m
	}
	m[fp]++
	return m[fp]
}

func (s *Session) deprioritize(runID string) {
	s.Deprioritized[runID] = true
	delete(s.Promising, runID)
}

// SessionPath is where a session artifact lives under stateDir.
func SessionPath(stateDir, id string) string {
	return filepath.Join(stateDir, "drain", id+".json")
}

// Save writes the session artifact atomically.
func (s *Session) Save(stateDir string) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	path := SessionPath(stateDir, s.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// ErrSessionNotFound is returned by LoadSession for an unknown id.
var ErrSessionNotFound = errors.New("drain session not found")

// LoadSession reads a saved session for resumption. The halt state is cleared
// so the resumed loop starts from the recorded counters.
func LoadSession(stateDir, id string) (*Session, error) {
	data, err := os.ReadFile(SessionPath(stateDir, id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	s.init()
	s.StopReason = ""
	s.Halted = false
	// The zero-yield streak restarts on resume.
	s.ZeroYieldStreak = 0
	return &s, nil
}

// Report summarizes a session for operators.
type Report struct {
	SessionID     string         `json:"session_id"`
	Drained       int            `json:"drained"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Yield         int            `json:"yield"`
	Promising     []string       `json:"promising"`
	Deprioritized []string       `json:"deprioritized"`
	LeaseSkipped  []string       `json:"lease_skipped"`
	ZeroYield     map[string]int `json:"zero_yield"`
	StopReason    string         `json:"stop_reason"`
	Halted        bool           `json:"halted"`
	Elapsed       time.Duration  `json:"elapsed"`
	Outcomes      []Outcome      `json:"outcomes"`
}

// Report builds the summary of s.
func (s *Session) Report(elapsed time.Duration) *Report {
	r := &Report{
		SessionID:     s.ID,
		Drained:       s.Drained(),
		Promising:     sortedKeys(s.Promising),
		Deprioritized: sortedKeys(s.Deprioritized),
		LeaseSkipped:  sortedKeys(s.LeaseSkipped),
		ZeroYield:     make(map[string]int),
		StopReason:    s.StopReason,
		Halted:        s.Halted,
		Elapsed:       elapsed,
		Outcomes:      s.Outcomes,
	}
	for _, o := range s.Outcomes {
		r.Yield += o.Yield
		switch o.State {
		case string(db.PhaseComplete):
			r.Completed++
		case string(db.PhaseFailed):
			r.Failed++
		}
		if o.ZeroYieldReason != "" {
			r.ZeroYield[o.ZeroYieldReason]++
		}
	}
	return r
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
