// Package testrunner validates applied artifacts by running the configured
// test command and classifying its output.
package testrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultTimeout bounds a test command when none is configured.
const DefaultTimeout = 10 * time.Minute

// ErrTimeout is returned when the test command exceeds its timeout.
var ErrTimeout = errors.New("test command timed out")

// Candidate identifies the applied artifact under test.
type Candidate struct {
	RunID   string
	PhaseID string
	Attempt int
	// Workspace is the directory the command runs in.
	Workspace string
	// ArtifactsDir receives the raw test log. Empty skips writing it.
	ArtifactsDir string
}

// Report is the outcome of one test run.
type Report struct {
	Passed bool
	// CollectionFailure is set when tests could not be collected or built,
	// as opposed to tests that ran and failed.
	CollectionFailure bool
	FailureText       string
	Results           *Results
	ExitCode          int
	// OutputRef is the path of the raw log, relative to ArtifactsDir.
	OutputRef string
	Duration  time.Duration
}

// Runner validates a candidate.
type Runner interface {
	Run(ctx context.Context, c Candidate) (*Report, error)
}

// CommandRunner runs a shell command in the candidate workspace.
type CommandRunner struct {
	command string
	shell   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandRunner creates a runner for command. A zero timeout uses
// DefaultTimeout and a nil logger uses slog.Default().
func NewCommandRunner(command string, timeout time.Duration, logger *slog.Logger) *CommandRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{command: command, shell: "sh", timeout: timeout, logger: logger}
}

// Command returns the configured command.
func (r *CommandRunner) Command() string {
	return r.command
}

// Run executes the command. A timeout returns ErrTimeout; a command that
// runs and fails returns a Report with Passed false and a nil error.
func (r *CommandRunner) Run(ctx context.Context, c Candidate) (*Report, error) {
	if strings.TrimSpace(r.command) == "" {
		return nil, errors.New("no test command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Use shell -c to handle pipes and compound commands.
	cmd := exec.CommandContext(ctx, r.shell, "-c", r.command)
	cmd.Dir = c.Workspace
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	output := out.String()

	report := &Report{Duration: elapsed}
	if ref, werr := writeLog(c, output); werr != nil {
		r.logger.Warn("write test log failed", "phase_id", c.PhaseID, "error", werr)
	} else {
		report.OutputRef = ref
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("test command timed out",
			"phase_id", c.PhaseID,
			"timeout", r.timeout,
		)
		return report, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		report.ExitCode = exitErr.ExitCode()
	default:
		return report, fmt.Errorf("run test command: %w", err)
	}

	Classify(report, output)
	r.logger.Debug("test command finished",
		"phase_id", c.PhaseID,
		"attempt", c.Attempt,
		"exit_code", report.ExitCode,
		"passed", report.Passed,
		"collection_failure", report.CollectionFailure,
		"output", humanize.Bytes(uint64(len(output))),
		"duration", elapsed,
	)
	return report, nil
}

// Classify fills Passed, CollectionFailure, Results and FailureText from the
// command output and exit code already set on report.
func Classify(report *Report, output string) {
	res := ParseOutput(output)
	report.Results = res
	report.CollectionFailure = len(res.CollectionErrors) > 0 ||
		(report.ExitCode != 0 && res.Failed == 0 && res.Passed == 0 && res.Framework != FrameworkUnknown)
	report.Passed = report.ExitCode == 0 && res.Failed == 0 && !report.CollectionFailure

	switch {
	case report.Passed:
		report.FailureText = ""
	case len(res.Failures) > 0 || len(res.CollectionErrors) > 0:
		report.FailureText = RetryContext(res)
	default:
		report.FailureText = tail(output, 40)
	}
}

func writeLog(c Candidate, output string) (string, error) {
	if c.ArtifactsDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.ArtifactsDir, 0755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	name := fmt.Sprintf("attempt-%d.test.log", c.Attempt)
	if err := os.WriteFile(filepath.Join(c.ArtifactsDir, name), []byte(output), 0644); err != nil {
		return "", fmt.Errorf("write test log: %w", err)
	}
	return name, nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
