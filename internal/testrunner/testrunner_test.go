package testrunner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goFailOutput = `=== RUN   TestAdd
--- PASS: TestAdd (0.00s)
=== RUN   TestSub
--- FAIL: TestSub (0.01s)
    math_test.go:14: expected 1, got 2
=== RUN   TestSkip
--- SKIP: TestSkip (0.00s)
FAIL
FAIL	example.com/math	0.012s
`

func TestParseGoTestOutput(t *testing.T) {
	t.Parallel()

	r := ParseOutput(goFailOutput)
	assert.Equal(t, FrameworkGo, r.Framework)
	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Failures, 1)
	f := r.Failures[0]
	assert.Equal(t, "TestSub", f.Test)
	assert.Equal(t, "math_test.go", f.File)
	assert.Equal(t, 14, f.Line)
	assert.Equal(t, "math_test.go:14: expected 1, got 2", f.Message)
	assert.Equal(t, "example.com/math", f.Package)
	assert.Empty(t, r.CollectionErrors)
}

func TestParseGoJSONOutput(t *testing.T) {
	t.Parallel()

	out := `{"Action":"run","Package":"example.com/math","Test":"TestSub"}
{"Action":"output","Package":"example.com/math","Test":"TestSub","Output":"    math_test.go:14: expected 1, got 2\n"}
{"Action":"fail","Package":"example.com/math","Test":"TestSub","Elapsed":0.5}
{"Action":"pass","Package":"example.com/math","Test":"TestAdd","Elapsed":0}
{"Action":"fail","Package":"example.com/math","Elapsed":0.6}
`
	r := ParseOutput(out)
	assert.Equal(t, FrameworkGoJSON, r.Framework)
	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "math_test.go", r.Failures[0].File)
	assert.Equal(t, 14, r.Failures[0].Line)
	assert.Equal(t, 500*time.Millisecond, r.Duration)
}

func TestParsePytestOutput(t *testing.T) {
	t.Parallel()

	out := `============================= test session starts ==============================
collected 3 items

tests/test_app.py .F.                                                    [100%]

=================================== FAILURES ===================================
FAILED tests/test_app.py::test_total - assert 3 == 4
========================= 1 failed, 2 passed in 0.12s ==========================
`
	r := ParseOutput(out)
	assert.Equal(t, FrameworkPytest, r.Framework)
	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "test_total", r.Failures[0].Test)
	assert.Equal(t, "assert 3 == 4", r.Failures[0].Message)
	assert.InDelta(t, float64(120*time.Millisecond), float64(r.Duration), float64(time.Millisecond))
}

func TestParseJestOutput(t *testing.T) {
	t.Parallel()

	out := `FAIL src/sum.test.js
  ● sum › adds numbers

    expect(received).toBe(expected)

      at Object.<anonymous> (src/sum.test.js:4:17)

Test Suites: 1 failed, 1 total
Tests:       1 failed, 3 passed, 4 total
Time:        1.5 s
`
	r := ParseOutput(out)
	assert.Equal(t, FrameworkJest, r.Framework)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 3, r.Passed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "sum › adds numbers", r.Failures[0].Test)
	assert.Equal(t, "src/sum.test.js", r.Failures[0].File)
	assert.Equal(t, 4, r.Failures[0].Line)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		output     string
		exitCode   int
		passed     bool
		collection bool
		contains   string
	}{
		{"passing go", "ok  \texample.com/math\t0.01s\n", 0, true, false, ""},
		{"failing go", goFailOutput, 1, false, false, "TestSub"},
		{
			"go build failure",
			"# example.com/math\n./math.go:3:2: undefined: Foo\nFAIL\texample.com/math [build failed]\nFAIL\n",
			1, false, true, "undefined: Foo",
		},
		{
			"pytest import error",
			"==================================== ERRORS ====================================\n" +
				"_______________________ ERROR collecting tests/test_app.py _______________________\n" +
				"ImportError while importing test module '/w/tests/test_app.py'.\n" +
				"E   ModuleNotFoundError: No module named 'app'\n" +
				"=========================== short test summary info ============================\n" +
				"!!!!!!!!!!!!!!!!!!!! Interrupted: 1 error during collection !!!!!!!!!!!!!!!!!!!!\n" +
				"=============================== 1 error in 0.05s ===============================\n",
			2, false, true, "ImportError",
		},
		{"jest missing module", "FAIL src/a.test.js\n  ● Test suite failed to run\n\n    Cannot find module './a'\n", 1, false, true, "Cannot find module"},
		{"unknown failure", "segmentation fault\n", 139, false, false, "segmentation fault"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &Report{ExitCode: tt.exitCode}
			Classify(rep, tt.output)
			assert.Equal(t, tt.passed, rep.Passed)
			assert.Equal(t, tt.collection, rep.CollectionFailure)
			if tt.passed {
				assert.Empty(t, rep.FailureText)
			} else {
				assert.Contains(t, rep.FailureText, tt.contains)
			}
		})
	}
}

func TestRetryContext_Caps(t *testing.T) {
	t.Parallel()
	r := &Results{}
	for i := 0; i < 12; i++ {
		r.Failures = append(r.Failures, Failure{Test: "TestX", Message: "boom"})
	}
	assert.Contains(t, RetryContext(r), "... and 2 more failures")
	assert.Empty(t, RetryContext(&Results{}))
}

func TestCommandRunner(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	artifacts := filepath.Join(t.TempDir(), "artifacts")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "marker.txt"), []byte("hi"), 0644))

	t.Run("pass", func(t *testing.T) {
		r := NewCommandRunner("test -f marker.txt && echo 'ok  \texample.com/x\t0.01s'", time.Minute, nil)
		rep, err := r.Run(context.Background(), Candidate{Workspace: ws, ArtifactsDir: artifacts, Attempt: 1})
		require.NoError(t, err)
		assert.True(t, rep.Passed)
		assert.Equal(t, "attempt-1.test.log", rep.OutputRef)
		data, err := os.ReadFile(filepath.Join(artifacts, rep.OutputRef))
		require.NoError(t, err)
		assert.Contains(t, string(data), "example.com/x")
	})

	t.Run("fail", func(t *testing.T) {
		r := NewCommandRunner("echo 'broken thing'; exit 3", time.Minute, nil)
		rep, err := r.Run(context.Background(), Candidate{Workspace: ws, Attempt: 2})
		require.NoError(t, err)
		assert.False(t, rep.Passed)
		assert.Equal(t, 3, rep.ExitCode)
		assert.Contains(t, rep.FailureText, "broken thing")
		assert.Empty(t, rep.OutputRef)
	})

	t.Run("timeout", func(t *testing.T) {
		r := NewCommandRunner("sleep 5", 100*time.Millisecond, nil)
		_, err := r.Run(context.Background(), Candidate{Workspace: ws})
		assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := NewCommandRunner(" ", 0, nil).Run(context.Background(), Candidate{Workspace: ws})
		assert.Error(t, err)
	})
}
