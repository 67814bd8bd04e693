package testrunner

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Frameworks recognised by ParseOutput.
const (
	FrameworkGo      = "go"
	FrameworkGoJSON  = "go-json"
	FrameworkJest    = "jest"
	FrameworkPytest  = "pytest"
	FrameworkUnknown = "unknown"
)

// Results is the parsed content of a test run.
type Results struct {
	Framework string        `json:"framework"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Failures  []Failure     `json:"failures,omitempty"`
	Duration  time.Duration `json:"duration"`
	// CollectionErrors are import, build or collection errors that kept
	// tests from running at all.
	CollectionErrors []string `json:"collection_errors,omitempty"`
}

// Failure is one failing test.
type Failure struct {
	Package string `json:"package,omitempty"`
	Test    string `json:"test"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Output  string `json:"output,omitempty"`
}

// ParseOutput detects the framework and parses output.
func ParseOutput(output string) *Results {
	var r *Results
	switch {
	case isGoJSONOutput(output):
		r = ParseGoJSONOutput(output)
	case isGoTestOutput(output):
		r = ParseGoTestOutput(output)
	case isJestOutput(output):
		r = ParseJestOutput(output)
	case isPytestOutput(output):
		r = ParsePytestOutput(output)
	default:
		r = &Results{Framework: FrameworkUnknown}
	}
	r.CollectionErrors = append(r.CollectionErrors, collectionErrors(output)...)
	return r
}

func isGoJSONOutput(output string) bool {
	first := strings.TrimSpace(output)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return strings.HasPrefix(first, "{") && gjson.Get(first, "Action").Exists()
}

func isGoTestOutput(output string) bool {
	return strings.Contains(output, "--- FAIL:") ||
		strings.Contains(output, "--- PASS:") ||
		strings.Contains(output, "=== RUN") ||
		strings.Contains(output, "ok  \t") ||
		strings.Contains(output, "FAIL\t")
}

func isJestOutput(output string) bool {
	return strings.Contains(output, "Test Suites:") ||
		(strings.Contains(output, "PASS ") || strings.Contains(output, "FAIL ")) && strings.Contains(output, ".test.")
}

func isPytestOutput(output string) bool {
	return strings.Contains(output, "pytest") ||
		strings.Contains(output, "===") && (strings.Contains(output, " passed") || strings.Contains(output, " failed") || strings.Contains(output, " error")) ||
		strings.Contains(output, "::") && (strings.Contains(output, "PASSED") || strings.Contains(output, "FAILED"))
}

var (
	goFailPattern     = regexp.MustCompile(`^\s*--- FAIL: (\S+)\s+\(([^)]+)\)`)
	goPassPattern     = regexp.MustCompile(`^\s*--- PASS: (\S+)`)
	goSkipPattern     = regexp.MustCompile(`^\s*--- SKIP: (\S+)`)
	goLocationPattern = regexp.MustCompile(`^\s+(\S+\.go):(\d+):`)
	goPkgFailPattern  = regexp.MustCompile(`^FAIL\s+(\S+)`)
	goPkgPassPattern  = regexp.MustCompile(`^ok\s+(\S+)`)
)

// ParseGoTestOutput parses plain `go test` output.
func ParseGoTestOutput(output string) *Results {
	r := &Results{Framework: FrameworkGo}
	lines := strings.Split(output, "\n")

	var current *Failure
	var pkg string
	var buf strings.Builder
	flush := func() {
		if current != nil {
			current.Output = strings.TrimSpace(buf.String())
			r.Failures = append(r.Failures, *current)
			current = nil
			buf.Reset()
		}
	}

	for i, line := range lines {
		if m := goPkgPassPattern.FindStringSubmatch(line); m != nil {
			pkg = m[1]
		} else if m := goPkgFailPattern.FindStringSubmatch(line); m != nil {
			pkg = m[1]
		}

		if goPassPattern.MatchString(line) {
			r.Passed++
			continue
		}
		if goSkipPattern.MatchString(line) {
			r.Skipped++
			continue
		}
		if m := goFailPattern.FindStringSubmatch(line); m != nil {
			flush()
			r.Failed++
			current = &Failure{Test: m[1], Package: pkg}
			if d, err := time.ParseDuration(m[2]); err == nil {
				r.Duration += d
			}
			continue
		}

		if current != nil {
			if m := goLocationPattern.FindStringSubmatch(line); m != nil && current.File == "" {
				current.File = m[1]
				current.Line, _ = strconv.Atoi(m[2])
			}
			if current.Message == "" && strings.TrimSpace(line) != "" {
				current.Message = strings.TrimSpace(line)
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			if i+1 < len(lines) && (strings.HasPrefix(strings.TrimSpace(lines[i+1]), "---") ||
				strings.HasPrefix(lines[i+1], "===") || strings.HasPrefix(lines[i+1], "FAIL")) {
				flush()
			}
		}
	}
	flush()

	// Package name for failures seen before their FAIL line.
	for i := range r.Failures {
		if r.Failures[i].Package == "" {
			r.Failures[i].Package = pkg
		}
	}
	return r
}

// ParseGoJSONOutput parses `go test -json` event streams.
func ParseGoJSONOutput(output string) *Results {
	r := &Results{Framework: FrameworkGoJSON}
	outputs := make(map[string]*strings.Builder)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			continue
		}
		ev := gjson.Parse(line)
		test := ev.Get("Test").String()
		pkg := ev.Get("Package").String()
		key := pkg + "." + test

		switch ev.Get("Action").String() {
		case "output":
			if test == "" {
				continue
			}
			b, ok := outputs[key]
			if !ok {
				b = &strings.Builder{}
				outputs[key] = b
			}
			b.WriteString(ev.Get("Output").String())
		case "pass":
			if test != "" {
				r.Passed++
			}
		case "skip":
			if test != "" {
				r.Skipped++
			}
		case "fail":
			if test == "" {
				continue
			}
			r.Failed++
			f := Failure{Package: pkg, Test: test}
			if b, ok := outputs[key]; ok {
				f.Output = strings.TrimSpace(b.String())
				for _, l := range strings.Split(b.String(), "\n") {
					if m := goLocationPattern.FindStringSubmatch(l); m != nil {
						f.File = m[1]
						f.Line, _ = strconv.Atoi(m[2])
						f.Message = strings.TrimSpace(l)
						break
					}
				}
			}
			r.Failures = append(r.Failures, f)
			r.Duration += time.Duration(ev.Get("Elapsed").Float() * float64(time.Second))
		}
	}
	return r
}

var (
	jestSummaryPattern  = regexp.MustCompile(`Tests:\s+(?:(\d+) failed,?\s*)?(?:(\d+) skipped,?\s*)?(?:(\d+) passed,?\s*)?(\d+) total`)
	jestFailPattern     = regexp.MustCompile(`^\s*●\s+(.+)$`)
	jestFileLinePattern = regexp.MustCompile(`at\s+.+\((.+):(\d+):(\d+)\)`)
	jestDurationPattern = regexp.MustCompile(`Time:\s+(\d+\.?\d*)\s*(ms|s|m)\b`)
)

// ParseJestOutput parses Jest output.
func ParseJestOutput(output string) *Results {
	r := &Results{Framework: FrameworkJest}

	var current *Failure
	var buf strings.Builder
	flush := func() {
		if current != nil {
			current.Output = strings.TrimSpace(buf.String())
			r.Failures = append(r.Failures, *current)
			current = nil
			buf.Reset()
		}
	}

	for _, line := range strings.Split(output, "\n") {
		if m := jestSummaryPattern.FindStringSubmatch(line); m != nil {
			r.Failed, _ = strconv.Atoi(m[1])
			r.Skipped, _ = strconv.Atoi(m[2])
			r.Passed, _ = strconv.Atoi(m[3])
			continue
		}
		if m := jestFailPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &Failure{Test: strings.TrimSpace(m[1])}
			continue
		}
		if current != nil {
			buf.WriteString(line)
			buf.WriteString("\n")
			if m := jestFileLinePattern.FindStringSubmatch(line); m != nil && current.File == "" {
				current.File = m[1]
				current.Line, _ = strconv.Atoi(m[2])
			}
			if current.Message == "" && (strings.Contains(line, "expect") || strings.Contains(line, "Expected") || strings.Contains(line, "Received")) {
				current.Message = strings.TrimSpace(line)
			}
		}
		if m := jestDurationPattern.FindStringSubmatch(line); m != nil {
			d, _ := strconv.ParseFloat(m[1], 64)
			switch m[2] {
			case "ms":
				r.Duration = time.Duration(d * float64(time.Millisecond))
			case "s":
				r.Duration = time.Duration(d * float64(time.Second))
			case "m":
				r.Duration = time.Duration(d * float64(time.Minute))
			}
		}
	}
	flush()
	return r
}

var (
	pytestSummaryPattern  = regexp.MustCompile(`(\d+) (passed|failed|skipped|errors?)\b`)
	pytestFailPattern     = regexp.MustCompile(`^FAILED\s+(\S+)::(\S+)(?:\s+-\s+(.*))?`)
	pytestFileLinePattern = regexp.MustCompile(`^(\S+\.py):(\d+):`)
	pytestDurationPattern = regexp.MustCompile(`in\s+(\d+\.?\d*)(s|ms)\b`)
)

// ParsePytestOutput parses pytest output.
func ParsePytestOutput(output string) *Results {
	r := &Results{Framework: FrameworkPytest}

	var current *Failure
	var buf strings.Builder
	flush := func() {
		if current != nil {
			if out := strings.TrimSpace(buf.String()); out != "" {
				current.Output = out
			}
			r.Failures = append(r.Failures, *current)
			current = nil
			buf.Reset()
		}
	}

	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "=") {
			for _, m := range pytestSummaryPattern.FindAllStringSubmatch(line, -1) {
				n, _ := strconv.Atoi(m[1])
				switch m[2] {
				case "passed":
					r.Passed = n
				case "failed":
					r.Failed = n
				case "skipped":
					r.Skipped = n
				}
			}
			if m := pytestDurationPattern.FindStringSubmatch(line); m != nil {
				d, _ := strconv.ParseFloat(m[1], 64)
				if m[2] == "ms" {
					r.Duration = time.Duration(d * float64(time.Millisecond))
				} else {
					r.Duration = time.Duration(d * float64(time.Second))
				}
			}
		}

		if m := pytestFailPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &Failure{Package: m[1], Test: m[2], Message: strings.TrimSpace(m[3])}
			continue
		}
		if current != nil {
			if strings.HasPrefix(line, "=====") || strings.HasPrefix(line, "_____") {
				flush()
				continue
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			if m := pytestFileLinePattern.FindStringSubmatch(line); m != nil && current.File == "" {
				current.File = m[1]
				current.Line, _ = strconv.Atoi(m[2])
			}
			if current.Message == "" && (strings.Contains(line, "assert") || strings.Contains(line, "Error")) {
				current.Message = strings.TrimSpace(line)
			}
		}
	}
	flush()
	if r.Failed < len(r.Failures) {
		r.Failed = len(r.Failures)
	}
	return r
}

// collectionMarkers identify output where tests never ran.
var collectionMarkers = []string{
	"[build failed]",
	"[setup failed]",
	"no required module provides package",
	"cannot find package",
	"ERROR collecting",
	"ImportError while importing test module",
	"errors during collection",
	"Test suite failed to run",
	"Cannot find module",
}

var goCompileErrorPattern = regexp.MustCompile(`^\S+\.go:\d+:\d+: `)

func collectionErrors(output string) []string {
	var out []string
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		if goCompileErrorPattern.MatchString(line) && len(out) < 10 {
			out = append(out, strings.TrimSpace(line))
		}
	}
	compileErrors := len(out)
	for i, line := range lines {
		for _, marker := range collectionMarkers {
			if !strings.Contains(line, marker) {
				continue
			}
			out = append(out, strings.TrimSpace(line))
			// Keep the next non-empty line; it usually names the cause.
			for j := i + 1; j < len(lines) && j <= i+3; j++ {
				if next := strings.TrimSpace(lines[j]); next != "" {
					out = append(out, next)
					break
				}
			}
			break
		}
	}
	if len(out) == compileErrors {
		// Compile errors alone do not mean collection failed.
		return nil
	}
	return out
}

// RetryContext renders failures for a builder prompt.
func RetryContext(r *Results) string {
	if r == nil || (len(r.Failures) == 0 && len(r.CollectionErrors) == 0) {
		return ""
	}

	var b strings.Builder
	if len(r.CollectionErrors) > 0 {
		b.WriteString("Tests could not be collected:\n```\n")
		b.WriteString(strings.Join(r.CollectionErrors, "\n"))
		b.WriteString("\n```\n\n")
	}

	for i, f := range r.Failures {
		if i >= 10 {
			b.WriteString("... and " + strconv.Itoa(len(r.Failures)-10) + " more failures\n")
			break
		}
		b.WriteString("### ")
		if f.Package != "" {
			b.WriteString(f.Package + ".")
		}
		b.WriteString(f.Test + "\n\n")
		if f.File != "" {
			b.WriteString("File: `" + f.File)
			if f.Line > 0 {
				b.WriteString(":" + strconv.Itoa(f.Line))
			}
			b.WriteString("`\n\n")
		}
		if f.Message != "" {
			b.WriteString("```\n" + f.Message + "\n```\n\n")
		}
		if f.Output != "" && len(f.Output) < 1000 && f.Output != f.Message {
			b.WriteString("Output:\n```\n" + f.Output + "\n```\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
