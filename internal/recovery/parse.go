package recovery

import (
	"bufio"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformed marks output that could not be parsed in its mode.
var ErrMalformed = errors.New("malformed output")

// MalformedError describes why output failed to parse.
type MalformedError struct {
	Mode   Mode
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s output: %s", e.Mode, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) true.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(mode Mode, format string, args ...any) error {
	return &MalformedError{Mode: mode, Reason: fmt.Sprintf(format, args...)}
}

// Edit is one file change from a parsed artifact. Either Content is set
// (whole-file write) or Search/Replace is.
type Edit struct {
	Path    string
	Content string
	Search  string
	Replace string
	// Whole is true for whole-file writes.
	Whole bool
}

// Artifact is the parsed result of one generation.
type Artifact struct {
	Mode  Mode
	Edits []Edit
}

// Paths returns the distinct edited paths in order of first appearance.
func (a *Artifact) Paths() []string {
	seen := make(map[string]bool, len(a.Edits))
	var out []string
	for _, e := range a.Edits {
		if !seen[e.Path] {
			seen[e.Path] = true
			out = append(out, e.Path)
		}
	}
	return out
}

// DefaultMaxRepairPasses bounds json_repair cleanup.
const DefaultMaxRepairPasses = 4

// Parse parses generated text according to mode.
func Parse(mode Mode, text string, maxRepairPasses int) (*Artifact, error) {
	switch mode {
	case ModeFullFile:
		return ParseFullFile(text)
	case ModeStructuredEdit:
		return ParseStructuredEdit(text)
	case ModeJSONRepair:
		return ParseJSONRepair(text, maxRepairPasses)
	default:
		return nil, fmt.Errorf("unknown representation mode %q", mode)
	}
}

var pathHeader = regexp.MustCompile(`^\s*(?:#+\s*|//\s*|\*\*)?path:\s*(\S+?)\**\s*$`)

// ParseFullFile reads fenced code blocks, each headed by a "path: <file>"
// line directly above the opening fence.
func ParseFullFile(text string) (*Artifact, error) {
	art := &Artifact{Mode: ModeFullFile}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pending string
	for sc.Scan() {
		line := sc.Text()
		if m := pathHeader.FindStringSubmatch(line); m != nil {
			pending = m[1]
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(line), "```") {
			if strings.TrimSpace(line) != "" {
				pending = ""
			}
			continue
		}
		if pending == "" {
			// Fence without a path header: skip the block.
			if !skipFence(sc) {
				return nil, malformed(ModeFullFile, "unterminated code fence")
			}
			continue
		}

		var body []string
		closed := false
		for sc.Scan() {
			l := sc.Text()
			if strings.TrimSpace(l) == "```" {
				closed = true
				break
			}
			body = append(body, l)
		}
		if !closed {
			return nil, malformed(ModeFullFile, "unterminated code fence for %s", pending)
		}
		p, err := cleanPath(pending)
		if err != nil {
			return nil, malformed(ModeFullFile, "%v", err)
		}
		content := strings.Join(body, "\n")
		if len(body) > 0 {
			content += "\n"
		}
		art.Edits = append(art.Edits, Edit{Path: p, Content: content, Whole: true})
		pending = ""
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan output: %w", err)
	}
	if len(art.Edits) == 0 {
		return nil, malformed(ModeFullFile, "no path-headed code blocks found")
	}
	return art, nil
}

func skipFence(sc *bufio.Scanner) bool {
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "```" {
			return true
		}
	}
	return false
}

// ParseStructuredEdit reads {"edits":[{"path","search","replace"}|{"path","content"}]}.
// Surrounding prose and a code fence are tolerated; invalid JSON is not.
func ParseStructuredEdit(text string) (*Artifact, error) {
	return parseEdits(ModeStructuredEdit, extractObject(text))
}

// ParseJSONRepair runs bounded cleanup passes and then parses structured edits.
func ParseJSONRepair(text string, maxPasses int) (*Artifact, error) {
	repaired, err := RepairJSON(text, maxPasses)
	if err != nil {
		return nil, malformed(ModeJSONRepair, "%v", err)
	}
	return parseEdits(ModeJSONRepair, repaired)
}

func parseEdits(mode Mode, doc string) (*Artifact, error) {
	if doc == "" || !gjson.Valid(doc) {
		return nil, malformed(mode, "not valid JSON")
	}
	edits := gjson.Get(doc, "edits")
	if !edits.IsArray() {
		return nil, malformed(mode, `missing "edits" array`)
	}

	art := &Artifact{Mode: mode}
	var parseErr error
	edits.ForEach(func(key, value gjson.Result) bool {
		p := value.Get("path").String()
		if p == "" {
			parseErr = malformed(mode, "edit %d has no path", key.Int())
			return false
		}
		cp, err := cleanPath(p)
		if err != nil {
			parseErr = malformed(mode, "edit %d: %v", key.Int(), err)
			return false
		}
		content := value.Get("content")
		search := value.Get("search")
		switch {
		case content.Exists():
			art.Edits = append(art.Edits, Edit{Path: cp, Content: content.String(), Whole: true})
		case search.Exists() && search.String() != "":
			art.Edits = append(art.Edits, Edit{Path: cp, Search: search.String(), Replace: value.Get("replace").String()})
		default:
			parseErr = malformed(mode, "edit %d for %s has neither content nor search", key.Int(), cp)
			return false
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(art.Edits) == 0 {
		return nil, malformed(mode, "edits array is empty")
	}
	return art, nil
}

// extractObject returns the text between the first '{' and the last '}'.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// cleanPath rejects absolute paths and paths escaping the workspace.
func cleanPath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "`\"'")
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	c := path.Clean(p)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return c, nil
}
