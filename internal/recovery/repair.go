package recovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// repairPass is one bounded cleanup step.
type repairPass struct {
	name string
	fn   func(string) string
}

var repairPasses = []repairPass{
	{"strip fences and prose", stripOuter},
	{"remove comments", removeComments},
	{"remove trailing commas", removeTrailingCommas},
	{"balance closers", balanceClosers},
}

// RepairJSON applies at most maxPasses cleanup passes in order, returning as
// soon as the text is valid JSON.
func RepairJSON(text string, maxPasses int) (string, error) {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxRepairPasses
	}
	cur := strings.TrimSpace(text)
	if cur != "" && gjson.Valid(cur) {
		return cur, nil
	}
	for i, pass := range repairPasses {
		if i >= maxPasses {
			break
		}
		cur = pass.fn(cur)
		if cur != "" && gjson.Valid(cur) {
			return cur, nil
		}
	}
	if cur == "" {
		return "", errors.New("no JSON object found")
	}
	return "", fmt.Errorf("still invalid after %d repair passes", min(maxPasses, len(repairPasses)))
}

func stripOuter(s string) string {
	if obj := extractObject(s); obj != "" {
		return obj
	}
	// An unterminated object: keep from the first brace on.
	if i := strings.IndexByte(s, '{'); i >= 0 {
		return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s[i:]), "```"))
	}
	return ""
}

// scanJSON walks s calling emit for every byte outside string literals and
// copying string literals verbatim. emit returns how many bytes it consumed.
func scanJSON(s string, emit func(s string, i int, b *strings.Builder) int) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '"' {
			j := i + 1
			for j < len(s) {
				if s[j] == '\\' {
					j += 2
					continue
				}
				if s[j] == '"' {
					j++
					break
				}
				j++
			}
			j = min(j, len(s))
			b.WriteString(s[i:j])
			i = j
			continue
		}
		i += emit(s, i, &b)
	}
	return b.String()
}

func removeComments(s string) string {
	return scanJSON(s, func(s string, i int, b *strings.Builder) int {
		if strings.HasPrefix(s[i:], "//") {
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return len(s) - i
			}
			return end
		}
		if strings.HasPrefix(s[i:], "/*") {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return len(s) - i
			}
			return end + 4
		}
		b.WriteByte(s[i])
		return 1
	})
}

func removeTrailingCommas(s string) string {
	return scanJSON(s, func(s string, i int, b *strings.Builder) int {
		if s[i] == ',' {
			j := i + 1
			for j < len(s) && strings.ContainsRune(" \t\r\n", rune(s[j])) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				return 1
			}
		}
		b.WriteByte(s[i])
		return 1
	})
}

// balanceClosers drops unmatched closers, closes an unterminated string and
// appends the missing closers in nesting order.
func balanceClosers(s string) string {
	var stack []byte
	var b strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				continue
			}
			stack = stack[:len(stack)-1]
		}
		b.WriteByte(c)
	}
	if inString {
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n,")
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}
