// Package templates provides embedded prompt templates.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// Prompts contains the per-mode builder prompts and the analysis prompt.
//
//go:embed prompts/*.md
var Prompts embed.FS

// SystemPrompts contains role-framing system prompts.
// These set behavioral context for each dispatch.
//
//go:embed system_prompts/*.md
var SystemPrompts embed.FS

var (
	parseOnce sync.Once
	parsed    *template.Template
	parseErr  error
)

func load() (*template.Template, error) {
	parseOnce.Do(func() {
		parsed, parseErr = template.New("prompts").
			Option("missingkey=error").
			Funcs(template.FuncMap{"join": strings.Join}).
			ParseFS(Prompts, "prompts/*.md")
	})
	return parsed, parseErr
}

// Render executes the prompt template prompts/<name>.md with data.
func Render(name string, data any) (string, error) {
	t, err := load()
	if err != nil {
		return "", fmt.Errorf("parse prompt templates: %w", err)
	}
	tmpl := t.Lookup(name + ".md")
	if tmpl == nil {
		return "", fmt.Errorf("prompt template %q not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// System returns the system prompt system_prompts/<name>.md.
func System(name string) (string, error) {
	data, err := SystemPrompts.ReadFile("system_prompts/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("system prompt %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}
