// Package prompt renders review prompts from templates with a fixed set of
// {{name}} placeholders.
package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Placeholder names understood by the renderer.
const (
	VarRepository        = "repository"
	VarTitle             = "title"
	VarDescription       = "description"
	VarAuthor            = "author"
	VarSourceBranch      = "source_branch"
	VarDestinationBranch = "destination_branch"
	VarPullRequestURL    = "pr_url"
	VarMergeBase         = "merge_base"
	VarDiff              = "diff"
	VarDiffStats         = "diff_stats"
)

var knownVars = map[string]bool{
	VarRepository:        true,
	VarTitle:             true,
	VarDescription:       true,
	VarAuthor:            true,
	VarSourceBranch:      true,
	VarDestinationBranch: true,
	VarPullRequestURL:    true,
	VarMergeBase:         true,
	VarDiff:              true,
	VarDiffStats:         true,
}

// ErrUnknownPlaceholder is wrapped by RenderError when a template references
// a placeholder outside the known set.
var ErrUnknownPlaceholder = errors.New("unknown placeholder")

// RenderError reports a template that could not be loaded, parsed, or
// rendered.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

//go:embed templates/default_review.tmpl
var defaultReviewTemplate string

// DefaultTemplateName names the built-in template.
const DefaultTemplateName = "builtin:default_review"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]*)\s*\}\}`)

type segment struct {
	literal string
	varName string // empty for literal segments
}

// Template is a parsed prompt template.
type Template struct {
	Name     string
	segments []segment
}

// Parse splits text into literal and placeholder segments. Every placeholder
// must be one of the known names.
func Parse(name, text string) (*Template, error) {
	t := &Template{Name: name}
	var unknown []string
	seen := make(map[string]bool)

	last := 0
	for _, m := range placeholderPattern.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			t.segments = append(t.segments, segment{literal: text[last:m[0]]})
		}
		v := text[m[2]:m[3]]
		if !knownVars[v] && !seen[v] {
			seen[v] = true
			unknown = append(unknown, "{{"+v+"}}")
		}
		t.segments = append(t.segments, segment{varName: v})
		last = m[1]
	}
	if last < len(text) {
		t.segments = append(t.segments, segment{literal: text[last:]})
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &RenderError{
			Template: name,
			Err:      fmt.Errorf("%w: %s", ErrUnknownPlaceholder, strings.Join(unknown, ", ")),
		}
	}
	return t, nil
}

// Default returns the built-in review template.
func Default() *Template {
	t, err := Parse(DefaultTemplateName, defaultReviewTemplate)
	if err != nil {
		panic(err)
	}
	return t
}

// Placeholders returns the distinct placeholder names the template uses.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range t.segments {
		if s.varName != "" && !seen[s.varName] {
			seen[s.varName] = true
			names = append(names, s.varName)
		}
	}
	sort.Strings(names)
	return names
}

// Render substitutes vars in a single pass. Substituted values are not
// rescanned, so text like "{{diff}}" inside a PR description stays literal.
// Placeholders missing from vars render as empty strings.
func (t *Template) Render(vars map[string]string) string {
	var sb strings.Builder
	for _, s := range t.segments {
		if s.varName == "" {
			sb.WriteString(s.literal)
			continue
		}
		sb.WriteString(vars[s.varName])
	}
	return sb.String()
}
