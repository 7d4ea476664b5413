package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mapping is the on-disk repository-to-template mapping file:
//
//	default: templates/review.md
//	repositories:
//	  demo: templates/demo.md
//
// Relative paths resolve against the mapping file's directory.
type Mapping struct {
	Default      string            `yaml:"default"`
	Repositories map[string]string `yaml:"repositories"`
}

// Set is a validated collection of templates keyed by repository name.
type Set struct {
	Source  string
	Default *Template
	byRepo  map[string]*Template
}

// DefaultSet returns a Set that uses the built-in template for everything.
func DefaultSet() *Set {
	return &Set{Default: Default(), byRepo: map[string]*Template{}}
}

// For returns the template for a repository, falling back to the default.
// Repository names match case-insensitively.
func (s *Set) For(repository string) *Template {
	if t, ok := s.byRepo[strings.ToLower(repository)]; ok {
		return t
	}
	return s.Default
}

// Repositories lists the repositories with a dedicated template.
func (s *Set) Repositories() []string {
	names := make([]string, 0, len(s.byRepo))
	for name := range s.byRepo {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Files lists the template files the set was loaded from. The built-in
// template is not a file and is left out.
func (s *Set) Files() []string {
	seen := make(map[string]bool)
	var files []string
	add := func(t *Template) {
		if t == nil || t.Name == DefaultTemplateName || seen[t.Name] {
			return
		}
		seen[t.Name] = true
		files = append(files, t.Name)
	}
	add(s.Default)
	for _, t := range s.byRepo {
		add(t)
	}
	sort.Strings(files)
	return files
}

// LoadSet reads the mapping file at path and parses every template it
// names. An empty path yields DefaultSet. Any unreadable or invalid template
// fails the whole load.
func LoadSet(path string) (*Set, error) {
	if path == "" {
		return DefaultSet(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RenderError{Template: path, Err: err}
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &RenderError{Template: path, Err: fmt.Errorf("parse mapping: %w", err)}
	}

	base := filepath.Dir(path)
	set := &Set{Source: path, Default: Default(), byRepo: make(map[string]*Template, len(m.Repositories))}
	if m.Default != "" {
		if set.Default, err = loadTemplate(base, m.Default); err != nil {
			return nil, err
		}
	}
	for repo, file := range m.Repositories {
		key := strings.ToLower(strings.TrimSpace(repo))
		if key == "" {
			return nil, &RenderError{Template: path, Err: fmt.Errorf("empty repository name")}
		}
		if _, dup := set.byRepo[key]; dup {
			return nil, &RenderError{Template: path, Err: fmt.Errorf("repository %q mapped twice", repo)}
		}
		t, err := loadTemplate(base, file)
		if err != nil {
			return nil, err
		}
		set.byRepo[key] = t
	}
	return set, nil
}

func loadTemplate(base, file string) (*Template, error) {
	if !filepath.IsAbs(file) {
		file = filepath.Join(base, file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &RenderError{Template: file, Err: err}
	}
	return Parse(file, string(data))
}
