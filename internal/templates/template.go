// Package templates renders ticket titles, descriptions and labels from a
// markdown file with YAML frontmatter.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode/utf8"

	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

const defaultFile = "defaults/finding.md"

// MaxTitleLength is the tracker's title limit.
const MaxTitleLength = 200

// Template is a parsed ticket template.
type Template struct {
	// Name identifies the template in logs.
	Name    string   `yaml:"name"`
	Version int      `yaml:"version"`
	Title   string   `yaml:"title"`
	Labels  []string `yaml:"labels"`
	// Body is the markdown content after the YAML frontmatter.
	Body string `yaml:"-"`
	// Bundled is true if this template came from the embedded default.
	Bundled bool `yaml:"-"`

	title  *template.Template
	body   *template.Template
	labels []*template.Template
}

// Ticket is a rendered template.
type Ticket struct {
	Title       string
	Description string
	Labels      []string
}

// Data is what template actions see.
type Data struct {
	models.Finding
	Priority     models.Priority
	PriorityName string
}

var funcs = template.FuncMap{
	"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
	"lower": func(v any) string { return strings.ToLower(fmt.Sprint(v)) },
	"trim":  func(v any) string { return strings.TrimSpace(fmt.Sprint(v)) },
}

// Load reads the template at path, or the bundled default when path is empty.
func Load(path string) (*Template, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	t, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("templates: parse %q: %w", path, err)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return t, nil
}

// Default returns the bundled template.
func Default() (*Template, error) {
	data, err := defaultsFS.ReadFile(defaultFile)
	if err != nil {
		return nil, fmt.Errorf("templates: reading embedded default: %w", err)
	}
	t, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("templates: parse bundled default: %w", err)
	}
	t.Bundled = true
	return t, nil
}

// DefaultSource returns the raw bundled template, for users who want a
// starting point.
func DefaultSource() []byte {
	data, _ := defaultsFS.ReadFile(defaultFile)
	return data
}

// WriteDefault writes the bundled template to path unless a file exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("templates: %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("templates: create dir: %w", err)
	}
	return os.WriteFile(path, DefaultSource(), 0o640)
}

// Render produces the ticket text for f.
func (t *Template) Render(f models.Finding, p models.Priority) (Ticket, error) {
	d := Data{Finding: f, Priority: p, PriorityName: p.String()}

	title, err := execute(t.title, d)
	if err != nil {
		return Ticket{}, fmt.Errorf("templates: title: %w", err)
	}
	body, err := execute(t.body, d)
	if err != nil {
		return Ticket{}, fmt.Errorf("templates: body: %w", err)
	}
	// The description always carries the finding ID.
	if !strings.Contains(body, f.ID) {
		body = strings.TrimRight(body, "\n") + fmt.Sprintf("\n\n**Finding ID:** `%s`\n", f.ID)
	}

	labels := make([]string, 0, len(t.labels))
	for _, lt := range t.labels {
		l, err := execute(lt, d)
		if err != nil {
			return Ticket{}, fmt.Errorf("templates: label: %w", err)
		}
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}

	return Ticket{
		Title:       Truncate(strings.Join(strings.Fields(title), " "), MaxTitleLength),
		Description: body,
		Labels:      labels,
	}, nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func execute(t *template.Template, d Data) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parse extracts YAML frontmatter and the markdown body from a template file
// and compiles both.
func parse(data []byte) (*Template, error) {
	const delim = "---"

	data = bytes.TrimLeft(data, " \t\n\r")

	var t Template
	if !bytes.HasPrefix(data, []byte(delim)) {
		// No frontmatter: the whole file is the body.
		t.Body = strings.TrimSpace(string(data)) + "\n"
	} else {
		rest := bytes.TrimPrefix(data, []byte(delim))
		idx := bytes.Index(rest, []byte("\n"+delim))
		if idx < 0 {
			return nil, fmt.Errorf("unterminated YAML frontmatter (missing closing ---)")
		}
		if err := yaml.Unmarshal(rest[:idx], &t); err != nil {
			return nil, fmt.Errorf("invalid YAML frontmatter: %w", err)
		}
		t.Body = strings.TrimSpace(string(rest[idx+len("\n"+delim):])) + "\n"
	}

	if t.Title == "" {
		t.Title = "[Semgrep] {{ .Severity }}: {{ .RuleName }} in {{ .Repository }}"
	}
	if strings.TrimSpace(t.Body) == "" {
		return nil, fmt.Errorf("template body is empty")
	}

	var err error
	if t.title, err = template.New("title").Funcs(funcs).Parse(t.Title); err != nil {
		return nil, fmt.Errorf("title: %w", err)
	}
	if t.body, err = template.New("body").Funcs(funcs).Parse(t.Body); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	for i, l := range t.Labels {
		lt, err := template.New(fmt.Sprintf("label%d", i)).Funcs(funcs).Parse(l)
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", l, err)
		}
		t.labels = append(t.labels, lt)
	}
	return &t, nil
}
