package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

func sampleFinding() models.Finding {
	return models.Finding{
		ID:         "F1",
		RuleID:     "python.flask.security.injection.path-traversal-open",
		RuleName:   "path-traversal-open",
		Severity:   models.SeverityCritical,
		Path:       "app/views.py",
		Line:       42,
		EndLine:    44,
		Snippet:    "open(request.args['f'])",
		Message:    "Found request data in a call to open",
		Repository: "acme/api",
		Permalink:  "https://github.com/acme/api/blob/main/app/views.py#L42-L44",
	}
}

func TestDefaultTemplate(t *testing.T) {
	tpl, err := Default()
	require.NoError(t, err)
	assert.True(t, tpl.Bundled)
	assert.Equal(t, "semgrep-finding", tpl.Name)

	out, err := tpl.Render(sampleFinding(), models.PriorityUrgent)
	require.NoError(t, err)

	assert.Equal(t, "[Semgrep] CRITICAL: path-traversal-open in acme/api", out.Title)
	assert.Equal(t, []string{"security", "semgrep"}, out.Labels)
	for _, want := range []string{
		"**Finding ID:** `F1`",
		"**Rule:** `python.flask.security.injection.path-traversal-open`",
		"### Description\nFound request data in a call to open",
		"- **File:** `app/views.py`",
		"- **Lines:** 42 - 44",
		"[View in repository](https://github.com/acme/api/blob/main/app/views.py#L42-L44)",
		"### Code Snippet",
		"### Remediation",
	} {
		assert.Contains(t, out.Description, want)
	}
}

func TestDefaultTemplateOmitsEmptySections(t *testing.T) {
	tpl, err := Default()
	require.NoError(t, err)

	f := sampleFinding()
	f.Snippet = ""
	f.Permalink = ""
	f.Message = ""
	out, err := tpl.Render(f, models.PriorityLow)
	require.NoError(t, err)

	assert.NotContains(t, out.Description, "### Code Snippet")
	assert.NotContains(t, out.Description, "View in repository")
	assert.Contains(t, out.Description, "No description available")
}

func TestTitleTruncated(t *testing.T) {
	tpl, err := Default()
	require.NoError(t, err)

	f := sampleFinding()
	f.Repository = strings.Repeat("r", 500)
	out, err := tpl.Render(f, models.PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, MaxTitleLength, len([]rune(out.Title)))
}

func TestCustomTemplateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticket.md")
	src := "---\ntitle: \"{{ lower .Severity }} {{ .RuleName }}\"\nlabels: [\"sev:{{ lower .Severity }}\", \"prio:{{ .PriorityName }}\"]\n---\nSee {{ .Permalink }}\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	tpl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ticket", tpl.Name)

	out, err := tpl.Render(sampleFinding(), models.PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, "critical path-traversal-open", out.Title)
	assert.Equal(t, []string{"sev:critical", "prio:urgent"}, out.Labels)
	assert.Contains(t, out.Description, "**Finding ID:** `F1`", "finding id appended when the body omits it")
}

func TestTemplateWithoutFrontmatter(t *testing.T) {
	tpl, err := parse([]byte("Finding {{ .ID }} in {{ .Path }}"))
	require.NoError(t, err)

	out, err := tpl.Render(sampleFinding(), models.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "Finding F1 in app/views.py\n", out.Description)
	assert.Equal(t, "[Semgrep] CRITICAL: path-traversal-open in acme/api", out.Title)
}

func TestParseErrors(t *testing.T) {
	for name, src := range map[string]string{
		"unterminated": "---\ntitle: x\nbody",
		"bad yaml":     "---\ntitle: [\n---\nbody",
		"bad template": "---\ntitle: x\n---\n{{ .Nope",
		"empty body":   "---\ntitle: x\n---\n",
	} {
		_, err := parse([]byte(src))
		assert.Error(t, err, name)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "finding.md")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "refuses to overwrite")

	tpl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "semgrep-finding", tpl.Name)
}
