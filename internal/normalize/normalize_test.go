package normalize

import (
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

const semgrepFinding = `{
	"id": 123456,
	"check_id": "python.flask.security.injection.path-traversal-open",
	"severity": 4,
	"message": "Found request data in a call to open",
	"path": "app/views.py",
	"line": 42,
	"end_line": 44,
	"repo_name": "acme/api",
	"commit_url": "https://github.com/acme/api/commit/abc123",
	"syntactic_context": "open(request.args['f'])"
}`

func TestNormalizeFlatSemgrepFinding(t *testing.T) {
	b, err := Normalize([]byte(semgrepFinding))
	require.NoError(t, err)
	require.Len(t, b.Findings, 1)

	f := b.Findings[0]
	assert.Equal(t, "123456", f.ID)
	assert.Equal(t, "python.flask.security.injection.path-traversal-open", f.RuleID)
	assert.Equal(t, "path-traversal-open", f.RuleName)
	assert.Equal(t, models.SeverityCritical, f.Severity)
	assert.Equal(t, "app/views.py", f.Path)
	assert.Equal(t, 42, f.Line)
	assert.Equal(t, 44, f.EndLine)
	assert.Equal(t, "acme/api", f.Repository)
	assert.Equal(t, "open(request.args['f'])", f.Snippet)
	assert.Equal(t, "https://github.com/acme/api/blob/main/app/views.py#L42-L44", f.Permalink)
	assert.Equal(t, "finding", b.EventType)
}

func TestNormalizeShapes(t *testing.T) {
	cases := []struct {
		name      string
		payload   string
		wantIDs   []string
		wantEvent string
	}{
		{
			name:      "list with wrappers and slack items",
			payload:   `[{"semgrep_finding":{"id":"a","check_id":"r.one"}},{"text":"new finding","username":"semgrep"},{"id":"b","rule_id":"r.two"}]`,
			wantIDs:   []string{"a", "b"},
			wantEvent: "list",
		},
		{
			name:      "semgrep_finding wrapper",
			payload:   `{"type":"semgrep_finding","semgrep_finding":{"id":"a","check_id":"r.one"}}`,
			wantIDs:   []string{"a"},
			wantEvent: "semgrep_finding",
		},
		{
			name:      "scan with findings",
			payload:   `{"semgrep_scan":{"id":"s1","status":"completed","findings_count":1},"findings":[{"id":"a","check_id":"r.one"}]}`,
			wantIDs:   []string{"a"},
			wantEvent: "semgrep_scan",
		},
		{
			name:      "findings array",
			payload:   `{"findings":[{"id":"a","check_id":"r.one"},{"id":"b","check_id":"r.two"}]}`,
			wantIDs:   []string{"a", "b"},
			wantEvent: "findings",
		},
		{
			name:      "data with findings",
			payload:   `{"data":{"findings":[{"id":"a","rule":{"id":"r.one","name":"One"}}]}}`,
			wantIDs:   []string{"a"},
			wantEvent: "data",
		},
		{
			name:      "data is the finding",
			payload:   `{"data":{"id":"a","check_id":"r.one"}}`,
			wantIDs:   []string{"a"},
			wantEvent: "data",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Normalize([]byte(tc.payload))
			require.NoError(t, err)
			var ids []string
			for _, f := range b.Findings {
				ids = append(ids, f.ID)
			}
			assert.Equal(t, tc.wantIDs, ids)
			assert.Equal(t, tc.wantEvent, b.EventType)
		})
	}
}

func TestNormalizeScanSummary(t *testing.T) {
	b, err := Normalize([]byte(`{"type":"semgrep_scan","semgrep_scan":{"id":"s1","status":"completed","findings_count":3}}`))
	require.NoError(t, err)
	require.NotNil(t, b.Scan)
	assert.Equal(t, "s1", b.Scan.ID)
	assert.Equal(t, 3, b.Scan.FindingsCount)
	assert.Empty(t, b.Findings)
}

func TestNormalizeZeroFindingsIsValid(t *testing.T) {
	for _, payload := range []string{`{"findings":[]}`, `[]`, `{"hello":"world"}`} {
		b, err := Normalize([]byte(payload))
		require.NoError(t, err, payload)
		assert.Empty(t, b.Findings, payload)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	b, err := Normalize([]byte(`{"id":"a","check_id":"rule-without-dots","line":7}`))
	require.NoError(t, err)
	f := b.Findings[0]
	assert.Equal(t, models.UnknownRepository, f.Repository)
	assert.Equal(t, "rule-without-dots", f.RuleName)
	assert.Equal(t, models.SeverityUnknown, f.Severity)
	assert.Equal(t, 7, f.EndLine)
	assert.Empty(t, f.Snippet)
	assert.Empty(t, f.Permalink)
}

func TestNormalizeSeverityStrings(t *testing.T) {
	cases := map[string]models.SeverityLevel{
		`"ERROR"`:    models.SeverityHigh,
		`"WARNING"`:  models.SeverityMedium,
		`"info"`:     models.SeverityInfo,
		`"critical"`: models.SeverityCritical,
		`1`:          models.SeverityLow,
		`3`:          models.SeverityHigh,
		`"bogus"`:    models.SeverityUnknown,
	}
	for raw, want := range cases {
		b, err := Normalize([]byte(`{"id":"a","check_id":"r","severity":` + raw + `}`))
		require.NoError(t, err, raw)
		assert.Equal(t, want, b.Findings[0].Severity, raw)
	}
}

func TestNormalizeSkipsMalformedItemInBatch(t *testing.T) {
	b, err := Normalize([]byte(`{"findings":[{"id":"a","check_id":"r"},{"check_id":"no-id"},"junk",{"id":"c"}]}`))
	require.NoError(t, err)
	require.Len(t, b.Findings, 1)
	assert.Equal(t, "a", b.Findings[0].ID)
	assert.Len(t, b.Warnings, 3)
	assert.Equal(t, 4, b.Items)
}

func TestNormalizeRejectsMissingIdentifiers(t *testing.T) {
	for _, payload := range []string{
		`{"check_id":"r","severity":4}`,
		`{"findings":[{"check_id":"r"},{"check_id":"s"}]}`,
		`{"id":"a","severity":4}`,
	} {
		_, err := Normalize([]byte(payload))
		require.Error(t, err, payload)
		assert.True(t, relayerr.Is(err, goerrors.CategoryBadInput), payload)
	}
}

func TestNormalizeRejectsNonJSON(t *testing.T) {
	for _, payload := range []string{`not json`, `"a string"`, `42`, ``} {
		_, err := Normalize([]byte(payload))
		require.Error(t, err, payload)
		assert.True(t, relayerr.Is(err, goerrors.CategoryBadInput), payload)
	}
}

func TestNormalizeRejectsEmptyBody(t *testing.T) {
	for _, payload := range []string{``, "  \n\t"} {
		_, err := Normalize([]byte(payload))
		require.Error(t, err)
		assert.Equal(t, "empty request body", relayerr.Message(err))
	}
}

func TestNormalizePermalinkFromPullRequest(t *testing.T) {
	b, err := Normalize([]byte(`{"id":"a","check_id":"r","path":"main.go","line":3,"pr_url":"https://github.com/acme/api/pull/9"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/api/blob/main/main.go#L3-L3", b.Findings[0].Permalink)
}

func TestNormalizeExplicitPermalinkWins(t *testing.T) {
	b, err := Normalize([]byte(`{"id":"a","check_id":"r","line_of_code_url":"https://semgrep.dev/x","commit_url":"https://github.com/acme/api/commit/1"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://semgrep.dev/x", b.Findings[0].Permalink)
}
