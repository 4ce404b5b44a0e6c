// Package normalize turns Semgrep webhook payloads into models.Finding values.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// Warning records a payload item that was skipped or defaulted.
type Warning struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("item %d: %s", w.Index, w.Reason)
}

// ScanSummary is the scan-completion event Semgrep sends alongside or instead
// of findings.
type ScanSummary struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FindingsCount int    `json:"findings_count"`
}

// Batch is the result of normalising one webhook body.
type Batch struct {
	// EventType is the payload's "type" field, or the shape that was detected.
	EventType string
	Findings  []models.Finding
	Warnings  []Warning
	Scan      *ScanSummary
	// Items is the number of finding candidates seen, valid or not.
	Items int
}

// flatKeys mark an object as a bare finding.
var flatKeys = []string{"rule", "severity", "check_id", "path", "id"}

// Normalize parses payload and extracts its findings.
//
// An empty body, or one that is not a JSON object or array, is a validation
// error. So is a
// body with finding candidates of which none carry an id and a rule id.
// Individual malformed items in an otherwise valid batch are skipped and
// reported in Batch.Warnings.
func Normalize(payload []byte) (Batch, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Batch{}, relayerr.Validation("empty request body", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return Batch{}, relayerr.Validation("payload is not valid JSON", map[string]any{"error": err.Error()})
	}

	var b Batch
	var items []any
	switch v := root.(type) {
	case []any:
		b.EventType = "list"
		items = listItems(v)
	case map[string]any:
		items = b.objectItems(v)
	default:
		return Batch{}, relayerr.Validation("payload must be a JSON object or array", nil)
	}

	b.Items = len(items)
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			b.warn(i, "finding is not an object")
			continue
		}
		f, err := fromMap(m)
		if err != nil {
			b.warn(i, err.Error())
			continue
		}
		b.Findings = append(b.Findings, f)
	}

	if b.Items > 0 && len(b.Findings) == 0 {
		reasons := make([]string, 0, len(b.Warnings))
		for _, w := range b.Warnings {
			reasons = append(reasons, w.String())
		}
		return Batch{}, relayerr.Validation("no finding carries the mandatory id and rule fields",
			map[string]any{"items": b.Items, "warnings": reasons})
	}
	return b, nil
}

func (b *Batch) warn(i int, reason string) {
	w := Warning{Index: i, Reason: reason}
	b.Warnings = append(b.Warnings, w)
	slog.Warn("normalize: skipping finding", "index", i, "reason", reason)
}

// listItems unwraps {"semgrep_finding": {...}} entries and drops the Slack
// notification items Semgrep mixes into list payloads.
func listItems(list []any) []any {
	items := make([]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			items = append(items, item)
			continue
		}
		if inner, ok := m["semgrep_finding"]; ok {
			items = append(items, inner)
			continue
		}
		if _, ok := m["text"]; ok {
			continue
		}
		if _, ok := m["username"]; ok {
			continue
		}
		items = append(items, m)
	}
	return items
}

func (b *Batch) objectItems(obj map[string]any) []any {
	eventType, _ := obj["type"].(string)
	b.EventType = eventType
	if b.EventType == "" {
		b.EventType = "unknown"
	}

	switch {
	case eventType == "semgrep_finding" || has(obj, "semgrep_finding"):
		b.EventType = "semgrep_finding"
		for _, k := range []string{"semgrep_finding", "finding"} {
			if v, ok := obj[k]; ok {
				return []any{v}
			}
		}
		return []any{obj}

	case eventType == "semgrep_scan" || has(obj, "semgrep_scan"):
		b.EventType = "semgrep_scan"
		scan := obj
		for _, k := range []string{"semgrep_scan", "scan"} {
			if v, ok := obj[k].(map[string]any); ok {
				scan = v
				break
			}
		}
		b.Scan = &ScanSummary{
			ID:            stringOr(scan, "unknown", "id"),
			Status:        stringOr(scan, "unknown", "status"),
			FindingsCount: intField(scan, "findings_count"),
		}
		slog.Info("normalize: scan event", "scan_id", b.Scan.ID, "status", b.Scan.Status, "findings", b.Scan.FindingsCount)
		return arrayField(obj, "findings")

	case has(obj, "findings"):
		b.EventType = "findings"
		return arrayField(obj, "findings")

	case isObject(obj["data"]):
		b.EventType = "data"
		data := obj["data"].(map[string]any)
		if has(data, "findings") {
			return arrayField(data, "findings")
		}
		return []any{data}
	}

	for _, k := range flatKeys {
		if has(obj, k) {
			b.EventType = "finding"
			return []any{obj}
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slog.Warn("normalize: unknown event type", "type", b.EventType, "keys", keys)
	return nil
}

func fromMap(m map[string]any) (models.Finding, error) {
	id := lookupString(m, "id")
	if id == "" {
		return models.Finding{}, fmt.Errorf("missing finding id")
	}
	ruleID := lookupString(m, "rule_id", "check_id", "rule.id")
	if ruleID == "" {
		if r, ok := m["rule"].(string); ok {
			ruleID = strings.TrimSpace(r)
		}
	}
	if ruleID == "" {
		return models.Finding{}, fmt.Errorf("finding %s: missing rule id", id)
	}

	f := models.Finding{
		ID:         id,
		RuleID:     ruleID,
		RuleName:   lookupString(m, "rule_name", "rule.name"),
		Severity:   severity(m),
		Path:       lookupString(m, "path", "location.file_path", "location.path"),
		Line:       lookupInt(m, "line", "location.line", "start.line"),
		Message:    lookupString(m, "message", "rule.message", "extra.message"),
		Repository: lookupString(m, "repository", "repo_name", "repository.name"),
		Snippet:    lookupString(m, "syntactic_context", "extra.lines", "extra.code", "match"),
	}
	if f.RuleName == "" {
		f.RuleName = ruleName(ruleID)
	}
	f.EndLine = lookupInt(m, "end_line", "location.end_line", "end.line")
	if f.EndLine == 0 {
		f.EndLine = f.Line
	}
	if f.Repository == "" {
		f.Repository = models.UnknownRepository
	}
	f.Permalink = lookupString(m, "permalink", "line_of_code_url")
	if f.Permalink == "" {
		f.Permalink = derivePermalink(m, f)
	}
	return f, nil
}

// ruleName is the last dotted segment of a Semgrep check id, e.g.
// "python.flask.security.injection.path-traversal-open" -> "path-traversal-open".
func ruleName(ruleID string) string {
	if i := strings.LastIndex(ruleID, "."); i >= 0 && i < len(ruleID)-1 {
		return ruleID[i+1:]
	}
	return ruleID
}

func severity(m map[string]any) models.SeverityLevel {
	for _, path := range []string{"severity", "extra.severity", "rule.severity"} {
		v, ok := lookup(m, path)
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case json.Number:
			if n, err := s.Int64(); err == nil {
				return models.MapSeverityNumber(int(n))
			}
		case string:
			if strings.TrimSpace(s) != "" {
				return models.MapSeverity(s)
			}
		}
	}
	return models.SeverityUnknown
}

// derivePermalink builds a blob link from the commit or pull request URL.
func derivePermalink(m map[string]any, f models.Finding) string {
	repoURL := ""
	if u := lookupString(m, "commit_url"); u != "" {
		if i := strings.Index(u, "/commit/"); i > 0 {
			repoURL = u[:i]
		}
	} else if u := lookupString(m, "pr_url"); u != "" {
		if i := strings.Index(u, "/pull/"); i > 0 {
			repoURL = u[:i]
		}
	}
	if repoURL == "" || f.Path == "" {
		return ""
	}
	return fmt.Sprintf("%s/blob/main/%s#L%d-L%d", repoURL, f.Path, f.Line, f.EndLine)
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func arrayField(m map[string]any, key string) []any {
	list, _ := m[key].([]any)
	return list
}

// lookup resolves a dotted path through nested objects.
func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// lookupString returns the first non-empty scalar found at paths.
func lookupString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		case json.Number:
			return s.String()
		case bool:
			return strconv.FormatBool(s)
		}
	}
	return ""
}

func stringOr(m map[string]any, def string, paths ...string) string {
	if s := lookupString(m, paths...); s != "" {
		return s
	}
	return def
}

func lookupInt(m map[string]any, paths ...string) int {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
			if f, err := n.Float64(); err == nil {
				return int(f)
			}
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i
			}
		}
	}
	return 0
}

func intField(m map[string]any, key string) int {
	return lookupInt(m, key)
}
