package models

// Finding is one scanner result normalised from a webhook payload.
// ID is scanner-assigned and stable across redeliveries; it is the dedup key.
type Finding struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	RuleName   string        `json:"rule_name"`
	Severity   SeverityLevel `json:"severity"`
	Path       string        `json:"path"`
	Line       int           `json:"line"`
	EndLine    int           `json:"end_line"`
	Snippet    string        `json:"snippet,omitempty"`
	Message    string        `json:"message"`
	Repository string        `json:"repository"`
	Permalink  string        `json:"permalink,omitempty"`
}

// UnknownRepository is used when the payload does not name a repository.
const UnknownRepository = "unknown"
