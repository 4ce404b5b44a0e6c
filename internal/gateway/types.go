package gateway

import "time"

// SSEEvent is serialised as JSON and pushed over the GET /events SSE stream.
type SSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Status is a live snapshot of the relay, sent on /api/stats and as the
// periodic "stats.update" SSE event.
type Status struct {
	Configured    bool           `json:"configured"`
	Missing       []string       `json:"missing,omitempty"`
	Tracker       string         `json:"tracker"`
	DedupRecords  int            `json:"dedup_records"`
	DedupMirror   string         `json:"dedup_mirror,omitempty"`
	Activity      ActivityStatus `json:"activity"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartedAt     time.Time      `json:"started_at"`
}

// ActivityStatus mirrors activity.Stats with string keys for JSON.
type ActivityStatus struct {
	Total     int64            `json:"total"`
	ByOutcome map[string]int64 `json:"by_outcome"`
	Retained  int              `json:"retained"`
	Capacity  int              `json:"capacity"`
}

// readyResponse is the /ready body.
type readyResponse struct {
	Ready   bool     `json:"ready"`
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Tracker string   `json:"tracker,omitempty"`
}
