// Package tracker creates tickets in an issue tracker with bounded retries.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// TicketRequest is everything a backend needs to open one issue.
type TicketRequest struct {
	FindingID   string
	Title       string
	Description string
	TeamID      string
	ProjectID   string
	Priority    models.Priority
	Labels      []string
}

// Ticket is the created issue.
type Ticket struct {
	// ID is the tracker's internal identifier.
	ID string `json:"id"`
	// Identifier is the human-readable key, e.g. "SEC-123" or "#42".
	Identifier string `json:"identifier"`
	URL        string `json:"url,omitempty"`
}

// Ref returns the most useful identifier for logs and responses.
func (t Ticket) Ref() string {
	if t.Identifier != "" {
		return t.Identifier
	}
	return t.ID
}

// Tracker is a single-attempt ticket backend. Retries live in Client.
type Tracker interface {
	Name() string
	CreateIssue(ctx context.Context, req TicketRequest) (Ticket, error)
	// Ping verifies credentials and reachability.
	Ping(ctx context.Context) error
}

// Finder is implemented by backends that can search for an issue already
// filed for a finding. found is false when no issue mentions findingID.
type Finder interface {
	FindIssue(ctx context.Context, teamID, findingID string) (ticket Ticket, found bool, err error)
}

// New returns the backend selected by cfg.Tracker.Provider.
func New(cfg config.TrackerConfig) (Tracker, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "linear":
		return NewLinear(cfg), nil
	case "github":
		return NewGitHub(cfg)
	case "gitlab":
		return NewGitLab(cfg)
	default:
		return nil, fmt.Errorf("unsupported tracker provider %q (supported: linear, github, gitlab)", cfg.Provider)
	}
}

// priorityLabel is how trackers without a priority field carry it.
func priorityLabel(p models.Priority) string {
	if !p.Valid() {
		return ""
	}
	return "priority:" + p.String()
}

func withPriorityLabel(labels []string, p models.Priority) []string {
	out := make([]string, 0, len(labels)+1)
	out = append(out, labels...)
	if l := priorityLabel(p); l != "" {
		out = append(out, l)
	}
	return out
}
