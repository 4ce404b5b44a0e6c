package notify

import (
	"context"

	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

const (
	// EventTicketCreated fires when a finding produced a new ticket.
	EventTicketCreated = "ticket_created"
	// EventDeliveryFailed fires when the tracker did not accept a ticket.
	EventDeliveryFailed = "delivery_failed"
)

// Event represents a notification raised by the relay.
type Event struct {
	Type       string // EventTicketCreated | EventDeliveryFailed
	Title      string
	Body       string
	URL        string // ticket link when known
	Severity   models.SeverityLevel
	Repository string
	RuleID     string
	FindingID  string
	TicketID   string
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
