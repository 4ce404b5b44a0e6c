package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	minSev   models.SeverityLevel // applies to ticket_created only
	events   map[string]bool
}

// defaultEvents is used when cfg.Events is empty.
var defaultEvents = map[string]bool{
	EventTicketCreated:  true,
	EventDeliveryFailed: true,
}

// NewDispatcher creates a Dispatcher from the given config.
// Only channels with IsConfigured() == true are active.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	return NewDispatcherWithChannels(cfg, NewSlack(cfg.Slack), NewWebhook(cfg.Webhook))
}

// NewDispatcherWithChannels is NewDispatcher with explicit channels.
func NewDispatcherWithChannels(cfg config.NotifyConfig, channels ...Channel) *Dispatcher {
	d := &Dispatcher{}
	if cfg.MinSeverity != "" {
		d.minSev = models.MapSeverity(cfg.MinSeverity)
	}
	if len(cfg.Events) > 0 {
		d.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			d.events[e] = true
		}
	} else {
		d.events = defaultEvents
	}
	for _, ch := range channels {
		if ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool {
	return len(d.channels) > 0
}

// Channels returns the names of the active channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify sends evt to all configured channels. Errors are logged but never returned.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if !d.shouldSend(evt) {
		return
	}
	for _, ch := range d.channels {
		if err := ch.Send(ctx, evt); err != nil {
			slog.Warn("notify: channel send failed", "channel", ch.Name(), "event", evt.Type, "error", err)
		}
	}
}

func (d *Dispatcher) shouldSend(evt Event) bool {
	if len(d.events) > 0 && !d.events[evt.Type] {
		return false
	}
	if evt.Type == EventTicketCreated && d.minSev != "" {
		return evt.Severity.AtLeast(d.minSev)
	}
	return true
}

// Name makes the Dispatcher an activity.Sink.
func (d *Dispatcher) Name() string { return "notify" }

// Publish turns created and error activity entries into events.
func (d *Dispatcher) Publish(ctx context.Context, e activity.Entry) error {
	evt, ok := eventFor(e)
	if !ok {
		return nil
	}
	d.Notify(ctx, evt)
	return nil
}

func eventFor(e activity.Entry) (Event, bool) {
	evt := Event{
		URL:        e.TicketURL,
		Severity:   e.Severity,
		Repository: e.Repository,
		RuleID:     e.RuleID,
		FindingID:  e.FindingID,
		TicketID:   e.TicketID,
	}
	switch e.Outcome {
	case activity.OutcomeCreated:
		evt.Type = EventTicketCreated
		evt.Title = fmt.Sprintf("%s finding ticketed as %s", e.Severity, e.TicketID)
		evt.Body = fmt.Sprintf("Rule %s in %s (finding %s)", e.RuleID, e.Repository, e.FindingID)
	case activity.OutcomeError:
		evt.Type = EventDeliveryFailed
		evt.Title = fmt.Sprintf("Ticket creation failed for finding %s", e.FindingID)
		evt.Body = e.Message
	default:
		return Event{}, false
	}
	return evt, true
}
