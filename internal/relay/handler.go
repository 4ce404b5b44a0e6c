// Package relay turns verified webhook bodies into tickets, one finding at a
// time, recording every outcome in the activity log.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/dedup"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/normalize"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/priority"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/signature"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/templates"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/tracker"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// State is a step of the per-request, per-finding state machine:
//
//	received -> verified -> normalized -> duplicate
//	                                   -> eligible -> created | error
//	received -> rejected
type State string

const (
	StateReceived   State = "received"
	StateRejected   State = "rejected"
	StateVerified   State = "verified"
	StateNormalized State = "normalized"
	StateDuplicate  State = "duplicate"
	StateEligible   State = "eligible"
	StateCreated    State = "created"
	StateError      State = "error"
)

// Result is the terminal state of one finding.
type Result struct {
	FindingID string          `json:"finding_id"`
	State     State           `json:"state"`
	TicketID  string          `json:"ticket_id,omitempty"`
	TicketURL string          `json:"ticket_url,omitempty"`
	Priority  models.Priority `json:"priority,omitempty"`
	Error     string          `json:"error,omitempty"`
	Err       error           `json:"-"`
}

// Summary is the webhook response body.
type Summary struct {
	Received         int                    `json:"received"`
	Created          int                    `json:"created"`
	SkippedDuplicate int                    `json:"skipped_duplicate"`
	Errors           int                    `json:"errors"`
	EventType        string                 `json:"event_type,omitempty"`
	Scan             *normalize.ScanSummary `json:"scan,omitempty"`
	Warnings         []normalize.Warning    `json:"warnings,omitempty"`
	Results          []Result               `json:"results"`
}

// TicketCreator is satisfied by *tracker.Client.
type TicketCreator interface {
	CreateTicket(ctx context.Context, req tracker.TicketRequest) (tracker.Ticket, error)
}

// TicketFinder looks up an issue already filed for a finding in the tracker.
// *tracker.Client satisfies it.
type TicketFinder interface {
	FindTicket(ctx context.Context, teamID, findingID string) (tracker.Ticket, bool, error)
}

// Options wires a Handler. Template defaults to the bundled template and
// Activity to a fresh log.
type Options struct {
	Verifier  *signature.Verifier
	Store     dedup.Store
	Mapper    priority.Mapper
	Tickets   TicketCreator
	// Finder, when set, is consulted on a duplicate-store miss so issues
	// filed before a restart or by another instance are not repeated.
	Finder    TicketFinder
	Template  *templates.Template
	Activity  *activity.Log
	TeamID    string
	ProjectID string
}

// Handler runs the webhook pipeline.
type Handler struct {
	verifier  *signature.Verifier
	store     dedup.Store
	mapper    priority.Mapper
	tickets   TicketCreator
	finder    TicketFinder
	tmpl      *templates.Template
	activity  *activity.Log
	teamID    string
	projectID string

	inflight singleflight.Group
}

// New validates opts and returns a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Tickets == nil {
		return nil, fmt.Errorf("relay: a ticket creator is required")
	}
	if opts.Verifier == nil {
		opts.Verifier = signature.New("", false)
	}
	if opts.Store == nil {
		opts.Store = dedup.NewMemory()
	}
	if opts.Template == nil {
		t, err := templates.Default()
		if err != nil {
			return nil, fmt.Errorf("relay: loading default template: %w", err)
		}
		opts.Template = t
	}
	if opts.Activity == nil {
		opts.Activity = activity.New(activity.DefaultCapacity)
	}
	return &Handler{
		verifier:  opts.Verifier,
		store:     opts.Store,
		mapper:    opts.Mapper,
		tickets:   opts.Tickets,
		finder:    opts.Finder,
		tmpl:      opts.Template,
		activity:  opts.Activity,
		teamID:    opts.TeamID,
		projectID: opts.ProjectID,
	}, nil
}

// Activity returns the log the handler records into.
func (h *Handler) Activity() *activity.Log { return h.activity }

// Store returns the duplicate store.
func (h *Handler) Store() dedup.Store { return h.store }

// Handle verifies, normalises and processes one webhook body.
//
// A signature failure returns an authentication error and records one
// rejected entry. A payload that cannot be normalised returns a validation
// error and records nothing. Otherwise the summary is returned with a nil
// error, whatever happened to individual findings. Processing is detached
// from ctx cancellation so a client disconnect cannot abort a ticket call
// half way.
func (h *Handler) Handle(ctx context.Context, body []byte, sig string) (Summary, error) {
	start := time.Now()

	if err := h.verifier.Verify(body, sig); err != nil {
		slog.Warn("relay: webhook rejected", "state", StateRejected, "error", err)
		h.activity.Append(activity.Entry{Outcome: activity.OutcomeRejected, Message: relayerr.Message(err)})
		return Summary{}, err
	}

	batch, err := normalize.Normalize(body)
	if err != nil {
		slog.Warn("relay: webhook payload invalid", "error", err)
		h.activity.Count(activity.OutcomeInvalid)
		return Summary{}, err
	}
	for _, w := range batch.Warnings {
		slog.Warn("relay: finding skipped", "index", w.Index, "reason", w.Reason)
	}

	ctx = context.WithoutCancel(ctx)
	sum := Summary{
		Received:  len(batch.Findings),
		EventType: batch.EventType,
		Scan:      batch.Scan,
		Warnings:  batch.Warnings,
		Results:   make([]Result, 0, len(batch.Findings)),
	}
	for _, f := range batch.Findings {
		res := h.process(ctx, f)
		switch res.State {
		case StateCreated:
			sum.Created++
		case StateDuplicate:
			sum.SkippedDuplicate++
		case StateError:
			sum.Errors++
		}
		sum.Results = append(sum.Results, res)
	}

	slog.Info("relay: webhook processed",
		"event", batch.EventType,
		"received", sum.Received,
		"created", sum.Created,
		"skipped_duplicate", sum.SkippedDuplicate,
		"errors", sum.Errors,
		"warnings", len(batch.Warnings),
		"duration", time.Since(start))
	return sum, nil
}

// flight is the shared outcome of one finding's attempt. owner identifies the
// delivery that ran it.
type flight struct {
	owner *int
	res   Result
}

// process moves one normalised finding to its terminal state. Concurrent
// deliveries of the same finding ID within this process share one attempt;
// the deliveries that joined it report its ticket as a duplicate.
func (h *Handler) process(ctx context.Context, f models.Finding) Result {
	token := new(int)
	v, _, _ := h.inflight.Do(f.ID, func() (any, error) {
		return flight{owner: token, res: h.ticket(ctx, f)}, nil
	})
	fl := v.(flight)
	if fl.owner == token {
		return fl.res
	}
	if fl.res.TicketID == "" {
		// The shared attempt failed, so this delivery tries on its own.
		return h.ticket(ctx, f)
	}
	slog.Info("relay: concurrent delivery joined", "finding_id", f.ID, "ticket_id", fl.res.TicketID)
	return h.duplicate(newEntry(f), fl.res.TicketID, fl.res.TicketURL, "ticket created by concurrent delivery")
}

func newEntry(f models.Finding) activity.Entry {
	return activity.Entry{
		FindingID:  f.ID,
		Severity:   f.Severity,
		RuleID:     f.RuleID,
		Repository: f.Repository,
	}
}

// ticket checks the duplicate store, then the tracker, then creates.
func (h *Handler) ticket(ctx context.Context, f models.Finding) Result {
	entry := newEntry(f)

	if rec, ok := h.store.Get(f.ID); ok {
		slog.Info("relay: duplicate finding skipped", "finding_id", f.ID, "ticket_id", rec.TicketID)
		return h.duplicate(entry, rec.TicketID, "", "ticket already exists")
	}

	if ticket, ok := h.findExisting(ctx, f.ID); ok {
		ref := ticket.Ref()
		h.store.Record(f.ID, ref)
		slog.Info("relay: existing ticket found in tracker", "finding_id", f.ID, "ticket_id", ref)
		return h.duplicate(entry, ref, ticket.URL, "ticket found in tracker")
	}

	p := h.mapper.Map(f.Severity)
	res := Result{FindingID: f.ID, State: StateEligible, Priority: p}

	rendered, err := h.tmpl.Render(f, p)
	if err != nil {
		return h.fail(res, entry, fmt.Errorf("rendering ticket: %w", err))
	}

	ticket, err := h.tickets.CreateTicket(ctx, tracker.TicketRequest{
		FindingID:   f.ID,
		Title:       rendered.Title,
		Description: rendered.Description,
		TeamID:      h.teamID,
		ProjectID:   h.projectID,
		Priority:    p,
		Labels:      rendered.Labels,
	})
	if err != nil {
		return h.fail(res, entry, err)
	}

	ref := ticket.Ref()
	h.store.Record(f.ID, ref)

	entry.Outcome = activity.OutcomeCreated
	entry.TicketID = ref
	entry.TicketURL = ticket.URL
	entry.Message = rendered.Title
	h.activity.Append(entry)

	slog.Info("relay: ticket created", "finding_id", f.ID, "ticket_id", ref, "severity", f.Severity, "priority", p.String())
	res.State = StateCreated
	res.TicketID = ref
	res.TicketURL = ticket.URL
	return res
}

func (h *Handler) duplicate(entry activity.Entry, ref, url, message string) Result {
	entry.Outcome = activity.OutcomeSkippedDuplicate
	entry.TicketID = ref
	entry.TicketURL = url
	entry.Message = message
	h.activity.Append(entry)
	return Result{FindingID: entry.FindingID, State: StateDuplicate, TicketID: ref, TicketURL: url}
}

// findExisting asks the tracker for an issue filed for id. Lookup failures
// are logged and treated as not found.
func (h *Handler) findExisting(ctx context.Context, id string) (tracker.Ticket, bool) {
	if h.finder == nil {
		return tracker.Ticket{}, false
	}
	ticket, found, err := h.finder.FindTicket(ctx, h.teamID, id)
	if err != nil {
		slog.Warn("relay: existing ticket lookup failed, creating", "finding_id", id, "error", err)
		return tracker.Ticket{}, false
	}
	return ticket, found
}

func (h *Handler) fail(res Result, entry activity.Entry, err error) Result {
	entry.Outcome = activity.OutcomeError
	entry.Message = err.Error()
	h.activity.Append(entry)

	slog.Error("relay: finding not ticketed", "finding_id", res.FindingID, "error", err)
	res.State = StateError
	res.Err = err
	res.Error = relayerr.Message(err)
	return res
}
