package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/signature"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

type fakeChannel struct {
	configured bool
	sent       []Event
	err        error
}

func (f *fakeChannel) Name() string       { return "fake" }
func (f *fakeChannel) IsConfigured() bool { return f.configured }
func (f *fakeChannel) Send(_ context.Context, evt Event) error {
	f.sent = append(f.sent, evt)
	return f.err
}

func TestDispatcherFiltersBySeverityAndEvent(t *testing.T) {
	ch := &fakeChannel{configured: true, err: errors.New("ignored")}
	off := &fakeChannel{}
	d := NewDispatcherWithChannels(config.NotifyConfig{MinSeverity: "critical"}, ch, off)
	assert.True(t, d.IsAnyConfigured())
	assert.Equal(t, []string{"fake"}, d.Channels())

	ctx := context.Background()
	d.Notify(ctx, Event{Type: EventTicketCreated, Severity: models.SeverityHigh})
	d.Notify(ctx, Event{Type: EventTicketCreated, Severity: models.SeverityCritical})
	d.Notify(ctx, Event{Type: EventDeliveryFailed, Severity: models.SeverityLow})
	d.Notify(ctx, Event{Type: "something_else"})

	require.Len(t, ch.sent, 2)
	assert.Equal(t, models.SeverityCritical, ch.sent[0].Severity)
	assert.Equal(t, EventDeliveryFailed, ch.sent[1].Type)
	assert.Empty(t, off.sent)
}

func TestDispatcherEventsOverride(t *testing.T) {
	ch := &fakeChannel{configured: true}
	d := NewDispatcherWithChannels(config.NotifyConfig{Events: []string{EventDeliveryFailed}}, ch)
	d.Notify(context.Background(), Event{Type: EventTicketCreated, Severity: models.SeverityCritical})
	assert.Empty(t, ch.sent)
}

func TestDispatcherAsActivitySink(t *testing.T) {
	ch := &fakeChannel{configured: true}
	d := NewDispatcherWithChannels(config.NotifyConfig{MinSeverity: "high"}, ch)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, activity.Entry{Outcome: activity.OutcomeCreated, Severity: models.SeverityHigh, TicketID: "SEC-1", FindingID: "f1"}))
	require.NoError(t, d.Publish(ctx, activity.Entry{Outcome: activity.OutcomeSkippedDuplicate, Severity: models.SeverityCritical}))
	require.NoError(t, d.Publish(ctx, activity.Entry{Outcome: activity.OutcomeError, FindingID: "f2", Message: "tracker down"}))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, EventTicketCreated, ch.sent[0].Type)
	assert.Equal(t, "SEC-1", ch.sent[0].TicketID)
	assert.Equal(t, EventDeliveryFailed, ch.sent[1].Type)
	assert.Equal(t, "tracker down", ch.sent[1].Body)
}

func TestWebhookChannelSignsBody(t *testing.T) {
	var gotSig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhook(config.WebhookNotifyConfig{URL: srv.URL, Secret: "s3cret"})
	require.True(t, ch.IsConfigured())
	require.NoError(t, ch.Send(context.Background(), Event{Type: EventTicketCreated, FindingID: "f1"}))

	assert.Equal(t, signature.Sign("s3cret", body), gotSig)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "f1", payload["finding_id"])
	assert.Equal(t, EventTicketCreated, payload["event"])

	unsigned := NewWebhook(config.WebhookNotifyConfig{URL: srv.URL})
	require.NoError(t, unsigned.Send(context.Background(), Event{Type: EventTicketCreated, RuleID: "go.lang.x", FindingID: "f2"}))
	assert.Empty(t, gotSig)
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "go.lang.x", payload["rule_id"])
}

func TestSlackChannel(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	ch := NewSlack(config.SlackNotifyConfig{WebhookURL: srv.URL})
	require.NoError(t, ch.Send(context.Background(), Event{Title: "hello", Severity: models.SeverityCritical, URL: "https://x"}))
	assert.Equal(t, "hello", payload["text"])
	att := payload["attachments"].([]any)[0].(map[string]any)
	assert.Equal(t, "#B91C1C", att["color"])
	assert.Equal(t, "https://x", att["title_link"])
	assert.Equal(t, "ctrlscan-relay", att["footer"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	assert.Error(t, NewSlack(config.SlackNotifyConfig{WebhookURL: failing.URL}).Send(context.Background(), Event{}))
	assert.False(t, NewSlack(config.SlackNotifyConfig{}).IsConfigured())
}

func TestSlackMessageFields(t *testing.T) {
	now := time.Unix(1700000000, 0)
	msg := slackMessageFor(Event{
		Type:       EventTicketCreated,
		Title:      "[HIGH] python.sqli in acme/api",
		Severity:   models.SeverityHigh,
		URL:        "https://linear.app/acme/issue/SEC-7",
		Repository: "acme/api",
		RuleID:     "python.sqli",
		FindingID:  "f1",
		TicketID:   "SEC-7",
	}, now)

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "#EA580C", att.Color)
	assert.Equal(t, int64(1700000000), att.Timestamp)
	assert.Equal(t, []slackField{
		{Title: "Severity", Value: "HIGH", Short: true},
		{Title: "Ticket", Value: "<https://linear.app/acme/issue/SEC-7|SEC-7>", Short: true},
		{Title: "Rule", Value: "python.sqli"},
		{Title: "Repository", Value: "acme/api", Short: true},
		{Title: "Finding", Value: "f1", Short: true},
	}, att.Fields)
}

func TestSlackMessageDeliveryFailed(t *testing.T) {
	msg := slackMessageFor(Event{
		Type:      EventDeliveryFailed,
		Title:     "ticket creation failed",
		Severity:  models.SeverityLow,
		FindingID: "f2",
		TicketID:  "SEC-9",
	}, time.Now())

	att := msg.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Empty(t, att.TitleLink)
	// without a URL the ticket is shown as plain text
	assert.Contains(t, att.Fields, slackField{Title: "Ticket", Value: "SEC-9", Short: true})
	for _, f := range att.Fields {
		assert.NotEqual(t, "Rule", f.Title)
	}
}
