package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newLinear(t *testing.T, h http.HandlerFunc) *Linear {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewLinear(config.TrackerConfig{APIKey: "lin_api_x", TeamID: "team-1", BaseURL: srv.URL})
}

func TestLinearCreateIssue(t *testing.T) {
	var got gqlRequest
	lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lin_api_x", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"issueCreate":{"success":true,"issue":{"id":"uuid-9","identifier":"SEC-9","url":"https://linear.app/x/SEC-9"}}}}`))
	})

	ticket, err := lin.CreateIssue(context.Background(), TicketRequest{
		Title: "[Semgrep] HIGH: rule in repo", Description: "body", Priority: models.PriorityUrgent, ProjectID: "proj-1",
	})
	require.NoError(t, err)
	assert.Equal(t, Ticket{ID: "uuid-9", Identifier: "SEC-9", URL: "https://linear.app/x/SEC-9"}, ticket)

	input := got.Variables["input"].(map[string]any)
	assert.Equal(t, "team-1", input["teamId"])
	assert.Equal(t, "proj-1", input["projectId"])
	assert.EqualValues(t, 1, input["priority"])
	assert.NotContains(t, input, "labelIds")
}

func TestLinearResolvesLabelsOnce(t *testing.T) {
	var labelQueries int32
	var lastInput map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.Contains(req.Query, "TeamLabels") {
			atomic.AddInt32(&labelQueries, 1)
			_, _ = w.Write([]byte(`{"data":{"team":{"labels":{"nodes":[{"id":"l-sec","name":"Security"},{"id":"l-sg","name":"semgrep"}]}}}}`))
			return
		}
		lastInput = req.Variables["input"].(map[string]any)
		_, _ = w.Write([]byte(`{"data":{"issueCreate":{"success":true,"issue":{"id":"u","identifier":"SEC-1"}}}}`))
	}))
	t.Cleanup(srv.Close)
	lin := NewLinear(config.TrackerConfig{APIKey: "k", TeamID: "team-1", BaseURL: srv.URL, Labels: []string{"security"}})

	for i := 0; i < 2; i++ {
		_, err := lin.CreateIssue(context.Background(), TicketRequest{Title: "t", Labels: []string{"semgrep", "missing"}})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&labelQueries))
	assert.Equal(t, []any{"l-sec", "l-sg"}, lastInput["labelIds"])
}

func TestLinearRefetchesLabelsAfterFailure(t *testing.T) {
	var labelQueries int32
	var withLabels int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.Contains(req.Query, "TeamLabels") {
			if atomic.AddInt32(&labelQueries, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"data":{"team":{"labels":{"nodes":[{"id":"l-sec","name":"security"}]}}}}`))
			return
		}
		if _, ok := req.Variables["input"].(map[string]any)["labelIds"]; ok {
			atomic.AddInt32(&withLabels, 1)
		}
		_, _ = w.Write([]byte(`{"data":{"issueCreate":{"success":true,"issue":{"id":"u","identifier":"SEC-1"}}}}`))
	}))
	t.Cleanup(srv.Close)
	lin := NewLinear(config.TrackerConfig{APIKey: "k", TeamID: "team-1", BaseURL: srv.URL, Labels: []string{"security"}})

	for i := 0; i < 5; i++ {
		_, err := lin.CreateIssue(context.Background(), TicketRequest{Title: "t"})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&labelQueries), "one failed fetch, one successful fetch, then cached")
	assert.EqualValues(t, 4, atomic.LoadInt32(&withLabels))
}

func TestLinearFindIssue(t *testing.T) {
	var got gqlRequest
	lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"issues":{"nodes":[
			{"id":"u-10","identifier":"SEC-10","url":"https://linear.app/x/SEC-10","description":"**Finding ID:** ` + "`f10`" + `"},
			{"id":"u-1","identifier":"SEC-1","url":"https://linear.app/x/SEC-1","description":"**Finding ID:** ` + "`f1`" + `"}
		]}}}`))
	})

	ticket, found, err := lin.FindIssue(context.Background(), "", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Ticket{ID: "u-1", Identifier: "SEC-1", URL: "https://linear.app/x/SEC-1"}, ticket)

	filter := got.Variables["filter"].(map[string]any)
	assert.Equal(t, map[string]any{"contains": "f1"}, filter["description"])
	assert.Equal(t, map[string]any{"id": map[string]any{"eq": "team-1"}}, filter["team"])
}

func TestLinearFindIssueNotFound(t *testing.T) {
	lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"issues":{"nodes":[{"id":"u-10","identifier":"SEC-10","description":"finding f10"}]}}}`))
	})
	_, found, err := lin.FindIssue(context.Background(), "team-1", "f1")
	require.NoError(t, err)
	assert.False(t, found)

	lin = newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, found, err = lin.FindIssue(context.Background(), "team-1", "f1")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestMentionsToken(t *testing.T) {
	tests := []struct {
		s, tok string
		want   bool
	}{
		{"id `f1`", "f1", true},
		{"f1", "f1", true},
		{"see f1.", "f1", true},
		{"f10 and xf1", "f1", false},
		{"f10 then f1", "f1", true},
		{"abc-123", "123", false},
		{"", "f1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mentionsToken(tt.s, tt.tok), "%q in %q", tt.tok, tt.s)
	}
}

func TestClientFindTicket(t *testing.T) {
	c := NewClient(&scripted{}, Options{})
	_, found, err := c.FindTicket(context.Background(), "team-1", "f1")
	require.NoError(t, err)
	assert.False(t, found, "backends without search report not found")

	lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"issues":{"nodes":[{"id":"u-1","identifier":"SEC-1","description":"f1"}]}}}`))
	})
	ticket, found, err := NewClient(lin, Options{}).FindTicket(context.Background(), "", "f1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "SEC-1", ticket.Ref())
}

func TestLinearGraphQLErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		malformed bool
	}{
		{"auth error", 200, `{"errors":[{"message":"Authentication required","extensions":{"code":"AUTHENTICATION_ERROR"}}]}`, false, false},
		{"rate limited in body", 200, `{"errors":[{"message":"Rate limit exceeded","extensions":{"code":"RATELIMITED"}}]}`, true, false},
		{"rate limited status", 429, `{"errors":[{"message":"slow"}]}`, true, false},
		{"server error", 500, `oops`, true, false},
		{"bad request", 400, `{"errors":[{"message":"Argument Validation Error"}]}`, false, false},
		{"not json", 200, `<html>`, false, true},
		{"no data", 200, `{}`, false, true},
		{"success false", 200, `{"data":{"issueCreate":{"success":false}}}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := lin.CreateIssue(context.Background(), TicketRequest{Title: "t"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, classify(err).transient)
			assert.Equal(t, tt.malformed, strings.Contains(err.Error(), ErrMalformedResponse.Error()))
		})
	}
}

func TestLinearThroughClientRetriesRateLimit(t *testing.T) {
	var calls int32
	lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Rate limit exceeded","extensions":{"code":"RATELIMITED"}}]}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"issueCreate":{"success":true,"issue":{"id":"u-3","identifier":"SEC-3"}}}}`))
	})
	c, slept := newTestClient(lin, Options{Attempts: 3, RetryDelay: time.Millisecond, MaxRetryDelay: time.Minute})

	ticket, err := c.CreateTicket(context.Background(), TicketRequest{FindingID: "f", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "SEC-3", ticket.Ref())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *slept)
}

func TestLinearPing(t *testing.T) {
	lin := newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"viewer":{"id":"me"}}}`))
	})
	assert.NoError(t, lin.Ping(context.Background()))

	lin = newLinear(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.Error(t, lin.Ping(context.Background()))
}

func TestNewSelectsProvider(t *testing.T) {
	tr, err := New(config.TrackerConfig{})
	require.NoError(t, err)
	assert.Equal(t, "linear", tr.Name())

	tr, err = New(config.TrackerConfig{Provider: "GitHub", Repository: "acme/api", APIKey: "t"})
	require.NoError(t, err)
	assert.Equal(t, "github", tr.Name())

	tr, err = New(config.TrackerConfig{Provider: "gitlab", Repository: "acme/api", APIKey: "t"})
	require.NoError(t, err)
	assert.Equal(t, "gitlab", tr.Name())

	_, err = New(config.TrackerConfig{Provider: "jira"})
	assert.Error(t, err)

	_, err = New(config.TrackerConfig{Provider: "github", Repository: "no-slash"})
	assert.Error(t, err)
}

func TestWithPriorityLabel(t *testing.T) {
	assert.Equal(t, []string{"a", "priority:urgent"}, withPriorityLabel([]string{"a"}, models.PriorityUrgent))
	assert.Equal(t, []string{"a"}, withPriorityLabel([]string{"a"}, models.PriorityNone))
}
