package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

func newGitLabServer(t *testing.T, h http.HandlerFunc) *GitLab {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The client calls the API root once to size its rate limiter.
		if r.Method == http.MethodHead {
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	gl, err := NewGitLab(config.TrackerConfig{APIKey: "glpat-x", Repository: "acme/api", BaseURL: srv.URL})
	require.NoError(t, err)
	return gl
}

func TestGitLabCreateIssue(t *testing.T) {
	var body map[string]any
	gl := newGitLabServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasPrefix(r.URL.Path, "/api/v4/projects/"), r.URL.Path)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/issues"), r.URL.Path)
		assert.Equal(t, "glpat-x", r.Header.Get("PRIVATE-TOKEN"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":555,"iid":7,"web_url":"https://gitlab.example/acme/api/-/issues/7"}`))
	})

	ticket, err := gl.CreateIssue(context.Background(), TicketRequest{Title: "t", Description: "d", Priority: models.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, "#7", ticket.Ref())
	assert.Equal(t, "555", ticket.ID)
	assert.Equal(t, "https://gitlab.example/acme/api/-/issues/7", ticket.URL)
	assert.Equal(t, "t", body["title"])
	assert.Contains(t, body["labels"], "priority:low")
}

func TestGitLabErrorsAreClassified(t *testing.T) {
	for status, transient := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusForbidden:           false,
		http.StatusBadRequest:          false,
	} {
		gl := newGitLabServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		})
		_, err := gl.CreateIssue(context.Background(), TicketRequest{Title: "t"})
		require.Error(t, err, "status %d", status)
		c := classify(err)
		assert.Equal(t, transient, c.transient, "status %d", status)
		assert.Equal(t, status, c.status)
	}
}

func TestNewGitLabRequiresProject(t *testing.T) {
	_, err := NewGitLab(config.TrackerConfig{APIKey: "x"})
	assert.Error(t, err)
}
