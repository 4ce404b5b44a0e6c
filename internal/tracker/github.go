package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
)

// GitHub files findings as GitHub Issues. Priority is carried as a label.
type GitHub struct {
	client *gogithub.Client
	owner  string
	repo   string
	labels []string
}

// NewGitHub creates a GitHub backend for cfg.Repository ("owner/repo").
// BaseURL selects GitHub Enterprise, either as a host or a full URL.
func NewGitHub(cfg config.TrackerConfig) (*GitHub, error) {
	owner, repo, ok := strings.Cut(strings.Trim(cfg.Repository, "/"), "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github tracker needs repository as owner/repo, got %q", cfg.Repository)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
	tc := oauth2.NewClient(context.Background(), ts)
	client := gogithub.NewClient(tc)

	if base := enterpriseBase(cfg.BaseURL, "github.com"); base != "" {
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
		}
	}

	return &GitHub{client: client, owner: owner, repo: repo, labels: cfg.Labels}, nil
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) CreateIssue(ctx context.Context, req TicketRequest) (Ticket, error) {
	labels := withPriorityLabel(append(append([]string{}, g.labels...), req.Labels...), req.Priority)
	issue, resp, err := g.client.Issues.Create(ctx, g.owner, g.repo, &gogithub.IssueRequest{
		Title:  gogithub.Ptr(req.Title),
		Body:   gogithub.Ptr(req.Description),
		Labels: &labels,
	})
	if err != nil {
		return Ticket{}, g.wrap(err, resp)
	}
	if issue == nil || issue.GetNumber() == 0 {
		return Ticket{}, fmt.Errorf("%w: issue number missing", ErrMalformedResponse)
	}
	return Ticket{
		ID:         strconv.FormatInt(issue.GetID(), 10),
		Identifier: "#" + strconv.Itoa(issue.GetNumber()),
		URL:        issue.GetHTMLURL(),
	}, nil
}

func (g *GitHub) Ping(ctx context.Context) error {
	_, resp, err := g.client.Repositories.Get(ctx, g.owner, g.repo)
	if err != nil {
		return g.wrap(err, resp)
	}
	return nil
}

// wrap converts go-github errors into APIError so classify can see the
// status and rate-limit hints. Transport errors pass through.
func (g *GitHub) wrap(err error, resp *gogithub.Response) error {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		e := &APIError{Tracker: g.Name(), StatusCode: http.StatusForbidden, Message: rateErr.Message, Temporary: true, Code: "RATE_LIMITED"}
		if rateErr.Response != nil {
			e.StatusCode = rateErr.Response.StatusCode
		}
		if d := time.Until(rateErr.Rate.Reset.Time); d > 0 {
			e.RetryAfter = d
		}
		return e
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		e := &APIError{Tracker: g.Name(), StatusCode: http.StatusForbidden, Message: abuseErr.Message, Temporary: true, Code: "SECONDARY_RATE_LIMIT"}
		if abuseErr.Response != nil {
			e.StatusCode = abuseErr.Response.StatusCode
		}
		if abuseErr.RetryAfter != nil {
			e.RetryAfter = *abuseErr.RetryAfter
		}
		return e
	}
	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) {
		return apiErrorFromResponse(g.Name(), respErr.Response, respErr.Message)
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 300 {
		return apiErrorFromResponse(g.Name(), resp.Response, err.Error())
	}
	return err
}

// enterpriseBase returns the API base for a self-hosted instance, or "" for
// the public service. raw may be a bare host or a URL.
func enterpriseBase(raw, public string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == public {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/") + "/"
}
