package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
)

// GitLab files findings as GitLab issues. Priority is carried as a label.
type GitLab struct {
	client  *gitlab.Client
	project string
	labels  []string
}

// NewGitLab creates a GitLab backend for cfg.Repository (project path or ID).
// The client's built-in retries are disabled; Client owns the retry policy.
func NewGitLab(cfg config.TrackerConfig) (*GitLab, error) {
	project := strings.Trim(cfg.Repository, "/")
	if project == "" {
		return nil, fmt.Errorf("gitlab tracker needs repository (project path or ID)")
	}

	opts := []gitlab.ClientOptionFunc{gitlab.WithoutRetries()}
	if base := enterpriseBase(cfg.BaseURL, "gitlab.com"); base != "" {
		opts = append(opts, gitlab.WithBaseURL(base))
	}

	client, err := gitlab.NewClient(cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}

	return &GitLab{client: client, project: project, labels: cfg.Labels}, nil
}

func (g *GitLab) Name() string { return "gitlab" }

func (g *GitLab) CreateIssue(ctx context.Context, req TicketRequest) (Ticket, error) {
	labels := gitlab.LabelOptions(withPriorityLabel(append(append([]string{}, g.labels...), req.Labels...), req.Priority))
	issue, resp, err := g.client.Issues.CreateIssue(g.project, &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(req.Title),
		Description: gitlab.Ptr(req.Description),
		Labels:      &labels,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return Ticket{}, g.wrap(err, resp)
	}
	if issue == nil || issue.IID == 0 {
		return Ticket{}, fmt.Errorf("%w: issue iid missing", ErrMalformedResponse)
	}
	return Ticket{
		ID:         strconv.FormatInt(int64(issue.ID), 10),
		Identifier: "#" + strconv.FormatInt(int64(issue.IID), 10),
		URL:        issue.WebURL,
	}, nil
}

func (g *GitLab) Ping(ctx context.Context) error {
	_, resp, err := g.client.Projects.GetProject(g.project, nil, gitlab.WithContext(ctx))
	if err != nil {
		return g.wrap(err, resp)
	}
	return nil
}

func (g *GitLab) wrap(err error, resp *gitlab.Response) error {
	var respErr *gitlab.ErrorResponse
	if errors.As(err, &respErr) {
		return apiErrorFromResponse(g.Name(), respErr.Response, respErr.Message)
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 300 {
		return apiErrorFromResponse(g.Name(), resp.Response, err.Error())
	}
	return err
}
