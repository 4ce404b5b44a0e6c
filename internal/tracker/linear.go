package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
)

// DefaultLinearEndpoint is Linear's GraphQL API.
const DefaultLinearEndpoint = "https://api.linear.app/graphql"

const maxResponseBytes = 1 << 20

const issueCreateMutation = `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) {
    success
    issue { id identifier url }
  }
}`

const teamLabelsQuery = `query TeamLabels($teamId: String!) {
  team(id: $teamId) {
    labels(first: 250) { nodes { id name } }
  }
}`

const findIssuesQuery = `query FindIssues($filter: IssueFilter) {
  issues(filter: $filter, first: 20) {
    nodes { id identifier url description }
  }
}`

const viewerQuery = `query Viewer { viewer { id } }`

// Linear creates issues through Linear's GraphQL API.
type Linear struct {
	endpoint  string
	apiKey    string
	teamID    string
	projectID string
	labels    []string
	http      *http.Client

	labelsMu     sync.Mutex
	labelsLoaded bool
	labelIDs     map[string]string
}

// NewLinear builds a Linear backend. Timeouts are applied per attempt by
// Client, so the HTTP client has none of its own.
func NewLinear(cfg config.TrackerConfig) *Linear {
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = DefaultLinearEndpoint
	}
	return &Linear{
		endpoint:  endpoint,
		apiKey:    cfg.APIKey,
		teamID:    cfg.TeamID,
		projectID: cfg.ProjectID,
		labels:    cfg.Labels,
		http:      &http.Client{},
	}
}

func (l *Linear) Name() string { return "linear" }

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// linearTransientCodes are GraphQL error codes worth retrying.
var linearTransientCodes = map[string]bool{
	"RATELIMITED":           true,
	"INTERNAL_SERVER_ERROR": true,
}

func (l *Linear) CreateIssue(ctx context.Context, req TicketRequest) (Ticket, error) {
	teamID := req.TeamID
	if teamID == "" {
		teamID = l.teamID
	}
	input := map[string]any{
		"teamId":      teamID,
		"title":       req.Title,
		"description": req.Description,
	}
	if req.Priority.Valid() {
		input["priority"] = int(req.Priority)
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = l.projectID
	}
	if projectID != "" {
		input["projectId"] = projectID
	}
	if ids := l.resolveLabels(ctx, teamID, append(append([]string{}, l.labels...), req.Labels...)); len(ids) > 0 {
		input["labelIds"] = ids
	}

	var out struct {
		IssueCreate *struct {
			Success bool `json:"success"`
			Issue   *struct {
				ID         string `json:"id"`
				Identifier string `json:"identifier"`
				URL        string `json:"url"`
			} `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := l.do(ctx, issueCreateMutation, map[string]any{"input": input}, &out); err != nil {
		return Ticket{}, err
	}
	if out.IssueCreate == nil {
		return Ticket{}, fmt.Errorf("%w: issueCreate missing", ErrMalformedResponse)
	}
	if !out.IssueCreate.Success || out.IssueCreate.Issue == nil {
		return Ticket{}, &APIError{Tracker: l.Name(), StatusCode: http.StatusOK, Message: "issueCreate returned success=false"}
	}
	iss := out.IssueCreate.Issue
	if iss.ID == "" {
		return Ticket{}, fmt.Errorf("%w: issue id missing", ErrMalformedResponse)
	}
	return Ticket{ID: iss.ID, Identifier: iss.Identifier, URL: iss.URL}, nil
}

func (l *Linear) Ping(ctx context.Context) error {
	var out struct {
		Viewer *struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	if err := l.do(ctx, viewerQuery, nil, &out); err != nil {
		return err
	}
	if out.Viewer == nil || out.Viewer.ID == "" {
		return fmt.Errorf("%w: viewer missing", ErrMalformedResponse)
	}
	return nil
}

// FindIssue returns the first issue in teamID whose description mentions
// findingID as a whole token.
func (l *Linear) FindIssue(ctx context.Context, teamID, findingID string) (Ticket, bool, error) {
	if findingID == "" {
		return Ticket{}, false, nil
	}
	if teamID == "" {
		teamID = l.teamID
	}
	filter := map[string]any{
		"description": map[string]any{"contains": findingID},
	}
	if teamID != "" {
		filter["team"] = map[string]any{"id": map[string]any{"eq": teamID}}
	}

	var out struct {
		Issues *struct {
			Nodes []struct {
				ID          string `json:"id"`
				Identifier  string `json:"identifier"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"nodes"`
		} `json:"issues"`
	}
	if err := l.do(ctx, findIssuesQuery, map[string]any{"filter": filter}, &out); err != nil {
		return Ticket{}, false, err
	}
	if out.Issues == nil {
		return Ticket{}, false, fmt.Errorf("%w: issues missing", ErrMalformedResponse)
	}
	for _, n := range out.Issues.Nodes {
		if n.ID != "" && mentionsToken(n.Description, findingID) {
			return Ticket{ID: n.ID, Identifier: n.Identifier, URL: n.URL}, true, nil
		}
	}
	return Ticket{}, false, nil
}

// mentionsToken reports whether tok occurs in s without an identifier
// character on either side, so "f1" does not match inside "f10".
func mentionsToken(s, tok string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], tok)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(tok)
		if (start == 0 || !isTokenByte(s[start-1])) && (end == len(s) || !isTokenByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isTokenByte(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// resolveLabels maps label names to Linear label IDs using the team's labels.
// The label list is cached after the first successful fetch; a failed fetch
// is retried on the next call. Names that do not exist are dropped.
func (l *Linear) resolveLabels(ctx context.Context, teamID string, names []string) []string {
	if len(names) == 0 || teamID == "" {
		return nil
	}
	labelIDs, err := l.teamLabels(ctx, teamID)
	if err != nil {
		slog.Warn("tracker: fetching linear labels failed, creating issue without labels", "error", err)
		return nil
	}

	seen := map[string]bool{}
	var ids []string
	for _, name := range names {
		id, ok := labelIDs[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			slog.Debug("tracker: unknown linear label", "label", name)
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func (l *Linear) teamLabels(ctx context.Context, teamID string) (map[string]string, error) {
	l.labelsMu.Lock()
	defer l.labelsMu.Unlock()
	if l.labelsLoaded {
		return l.labelIDs, nil
	}

	var out struct {
		Team *struct {
			Labels struct {
				Nodes []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
		} `json:"team"`
	}
	if err := l.do(ctx, teamLabelsQuery, map[string]any{"teamId": teamID}, &out); err != nil {
		return nil, err
	}
	labelIDs := map[string]string{}
	if out.Team != nil {
		for _, n := range out.Team.Labels.Nodes {
			labelIDs[strings.ToLower(n.Name)] = n.ID
		}
	}
	l.labelIDs = labelIDs
	l.labelsLoaded = true
	return labelIDs, nil
}

// do runs one GraphQL operation and decodes data into out.
func (l *Linear) do(ctx context.Context, query string, variables map[string]any, out any) error {
	payload := map[string]any{"query": query}
	if variables != nil {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal graphql payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building linear request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", l.apiKey)

	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	var gr graphQLResponse
	decodeErr := json.Unmarshal(raw, &gr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := apiErrorFromResponse(l.Name(), resp, http.StatusText(resp.StatusCode))
		if decodeErr == nil && len(gr.Errors) > 0 {
			applyGraphQLError(apiErr, gr.Errors[0])
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if len(gr.Errors) > 0 {
		apiErr := &APIError{Tracker: l.Name(), StatusCode: resp.StatusCode}
		applyGraphQLError(apiErr, gr.Errors[0])
		return apiErr
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("%w: data missing", ErrMalformedResponse)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func applyGraphQLError(e *APIError, ge graphQLError) {
	e.Code = ge.Extensions.Code
	if ge.Message != "" {
		e.Message = ge.Message
	}
	if linearTransientCodes[strings.ToUpper(e.Code)] {
		e.Temporary = true
	}
}
