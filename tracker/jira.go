// Package tracker integrates the issue tracker: fetching and
// transitioning Jira issues, and mapping issues to repositories via the
// knowledge registry.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow"
)

// JiraClient talks to the Jira REST API (v2) with basic auth.
type JiraClient struct {
	baseURL string
	email   string
	token   string
	httpc   *http.Client
}

// NewJiraClient creates a Jira client. baseURL is the site root, for
// example "https://example.atlassian.net".
func NewJiraClient(baseURL, email, token string) *JiraClient {
	return &JiraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// IssueKeyFromURL extracts the issue key from a browse or REST URL.
func IssueKeyFromURL(ticketURL string) (string, error) {
	u, err := url.Parse(ticketURL)
	if err != nil {
		return "", fmt.Errorf("invalid ticket URL %q: %w", ticketURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return "", fmt.Errorf("no issue key in ticket URL %q", ticketURL)
	}
	key := parts[len(parts)-1]
	if !strings.Contains(key, "-") {
		return "", fmt.Errorf("no issue key in ticket URL %q", ticketURL)
	}
	return key, nil
}

// FetchIssue implements workflow.IssueSource.
func (c *JiraClient) FetchIssue(ctx context.Context, ticketURL string) (workflow.Issue, error) {
	key, err := IssueKeyFromURL(ticketURL)
	if err != nil {
		return workflow.Issue{}, err
	}

	var out struct {
		Key    string `json:"key"`
		Fields struct {
			Summary     string `json:"summary"`
			Description string `json:"description"`
			Components  []struct {
				Name string `json:"name"`
			} `json:"components"`
			Labels     []string `json:"labels"`
			IssueLinks []struct {
				OutwardIssue *struct {
					Key string `json:"key"`
				} `json:"outwardIssue"`
				InwardIssue *struct {
					Key string `json:"key"`
				} `json:"inwardIssue"`
			} `json:"issuelinks"`
		} `json:"fields"`
	}
	path := fmt.Sprintf("/rest/api/2/issue/%s?fields=summary,description,components,labels,issuelinks", key)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return workflow.Issue{}, fmt.Errorf("failed to fetch issue %s: %w", key, err)
	}

	issue := workflow.Issue{
		Key:         out.Key,
		Summary:     out.Fields.Summary,
		Description: out.Fields.Description,
		Labels:      out.Fields.Labels,
	}
	for _, comp := range out.Fields.Components {
		issue.Components = append(issue.Components, comp.Name)
	}
	for _, link := range out.Fields.IssueLinks {
		if link.OutwardIssue != nil {
			issue.Links = append(issue.Links, link.OutwardIssue.Key)
		}
		if link.InwardIssue != nil {
			issue.Links = append(issue.Links, link.InwardIssue.Key)
		}
	}
	return issue, nil
}

// TransitionIssue implements workflow.IssueSource. The transition is
// looked up by name so callers don't carry Jira's numeric ids.
func (c *JiraClient) TransitionIssue(ctx context.Context, key, transition string) error {
	var available struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"transitions"`
	}
	path := fmt.Sprintf("/rest/api/2/issue/%s/transitions", key)
	if err := c.do(ctx, http.MethodGet, path, nil, &available); err != nil {
		return fmt.Errorf("failed to list transitions for %s: %w", key, err)
	}

	var id string
	for _, t := range available.Transitions {
		if strings.EqualFold(t.Name, transition) {
			id = t.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("issue %s has no transition %q", key, transition)
	}

	body := map[string]any{"transition": map[string]string{"id": id}}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to transition %s to %q: %w", key, transition, err)
	}
	return nil
}

func (c *JiraClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("jira returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
