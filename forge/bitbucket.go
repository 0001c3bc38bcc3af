// Package forge integrates Bitbucket Server: opening pull requests and
// reading commit build status.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow"
)

// Client talks to the Bitbucket Server REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a Bitbucket client. baseURL is the server root, for
// example "https://bitbucket.example.com".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateMergeRequest implements workflow.ForgeClient. It opens a pull
// request from the run branch into the target branch and returns its
// web URL.
func (c *Client) CreateMergeRequest(ctx context.Context, mr workflow.MergeRequest) (string, error) {
	repo := map[string]any{
		"slug":    mr.RepoSlug,
		"project": map[string]string{"key": mr.ProjectKey},
	}
	body := map[string]any{
		"title":       mr.Title,
		"description": mr.Description,
		"fromRef": map[string]any{
			"id":         "refs/heads/" + mr.SourceBranch,
			"repository": repo,
		},
		"toRef": map[string]any{
			"id":         "refs/heads/" + mr.TargetBranch,
			"repository": repo,
		},
	}

	var out struct {
		Links struct {
			Self []struct {
				Href string `json:"href"`
			} `json:"self"`
		} `json:"links"`
	}
	path := fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/pull-requests", mr.ProjectKey, mr.RepoSlug)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("failed to open pull request for %s: %w", mr.SourceBranch, err)
	}
	if len(out.Links.Self) == 0 {
		return "", fmt.Errorf("pull request for %s created without a self link", mr.SourceBranch)
	}
	return out.Links.Self[0].Href, nil
}

// CommitBuildStatus implements workflow.ForgeClient. It returns all
// build statuses reported against a commit, newest first as Bitbucket
// orders them.
func (c *Client) CommitBuildStatus(ctx context.Context, commitHash string) ([]workflow.BuildStatus, error) {
	var out struct {
		Values []struct {
			State     string `json:"state"`
			Name      string `json:"name"`
			URL       string `json:"url"`
			DateAdded int64  `json:"dateAdded"`
		} `json:"values"`
	}
	path := "/rest/build-status/1.0/commits/" + commitHash
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to read build status for %s: %w", commitHash, err)
	}

	statuses := make([]workflow.BuildStatus, 0, len(out.Values))
	for _, v := range out.Values {
		statuses = append(statuses, workflow.BuildStatus{
			State:     v.State,
			Name:      v.Name,
			URL:       v.URL,
			DateAdded: time.UnixMilli(v.DateAdded),
		})
	}
	return statuses, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+c.token)
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
		return fmt.Errorf("bitbucket returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
