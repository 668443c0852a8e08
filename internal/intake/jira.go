// Package intake turns Jira Cloud issues into work orders. It fetches
// issues via the Jira REST API v3 and maps their fields onto submission
// parameters.
package intake

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// DefaultTokenEnv is the environment variable holding the Jira API token
// when the configuration does not name one.
const DefaultTokenEnv = "JIRA_API_TOKEN"

// Issue is a simplified Jira issue carrying the fields intake cares about.
type Issue struct {
	Key         string
	Summary     string
	Description string // already rendered from ADF to plain text
	IssueType   string
	Status      string // status name, e.g. "In Progress"
	StatusKey   string // status category key: "new", "indeterminate", "done"
	Priority    string // priority name: "Highest" .. "Lowest"
	Labels      []string
	Components  []string
	Created     time.Time
	Updated     time.Time
}

// Client wraps the go-atlassian Jira v3 client.
type Client struct {
	jira *v3.Client
}

// NewClient builds an authenticated Jira client. The API token is read
// from the environment variable named in the configuration.
func NewClient(cfg config.JiraConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, gateerrors.ErrConfigMissing("jira.base_url")
	}
	if cfg.Email == "" {
		return nil, gateerrors.ErrConfigMissing("jira.email")
	}
	tokenEnv := cfg.TokenEnv
	if tokenEnv == "" {
		tokenEnv = DefaultTokenEnv
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, gateerrors.ErrConfigMissing(tokenEnv)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, baseURL)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, token)
	client.Auth.SetUserAgent("agentgate-intake/1.0")

	return &Client{jira: client}, nil
}

// searchFields keeps the search payload down to what intake maps.
var searchFields = []string{
	"summary",
	"description",
	"issuetype",
	"status",
	"priority",
	"labels",
	"components",
	"created",
	"updated",
}

// FetchIssue loads a single issue by key.
func (c *Client) FetchIssue(ctx context.Context, key string) (Issue, error) {
	jql := fmt.Sprintf("key = %q", key)
	result, resp, err := c.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 1, "")
	if err != nil {
		if resp != nil {
			return Issue{}, fmt.Errorf("jira fetch %s (status %d): %w", key, resp.StatusCode, err)
		}
		return Issue{}, fmt.Errorf("jira fetch %s: %w", key, err)
	}
	if len(result.Issues) == 0 {
		return Issue{}, fmt.Errorf("jira issue %s not found", key)
	}
	return convertIssue(result.Issues[0]), nil
}

// SearchIssues fetches every issue matching the JQL query, following
// pagination tokens until the result set is exhausted.
func (c *Client) SearchIssues(ctx context.Context, jql string) ([]Issue, error) {
	var all []Issue
	nextPageToken := ""

	for {
		result, resp, err := c.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("jira search: %w", err)
		}
		for _, issue := range result.Issues {
			all = append(all, convertIssue(issue))
		}
		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}
	return all, nil
}

// CheckAuth verifies the credentials against the MySelf endpoint.
func (c *Client) CheckAuth(ctx context.Context) error {
	_, resp, err := c.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check failed: %w", err)
	}
	return nil
}

func convertIssue(issue *models.IssueScheme) Issue {
	if issue == nil {
		return Issue{}
	}
	if issue.Fields == nil {
		return Issue{Key: issue.Key}
	}
	f := issue.Fields

	result := Issue{
		Key:         issue.Key,
		Summary:     f.Summary,
		Description: ADFToText(f.Description),
		Labels:      f.Labels,
	}
	if f.IssueType != nil {
		result.IssueType = f.IssueType.Name
	}
	if f.Status != nil {
		result.Status = f.Status.Name
		if f.Status.StatusCategory != nil {
			result.StatusKey = f.Status.StatusCategory.Key
		}
	}
	if f.Priority != nil {
		result.Priority = f.Priority.Name
	}
	for _, comp := range f.Components {
		if comp != nil && comp.Name != "" {
			result.Components = append(result.Components, comp.Name)
		}
	}
	if f.Created != nil {
		result.Created = time.Time(*f.Created)
	}
	if f.Updated != nil {
		result.Updated = time.Time(*f.Updated)
	}
	return result
}
