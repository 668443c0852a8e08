// Package github implements hosting.Provider over the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/agentgate/agentgate/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider talks to GitHub through go-github, plus one GraphQL mutation
// for the draft-to-ready conversion the REST API does not expose.
type Provider struct {
	client     *gogithub.Client
	httpClient *http.Client
	graphqlURL string
	token      string
	host       string
	owner      string
	repo       string
}

func newProvider(cfg hosting.Config) (hosting.Provider, error) {
	token, err := hosting.ResolveToken(cfg, "GITHUB_TOKEN")
	if err != nil {
		return nil, err
	}

	owner, repo := hosting.SplitRepoPath(cfg.Repo)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("cannot parse owner/repo from %q", cfg.Repo)
	}

	httpClient := &http.Client{Transport: &oauth2Transport{token: token}}
	client := gogithub.NewClient(httpClient)

	host := "github.com"
	graphqlURL := "https://api.github.com/graphql"
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		host = strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
		graphqlURL = baseURL + "/api/graphql"
		var parseErr error
		client.BaseURL, parseErr = client.BaseURL.Parse(baseURL + "/api/v3/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, parseErr)
		}
		client.UploadURL, parseErr = client.UploadURL.Parse(baseURL + "/api/uploads/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", cfg.BaseURL, parseErr)
		}
	}

	return &Provider{
		client:     client,
		httpClient: httpClient,
		graphqlURL: graphqlURL,
		token:      token,
		host:       host,
		owner:      owner,
		repo:       repo,
	}, nil
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitHub }

// CloneURL embeds the token so fresh workspaces can clone without
// credential helpers.
func (p *Provider) CloneURL() string {
	return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", p.token, p.host, p.owner, p.repo)
}

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, _, err := p.client.Users.Get(ctx, ""); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

func (p *Provider) CreatePullRequest(ctx context.Context, opts hosting.CreateOptions) (*hosting.PullRequest, error) {
	newPR := &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	}
	created, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, newPR)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	if len(opts.Labels) > 0 {
		_, _, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, created.GetNumber(), opts.Labels)
		if err != nil {
			return nil, fmt.Errorf("add labels to PR %d: %w", created.GetNumber(), err)
		}
	}

	return mapPR(created), nil
}

// ConvertDraftToReady flips a draft PR to ready for review. Only the
// GraphQL API exposes this mutation.
func (p *Provider) ConvertDraftToReady(ctx context.Context, pr *hosting.PullRequest) error {
	nodeID := pr.NodeID
	if nodeID == "" {
		fetched, err := p.GetPR(ctx, pr.Number)
		if err != nil {
			return err
		}
		nodeID = fetched.NodeID
	}

	body, err := json.Marshal(map[string]any{
		"query": `mutation($id: ID!) {
			markPullRequestReadyForReview(input: {pullRequestId: $id}) {
				pullRequest { number isDraft }
			}
		}`,
		"variables": map[string]string{"id": nodeID},
	})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mark PR %d ready: %w", pr.Number, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark PR %d ready: graphql returned %s", pr.Number, resp.Status)
	}
	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return fmt.Errorf("mark PR %d ready: %s", pr.Number, parsed.Errors[0].Message)
	}
	pr.Draft = false
	return nil
}

func (p *Provider) GetPR(ctx context.Context, number int) (*hosting.PullRequest, error) {
	pr, _, err := p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR %d: %w", number, err)
	}
	return mapPR(pr), nil
}

func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PullRequest, error) {
	prs, _, err := p.client.PullRequests.List(ctx, p.owner, p.repo, &gogithub.PullRequestListOptions{
		Head:        p.owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, hosting.ErrNoPRFound
	}
	return mapPR(prs[0]), nil
}

func (p *Provider) CIStatus(ctx context.Context, ref string) (*hosting.CIResult, error) {
	result, _, err := p.client.Checks.ListCheckRunsForRef(ctx, p.owner, p.repo, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("list check runs for %q: %w", ref, err)
	}
	checks := make([]hosting.Check, 0, len(result.CheckRuns))
	for _, cr := range result.CheckRuns {
		checks = append(checks, hosting.Check{
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
		})
	}
	return hosting.AggregateChecks(checks), nil
}

func mapPR(pr *gogithub.PullRequest) *hosting.PullRequest {
	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}
	return &hosting.PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		State:      state,
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		URL:        pr.GetHTMLURL(),
		Draft:      pr.GetDraft(),
		NodeID:     pr.GetNodeID(),
	}
}
