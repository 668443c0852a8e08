// Package gitlab implements hosting.Provider over the GitLab API.
// Merge requests map onto the unified pull request type; pipeline jobs
// map onto check runs.
package gitlab

import (
	"context"
	"fmt"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/agentgate/agentgate/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider talks to GitLab. The project identifier is the full path,
// which for nested groups is "group/subgroup/repo".
type Provider struct {
	client    *gogitlab.Client
	projectID string
	token     string
	host      string
}

func newProvider(cfg hosting.Config) (hosting.Provider, error) {
	token, err := hosting.ResolveToken(cfg, "GITLAB_TOKEN")
	if err != nil {
		return nil, err
	}

	owner, repo := hosting.SplitRepoPath(cfg.Repo)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("cannot parse project path from %q", cfg.Repo)
	}

	host := "gitlab.com"
	var client *gogitlab.Client
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		host = strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}

	return &Provider{
		client:    client,
		projectID: owner + "/" + repo,
		token:     token,
		host:      host,
	}, nil
}

func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitLab }

// CloneURL embeds the token for credential-free clones.
func (p *Provider) CloneURL() string {
	return fmt.Sprintf("https://oauth2:%s@%s/%s.git", p.token, p.host, p.projectID)
}

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, _, err := p.client.Users.CurrentUser(gogitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// CreatePullRequest opens a merge request. GitLab has no draft flag on
// creation; the "Draft:" title prefix is the convention.
func (p *Provider) CreatePullRequest(ctx context.Context, opts hosting.CreateOptions) (*hosting.PullRequest, error) {
	title := opts.Title
	if opts.Draft {
		title = "Draft: " + title
	}

	createOpts := &gogitlab.CreateMergeRequestOptions{
		Title:              gogitlab.Ptr(title),
		Description:        gogitlab.Ptr(opts.Body),
		SourceBranch:       gogitlab.Ptr(opts.Head),
		TargetBranch:       gogitlab.Ptr(opts.Base),
		RemoveSourceBranch: gogitlab.Ptr(true),
	}
	if len(opts.Labels) > 0 {
		labels := gogitlab.LabelOptions(opts.Labels)
		createOpts.Labels = &labels
	}

	mr, _, err := p.client.MergeRequests.CreateMergeRequest(p.projectID, createOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create MR: %w", err)
	}
	return p.GetPR(ctx, int(mr.IID))
}

// ConvertDraftToReady strips the draft marker from the MR title.
func (p *Provider) ConvertDraftToReady(ctx context.Context, pr *hosting.PullRequest) error {
	title := pr.Title
	for _, prefix := range []string{"Draft: ", "Draft:", "WIP: ", "WIP:"} {
		if strings.HasPrefix(title, prefix) {
			title = strings.TrimSpace(strings.TrimPrefix(title, prefix))
			break
		}
	}
	if title == pr.Title {
		return nil
	}

	_, _, err := p.client.MergeRequests.UpdateMergeRequest(p.projectID, int64(pr.Number), &gogitlab.UpdateMergeRequestOptions{
		Title: gogitlab.Ptr(title),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("mark MR %d ready: %w", pr.Number, err)
	}
	pr.Title = title
	pr.Draft = false
	return nil
}

func (p *Provider) GetPR(ctx context.Context, number int) (*hosting.PullRequest, error) {
	mr, _, err := p.client.MergeRequests.GetMergeRequest(p.projectID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get MR %d: %w", number, err)
	}
	return mapMR(mr), nil
}

func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PullRequest, error) {
	mrs, _, err := p.client.MergeRequests.ListProjectMergeRequests(p.projectID, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(branch),
		State:        gogitlab.Ptr("opened"),
		ListOptions:  gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find MR by branch %q: %w", branch, err)
	}
	if len(mrs) == 0 {
		return nil, hosting.ErrNoPRFound
	}
	return p.GetPR(ctx, int(mrs[0].IID))
}

// CIStatus reports the jobs of the latest pipeline on ref.
func (p *Provider) CIStatus(ctx context.Context, ref string) (*hosting.CIResult, error) {
	pipelines, _, err := p.client.Pipelines.ListProjectPipelines(p.projectID, &gogitlab.ListProjectPipelinesOptions{
		Ref:         gogitlab.Ptr(ref),
		ListOptions: gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipelines for %q: %w", ref, err)
	}
	if len(pipelines) == 0 {
		return hosting.AggregateChecks(nil), nil
	}

	jobs, _, err := p.client.Jobs.ListPipelineJobs(p.projectID, pipelines[0].ID, nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipeline jobs for %q: %w", ref, err)
	}

	checks := make([]hosting.Check, 0, len(jobs))
	for _, job := range jobs {
		status, conclusion := mapJobStatus(job.Status)
		checks = append(checks, hosting.Check{
			Name:       job.Name,
			Status:     status,
			Conclusion: conclusion,
		})
	}
	return hosting.AggregateChecks(checks), nil
}

// mapJobStatus translates a GitLab job status into check-run terms.
func mapJobStatus(status string) (string, string) {
	switch status {
	case "created", "pending", "waiting_for_resource":
		return "queued", ""
	case "running":
		return "in_progress", ""
	case "success":
		return "completed", "success"
	case "failed":
		return "completed", "failure"
	case "canceled", "canceling":
		return "completed", "cancelled"
	case "skipped", "manual":
		return "completed", "skipped"
	default:
		return status, ""
	}
}

func mapMR(mr *gogitlab.MergeRequest) *hosting.PullRequest {
	if mr == nil {
		return nil
	}
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &hosting.PullRequest{
		Number:     int(mr.IID),
		Title:      mr.Title,
		Body:       mr.Description,
		State:      state,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		URL:        mr.WebURL,
		Draft:      mr.Draft || isDraftTitle(mr.Title),
	}
}

func isDraftTitle(title string) bool {
	return strings.HasPrefix(title, "Draft:") || strings.HasPrefix(title, "WIP:")
}
