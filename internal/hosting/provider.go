// Package hosting abstracts git hosting forges (GitHub, GitLab) behind a
// single provider interface covering the operations a run needs: draft PR
// creation, CI status, and authenticated clone URLs.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ProviderType identifies which forge is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// ErrNoPRFound is returned by FindPRByBranch when no open pull request
// exists for the branch.
var ErrNoPRFound = errors.New("no pull request found for branch")

// CIState is the aggregate CI verdict for a ref.
type CIState string

const (
	// CINone means no CI is configured or no pipeline has been triggered.
	CINone CIState = "none"
	// CIPending means at least one check is still queued or running.
	CIPending CIState = "pending"
	CIPassing CIState = "passing"
	CIFailing CIState = "failing"
)

// Check is one CI check run (GitHub check run / GitLab pipeline job).
type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`               // queued, in_progress, completed
	Conclusion string `json:"conclusion,omitempty"` // success, failure, skipped, ...
}

// CIResult aggregates a ref's checks into one verdict.
type CIResult struct {
	State  CIState `json:"state"`
	Checks []Check `json:"checks,omitempty"`
}

// FailingChecks returns the names of checks that concluded badly.
func (r *CIResult) FailingChecks() []string {
	if r == nil {
		return nil
	}
	var names []string
	for _, c := range r.Checks {
		if checkFailed(c) {
			names = append(names, c.Name)
		}
	}
	return names
}

func checkFailed(c Check) bool {
	switch c.Conclusion {
	case "failure", "timed_out", "cancelled":
		return true
	}
	return false
}

// AggregateChecks computes the CIResult verdict for a set of checks.
// Failure wins over pending so a run fails fast.
func AggregateChecks(checks []Check) *CIResult {
	res := &CIResult{Checks: checks}
	if len(checks) == 0 {
		res.State = CINone
		return res
	}
	pending := false
	for _, c := range checks {
		switch {
		case checkFailed(c):
			res.State = CIFailing
			return res
		case c.Status != "completed":
			pending = true
		}
	}
	if pending {
		res.State = CIPending
	} else {
		res.State = CIPassing
	}
	return res
}

// PullRequest is a pull request / merge request in unified form.
type PullRequest struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	State      string `json:"state"` // open, closed, merged
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
	URL        string `json:"url"`
	Draft      bool   `json:"draft"`
	// NodeID is the forge's opaque object id, needed by GitHub's GraphQL
	// mutations.
	NodeID string `json:"node_id,omitempty"`
}

// CreateOptions for opening a pull request.
type CreateOptions struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Head   string   `json:"head"`
	Base   string   `json:"base"`
	Draft  bool     `json:"draft"`
	Labels []string `json:"labels,omitempty"`
}

// Provider is implemented per forge. Implementations are registered from
// init() in their packages.
type Provider interface {
	CreatePullRequest(ctx context.Context, opts CreateOptions) (*PullRequest, error)
	// ConvertDraftToReady marks a draft PR ready for review, used once
	// verification has passed.
	ConvertDraftToReady(ctx context.Context, pr *PullRequest) error
	GetPR(ctx context.Context, number int) (*PullRequest, error)
	// FindPRByBranch returns the open PR whose head is branch, or
	// ErrNoPRFound.
	FindPRByBranch(ctx context.Context, branch string) (*PullRequest, error)
	// CIStatus aggregates the latest CI checks for a ref.
	CIStatus(ctx context.Context, ref string) (*CIResult, error)
	// CloneURL returns an authenticated HTTPS clone URL for the
	// configured repository.
	CloneURL() string
	CheckAuth(ctx context.Context) error
	Name() ProviderType
}

// Config selects and authenticates a forge provider.
type Config struct {
	// Provider type: "github", "gitlab", or "auto" (detect from Repo).
	Provider string `yaml:"provider" json:"provider"`

	// Repo is the repository path ("owner/repo") or a full remote URL.
	Repo string `yaml:"repo" json:"repo"`

	// BaseURL for self-hosted instances. Empty for github.com/gitlab.com.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// TokenEnvVar overrides the default token environment variable
	// (GITHUB_TOKEN / GITLAB_TOKEN).
	TokenEnvVar string `yaml:"token_env_var" json:"token_env_var,omitempty"`

	// Base is the target branch for pull requests. Empty means the
	// repository default.
	Base string `yaml:"base" json:"base,omitempty"`
}

// NewProviderFunc constructs a provider from config. Registered at init
// time by the provider packages to avoid import cycles.
type NewProviderFunc func(cfg Config) (Provider, error)

var constructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider installs a provider constructor.
func RegisterProvider(pt ProviderType, fn NewProviderFunc) {
	constructors[pt] = fn
}

// New creates the provider selected by cfg, detecting the forge from the
// repo URL when cfg.Provider is "auto" or empty.
func New(cfg Config) (Provider, error) {
	pt, err := resolveType(cfg)
	if err != nil {
		return nil, err
	}
	fn, ok := constructors[pt]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", pt)
	}
	return fn(cfg)
}

func resolveType(cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}
	if detected := DetectProvider(cfg.Repo); detected != ProviderUnknown {
		return detected, nil
	}
	// A bare "owner/repo" path carries no host; default to GitHub.
	if cfg.Repo != "" && !hasHost(cfg.Repo) {
		return ProviderGitHub, nil
	}
	return "", fmt.Errorf("cannot detect hosting provider from %q (set hosting.provider explicitly)", cfg.Repo)
}

// ResolveToken reads the provider token from the environment.
func ResolveToken(cfg Config, defaultVar string) (string, error) {
	envVar := cfg.TokenEnvVar
	if envVar == "" {
		envVar = defaultVar
	}
	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("hosting token not set (export %s)", envVar)
	}
	return token, nil
}
