package hosting

import (
	"regexp"
	"strings"
)

var (
	githubHostRe = regexp.MustCompile(`(^|[/@.])github(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
	gitlabHostRe = regexp.MustCompile(`(^|[/@.])gitlab(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
)

// DetectProvider infers the forge from a remote URL. Self-hosted
// instances are recognized by hostname prefix (github.corp.example,
// gitlab.corp.example). Bare "owner/repo" paths return ProviderUnknown.
func DetectProvider(remote string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remote))
	switch {
	case githubHostRe.MatchString(url):
		return ProviderGitHub
	case gitlabHostRe.MatchString(url):
		return ProviderGitLab
	default:
		return ProviderUnknown
	}
}

// hasHost reports whether the repo string carries a host part (URL or
// SCP-style remote) as opposed to a bare "owner/repo" path.
func hasHost(repo string) bool {
	return strings.Contains(repo, "://") || strings.Contains(repo, "@") || strings.Contains(repo, ":")
}

// SplitRepoPath extracts (owner, repo) from a repo path or remote URL.
// GitLab subgroups keep their full group path as owner:
//
//	git@gitlab.com:group/sub/repo.git → ("group/sub", "repo")
func SplitRepoPath(remote string) (owner, repo string) {
	path := strings.TrimSuffix(strings.TrimSpace(remote), ".git")

	switch {
	case strings.Contains(path, "://"):
		// scheme://host[:port]/owner/repo
		path = path[strings.Index(path, "://")+3:]
		if i := strings.IndexByte(path, '/'); i >= 0 {
			path = strings.TrimLeft(path[i+1:], "/")
		}
	case strings.Contains(path, ":"):
		// SCP-style git@host:owner/repo
		path = path[strings.IndexByte(path, ':')+1:]
	}

	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], path[i+1:]
}
