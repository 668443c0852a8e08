package cli

import (
	"testing"

	"github.com/agentgate/agentgate/internal/hosting"
)

// The daemon links the forge provider packages so their init-time
// registrations run; a configured provider must construct at startup.
func TestForgeProvidersRegistered(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok-github")
	t.Setenv("GITLAB_TOKEN", "tok-gitlab")

	for _, name := range []string{"github", "gitlab"} {
		p, err := hosting.New(hosting.Config{Provider: name, Repo: "acme/app"})
		if err != nil {
			t.Errorf("hosting.New(%s): %v", name, err)
			continue
		}
		if got := string(p.Name()); got != name {
			t.Errorf("provider name = %q, want %q", got, name)
		}
	}
}
