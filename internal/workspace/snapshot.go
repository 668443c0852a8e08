package workspace

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// BeforeState is the workspace's git position before an iteration runs.
type BeforeState struct {
	SHA    string `yaml:"sha" json:"sha"`
	Branch string `yaml:"branch" json:"branch"`
	Dirty  bool   `yaml:"dirty" json:"dirty"`
}

// DiffStats summarizes a snapshot's diff.
type DiffStats struct {
	FilesChanged int `yaml:"files_changed" json:"files_changed"`
	Insertions   int `yaml:"insertions" json:"insertions"`
	Deletions    int `yaml:"deletions" json:"deletions"`
}

// Snapshot is one committed iteration result.
type Snapshot struct {
	ID           string    `yaml:"id" json:"id"`
	RunID        string    `yaml:"run_id" json:"run_id"`
	Iteration    int       `yaml:"iteration" json:"iteration"`
	BeforeSHA    string    `yaml:"before_sha" json:"before_sha"`
	AfterSHA     string    `yaml:"after_sha" json:"after_sha"`
	Branch       string    `yaml:"branch" json:"branch"`
	ChangedFiles []string  `yaml:"changed_files,omitempty" json:"changed_files,omitempty"`
	Stats        DiffStats `yaml:"stats" json:"stats"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
}

// EnsureRepo initializes ws as a git repository if it is not one already,
// committing the current contents as a baseline. Local directories handed
// to a run often start without version control.
func (m *DirManager) EnsureRepo(ctx context.Context, ws *Workspace) error {
	if _, err := m.runner.Run(ctx, ws.RootPath, "git", "rev-parse", "--is-inside-work-tree"); err == nil {
		return nil
	}
	for _, args := range [][]string{
		{"init"},
		{"add", "-A"},
	} {
		if _, err := m.runner.Run(ctx, ws.RootPath, "git", args...); err != nil {
			return gateerrors.ErrWorkspaceFailed(fmt.Sprintf("initialize repository in %s", ws.RootPath)).WithCause(err)
		}
	}
	if _, err := m.gitCommit(ctx, ws.RootPath, "--allow-empty", "-m", "baseline before agent run"); err != nil {
		return gateerrors.ErrWorkspaceFailed(fmt.Sprintf("initialize repository in %s", ws.RootPath)).WithCause(err)
	}
	return nil
}

// gitCommit runs git commit with the manager's commit identity so commits
// succeed on hosts without a global git user config.
func (m *DirManager) gitCommit(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{
		"-c", "user.name=" + m.commitName,
		"-c", "user.email=" + m.commitEmail,
		"commit",
	}, args...)
	return m.runner.Run(ctx, dir, "git", full...)
}

// CaptureState reads the workspace's current sha, branch, and dirtiness.
func (m *DirManager) CaptureState(ctx context.Context, ws *Workspace) (*BeforeState, error) {
	sha, err := m.runner.Run(ctx, ws.RootPath, "git", "rev-parse", "HEAD")
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("read HEAD in workspace %s", ws.ID)).WithCause(err)
	}
	branch, err := m.runner.Run(ctx, ws.RootPath, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("read branch in workspace %s", ws.ID)).WithCause(err)
	}
	status, err := m.runner.Run(ctx, ws.RootPath, "git", "status", "--porcelain")
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("read status in workspace %s", ws.ID)).WithCause(err)
	}
	return &BeforeState{
		SHA:    sha,
		Branch: branch,
		Dirty:  strings.TrimSpace(status) != "",
	}, nil
}

// Snapshot commits everything the iteration changed and describes the
// delta since before. An iteration that changed nothing produces an empty
// commit so every iteration has an addressable sha.
func (m *DirManager) Snapshot(ctx context.Context, ws *Workspace, before *BeforeState, runID string, iteration int, message string) (*Snapshot, error) {
	if message == "" {
		message = fmt.Sprintf("iteration %d of run %s", iteration, runID)
	}

	if _, err := m.runner.Run(ctx, ws.RootPath, "git", "add", "-A"); err != nil {
		return nil, gateerrors.ErrWorkspaceFailed("stage iteration changes").WithCause(err)
	}
	if out, err := m.gitCommit(ctx, ws.RootPath, "-m", message); err != nil {
		if !strings.Contains(out, "nothing to commit") && !strings.Contains(err.Error(), "nothing to commit") {
			return nil, gateerrors.ErrWorkspaceFailed("commit iteration changes").WithCause(err)
		}
		if _, err := m.gitCommit(ctx, ws.RootPath, "--allow-empty", "-m", message); err != nil {
			return nil, gateerrors.ErrWorkspaceFailed("commit empty iteration").WithCause(err)
		}
	}

	afterSHA, err := m.runner.Run(ctx, ws.RootPath, "git", "rev-parse", "HEAD")
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed("read snapshot sha").WithCause(err)
	}
	branch, err := m.runner.Run(ctx, ws.RootPath, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed("read snapshot branch").WithCause(err)
	}

	snap := &Snapshot{
		ID:        "snap-" + uuid.NewString()[:8],
		RunID:     runID,
		Iteration: iteration,
		AfterSHA:  afterSHA,
		Branch:    branch,
		CreatedAt: time.Now(),
	}
	if before != nil {
		snap.BeforeSHA = before.SHA
	}

	if snap.BeforeSHA != "" && snap.BeforeSHA != afterSHA {
		rangeSpec := snap.BeforeSHA + ".." + afterSHA
		if names, err := m.runner.Run(ctx, ws.RootPath, "git", "diff", "--name-only", rangeSpec); err == nil && names != "" {
			snap.ChangedFiles = strings.Split(names, "\n")
		}
		if shortstat, err := m.runner.Run(ctx, ws.RootPath, "git", "diff", "--shortstat", rangeSpec); err == nil {
			snap.Stats = parseShortstat(shortstat)
		}
	}

	m.logger.Debug("snapshot created",
		"run_id", runID,
		"iteration", iteration,
		"snapshot_id", snap.ID,
		"after_sha", afterSHA,
		"files_changed", snap.Stats.FilesChanged,
	)
	return snap, nil
}

// parseShortstat reads git's shortstat line, e.g.
// " 3 files changed, 10 insertions(+), 2 deletions(-)".
// Any of the three segments may be absent.
func parseShortstat(out string) DiffStats {
	var stats DiffStats
	for _, segment := range strings.Split(out, ",") {
		fields := strings.Fields(segment)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			stats.FilesChanged = n
		case strings.HasPrefix(fields[1], "insertion"):
			stats.Insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			stats.Deletions = n
		}
	}
	return stats
}
