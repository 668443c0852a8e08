// Package workspace materializes working directories for runs and takes
// git snapshots of what the agent changed.
//
// A workspace comes from one of four sources: a local directory used in
// place, a git clone, a forge repo resolved to a clone URL through the
// hosting provider, or a fresh directory seeded and initialized as a new
// repository. Local workspaces are never removed on release.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
)

// Workspace is a materialized working directory.
type Workspace struct {
	ID        string                `yaml:"id" json:"id"`
	RootPath  string                `yaml:"root_path" json:"root_path"`
	Source    order.WorkspaceSource `yaml:"source" json:"source"`
	CreatedAt time.Time             `yaml:"created_at" json:"created_at"`

	// managed workspaces live under the manager's base dir and are
	// removed on release
	managed bool
}

// NewID returns a fresh workspace id.
func NewID() string {
	return "ws-" + uuid.NewString()[:8]
}

// Manager materializes and releases workspaces.
type Manager interface {
	Create(ctx context.Context, source order.WorkspaceSource) (*Workspace, error)
	Get(id string) (*Workspace, bool)
	Release(id string) error
}

// CloneURLResolver turns an owner/name forge reference into a clone URL.
// The hosting provider supplies one when forge sources are configured.
type CloneURLResolver func(repo string) (string, error)

// Snapshot commits are stamped with this identity so they work on hosts
// without git user config and are recognizable as tool-generated.
const (
	DefaultCommitName  = "agentgate"
	DefaultCommitEmail = "agentgate@localhost"
)

// DirManager is the filesystem Manager. Managed workspaces are cloned or
// created under baseDir; local sources are used where they are.
type DirManager struct {
	baseDir     string
	runner      CommandRunner
	resolver    CloneURLResolver
	logger      *slog.Logger
	commitName  string
	commitEmail string

	mu   sync.Mutex
	byID map[string]*Workspace
}

// DirManagerOption configures a DirManager.
type DirManagerOption func(*DirManager)

// WithRunner substitutes the command runner.
func WithRunner(r CommandRunner) DirManagerOption {
	return func(m *DirManager) { m.runner = r }
}

// WithCloneURLResolver installs forge repo resolution.
func WithCloneURLResolver(r CloneURLResolver) DirManagerOption {
	return func(m *DirManager) { m.resolver = r }
}

// SetCloneURLResolver installs forge repo resolution after construction.
// The orchestrator calls this once its hosting provider exists. A resolver
// already present is kept.
func (m *DirManager) SetCloneURLResolver(r CloneURLResolver) {
	if m.resolver == nil {
		m.resolver = r
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) DirManagerOption {
	return func(m *DirManager) { m.logger = l }
}

// WithCommitIdentity overrides the identity stamped on snapshot commits.
func WithCommitIdentity(name, email string) DirManagerOption {
	return func(m *DirManager) {
		m.commitName = name
		m.commitEmail = email
	}
}

// NewDirManager creates a manager rooted at baseDir.
func NewDirManager(baseDir string, opts ...DirManagerOption) *DirManager {
	m := &DirManager{
		baseDir:     baseDir,
		runner:      NewExecRunner(),
		logger:      slog.Default(),
		commitName:  DefaultCommitName,
		commitEmail: DefaultCommitEmail,
		byID:        make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create materializes a workspace for the given source.
func (m *DirManager) Create(ctx context.Context, source order.WorkspaceSource) (*Workspace, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}

	var (
		ws  *Workspace
		err error
	)
	switch source.Kind {
	case order.SourceLocal:
		ws, err = m.createLocal(source)
	case order.SourceGit:
		ws, err = m.createFromGit(ctx, source.URL, source.Ref, source)
	case order.SourceForge:
		ws, err = m.createFromForge(ctx, source)
	case order.SourceFresh:
		ws, err = m.CreateFresh(ctx, source.Path, nil, "")
	default:
		return nil, gateerrors.ErrConfigInvalid("workspace.kind", fmt.Sprintf("unknown source kind %q", source.Kind))
	}
	if err != nil {
		return nil, err
	}
	ws.Source = source

	m.mu.Lock()
	m.byID[ws.ID] = ws
	m.mu.Unlock()

	m.logger.Info("workspace created",
		"workspace_id", ws.ID,
		"kind", string(source.Kind),
		"root", ws.RootPath,
	)
	return ws, nil
}

func (m *DirManager) createLocal(source order.WorkspaceSource) (*Workspace, error) {
	abs, err := filepath.Abs(source.Path)
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("resolve local path %s", source.Path)).WithCause(err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("local workspace %s is not a directory", abs))
	}
	return &Workspace{
		ID:        NewID(),
		RootPath:  abs,
		CreatedAt: time.Now(),
		managed:   false,
	}, nil
}

func (m *DirManager) createFromGit(ctx context.Context, url, ref string, source order.WorkspaceSource) (*Workspace, error) {
	id := NewID()
	dest := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, gateerrors.ErrWorkspaceFailed("create workspaces directory").WithCause(err)
	}

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "-b", ref)
	}
	args = append(args, url, dest)
	if _, err := m.runner.Run(ctx, m.baseDir, "git", args...); err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("clone %s", url)).WithCause(err)
	}

	return &Workspace{
		ID:        id,
		RootPath:  dest,
		CreatedAt: time.Now(),
		managed:   true,
	}, nil
}

func (m *DirManager) createFromForge(ctx context.Context, source order.WorkspaceSource) (*Workspace, error) {
	if m.resolver == nil {
		return nil, gateerrors.ErrConfigMissing("hosting.provider")
	}
	url, err := m.resolver(source.Repo)
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("resolve clone url for %s", source.Repo)).WithCause(err)
	}
	return m.createFromGit(ctx, url, source.Ref, source)
}

// CreateFresh makes dest, writes the seed files, and initializes it as a
// git repository with one initial commit. dest may be empty, in which
// case the workspace is created under the manager's base dir.
func (m *DirManager) CreateFresh(ctx context.Context, dest string, seeds map[string]string, message string) (*Workspace, error) {
	id := NewID()
	managed := false
	if dest == "" {
		dest = filepath.Join(m.baseDir, id)
		managed = true
	}
	if message == "" {
		message = "initial workspace"
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("create workspace directory %s", dest)).WithCause(err)
	}
	for rel, content := range seeds {
		path := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("seed %s", rel)).WithCause(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("seed %s", rel)).WithCause(err)
		}
	}

	for _, args := range [][]string{
		{"init"},
		{"add", "-A"},
	} {
		if _, err := m.runner.Run(ctx, dest, "git", args...); err != nil {
			return nil, gateerrors.ErrWorkspaceFailed(fmt.Sprintf("git %s in fresh workspace", args[0])).WithCause(err)
		}
	}
	if _, err := m.gitCommit(ctx, dest, "--allow-empty", "-m", message); err != nil {
		return nil, gateerrors.ErrWorkspaceFailed("git commit in fresh workspace").WithCause(err)
	}

	return &Workspace{
		ID:        id,
		RootPath:  dest,
		CreatedAt: time.Now(),
		managed:   managed,
	}, nil
}

// Get returns a workspace by id.
func (m *DirManager) Get(id string) (*Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.byID[id]
	return ws, ok
}

// Release forgets the workspace and removes its directory when managed.
// Releasing an unknown id is a no-op.
func (m *DirManager) Release(id string) error {
	m.mu.Lock()
	ws, ok := m.byID[id]
	delete(m.byID, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if ws.managed {
		if err := os.RemoveAll(ws.RootPath); err != nil {
			return gateerrors.ErrWorkspaceFailed(fmt.Sprintf("remove workspace %s", id)).WithCause(err)
		}
	}
	m.logger.Info("workspace released", "workspace_id", id, "removed", ws.managed)
	return nil
}
