// Package verify resolves gate plans and runs their verification levels
// against a snapshot.
//
// A gate plan is a declarative list of levels L0 (static checks), L1 (unit
// tests), L2 (blackbox scenarios), and L3 (CI). Plans come from an explicit
// YAML file, a project-local gates file, or built-in per-manifest defaults.
package verify

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Level ids in execution order.
const (
	LevelStatic   = "L0"
	LevelTest     = "L1"
	LevelBlackbox = "L2"
	LevelCI       = "L3"
)

// PlanFileName is the project-local gates file probed under the snapshot
// root when resolving the "auto" source.
const PlanFileName = ".agentgate/gates.yaml"

// Check is one command inside a level. A check carrying Globs expands to
// one invocation per matched file, with {} substituted by the path.
type Check struct {
	Name       string   `yaml:"name" json:"name"`
	Command    string   `yaml:"command" json:"command"`
	Dir        string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
	Globs      []string `yaml:"globs,omitempty" json:"globs,omitempty"`
}

// Level groups checks that run together. Levels run in id order and the
// first failing level stops verification.
type Level struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name"`
	Checks []Check `yaml:"checks" json:"checks"`
}

// GatePlan is the declarative verification plan for a work order.
type GatePlan struct {
	Name   string  `yaml:"name" json:"name"`
	Levels []Level `yaml:"levels" json:"levels"`
}

// ResolveResult carries the resolved plan and where it came from.
type ResolveResult struct {
	Plan   *GatePlan
	Source string // "explicit", "project_file", "manifest:<kind>", "skip", "none"
}

// Resolver turns a work order's gate-plan source into a concrete plan.
// Resolution order for "auto": the project-local gates file, then built-in
// per-manifest plans, then an empty plan.
type Resolver struct{}

// NewResolver creates a gate plan resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve resolves the gate plan for a snapshot root. An empty or "auto"
// source probes the project; "skip" and "none" yield an empty plan; any
// other value is read as a YAML plan file, relative to root unless
// absolute.
func (r *Resolver) Resolve(rootPath, source string) (ResolveResult, error) {
	switch source {
	case "skip", "none":
		return ResolveResult{Plan: &GatePlan{Name: "skip"}, Source: "skip"}, nil
	case "", "auto":
		return r.resolveAuto(rootPath)
	}

	path := source
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootPath, path)
	}
	plan, err := ParsePlanFile(path)
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{Plan: plan, Source: "explicit"}, nil
}

func (r *Resolver) resolveAuto(rootPath string) (ResolveResult, error) {
	projectFile := filepath.Join(rootPath, filepath.FromSlash(PlanFileName))
	if _, err := os.Stat(projectFile); err == nil {
		plan, err := ParsePlanFile(projectFile)
		if err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Plan: plan, Source: "project_file"}, nil
	}

	if kind, plan := detectManifestPlan(rootPath); plan != nil {
		return ResolveResult{Plan: plan, Source: "manifest:" + kind}, nil
	}

	return ResolveResult{Plan: &GatePlan{Name: "none"}, Source: "none"}, nil
}

// ParsePlanFile reads and validates a YAML gate plan.
func ParsePlanFile(path string) (*GatePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate plan: %w", err)
	}
	var plan GatePlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse gate plan %s: %w", path, err)
	}
	for _, level := range plan.Levels {
		switch level.ID {
		case LevelStatic, LevelTest, LevelBlackbox, LevelCI:
		default:
			return nil, fmt.Errorf("gate plan %s: unknown level id %q", path, level.ID)
		}
		for _, check := range level.Checks {
			if check.Name == "" || check.Command == "" {
				return nil, fmt.Errorf("gate plan %s: level %s has a check without name or command", path, level.ID)
			}
		}
	}
	return &plan, nil
}

// detectManifestPlan probes well-known project manifests and returns a
// built-in plan for the first match.
func detectManifestPlan(rootPath string) (string, *GatePlan) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(rootPath, name))
		return err == nil
	}

	switch {
	case exists("go.mod"):
		return "go", &GatePlan{
			Name: "go",
			Levels: []Level{
				{ID: LevelStatic, Name: "static", Checks: []Check{
					{Name: "typecheck", Command: "go vet ./..."},
					{Name: "lint", Command: "golangci-lint run ./..."},
				}},
				{ID: LevelTest, Name: "tests", Checks: []Check{
					{Name: "unit", Command: "go test ./..."},
				}},
			},
		}
	case exists("package.json"):
		static := []Check{
			{Name: "lint", Command: "npm run lint --if-present"},
		}
		if exists("tsconfig.json") {
			static = append([]Check{{Name: "typecheck", Command: "npx tsc --noEmit"}}, static...)
		}
		return "node", &GatePlan{
			Name: "node",
			Levels: []Level{
				{ID: LevelStatic, Name: "static", Checks: static},
				{ID: LevelTest, Name: "tests", Checks: []Check{
					{Name: "unit", Command: "npm test --if-present"},
				}},
			},
		}
	case exists("pyproject.toml") || exists("setup.py"):
		return "python", &GatePlan{
			Name: "python",
			Levels: []Level{
				{ID: LevelStatic, Name: "static", Checks: []Check{
					{Name: "typecheck", Command: "pyright"},
					{Name: "lint", Command: "ruff check ."},
				}},
				{ID: LevelTest, Name: "tests", Checks: []Check{
					{Name: "unit", Command: "pytest"},
				}},
			},
		}
	case exists("Cargo.toml"):
		return "rust", &GatePlan{
			Name: "rust",
			Levels: []Level{
				{ID: LevelStatic, Name: "static", Checks: []Check{
					{Name: "typecheck", Command: "cargo check"},
					{Name: "lint", Command: "cargo clippy"},
				}},
				{ID: LevelTest, Name: "tests", Checks: []Check{
					{Name: "unit", Command: "cargo test"},
				}},
			},
		}
	}
	return "", nil
}
