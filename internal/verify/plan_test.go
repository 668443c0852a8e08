package verify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlanFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const samplePlan = `name: sample
levels:
  - id: L0
    name: static
    checks:
      - name: typecheck
        command: go vet ./...
  - id: L1
    name: tests
    checks:
      - name: unit
        command: go test ./...
        timeout_sec: 120
`

func TestResolveExplicitPath(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "gates/custom.yaml", samplePlan)

	r := NewResolver()
	res, err := r.Resolve(dir, "gates/custom.yaml")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != "explicit" {
		t.Errorf("source = %q, want explicit", res.Source)
	}
	if res.Plan.Name != "sample" || len(res.Plan.Levels) != 2 {
		t.Errorf("plan = %+v", res.Plan)
	}
	if res.Plan.Levels[1].Checks[0].TimeoutSec != 120 {
		t.Errorf("timeout_sec = %d, want 120", res.Plan.Levels[1].Checks[0].TimeoutSec)
	}
}

func TestResolveSkipSource(t *testing.T) {
	r := NewResolver()
	for _, source := range []string{"skip", "none"} {
		res, err := r.Resolve(t.TempDir(), source)
		if err != nil {
			t.Fatalf("resolve %q: %v", source, err)
		}
		if res.Source != "skip" || len(res.Plan.Levels) != 0 {
			t.Errorf("resolve %q = %+v", source, res)
		}
	}
}

func TestResolveAutoPrefersProjectFile(t *testing.T) {
	dir := t.TempDir()
	// Both a manifest and a project gates file; the gates file wins
	writePlanFile(t, dir, "go.mod", "module example.com/x\n")
	writePlanFile(t, dir, PlanFileName, samplePlan)

	r := NewResolver()
	res, err := r.Resolve(dir, "auto")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != "project_file" {
		t.Errorf("source = %q, want project_file", res.Source)
	}
	if res.Plan.Name != "sample" {
		t.Errorf("plan name = %q", res.Plan.Name)
	}
}

func TestResolveAutoManifests(t *testing.T) {
	cases := []struct {
		manifest string
		kind     string
	}{
		{"go.mod", "go"},
		{"package.json", "node"},
		{"pyproject.toml", "python"},
		{"Cargo.toml", "rust"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			dir := t.TempDir()
			writePlanFile(t, dir, tc.manifest, "x")

			r := NewResolver()
			res, err := r.Resolve(dir, "")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Source != "manifest:"+tc.kind {
				t.Errorf("source = %q, want manifest:%s", res.Source, tc.kind)
			}
			if len(res.Plan.Levels) == 0 {
				t.Error("manifest plan has no levels")
			}
			// Every built-in carries a unit test level
			var hasTests bool
			for _, l := range res.Plan.Levels {
				if l.ID == LevelTest {
					hasTests = true
				}
			}
			if !hasTests {
				t.Error("manifest plan missing L1")
			}
		})
	}
}

func TestResolveAutoTypescriptAddsTypecheck(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "package.json", "{}")
	writePlanFile(t, dir, "tsconfig.json", "{}")

	r := NewResolver()
	res, err := r.Resolve(dir, "auto")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	static := res.Plan.Levels[0]
	if static.Checks[0].Name != "typecheck" || !strings.Contains(static.Checks[0].Command, "tsc") {
		t.Errorf("first static check = %+v, want tsc typecheck", static.Checks[0])
	}
}

func TestResolveAutoUnknownProject(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(t.TempDir(), "auto")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != "none" || len(res.Plan.Levels) != 0 {
		t.Errorf("resolve = %+v, want empty none plan", res)
	}
}

func TestParsePlanFileRejectsBadLevels(t *testing.T) {
	dir := t.TempDir()
	path := writePlanFile(t, dir, "bad.yaml", `name: bad
levels:
  - id: L9
    name: wat
    checks:
      - name: x
        command: "true"
`)
	if _, err := ParsePlanFile(path); err == nil {
		t.Error("unknown level id accepted")
	}

	path = writePlanFile(t, dir, "bad2.yaml", `name: bad
levels:
  - id: L0
    name: static
    checks:
      - name: ""
        command: "true"
`)
	if _, err := ParsePlanFile(path); err == nil {
		t.Error("nameless check accepted")
	}

	path = writePlanFile(t, dir, "bad3.yaml", "{not yaml")
	if _, err := ParsePlanFile(path); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestFeedbackGeneration(t *testing.T) {
	g := NewFeedbackGenerator()

	if got := g.Generate(&Report{Passed: true}, 1); got != "" {
		t.Errorf("passed report produced feedback: %q", got)
	}
	if got := g.Generate(nil, 1); got != "" {
		t.Errorf("nil report produced feedback: %q", got)
	}

	report := &Report{
		Passed:       false,
		FailedLevels: []string{LevelTest},
		Levels: []LevelResult{
			{ID: LevelStatic, Name: "static", Passed: true, Checks: []CheckResult{
				{Name: "typecheck", Passed: true},
			}},
			{ID: LevelTest, Name: "tests", Passed: false, Checks: []CheckResult{
				{Name: "unit", Command: "go test ./...", Passed: false, ExitCode: 1,
					StderrTail: "--- FAIL: TestThing\nFAIL"},
			}},
		},
	}

	got := g.Generate(report, 2)
	for _, want := range []string{
		"iteration 2",
		"### tests (L1) failed",
		"**unit**",
		"exited 1",
		"--- FAIL: TestThing",
		"```",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("feedback missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "static") {
		t.Error("feedback mentions a passing level")
	}

	// Deterministic output
	if again := g.Generate(report, 2); again != got {
		t.Error("feedback not deterministic")
	}
}

func TestTruncateOutputKeepsEnd(t *testing.T) {
	long := strings.Repeat("a", 100) + "END"
	got := truncateOutput(long, 10)
	if !strings.HasSuffix(got, "END") {
		t.Errorf("truncation lost the end: %q", got)
	}
	if !strings.HasPrefix(got, "...[truncated]") {
		t.Errorf("missing truncation marker: %q", got)
	}

	if got := truncateOutput("short", 10); got != "short" {
		t.Errorf("short output modified: %q", got)
	}
}
