package strategy

import (
	"math"
	"testing"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

func failedVerification(failedChecks int) *VerificationStats {
	return &VerificationStats{Passed: false, FailedChecks: failedChecks}
}

func TestNewSelectsRegisteredStrategies(t *testing.T) {
	cases := []struct {
		typ  string
		want string
	}{
		{"", TypeFixed},
		{TypeFixed, TypeFixed},
		{TypeHybrid, TypeHybrid},
		{TypeRalph, TypeRalph},
	}
	for _, tc := range cases {
		s, err := New(Config{Type: tc.typ})
		if err != nil {
			t.Fatalf("New(%q): %v", tc.typ, err)
		}
		if s.Name() != tc.want {
			t.Errorf("New(%q).Name() = %q, want %q", tc.typ, s.Name(), tc.want)
		}
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(Config{Type: "psychic"})
	ge := gateerrors.AsGateError(err)
	if ge == nil || ge.Code != gateerrors.CodeConfigInvalid {
		t.Errorf("error = %v, want CONFIG_INVALID", err)
	}
}

func TestRegisterCustomStrategy(t *testing.T) {
	Register("always-stop", func(cfg Config) (Strategy, error) {
		return &stubStrategy{name: "always-stop", decision: Stop("custom")}, nil
	})

	s, err := New(Config{Type: "always-stop"})
	if err != nil {
		t.Fatalf("New custom: %v", err)
	}
	d, err := s.ShouldContinue(&Context{})
	if err != nil || d.ShouldContinue {
		t.Errorf("custom decision = %+v (err %v), want stop", d, err)
	}
}

type stubStrategy struct {
	base
	name     string
	decision Decision
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) ShouldContinue(*Context) (Decision, error) {
	return s.decision, nil
}

func TestFixedContinuesUntilMax(t *testing.T) {
	f := NewFixed(Config{MaxIterations: 3})

	cases := []struct {
		iteration int
		want      bool
	}{
		{1, true},
		{2, true},
		{3, false},
		{4, false},
	}
	for _, tc := range cases {
		c := &Context{
			State:        State{Iteration: tc.iteration},
			Verification: failedVerification(2),
		}
		d, err := f.ShouldContinue(c)
		if err != nil {
			t.Fatalf("shouldContinue: %v", err)
		}
		if d.ShouldContinue != tc.want {
			t.Errorf("iteration %d: continue = %v, want %v (%s)", tc.iteration, d.ShouldContinue, tc.want, d.Reason)
		}
		wantAction := ActionStop
		if tc.want {
			wantAction = ActionContinue
		}
		if d.Action != wantAction {
			t.Errorf("iteration %d: action = %q, want %q", tc.iteration, d.Action, wantAction)
		}
	}
}

func TestFixedStopsOnPassedVerification(t *testing.T) {
	f := NewFixed(Config{MaxIterations: 10})
	d, _ := f.ShouldContinue(&Context{
		State:        State{Iteration: 1},
		Verification: &VerificationStats{Passed: true},
	})
	if d.ShouldContinue {
		t.Errorf("continued after passing verification: %s", d.Reason)
	}
}

func TestFixedFallsBackToOrderLimit(t *testing.T) {
	f := NewFixed(Config{}) // no override
	c := &Context{
		State:        State{Iteration: 5, MaxIterations: 5},
		Verification: failedVerification(1),
	}
	d, _ := f.ShouldContinue(c)
	if d.ShouldContinue {
		t.Errorf("continued past the order limit: %s", d.Reason)
	}

	c.State.MaxIterations = 0
	c.State.Iteration = DefaultMaxIterations - 1
	d, _ = f.ShouldContinue(c)
	if !d.ShouldContinue {
		t.Errorf("stopped below the package default: %s", d.Reason)
	}
}

func TestHybridBasePhaseActsLikeFixed(t *testing.T) {
	h := NewHybrid(Config{BaseIterations: 3, BonusIterations: 2})
	d, _ := h.ShouldContinue(&Context{
		State:        State{Iteration: 2},
		Verification: failedVerification(4),
	})
	if !d.ShouldContinue {
		t.Errorf("stopped inside base phase: %s", d.Reason)
	}
}

func TestHybridBonusRequiresImprovingTrend(t *testing.T) {
	h := NewHybrid(Config{BaseIterations: 2, BonusIterations: 2})

	improving := &Context{
		State:             State{Iteration: 2},
		Verification:      failedVerification(1),
		PrevVerifications: []VerificationStats{{FailedChecks: 4}},
	}
	d, _ := h.ShouldContinue(improving)
	if !d.ShouldContinue {
		t.Errorf("bonus denied while improving: %s", d.Reason)
	}

	regressing := &Context{
		State:             State{Iteration: 2},
		Verification:      failedVerification(6),
		PrevVerifications: []VerificationStats{{FailedChecks: 4}},
	}
	d, _ = h.ShouldContinue(regressing)
	if d.ShouldContinue {
		t.Errorf("bonus granted while regressing: %s", d.Reason)
	}

	flat := &Context{
		State:             State{Iteration: 2},
		Verification:      failedVerification(4),
		PrevVerifications: []VerificationStats{{FailedChecks: 4}},
	}
	d, _ = h.ShouldContinue(flat)
	if d.ShouldContinue {
		t.Errorf("bonus granted while flat: %s", d.Reason)
	}
}

func TestHybridBonusExhausts(t *testing.T) {
	h := NewHybrid(Config{BaseIterations: 2, BonusIterations: 2})
	c := &Context{
		State:             State{Iteration: 4, Progress: Progress{Trend: TrendImproving}},
		Verification:      failedVerification(1),
		PrevVerifications: []VerificationStats{{FailedChecks: 2}},
	}
	d, _ := h.ShouldContinue(c)
	if d.ShouldContinue {
		t.Errorf("granted a third bonus iteration: %s", d.Reason)
	}
}

func TestHybridHonorsExplicitTrend(t *testing.T) {
	h := NewHybrid(Config{BaseIterations: 1, BonusIterations: 1})
	// History says regressing, but the caller pinned the trend
	c := &Context{
		State:             State{Iteration: 1, Progress: Progress{Trend: TrendImproving}},
		Verification:      failedVerification(9),
		PrevVerifications: []VerificationStats{{FailedChecks: 1}},
	}
	d, _ := h.ShouldContinue(c)
	if !d.ShouldContinue {
		t.Errorf("explicit trend ignored: %s", d.Reason)
	}
}

func TestRalphStopsOnConvergence(t *testing.T) {
	r := NewRalph(Config{MinIterations: 2, WindowSize: 3, Threshold: 0.9})
	c := &Context{
		State:        State{Iteration: 3, MaxIterations: 10},
		Verification: failedVerification(2),
		Snapshot:     &SnapshotStats{AfterSHA: "abc", Insertions: 1, Deletions: 0},
		PrevSnapshots: []SnapshotStats{
			{AfterSHA: "abc", Insertions: 1},
			{AfterSHA: "abc", Insertions: 1},
		},
	}
	d, _ := r.ShouldContinue(c)
	if d.ShouldContinue {
		t.Errorf("kept iterating after convergence: %s", d.Reason)
	}
}

func TestRalphMinIterationsBlocksEarlyStop(t *testing.T) {
	r := NewRalph(Config{MinIterations: 5, WindowSize: 2, Threshold: 0.5})
	c := &Context{
		State:         State{Iteration: 2, MaxIterations: 10},
		Verification:  failedVerification(2),
		Snapshot:      &SnapshotStats{AfterSHA: "same"},
		PrevSnapshots: []SnapshotStats{{AfterSHA: "same"}},
	}
	d, _ := r.ShouldContinue(c)
	if !d.ShouldContinue {
		t.Errorf("stopped below minIterations: %s", d.Reason)
	}
}

func TestRalphContinuesWhileDiverging(t *testing.T) {
	r := NewRalph(Config{MinIterations: 1, WindowSize: 3, Threshold: 0.9})
	c := &Context{
		State:         State{Iteration: 3, MaxIterations: 10},
		Verification:  failedVerification(2),
		Snapshot:      &SnapshotStats{AfterSHA: "c", Insertions: 500},
		PrevSnapshots: []SnapshotStats{{AfterSHA: "a", Insertions: 10}, {AfterSHA: "b", Insertions: 100}},
	}
	d, _ := r.ShouldContinue(c)
	if !d.ShouldContinue {
		t.Errorf("stopped while churn still varies: %s", d.Reason)
	}
}

func TestRalphMaxIterationsBackstop(t *testing.T) {
	r := NewRalph(Config{MinIterations: 1, WindowSize: 3, Threshold: 0.99})
	c := &Context{
		State:        State{Iteration: 10, MaxIterations: 10},
		Verification: failedVerification(2),
	}
	d, _ := r.ShouldContinue(c)
	if d.ShouldContinue {
		t.Errorf("exceeded the iteration cap: %s", d.Reason)
	}
}

func TestRalphSingleSnapshotContinues(t *testing.T) {
	r := NewRalph(Config{})
	c := &Context{
		State:        State{Iteration: 1, MaxIterations: 10},
		Verification: failedVerification(2),
		Snapshot:     &SnapshotStats{AfterSHA: "only"},
	}
	d, _ := r.ShouldContinue(c)
	if !d.ShouldContinue {
		t.Errorf("stopped with one snapshot: %s", d.Reason)
	}
}

func TestComputeTrend(t *testing.T) {
	cases := []struct {
		name    string
		prev    []VerificationStats
		current *VerificationStats
		want    string
	}{
		{"no history", nil, failedVerification(3), TrendUnknown},
		{"no current", []VerificationStats{{FailedChecks: 3}}, nil, TrendUnknown},
		{"fewer failures", []VerificationStats{{FailedChecks: 5}}, failedVerification(2), TrendImproving},
		{"more failures", []VerificationStats{{FailedChecks: 2}}, failedVerification(5), TrendRegressing},
		{"same failures", []VerificationStats{{FailedChecks: 2}}, failedVerification(2), TrendFlat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeTrend(tc.prev, tc.current); got != tc.want {
				t.Errorf("trend = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSimilarityScores(t *testing.T) {
	identical := similarity(
		SnapshotStats{AfterSHA: "x", Insertions: 100},
		SnapshotStats{AfterSHA: "x", Insertions: 5},
	)
	if identical != 1 {
		t.Errorf("identical SHAs = %v, want 1", identical)
	}

	bothEmpty := similarity(SnapshotStats{}, SnapshotStats{AfterSHA: "y"})
	if bothEmpty != 1 {
		t.Errorf("zero churn on both sides = %v, want 1", bothEmpty)
	}

	halved := similarity(
		SnapshotStats{AfterSHA: "a", Insertions: 100},
		SnapshotStats{AfterSHA: "b", Insertions: 50},
	)
	if math.Abs(halved-0.5) > 1e-9 {
		t.Errorf("halved churn = %v, want 0.5", halved)
	}
}

func TestRollingSimilarityWindow(t *testing.T) {
	snaps := []SnapshotStats{
		{AfterSHA: "a", Insertions: 1000}, // outside a window of 3
		{AfterSHA: "b", Insertions: 10},
		{AfterSHA: "c", Insertions: 10},
		{AfterSHA: "d", Insertions: 10},
	}
	sim, ok := rollingSimilarity(snaps, 3)
	if !ok || sim != 1 {
		t.Errorf("rolling = (%v, %v), want (1, true)", sim, ok)
	}

	if _, ok := rollingSimilarity(snaps[:1], 3); ok {
		t.Error("single snapshot reported a similarity")
	}
}

func TestBaseHooksAreNoOps(t *testing.T) {
	f := NewFixed(Config{})
	c := &Context{}
	if err := f.OnLoopStart(c); err != nil {
		t.Errorf("onLoopStart: %v", err)
	}
	if err := f.OnIterationStart(c); err != nil {
		t.Errorf("onIterationStart: %v", err)
	}
	if err := f.OnIterationEnd(c, Stop("x")); err != nil {
		t.Errorf("onIterationEnd: %v", err)
	}
	if err := f.OnLoopEnd(c, Stop("x")); err != nil {
		t.Errorf("onLoopEnd: %v", err)
	}
}
