package hosting

import (
	"context"
	"strconv"
	"sync"
)

// FakeProvider is an in-memory Provider for tests. CIStatus replays the
// scripted sequence of results, repeating the last one.
type FakeProvider struct {
	mu        sync.Mutex
	nextPR    int
	prs       map[int]*PullRequest
	ciScript  []*CIResult
	ciCalls   int
	createErr error
	cloneURL  string
}

// NewFakeProvider builds an empty fake.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		nextPR:   100,
		prs:      make(map[int]*PullRequest),
		cloneURL: "https://example.com/owner/repo.git",
	}
}

// ScriptCI sets the sequence of CIStatus results.
func (f *FakeProvider) ScriptCI(results ...*CIResult) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ciScript = results
	f.ciCalls = 0
	return f
}

// FailCreate makes CreatePullRequest return err.
func (f *FakeProvider) FailCreate(err error) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
	return f
}

// CICalls reports how many times CIStatus was polled.
func (f *FakeProvider) CICalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ciCalls
}

func (f *FakeProvider) Name() ProviderType { return "fake" }
func (f *FakeProvider) CloneURL() string   { return f.cloneURL }

func (f *FakeProvider) CheckAuth(ctx context.Context) error { return nil }

func (f *FakeProvider) CreatePullRequest(ctx context.Context, opts CreateOptions) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextPR++
	pr := &PullRequest{
		Number:     f.nextPR,
		Title:      opts.Title,
		Body:       opts.Body,
		State:      "open",
		HeadBranch: opts.Head,
		BaseBranch: opts.Base,
		Draft:      opts.Draft,
		URL:        "https://example.com/owner/repo/pull/" + strconv.Itoa(f.nextPR),
	}
	f.prs[pr.Number] = pr
	return pr, nil
}

func (f *FakeProvider) ConvertDraftToReady(ctx context.Context, pr *PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.prs[pr.Number]
	if !ok {
		return ErrNoPRFound
	}
	stored.Draft = false
	pr.Draft = false
	return nil
}

func (f *FakeProvider) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return nil, ErrNoPRFound
	}
	cp := *pr
	return &cp, nil
}

func (f *FakeProvider) FindPRByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.prs {
		if pr.HeadBranch == branch && pr.State == "open" {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, ErrNoPRFound
}

func (f *FakeProvider) CIStatus(ctx context.Context, ref string) (*CIResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ciScript) == 0 {
		f.ciCalls++
		return &CIResult{State: CINone}, nil
	}
	idx := f.ciCalls
	if idx >= len(f.ciScript) {
		idx = len(f.ciScript) - 1
	}
	f.ciCalls++
	return f.ciScript[idx], nil
}
