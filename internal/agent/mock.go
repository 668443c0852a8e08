package agent

import (
	"context"
	"sync"
	"time"
)

func init() {
	Register("mock", func(cfg Config) (Driver, error) {
		return NewMockDriver(), nil
	})
}

// MockDriver replays scripted results, one per Execute call. The last
// script repeats once exhausted. Used in tests and dry runs.
type MockDriver struct {
	mu       sync.Mutex
	scripts  []Result
	requests []Request
	execErr  error
	delay    time.Duration
}

// NewMockDriver builds a mock that succeeds by default.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		scripts: []Result{{Success: true, SessionID: "mock-session"}},
	}
}

// Script replaces the result sequence.
func (d *MockDriver) Script(results ...Result) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = results
	return d
}

// FailWith makes every Execute return err.
func (d *MockDriver) FailWith(err error) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execErr = err
	return d
}

// Delay makes Execute block for d (or until the context is canceled).
func (d *MockDriver) Delay(delay time.Duration) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
	return d
}

// Requests returns every request seen so far.
func (d *MockDriver) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

func (d *MockDriver) Name() string      { return "mock" }
func (d *MockDriver) IsAvailable() bool { return true }

func (d *MockDriver) Capabilities() Capabilities {
	return Capabilities{SessionResume: true, StructuredOutput: true, ToolRestriction: true, Timeout: true}
}

func (d *MockDriver) Execute(ctx context.Context, req Request) (*Result, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	idx := len(d.requests) - 1
	if idx >= len(d.scripts) {
		idx = len(d.scripts) - 1
	}
	res := d.scripts[idx]
	err := d.execErr
	delay := d.delay
	d.mu.Unlock()

	if req.OnPID != nil {
		req.OnPID(0)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	cp := res
	return &cp, nil
}
