package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
)

// Stream event kinds as produced by agent drivers.
const (
	StreamToolCall   = "agent_tool_call"
	StreamOutput     = "agent_output"
	StreamToolResult = "agent_tool_result"
	StreamProgress   = "progress_update"
)

// StreamEvent is one raw event from an agent's output stream.
type StreamEvent struct {
	Kind    string
	Tool    string
	Text    string
	Stream  string // stdout or stderr
	IsError bool
	Percent int
}

// Default throttle windows. Tool calls arrive in bursts of dozens per
// second; output arrives per line. Tool results and progress updates are
// never throttled because completion tracking must be prompt.
const (
	DefaultToolCallWindow = 50 * time.Millisecond
	DefaultOutputInterval = 100 * time.Millisecond
)

// StreamSink throttles high-frequency agent stream events before they hit
// the publisher. Tool calls are batched inside a window and flushed
// together; output text is coalesced with a minimum inter-emission
// interval. One sink serves one run.
type StreamSink struct {
	publisher   Publisher
	workOrderID string
	logger      *slog.Logger

	batcher *microbatch.Batcher[ToolCall]

	mu          sync.Mutex
	lastEmit    time.Time
	pending     *OutputChunk
	timer       *time.Timer
	minInterval time.Duration
	closed      bool
}

// StreamSinkOption configures a StreamSink.
type StreamSinkOption func(*streamSinkConfig)

type streamSinkConfig struct {
	toolCallWindow time.Duration
	outputInterval time.Duration
}

// WithToolCallWindow overrides the tool-call batching window.
func WithToolCallWindow(d time.Duration) StreamSinkOption {
	return func(c *streamSinkConfig) {
		c.toolCallWindow = d
	}
}

// WithOutputInterval overrides the minimum output emission interval.
func WithOutputInterval(d time.Duration) StreamSinkOption {
	return func(c *streamSinkConfig) {
		c.outputInterval = d
	}
}

// NewStreamSink creates a sink publishing throttled events for workOrderID.
func NewStreamSink(publisher Publisher, workOrderID string, logger *slog.Logger, opts ...StreamSinkOption) *StreamSink {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &streamSinkConfig{
		toolCallWindow: DefaultToolCallWindow,
		outputInterval: DefaultOutputInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &StreamSink{
		publisher:   publisher,
		workOrderID: workOrderID,
		logger:      logger,
		minInterval: cfg.outputInterval,
	}
	s.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        16,
		FlushInterval:  cfg.toolCallWindow,
		MaxConcurrency: 1,
	}, func(ctx context.Context, calls []ToolCall) error {
		publisher.Publish(NewEvent(EventAgentToolCalls, workOrderID, ToolCallBatch{Calls: calls}))
		return nil
	})
	return s
}

// Handle routes one raw stream event through the throttle.
func (s *StreamSink) Handle(ctx context.Context, ev StreamEvent) {
	switch ev.Kind {
	case StreamToolCall:
		call := ToolCall{Tool: ev.Tool, Summary: ev.Text, Time: time.Now()}
		if _, err := s.batcher.Submit(ctx, call); err != nil {
			s.logger.Debug("tool call dropped", "work_order_id", s.workOrderID, "error", err)
		}
	case StreamOutput:
		s.handleOutput(ev)
	case StreamToolResult:
		s.publisher.Publish(NewEvent(EventAgentToolResult, s.workOrderID, ToolResultData{
			Tool:    ev.Tool,
			IsError: ev.IsError,
			Summary: ev.Text,
		}))
	case StreamProgress:
		s.publisher.Publish(NewEvent(EventProgress, s.workOrderID, ProgressData{
			Message: ev.Text,
			Percent: ev.Percent,
		}))
	default:
		s.logger.Debug("unknown stream event dropped", "work_order_id", s.workOrderID, "kind", ev.Kind)
	}
}

func (s *StreamSink) handleOutput(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	// A pending chunk means a trailing flush is already scheduled;
	// coalesce into it.
	if s.pending != nil {
		s.pending.Text += ev.Text
		return
	}

	since := time.Since(s.lastEmit)
	if since >= s.minInterval {
		s.lastEmit = time.Now()
		s.publisher.Publish(NewEvent(EventAgentOutput, s.workOrderID, OutputChunk{
			Text:   ev.Text,
			Stream: ev.Stream,
		}))
		return
	}

	s.pending = &OutputChunk{Text: ev.Text, Stream: ev.Stream}
	s.timer = time.AfterFunc(s.minInterval-since, s.flushOutput)
}

func (s *StreamSink) flushOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return
	}
	s.lastEmit = time.Now()
	s.publisher.Publish(NewEvent(EventAgentOutput, s.workOrderID, *s.pending))
	s.pending = nil
}

// Close flushes anything buffered and stops the throttle. The sink must
// not be used after Close.
func (s *StreamSink) Close(ctx context.Context) error {
	err := s.batcher.Shutdown(ctx)

	s.mu.Lock()
	s.closed = true
	timer := s.timer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.flushClosedOutput()
	return err
}

// flushClosedOutput emits a chunk left pending at close time.
func (s *StreamSink) flushClosedOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	s.publisher.Publish(NewEvent(EventAgentOutput, s.workOrderID, *s.pending))
	s.pending = nil
}
