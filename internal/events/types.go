// Package events provides event types and publishing infrastructure for
// agentgate.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Queue events

	// EventStateChange indicates the queue's waiting/running sets changed.
	EventStateChange EventType = "state_change"
	// EventTimeout indicates a waiting entry exceeded its max wait.
	EventTimeout EventType = "timeout"
	// EventCanceled indicates a work order was canceled.
	EventCanceled EventType = "canceled"

	// Admission events

	// EventAdmissionStart indicates the admission tick is starting a work order.
	EventAdmissionStart EventType = "admission_start"
	// EventStaggerSkip indicates a tick skipped due to the stagger gate.
	EventStaggerSkip EventType = "stagger_skip"
	// EventMemorySkip indicates a tick skipped due to low host memory.
	EventMemorySkip EventType = "memory_skip"

	// Stale detector events

	// EventStaleDetected indicates a running work order was found dead or stale.
	EventStaleDetected EventType = "stale_detected"
	// EventStaleHandled indicates the stale handler finished for a work order.
	EventStaleHandled EventType = "stale_handled"

	// Run lifecycle events

	// EventRunStarted indicates a run began executing.
	EventRunStarted EventType = "run_started"
	// EventTransition indicates a run state transition.
	EventTransition EventType = "transition"
	// EventIterationCompleted indicates one build/verify cycle finished.
	EventIterationCompleted EventType = "iteration_completed"
	// EventRunCompleted indicates a run reached a terminal state.
	EventRunCompleted EventType = "run_completed"
	// EventWarning indicates a non-fatal fault during a run.
	EventWarning EventType = "warning"

	// Agent streaming events (throttled by StreamSink)

	// EventAgentToolCalls carries a flushed batch of agent tool calls.
	EventAgentToolCalls EventType = "agent_tool_calls"
	// EventAgentOutput carries debounced agent output text.
	EventAgentOutput EventType = "agent_output"
	// EventAgentToolResult carries a tool result, unthrottled.
	EventAgentToolResult EventType = "agent_tool_result"
	// EventProgress carries a progress update, unthrottled.
	EventProgress EventType = "progress_update"
)

// Event represents a published event.
type Event struct {
	Type        EventType `json:"type"`
	WorkOrderID string    `json:"work_order_id"`
	Data        any       `json:"data"`
	Time        time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, workOrderID string, data any) Event {
	return Event{
		Type:        eventType,
		WorkOrderID: workOrderID,
		Data:        data,
		Time:        time.Now(),
	}
}

// StateChangeData summarizes the queue after a mutation.
type StateChangeData struct {
	Waiting int `json:"waiting"`
	Running int `json:"running"`
}

// TimeoutData reports a queue-wait timeout eviction.
type TimeoutData struct {
	WaitedMs  int64 `json:"waited_ms"`
	MaxWaitMs int64 `json:"max_wait_ms"`
}

// CanceledData reports a cancellation.
type CanceledData struct {
	WasRunning bool `json:"was_running"`
}

// StaggerSkipData reports an admission tick skipped by the stagger gate.
type StaggerSkipData struct {
	ElapsedMs int64 `json:"elapsed_ms"`
	DelayMs   int64 `json:"delay_ms"`
}

// MemorySkipData reports an admission tick skipped by the memory gate.
type MemorySkipData struct {
	AvailableMB int `json:"available_mb"`
	RequiredMB  int `json:"required_mb"`
}

// StaleDetectedData reports a dead or stale running work order.
type StaleDetectedData struct {
	Classification string `json:"classification"` // dead or stale
	RunningMs      int64  `json:"running_ms,omitempty"`
}

// StaleHandledData reports the outcome of stale handling.
type StaleHandledData struct {
	Killed bool `json:"killed"`
}

// TransitionData reports a run state transition.
type TransitionData struct {
	RunID     string `json:"run_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Event     string `json:"event"`
	Iteration int    `json:"iteration"`
}

// IterationData summarizes a finished iteration.
type IterationData struct {
	RunID              string `json:"run_id"`
	Iteration          int    `json:"iteration"`
	VerificationPassed bool   `json:"verification_passed"`
	DurationMs         int64  `json:"duration_ms"`
}

// RunCompletedData reports a terminal run.
type RunCompletedData struct {
	RunID      string `json:"run_id"`
	Result     string `json:"result"`
	Iterations int    `json:"iterations"`
	DurationMs int64  `json:"duration_ms"`
}

// WarningData reports a non-fatal fault.
type WarningData struct {
	RunID   string `json:"run_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolCall is one agent tool invocation.
type ToolCall struct {
	Tool    string    `json:"tool"`
	Summary string    `json:"summary,omitempty"`
	Time    time.Time `json:"time"`
}

// ToolCallBatch is a flushed window of tool calls.
type ToolCallBatch struct {
	Calls []ToolCall `json:"calls"`
}

// OutputChunk is coalesced agent output text.
type OutputChunk struct {
	Text   string `json:"text"`
	Stream string `json:"stream,omitempty"` // stdout or stderr
}

// ToolResultData is an unthrottled tool result.
type ToolResultData struct {
	Tool    string `json:"tool"`
	IsError bool   `json:"is_error,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ProgressData is an unthrottled progress update.
type ProgressData struct {
	Message string `json:"message"`
	Percent int    `json:"percent,omitempty"`
}
