// Package errors provides structured error types for agentgate.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Code represents a unique error code.
type Code string

// Error codes for agentgate.
const (
	// Queue errors
	CodeQueueFull     Code = "QUEUE_FULL"
	CodeAlreadyQueued Code = "ALREADY_QUEUED"

	// Execution errors
	CodeConcurrencyExceeded   Code = "CONCURRENCY_EXCEEDED"
	CodeLeaseUnavailable      Code = "LEASE_UNAVAILABLE"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeCancellationRequested Code = "CANCELLATION_REQUESTED"

	// Lookup errors
	CodeOrderNotFound Code = "ORDER_NOT_FOUND"
	CodeRunNotFound   Code = "RUN_NOT_FOUND"
	CodeConflict      Code = "CONFLICT"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Infrastructure errors
	CodeStorageFailed    Code = "STORAGE_FAILED"
	CodeWorkspaceFailed  Code = "WORKSPACE_FAILED"
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodeHostingFailed    Code = "HOSTING_FAILED"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeQueueFull:             CategoryUnavailable,
	CodeAlreadyQueued:         CategoryConflict,
	CodeConcurrencyExceeded:   CategoryUnavailable,
	CodeLeaseUnavailable:      CategoryConflict,
	CodeInvalidTransition:     CategoryInternal,
	CodeCancellationRequested: CategoryConflict,
	CodeOrderNotFound:         CategoryNotFound,
	CodeRunNotFound:           CategoryNotFound,
	CodeConflict:              CategoryConflict,
	CodeConfigInvalid:         CategoryBadRequest,
	CodeConfigMissing:         CategoryBadRequest,
	CodeStorageFailed:         CategoryInternal,
	CodeWorkspaceFailed:       CategoryInternal,
	CodeAgentUnavailable:      CategoryUnavailable,
	CodeHostingFailed:         CategoryUnavailable,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// GateError is the structured error type for agentgate.
type GateError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *GateError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *GateError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *GateError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *GateError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *GateError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *GateError) MarshalJSON() ([]byte, error) {
	type alias GateError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a GateError with the same code.
func (e *GateError) Is(target error) bool {
	t, ok := target.(*GateError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *GateError) WithCause(err error) *GateError {
	return &GateError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrQueueFull returns an error when the waiting set is at capacity.
func ErrQueueFull(size int) *GateError {
	return &GateError{
		Code: CodeQueueFull,
		What: "queue is full",
		Why:  fmt.Sprintf("The waiting set already holds %d work orders", size),
		Fix:  "Wait for running work to drain, or raise queue.maxQueueSize in config",
	}
}

// ErrAlreadyQueued returns an error when a work order is already waiting or running.
func ErrAlreadyQueued(id string) *GateError {
	return &GateError{
		Code: CodeAlreadyQueued,
		What: fmt.Sprintf("work order %s is already queued", id),
		Why:  "A work order id may appear at most once across the waiting and running sets",
		Fix:  fmt.Sprintf("Check 'agentgate status %s', or cancel it before resubmitting", id),
	}
}

// ErrConcurrencyExceeded returns an error when no run slot is available.
func ErrConcurrencyExceeded(active, max int) *GateError {
	return &GateError{
		Code: CodeConcurrencyExceeded,
		What: "concurrent run limit reached",
		Why:  fmt.Sprintf("%d of %d run slots are in use", active, max),
		Fix:  "Submit through the queue instead of exec-now, or raise queue.maxConcurrent",
	}
}

// ErrLeaseUnavailable returns an error when a workspace lease is held elsewhere.
func ErrLeaseUnavailable(workspaceID, holder string, expires time.Time) *GateError {
	return &GateError{
		Code: CodeLeaseUnavailable,
		What: fmt.Sprintf("workspace %s is leased", workspaceID),
		Why:  fmt.Sprintf("Held by %s until %s", holder, expires.Format(time.RFC3339)),
		Fix:  "Wait for the lease to expire or for the holding run to finish",
	}
}

// ErrInvalidTransition returns an error for an illegal state-machine step.
// These indicate a bug, not an operational condition.
func ErrInvalidTransition(state, event string) *GateError {
	return &GateError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("invalid transition: event %s in state %s", event, state),
		Why:  "The run state machine received an event its current state does not accept",
	}
}

// ErrCancellationRequested returns an error used to unwind a canceled run.
func ErrCancellationRequested(id string) *GateError {
	return &GateError{
		Code: CodeCancellationRequested,
		What: fmt.Sprintf("work order %s was canceled", id),
		Why:  "Cancellation was requested while the run was in progress",
	}
}

// ErrOrderNotFound returns an error when a work order doesn't exist.
func ErrOrderNotFound(id string) *GateError {
	return &GateError{
		Code: CodeOrderNotFound,
		What: fmt.Sprintf("work order %s not found", id),
		Why:  "No work order with this ID exists in the store",
		Fix:  "Run 'agentgate list' to see known work orders",
	}
}

// ErrRunNotFound returns an error when a run doesn't exist.
func ErrRunNotFound(id string) *GateError {
	return &GateError{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No run with this ID exists in the store",
	}
}

// ErrConflict returns an error when an operation conflicts with current status.
func ErrConflict(id, status string) *GateError {
	return &GateError{
		Code: CodeConflict,
		What: fmt.Sprintf("work order %s is %s", id, status),
		Why:  "The requested operation cannot be performed in the current status",
		Fix:  fmt.Sprintf("Check 'agentgate status %s' for the current status", id),
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *GateError {
	return &GateError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .agentgate/config.yaml and fix the invalid field",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *GateError {
	return &GateError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration",
		Fix:  fmt.Sprintf("Add '%s' to .agentgate/config.yaml", field),
	}
}

// ErrStorageFailed returns an error for a failed persistence operation.
func ErrStorageFailed(op string) *GateError {
	return &GateError{
		Code: CodeStorageFailed,
		What: fmt.Sprintf("storage operation failed: %s", op),
		Why:  "The persistence backend rejected or could not complete the write",
	}
}

// ErrWorkspaceFailed returns an error for a failed workspace operation.
func ErrWorkspaceFailed(what string) *GateError {
	return &GateError{
		Code: CodeWorkspaceFailed,
		What: what,
		Why:  "Workspace materialization or release did not complete",
	}
}

// ErrAgentUnavailable returns an error when an agent driver cannot run.
func ErrAgentUnavailable(name string) *GateError {
	return &GateError{
		Code: CodeAgentUnavailable,
		What: fmt.Sprintf("agent driver %q is not available", name),
		Why:  "The driver is unknown or its binary could not be found",
		Fix:  "Check agent.type in config and that the agent CLI is installed",
	}
}

// ErrHostingFailed returns an error for a failed forge operation.
func ErrHostingFailed(op string) *GateError {
	return &GateError{
		Code: CodeHostingFailed,
		What: fmt.Sprintf("hosting operation failed: %s", op),
		Why:  "The forge provider returned an error",
		Fix:  "Check hosting credentials and remote configuration",
	}
}

// AsGateError attempts to convert an error to a GateError.
// Returns nil if the error is not a GateError.
func AsGateError(err error) *GateError {
	var gateErr *GateError
	if As(err, &gateErr) {
		return gateErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if gateErr, ok := err.(*GateError); ok {
		if t, ok := target.(**GateError); ok {
			*t = gateErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a GateError with unknown code.
func Wrap(err error, what string) *GateError {
	return &GateError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}

// ExitCode maps an error to the control CLI exit convention: 0 for
// success, 2 for queue or concurrency refusal, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if gateErr := AsGateError(err); gateErr != nil {
		switch gateErr.Code {
		case CodeQueueFull, CodeAlreadyQueued, CodeConcurrencyExceeded:
			return 2
		}
	}
	return 1
}
