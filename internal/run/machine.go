package run

import gateerrors "github.com/agentgate/agentgate/internal/errors"

// State is a run lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateLeased       State = "leased"
	StateBuilding     State = "building"
	StateSnapshotting State = "snapshotting"
	StateVerifying    State = "verifying"
	StateFeedback     State = "feedback"
	StatePRCreated    State = "pr_created"
	StateCIPolling    State = "ci_polling"

	StateSucceeded          State = "succeeded"
	StateFailedBuild        State = "failed_build"
	StateFailedVerification State = "failed_verification"
	StateFailedError        State = "failed_error"
	StateCanceled           State = "canceled"
)

// Event is a run lifecycle event.
type Event string

const (
	EventWorkspaceAcquired     Event = "workspace_acquired"
	EventBuildStarted          Event = "build_started"
	EventBuildCompleted        Event = "build_completed"
	EventBuildFailed           Event = "build_failed"
	EventSnapshotCompleted     Event = "snapshot_completed"
	EventVerifyPassed          Event = "verify_passed"
	EventVerifyFailedRetryable Event = "verify_failed_retryable"
	EventVerifyFailedTerminal  Event = "verify_failed_terminal"
	EventFeedbackGenerated     Event = "feedback_generated"
	EventPRCreated             Event = "pr_created"
	EventCIPollingStarted      Event = "ci_polling_started"
	EventCIPassed              Event = "ci_passed"
	EventCIFailed              Event = "ci_failed"
	EventCITimeout             Event = "ci_timeout"
	EventSystemError           Event = "system_error"
	EventUserCanceled          Event = "user_canceled"
)

// transitions is the full state machine. Missing (state, event) pairs are
// invalid; terminal states have no entries at all, so they absorb nothing.
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventWorkspaceAcquired: StateLeased,
		EventUserCanceled:      StateCanceled,
		EventSystemError:       StateFailedError,
	},
	StateLeased: {
		EventBuildStarted: StateBuilding,
		EventUserCanceled: StateCanceled,
		EventSystemError:  StateFailedError,
	},
	StateBuilding: {
		EventBuildCompleted: StateSnapshotting,
		EventBuildFailed:    StateFailedBuild,
		EventUserCanceled:   StateCanceled,
		EventSystemError:    StateFailedError,
	},
	StateSnapshotting: {
		EventSnapshotCompleted: StateVerifying,
		EventUserCanceled:      StateCanceled,
		EventSystemError:       StateFailedError,
	},
	StateVerifying: {
		EventVerifyPassed:          StateSucceeded,
		EventVerifyFailedRetryable: StateFeedback,
		EventVerifyFailedTerminal:  StateFailedVerification,
		EventFeedbackGenerated:     StateFeedback,
		EventPRCreated:             StatePRCreated,
		EventUserCanceled:          StateCanceled,
		EventSystemError:           StateFailedError,
	},
	StateFeedback: {
		EventBuildStarted: StateBuilding,
		EventUserCanceled: StateCanceled,
		EventSystemError:  StateFailedError,
	},
	StatePRCreated: {
		EventCIPollingStarted: StateCIPolling,
		EventVerifyPassed:     StateSucceeded,
		EventUserCanceled:     StateCanceled,
		EventSystemError:      StateFailedError,
	},
	StateCIPolling: {
		EventCIPassed:              StateSucceeded,
		EventCIFailed:              StateFailedVerification,
		EventCITimeout:             StateFailedError,
		EventVerifyFailedRetryable: StateFeedback,
		EventUserCanceled:          StateCanceled,
		EventSystemError:           StateFailedError,
	},
}

var terminalStates = map[State]bool{
	StateSucceeded:          true,
	StateFailedBuild:        true,
	StateFailedVerification: true,
	StateFailedError:        true,
	StateCanceled:           true,
}

// Next returns the state reached by applying event in state. It is a pure
// function of its inputs; invalid pairs return ErrInvalidTransition and
// terminal states reject every event.
func Next(state State, event Event) (State, error) {
	next, ok := transitions[state][event]
	if !ok {
		return state, gateerrors.ErrInvalidTransition(string(state), string(event))
	}
	return next, nil
}

// CanApply reports whether event is valid in state.
func CanApply(state State, event Event) bool {
	_, ok := transitions[state][event]
	return ok
}

// IsTerminalState reports whether state is terminal.
func IsTerminalState(state State) bool {
	return terminalStates[state]
}

// ResultForState maps a terminal state to its run result. Non-terminal
// states map to ResultNone.
func ResultForState(state State) Result {
	switch state {
	case StateSucceeded:
		return ResultPassed
	case StateFailedBuild:
		return ResultFailedBuild
	case StateFailedVerification:
		return ResultFailedVerification
	case StateFailedError:
		return ResultFailedError
	case StateCanceled:
		return ResultCanceled
	default:
		return ResultNone
	}
}
