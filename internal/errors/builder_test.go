package errors

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAgentResult_Crash(t *testing.T) {
	be := FromAgentResult(137, false, "partial output", "killed")

	assert.Equal(t, FailureAgentCrash, be.Type)
	assert.Equal(t, 137, be.ExitCode)
	assert.Contains(t, be.Message, "exited with code 137")
	assert.Equal(t, "partial output", be.StdoutTail)
}

func TestFromAgentResult_Timeout(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
	}{
		{"lowercase timeout", "operation timeout after 300s"},
		{"terminated", "process was Terminated by supervisor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := FromAgentResult(0, false, "", tt.stderr)
			assert.Equal(t, FailureAgentTimeout, be.Type)
		})
	}
}

func TestFromAgentResult_TaskFailure(t *testing.T) {
	be := FromAgentResult(0, false, "", "could not satisfy the request")
	assert.Equal(t, FailureAgentTaskFailure, be.Type)
}

func TestFromAgentResult_Tails(t *testing.T) {
	longOut := strings.Repeat("a", 10000)
	longErr := strings.Repeat("b", 5000) + "END"

	be := FromAgentResult(1, false, longOut, longErr)

	require.Len(t, be.StdoutTail, tailLimit)
	require.Len(t, be.StderrTail, tailLimit)
	assert.True(t, strings.HasSuffix(be.StderrTail, "END"), "tail must keep the end of the stream")
}

func TestFromVerification(t *testing.T) {
	tests := []struct {
		name     string
		failures []LevelFailure
		want     FailureKind
	}{
		{"typecheck", []LevelFailure{{Level: "L0", Check: "typecheck"}}, FailureTypecheck},
		{"tsc", []LevelFailure{{Level: "L0", Check: "tsc"}}, FailureTypecheck},
		{"lint", []LevelFailure{{Level: "L0", Check: "lint"}}, FailureLint},
		{"eslint", []LevelFailure{{Level: "L0", Check: "eslint"}}, FailureLint},
		{"unit tests", []LevelFailure{{Level: "L1", Check: "unit"}}, FailureTest},
		{"blackbox", []LevelFailure{{Level: "L2", Check: "e2e"}}, FailureBlackbox},
		{"ci", []LevelFailure{{Level: "L3", Check: "ci"}}, FailureCI},
		{"earliest level wins", []LevelFailure{{Level: "L1", Check: "unit"}, {Level: "L2", Check: "e2e"}}, FailureTest},
		{"no failures", nil, FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := FromVerification(tt.failures, nil)
			assert.Equal(t, tt.want, be.Type)
		})
	}
}

func TestFromVerification_Context(t *testing.T) {
	failures := []LevelFailure{
		{Level: "L1", Check: "unit"},
		{Level: "L1", Check: "integration"},
		{Level: "L2", Check: "e2e"},
	}
	diags := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7"}

	be := FromVerification(failures, diags)

	require.NotNil(t, be.Context)
	assert.Equal(t, []string{"L1", "L2"}, be.Context["failedLevels"])
	assert.Len(t, be.Context["diagnostics"], 5, "diagnostics are capped at five")
}

func TestFromSystemError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"workspace", errors.New("workspace create failed: no space"), FailureWorkspace},
		{"snapshot", errors.New("snapshot commit rejected"), FailureSnapshot},
		{"git", errors.New("git worktree missing"), FailureSnapshot},
		{"github", errors.New("GitHub API 502"), FailureGitHub},
		{"rate limit", errors.New("secondary rate limit hit"), FailureGitHub},
		{"generic", errors.New("nil map write"), FailureSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := FromSystemError(tt.err)
			assert.Equal(t, tt.want, be.Type)
			assert.Equal(t, tt.err.Error(), be.Message)
			assert.NotEmpty(t, be.Context["stack"])
		})
	}
}

func TestWallClockExceeded(t *testing.T) {
	be := WallClockExceeded(90*time.Second, time.Minute)
	assert.Equal(t, FailureAgentTimeout, be.Type)
	assert.Contains(t, be.Message, "limit 1m0s")
}
