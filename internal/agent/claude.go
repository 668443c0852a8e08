package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/proc"
)

func init() {
	Register("claude", func(cfg Config) (Driver, error) {
		return NewClaudeDriver(cfg), nil
	})
}

const (
	defaultClaudeBinary  = "claude"
	defaultClaudeTimeout = 30 * time.Minute

	// maxStreamLine bounds one NDJSON line from the agent. Tool results
	// embedding file contents can run long.
	maxStreamLine = 10 * 1024 * 1024
)

// ClaudeDriver runs the claude CLI in print mode with stream-json output
// and parses the NDJSON event stream as it arrives.
type ClaudeDriver struct {
	binary  string
	model   string
	timeout time.Duration
}

// NewClaudeDriver builds a driver for the claude CLI.
func NewClaudeDriver(cfg Config) *ClaudeDriver {
	d := &ClaudeDriver{
		binary:  cfg.Binary,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
	if d.binary == "" {
		d.binary = defaultClaudeBinary
	}
	if d.timeout <= 0 {
		d.timeout = defaultClaudeTimeout
	}
	return d
}

func (d *ClaudeDriver) Name() string { return "claude" }

// IsAvailable reports whether the claude binary is on PATH.
func (d *ClaudeDriver) IsAvailable() bool {
	_, err := exec.LookPath(d.binary)
	return err == nil
}

func (d *ClaudeDriver) Capabilities() Capabilities {
	return Capabilities{
		SessionResume:    true,
		StructuredOutput: true,
		ToolRestriction:  true,
		Timeout:          true,
	}
}

// buildArgs assembles the CLI invocation for one request.
func (d *ClaudeDriver) buildArgs(req Request) []string {
	args := []string{
		"-p", buildPrompt(req),
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	model := req.Model
	if model == "" {
		model = d.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// buildPrompt joins the task prompt with feedback from the previous
// iteration. On resumed sessions the agent already has the task in
// context, so feedback alone is sent.
func buildPrompt(req Request) string {
	if req.SessionID != "" && req.Feedback != "" {
		return req.Feedback
	}
	if req.Feedback == "" {
		return req.Prompt
	}
	return req.Prompt + "\n\n" + req.Feedback
}

// Execute runs the agent to completion, streaming events through
// req.Stream. Context cancellation kills the agent's process group.
func (d *ClaudeDriver) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, d.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	proc.SetProcAttr(cmd)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return proc.KillGroup(cmd.Process.Pid)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", d.binary, err)
	}
	if req.OnPID != nil {
		req.OnPID(cmd.Process.Pid)
	}

	res := &Result{SessionID: req.SessionID}
	var rawLines strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Text()
		rawLines.WriteString(line)
		rawLines.WriteByte('\n')
		d.handleLine(ctx, line, req.Stream, res)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = rawLines.String()
	res.Stderr = stderr.String()

	switch {
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}

	// Context expiry surfaces as a timeout result rather than an error so
	// the failure classifier can tag it agent_timeout.
	if ctx.Err() == context.DeadlineExceeded {
		res.Success = false
		res.ExitCode = 0
		if res.Stderr == "" {
			res.Stderr = fmt.Sprintf("agent timeout after %s", timeout)
		}
		return res, nil
	}
	if ctx.Err() == context.Canceled {
		return res, ctx.Err()
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read agent stream: %w", scanErr)
	}
	return res, nil
}

// handleLine parses one NDJSON event and updates the result, forwarding
// displayable activity to the stream callback. Non-JSON lines are
// treated as plain output.
func (d *ClaudeDriver) handleLine(ctx context.Context, line string, stream StreamFunc, res *Result) {
	if line == "" {
		return
	}
	if !gjson.Valid(line) {
		emit(ctx, stream, events.StreamEvent{Kind: events.StreamOutput, Text: line + "\n", Stream: "stdout"})
		return
	}

	parsed := gjson.Parse(line)
	switch parsed.Get("type").String() {
	case "system":
		if parsed.Get("subtype").String() == "init" {
			if sid := parsed.Get("session_id").String(); sid != "" {
				res.SessionID = sid
			}
		}
	case "assistant":
		parsed.Get("message.content").ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "tool_use":
				emit(ctx, stream, events.StreamEvent{
					Kind: events.StreamToolCall,
					Tool: item.Get("name").String(),
					Text: toolSummary(item),
				})
			case "text":
				if text := item.Get("text").String(); text != "" {
					emit(ctx, stream, events.StreamEvent{Kind: events.StreamOutput, Text: text, Stream: "stdout"})
					res.FinalText = text
				}
			}
			return true
		})
	case "user":
		parsed.Get("message.content").ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "tool_result" {
				emit(ctx, stream, events.StreamEvent{
					Kind:    events.StreamToolResult,
					IsError: item.Get("is_error").Bool(),
					Text:    truncate(item.Get("content").String(), 200),
				})
			}
			return true
		})
	case "result":
		res.Success = !parsed.Get("is_error").Bool() && parsed.Get("subtype").String() == "success"
		if sid := parsed.Get("session_id").String(); sid != "" {
			res.SessionID = sid
		}
		if text := parsed.Get("result").String(); text != "" {
			res.FinalText = text
		}
		res.NumTurns = int(parsed.Get("num_turns").Int())
		res.CostUSD = parsed.Get("total_cost_usd").Float()
		res.InputTokens = int(parsed.Get("usage.input_tokens").Int())
		res.OutputTokens = int(parsed.Get("usage.output_tokens").Int())
	}
}

// toolSummary extracts the most useful one-line description of a tool
// call: the file path for edits, the command for shell, the pattern for
// searches.
func toolSummary(item gjson.Result) string {
	for _, field := range []string{"input.file_path", "input.command", "input.pattern", "input.url"} {
		if v := item.Get(field).String(); v != "" {
			return truncate(v, 120)
		}
	}
	return ""
}

func emit(ctx context.Context, stream StreamFunc, ev events.StreamEvent) {
	if stream != nil {
		stream(ctx, ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
