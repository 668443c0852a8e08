package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/intake"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/run"
)

// submitFlags collects everything the submit command accepts.
type submitFlags struct {
	workspace string
	gitURL    string
	gitRef    string
	repo      string
	fresh     string

	fromJira string

	priority      int
	maxIterations int
	maxWallClock  string
	maxWait       string
	agentType     string
	gatePlan      string

	wait    bool
	execNow bool
}

// newSubmitCmd creates the submit command.
func newSubmitCmd() *cobra.Command {
	flags := &submitFlags{}

	cmd := &cobra.Command{
		Use:   "submit [task prompt]",
		Short: "Queue a work order",
		Long: `Queue a work order on the daemon.

The workspace flags are mutually exclusive; with none given the current
directory is used in place.

Examples:
  agentgate submit "Fix the flaky login test" -w .
  agentgate submit "Add rate limiting" --git https://example.com/app.git --ref main
  agentgate submit "Upgrade CI" --repo acme/app --priority 10
  agentgate submit --from-jira GATE-42 --git https://example.com/app.git
  agentgate submit "Quick fix" -w . --exec-now`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && flags.fromJira == "" {
				return gateerrors.ErrConfigMissing("task prompt")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ws, err := workspaceFromFlags(flags)
			if err != nil {
				return err
			}

			req := SubmitRequest{
				Workspace:     ws,
				AgentType:     flags.agentType,
				GatePlan:      flags.gatePlan,
				MaxIterations: flags.maxIterations,
				MaxWallClock:  flags.maxWallClock,
				Priority:      flags.priority,
			}
			if len(args) > 0 {
				req.TaskPrompt = args[0]
			}
			if flags.maxWait != "" {
				d, err := time.ParseDuration(flags.maxWait)
				if err != nil {
					return gateerrors.ErrConfigInvalid("max-wait", err.Error())
				}
				ms := d.Milliseconds()
				req.MaxWaitMs = &ms
			}

			if flags.fromJira != "" {
				if err := fillFromJira(cmd, cfg, flags, &req); err != nil {
					return err
				}
			}

			if flags.execNow {
				return runExecNow(cfg, req)
			}

			client := NewClient(daemonURL(cfg))
			resp, err := client.Submit(req)
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printJSON(resp); err != nil {
					return err
				}
			} else {
				fmt.Printf("Queued %s at position %d (%d ahead)\n",
					resp.Order.ID, resp.Position.Position, resp.Position.Ahead)
			}

			if flags.wait {
				return waitForOrder(client, resp.Order.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.workspace, "workspace", "w", "", "existing directory to work in")
	cmd.Flags().StringVar(&flags.gitURL, "git", "", "git URL to clone")
	cmd.Flags().StringVar(&flags.gitRef, "ref", "", "git ref to check out (with --git)")
	cmd.Flags().StringVar(&flags.repo, "repo", "", "owner/name repo on the configured forge")
	cmd.Flags().StringVar(&flags.fresh, "fresh", "", "empty directory to start from")
	cmd.Flags().StringVar(&flags.fromJira, "from-jira", "", "build the order from a Jira issue key")
	cmd.Flags().IntVar(&flags.priority, "priority", 0, "queue priority (higher runs sooner)")
	cmd.Flags().IntVar(&flags.maxIterations, "max-iterations", 0, "iteration cap (0 uses the daemon default)")
	cmd.Flags().StringVar(&flags.maxWallClock, "max-wall-clock", "", "wall-clock cap, e.g. 2h")
	cmd.Flags().StringVar(&flags.maxWait, "max-wait", "", "maximum queue wait before the order expires, e.g. 30m")
	cmd.Flags().StringVar(&flags.agentType, "agent", "", "agent type (default from config)")
	cmd.Flags().StringVar(&flags.gatePlan, "gate-plan", "", "gate plan: auto, skip, or a file path")
	cmd.Flags().BoolVar(&flags.wait, "wait", false, "block until the order reaches a terminal status")
	cmd.Flags().BoolVar(&flags.execNow, "exec-now", false, "run in this process, bypassing the queue")

	return cmd
}

// workspaceFromFlags resolves the mutually exclusive workspace flags.
func workspaceFromFlags(flags *submitFlags) (order.WorkspaceSource, error) {
	set := 0
	for _, v := range []string{flags.workspace, flags.gitURL, flags.repo, flags.fresh} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return order.WorkspaceSource{}, gateerrors.ErrConfigInvalid("workspace",
			"--workspace, --git, --repo, and --fresh are mutually exclusive")
	}

	switch {
	case flags.gitURL != "":
		return order.WorkspaceSource{Kind: order.SourceGit, URL: flags.gitURL, Ref: flags.gitRef}, nil
	case flags.repo != "":
		return order.WorkspaceSource{Kind: order.SourceForge, Repo: flags.repo}, nil
	case flags.fresh != "":
		return order.WorkspaceSource{Kind: order.SourceFresh, Path: flags.fresh}, nil
	case flags.workspace != "":
		return order.WorkspaceSource{Kind: order.SourceLocal, Path: flags.workspace}, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return order.WorkspaceSource{}, err
		}
		return order.WorkspaceSource{Kind: order.SourceLocal, Path: cwd}, nil
	}
}

// fillFromJira fetches the issue and folds it into the request. An
// explicit --priority flag wins over the issue's priority.
func fillFromJira(cmd *cobra.Command, cfg *config.Config, flags *submitFlags, req *SubmitRequest) error {
	client, err := intake.NewClient(cfg.Jira)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	issue, err := client.FetchIssue(ctx, flags.fromJira)
	if err != nil {
		return err
	}

	prompt := issue.Summary
	if issue.Description != "" {
		prompt += "\n\n" + issue.Description
	}
	if req.TaskPrompt != "" {
		// An explicit prompt leads; the issue provides context.
		prompt = req.TaskPrompt + "\n\n" + prompt
	}
	req.TaskPrompt = prompt

	if !cmd.Flags().Changed("priority") {
		req.Priority = intake.PriorityFromName(issue.Priority)
	}
	return nil
}

// waitForOrder polls until the order reaches a terminal status.
func waitForOrder(client *Client, id string) error {
	lastStatus := order.Status("")
	for {
		detail, err := client.GetOrder(id)
		if err != nil {
			return err
		}
		st := detail.Order.Status
		if st != lastStatus && !quiet && !jsonOut {
			fmt.Printf("%s: %s\n", id, st)
			lastStatus = st
		}
		if order.IsTerminal(st) {
			if jsonOut {
				return printJSON(detail)
			}
			if st != order.StatusSucceeded {
				return fmt.Errorf("order %s finished %s", id, st)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

// runExecNow executes the order in this process, bypassing the queue.
// It needs exclusive access to the data directory; do not point it at a
// store a running daemon owns.
func runExecNow(cfg *config.Config, req SubmitRequest) error {
	logger := newLogger()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ord := order.New(req.TaskPrompt, req.Workspace)
	ord.AgentType = req.AgentType
	ord.GatePlanSource = req.GatePlan
	ord.MaxIterations = req.MaxIterations
	if req.MaxWallClock != "" {
		d, err := time.ParseDuration(req.MaxWallClock)
		if err != nil {
			return gateerrors.ErrConfigInvalid("max-wall-clock", err.Error())
		}
		ord.MaxWallClock = d
	}
	if err := ord.Validate(); err != nil {
		return err
	}
	if err := store.SaveOrder(ord); err != nil {
		return err
	}

	q := queue.New(queue.Options{
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		Logger:        logger,
	})
	orch, err := buildOrchestrator(cfg, logger, q, store, events.NewNopPublisher())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if !quiet && !jsonOut {
		fmt.Printf("Executing %s\n", ord.ID)
	}

	r, err := orch.Execute(ctx, ord.ID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(r)
	}

	fmt.Printf("Run %s: %s (%d iterations)\n", r.ID, r.Result, len(r.Iterations))
	if len(r.Warnings) > 0 {
		for _, w := range r.Warnings {
			fmt.Printf("  warning: %s %s\n", w.Type, w.Message)
		}
	}
	if r.Result != run.ResultPassed {
		msg := string(r.Result)
		if r.Error != nil {
			msg += ": " + strings.TrimSpace(r.Error.Message)
		}
		return fmt.Errorf("run %s finished %s", r.ID, msg)
	}
	return nil
}
