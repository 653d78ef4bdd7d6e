package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codecrew/internal/config"
	"codecrew/internal/embedding"
	"codecrew/internal/flow"
	"codecrew/internal/llm"
	"codecrew/internal/logging"
	"codecrew/internal/memory"
	"codecrew/internal/state"
	"codecrew/internal/tools"
	"codecrew/internal/types"
)

var (
	interactive  bool
	feedbackText string
)

// runCmd starts a new delivery run from a project description.
var runCmd = &cobra.Command{
	Use:   "run [description]",
	Short: "Run a full delivery from a project description",
	Long: `Starts a new run: the description goes through intake validation,
then the planning, development, testing, and deployment crews.

Example:
  codecrew run "A REST API for managing todo lists with user accounts"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		if err := initLogging(opts); err != nil {
			return err
		}
		store, err := openStore(opts)
		if err != nil {
			return types.WrapError(types.KindConfiguration, "main", "cannot open persistence root", err)
		}
		project := state.NewProject(strings.Join(args, " "), opts.MaxRetries)
		logger.Info("run starting",
			zap.String("project_id", project.ID()),
			zap.String("environment", string(opts.Environment)),
			zap.Bool("parallel", opts.Parallel))
		fmt.Printf("Starting run %s\n", project.ID())
		return executeRun(project, store, opts)
	},
}

// resumeCmd continues a persisted run, optionally answering the pending
// feedback request first.
var resumeCmd = &cobra.Command{
	Use:   "resume [project-id]",
	Short: "Resume a suspended or interrupted run",
	Long: `Restores a run from its persisted snapshot and continues it. A run
suspended for human feedback needs --feedback (or --interactive) to move
past the pending question.

Example:
  codecrew resume 3f2a... --feedback "retry"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		if err := initLogging(opts); err != nil {
			return err
		}
		store, err := openStore(opts)
		if err != nil {
			return types.WrapError(types.KindConfiguration, "main", "cannot open persistence root", err)
		}
		project, err := flow.LoadProject(store, args[0])
		if err != nil {
			return err
		}
		logger.Info("run resuming",
			zap.String("project_id", project.ID()),
			zap.String("phase", string(project.Phase())))
		fmt.Printf("Resuming run %s from phase %s\n", project.ID(), project.Phase())
		return executeResume(project, store, opts, feedbackText)
	},
}

// statusCmd prints the persisted state of one run.
var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show the persisted state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		store, err := openStore(opts)
		if err != nil {
			return err
		}
		snap, err := store.LoadSnapshot(args[0])
		if err != nil {
			return types.WrapError(types.KindConfiguration, "main", "no such run", err)
		}
		printStatus(snap)
		return nil
	},
}

// runsCmd lists persisted runs with their recorded outcomes.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		store, err := openStore(opts)
		if err != nil {
			return err
		}
		ids, err := store.ListRuns()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No persisted runs.")
			return nil
		}
		for _, id := range ids {
			snap, err := store.LoadSnapshot(id)
			if err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s  %-15s  started %s  %q\n",
				id, snap.Phase, snap.StartedAt.Format("2006-01-02 15:04"), truncate(snap.Description, 48))
		}
		return nil
	},
}

// services is everything a run needs besides the flow itself.
type services struct {
	runners map[state.Phase]flow.PhaseRunner
	metrics *memory.RelationalStore
	mem     types.Memory
	close   func()
	purge   func()
}

// buildServices wires the LLM client, tools, memory, and metrics for one
// project.
func buildServices(project *state.Project, store *state.Store, opts *config.Options) (*services, error) {
	workspace, err := store.WorkspaceDir(project.ID())
	if err != nil {
		return nil, types.WrapError(types.KindConfiguration, "main", "cannot create workspace", err)
	}

	roots := append([]string{workspace}, opts.WorkspaceRoots...)
	files, err := tools.NewWorkspaceStore(roots, 0)
	if err != nil {
		return nil, err
	}
	toolset := types.ToolSet{
		Files:   files,
		Sandbox: tools.NewSandbox(),
		Tests:   tools.NewPytestRunner(workspace),
		Vcs:     tools.NewGitVcs(workspace),
	}

	llmCfg := llm.DefaultConfig(opts.LLM.APIKey)
	if opts.LLM.Provider != "" {
		llmCfg.Provider = llm.Provider(opts.LLM.Provider)
	}
	if opts.LLM.BaseURL != "" {
		llmCfg.BaseURL = opts.LLM.BaseURL
	}
	if d := opts.LLMTimeout(); d > 0 {
		llmCfg.Timeout = d
	}
	client, err := llm.NewClient(llmCfg)
	if err != nil {
		return nil, err
	}

	svc := &services{mem: memory.Disabled{}, purge: func() {}}
	var closers []func()
	if opts.MemoryEnabled {
		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       opts.Embedding.Provider,
			OllamaEndpoint: opts.Embedding.Endpoint,
			OllamaModel:    opts.Embedding.Model,
			GenAIAPIKey:    opts.Embedding.APIKey,
			GenAIModel:     opts.Embedding.Model,
		})
		if err != nil {
			return nil, err
		}
		assoc, err := memory.NewAssociativeStore(memoryPath(opts), project.ID(), engine, memory.DefaultAssociativeConfig())
		if err != nil {
			return nil, err
		}
		svc.mem = assoc
		svc.purge = func() {
			if err := assoc.Purge(); err != nil {
				logging.Get(logging.CategoryMemory).Warn("Memory purge failed: %v", err)
			}
		}
		closers = append(closers, func() { _ = assoc.Close() })
	}

	metrics, err := memory.NewRelationalStore(metricsPath(opts))
	if err != nil {
		return nil, err
	}
	svc.metrics = metrics
	closers = append(closers, func() { _ = metrics.Close() })
	if c, ok := client.(interface{ Close() error }); ok {
		closers = append(closers, func() { _ = c.Close() })
	}
	svc.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	rt, err := flow.NewRuntime(client, opts, toolset, svc.mem, metrics)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.runners = rt.Runners()
	return svc, nil
}

func executeRun(project *state.Project, store *state.Store, opts *config.Options) error {
	svc, err := buildServices(project, store, opts)
	if err != nil {
		return err
	}
	defer svc.close()
	return driveFlow(project, store, opts, svc, "")
}

func executeResume(project *state.Project, store *state.Store, opts *config.Options, reply string) error {
	svc, err := buildServices(project, store, opts)
	if err != nil {
		return err
	}
	defer svc.close()
	return driveFlow(project, store, opts, svc, reply)
}

// driveFlow runs the flow to an outcome and exits with the outcome's
// code. An interactive session answers feedback on stdin; otherwise a
// suspension prints the pending question and exits 2.
func driveFlow(project *state.Project, store *state.Store, opts *config.Options, svc *services, reply string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var broker *flow.Broker
	if interactive {
		broker = flow.NewBroker()
	}
	f, err := flow.New(flow.Config{
		Project: project,
		Store:   store,
		Options: opts,
		Runners: svc.runners,
		Broker:  broker,
		Metrics: svc.metrics,
	})
	if err != nil {
		return err
	}

	if reply != "" {
		if err := f.ApplyFeedback(reply); err != nil {
			return err
		}
	} else if project.Phase() == state.PhaseAwaitingHuman && broker == nil {
		out := flow.Outcome{ProjectID: project.ID(), Phase: state.PhaseAwaitingHuman}
		reportOutcome(out, project)
		exitWith(exitAwaitingHuman)
	}

	if broker != nil {
		answerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go answerFeedback(answerCtx, broker)
	}

	out := f.Run(ctx)
	if out.Phase == state.PhaseComplete {
		svc.purge()
	}
	reportOutcome(out, project)
	exitWith(exitCode(out.Phase, out.Err))
	return nil
}

// answerFeedback relays feedback requests to the terminal.
func answerFeedback(ctx context.Context, broker *flow.Broker) {
	reader := bufio.NewReader(os.Stdin)
	for {
		req, err := broker.AwaitRequest(ctx)
		if err != nil {
			return
		}
		fmt.Printf("\n[%s] %s\n", req.Kind, req.Question)
		if len(req.Options) > 0 {
			fmt.Printf("Options: %s (default %q)\n", strings.Join(req.Options, ", "), req.DefaultOption)
		}
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if err := broker.SubmitResponse(req.ID, strings.TrimSpace(line)); err != nil {
			fmt.Fprintf(os.Stderr, "codecrew: %v\n", err)
		}
	}
}

func reportOutcome(out flow.Outcome, project *state.Project) {
	snap := project.Snapshot()
	switch out.Phase {
	case state.PhaseComplete:
		fmt.Printf("Run %s complete: %d files, %d phases, %d retries\n",
			out.ProjectID, len(snap.Files), len(snap.Transitions), totalRetries(snap))
		if snap.Deployment != nil && snap.Deployment.Instructions != "" {
			fmt.Printf("\nDeployment instructions:\n%s\n", snap.Deployment.Instructions)
		}
	case state.PhaseAwaitingHuman:
		fmt.Printf("Run %s is waiting for a human decision.\n", out.ProjectID)
		if out.Pending != nil {
			fmt.Printf("\n[%s] %s\n", out.Pending.Kind, out.Pending.Question)
			if len(out.Pending.Options) > 0 {
				fmt.Printf("Options: %s\n", strings.Join(out.Pending.Options, ", "))
			}
		}
		fmt.Printf("\nAnswer with: codecrew resume %s --feedback \"...\"\n", out.ProjectID)
	default:
		fmt.Printf("Run %s failed in phase %s: %v\n", out.ProjectID, lastPhase(snap), out.Err)
	}
}

func printStatus(snap state.Snapshot) {
	fmt.Printf("Run:         %s\n", snap.ProjectID)
	fmt.Printf("Description: %s\n", truncate(snap.Description, 72))
	fmt.Printf("Phase:       %s\n", snap.Phase)
	if snap.SuspendedFrom != "" {
		fmt.Printf("Suspended:   from %s\n", snap.SuspendedFrom)
	}
	fmt.Printf("Started:     %s\n", snap.StartedAt.Format("2006-01-02 15:04:05"))
	if snap.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", snap.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Files:       %d\n", len(snap.Files))
	fmt.Printf("Retries:     %d (budget %d per phase)\n", totalRetries(snap), snap.MaxRetries)
	fmt.Printf("Errors:      %d\n", len(snap.Errors))
	if snap.TestResults != nil {
		fmt.Printf("Tests:       %d/%d passed, coverage %.0f%%\n",
			snap.TestResults.Passed, snap.TestResults.Total, snap.TestResults.Coverage*100)
	}
	if n := len(snap.Transitions); n > 0 {
		last := snap.Transitions[n-1]
		fmt.Printf("Last move:   %s -> %s (%s)\n", last.From, last.To, last.Reason)
	}
}

func totalRetries(snap state.Snapshot) int {
	total := 0
	for _, n := range snap.Retries {
		total += n
	}
	return total
}

// lastPhase reports the phase a failed run was in before ERROR.
func lastPhase(snap state.Snapshot) state.Phase {
	for i := len(snap.Transitions) - 1; i >= 0; i-- {
		if snap.Transitions[i].To == state.PhaseError {
			return snap.Transitions[i].From
		}
	}
	return snap.Phase
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func exitWith(code int) {
	if logger != nil {
		_ = logger.Sync()
	}
	logging.CloseAll()
	os.Exit(code)
}
