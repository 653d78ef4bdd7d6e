// Package crew schedules tasks across role workers. A crew owns a task
// DAG, runs each task through its guardrail chain, and retries failed
// attempts with the verdict appended as feedback until the budget runs
// out.
package crew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"codecrew/internal/guardrails"
	"codecrew/internal/logging"
	"codecrew/internal/state"
	"codecrew/internal/types"
	"codecrew/internal/worker"
)

// Policy selects the scheduling strategy.
type Policy string

const (
	// Sequential runs tasks one at a time in topological order.
	Sequential Policy = "sequential"
	// Coordinated runs independent tasks concurrently under a
	// coordinator that validates every delegation.
	Coordinated Policy = "coordinated"
)

// DefaultConcurrency bounds simultaneously active tasks under the
// Coordinated policy.
const DefaultConcurrency = 3

// TaskResult is the committed outcome of one task.
type TaskResult struct {
	TaskID   string
	Role     types.Role
	Output   string
	Attempts int
	Warnings []guardrails.Verdict
	Tokens   types.TokenCounts
}

// Output is what kickoff returns: per-task results keyed by id plus
// accumulated warnings.
type Output struct {
	Results  map[string]*TaskResult
	Warnings []guardrails.Verdict
	Tokens   types.TokenCounts
}

// FailedTask decorates a task failure with the offending verdict.
type FailedTask struct {
	TaskID  string
	Role    types.Role
	Verdict *guardrails.Verdict
	Err     error
}

func (f *FailedTask) Error() string {
	if f.Verdict != nil {
		return fmt.Sprintf("task %s (%s): %s: %s", f.TaskID, f.Role, f.Verdict.Guard, f.Verdict.Message)
	}
	return fmt.Sprintf("task %s (%s): %v", f.TaskID, f.Role, f.Err)
}

func (f *FailedTask) Unwrap() error { return f.Err }

// Crew binds tasks to workers under a policy.
type Crew struct {
	name        string
	policy      Policy
	workers     map[types.Role]*worker.Worker
	tasks       []Task
	concurrency int64
	scope       string
}

// Config assembles a crew.
type Config struct {
	Name        string
	Policy      Policy
	Workers     []*worker.Worker
	Tasks       []Task
	Concurrency int
	// Scope is the memory partition shared by the crew's workers.
	Scope string
}

// New validates the DAG and role coverage and builds the crew.
func New(cfg Config) (*Crew, error) {
	const op = "crew.New"
	ordered, err := validateDAG(cfg.Tasks)
	if err != nil {
		return nil, err
	}
	workers := map[types.Role]*worker.Worker{}
	for _, w := range cfg.Workers {
		workers[w.Role()] = w
	}
	for _, t := range ordered {
		if _, ok := workers[t.Role]; !ok {
			return nil, types.NewError(types.KindConfiguration, op,
				fmt.Sprintf("task %q needs role %q but no such worker exists", t.ID, t.Role))
		}
	}
	policy := cfg.Policy
	if policy == "" {
		policy = Sequential
	}
	concurrency := int64(cfg.Concurrency)
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Crew{
		name:        cfg.Name,
		policy:      policy,
		workers:     workers,
		tasks:       ordered,
		concurrency: concurrency,
		scope:       cfg.Scope,
	}, nil
}

// Kickoff runs every task to completion. The first unrecoverable task
// failure aborts the crew and is returned as a *FailedTask.
func (c *Crew) Kickoff(ctx context.Context, snap *state.Snapshot) (*Output, error) {
	logging.Crew("Crew %s: kickoff policy=%s tasks=%d", c.name, c.policy, len(c.tasks))
	timer := logging.StartTimer(logging.CategoryCrew, "crew "+c.name)
	defer timer.Stop()

	switch c.policy {
	case Coordinated:
		return c.runCoordinated(ctx, snap)
	default:
		return c.runSequential(ctx, snap)
	}
}

func (c *Crew) runSequential(ctx context.Context, snap *state.Snapshot) (*Output, error) {
	out := &Output{Results: map[string]*TaskResult{}}
	for _, t := range c.tasks {
		res, err := c.runTask(ctx, t, snap, out.Results)
		if err != nil {
			return nil, err
		}
		c.commit(out, res, &sync.Mutex{})
	}
	return out, nil
}

// runCoordinated executes independent tasks concurrently. Each task
// goroutine waits for its dependencies' done channels; a weighted
// semaphore bounds active tasks.
func (c *Crew) runCoordinated(ctx context.Context, snap *state.Snapshot) (*Output, error) {
	if err := c.checkDelegations(); err != nil {
		return nil, err
	}

	out := &Output{Results: map[string]*TaskResult{}}
	var mu sync.Mutex
	done := map[string]chan struct{}{}
	for _, t := range c.tasks {
		done[t.ID] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(c.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range c.tasks {
		t := t
		g.Go(func() error {
			for _, dep := range t.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			mu.Lock()
			results := make(map[string]*TaskResult, len(out.Results))
			for k, v := range out.Results {
				results[k] = v
			}
			mu.Unlock()

			res, err := c.runTask(gctx, t, snap, results)
			if err != nil {
				return err
			}
			c.commit(out, res, &mu)
			close(done[t.ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Crew) commit(out *Output, res *TaskResult, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	out.Results[res.TaskID] = res
	out.Warnings = append(out.Warnings, res.Warnings...)
	out.Tokens.In += res.Tokens.In
	out.Tokens.Out += res.Tokens.Out
}

// checkDelegations validates every task assignment as a coordinator
// delegation before any work starts.
func (c *Crew) checkDelegations() error {
	chain := []string{string(types.RoleCoordinator)}
	for _, t := range c.tasks {
		v := guardrails.Delegation(string(types.RoleCoordinator), string(t.Role), chain)
		if !v.OK() {
			logging.Crew("Crew %s: delegation refused for task %s: %s", c.name, t.ID, v.Message)
			verdict := v
			return &FailedTask{TaskID: t.ID, Role: t.Role, Verdict: &verdict,
				Err: types.NewError(types.KindGuardrailHard, "crew.delegate", v.Message)}
		}
		logging.CrewDebug("Crew %s: task %s delegated to %s", c.name, t.ID, t.Role)
	}
	return nil
}

// runTask drives one task through invoke, guardrails, and decode,
// retrying recoverable failures with accumulated feedback.
func (c *Crew) runTask(ctx context.Context, t Task, snap *state.Snapshot, upstream map[string]*TaskResult) (*TaskResult, error) {
	w := c.workers[t.Role]
	budget := t.retries()
	maxAttempts := budget + 1

	var depOutputs []string
	for _, dep := range t.DependsOn {
		if r, ok := upstream[dep]; ok {
			depOutputs = append(depOutputs, r.Output)
		}
	}

	var feedback []string
	var tokens types.TokenCounts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		taskCtx := ctx
		var cancel context.CancelFunc
		if t.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		}
		res, err := w.Invoke(taskCtx, worker.Invocation{
			TaskID:         t.ID,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			Context:        depOutputs,
			Feedback:       feedback,
			Scope:          c.scope,
			Snapshot:       snap,
			ResponseSchema: t.SchemaHint,
		})
		if cancel != nil {
			cancel()
		}
		tokens.In += tokenIn(res)
		tokens.Out += tokenOut(res)

		if err != nil {
			if types.Recoverable(err) && attempt < maxAttempts {
				feedback = append(feedback, err.Error())
				logging.Crew("Crew %s: task %s attempt %d/%d recoverable: %v",
					c.name, t.ID, attempt, maxAttempts, err)
				continue
			}
			if types.Retryable(err) && attempt < maxAttempts {
				logging.Crew("Crew %s: task %s attempt %d/%d transient: %v",
					c.name, t.ID, attempt, maxAttempts, err)
				select {
				case <-time.After(Backoff(attempt + 1)):
				case <-ctx.Done():
					return nil, &FailedTask{TaskID: t.ID, Role: t.Role,
						Err: types.WrapError(types.KindCancelled, "crew.runTask", t.ID, ctx.Err())}
				}
				continue
			}
			if !types.Fatal(err) && attempt >= maxAttempts {
				err = types.WrapError(types.KindBudgetExhausted, "crew.runTask",
					fmt.Sprintf("task %s: %d attempts", t.ID, maxAttempts), err)
			}
			return nil, &FailedTask{TaskID: t.ID, Role: t.Role, Err: err}
		}

		chainRes := t.Guardrails.Run(guardrails.Input{
			TaskID:        t.ID,
			Role:          string(t.Role),
			Output:        res.Output,
			Snapshot:      snap,
			Iteration:     attempt,
			MaxIterations: maxAttempts,
		})
		for _, v := range chainRes.Verdicts {
			logging.Audit().GuardVerdict(v.Guard, t.ID, string(v.Status), v.Message)
		}
		if !chainRes.OK() {
			if chainRes.Retryable() && attempt < maxAttempts {
				feedback = append(feedback, chainRes.Failed.Guard+": "+chainRes.Failed.Message)
				logging.Guard("Task %s attempt %d/%d failed %s, retrying",
					t.ID, attempt, maxAttempts, chainRes.Failed.Guard)
				continue
			}
			// A critical verdict that persists through the budget is a
			// hard failure, not an escalation: more retries cannot fix a
			// worker that keeps producing dangerous output.
			kind := types.KindGuardrailHard
			if chainRes.Retryable() && chainRes.Failed.Severity != guardrails.SeverityCritical {
				kind = types.KindBudgetExhausted
			}
			return nil, &FailedTask{
				TaskID: t.ID, Role: t.Role, Verdict: chainRes.Failed,
				Err: types.NewError(kind, "crew.runTask",
					fmt.Sprintf("task %s: %s: %s", t.ID, chainRes.Failed.Guard, chainRes.Failed.Message)),
			}
		}

		if t.Decode != nil {
			if err := t.Decode(res.Output); err != nil {
				if types.Recoverable(err) && attempt < maxAttempts {
					feedback = append(feedback, err.Error())
					continue
				}
				if !types.Fatal(err) {
					err = types.WrapError(types.KindBudgetExhausted, "crew.runTask",
						fmt.Sprintf("task %s: %d attempts", t.ID, maxAttempts), err)
				}
				return nil, &FailedTask{TaskID: t.ID, Role: t.Role, Err: err}
			}
		}

		logging.Crew("Crew %s: task %s committed after %d attempt(s)", c.name, t.ID, attempt)
		return &TaskResult{
			TaskID:   t.ID,
			Role:     t.Role,
			Output:   res.Output,
			Attempts: attempt,
			Warnings: chainRes.Warnings,
			Tokens:   tokens,
		}, nil
	}
	// Unreachable: every attempt path returns or continues.
	return nil, types.NewError(types.KindInvariant, "crew.runTask",
		fmt.Sprintf("task %s fell through retry loop", t.ID))
}

func tokenIn(r *worker.Result) int {
	if r == nil {
		return 0
	}
	return r.Tokens.In
}

func tokenOut(r *worker.Result) int {
	if r == nil {
		return 0
	}
	return r.Tokens.Out
}

// Backoff mirrors the transport schedule for crew-level transient
// retries.
func Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(1<<uint(attempt-2)) * time.Second
}
