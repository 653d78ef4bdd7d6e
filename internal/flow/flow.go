// Package flow drives a delivery run through the phase machine: intake
// validation, the per-phase crews, routing between phases, circuit
// breaking on repeated failure, human-feedback suspension, and snapshot
// persistence after every transition. The flow exclusively owns the
// Project; crews and workers only ever see snapshots.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codecrew/internal/config"
	"codecrew/internal/crew"
	"codecrew/internal/guardrails"
	"codecrew/internal/logging"
	"codecrew/internal/memory"
	"codecrew/internal/state"
	"codecrew/internal/types"
)

// Metadata keys the flow writes into project state.
const (
	metaClarification   = "clarification"
	metaTestFeedback    = "test_feedback"
	metaPendingFeedback = "pending_feedback"
	metaHumanFeedback   = "human_feedback"
	metaPlanApproved    = "plan_approved"
)

// maxFlowSteps caps the phase loop. The retry budget and the circuit
// breaker bound it long before this, so hitting it is a routing bug.
const maxFlowSteps = 100

// PhaseReport is what a phase runner returns on success.
type PhaseReport struct {
	// Confidence is the planning crew's self-reported confidence; zero
	// means not reported.
	Confidence float64
	// Clarification, when non-empty, is a question for the human.
	Clarification string
	Tokens        types.TokenCounts
	Warnings      []guardrails.Verdict
}

// PhaseRunner executes one phase's crew against the project, committing
// artifacts through the project's methods.
type PhaseRunner interface {
	Run(ctx context.Context, p *state.Project) (*PhaseReport, error)
}

// RunnerFunc adapts a function to PhaseRunner.
type RunnerFunc func(ctx context.Context, p *state.Project) (*PhaseReport, error)

// Run implements PhaseRunner.
func (f RunnerFunc) Run(ctx context.Context, p *state.Project) (*PhaseReport, error) {
	return f(ctx, p)
}

// RunMetrics receives run-level accounting. The relational store
// satisfies this; tests pass nil.
type RunMetrics interface {
	RunStarted(runID string, startedAt time.Time) error
	RunEnded(runID string, endedAt time.Time, finalPhase string) error
	RecordPhase(m memory.PhaseMetric) error
}

// Outcome is how a run ended.
type Outcome struct {
	ProjectID string
	Phase     state.Phase
	// Pending is set when the run is suspended and no broker was
	// attached to answer for the human.
	Pending *FeedbackRequest
	Err     error
}

// Config assembles a flow.
type Config struct {
	Project *state.Project
	Store   *state.Store
	Options *config.Options
	// Runners provide the planning, development, testing, and
	// deployment crews.
	Runners map[state.Phase]PhaseRunner
	// Broker, when set, lets the flow wait in-process for feedback.
	// Without one a suspension returns to the caller.
	Broker  *Broker
	Metrics RunMetrics
}

// Flow owns one run.
type Flow struct {
	project *state.Project
	store   *state.Store
	opts    *config.Options
	runners map[state.Phase]PhaseRunner
	broker  *Broker
	breaker *Breaker
	metrics RunMetrics
}

// New validates the wiring and builds a flow.
func New(cfg Config) (*Flow, error) {
	const op = "flow.New"
	if cfg.Project == nil {
		return nil, types.NewError(types.KindConfiguration, op, "project required")
	}
	if cfg.Store == nil {
		return nil, types.NewError(types.KindConfiguration, op, "store required")
	}
	if cfg.Options == nil {
		cfg.Options = config.Default()
	}
	for _, ph := range []state.Phase{
		state.PhasePlanning, state.PhaseDevelopment, state.PhaseTesting, state.PhaseDeployment,
	} {
		if cfg.Runners[ph] == nil {
			return nil, types.NewError(types.KindConfiguration, op,
				fmt.Sprintf("no runner for phase %s", ph))
		}
	}
	return &Flow{
		project: cfg.Project,
		store:   cfg.Store,
		opts:    cfg.Options,
		runners: cfg.Runners,
		broker:  cfg.Broker,
		breaker: NewBreaker(CircuitThreshold, cfg.Project),
		metrics: cfg.Metrics,
	}, nil
}

// Project returns the run the flow owns.
func (f *Flow) Project() *state.Project { return f.project }

// Run drives the phase loop to a terminal phase or a suspension the
// caller must answer.
func (f *Flow) Run(ctx context.Context) Outcome {
	p := f.project
	logging.Flow("Run %s starting in phase %s", p.ID(), p.Phase())
	if f.metrics != nil {
		if err := f.metrics.RunStarted(p.ID(), time.Now().UTC()); err != nil {
			logging.Get(logging.CategoryFlow).Warn("Run metrics unavailable: %v", err)
		}
	}
	out := f.loop(ctx)
	if f.metrics != nil {
		if err := f.metrics.RunEnded(p.ID(), time.Now().UTC(), string(out.Phase)); err != nil {
			logging.Get(logging.CategoryFlow).Warn("Run metrics unavailable: %v", err)
		}
	}
	logging.Flow("Run %s finished in phase %s", p.ID(), out.Phase)
	return out
}

func (f *Flow) loop(ctx context.Context) Outcome {
	p := f.project
	for step := 0; step < maxFlowSteps; step++ {
		if err := ctx.Err(); err != nil {
			return f.cancelled(err)
		}
		phase := p.Phase()
		switch phase {
		case state.PhaseComplete:
			return Outcome{ProjectID: p.ID(), Phase: phase}
		case state.PhaseError:
			return Outcome{ProjectID: p.ID(), Phase: phase, Err: lastError(p)}
		case state.PhaseIntake:
			if out, done := f.runIntake(ctx); done {
				return out
			}
		case state.PhaseAwaitingHuman:
			if out, done := f.awaitHuman(ctx); done {
				return out
			}
		default:
			if out, done := f.runPhase(ctx, phase); done {
				return out
			}
		}
	}
	err := types.NewError(types.KindInvariant, "flow.Run",
		fmt.Sprintf("run exceeded %d phase steps", maxFlowSteps))
	out, _ := f.fail(p.Phase(), err)
	return out
}

// runIntake validates the description without spending tokens.
func (f *Flow) runIntake(ctx context.Context) (Outcome, bool) {
	p := f.project
	desc := p.Description()

	injection := guardrails.PromptInjection(guardrails.SensitivityMedium)
	if v := injection.Check(guardrails.Input{TaskID: "intake", Output: desc}); !v.OK() {
		err := types.NewError(types.KindGuardrailHard, "flow.intake", v.Message)
		f.recordError(state.PhaseIntake, err)
		return f.failTerminal(state.PhaseIntake, err, []string{v.Message})
	}

	_, clarified := p.Metadata(metaClarification)
	route := routeIntake(desc, clarified)
	if route.Next == state.PhaseAwaitingHuman {
		return f.suspend(FeedbackRequest{
			ProjectID: p.ID(),
			Kind:      FeedbackClarification,
			Question: "The project description is too vague to plan from. " +
				"Describe what to build, who will use it, and what done looks like.",
			ContextDigest: desc,
		}, route.Reason)
	}
	if err := f.transition(route.Next, route.Reason); err != nil {
		return f.fail(state.PhaseIntake, err)
	}
	return Outcome{}, false
}

// runPhase executes one crew phase and routes on the result.
func (f *Flow) runPhase(ctx context.Context, phase state.Phase) (Outcome, bool) {
	p := f.project
	if phase == state.PhasePlanning {
		if _, ok := p.Metadata(metaPlanApproved); ok && p.Snapshot().Architecture != nil {
			if err := f.transition(state.PhaseDevelopment, "plan approved by human"); err != nil {
				return f.fail(phase, err)
			}
			return Outcome{}, false
		}
	}
	start := time.Now()
	report, err := f.runners[phase].Run(ctx, p)
	f.recordPhaseMetric(phase, start, report, err)
	if err != nil {
		return f.handlePhaseError(ctx, phase, err)
	}
	f.breaker.Reset(phase, p)

	var route Route
	switch phase {
	case state.PhasePlanning:
		route = routePlanning(report)
	case state.PhaseDevelopment:
		route = Route{state.PhaseTesting, "development complete"}
	case state.PhaseTesting:
		route = f.routeAfterTesting()
	case state.PhaseDeployment:
		route = Route{state.PhaseComplete, "deployment complete"}
	default:
		return f.fail(phase, types.NewError(types.KindInvariant, "flow.runPhase",
			fmt.Sprintf("no routing for phase %s", phase)))
	}

	if route.Next == state.PhaseAwaitingHuman {
		return f.suspendForRoute(phase, report, route)
	}
	if err := f.transition(route.Next, route.Reason); err != nil {
		return f.fail(phase, err)
	}
	return Outcome{}, false
}

func (f *Flow) routeAfterTesting() Route {
	p := f.project
	snap := p.Snapshot()
	route := routeTesting(snap.TestResults, f.opts, p.CanRetry(state.PhaseTesting))
	if route.Next == state.PhaseDevelopment {
		if err := p.IncrementRetry(state.PhaseTesting); err != nil {
			return Route{state.PhaseAwaitingHuman, err.Error()}
		}
		if fb := testFeedback(snap.TestResults); len(fb) > 0 {
			p.SetMetadata(metaTestFeedback, fb)
		}
	}
	return route
}

func (f *Flow) suspendForRoute(phase state.Phase, report *PhaseReport, route Route) (Outcome, bool) {
	p := f.project
	switch phase {
	case state.PhasePlanning:
		question := route.Reason
		if report != nil && report.Clarification != "" {
			question = report.Clarification
		}
		return f.suspend(FeedbackRequest{
			ProjectID:     p.ID(),
			Kind:          FeedbackApproval,
			Question:      "Planning finished with low confidence: " + question + " Approve the plan or describe what to revise.",
			Options:       []string{"approve", "revise"},
			DefaultOption: "approve",
		}, route.Reason)
	case state.PhaseTesting:
		return f.suspend(FeedbackRequest{
			ProjectID:     p.ID(),
			Kind:          FeedbackEscalation,
			Question:      "Tests are still failing after every automatic retry: " + route.Reason + ". Retry with a fresh budget or abort?",
			Options:       []string{"retry", "abort"},
			DefaultOption: "abort",
			ContextDigest: route.Reason,
		}, route.Reason)
	default:
		return f.suspend(FeedbackRequest{
			ProjectID: p.ID(),
			Kind:      FeedbackEscalation,
			Question:  route.Reason,
			Options:   []string{"retry", "abort"},
		}, route.Reason)
	}
}

// handlePhaseError classifies a runner failure: fatal kinds end the
// run, exhaustion escalates, and everything else feeds the breaker.
func (f *Flow) handlePhaseError(ctx context.Context, phase state.Phase, err error) (Outcome, bool) {
	p := f.project
	kind := types.KindOf(err)
	if kind == types.KindCancelled || errors.Is(err, context.Canceled) {
		return f.cancelled(err), true
	}
	f.recordError(phase, err)

	switch {
	case types.Fatal(err):
		return f.failTerminal(phase, err, verdictMessages(err))
	case kind == types.KindBudgetExhausted:
		if phase.Suspendable() {
			return f.suspend(FeedbackRequest{
				ProjectID:     p.ID(),
				Kind:          FeedbackEscalation,
				Question:      fmt.Sprintf("Phase %s exhausted its retry budget: %v. Retry with a fresh budget or abort?", phase, err),
				Options:       []string{"retry", "abort"},
				DefaultOption: "abort",
			}, "retry budget exhausted")
		}
		return f.failTerminal(phase, err, nil)
	}

	if open := f.breaker.Record(phase, p); open {
		if phase.Suspendable() {
			return f.suspend(FeedbackRequest{
				ProjectID:     p.ID(),
				Kind:          FeedbackEscalation,
				Question:      fmt.Sprintf("Phase %s failed %d times in a row: %v. Retry or abort?", phase, f.breaker.Count(phase), err),
				Options:       []string{"retry", "abort"},
				DefaultOption: "abort",
			}, "circuit breaker open")
		}
		return f.failTerminal(phase, err, nil)
	}

	f.persist()
	if serr := sleepCtx(ctx, crew.Backoff(f.breaker.Count(phase)+1)); serr != nil {
		return f.cancelled(serr), true
	}
	return Outcome{}, false
}

// suspend parks the run in AWAITING_HUMAN. With a broker the flow waits
// for the reply in-process; without one the outcome carries the request
// for the caller.
func (f *Flow) suspend(req FeedbackRequest, reason string) (Outcome, bool) {
	p := f.project
	if req.ID == "" {
		req.ID = p.ID() + "-" + fmt.Sprint(len(p.Snapshot().Transitions))
	}
	p.SetMetadata(metaPendingFeedback, req)
	if err := f.transition(state.PhaseAwaitingHuman, reason); err != nil {
		out, _ := f.fail(p.Phase(), err)
		return out, true
	}
	if f.broker == nil {
		return Outcome{ProjectID: p.ID(), Phase: state.PhaseAwaitingHuman, Pending: &req}, true
	}
	return Outcome{}, false
}

// awaitHuman resolves a suspension through the broker.
func (f *Flow) awaitHuman(ctx context.Context) (Outcome, bool) {
	p := f.project
	req, err := f.pendingRequest()
	if err != nil {
		return f.fail(state.PhaseAwaitingHuman, err)
	}
	if f.broker == nil {
		return Outcome{ProjectID: p.ID(), Phase: state.PhaseAwaitingHuman, Pending: req}, true
	}
	resp, err := f.broker.Ask(ctx, *req, f.opts.FeedbackWait())
	if err != nil {
		return f.cancelled(err), true
	}
	return f.applyFeedback(*req, resp)
}

// ApplyFeedback resumes a suspended run with an out-of-band reply,
// without going through a broker. Used by the resume command.
func (f *Flow) ApplyFeedback(raw string) error {
	req, err := f.pendingRequest()
	if err != nil {
		return err
	}
	if f.project.Phase() != state.PhaseAwaitingHuman {
		return types.NewError(types.KindInvariant, "flow.ApplyFeedback",
			fmt.Sprintf("run is in phase %s, not awaiting feedback", f.project.Phase()))
	}
	out, done := f.applyFeedback(*req, ParseFeedback(*req, raw))
	if done && out.Err != nil {
		return out.Err
	}
	return nil
}

func (f *Flow) applyFeedback(req FeedbackRequest, resp FeedbackResponse) (Outcome, bool) {
	p := f.project
	resume := p.SuspendedFrom()
	if resume == "" {
		return f.fail(state.PhaseAwaitingHuman, types.NewError(types.KindInvariant,
			"flow.applyFeedback", "suspended run has no origin phase"))
	}
	p.SetMetadata(metaHumanFeedback, resp)

	if resp.TimedOut && req.DefaultOption == "" {
		err := types.NewError(types.KindCancelled, "flow.applyFeedback",
			"feedback request timed out with no default action")
		return f.failTerminal(state.PhaseAwaitingHuman, err, nil)
	}

	abort := resp.SelectedOption == "abort" ||
		(req.Kind == FeedbackEscalation && !resp.Accepted)
	if abort {
		err := types.NewError(types.KindCancelled, "flow.applyFeedback", "aborted by human decision")
		return f.failTerminal(state.PhaseAwaitingHuman, err, nil)
	}

	switch req.Kind {
	case FeedbackClarification:
		text := resp.FreeText
		if text == "" {
			text = resp.Raw
		}
		if text == "" {
			// A silent reply clarifies nothing; ask again on re-entry.
			text = "(no detail provided)"
		}
		p.SetMetadata(metaClarification, text)
	case FeedbackApproval:
		if resp.SelectedOption == "revise" || !resp.Accepted {
			text := resp.FreeText
			if text == "" {
				text = "revise the plan"
			}
			p.SetMetadata(metaClarification, text)
		} else {
			p.SetMetadata(metaPlanApproved, true)
		}
	case FeedbackEscalation:
		p.ResetRetry(resume)
		f.breaker.Reset(resume, p)
	}

	if err := f.transition(resume, "human feedback received"); err != nil {
		return f.fail(state.PhaseAwaitingHuman, err)
	}
	return Outcome{}, false
}

func (f *Flow) pendingRequest() (*FeedbackRequest, error) {
	v, ok := f.project.Metadata(metaPendingFeedback)
	if !ok {
		return nil, types.NewError(types.KindInvariant, "flow.pendingRequest",
			"suspended run has no pending feedback request")
	}
	// Snapshot JSON round-trips the request into a plain map.
	if req, ok := v.(FeedbackRequest); ok {
		return &req, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, types.WrapError(types.KindInvariant, "flow.pendingRequest", "unreadable pending request", err)
	}
	var req FeedbackRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, types.WrapError(types.KindInvariant, "flow.pendingRequest", "unreadable pending request", err)
	}
	return &req, nil
}

// transition moves the project and persists the snapshot plus the
// transition log entry.
func (f *Flow) transition(to state.Phase, reason string) error {
	p := f.project
	if err := p.Transition(to, reason); err != nil {
		return types.WrapError(types.KindInvariant, "flow.transition", "illegal phase edge", err)
	}
	snap := p.Snapshot()
	if n := len(snap.Transitions); n > 0 {
		if err := f.store.AppendTransition(p.ID(), snap.Transitions[n-1]); err != nil {
			logging.Get(logging.CategoryFlow).Warn("Transition log write failed: %v", err)
		}
	}
	if err := f.store.SaveSnapshot(snap); err != nil {
		return types.WrapError(types.KindTransient, "flow.transition", "snapshot persist failed", err)
	}
	return nil
}

func (f *Flow) persist() {
	if err := f.store.SaveSnapshot(f.project.Snapshot()); err != nil {
		logging.Get(logging.CategoryFlow).Warn("Snapshot persist failed: %v", err)
	}
}

func (f *Flow) recordError(phase state.Phase, err error) {
	p := f.project
	kind := types.KindOf(err)
	recoverable := !types.Fatal(err)
	p.AddError(phase, string(kind), err.Error(), recoverable)
	rec := state.ErrorRecord{
		Phase: phase, Kind: string(kind), Message: err.Error(),
		Timestamp: time.Now().UTC(), Recoverable: recoverable,
	}
	if werr := f.store.AppendError(p.ID(), rec); werr != nil {
		logging.Get(logging.CategoryFlow).Warn("Error log write failed: %v", werr)
	}
	logging.Get(logging.CategoryFlow).Error("Phase %s failed (%s): %v", phase, kind, err)
}

// fail records the error and ends the run in ERROR.
func (f *Flow) fail(phase state.Phase, err error) (Outcome, bool) {
	f.recordError(phase, err)
	return f.failTerminal(phase, err, nil)
}

// failTerminal moves to ERROR and writes the failure report.
func (f *Flow) failTerminal(phase state.Phase, err error, verdicts []string) (Outcome, bool) {
	p := f.project
	if terr := p.Transition(state.PhaseError, err.Error()); terr != nil {
		logging.Get(logging.CategoryFlow).Error("Could not enter error phase from %s: %v", p.Phase(), terr)
	}
	f.persist()
	snap := p.Snapshot()
	report := state.FailureReport{
		ProjectID:    p.ID(),
		Phase:        phase,
		Errors:       snap.Errors,
		LastVerdicts: verdicts,
	}
	if werr := f.store.WriteFailureReport(report); werr != nil {
		logging.Get(logging.CategoryFlow).Warn("Failure report write failed: %v", werr)
	}
	return Outcome{ProjectID: p.ID(), Phase: state.PhaseError, Err: err}, true
}

func (f *Flow) cancelled(cause error) Outcome {
	p := f.project
	err := types.WrapError(types.KindCancelled, "flow.Run", "run cancelled", cause)
	f.recordError(p.Phase(), err)
	out, _ := f.failTerminal(p.Phase(), err, nil)
	return out
}

func (f *Flow) recordPhaseMetric(phase state.Phase, start time.Time, report *PhaseReport, err error) {
	if f.metrics == nil {
		return
	}
	m := memory.PhaseMetric{
		RunID:    f.project.ID(),
		Phase:    string(phase),
		Duration: time.Since(start),
		Retries:  f.project.RetryCount(phase),
		Outcome:  "ok",
	}
	if report != nil {
		m.TokensIn = report.Tokens.In
		m.TokensOut = report.Tokens.Out
	}
	if err != nil {
		m.Outcome = string(types.KindOf(err))
	}
	if rerr := f.metrics.RecordPhase(m); rerr != nil {
		logging.Get(logging.CategoryFlow).Warn("Phase metrics unavailable: %v", rerr)
	}
}

// lastError surfaces the most recent recorded error for the outcome.
func lastError(p *state.Project) error {
	snap := p.Snapshot()
	if n := len(snap.Errors); n > 0 {
		e := snap.Errors[n-1]
		return types.NewError(types.ErrKind(e.Kind), "flow", e.Message)
	}
	return errors.New("run ended in error")
}

// verdictMessages pulls guardrail detail out of a crew failure.
func verdictMessages(err error) []string {
	var failed *crew.FailedTask
	if errors.As(err, &failed) && failed.Verdict != nil {
		return []string{failed.Verdict.Guard + ": " + failed.Verdict.Message}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadProject restores a persisted run for resumption.
func LoadProject(store *state.Store, projectID string) (*state.Project, error) {
	snap, err := store.LoadSnapshot(projectID)
	if err != nil {
		return nil, types.WrapError(types.KindConfiguration, "flow.LoadProject",
			"no persisted state for "+projectID, err)
	}
	p, err := state.Restore(snap)
	if err != nil {
		return nil, types.WrapError(types.KindInvariant, "flow.LoadProject",
			"persisted state is corrupt", err)
	}
	return p, nil
}
