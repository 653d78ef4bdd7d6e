package flow

import (
	"fmt"
	"strings"

	"codecrew/internal/config"
	"codecrew/internal/logging"
	"codecrew/internal/state"
)

// MinPlanningConfidence is the requirements confidence below which
// planning suspends for human approval instead of proceeding.
const MinPlanningConfidence = 0.7

// minDescriptionLen is the shortest description intake accepts without
// asking for clarification.
const minDescriptionLen = 10

// vagueMarkers are phrases that signal an under-specified request. Two
// or more in one description routes intake to clarification.
var vagueMarkers = []string{
	"something", "stuff", "anything", "whatever",
	"some kind of", "you know", "etc",
}

// Route is a pure routing decision: the next phase and why.
type Route struct {
	Next   state.Phase
	Reason string
}

// routeIntake decides where an accepted, non-hostile description goes.
// Clarified runs always proceed; otherwise short or vague descriptions
// suspend for clarification.
func routeIntake(description string, clarified bool) Route {
	desc := strings.TrimSpace(description)
	if clarified {
		return logRoute(state.PhaseIntake, Route{state.PhasePlanning, "clarified by human"})
	}
	if desc == "" {
		return logRoute(state.PhaseIntake, Route{state.PhaseAwaitingHuman, "empty description"})
	}
	if len(desc) < minDescriptionLen {
		return logRoute(state.PhaseIntake, Route{state.PhaseAwaitingHuman,
			fmt.Sprintf("description too short (%d chars)", len(desc))})
	}
	vague := 0
	lower := strings.ToLower(desc)
	for _, m := range vagueMarkers {
		if strings.Contains(lower, m) {
			vague++
		}
	}
	if vague >= 2 {
		return logRoute(state.PhaseIntake, Route{state.PhaseAwaitingHuman,
			fmt.Sprintf("description too vague (%d markers)", vague)})
	}
	return logRoute(state.PhaseIntake, Route{state.PhasePlanning, "intake accepted"})
}

// routePlanning gates on requirements confidence. A zero confidence
// means the model omitted the field and is treated as confident.
func routePlanning(report *PhaseReport) Route {
	if report.Clarification != "" {
		return logRoute(state.PhasePlanning, Route{state.PhaseAwaitingHuman,
			"planning needs clarification: " + report.Clarification})
	}
	if report.Confidence > 0 && report.Confidence < MinPlanningConfidence {
		return logRoute(state.PhasePlanning, Route{state.PhaseAwaitingHuman,
			fmt.Sprintf("requirements confidence %.2f below %.2f", report.Confidence, MinPlanningConfidence)})
	}
	return logRoute(state.PhasePlanning, Route{state.PhaseDevelopment, "planning complete"})
}

// routeTesting sends a green run to deployment, a red run with budget
// back to development, and an exhausted run to a human.
func routeTesting(run *state.TestRun, opts *config.Options, canRetry bool) Route {
	if run == nil {
		if canRetry {
			return logRoute(state.PhaseTesting, Route{state.PhaseDevelopment, "no test results produced"})
		}
		return logRoute(state.PhaseTesting, Route{state.PhaseAwaitingHuman, "no test results and retry budget exhausted"})
	}
	if run.AllPassed() && run.Coverage >= opts.CoverageThreshold {
		return logRoute(state.PhaseTesting, Route{state.PhaseDeployment,
			fmt.Sprintf("%d/%d tests passed, coverage %.0f%%", run.Passed, run.Total, run.Coverage*100)})
	}
	reason := testFailureSummary(run, opts)
	if canRetry {
		return logRoute(state.PhaseTesting, Route{state.PhaseDevelopment, reason})
	}
	return logRoute(state.PhaseTesting, Route{state.PhaseAwaitingHuman, reason + "; retry budget exhausted"})
}

func testFailureSummary(run *state.TestRun, opts *config.Options) string {
	if run.Total == 0 {
		return "test suite executed no cases"
	}
	if run.Failed > 0 {
		return fmt.Sprintf("%d of %d tests failed", run.Failed, run.Total)
	}
	return fmt.Sprintf("coverage %.0f%% below threshold %.0f%%",
		run.Coverage*100, opts.CoverageThreshold*100)
}

// testFeedback turns a failing run into retry feedback for the
// development crew.
func testFeedback(run *state.TestRun) []string {
	if run == nil {
		return nil
	}
	var out []string
	for _, c := range run.FailingCases() {
		msg := c.Message
		if msg == "" {
			msg = "failed"
		}
		out = append(out, fmt.Sprintf("test %s: %s", c.Name, msg))
	}
	for _, b := range run.Bugs {
		out = append(out, fmt.Sprintf("bug [%s]: %s", b.Severity, b.Description))
	}
	if len(out) == 0 && run.Total > 0 {
		out = append(out, fmt.Sprintf("coverage %.0f%% is too low; add tests or simplify code", run.Coverage*100))
	}
	return out
}

func logRoute(from state.Phase, r Route) Route {
	logging.Routing("%s -> %s: %s", from, r.Next, r.Reason)
	return r
}
