package flow

import (
	"context"
	"fmt"
	"strings"

	"codecrew/internal/config"
	"codecrew/internal/crew"
	"codecrew/internal/guardrails"
	"codecrew/internal/logging"
	"codecrew/internal/state"
	"codecrew/internal/types"
	"codecrew/internal/worker"
)

// JSON shape hints sent with structured tasks.
const (
	requirementsSchema = `{"project_name":"string","description":"string","target_users":["string"],"user_stories":[{"id":"US-1","role":"string","action":"string","benefit":"string","acceptance_criteria":["string"],"priority":"must|should|could|wont"}],"non_functional":["string"],"assumptions":["string"],"constraints":["string"],"confidence":0.0}`
	architectureSchema = `{"overview":"string","components":[{"name":"string","responsibility":"string","depends_on":["string"]}],"tech_choices":[{"area":"string","choice":"string","justification":"string"}],"interfaces":[{"name":"string","kind":"http|queue|library","description":"string"}],"data_entities":["string"],"topology":"string"}`
	codeFilesSchema    = `[{"path":"relative/path.py","content":"full file content","language":"python","kind":"source|test|config|doc"}]`
	bugReportSchema    = `[{"id":"BUG-1","severity":"critical|major|minor","path":"relative/path.py","description":"string","suggested_fix":"string"}]`
	infraSchema        = `{"infrastructure":"infra design","instructions":"step-by-step rollout","environment":{"KEY":"value"}}`
)

// Runtime wires the production crews: one LLM client, one tool set, and
// one memory shared by every worker, with models resolved per role from
// the environment tier.
type Runtime struct {
	client  types.LLMClient
	opts    *config.Options
	tools   types.ToolSet
	memory  types.Memory
	metrics worker.MetricsRecorder

	workers map[types.Role]*worker.Worker
}

// NewRuntime builds the runtime. Memory and metrics may be nil.
func NewRuntime(client types.LLMClient, opts *config.Options, tools types.ToolSet, mem types.Memory, metrics worker.MetricsRecorder) (*Runtime, error) {
	if client == nil {
		return nil, types.NewError(types.KindConfiguration, "flow.NewRuntime", "llm client required")
	}
	if opts == nil {
		opts = config.Default()
	}
	rt := &Runtime{
		client: client, opts: opts, tools: tools, memory: mem, metrics: metrics,
		workers: map[types.Role]*worker.Worker{},
	}
	for _, role := range worker.Roles() {
		w, err := worker.New(role, client, opts.ModelFor(role), tools, mem, metrics)
		if err != nil {
			return nil, err
		}
		rt.workers[role] = w
	}
	return rt, nil
}

// Runners returns the production phase runners.
func (rt *Runtime) Runners() map[state.Phase]PhaseRunner {
	return map[state.Phase]PhaseRunner{
		state.PhasePlanning:    RunnerFunc(rt.runPlanning),
		state.PhaseDevelopment: RunnerFunc(rt.runDevelopment),
		state.PhaseTesting:     RunnerFunc(rt.runTesting),
		state.PhaseDeployment:  RunnerFunc(rt.runDeployment),
	}
}

func (rt *Runtime) crewWorkers(roles ...types.Role) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(roles))
	for _, r := range roles {
		out = append(out, rt.workers[r])
	}
	return out
}

func (rt *Runtime) kickoff(ctx context.Context, p *state.Project, cfg crew.Config) (*crew.Output, error) {
	c, err := crew.New(cfg)
	if err != nil {
		return nil, err
	}
	snap := p.Snapshot()
	return c.Kickoff(ctx, &snap)
}

// runPlanning produces the requirements and architecture documents.
func (rt *Runtime) runPlanning(ctx context.Context, p *state.Project) (*PhaseReport, error) {
	var reqDoc state.Requirements
	var arch state.Architecture

	desc := p.Description()
	if v, ok := p.Metadata(metaClarification); ok {
		desc = fmt.Sprintf("%s\n\nAdditional detail from the project owner:\n%v", desc, v)
	}

	tasks := []crew.Task{
		{
			ID:   "requirements",
			Role: types.RoleRequirementsAnalyst,
			Description: "Analyze the project description and produce a complete requirements document. " +
				"Cover every user-facing capability, name the target users, and state your assumptions. " +
				"Report a confidence value between 0 and 1 for how well the description supports the requirements.\n\n" +
				"Project description:\n" + desc,
			ExpectedOutput: "A JSON requirements document with at least three user stories.",
			SchemaHint:     requirementsSchema,
			Guardrails: guardrails.NewChain(
				guardrails.UserStoryCount(),
				guardrails.PIIDetection(),
				guardrails.ScopeControl(0, 0),
			),
			Decode: func(raw string) error { return worker.DecodeOutput(raw, &reqDoc) },
		},
		{
			ID:             "architecture",
			Role:           types.RoleArchitect,
			DependsOn:      []string{"requirements"},
			Description:    "Design the system architecture for the requirements above. Name each component, its single responsibility, and its dependencies. Justify every technology choice.",
			ExpectedOutput: "A JSON architecture document.",
			SchemaHint:     architectureSchema,
			Guardrails:     guardrails.NewChain(guardrails.Reasoning()),
			Decode:         func(raw string) error { return worker.DecodeOutput(raw, &arch) },
		},
	}

	out, err := rt.kickoff(ctx, p, crew.Config{
		Name:    "planning",
		Policy:  crew.Sequential,
		Workers: rt.crewWorkers(types.RoleRequirementsAnalyst, types.RoleArchitect),
		Tasks:   tasks,
		Scope:   "run/" + p.ID() + "/planning",
	})
	if err != nil {
		return nil, err
	}
	p.SetRequirements(&reqDoc)
	p.SetArchitecture(&arch)
	return &PhaseReport{Confidence: reqDoc.Confidence, Tokens: out.Tokens, Warnings: out.Warnings}, nil
}

// runDevelopment generates the code. Backend and frontend are
// independent; devops config depends on the backend.
func (rt *Runtime) runDevelopment(ctx context.Context, p *state.Project) (*PhaseReport, error) {
	snap := p.Snapshot()
	feedback := rt.testFeedbackSuffix(p)

	codeChain := func(role types.Role, language string) guardrails.Chain {
		return guardrails.NewChain(
			guardrails.CodeSafety(rt.opts.DangerousPatterns),
			guardrails.SecretDetection(),
			guardrails.RoleAdherence(string(role)),
			guardrails.CodeQuality(language, rt.opts.QualityScoreThreshold),
		)
	}

	var backend, frontend, devops []state.CodeFile
	tasks := []crew.Task{{
		ID:   "backend",
		Role: types.RoleBackendDev,
		Description: "Implement the backend for the architecture in context: every component that is not " +
			"a frontend, with complete runnable source files." + feedback,
		ExpectedOutput: "A JSON array of source files.",
		SchemaHint:     codeFilesSchema,
		Guardrails:     codeChain(types.RoleBackendDev, "python"),
		Decode:         func(raw string) error { return worker.DecodeOutput(raw, &backend) },
	}}
	roles := []types.Role{types.RoleBackendDev, types.RoleDevopsEngineer}

	if snap.Architecture.HasFrontend() {
		tasks = append(tasks, crew.Task{
			ID:             "frontend",
			Role:           types.RoleFrontendDev,
			Description:    "Implement the frontend component from the architecture in context, with complete source files." + feedback,
			ExpectedOutput: "A JSON array of source files.",
			SchemaHint:     codeFilesSchema,
			Guardrails:     codeChain(types.RoleFrontendDev, "javascript"),
			Decode:         func(raw string) error { return worker.DecodeOutput(raw, &frontend) },
		})
		roles = append(roles, types.RoleFrontendDev)
	}

	tasks = append(tasks, crew.Task{
		ID:             "devops",
		Role:           types.RoleDevopsEngineer,
		DependsOn:      []string{"backend"},
		Description:    "Produce the build and dependency configuration for the backend above: dependency manifest, entrypoint wiring, and any service configuration files.",
		ExpectedOutput: "A JSON array of configuration files.",
		SchemaHint:     codeFilesSchema,
		Guardrails: guardrails.NewChain(
			guardrails.CodeSafety(rt.opts.DangerousPatterns),
			guardrails.SecretDetection(),
			guardrails.RoleAdherence(string(types.RoleDevopsEngineer)),
			guardrails.DependencyPolicy(nil),
		),
		Decode: func(raw string) error { return worker.DecodeOutput(raw, &devops) },
	})

	policy := crew.Sequential
	if rt.opts.Parallel {
		policy = crew.Coordinated
	}
	out, err := rt.kickoff(ctx, p, crew.Config{
		Name:    "development",
		Policy:  policy,
		Workers: rt.crewWorkers(roles...),
		Tasks:   tasks,
		Scope:   "run/" + p.ID() + "/development",
	})
	if err != nil {
		return nil, err
	}

	for _, group := range [][]state.CodeFile{backend, frontend, devops} {
		if err := rt.commitFiles(ctx, p, group); err != nil {
			return nil, err
		}
	}

	// Layout compliance is judged over the committed tree, so it runs
	// after the commits, as an advisory.
	warnings := out.Warnings
	committed := p.Snapshot()
	if v := guardrails.ArchitectureCompliance().Check(guardrails.Input{Snapshot: &committed}); v.Status != guardrails.StatusPass {
		warnings = append(warnings, v)
	}
	return &PhaseReport{Tokens: out.Tokens, Warnings: warnings}, nil
}

// runTesting writes the test suite, executes it, and reviews the code
// against the results.
func (rt *Runtime) runTesting(ctx context.Context, p *state.Project) (*PhaseReport, error) {
	if rt.tools.Tests == nil {
		return nil, types.NewError(types.KindConfiguration, "flow.runTesting", "no test runner configured")
	}

	var testFiles []state.CodeFile
	out, err := rt.kickoff(ctx, p, crew.Config{
		Name:    "testing",
		Policy:  crew.Sequential,
		Workers: rt.crewWorkers(types.RoleQAEngineer),
		Tasks: []crew.Task{{
			ID:   "write_tests",
			Role: types.RoleQAEngineer,
			Description: "Write a pytest suite for the generated files in context. Cover every acceptance " +
				"criterion from the requirements. Test files go under tests/.",
			ExpectedOutput: "A JSON array of test files under tests/.",
			SchemaHint:     codeFilesSchema,
			Guardrails: guardrails.NewChain(
				guardrails.RoleAdherence(string(types.RoleQAEngineer)),
				guardrails.CodeSafety(rt.opts.DangerousPatterns),
			),
			Decode: func(raw string) error { return worker.DecodeOutput(raw, &testFiles) },
		}},
		Scope: "run/" + p.ID() + "/testing",
	})
	if err != nil {
		return nil, err
	}
	if err := rt.commitFiles(ctx, p, testFiles); err != nil {
		return nil, err
	}

	run, err := rt.tools.Tests.Run(ctx, "tests", ".")
	if err != nil {
		return nil, err
	}
	// Results go into state before the review so the reviewer's snapshot
	// carries them, and the coverage gate sees the fresh run.
	p.SetTestResults(run)

	warnings := out.Warnings
	tested := p.Snapshot()
	if v := guardrails.Coverage(rt.opts.CoverageThreshold).Check(guardrails.Input{Snapshot: &tested}); v.Status != guardrails.StatusPass {
		warnings = append(warnings, v)
	}

	var bugs []state.BugReport
	review, err := rt.kickoff(ctx, p, crew.Config{
		Name:    "review",
		Policy:  crew.Sequential,
		Workers: rt.crewWorkers(types.RoleCodeReviewer),
		Tasks: []crew.Task{{
			ID:   "review",
			Role: types.RoleCodeReviewer,
			Description: fmt.Sprintf("Review the generated code in context against this test outcome: "+
				"%d/%d passed, coverage %.0f%%. Report every defect you find.",
				run.Passed, run.Total, run.Coverage*100),
			ExpectedOutput: "A JSON array of bug reports; empty if the code is sound.",
			SchemaHint:     bugReportSchema,
			Decode:         func(raw string) error { return worker.DecodeOutput(raw, &bugs) },
		}},
		Scope: "run/" + p.ID() + "/testing",
	})
	if err != nil {
		return nil, err
	}
	run.Bugs = append(run.Bugs, bugs...)
	p.SetTestResults(run)

	tokens := types.TokenCounts{In: out.Tokens.In + review.Tokens.In, Out: out.Tokens.Out + review.Tokens.Out}
	return &PhaseReport{Tokens: tokens, Warnings: append(warnings, review.Warnings...)}, nil
}

// runDeployment designs the infrastructure, packages the deployment
// artifacts, and writes the documentation, in that order.
func (rt *Runtime) runDeployment(ctx context.Context, p *state.Project) (*PhaseReport, error) {
	var bundle state.DeploymentBundle
	var docs []state.CodeFile

	out, err := rt.kickoff(ctx, p, crew.Config{
		Name:    "deployment",
		Policy:  crew.Sequential,
		Workers: rt.crewWorkers(types.RoleDevopsEngineer, types.RoleCoordinator),
		Tasks: []crew.Task{
			{
				ID:             "infrastructure",
				Role:           types.RoleDevopsEngineer,
				Description:    "Design the deployment for the system in context: infrastructure layout and step-by-step rollout instructions.",
				ExpectedOutput: "A JSON infrastructure plan.",
				SchemaHint:     infraSchema,
				Guardrails:     guardrails.NewChain(guardrails.SecretDetection()),
				Decode:         func(raw string) error { return worker.DecodeOutput(raw, &bundle) },
			},
			{
				ID:             "packaging",
				Role:           types.RoleDevopsEngineer,
				DependsOn:      []string{"infrastructure"},
				Description:    "Produce the deployment artifacts for the infrastructure plan above: Dockerfile or process packaging, service manifests, and environment templates.",
				ExpectedOutput: "A JSON array of deployment artifact files.",
				SchemaHint:     codeFilesSchema,
				Guardrails: guardrails.NewChain(
					guardrails.SecretDetection(),
					guardrails.DependencyPolicy(nil),
				),
				Decode: func(raw string) error { return worker.DecodeOutput(raw, &bundle.Artifacts) },
			},
			{
				ID:             "documentation",
				Role:           types.RoleCoordinator,
				DependsOn:      []string{"packaging"},
				Description:    "Write the project documentation: a README.md covering what the system does, how to run it, and how to deploy it per the artifacts above.",
				ExpectedOutput: "A JSON array with at least README.md.",
				SchemaHint:     codeFilesSchema,
				Decode:         func(raw string) error { return worker.DecodeOutput(raw, &docs) },
			},
		},
		Scope: "run/" + p.ID() + "/deployment",
	})
	if err != nil {
		return nil, err
	}

	p.SetDeployment(&bundle)
	if err := rt.commitFiles(ctx, p, bundle.Artifacts); err != nil {
		return nil, err
	}
	if err := rt.commitFiles(ctx, p, docs); err != nil {
		return nil, err
	}

	// The README check reads committed files, so it runs after the
	// commits.
	warnings := out.Warnings
	documented := p.Snapshot()
	if v := guardrails.Documentation().Check(guardrails.Input{Snapshot: &documented}); v.Status != guardrails.StatusPass {
		warnings = append(warnings, v)
	}
	return &PhaseReport{Tokens: out.Tokens, Warnings: warnings}, nil
}

// commitFiles records generated files in project state and mirrors them
// into the workspace. Every path clears the path guardrail before any
// state changes.
func (rt *Runtime) commitFiles(ctx context.Context, p *state.Project, files []state.CodeFile) error {
	pathGuard := guardrails.PathSecurity(nil)
	for _, f := range files {
		if v := pathGuard.Check(guardrails.Input{Output: f.Path}); !v.OK() {
			return types.NewError(types.KindShape, "flow.commitFiles",
				fmt.Sprintf("rejected generated file %q: %s", f.Path, v.Message))
		}
		if err := p.ReplaceFile(f); err != nil {
			return types.WrapError(types.KindShape, "flow.commitFiles", "rejected generated file", err)
		}
		if rt.tools.Files != nil {
			if err := rt.tools.Files.Write(ctx, f.Path, []byte(f.Content)); err != nil {
				return err
			}
		}
		logging.FlowDebug("Committed %s (%d bytes)", f.Path, len(f.Content))
	}
	return nil
}

// testFeedbackSuffix folds prior test failures into the development
// prompt on a retry pass.
func (rt *Runtime) testFeedbackSuffix(p *state.Project) string {
	v, ok := p.Metadata(metaTestFeedback)
	if !ok {
		return ""
	}
	var lines []string
	switch items := v.(type) {
	case []string:
		lines = items
	case []any:
		for _, it := range items {
			lines = append(lines, fmt.Sprint(it))
		}
	default:
		lines = []string{fmt.Sprint(v)}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\nThe previous build failed testing. Fix every item:\n- " + strings.Join(lines, "\n- ")
}
