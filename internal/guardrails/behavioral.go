package guardrails

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"codecrew/internal/state"
)

// Behavioral guardrails: role adherence, scope control, reasoning
// substance, delegation legality, output shape, and iteration limits.

// AllowedDelegators lists the roles that may delegate tasks.
var AllowedDelegators = map[string]bool{
	"project_coordinator": true,
	"manager":             true,
	"software_architect":  true,
	"tech_lead":           true,
}

type roleRestriction struct {
	patterns []patternEntry
	message  string
}

var roleRestrictions = map[string]roleRestriction{
	"backend_developer": {
		patterns: []patternEntry{
			{regexp.MustCompile(`(?i)<script\b`), "Frontend script tag", SeverityWarning},
			{regexp.MustCompile(`(?i)<style\b`), "Frontend style tag", SeverityWarning},
			{regexp.MustCompile(`useState\s*\(|useEffect\s*\(|React\.`), "React frontend code", SeverityWarning},
			{regexp.MustCompile(`Vue\.|createApp\s*\(|@vue`), "Vue frontend code", SeverityWarning},
			{regexp.MustCompile(`@angular|NgModule\s*\(`), "Angular frontend code", SeverityWarning},
			{regexp.MustCompile(`@media\s+`), "Standalone CSS", SeverityWarning},
		},
		message: "Backend developer should not generate frontend UI code.",
	},
	"frontend_developer": {
		patterns: []patternEntry{
			{regexp.MustCompile(`(?i)CREATE\s+TABLE|ALTER\s+TABLE|DROP\s+TABLE`), "Database DDL", SeverityWarning},
			{regexp.MustCompile(`(?i)INSERT\s+INTO|DELETE\s+FROM|UPDATE\s+\w+\s+SET`), "Database DML", SeverityWarning},
			{regexp.MustCompile(`(?i)FastAPI\s*\(|django\.conf|@app\.route|flask\.`), "Backend server framework", SeverityWarning},
			{regexp.MustCompile(`(?i)sqlalchemy|engine\.execute`), "ORM/DB session", SeverityWarning},
		},
		message: "Frontend developer should not generate backend/database code.",
	},
	"software_architect": {
		patterns: []patternEntry{
			{regexp.MustCompile(`(?i)INSERT\s+INTO`), "Data manipulation", SeverityWarning},
			{regexp.MustCompile(`(?i)DELETE\s+FROM`), "Data manipulation", SeverityWarning},
			{regexp.MustCompile(`(?i)UPDATE\s+\w+\s+SET`), "Data manipulation", SeverityWarning},
		},
		message: "Architect should design systems, not implement data operations.",
	},
	"requirements_analyst": {
		patterns: []patternEntry{
			{regexp.MustCompile(`def\s+\w+\s*\(`), "Implementation (function definition)", SeverityWarning},
			{regexp.MustCompile(`class\s+\w+\s*[(:]`), "Implementation (class definition)", SeverityWarning},
		},
		message: "Requirements analyst should focus on requirements, not implementation.",
	},
	"project_coordinator": {
		patterns: []patternEntry{
			{regexp.MustCompile(`def\s+\w+\s*\(`), "Code implementation (function definition)", SeverityWarning},
			{regexp.MustCompile(`class\s+\w+\s*[(:]`), "Code implementation (class definition)", SeverityWarning},
		},
		message: "Coordinator should coordinate and delegate, not produce implementation code.",
	},
}

var (
	pyDefRe   = regexp.MustCompile(`\bdef\s+(\w+)\s*\(`)
	pyClassRe = regexp.MustCompile(`\bclass\s+(\w+)\s*[(:]`)
)

// qaViolations flags production code in QA output. The original expressed
// this with lookaheads; here the captured name is checked directly.
func qaViolations(output string) []string {
	var out []string
	for _, m := range pyDefRe.FindAllStringSubmatch(output, -1) {
		if !strings.HasPrefix(m[1], "test_") {
			out = append(out, "Production code (non-test function)")
			break
		}
	}
	for _, m := range pyClassRe.FindAllStringSubmatch(output, -1) {
		if !strings.HasPrefix(m[1], "Test") {
			out = append(out, "Production class (non-test)")
			break
		}
	}
	return out
}

// RoleAdherence verifies the output's content domain matches the worker's
// declared role.
func RoleAdherence(role string) Guardrail {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(role), " ", "_"))
	return Guardrail{Name: "role_adherence", Check: func(in Input) Verdict {
		var violations []string
		if key == "qa_engineer" {
			violations = qaViolations(in.Output)
		} else if r, ok := roleRestrictions[key]; ok {
			for _, p := range r.patterns {
				if p.re.MatchString(in.Output) {
					violations = append(violations, p.label)
				}
			}
		}
		if len(violations) > 0 {
			msg := "Role boundary violation."
			if key == "qa_engineer" {
				msg = "QA engineer should only write test code, not modify production source."
			} else if r, ok := roleRestrictions[key]; ok {
				msg = r.message
			}
			return fail("role_adherence", "behavioral", msg,
				SeverityWarning, true,
				map[string]any{"violations": violations, "role": role})
		}
		return pass("role_adherence", "behavioral", "Output adheres to role boundaries.")
	}}
}

var wordRe = regexp.MustCompile(`\b\w{4,}\b`)

func keywordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		set[w] = true
	}
	return set
}

// ScopeControl checks the output stays tied to the project description
// and requirements: relevance below minRelevance fails, heavy unrelated
// vocabulary warns as possible scope creep.
func ScopeControl(minRelevance, maxExpansion float64) Guardrail {
	if minRelevance <= 0 {
		minRelevance = 0.5
	}
	if maxExpansion <= 0 {
		maxExpansion = 0.25
	}
	return Guardrail{Name: "scope_control", Check: func(in Input) Verdict {
		var reqText strings.Builder
		if in.Snapshot != nil {
			reqText.WriteString(in.Snapshot.Description)
			if r := in.Snapshot.Requirements; r != nil {
				reqText.WriteString(" " + r.Description)
				for _, s := range r.UserStories {
					reqText.WriteString(" " + s.Action + " " + s.Benefit)
				}
			}
		}
		reqWords := keywordSet(reqText.String())
		if len(reqWords) == 0 {
			return pass("scope_control", "behavioral",
				"No requirement keywords to check; scope not validated.")
		}
		outWords := keywordSet(in.Output)
		overlapCount := 0
		for w := range reqWords {
			if outWords[w] {
				overlapCount++
			}
		}
		overlap := float64(overlapCount) / float64(len(reqWords))
		extra := len(outWords) - overlapCount

		if overlap < minRelevance {
			return fail("scope_control", "behavioral",
				fmt.Sprintf("Output deviates from task scope (relevance %.0f%% below %.0f%%).",
					overlap*100, minRelevance*100),
				SeverityWarning, true,
				map[string]any{"relevance_ratio": overlap})
		}
		if extra > 20 && overlap < 1-maxExpansion {
			return warn("scope_control", "behavioral",
				"Output may include scope creep; consider focusing on requirements.",
				map[string]any{"relevance_ratio": overlap, "extra_keywords": extra})
		}
		return pass("scope_control", "behavioral", "Output is within task scope.")
	}}
}

var reasoningRe = regexp.MustCompile(`(?i)\b(because|rationale|therefore|reason|so that|in order to|thus|hence|we chose|we decided|recommendation)\b`)

const minReasoningLength = 80

// Reasoning rejects trivially short outputs with no rationale.
func Reasoning() Guardrail {
	return Guardrail{Name: "reasoning", Check: func(in Input) Verdict {
		text := strings.TrimSpace(in.Output)
		if len(text) >= minReasoningLength {
			return pass("reasoning", "behavioral", "Output has sufficient length.")
		}
		if reasoningRe.MatchString(text) {
			return pass("reasoning", "behavioral", "Output includes reasoning indicators.")
		}
		return fail("reasoning", "behavioral",
			"Output is too short and lacks clear reasoning or rationale.",
			SeverityWarning, true,
			map[string]any{"length": len(text), "min_length": minReasoningLength})
	}}
}

// Delegation validates one delegation decision: only designated roles may
// delegate, and the target must not already be in the delegation chain.
// Used directly by the coordinated crew policy, not as a chain member.
func Delegation(delegator, target string, chain []string) Verdict {
	normalize := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	}
	if !AllowedDelegators[normalize(delegator)] {
		return fail("delegation", "behavioral",
			fmt.Sprintf("Role %q is not allowed to delegate.", delegator),
			SeverityWarning, true,
			map[string]any{"delegator": delegator, "target": target})
	}
	targetNorm := normalize(target)
	for _, c := range chain {
		if normalize(c) == targetNorm {
			return fail("delegation", "behavioral",
				"Circular delegation detected: target already in delegation chain.",
				SeverityWarning, true,
				map[string]any{"delegator": delegator, "target": target, "chain": chain})
		}
	}
	return pass("delegation", "behavioral", "Delegation is allowed and not circular.")
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON unwraps an optional markdown code fence around a JSON
// payload. Returns the inner text, or the trimmed input when no fence is
// present.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// OutputShape validates that the output parses as the declared artifact.
// The validate function unmarshals and checks the concrete type.
func OutputShape(typeName string, validate func(raw string) error) Guardrail {
	return Guardrail{Name: "output_shape", Check: func(in Input) Verdict {
		raw := ExtractJSON(in.Output)
		if !json.Valid([]byte(raw)) {
			return fail("output_shape", "behavioral",
				"Output is not valid JSON.",
				SeverityWarning, true,
				map[string]any{"expected_type": typeName})
		}
		if err := validate(raw); err != nil {
			return fail("output_shape", "behavioral",
				fmt.Sprintf("Output does not match expected format: %v", err),
				SeverityWarning, true,
				map[string]any{"expected_type": typeName, "validation_error": err.Error()})
		}
		return pass("output_shape", "behavioral", "Output matches expected format.")
	}}
}

// UserStoryCount fails a requirements output carrying fewer than the
// minimum user stories.
func UserStoryCount() Guardrail {
	return Guardrail{Name: "user_story_count", Check: func(in Input) Verdict {
		var req state.Requirements
		if err := json.Unmarshal([]byte(ExtractJSON(in.Output)), &req); err != nil {
			return fail("user_story_count", "behavioral",
				fmt.Sprintf("Requirements output is not parseable: %v", err),
				SeverityWarning, true, nil)
		}
		if len(req.UserStories) < state.MinUserStories {
			return fail("user_story_count", "behavioral",
				fmt.Sprintf("Requirements must include at least %d user stories, got %d.",
					state.MinUserStories, len(req.UserStories)),
				SeverityWarning, true,
				map[string]any{"got": len(req.UserStories), "min": state.MinUserStories})
		}
		return pass("user_story_count", "behavioral", "Requirements carry enough user stories.")
	}}
}

// IterationLimit warns at 80% of the worker's inner iteration cap and
// fails without retry at the cap.
func IterationLimit() Guardrail {
	return Guardrail{Name: "iteration_limit", Check: func(in Input) Verdict {
		if in.MaxIterations <= 0 {
			return pass("iteration_limit", "behavioral", "No iteration cap declared.")
		}
		if in.Iteration >= in.MaxIterations {
			return fail("iteration_limit", "behavioral",
				fmt.Sprintf("Iteration limit reached (%d >= %d).", in.Iteration, in.MaxIterations),
				SeverityWarning, false,
				map[string]any{"iteration": in.Iteration, "max": in.MaxIterations})
		}
		if in.Iteration >= int(float64(in.MaxIterations)*0.8) {
			return warn("iteration_limit", "behavioral",
				fmt.Sprintf("Approaching iteration limit (%d/%d).", in.Iteration, in.MaxIterations),
				map[string]any{"iteration": in.Iteration, "max": in.MaxIterations})
		}
		return pass("iteration_limit", "behavioral", "Within iteration limit.")
	}}
}
