package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"codecrew/internal/state"
)

// Quality guardrails: code quality heuristics, coverage threshold,
// documentation presence, architecture compliance, and dependency policy.
// Code checks are multi-language line heuristics; they grade generated
// output, they are not a replacement for real linters in the produced
// project.

const (
	maxFunctionLines = 50
	maxFileLines     = 500
)

var (
	todoRe        = regexp.MustCompile(`(?i)(#|//)\s*(TODO|FIXME|HACK|XXX)\s*[:\s]`)
	pyPublicDefRe = regexp.MustCompile(`(?m)^\s*def\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\(([^)]*)\)\s*(->\s*\S+)?\s*:`)
	snakeCaseRe   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	jsFuncRe      = regexp.MustCompile(`function\s+([a-zA-Z_$][a-zA-Z0-9_$]*)\s*\(`)
	camelCaseRe   = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)
	credentialRe  = regexp.MustCompile(`(?i)(password|api_key|secret)\s*=\s*['"]\S+['"]`)
)

// pythonFunctionIssues scans def blocks by indentation: length, missing
// docstring, missing return hint on public functions.
func pythonFunctionIssues(code string) []string {
	var issues []string
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		m := pyPublicDefRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			t := strings.TrimLeft(lines[j], " \t")
			if t == "" {
				continue
			}
			if len(lines[j])-len(t) <= indent {
				end = j
				break
			}
		}
		if fn := end - i; fn > maxFunctionLines {
			issues = append(issues,
				fmt.Sprintf("Function %q has %d lines; keep under %d", name, fn, maxFunctionLines))
		}
		if !strings.HasPrefix(name, "_") {
			body := strings.TrimSpace(strings.Join(lines[i+1:min(end, i+3)], "\n"))
			if !strings.HasPrefix(body, `"""`) && !strings.HasPrefix(body, "'''") {
				issues = append(issues, fmt.Sprintf("Add docstring to public function %q", name))
			}
			if m[3] == "" && strings.TrimSpace(m[2]) != "" {
				issues = append(issues, fmt.Sprintf("Add return type hint to %q", name))
			}
			if !snakeCaseRe.MatchString(name) {
				issues = append(issues, fmt.Sprintf("Public function %q should be snake_case", name))
			}
		}
	}
	return issues
}

func jsNamingIssues(code string) []string {
	var issues []string
	for _, m := range jsFuncRe.FindAllStringSubmatch(code, -1) {
		name := m[1]
		if strings.HasPrefix(name, "_") {
			continue
		}
		if !camelCaseRe.MatchString(name) {
			issues = append(issues, fmt.Sprintf("Function %q should be camelCase", name))
		}
	}
	return issues
}

// CodeQuality grades generated code 0-100 and fails below minScore
// (0-10 scale, matching the quality_score_threshold option).
func CodeQuality(language string, minScore float64) Guardrail {
	if minScore <= 0 {
		minScore = 7.0
	}
	lang := strings.ToLower(language)
	return Guardrail{Name: "code_quality", Check: func(in Input) Verdict {
		var suggestions []string
		lines := strings.Split(strings.TrimSpace(in.Output), "\n")
		if len(lines) > maxFileLines {
			suggestions = append(suggestions,
				fmt.Sprintf("File has %d lines; keep under %d lines", len(lines), maxFileLines))
		}
		if todoRe.MatchString(in.Output) {
			suggestions = append(suggestions, "Remove or resolve TODO/FIXME/HACK comments before merge")
		}
		if credentialRe.MatchString(in.Output) {
			suggestions = append(suggestions, "Do not hardcode credentials; use environment variables")
		}
		switch lang {
		case "python", "py":
			suggestions = append(suggestions, pythonFunctionIssues(in.Output)...)
		case "javascript", "js", "typescript", "ts":
			suggestions = append(suggestions, jsNamingIssues(in.Output)...)
		}

		score := 100 - min(90, len(suggestions)*15)
		if len(lines) > maxFileLines && score > 60 {
			score = 60
		}
		details := map[string]any{"score": score, "suggestions": suggestions}
		if float64(score) < minScore*10 {
			return fail("code_quality", "quality",
				fmt.Sprintf("Code quality score %d below threshold %.0f.", score, minScore*10),
				SeverityWarning, true, details)
		}
		if len(suggestions) > 0 {
			return warn("code_quality", "quality",
				fmt.Sprintf("Code quality issues found: %s", strings.Join(suggestions, "; ")),
				details)
		}
		return pass("code_quality", "quality", "Code quality checks passed.")
	}}
}

// Coverage enforces the minimum coverage threshold on a test run. The
// threshold is inclusive: coverage exactly at the threshold passes.
func Coverage(threshold float64) Guardrail {
	if threshold <= 0 {
		threshold = 0.8
	}
	return Guardrail{Name: "coverage", Check: func(in Input) Verdict {
		if in.Snapshot == nil || in.Snapshot.TestResults == nil {
			return fail("coverage", "quality",
				"No test results available for coverage check.",
				SeverityWarning, true, nil)
		}
		run := in.Snapshot.TestResults
		total := run.Coverage
		if total > 1 {
			total /= 100
		}
		var zeroFiles []string
		for _, fc := range run.PerFile {
			if fc.Coverage == 0 {
				zeroFiles = append(zeroFiles, fc.Path)
			}
		}
		details := map[string]any{"coverage": total, "threshold": threshold}
		if len(zeroFiles) > 0 {
			details["zero_coverage_files"] = zeroFiles
		}
		if total < threshold {
			return fail("coverage", "quality",
				fmt.Sprintf("Coverage %.0f%% is below minimum %.0f%%.", total*100, threshold*100),
				SeverityWarning, true, details)
		}
		if len(zeroFiles) > 0 {
			return warn("coverage", "quality",
				fmt.Sprintf("Files with 0%% coverage: %s", strings.Join(zeroFiles, ", ")),
				details)
		}
		return pass("coverage", "quality", "Coverage requirements met.")
	}}
}

// Documentation verifies a README artifact exists and that public Python
// functions in the output carry docstrings.
func Documentation() Guardrail {
	return Guardrail{Name: "documentation", Check: func(in Input) Verdict {
		var suggestions []string
		readmeOK := false
		if in.Snapshot != nil {
			for _, f := range in.Snapshot.Files {
				if f.Kind == state.FileDoc && strings.TrimSpace(f.Content) != "" {
					readmeOK = true
					break
				}
			}
		}
		if !readmeOK {
			suggestions = append(suggestions, "README is missing or empty")
		}
		if strings.Contains(in.Output, "def ") {
			for _, issue := range pythonFunctionIssues(in.Output) {
				if strings.Contains(issue, "docstring") {
					suggestions = append(suggestions, issue)
				}
			}
		}
		if len(suggestions) > 0 {
			return fail("documentation", "quality",
				fmt.Sprintf("Documentation issues found: %s", strings.Join(suggestions, "; ")),
				SeverityWarning, true,
				map[string]any{"suggestions": suggestions})
		}
		return pass("documentation", "quality", "Documentation checks passed.")
	}}
}

// ArchitectureCompliance checks each committed file's top-level directory
// maps to a component named in the architecture.
func ArchitectureCompliance() Guardrail {
	return Guardrail{Name: "architecture_compliance", Check: func(in Input) Verdict {
		if in.Snapshot == nil || in.Snapshot.Architecture == nil {
			return pass("architecture_compliance", "quality",
				"No architecture declared; compliance not validated.")
		}
		arch := in.Snapshot.Architecture
		var outOfPlace []string
		for _, f := range in.Snapshot.Files {
			if f.Kind == state.FileDoc || f.Kind == state.FileConfig {
				continue
			}
			top := f.Path
			if i := strings.IndexByte(f.Path, '/'); i > 0 {
				top = f.Path[:i]
			}
			if !arch.HasComponent(top) && !componentAlias(arch, top) {
				outOfPlace = append(outOfPlace, f.Path)
			}
		}
		if len(outOfPlace) > 0 {
			return warn("architecture_compliance", "quality",
				fmt.Sprintf("Files outside declared components: %s", strings.Join(outOfPlace, ", ")),
				map[string]any{"files": outOfPlace})
		}
		return pass("architecture_compliance", "quality", "Architecture compliant.")
	}}
}

// componentAlias tolerates common directory names for declared
// components, e.g. api/ for a backend component.
func componentAlias(arch *state.Architecture, dir string) bool {
	aliases := map[string][]string{
		"api":    {"backend"},
		"src":    {"backend", "frontend"},
		"web":    {"frontend", "ui"},
		"static": {"frontend", "ui"},
		"tests":  {"backend", "frontend"},
		"deploy": {"devops", "infrastructure"},
	}
	for _, comp := range aliases[dir] {
		if arch.HasComponent(comp) {
			return true
		}
	}
	return false
}

var (
	pinLatestRe = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_.\-]+)\s*==\s*latest\s*$`)
	loosePkgRe  = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_.\-]+)\s*$`)
)

// DependencyPolicy validates a dependency manifest: no pinned-to-latest,
// no blocklisted packages, and warns on unpinned entries.
func DependencyPolicy(blocklist []string) Guardrail {
	blocked := map[string]bool{}
	for _, b := range blocklist {
		blocked[strings.ToLower(b)] = true
	}
	return Guardrail{Name: "dependency_policy", Check: func(in Input) Verdict {
		var violations, unpinned []string
		for _, m := range pinLatestRe.FindAllStringSubmatch(in.Output, -1) {
			violations = append(violations, fmt.Sprintf("%s pinned to latest", m[1]))
		}
		for _, line := range strings.Split(in.Output, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
				continue
			}
			name := line
			for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<"} {
				if i := strings.Index(name, sep); i >= 0 {
					name = name[:i]
					break
				}
			}
			name = strings.ToLower(strings.TrimSpace(name))
			if blocked[name] {
				violations = append(violations, fmt.Sprintf("blocklisted package %q", name))
			}
			if loosePkgRe.MatchString(line) {
				unpinned = append(unpinned, name)
			}
		}
		if len(violations) > 0 {
			return fail("dependency_policy", "quality",
				fmt.Sprintf("Dependency policy violations: %s", strings.Join(violations, "; ")),
				SeverityWarning, true,
				map[string]any{"violations": violations})
		}
		if len(unpinned) > 0 {
			return warn("dependency_policy", "quality",
				fmt.Sprintf("Unpinned packages: %s", strings.Join(unpinned, ", ")),
				map[string]any{"unpinned": unpinned})
		}
		return pass("dependency_policy", "quality", "Dependency checks passed.")
	}}
}
