package guardrails

import (
	"encoding/base64"
	"fmt"
	"math"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Security guardrails: dangerous code patterns, hardcoded secrets, PII,
// prompt injection, and path safety.

type patternEntry struct {
	re       *regexp.Regexp
	label    string
	severity Severity
}

var dangerousPatterns = []patternEntry{
	{regexp.MustCompile(`(?i)\beval\s*\(`), "eval()", SeverityCritical},
	{regexp.MustCompile(`(?i)\bexec\s*\(`), "exec()", SeverityCritical},
	{regexp.MustCompile(`(?i)os\.system\s*\(`), "os.system()", SeverityCritical},
	{regexp.MustCompile(`(?i)subprocess\.(run|call|Popen|check_output)\s*\([^)]*shell\s*=\s*True`), "subprocess with shell=True", SeverityCritical},
	{regexp.MustCompile(`(?i)subprocess\.(run|call|Popen|check_output)\s*\(`), "subprocess call", SeverityWarning},
	{regexp.MustCompile(`(?i)__import__\s*\(`), "__import__()", SeverityCritical},
	{regexp.MustCompile(`(?i)\bcompile\s*\(`), "compile()", SeverityCritical},
	{regexp.MustCompile(`(?i)\bglobals\s*\(`), "globals()", SeverityWarning},
	{regexp.MustCompile(`(?i)pickle\.loads\s*\(`), "pickle.loads()", SeverityCritical},
	{regexp.MustCompile(`(?i)open\s*\([^)]*['"]/etc/`), "system file access", SeverityCritical},
	{regexp.MustCompile(`chmod\s+[0-7]*7[0-7]*`), "world-writable chmod", SeverityWarning},
	{regexp.MustCompile(`rm\s+-rf\s+/`), "root filesystem deletion", SeverityCritical},
	{regexp.MustCompile(`(?i)DROP\s+(TABLE|DATABASE|INDEX)`), "SQL DROP", SeverityCritical},
	{regexp.MustCompile(`(?i)TRUNCATE\s+TABLE`), "SQL TRUNCATE", SeverityWarning},
	{regexp.MustCompile(`(?i)<\s*script[^>]*>`), "XSS script tag", SeverityCritical},
}

// yaml.load is only dangerous without an explicit Loader. Go's regexp has
// no lookahead, so the Loader check is done on the surrounding text.
var yamlLoadRe = regexp.MustCompile(`(?i)yaml\.load\s*\(([^)]*)\)`)

func unsafeYamlLoad(code string) bool {
	for _, m := range yamlLoadRe.FindAllStringSubmatch(code, -1) {
		if !strings.Contains(m[1], "Loader") {
			return true
		}
	}
	return false
}

// CodeSafety detects dangerous patterns in generated code. Extra patterns
// come from run options and are treated as critical.
func CodeSafety(extraPatterns []string) Guardrail {
	var extras []*regexp.Regexp
	var literals []string
	for _, p := range extraPatterns {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			extras = append(extras, re)
		} else {
			literals = append(literals, p)
		}
	}
	return Guardrail{Name: "code_safety", Check: func(in Input) Verdict {
		var critical, warning []string
		for _, re := range extras {
			if re.MatchString(in.Output) {
				critical = append(critical, re.String())
			}
		}
		for _, lit := range literals {
			if strings.Contains(in.Output, lit) {
				critical = append(critical, lit)
			}
		}
		for _, p := range dangerousPatterns {
			if p.re.MatchString(in.Output) {
				if p.severity == SeverityCritical {
					critical = append(critical, p.label)
				} else {
					warning = append(warning, p.label)
				}
			}
		}
		if unsafeYamlLoad(in.Output) {
			critical = append(critical, "yaml.load() without Loader")
		}

		if len(critical) > 0 {
			return fail("code_safety", "security",
				fmt.Sprintf("Code safety violation (critical): %s", strings.Join(dedupe(critical), ", ")),
				SeverityCritical, true,
				map[string]any{"critical": dedupe(critical), "warning": warning})
		}
		if len(warning) > 0 {
			return warn("code_safety", "security",
				fmt.Sprintf("Code safety warnings: %s", strings.Join(dedupe(warning), ", ")),
				map[string]any{"warning": dedupe(warning)})
		}
		return pass("code_safety", "security", "No dangerous patterns detected.")
	}}
}

var secretPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]\S+['"]`), "API_KEY"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]\S+['"]`), "PASSWORD"},
	{regexp.MustCompile(`(?i)(secret|token|auth)\s*[:=]\s*['"]\S+['"]`), "SECRET_TOKEN"},
	{regexp.MustCompile(`(?i)aws_access_key_id\s*[:=]\s*['"]?\w{20}['"]?`), "AWS_ACCESS_KEY"},
	{regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*['"]?\S+['"]?`), "AWS_SECRET_KEY"},
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`), "JWT_TOKEN"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), "PRIVATE_KEY"},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), "GITHUB_TOKEN"},
	{regexp.MustCompile(`gho_[A-Za-z0-9]{36}`), "GITHUB_OAUTH"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{24,}`), "OPENAI_LIKE_KEY"},
	{regexp.MustCompile(`(?i)(mongodb|postgres|mysql|redis)://[^\s'"<>]+`), "CONNECTION_STRING"},
}

// entropyAssignRe binds a high-entropy literal to an assignment so random
// identifiers in prose do not trip the detector.
var entropyAssignRe = regexp.MustCompile(`(?i)[A-Z_][A-Z0-9_]{2,}\s*[:=]\s*['"]([A-Za-z0-9+/=_\-]{24,})['"]`)

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := map[rune]float64{}
	for _, r := range s {
		freq[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range freq {
		p := c / n
		h -= p * math.Log2(p)
	}
	return h
}

// SecretDetection blocks hardcoded secrets: known key prefixes, token
// assignments, connection strings, and high-entropy assigned literals.
func SecretDetection() Guardrail {
	return Guardrail{Name: "secret_detection", Check: func(in Input) Verdict {
		var found []string
		for _, p := range secretPatterns {
			if p.re.MatchString(in.Output) {
				found = append(found, p.label)
			}
		}
		for _, m := range entropyAssignRe.FindAllStringSubmatch(in.Output, -1) {
			if shannonEntropy(m[1]) > 4.2 {
				found = append(found, "HIGH_ENTROPY_VALUE")
				break
			}
		}
		if len(found) > 0 {
			return fail("secret_detection", "security",
				fmt.Sprintf("Hardcoded secrets detected: %s. Use environment variables.",
					strings.Join(dedupe(found), ", ")),
				SeverityCritical, true,
				map[string]any{"secret_types": dedupe(found)})
		}
		return pass("secret_detection", "security", "No secrets detected.")
	}}
}

var piiPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "EMAIL"},
	{regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`), "PHONE"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "SSN"},
	{regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "CREDIT_CARD"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "IP_ADDRESS"},
}

// luhnValid filters credit-card matches down to checksummed numbers.
func luhnValid(digits string) bool {
	clean := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, digits)
	if len(clean) < 13 {
		return false
	}
	sum, alt := 0, false
	for i := len(clean) - 1; i >= 0; i-- {
		d := int(clean[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// RedactPII replaces matched spans with [REDACTED_<LABEL>] markers and
// returns the redacted text with the labels found.
func RedactPII(text string) (string, []string) {
	redacted := text
	var detected []string
	for _, p := range piiPatterns {
		matches := p.re.FindAllString(redacted, -1)
		if len(matches) == 0 {
			continue
		}
		if p.label == "CREDIT_CARD" {
			valid := matches[:0]
			for _, m := range matches {
				if luhnValid(m) {
					valid = append(valid, m)
				}
			}
			if len(valid) == 0 {
				continue
			}
			for _, m := range valid {
				redacted = strings.ReplaceAll(redacted, m, "[REDACTED_CREDIT_CARD]")
			}
			detected = append(detected, fmt.Sprintf("CREDIT_CARD:%d", len(valid)))
			continue
		}
		detected = append(detected, fmt.Sprintf("%s:%d", p.label, len(matches)))
		redacted = p.re.ReplaceAllString(redacted, "[REDACTED_"+p.label+"]")
	}
	return redacted, detected
}

// PIIDetection warns on detected PII and carries the redacted text in the
// verdict details under "redacted".
func PIIDetection() Guardrail {
	return Guardrail{Name: "pii_detection", Check: func(in Input) Verdict {
		redacted, detected := RedactPII(in.Output)
		details := map[string]any{"redacted": redacted, "detected": detected}
		if len(detected) > 0 {
			return warn("pii_detection", "security",
				fmt.Sprintf("PII detected and redacted: %s", strings.Join(detected, ", ")),
				details)
		}
		v := pass("pii_detection", "security", "No PII detected.")
		v.Details = details
		return v
	}}
}

// Sensitivity selects how strict prompt-injection matching is.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

var injectionHigh = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(previous|all|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(rules|instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`),
	regexp.MustCompile(`(?i)forget\s+(everything|your\s+training)`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)DAN\s+mode`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\[INST\]\s*ignore`),
}

var injectionMedium = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+your\s+instructions`),
	regexp.MustCompile(`(?i)new\s+instructions\s*:`),
	regexp.MustCompile(`(?i)disregard\s+above`),
	regexp.MustCompile(`(?i)ignore\s+all\s+above`),
}

var injectionLow = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous`),
	regexp.MustCompile(`(?i)new\s+role\s*:`),
}

var spacedIgnoreRe = regexp.MustCompile(`(?i)i\s{5,}gnore`)

// base64PayloadRe finds long base64 runs that may smuggle instructions.
var base64PayloadRe = regexp.MustCompile(`[A-Za-z0-9+/]{60,}={0,2}`)

// PromptInjection detects attempts to override worker instructions in
// external text. Injection verdicts never allow retry: resubmitting the
// same hostile input cannot succeed.
func PromptInjection(sensitivity Sensitivity) Guardrail {
	patterns := injectionHigh
	switch sensitivity {
	case SensitivityLow:
		patterns = injectionLow
	case SensitivityMedium:
		patterns = append(append([]*regexp.Regexp{}, injectionHigh...), injectionMedium...)
	case SensitivityHigh:
		patterns = append(append(append([]*regexp.Regexp{}, injectionHigh...), injectionMedium...), injectionLow...)
	}
	return Guardrail{Name: "prompt_injection", Check: func(in Input) Verdict {
		if spacedIgnoreRe.MatchString(in.Output) || strings.Contains(in.Output, "ｉｇｎｏｒｅ") {
			return fail("prompt_injection", "security",
				"Prompt injection detected (encoding trick).",
				SeverityCritical, false,
				map[string]any{"reason": "encoding_trick"})
		}
		for _, re := range patterns {
			if re.MatchString(in.Output) {
				return fail("prompt_injection", "security",
					"Prompt injection detected.",
					SeverityCritical, false,
					map[string]any{"matched_pattern": re.String()})
			}
		}
		for _, m := range base64PayloadRe.FindAllString(in.Output, -1) {
			decoded, err := base64.StdEncoding.DecodeString(m)
			if err != nil {
				continue
			}
			for _, re := range injectionHigh {
				if re.Match(decoded) {
					return fail("prompt_injection", "security",
						"Prompt injection detected (base64 payload).",
						SeverityCritical, false,
						map[string]any{"reason": "base64_payload"})
				}
			}
		}
		return pass("prompt_injection", "security", "No prompt injection detected.")
	}}
}

// PathSecurity validates that a path output stays relative and inside the
// declared workspace roots.
func PathSecurity(allowedRoots []string) Guardrail {
	return Guardrail{Name: "path_security", Check: func(in Input) Verdict {
		p := strings.TrimSpace(in.Output)
		if strings.Contains(p, "\x00") {
			return fail("path_security", "security",
				"Invalid path: embedded null character.",
				SeverityWarning, true, map[string]any{"path": p})
		}
		if strings.Contains(p, "..") {
			return fail("path_security", "security",
				"Path traversal detected (..).",
				SeverityWarning, true, map[string]any{"path": p})
		}
		if path.IsAbs(p) || (len(p) >= 2 && p[1] == ':') {
			return fail("path_security", "security",
				"Absolute paths are not allowed.",
				SeverityWarning, true, map[string]any{"path": p})
		}
		if len(allowedRoots) > 0 {
			clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
			ok := false
			for _, root := range allowedRoots {
				root = strings.TrimSuffix(root, "/")
				if root == "." || clean == root || strings.HasPrefix(clean, root+"/") {
					ok = true
					break
				}
			}
			if !ok {
				return fail("path_security", "security",
					"Path outside allowed directories.",
					SeverityWarning, true,
					map[string]any{"path": clean, "allowed": allowedRoots})
			}
		}
		return pass("path_security", "security", "Path is within allowed directories.")
	}}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
