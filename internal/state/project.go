package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds per-phase retries unless overridden.
const DefaultMaxRetries = 3

// Transition records one phase change.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ErrorRecord is one classified error appended during the run.
type ErrorRecord struct {
	Phase       Phase     `json:"phase"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// knownSnapshotFields mirrors the JSON keys Snapshot marshals itself.
// Unknown keys found on load are carried in Extra and re-emitted on save,
// so a snapshot written by a newer build survives a round-trip here.
var knownSnapshotFields = []string{
	"project_id", "description", "phase", "suspended_from",
	"requirements", "architecture", "files", "test_results", "deployment",
	"transitions", "errors", "retries", "max_retries",
	"started_at", "completed_at", "metadata",
}

// Snapshot is the serializable form of the project state. The Flow owns a
// Project; everything else receives a Snapshot copy.
type Snapshot struct {
	ProjectID     string            `json:"project_id"`
	Description   string            `json:"description"`
	Phase         Phase             `json:"phase"`
	SuspendedFrom Phase             `json:"suspended_from,omitempty"`
	Requirements  *Requirements     `json:"requirements,omitempty"`
	Architecture  *Architecture     `json:"architecture,omitempty"`
	Files         []CodeFile        `json:"files"`
	TestResults   *TestRun          `json:"test_results,omitempty"`
	Deployment    *DeploymentBundle `json:"deployment,omitempty"`
	Transitions   []Transition      `json:"transitions"`
	Errors        []ErrorRecord     `json:"errors"`
	Retries       map[Phase]int     `json:"retries"`
	MaxRetries    int               `json:"max_retries"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`

	// Extra preserves fields this build does not understand.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON emits the known fields plus any preserved unknown fields.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	data, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type alias Snapshot
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownSnapshotFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*s = Snapshot(a)
	return nil
}

// Project is the single authoritative record for one delivery run. All
// mutation goes through its methods, which enforce the state invariants
// and serialize writes.
type Project struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewProject creates a run in the INTAKE phase.
func NewProject(description string, maxRetries int) *Project {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Project{snap: Snapshot{
		ProjectID:   uuid.NewString(),
		Description: description,
		Phase:       PhaseIntake,
		Files:       []CodeFile{},
		Transitions: []Transition{},
		Errors:      []ErrorRecord{},
		Retries:     map[Phase]int{},
		MaxRetries:  maxRetries,
		StartedAt:   time.Now().UTC(),
	}}
}

// Restore rebuilds a Project from a persisted snapshot, re-validating the
// parts a hand-edited file could have broken.
func Restore(snap Snapshot) (*Project, error) {
	if snap.ProjectID == "" {
		return nil, fmt.Errorf("snapshot missing project_id")
	}
	if !snap.Phase.Known() {
		return nil, fmt.Errorf("snapshot has unknown phase %q", snap.Phase)
	}
	seen := make(map[string]bool, len(snap.Files))
	for _, f := range snap.Files {
		if err := ValidateRelPath(f.Path); err != nil {
			return nil, fmt.Errorf("snapshot file %q: %w", f.Path, err)
		}
		if seen[f.Path] {
			return nil, fmt.Errorf("snapshot has duplicate file path %q", f.Path)
		}
		seen[f.Path] = true
	}
	if snap.Retries == nil {
		snap.Retries = map[Phase]int{}
	}
	if snap.MaxRetries <= 0 {
		snap.MaxRetries = DefaultMaxRetries
	}
	return &Project{snap: snap}, nil
}

// ID returns the stable run identifier.
func (p *Project) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.ProjectID
}

// Phase returns the current phase.
func (p *Project) Phase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Phase
}

// Description returns the original user input.
func (p *Project) Description() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Description
}

// Snapshot returns a deep copy safe to hand to workers and guardrails.
func (p *Project) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneSnapshot(p.snap)
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.Files = append([]CodeFile(nil), s.Files...)
	out.Transitions = append([]Transition(nil), s.Transitions...)
	out.Errors = append([]ErrorRecord(nil), s.Errors...)
	out.Retries = make(map[Phase]int, len(s.Retries))
	for k, v := range s.Retries {
		out.Retries[k] = v
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Transition moves the project along a legal edge and records it. The
// timestamp is clamped so the transition log stays monotonic even if the
// wall clock steps backwards.
func (p *Project) Transition(to Phase, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.snap.Phase
	if !ValidTransition(from, to, p.snap.SuspendedFrom) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	now := time.Now().UTC()
	if n := len(p.snap.Transitions); n > 0 {
		if last := p.snap.Transitions[n-1].Timestamp; now.Before(last) {
			now = last
		}
	}

	if to == PhaseAwaitingHuman {
		p.snap.SuspendedFrom = from
	} else if from == PhaseAwaitingHuman {
		p.snap.SuspendedFrom = ""
	}

	p.snap.Phase = to
	p.snap.Transitions = append(p.snap.Transitions, Transition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	if to.Terminal() {
		t := now
		p.snap.CompletedAt = &t
	}
	return nil
}

// SuspendedFrom returns the phase an AWAITING_HUMAN suspension came from,
// or "" when the run is not suspended.
func (p *Project) SuspendedFrom() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.SuspendedFrom
}

// AddError appends a classified error record.
func (p *Project) AddError(phase Phase, kind, message string, recoverable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Errors = append(p.snap.Errors, ErrorRecord{
		Phase:       phase,
		Kind:        kind,
		Message:     message,
		Timestamp:   time.Now().UTC(),
		Recoverable: recoverable,
	})
}

// RetryCount returns the retry count for a phase.
func (p *Project) RetryCount(phase Phase) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Retries[phase]
}

// CanRetry reports whether the phase has retry budget remaining.
func (p *Project) CanRetry(phase Phase) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Retries[phase] < p.snap.MaxRetries
}

// IncrementRetry bumps the phase retry counter, capped at max_retries.
func (p *Project) IncrementRetry(phase Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Retries[phase] >= p.snap.MaxRetries {
		return fmt.Errorf("retry budget exhausted for phase %s (%d/%d)",
			phase, p.snap.Retries[phase], p.snap.MaxRetries)
	}
	p.snap.Retries[phase]++
	return nil
}

// ResetRetry clears the retry counter for a phase. Human intervention
// grants a fresh budget.
func (p *Project) ResetRetry(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snap.Retries, phase)
}

// MaxRetries returns the per-phase retry budget.
func (p *Project) MaxRetries() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.MaxRetries
}

// AddFile appends a generated file after path validation. Paths must be
// unique across the run.
func (p *Project) AddFile(f CodeFile) error {
	if err := ValidateRelPath(f.Path); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.snap.Files {
		if existing.Path == f.Path {
			return fmt.Errorf("duplicate file path %q", f.Path)
		}
	}
	p.snap.Files = append(p.snap.Files, f)
	return nil
}

// ReplaceFile adds a file or overwrites an already-committed one. Used
// when a development retry regenerates a file after test feedback.
func (p *Project) ReplaceFile(f CodeFile) error {
	if err := ValidateRelPath(f.Path); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.snap.Files {
		if existing.Path == f.Path {
			p.snap.Files[i] = f
			return nil
		}
	}
	p.snap.Files = append(p.snap.Files, f)
	return nil
}

// Files returns a copy of the committed files.
func (p *Project) Files() []CodeFile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]CodeFile(nil), p.snap.Files...)
}

// SetRequirements stores the planning output.
func (p *Project) SetRequirements(r *Requirements) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Requirements = r
}

// SetArchitecture stores the architecture output.
func (p *Project) SetArchitecture(a *Architecture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Architecture = a
}

// SetTestResults stores the latest test run, replacing any prior run.
func (p *Project) SetTestResults(t *TestRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.TestResults = t
}

// SetDeployment stores the deployment bundle.
func (p *Project) SetDeployment(d *DeploymentBundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Deployment = d
}

// SetMetadata records a free-form metadata entry.
func (p *Project) SetMetadata(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Metadata == nil {
		p.snap.Metadata = map[string]any{}
	}
	p.snap.Metadata[key] = value
}

// Metadata returns a metadata entry and whether it was present.
func (p *Project) Metadata(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.snap.Metadata[key]
	return v, ok
}
