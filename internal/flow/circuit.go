package flow

import (
	"fmt"
	"sync"

	"codecrew/internal/logging"
	"codecrew/internal/state"
)

// CircuitThreshold is how many consecutive failures a phase absorbs
// before the run escalates instead of retrying.
const CircuitThreshold = 3

// failureKey is the metadata key recording a phase's consecutive
// failure count, so a resumed run inherits the breaker state.
func failureKey(phase state.Phase) string {
	return "consecutive_failures_" + string(phase)
}

// Breaker counts consecutive failures per phase. Counts mirror into
// project metadata so they survive a crash.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	counts    map[state.Phase]int
}

// NewBreaker creates a breaker, seeding counts from a restored
// project's metadata.
func NewBreaker(threshold int, p *state.Project) *Breaker {
	if threshold <= 0 {
		threshold = CircuitThreshold
	}
	b := &Breaker{threshold: threshold, counts: map[state.Phase]int{}}
	if p != nil {
		for _, ph := range []state.Phase{
			state.PhaseIntake, state.PhasePlanning, state.PhaseDevelopment,
			state.PhaseTesting, state.PhaseDeployment,
		} {
			if v, ok := p.Metadata(failureKey(ph)); ok {
				if n, ok := asInt(v); ok {
					b.counts[ph] = n
				}
			}
		}
	}
	return b
}

// asInt handles the float64 that JSON round-trips integers into.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Record bumps the failure count for a phase and reports whether the
// breaker is now open.
func (b *Breaker) Record(phase state.Phase, p *state.Project) bool {
	b.mu.Lock()
	b.counts[phase]++
	n := b.counts[phase]
	b.mu.Unlock()
	if p != nil {
		p.SetMetadata(failureKey(phase), n)
	}
	if n >= b.threshold {
		logging.Flow("Circuit breaker open for %s: %d consecutive failures", phase, n)
		return true
	}
	logging.FlowDebug("Phase %s failure %d/%d", phase, n, b.threshold)
	return false
}

// Reset clears the count for a phase after a success.
func (b *Breaker) Reset(phase state.Phase, p *state.Project) {
	b.mu.Lock()
	had := b.counts[phase] > 0
	b.counts[phase] = 0
	b.mu.Unlock()
	if had && p != nil {
		p.SetMetadata(failureKey(phase), 0)
	}
}

// Open reports whether the phase has reached the threshold.
func (b *Breaker) Open(phase state.Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[phase] >= b.threshold
}

// Count returns the current consecutive failure count.
func (b *Breaker) Count(phase state.Phase) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[phase]
}

// String describes the breaker state for logs.
func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("breaker(threshold=%d, counts=%v)", b.threshold, b.counts)
}
