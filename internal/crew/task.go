package crew

import (
	"fmt"
	"time"

	"codecrew/internal/guardrails"
	"codecrew/internal/types"
)

// DefaultTaskRetries is the per-task attempt budget beyond the first.
const DefaultTaskRetries = 3

// Task is one unit of crew work.
type Task struct {
	ID             string
	Description    string
	Role           types.Role
	ExpectedOutput string
	DependsOn      []string
	Guardrails     guardrails.Chain
	Timeout        time.Duration
	SchemaHint     string
	MaxRetries     int
	// Decode, when set, validates and stores the typed artifact. It runs
	// after the guardrail chain passes; a decode failure is a shape error
	// counted against the retry budget.
	Decode func(raw string) error
}

func (t Task) retries() int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return DefaultTaskRetries
}

// validateDAG checks ids are unique, dependencies exist, and the graph
// is acyclic. It returns a topological order.
func validateDAG(tasks []Task) ([]Task, error) {
	const op = "crew.validateDAG"
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, types.NewError(types.KindInvariant, op, "task with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, types.NewError(types.KindInvariant, op, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, types.NewError(types.KindInvariant, op,
					fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}

	// Kahn's algorithm, preserving declaration order among ready tasks.
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, t := range tasks {
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	var order []Task
	for len(order) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if indegree[t.ID] == 0 {
				order = append(order, t)
				indegree[t.ID] = -1
				for _, d := range dependents[t.ID] {
					indegree[d]--
				}
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for id, deg := range indegree {
				if deg > 0 {
					stuck = append(stuck, id)
				}
			}
			return nil, types.NewError(types.KindInvariant, op,
				fmt.Sprintf("dependency cycle involving tasks %v", stuck))
		}
	}
	return order, nil
}
