package engine

import (
	"fmt"
)

// validateDAG checks step prerequisites before any dispatch: every
// referenced prerequisite must exist, and the graph must be acyclic.
// Rejection happens before the workflow runs a single step.
func validateDAG(steps []*Step) error {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step id is required")
		}
		if _, ok := byID[s.ID]; ok {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		byID[s.ID] = s
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, pre := range s.Prerequisites {
			if _, ok := byID[pre]; !ok {
				return fmt.Errorf("step %s depends on non-existent step %s", s.ID, pre)
			}
			inDegree[s.ID]++
			dependents[pre] = append(dependents[pre], s.ID)
		}
	}

	// Kahn's algorithm: if a topological order cannot cover every step,
	// the graph has a cycle.
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(steps) {
		return fmt.Errorf("circular dependency detected: %d steps could not be ordered", len(steps)-processed)
	}
	return nil
}

// ready reports whether every prerequisite of the step is completed.
func (w *Workflow) ready(s *Step) bool {
	for _, pre := range s.Prerequisites {
		p := w.steps[pre]
		if p == nil || p.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// dependentsOf returns ids of steps that transitively depend on the given
// step and are not yet terminal.
func (w *Workflow) dependentsOf(id string) []string {
	direct := make(map[string][]string)
	for _, sid := range w.order {
		for _, pre := range w.steps[sid].Prerequisites {
			direct[pre] = append(direct[pre], sid)
		}
	}

	var out []string
	seen := map[string]struct{}{id: {}}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range direct[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			stack = append(stack, dep)
			if !w.steps[dep].Status.Terminal() {
				out = append(out, dep)
			}
		}
	}
	return out
}
