package workflow

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskforge/internal/fault"
)

// Validate checks that steps form a consistent fixed sequence: ids are
// unique, every step names a capability, and every required artifact is
// either in initial or created by an earlier step.
func Validate(steps []Step, initial []string) error {
	if len(steps) == 0 {
		return fault.Newf(fault.ErrValidation, "workflow.validate", "workflow has no steps")
	}

	var errs []error
	seen := make(map[string]bool, len(steps))
	producer := make(map[string]string)
	for i, s := range steps {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("step %d: empty id", i+1))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("step %d: duplicate id %q", i+1, s.ID))
		}
		if s.Capability == "" {
			errs = append(errs, fmt.Errorf("step %q: empty capability", s.ID))
		}
		seen[s.ID] = true
		for _, name := range s.Creates {
			if _, ok := producer[name]; !ok {
				producer[name] = s.ID
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.ErrValidation, "workflow.validate", err)
	}

	available := make(map[string]bool, len(initial))
	for _, name := range initial {
		available[name] = true
	}

	// The sequence itself is a chain; every requirement adds an edge from
	// its producer. A requirement met only by a later step closes a cycle.
	var edges []toposort.Edge
	for i, s := range steps {
		if i == 0 {
			edges = append(edges, toposort.Edge{nil, s.ID})
		} else {
			edges = append(edges, toposort.Edge{steps[i-1].ID, s.ID})
		}
		for _, name := range s.Requires {
			if available[name] {
				continue
			}
			from, ok := producer[name]
			if !ok {
				errs = append(errs, fmt.Errorf("step %q requires %q, which no step creates", s.ID, name))
				continue
			}
			if from == s.ID {
				errs = append(errs, fmt.Errorf("step %q requires %q, which it creates itself", s.ID, name))
				continue
			}
			edges = append(edges, toposort.Edge{from, s.ID})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.ErrValidation, "workflow.validate", err)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fault.New(fault.ErrValidation, "workflow.validate",
			fmt.Errorf("a step requires an artifact created by a later step: %w", err))
	}
	return nil
}
