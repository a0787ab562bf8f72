package workflow

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/checkpoint"
)

// Status is the lifecycle of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepStatus is the lifecycle of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// State is the mutable context of one run. Only the engine writes to it, one
// step at a time; reads are safe from any goroutine.
type State struct {
	mu        sync.RWMutex
	runID     string
	status    Status
	err       error
	completed []string
	vars      map[string]any
	artifacts map[string]string
	steps     map[string]StepStatus
}

// NewState creates a running state seeded with vars and initial artifacts.
func NewState(runID string, vars map[string]any, artifacts map[string]string) *State {
	s := &State{
		runID:     runID,
		status:    StatusRunning,
		vars:      make(map[string]any, len(vars)),
		artifacts: make(map[string]string, len(artifacts)),
		steps:     make(map[string]StepStatus),
	}
	maps.Copy(s.vars, vars)
	maps.Copy(s.artifacts, artifacts)
	return s
}

// restoreState rebuilds the state recorded in cp.
func restoreState(cp checkpoint.Checkpoint) *State {
	s := NewState(cp.RunID, cp.Variables, cp.Artifacts)
	s.completed = slices.Clone(cp.CompletedSteps)
	for _, id := range s.completed {
		s.steps[id] = StepCompleted
	}
	return s
}

func (s *State) RunID() string { return s.runID }

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err is the error that failed or paused the run.
func (s *State) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// CompletedSteps returns the finished step ids in execution order.
func (s *State) CompletedSteps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.completed)
}

// StepStatus reports the status of step id; unknown steps are pending.
func (s *State) StepStatus(id string) StepStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.steps[id]; ok {
		return st
	}
	return StepPending
}

// Artifact returns the location of the named artifact.
func (s *State) Artifact(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.artifacts[name]
	return loc, ok
}

// Artifacts returns a copy of the artifact map.
func (s *State) Artifacts() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.artifacts)
}

// Variables returns a copy of the variables.
func (s *State) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars)
}

// Set stores a variable.
func (s *State) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = v
}

// Get returns a variable.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// String returns a string variable.
func (s *State) String(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Int returns an integer variable. Integral floats are accepted.
func (s *State) Int(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// Float returns a numeric variable as float64.
func (s *State) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Bool returns a boolean variable.
func (s *State) Bool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (s *State) setStatus(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.err = err
}

func (s *State) setStepStatus(id string, st StepStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[id] = st
}

func (s *State) missing(names []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, n := range names {
		if _, ok := s.artifacts[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// outcome is what a successful step adds to the state.
type outcome struct {
	artifacts map[string]string
	vars      map[string]any
}

// checkpointFor builds the checkpoint the state would have after step
// completes with out, without modifying the state.
func (s *State) checkpointFor(step Step, out outcome, at time.Time) checkpoint.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifacts := maps.Clone(s.artifacts)
	maps.Copy(artifacts, out.artifacts)
	vars := maps.Clone(s.vars)
	maps.Copy(vars, out.vars)
	completed := append(slices.Clone(s.completed), step.ID)

	return checkpoint.Checkpoint{
		RunID:          s.runID,
		StepID:         step.ID,
		StepNumber:     len(completed),
		StepName:       step.displayName(),
		CompletedAt:    at.UTC(),
		Artifacts:      artifacts,
		Metadata:       maps.Clone(step.Metadata),
		CompletedSteps: completed,
		Variables:      vars,
	}
}

// apply commits a persisted step to the state.
func (s *State) apply(step Step, out outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.artifacts, out.artifacts)
	maps.Copy(s.vars, out.vars)
	s.completed = append(s.completed, step.ID)
	s.steps[step.ID] = StepCompleted
}
