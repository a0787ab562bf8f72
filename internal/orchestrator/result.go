package orchestrator

import (
	"context"
	"time"
)

// Task is one unit of work in a batch.
type Task struct {
	ID         string         `yaml:"id" json:"id"`
	Capability string         `yaml:"capability" json:"capability"`
	Command    string         `yaml:"command" json:"command"`
	Args       map[string]any `yaml:"args" json:"args,omitempty"`
	// TargetPath, when set, is the path the task writes to. Tasks sharing a
	// target path never run at the same time.
	TargetPath string `yaml:"target_path" json:"target_path,omitempty"`
}

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	TaskID     string
	Capability string
	Success    bool
	Value      map[string]any
	Output     string
	Err        error
	Duration   time.Duration
	WorkDir    string
}

// AggregateResult is the outcome of one ExecuteParallel call.
// Successful+Failed always equals Total and Results mirrors the input order.
type AggregateResult struct {
	RunID        string
	Total        int
	Successful   int
	Failed       int
	Results      []TaskResult
	Duration     time.Duration
	PersistedRef string
	// Err is set when the batch failed before dispatch.
	Err error
}

// Success reports whether every task succeeded. An empty batch succeeds;
// a batch rejected before dispatch does not.
func (a *AggregateResult) Success() bool {
	return a.Failed == 0 && a.Err == nil
}

// Result returns the result of taskID.
func (a *AggregateResult) Result(taskID string) (TaskResult, bool) {
	for _, r := range a.Results {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return TaskResult{}, false
}

// FailedTasks returns the ids of the failed tasks in input order.
func (a *AggregateResult) FailedTasks() []string {
	var ids []string
	for _, r := range a.Results {
		if !r.Success {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}

func (a *AggregateResult) tally() {
	a.Total = len(a.Results)
	a.Successful, a.Failed = 0, 0
	for _, r := range a.Results {
		if r.Success {
			a.Successful++
		} else {
			a.Failed++
		}
	}
}

// TaskRecord is the serializable form of TaskResult.
type TaskRecord struct {
	TaskID     string         `json:"task_id"`
	Capability string         `json:"capability"`
	Success    bool           `json:"success"`
	Value      map[string]any `json:"value,omitempty"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	WorkDir    string         `json:"work_dir,omitempty"`
}

// AggregateRecord is the serializable form of AggregateResult.
type AggregateRecord struct {
	RunID      string        `json:"run_id"`
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Results    []TaskRecord  `json:"results"`
}

// Record converts a into its persisted form.
func (a *AggregateResult) Record() AggregateRecord {
	rec := AggregateRecord{
		RunID:      a.RunID,
		Total:      a.Total,
		Successful: a.Successful,
		Failed:     a.Failed,
		Duration:   a.Duration,
		Error:      errString(a.Err),
		Results:    make([]TaskRecord, 0, len(a.Results)),
	}
	for _, r := range a.Results {
		rec.Results = append(rec.Results, TaskRecord{
			TaskID:     r.TaskID,
			Capability: r.Capability,
			Success:    r.Success,
			Value:      r.Value,
			Output:     r.Output,
			Error:      errString(r.Err),
			Duration:   r.Duration,
			WorkDir:    r.WorkDir,
		})
	}
	return rec
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ResultSink persists aggregate results and returns a reference to the
// stored record.
type ResultSink interface {
	SaveAggregate(ctx context.Context, rec AggregateRecord) (string, error)
}
