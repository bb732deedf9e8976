package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the run-level state machine enumeration.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further run transition is permitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the per-step state enumeration.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSuccess   StepStatus = "success"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether a step never transitions again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSuccess, StepStatusFailed, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical ones.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSuccess):
		return RunStatusSuccess
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled):
		return RunStatusCancelled
	default:
		return ""
	}
}

// Run is one execution attempt of a subset of a workflow's steps.
// CompletedAt is set if and only if Status is terminal.
type Run struct {
	ID           string      `json:"id"`
	Project      string      `json:"project"`
	WorkflowFile string      `json:"workflowFile"`
	Status       RunStatus   `json:"status"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	Jobs         []JobResult `json:"jobs"`
}

// JobResult holds the results of the selected steps of one job. Jobs with
// no selected steps do not appear at all.
type JobResult struct {
	ID    string       `json:"id"`
	Steps []StepResult `json:"steps"`
}

// StepResult records one planned step. Output interleaves stdout and stderr
// in arrival order. ExitCode is nil while pending or when the process never
// started.
type StepResult struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	Status   StepStatus `json:"status"`
	Output   string     `json:"output"`
	ExitCode *int       `json:"exitCode,omitempty"`
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Project) == "" {
		return errors.New("project is required")
	}
	if strings.TrimSpace(r.WorkflowFile) == "" {
		return errors.New("workflow file is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.Status.Terminal() != (r.CompletedAt != nil) {
		return errors.New("completedAt must be set exactly on terminal status")
	}
	return nil
}

// Clone returns a deep copy so callers can hand out snapshots without
// sharing the mutable step slices.
func (r Run) Clone() Run {
	out := r
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		out.CompletedAt = &completed
	}
	out.Jobs = make([]JobResult, len(r.Jobs))
	for i, job := range r.Jobs {
		steps := make([]StepResult, len(job.Steps))
		for j, step := range job.Steps {
			copied := step
			if step.ExitCode != nil {
				code := *step.ExitCode
				copied.ExitCode = &code
			}
			steps[j] = copied
		}
		out.Jobs[i] = JobResult{ID: job.ID, Steps: steps}
	}
	return out
}
