package domain

import "fmt"

// WorkflowDefinition is the parsed form of one workflow file. It is
// immutable once parsed; callers re-parse on every run request.
type WorkflowDefinition struct {
	Name string
	Jobs []Job
}

// Job groups an ordered sequence of steps under a stable id. The id is the
// job's mapping key in the workflow file.
type Job struct {
	ID    string
	Steps []StepDefinition
}

// StepDefinition is a single shell command with an optional working
// directory relative to the project root.
type StepDefinition struct {
	ID               string
	Name             string
	Run              string
	WorkingDirectory string
}

// StepID derives the addressable id for a step before any run exists.
func StepID(jobID string, index int) string {
	return fmt.Sprintf("%s-step-%d", jobID, index)
}

// JobID derives the positional fallback id for a job whose mapping key is
// empty.
func JobID(index int) string {
	return fmt.Sprintf("job-%d", index)
}

// StepCount reports the total number of steps across all jobs.
func (d WorkflowDefinition) StepCount() int {
	total := 0
	for _, job := range d.Jobs {
		total += len(job.Steps)
	}
	return total
}
