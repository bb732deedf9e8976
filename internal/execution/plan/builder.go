// Package plan turns a workflow definition and a caller-supplied step
// selection into the ordered execution plan.
package plan

import (
	"strings"

	"github.com/quarry-labs/quarry-go/internal/domain"
)

// PlannedStep is one entry of the execution plan, carrying the owning job id.
type PlannedStep struct {
	JobID string
	Step  domain.StepDefinition
}

// Build iterates jobs and steps in document order and includes a step if and
// only if its derived id is in the selection. Unknown ids are ignored so a
// selection stays usable across workflow edits made between listing and
// running. An empty selection yields an empty plan.
func Build(def domain.WorkflowDefinition, selectedStepIDs []string) []PlannedStep {
	selected := make(map[string]struct{}, len(selectedStepIDs))
	for _, id := range selectedStepIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		selected[id] = struct{}{}
	}

	planned := make([]PlannedStep, 0, len(selected))
	if len(selected) == 0 {
		return planned
	}

	for _, job := range def.Jobs {
		for _, step := range job.Steps {
			if _, ok := selected[step.ID]; !ok {
				continue
			}
			planned = append(planned, PlannedStep{JobID: job.ID, Step: step})
		}
	}
	return planned
}
