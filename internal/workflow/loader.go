// Package workflow loads the restricted, GitHub-Actions-like workflow
// dialect. Unknown YAML fields are ignored rather than rejected so that
// hand-written workflow files with extra keys still parse; only the shape
// of name/jobs/steps is enforced.
package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quarry-labs/quarry-go/internal/domain"
)

// Dir is the conventional workflow directory under a project root.
const Dir = ".quarry/workflows"

// Info is the cheap listing form of a workflow file: enough to show a
// picker without materializing step bodies.
type Info struct {
	ID       string `json:"id"`
	JobCount int    `json:"jobCount"`
}

// ParseError reports a malformed workflow file, including which one.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse workflow %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type workflowFile struct {
	Name string    `yaml:"name"`
	Jobs yaml.Node `yaml:"jobs"`
}

type rawJob struct {
	Steps []rawStep `yaml:"steps"`
}

type rawStep struct {
	Name             string `yaml:"name"`
	Run              string `yaml:"run"`
	WorkingDirectory string `yaml:"working-directory"`
}

// List enumerates the workflow files of a project. Files that do not parse
// are skipped; parse failures are reported by Parse when a specific file is
// requested for execution.
func List(projectDir string) ([]Info, error) {
	entries, err := os.ReadDir(filepath.Join(projectDir, Dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(projectDir, Dir, entry.Name()))
		if err != nil {
			continue
		}
		var doc workflowFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			continue
		}
		if doc.Jobs.Kind != yaml.MappingNode {
			continue
		}
		infos = append(infos, Info{ID: entry.Name(), JobCount: len(doc.Jobs.Content) / 2})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Parse reads and parses one workflow file into its in-memory definition,
// deriving job and step ids in document order.
func Parse(projectDir, fileID string) (domain.WorkflowDefinition, error) {
	if err := validateFileID(fileID); err != nil {
		return domain.WorkflowDefinition{}, &ParseError{File: fileID, Err: err}
	}

	data, err := os.ReadFile(filepath.Join(projectDir, Dir, fileID))
	if err != nil {
		return domain.WorkflowDefinition{}, &ParseError{File: fileID, Err: err}
	}

	var doc workflowFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.WorkflowDefinition{}, &ParseError{File: fileID, Err: err}
	}
	if doc.Jobs.Kind == 0 {
		return domain.WorkflowDefinition{}, &ParseError{File: fileID, Err: errors.New("missing jobs")}
	}
	if doc.Jobs.Kind != yaml.MappingNode {
		return domain.WorkflowDefinition{}, &ParseError{File: fileID, Err: errors.New("jobs must be a mapping")}
	}

	def := domain.WorkflowDefinition{Name: strings.TrimSpace(doc.Name)}
	if def.Name == "" {
		def.Name = fileID
	}

	// A yaml mapping node stores keys and values as alternating content
	// entries, which is the only way to keep document order.
	for i := 0; i+1 < len(doc.Jobs.Content); i += 2 {
		keyNode := doc.Jobs.Content[i]
		valueNode := doc.Jobs.Content[i+1]

		jobID := strings.TrimSpace(keyNode.Value)
		if jobID == "" {
			jobID = domain.JobID(i / 2)
		}

		var raw rawJob
		if err := valueNode.Decode(&raw); err != nil {
			return domain.WorkflowDefinition{}, &ParseError{File: fileID, Err: fmt.Errorf("job %s: %w", jobID, err)}
		}

		job := domain.Job{ID: jobID, Steps: make([]domain.StepDefinition, 0, len(raw.Steps))}
		for idx, step := range raw.Steps {
			job.Steps = append(job.Steps, domain.StepDefinition{
				ID:               domain.StepID(jobID, idx),
				Name:             strings.TrimSpace(step.Name),
				Run:              step.Run,
				WorkingDirectory: strings.TrimSpace(step.WorkingDirectory),
			})
		}
		def.Jobs = append(def.Jobs, job)
	}

	return def, nil
}

func validateFileID(fileID string) error {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return errors.New("workflow file id is required")
	}
	if fileID != filepath.Base(fileID) || fileID == "." || fileID == ".." {
		return fmt.Errorf("invalid workflow file id: %q", fileID)
	}
	if !isWorkflowFile(fileID) {
		return fmt.Errorf("not a workflow file: %q", fileID)
	}
	return nil
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}
