// Package projects is the path-resolution boundary: project identifiers in,
// validated absolute directories out. The run engine consumes the Resolver
// interface and never touches raw identifiers itself.
package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidProjectPath covers unknown projects, traversal attempts and
// inaccessible directories alike. Matched with errors.Is.
var ErrInvalidProjectPath = fmt.Errorf("invalid project path")

// Resolver maps a project identifier to its absolute project directory.
type Resolver interface {
	Resolve(projectID string) (string, error)
}

// DirResolver resolves identifiers against a single root directory: the
// project id is the directory name, nothing else.
type DirResolver struct {
	root string
}

func NewDirResolver(root string) (*DirResolver, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("projects root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("projects root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("projects root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("projects root is not a directory: %s", abs)
	}
	return &DirResolver{root: abs}, nil
}

func (r *DirResolver) Resolve(projectID string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", fmt.Errorf("%w: empty project id", ErrInvalidProjectPath)
	}
	if projectID != filepath.Base(projectID) || projectID == "." || projectID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectPath, projectID)
	}

	dir := filepath.Join(r.root, projectID)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectPath, projectID)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %q is not a directory", ErrInvalidProjectPath, projectID)
	}
	return dir, nil
}
