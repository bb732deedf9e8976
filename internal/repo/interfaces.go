package repo

import (
	"context"
	"errors"

	"github.com/quarry-labs/quarry-go/internal/domain"
)

// ErrNotFound is returned for lookups of unknown run ids.
var ErrNotFound = errors.New("run not found")

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Project string
	Status  domain.RunStatus
	Limit   int
}

// RunRepository persists run records. The executor goroutine of a run is
// its only writer; reads return snapshots that are safe to hand out.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, run domain.Run) error
	// ListRuns returns runs most recent first.
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
}
