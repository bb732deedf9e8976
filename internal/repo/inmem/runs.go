// Package inmem is the default run repository: an in-process registry that
// retains runs for the service lifetime.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quarry-labs/quarry-go/internal/domain"
	"github.com/quarry-labs/quarry-go/internal/repo"
)

// Store keeps run records in memory. Records are cloned on the way in and
// out so no caller ever shares mutable state with the store.
type Store struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

var _ repo.RunRepository = (*Store)(nil)

func New() *Store {
	return &Store{runs: map[string]domain.Run{}}
}

func (s *Store) CreateRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *Store) UpdateRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return repo.ErrNotFound
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Project != "" && run.Project != filter.Project {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
