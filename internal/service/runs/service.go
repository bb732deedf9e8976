package runs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-labs/quarry-go/internal/domain"
	"github.com/quarry-labs/quarry-go/internal/execution/plan"
	"github.com/quarry-labs/quarry-go/internal/execution/supervisor"
	"github.com/quarry-labs/quarry-go/internal/repo"
	"github.com/quarry-labs/quarry-go/internal/workflow"
)

// Archiver receives terminal runs for best-effort transcript upload.
type Archiver interface {
	ArchiveRun(ctx context.Context, run domain.Run) error
}

// Service owns the run lifecycle: plan construction, per-run executor
// goroutines, the active-run registry, and repository persistence.
type Service struct {
	repo       repo.RunRepository
	spawner    supervisor.Spawner
	logger     *slog.Logger
	archiver   Archiver
	cancelWait time.Duration

	mu     sync.Mutex
	active map[string]*controller
}

type Option func(*Service)

// WithArchiver enables transcript archiving for terminal runs.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithCancelWait bounds how long Cancel waits for the executor to finalize.
func WithCancelWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cancelWait = d
		}
	}
}

func New(runRepo repo.RunRepository, spawner supervisor.Spawner, logger *slog.Logger, opts ...Option) *Service {
	if runRepo == nil || spawner == nil || logger == nil {
		return nil
	}
	s := &Service{
		repo:       runRepo,
		spawner:    spawner,
		logger:     logger,
		cancelWait: 10 * time.Second,
		active:     map[string]*controller{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartInput describes one run request. ProjectDir must already be resolved
// and validated by the path-resolution boundary.
type StartInput struct {
	Project       string
	ProjectDir    string
	WorkflowFile  string
	SelectedSteps []string
	Env           map[string]string
}

// Start parses the workflow fresh, builds the plan, persists the new run and
// begins asynchronous execution. The returned run is the initial snapshot;
// callers poll Get for progress.
func (s *Service) Start(ctx context.Context, in StartInput) (domain.Run, error) {
	def, err := workflow.Parse(in.ProjectDir, in.WorkflowFile)
	if err != nil {
		return domain.Run{}, err
	}
	planned := plan.Build(def, in.SelectedSteps)

	run := newRun(in, planned)
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("persist run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ctl := &controller{
		id:     run.ID,
		run:    run.Clone(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.active[run.ID] = ctl
	s.mu.Unlock()

	s.logger.Info("run started",
		"run_id", run.ID,
		"project", in.Project,
		"workflow", in.WorkflowFile,
		"planned_steps", len(planned),
	)
	go s.execute(runCtx, ctl, in, planned)
	return run, nil
}

// Get returns a consistent snapshot of a run: live state while the run is
// active, the persisted record afterwards.
func (s *Service) Get(ctx context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	ctl := s.active[id]
	s.mu.Unlock()
	if ctl != nil {
		return ctl.snapshot(), nil
	}
	return s.repo.GetRun(ctx, id)
}

// Cancel requests cancellation of an active run and waits, bounded, for the
// executor to finalize it. Cancelling a run already in a terminal state is
// an idempotent no-op returning the run unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	ctl := s.active[id]
	s.mu.Unlock()
	if ctl == nil {
		return s.repo.GetRun(ctx, id)
	}

	ctl.cancel()
	timer := time.NewTimer(s.cancelWait)
	defer timer.Stop()
	select {
	case <-ctl.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.Get(ctx, id)
}

// ListHistory returns runs most recent first, with live snapshots overlaid
// for runs still executing.
func (s *Service) ListHistory(ctx context.Context, limit int) ([]domain.Run, error) {
	stored, err := s.repo.ListRuns(ctx, repo.RunFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, run := range stored {
		if ctl, ok := s.active[run.ID]; ok {
			stored[i] = ctl.snapshot()
		}
	}
	return stored, nil
}

// ListActive returns the runs currently executing, most recent first.
func (s *Service) ListActive(_ context.Context) []domain.Run {
	s.mu.Lock()
	controllers := make([]*controller, 0, len(s.active))
	for _, ctl := range s.active {
		controllers = append(controllers, ctl)
	}
	s.mu.Unlock()

	out := make([]domain.Run, 0, len(controllers))
	for _, ctl := range controllers {
		out = append(out, ctl.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// controller is the single-writer guard around one active run.
type controller struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	run domain.Run
}

func (c *controller) snapshot() domain.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.Clone()
}

// stepPos addresses one planned step inside the run's job results.
type stepPos struct {
	job  int
	step int
}

func newRun(in StartInput, planned []plan.PlannedStep) domain.Run {
	run := domain.Run{
		ID:           uuid.NewString(),
		Project:      in.Project,
		WorkflowFile: in.WorkflowFile,
		Status:       domain.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
		Jobs:         []domain.JobResult{},
	}
	for _, p := range planned {
		if len(run.Jobs) == 0 || run.Jobs[len(run.Jobs)-1].ID != p.JobID {
			run.Jobs = append(run.Jobs, domain.JobResult{ID: p.JobID})
		}
		last := &run.Jobs[len(run.Jobs)-1]
		last.Steps = append(last.Steps, domain.StepResult{
			ID:     p.Step.ID,
			Name:   p.Step.Name,
			Status: domain.StepStatusPending,
		})
	}
	return run
}

func stepPositions(run domain.Run) []stepPos {
	positions := make([]stepPos, 0, 8)
	for j, job := range run.Jobs {
		for i := range job.Steps {
			positions = append(positions, stepPos{job: j, step: i})
		}
	}
	return positions
}

func (s *Service) execute(ctx context.Context, ctl *controller, in StartInput, planned []plan.PlannedStep) {
	positions := stepPositions(ctl.snapshot())
	env := mergeEnv(os.Environ(), in.Env)

	outcome := domain.RunStatusSuccess
	for i, p := range planned {
		if ctx.Err() != nil {
			outcome = domain.RunStatusCancelled
			break
		}
		pos := positions[i]
		s.setStepStatus(ctl, pos, domain.StepStatusRunning)
		s.persist(ctl)

		status := s.runStep(ctx, ctl, pos, in.ProjectDir, p.Step, env)
		s.persist(ctl)

		if status == domain.StepStatusFailed {
			outcome = domain.RunStatusFailed
			break
		}
		if status == domain.StepStatusCancelled {
			outcome = domain.RunStatusCancelled
			break
		}
	}

	s.finalize(ctl, outcome)
}

func (s *Service) runStep(ctx context.Context, ctl *controller, pos stepPos, projectDir string, step domain.StepDefinition, env []string) domain.StepStatus {
	cwd, err := supervisor.ResolveWorkingDir(projectDir, step.WorkingDirectory)
	if err != nil {
		s.failStep(ctl, pos, err)
		return domain.StepStatusFailed
	}

	handle, err := s.spawner.Spawn(step.Run, supervisor.Options{
		Dir:    cwd,
		Env:    env,
		Output: &stepWriter{ctl: ctl, pos: pos},
	})
	if err != nil {
		s.failStep(ctl, pos, err)
		return domain.StepStatusFailed
	}

	var exit supervisor.Exit
	terminated := false
	select {
	case exit = <-handle.Done():
	case <-ctx.Done():
		terminated = true
		handle.Terminate(syscall.SIGTERM)
		exit = <-handle.Done()
	}

	status := classifyExit(exit, terminated)
	s.completeStep(ctl, pos, status, exit)
	return status
}

// classifyExit attributes a process exit: a signal exit after our own
// terminate is a cancellation, any other signal or non-zero exit is a
// failure.
func classifyExit(exit supervisor.Exit, terminated bool) domain.StepStatus {
	switch {
	case exit.Signal != "" && terminated:
		return domain.StepStatusCancelled
	case exit.Signal != "":
		return domain.StepStatusFailed
	case exit.Code == 0:
		return domain.StepStatusSuccess
	default:
		return domain.StepStatusFailed
	}
}

func (s *Service) setStepStatus(ctl *controller, pos stepPos, status domain.StepStatus) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	step := &ctl.run.Jobs[pos.job].Steps[pos.step]
	if step.Status.Terminal() {
		return
	}
	step.Status = status
}

func (s *Service) completeStep(ctl *controller, pos stepPos, status domain.StepStatus, exit supervisor.Exit) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	step := &ctl.run.Jobs[pos.job].Steps[pos.step]
	if step.Status.Terminal() {
		return
	}
	step.Status = status
	if exit.Signal == "" {
		code := exit.Code
		step.ExitCode = &code
	}
}

// failStep records a step that could not run at all: the error text goes to
// the transcript, there is no exit code, and the run continues down the
// failure path.
func (s *Service) failStep(ctl *controller, pos stepPos, err error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	step := &ctl.run.Jobs[pos.job].Steps[pos.step]
	if step.Status.Terminal() {
		return
	}
	step.Status = domain.StepStatusFailed
	if step.Output != "" && !strings.HasSuffix(step.Output, "\n") {
		step.Output += "\n"
	}
	step.Output += err.Error() + "\n"
}

func (s *Service) persist(ctl *controller) {
	snapshot := ctl.snapshot()
	if err := s.repo.UpdateRun(context.Background(), snapshot); err != nil {
		s.logger.Error("persist run", "run_id", snapshot.ID, "error", err)
	}
}

func (s *Service) finalize(ctl *controller, outcome domain.RunStatus) {
	ctl.mu.Lock()
	ctl.run.Status = outcome
	now := time.Now().UTC()
	ctl.run.CompletedAt = &now
	snapshot := ctl.run.Clone()
	ctl.mu.Unlock()

	if err := s.repo.UpdateRun(context.Background(), snapshot); err != nil {
		s.logger.Error("persist terminal run", "run_id", snapshot.ID, "error", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveRun(context.Background(), snapshot); err != nil {
			s.logger.Error("archive run transcripts", "run_id", snapshot.ID, "error", err)
		}
	}

	s.logger.Info("run finished", "run_id", snapshot.ID, "status", string(outcome))

	s.mu.Lock()
	delete(s.active, ctl.id)
	s.mu.Unlock()
	close(ctl.done)
}

// stepWriter appends combined output chunks to the step transcript in
// arrival order, under the run's mutex so polling readers see a consistent
// partial transcript.
type stepWriter struct {
	ctl *controller
	pos stepPos
}

func (w *stepWriter) Write(p []byte) (int, error) {
	w.ctl.mu.Lock()
	step := &w.ctl.run.Jobs[w.pos.job].Steps[w.pos.step]
	step.Output += string(p)
	w.ctl.mu.Unlock()
	return len(p), nil
}

// mergeEnv lays request-supplied overrides over the base environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, overridden := overrides[key]; overridden {
				continue
			}
		}
		merged = append(merged, kv)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}
