package runs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quarry-labs/quarry-go/internal/domain"
	"github.com/quarry-labs/quarry-go/internal/execution/supervisor"
	"github.com/quarry-labs/quarry-go/internal/repo"
	"github.com/quarry-labs/quarry-go/internal/repo/inmem"
	"github.com/quarry-labs/quarry-go/internal/workflow"
)

type fakeHandle struct {
	done       chan supervisor.Exit
	terminated chan os.Signal
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		done:       make(chan supervisor.Exit, 1),
		terminated: make(chan os.Signal, 4),
	}
}

func (h *fakeHandle) Done() <-chan supervisor.Exit { return h.done }

func (h *fakeHandle) Terminate(sig os.Signal) {
	h.terminated <- sig
}

// behavior scripts one command: what it prints, how it exits, and whether it
// blocks until terminated.
type behavior struct {
	output   string
	exit     supervisor.Exit
	block    bool
	spawnErr error
}

type spawnRecord struct {
	command string
	opts    supervisor.Options
	handle  *fakeHandle
}

type fakeSpawner struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	spawns    []spawnRecord
}

func newFakeSpawner(behaviors map[string]behavior) *fakeSpawner {
	return &fakeSpawner{behaviors: behaviors}
}

func (f *fakeSpawner) Spawn(command string, opts supervisor.Options) (supervisor.Handle, error) {
	b, ok := f.behaviors[command]
	if !ok {
		b = behavior{exit: supervisor.Exit{Code: 0}}
	}
	if b.spawnErr != nil {
		return nil, b.spawnErr
	}

	h := newFakeHandle()
	f.mu.Lock()
	f.spawns = append(f.spawns, spawnRecord{command: command, opts: opts, handle: h})
	f.mu.Unlock()

	if b.output != "" {
		_, _ = opts.Output.Write([]byte(b.output))
	}
	if b.block {
		go func() {
			sig := <-h.terminated
			h.terminated <- sig
			h.done <- supervisor.Exit{Code: -1, Signal: "terminated"}
		}()
	} else {
		h.done <- b.exit
	}
	return h, nil
}

func (f *fakeSpawner) records() []spawnRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]spawnRecord, len(f.spawns))
	copy(out, f.spawns)
	return out
}

const serviceWorkflow = `name: CI
jobs:
  build:
    steps:
      - name: Compile
        run: make build
      - name: Package
        run: make package
        working-directory: dist
  test:
    steps:
      - name: Unit tests
        run: make test
`

func writeServiceWorkflow(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wfDir := filepath.Join(dir, workflow.Dir)
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatalf("mkdir workflows: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wfDir, "ci.yml"), []byte(serviceWorkflow), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "dist"), 0o755); err != nil {
		t.Fatalf("mkdir dist: %v", err)
	}
	return dir
}

func newTestService(t *testing.T, spawner supervisor.Spawner, opts ...Option) (*Service, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, spawner, logger, opts...)
	if svc == nil {
		t.Fatal("New returned nil")
	}
	return svc, store
}

func awaitTerminal(t *testing.T, svc *Service, id string) domain.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
	return domain.Run{}
}

func stepByID(t *testing.T, run domain.Run, id string) domain.StepResult {
	t.Helper()
	for _, job := range run.Jobs {
		for _, step := range job.Steps {
			if step.ID == id {
				return step
			}
		}
	}
	t.Fatalf("step %q not found in run", id)
	return domain.StepResult{}
}

func TestRunSuccess(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(map[string]behavior{
		"make build":   {output: "compiling\ndone\n"},
		"make package": {output: "packaged\n"},
		"make test":    {output: "ok\n"},
	})
	svc, store := newTestService(t, spawner)

	run, err := svc.Start(context.Background(), StartInput{
		Project:      "sample",
		ProjectDir:   dir,
		WorkflowFile: "ci.yml",
		SelectedSteps: []string{
			"build-step-0", "build-step-1", "test-step-0",
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != domain.RunStatusRunning {
		t.Fatalf("initial status = %q, want running", run.Status)
	}

	final := awaitTerminal(t, svc, run.ID)
	if final.Status != domain.RunStatusSuccess {
		t.Fatalf("status = %q, want success", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatal("terminal run has no completedAt")
	}

	step := stepByID(t, final, "build-step-0")
	if step.Status != domain.StepStatusSuccess {
		t.Fatalf("step status = %q, want success", step.Status)
	}
	if step.Output != "compiling\ndone\n" {
		t.Fatalf("step output = %q", step.Output)
	}
	if step.ExitCode == nil || *step.ExitCode != 0 {
		t.Fatalf("step exit code = %v, want 0", step.ExitCode)
	}

	stored, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if stored.Status != domain.RunStatusSuccess {
		t.Fatalf("stored status = %q, want success", stored.Status)
	}
}

func TestRunWorkingDirectoryAndEnv(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(nil)
	svc, _ := newTestService(t, spawner)

	run, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"build-step-0", "build-step-1"},
		Env:           map[string]string{"CI_TAG": "v1.2.3"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitTerminal(t, svc, run.ID)

	records := spawner.records()
	if len(records) != 2 {
		t.Fatalf("spawn count = %d, want 2", len(records))
	}
	if records[0].opts.Dir != dir {
		t.Fatalf("step 0 dir = %q, want project dir %q", records[0].opts.Dir, dir)
	}
	want := filepath.Join(dir, "dist")
	if records[1].opts.Dir != want {
		t.Fatalf("step 1 dir = %q, want %q", records[1].opts.Dir, want)
	}
	found := false
	for _, kv := range records[0].opts.Env {
		if kv == "CI_TAG=v1.2.3" {
			found = true
		}
	}
	if !found {
		t.Fatal("override CI_TAG=v1.2.3 missing from spawned environment")
	}
}

func TestRunFailureHaltsRemainingSteps(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(map[string]behavior{
		"make build": {output: "boom\n", exit: supervisor.Exit{Code: 2}},
	})
	svc, _ := newTestService(t, spawner)

	run, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"build-step-0", "build-step-1", "test-step-0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := awaitTerminal(t, svc, run.ID)
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}

	failed := stepByID(t, final, "build-step-0")
	if failed.Status != domain.StepStatusFailed {
		t.Fatalf("failed step status = %q", failed.Status)
	}
	if failed.ExitCode == nil || *failed.ExitCode != 2 {
		t.Fatalf("failed step exit code = %v, want 2", failed.ExitCode)
	}
	for _, id := range []string{"build-step-1", "test-step-0"} {
		step := stepByID(t, final, id)
		if step.Status != domain.StepStatusPending {
			t.Fatalf("step %s status = %q, want pending", id, step.Status)
		}
	}
	if got := len(spawner.records()); got != 1 {
		t.Fatalf("spawn count = %d, want 1", got)
	}
}

func TestRunSpawnErrorFailsStep(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(map[string]behavior{
		"make build": {spawnErr: errors.New("sh: not found")},
	})
	svc, _ := newTestService(t, spawner)

	run, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"build-step-0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := awaitTerminal(t, svc, run.ID)
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	step := stepByID(t, final, "build-step-0")
	if step.ExitCode != nil {
		t.Fatalf("exit code = %v, want nil for spawn failure", *step.ExitCode)
	}
	if !strings.Contains(step.Output, "sh: not found") {
		t.Fatalf("output %q missing spawn error", step.Output)
	}
}

func TestRunInvalidWorkingDirectoryFailsStep(t *testing.T) {
	dir := t.TempDir()
	wfDir := filepath.Join(dir, workflow.Dir)
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatalf("mkdir workflows: %v", err)
	}
	const escaping = `jobs:
  deploy:
    steps:
      - run: ./deploy.sh
        working-directory: ../elsewhere
`
	if err := os.WriteFile(filepath.Join(wfDir, "deploy.yml"), []byte(escaping), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	spawner := newFakeSpawner(nil)
	svc, _ := newTestService(t, spawner)

	run, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "deploy.yml",
		SelectedSteps: []string{"deploy-step-0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := awaitTerminal(t, svc, run.ID)
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if got := len(spawner.records()); got != 0 {
		t.Fatalf("spawn count = %d, want 0", got)
	}
	step := stepByID(t, final, "deploy-step-0")
	if !strings.Contains(step.Output, supervisor.ErrInvalidWorkingDirectory.Error()) {
		t.Fatalf("output %q missing working directory error", step.Output)
	}
}

func TestRunEmptySelectionSucceedsImmediately(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(nil)
	svc, _ := newTestService(t, spawner)

	run, err := svc.Start(context.Background(), StartInput{
		Project:      "sample",
		ProjectDir:   dir,
		WorkflowFile: "ci.yml",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := awaitTerminal(t, svc, run.ID)
	if final.Status != domain.RunStatusSuccess {
		t.Fatalf("status = %q, want success", final.Status)
	}
	if len(final.Jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(final.Jobs))
	}
	if got := len(spawner.records()); got != 0 {
		t.Fatalf("spawn count = %d, want 0", got)
	}
}

func TestCancelTerminatesRunningStep(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(map[string]behavior{
		"make build": {output: "compiling\n", block: true},
	})
	svc, _ := newTestService(t, spawner, WithCancelWait(10*time.Second))

	run, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"build-step-0", "build-step-1"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first step to be in flight before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Get(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stepByID(t, snap, "build-step-0").Status == domain.StepStatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelled, err := svc.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %q, want cancelled", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Fatal("cancelled run has no completedAt")
	}

	step := stepByID(t, cancelled, "build-step-0")
	if step.Status != domain.StepStatusCancelled {
		t.Fatalf("step status = %q, want cancelled", step.Status)
	}
	if step.ExitCode != nil {
		t.Fatalf("exit code = %v, want nil for signal exit", *step.ExitCode)
	}
	if next := stepByID(t, cancelled, "build-step-1"); next.Status != domain.StepStatusPending {
		t.Fatalf("unstarted step status = %q, want pending", next.Status)
	}

	records := spawner.records()
	if len(records) != 1 {
		t.Fatalf("spawn count = %d, want 1", len(records))
	}
	select {
	case sig := <-records[0].handle.terminated:
		if sig.String() != "terminated" {
			t.Fatalf("terminate signal = %v, want SIGTERM", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("process was never terminated")
	}

	// Cancelling a terminal run is a no-op.
	again, err := svc.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Status != domain.RunStatusCancelled {
		t.Fatalf("second cancel status = %q, want cancelled", again.Status)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	svc, _ := newTestService(t, newFakeSpawner(nil))
	if _, err := svc.Cancel(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetUnknownRun(t *testing.T) {
	svc, _ := newTestService(t, newFakeSpawner(nil))
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListHistoryAndActive(t *testing.T) {
	dir := writeServiceWorkflow(t)
	spawner := newFakeSpawner(map[string]behavior{
		"make test": {output: "holding\n", block: true},
	})
	svc, _ := newTestService(t, spawner)

	finished, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"build-step-0"},
	})
	if err != nil {
		t.Fatalf("Start finished run: %v", err)
	}
	awaitTerminal(t, svc, finished.ID)

	held, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"test-step-0"},
	})
	if err != nil {
		t.Fatalf("Start held run: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(spawner.records()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	active := svc.ListActive(context.Background())
	if len(active) != 1 || active[0].ID != held.ID {
		t.Fatalf("active = %+v, want only run %s", active, held.ID)
	}
	if active[0].Status != domain.RunStatusRunning {
		t.Fatalf("active status = %q, want running", active[0].Status)
	}

	history, err := svc.ListHistory(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	seen := map[string]domain.RunStatus{}
	for _, run := range history {
		seen[run.ID] = run.Status
	}
	if seen[held.ID] != domain.RunStatusRunning {
		t.Fatalf("held run status in history = %q, want running", seen[held.ID])
	}
	if seen[finished.ID] != domain.RunStatusSuccess {
		t.Fatalf("finished run status in history = %q, want success", seen[finished.ID])
	}

	if _, err := svc.Cancel(context.Background(), held.ID); err != nil {
		t.Fatalf("Cancel held run: %v", err)
	}
	if active := svc.ListActive(context.Background()); len(active) != 0 {
		t.Fatalf("active after cancel = %d, want 0", len(active))
	}
}

type recordingArchiver struct {
	mu   sync.Mutex
	runs []domain.Run
}

func (a *recordingArchiver) ArchiveRun(_ context.Context, run domain.Run) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, run)
	return nil
}

func TestArchiverReceivesTerminalRun(t *testing.T) {
	dir := writeServiceWorkflow(t)
	archiver := &recordingArchiver{}
	svc, _ := newTestService(t, newFakeSpawner(nil), WithArchiver(archiver))

	run, err := svc.Start(context.Background(), StartInput{
		Project:       "sample",
		ProjectDir:    dir,
		WorkflowFile:  "ci.yml",
		SelectedSteps: []string{"build-step-0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitTerminal(t, svc, run.ID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		archiver.mu.Lock()
		n := len(archiver.runs)
		archiver.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.runs) != 1 {
		t.Fatalf("archived runs = %d, want 1", len(archiver.runs))
	}
	if archiver.runs[0].Status != domain.RunStatusSuccess {
		t.Fatalf("archived status = %q, want success", archiver.runs[0].Status)
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/ci", "CI_TAG=old"}
	merged := mergeEnv(base, map[string]string{"CI_TAG": "new", "EXTRA": "1"})

	got := map[string]string{}
	for _, kv := range merged {
		key, val, _ := strings.Cut(kv, "=")
		got[key] = val
	}
	if got["CI_TAG"] != "new" {
		t.Fatalf("CI_TAG = %q, want new", got["CI_TAG"])
	}
	if got["EXTRA"] != "1" {
		t.Fatalf("EXTRA = %q, want 1", got["EXTRA"])
	}
	if got["PATH"] != "/usr/bin" || got["HOME"] != "/home/ci" {
		t.Fatalf("base environment not preserved: %v", merged)
	}
	if len(merged) != 4 {
		t.Fatalf("merged length = %d, want 4", len(merged))
	}
}
