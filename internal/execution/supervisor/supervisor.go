// Package supervisor spawns one external process per planned step and owns
// its lifetime until it is reaped: combined output streaming, exit
// attribution, and idempotent termination.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrInvalidWorkingDirectory rejects workflow-authored paths that resolve
// outside the project directory.
var ErrInvalidWorkingDirectory = errors.New("invalid working directory")

// ResolveWorkingDir joins projectDir with the step's relative working
// directory. The join is confined to projectDir; "../" traversal and
// absolute paths fail.
func ResolveWorkingDir(projectDir, workingDirectory string) (string, error) {
	projectDir = filepath.Clean(projectDir)
	workingDirectory = strings.TrimSpace(workingDirectory)
	if workingDirectory == "" {
		return projectDir, nil
	}
	if filepath.IsAbs(workingDirectory) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidWorkingDirectory, workingDirectory)
	}
	joined := filepath.Join(projectDir, workingDirectory)
	rel, err := filepath.Rel(projectDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes project directory", ErrInvalidWorkingDirectory, workingDirectory)
	}
	return joined, nil
}

// Exit carries the completion notification of a spawned process. Signal is
// empty unless the process died from one.
type Exit struct {
	Code   int
	Signal string
}

// Options configures a spawn. Env is the full environment for the child
// (nil inherits the parent's). Output receives stdout and stderr chunks in
// arrival order; nil discards them.
type Options struct {
	Dir    string
	Env    []string
	Output io.Writer
}

// Handle is the transient, exclusive handle to one live child process.
type Handle interface {
	// Done delivers the exit exactly once, after output is flushed and the
	// process is reaped.
	Done() <-chan Exit
	// Terminate signals the process group. Terminating an already-exited
	// process is a no-op.
	Terminate(sig os.Signal)
}

// Spawner abstracts process creation so the run executor can be driven by a
// fake in tests.
type Spawner interface {
	Spawn(command string, opts Options) (Handle, error)
}

// Local runs step commands through the host shell.
type Local struct {
	// Shell defaults to sh; the command is passed as `<shell> -c <command>`.
	Shell string
	// KillGrace is how long Terminate waits before escalating to SIGKILL.
	KillGrace time.Duration
}

const defaultKillGrace = 5 * time.Second

func (l *Local) Spawn(command string, opts Options) (Handle, error) {
	shell := strings.TrimSpace(l.Shell)
	if shell == "" {
		shell = "sh"
	}
	grace := l.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Stdout and stderr share one writer so os/exec funnels both streams
	// through a single pipe, preserving arrival order.
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group, so Terminate reaches the shell's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", command, err)
	}

	h := &localHandle{
		cmd:    cmd,
		grace:  grace,
		done:   make(chan Exit, 1),
		exited: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type localHandle struct {
	cmd     *exec.Cmd
	grace   time.Duration
	done    chan Exit
	exited  chan struct{}
	escOnce sync.Once
}

func (h *localHandle) Done() <-chan Exit { return h.done }

func (h *localHandle) wait() {
	err := h.cmd.Wait()
	exit := Exit{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		exit.Code = 0
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Code = -1
			exit.Signal = ws.Signal().String()
		} else {
			exit.Code = exitErr.ExitCode()
		}
	default:
		exit.Code = -1
	}
	close(h.exited)
	h.done <- exit
}

func (h *localHandle) Terminate(sig os.Signal) {
	select {
	case <-h.exited:
		return
	default:
	}

	signo, ok := sig.(syscall.Signal)
	if !ok {
		signo = syscall.SIGTERM
	}
	// Negative pid addresses the whole process group.
	_ = syscall.Kill(-h.cmd.Process.Pid, signo)

	h.escOnce.Do(func() {
		go func() {
			select {
			case <-h.exited:
			case <-time.After(h.grace):
				_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
			}
		}()
	})
}
