package delegate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aldersonek/crew/internal/engine"
	"github.com/aldersonek/crew/internal/logging"
	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
	"github.com/aldersonek/crew/internal/worker"
)

// Handle tracks one running worker execution.
type Handle interface {
	// PID returns the worker's OS process id, or 0 for in-process runs.
	PID() int
	// Done is closed once the worker has stopped running.
	Done() <-chan struct{}
	// Exited reports whether the worker has stopped running.
	Exited() bool
	// Terminate requests a graceful stop (SIGTERM, or context
	// cancellation for in-process runs).
	Terminate()
	// Kill stops the worker forcefully.
	Kill()
}

// Backend starts a worker for an already-persisted task record.
type Backend interface {
	Start(ctx context.Context, record *taskstore.TaskRecord, recordPath string) (Handle, error)
}

// ProcessBackend spawns the worker as a separate OS process running this
// binary's worker subcommand. The zero value resolves the binary from the
// current executable.
type ProcessBackend struct {
	// Binary overrides the worker executable. Empty means os.Executable().
	Binary string
	// WorkDir is the working directory handed to the worker.
	WorkDir string
	Logger  *logging.Logger
}

// Start launches `<binary> worker --record <path>` and reaps it in the
// background so detached children never linger as zombies.
func (b *ProcessBackend) Start(_ context.Context, record *taskstore.TaskRecord, recordPath string) (Handle, error) {
	bin := b.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("delegate: resolve worker binary: %w", err)
		}
		bin = exe
	}

	args := []string{"worker", "--record", recordPath}
	if b.WorkDir != "" {
		args = append(args, "--workdir", b.WorkDir)
	}
	if record.SafeMode {
		args = append(args, "--safe")
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = b.WorkDir
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("delegate: start worker process: %w", err)
	}

	if b.Logger != nil {
		b.Logger.Debug("delegate: worker process started",
			"task_id", record.ID, "pid", cmd.Process.Pid, "binary", bin)
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *processHandle) PID() int { return h.cmd.Process.Pid }

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *processHandle) Terminate() {
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *processHandle) Kill() {
	_ = h.cmd.Process.Kill()
}

// InprocBackend runs the worker loop in a goroutine of the calling
// process. Cancellation is context-only; Kill is equivalent to Terminate.
type InprocBackend struct {
	Store        *taskstore.Store
	Mailbox      *mailbox.Mailbox
	Engine       engine.Engine
	Logger       *logging.Logger
	WorkDir      string
	PollInterval time.Duration
}

// Start runs the worker loop in the background. The handle's Done channel
// closes when the loop returns.
func (b *InprocBackend) Start(ctx context.Context, record *taskstore.TaskRecord, recordPath string) (Handle, error) {
	w, err := worker.New(worker.Options{
		Store:        b.Store,
		Mailbox:      b.Mailbox,
		Engine:       b.Engine,
		Logger:       b.Logger,
		WorkDir:      b.WorkDir,
		PollInterval: b.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	// Detach from the caller's context: lifetime is controlled through
	// the handle so a detached launch outlives the delegating call.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &inprocHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		h.exitCode.Store(int32(w.Run(runCtx, recordPath)))
		close(h.done)
	}()
	return h, nil
}

type inprocHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode atomic.Int32
}

func (h *inprocHandle) PID() int { return 0 }

func (h *inprocHandle) Done() <-chan struct{} { return h.done }

func (h *inprocHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *inprocHandle) Terminate() { h.cancel() }

func (h *inprocHandle) Kill() { h.cancel() }
