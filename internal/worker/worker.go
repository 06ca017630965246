// Package worker implements the teammate process entry point: it loads a
// task record, executes it through the agent engine, mirrors progress into
// the record and its outbox, watches its inbox for control messages, and
// finalizes the record on completion, failure, or cancellation.
//
// The per-task state machine is pending -> running -> {completed | failed |
// cancelled}. Terminal states are final: cancellation is idempotent, and a
// trigger that arrives after the task is terminal is a no-op.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aldersonek/crew/internal/engine"
	"github.com/aldersonek/crew/internal/logging"
	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
)

// Exit codes per the worker invocation contract. Completed, failed, and
// cancelled are all recorded in the task record, not the exit code; only
// signal-triggered shutdown uses the conventional 128+SIGTERM value.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitSignal = 130
)

// defaultPollInterval is how often the inbox is polled for control
// messages when Options does not override it.
const defaultPollInterval = 300 * time.Millisecond

// Options configures a Worker.
type Options struct {
	Store        *taskstore.Store
	Mailbox      *mailbox.Mailbox
	Engine       engine.Engine
	Logger       *logging.Logger
	WorkDir      string
	PollInterval time.Duration
	// HandleSignals installs SIGINT/SIGTERM handlers that trigger
	// cooperative cancellation. Disabled in tests and for in-process use.
	HandleSignals bool
}

// Worker executes one task record to a terminal state.
type Worker struct {
	store   *taskstore.Store
	mb      *mailbox.Mailbox
	eng     engine.Engine
	log     *logging.Logger
	workDir string
	poll    time.Duration
	signals bool

	cancelOnce   sync.Once
	cancelExec   context.CancelFunc
	cancelReason atomic.Pointer[string]
	fromSignal   atomic.Bool
}

// New creates a Worker from options. Store, Mailbox, and Engine are
// required; a nil Logger falls back to the no-op logger.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("worker: Store is required")
	}
	if opts.Mailbox == nil {
		return nil, fmt.Errorf("worker: Mailbox is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("worker: Engine is required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Worker{
		store:   opts.Store,
		mb:      opts.Mailbox,
		eng:     opts.Engine,
		log:     log,
		workDir: opts.WorkDir,
		poll:    poll,
		signals: opts.HandleSignals,
	}, nil
}

// Run loads the record at recordPath and drives it to a terminal state.
// The returned code follows the invocation contract: ExitError when the
// record cannot be loaded, ExitSignal when a process signal triggered the
// shutdown, ExitOK otherwise.
func (w *Worker) Run(ctx context.Context, recordPath string) int {
	record, err := w.store.Read(recordPath)
	if err != nil || record == nil {
		w.log.Error("worker: task record missing or unreadable", "path", recordPath, "error", err)
		return ExitError
	}
	if record.Status.IsTerminal() {
		// Cancelled before we started; nothing to do.
		w.log.Info("worker: record already terminal", "task_id", record.ID, "status", record.Status)
		return ExitOK
	}

	log := w.log.WithTeam(record.TeamName).WithAgent(record.AgentName).WithTask(record.ID)

	started := time.Now()
	if _, err := w.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
		if r.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		r.Status = taskstore.StatusRunning
		r.StartedAt = &started
		return nil
	}); err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return ExitOK
		}
		log.Error("worker: mark running", "error", err)
		return ExitError
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	w.cancelExec = cancelExec

	// Signal handling: first SIGINT/SIGTERM triggers cooperative
	// cancellation; the handler is detached on every exit path so a test
	// harness reusing the process does not leak it.
	if w.signals {
		sigCh := make(chan os.Signal, 1)
		sigDone := make(chan struct{})
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case <-sigCh:
				w.fromSignal.Store(true)
				w.cancel("terminated by signal")
			case <-sigDone:
			}
		}()
		// Stop must run before sigDone closes so the signal package never
		// delivers into a torn-down handler.
		defer close(sigDone)
		defer signal.Stop(sigCh)
	}

	// Inbox poller. Stopped (and its ticker released) on every exit path.
	pollerDone := make(chan struct{})
	stopPoller := make(chan struct{})
	go w.pollInbox(record, recordPath, stopPoller, pollerDone)
	defer func() {
		close(stopPoller)
		<-pollerDone
	}()

	result, execErr := w.eng.Execute(execCtx, engine.Request{
		Description: record.Description,
		Prompt:      record.Prompt,
		Model:       record.Model,
		SafeMode:    record.SafeMode,
		WorkDir:     w.workDir,
	}, func(p engine.Progress) {
		w.mirrorProgress(record, recordPath, p, started)
	})

	w.finalize(record, recordPath, result, execErr, started, log)

	if w.fromSignal.Load() {
		return ExitSignal
	}
	return ExitOK
}

// errAlreadyTerminal aborts an Update whose record has already reached a
// terminal state.
var errAlreadyTerminal = errors.New("record already terminal")

// cancel triggers cooperative cancellation exactly once, recording the
// reason for the final record. Later triggers are no-ops.
func (w *Worker) cancel(reason string) {
	w.cancelOnce.Do(func() {
		w.cancelReason.Store(&reason)
		if w.cancelExec != nil {
			w.cancelExec()
		}
	})
}

// cancelled reports whether cancellation was triggered and its reason.
func (w *Worker) cancelled() (string, bool) {
	if p := w.cancelReason.Load(); p != nil {
		return *p, true
	}
	return "", false
}

// mirrorProgress appends an engine progress callback to the task record
// and emits a progress message on the outbox for the tailing lead.
func (w *Worker) mirrorProgress(record *taskstore.TaskRecord, recordPath string, p engine.Progress, started time.Time) {
	snap := taskstore.ProgressSnapshot{
		Status:     p.Phase,
		Model:      p.Model,
		ToolCount:  p.ToolCount,
		TokenCount: p.TokenCount,
		ElapsedMs:  time.Since(started).Milliseconds(),
		LastAction: p.LastAction,
	}
	if _, err := w.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
		if r.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		r.AppendProgress(snap)
		return nil
	}); err != nil && !errors.Is(err, errAlreadyTerminal) {
		w.log.Warn("worker: mirror progress to record", "error", err)
	}

	if err := w.mb.Append(mailbox.ChannelOutbox, record.TeamName, record.AgentName, mailbox.Message{
		From:    record.AgentName,
		To:      mailbox.LeadRecipient,
		Type:    mailbox.TypeProgress,
		Content: p.Phase,
		TaskID:  record.ID,
	}); err != nil {
		w.log.Warn("worker: mirror progress to outbox", "error", err)
	}
}

// pollInbox watches the worker's inbox for control messages scoped to its
// task. A shutdown_request is acknowledged (outbox plus, defensively, the
// requester's own inbox) and triggers cancellation; any other message is
// converted into a progress snapshot so the lead can observe it; messages
// for unrelated tasks are ignored.
func (w *Worker) pollInbox(record *taskstore.TaskRecord, recordPath string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var cursor int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		msgs, next, err := w.mb.ReadFrom(mailbox.ChannelInbox, record.TeamName, record.AgentName, cursor)
		if err != nil {
			w.log.Warn("worker: read inbox", "error", err)
			continue
		}
		cursor = next

		for _, msg := range msgs {
			if msg.TaskID != "" && msg.TaskID != record.ID {
				continue
			}

			if msg.Type == mailbox.TypeShutdownRequest {
				w.acknowledgeShutdown(record, msg)
				w.cancel(fmt.Sprintf("shutdown requested by %s", msg.From))
				continue
			}

			snap := taskstore.ProgressSnapshot{
				Status:     "received message",
				LastAction: fmt.Sprintf("%s from %s", msg.Type, msg.From),
			}
			if msg.Type == mailbox.TypePlanApprovalResponse {
				snap.Status = "plan approval received"
				verdict := "denied"
				if msg.Approve != nil && *msg.Approve {
					verdict = "approved"
				}
				snap.LastAction = fmt.Sprintf("plan %s by %s", verdict, msg.From)
			}
			if _, err := w.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
				if r.Status.IsTerminal() {
					return errAlreadyTerminal
				}
				r.AppendProgress(snap)
				return nil
			}); err != nil && !errors.Is(err, errAlreadyTerminal) {
				w.log.Warn("worker: record inbox message", "error", err)
			}
		}
	}
}

// acknowledgeShutdown sends exactly one shutdown_response for the request:
// to the worker's own outbox, and directly into the requester's inbox in
// case the requester is tailing that instead.
func (w *Worker) acknowledgeShutdown(record *taskstore.TaskRecord, req mailbox.Message) {
	resp := mailbox.Message{
		From:      record.AgentName,
		To:        req.From,
		Type:      mailbox.TypeShutdownResponse,
		Content:   fmt.Sprintf("shutting down task %s", record.ID),
		TaskID:    record.ID,
		RequestID: req.RequestID,
	}
	if err := w.mb.Append(mailbox.ChannelOutbox, record.TeamName, record.AgentName, resp); err != nil {
		w.log.Warn("worker: shutdown response to outbox", "error", err)
	}
	if err := w.mb.Append(mailbox.ChannelInbox, record.TeamName, req.From, resp); err != nil {
		w.log.Warn("worker: shutdown response to requester inbox", "error", err)
	}
}

// finalize writes the terminal record state and the closing outbox
// message. Exactly one terminal write happens even if cancellation raced
// with completion: updates that find the record already terminal back off.
func (w *Worker) finalize(record *taskstore.TaskRecord, recordPath string, result *engine.Result, execErr error, started time.Time, log *logging.Logger) {
	ended := time.Now()
	reason, wasCancelled := w.cancelled()

	var status taskstore.TaskStatus
	var errText string
	switch {
	case wasCancelled || (result != nil && result.Interrupted):
		status = taskstore.StatusCancelled
		if reason == "" {
			reason = "execution interrupted"
		}
		errText = reason
	case execErr != nil:
		status = taskstore.StatusFailed
		errText = execErr.Error()
	default:
		status = taskstore.StatusCompleted
	}

	updated, err := w.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
		if r.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		r.Status = status
		r.EndedAt = &ended
		r.Error = errText
		r.DurationMs = ended.Sub(started).Milliseconds()
		if result != nil {
			r.ResultText = result.Text
			r.TokenCount = result.TokenCount
			r.ToolUseCount = result.ToolUseCount
			if result.DurationMs > 0 {
				r.DurationMs = result.DurationMs
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errAlreadyTerminal) {
			log.Error("worker: finalize record", "error", err)
		}
		return
	}

	log.Info("worker: task finished", "status", status.String(), "duration_ms", updated.DurationMs)

	switch status {
	case taskstore.StatusCompleted:
		content, encodeErr := mailbox.EncodeResultPayload(mailbox.ResultPayload{
			ResultText:   updated.ResultText,
			TokenCount:   updated.TokenCount,
			ToolUseCount: updated.ToolUseCount,
			DurationMs:   updated.DurationMs,
		})
		if encodeErr != nil {
			log.Warn("worker: encode result payload", "error", encodeErr)
			return
		}
		if err := w.mb.Append(mailbox.ChannelOutbox, record.TeamName, record.AgentName, mailbox.Message{
			From:    record.AgentName,
			To:      mailbox.LeadRecipient,
			Type:    mailbox.TypeResult,
			Content: content,
			TaskID:  record.ID,
		}); err != nil {
			log.Warn("worker: result to outbox", "error", err)
		}
	default:
		if err := w.mb.Append(mailbox.ChannelOutbox, record.TeamName, record.AgentName, mailbox.Message{
			From:    record.AgentName,
			To:      mailbox.LeadRecipient,
			Type:    mailbox.TypeStatus,
			Content: fmt.Sprintf("task %s: %s", status, errText),
			TaskID:  record.ID,
		}); err != nil {
			log.Warn("worker: status to outbox", "error", err)
		}
	}
}
