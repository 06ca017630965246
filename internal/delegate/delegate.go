package delegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aldersonek/crew/internal/event"
	"github.com/aldersonek/crew/internal/logging"
	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultKillGrace    = 2 * time.Second
	defaultExitGrace    = 1500 * time.Millisecond
)

// Options configures a Delegator.
type Options struct {
	Store   *taskstore.Store
	Mailbox *mailbox.Mailbox
	Backend Backend
	// Bus receives lifecycle events when set.
	Bus    *event.Bus
	Logger *logging.Logger
	// PollInterval is the record/outbox tail interval for blocking
	// delegation. Latency tuning only; durable state carries correctness.
	PollInterval time.Duration
	// KillGrace is how long Terminate gets before Kill on cancellation.
	KillGrace time.Duration
	// ExitGrace is how long a non-terminal record may outlive its exited
	// worker before the task is marked failed.
	ExitGrace time.Duration
}

// Request describes one task to delegate.
type Request struct {
	TeamName    string
	AgentName   string
	Description string
	Prompt      string
	Model       string
	SafeMode    bool
	ForkID      string
	LogID       string
}

// Result is the terminal outcome of a blocking delegation.
type Result struct {
	TaskID       string
	Status       taskstore.TaskStatus
	ResultText   string
	Error        string
	TokenCount   int64
	ToolUseCount int
	DurationMs   int64
	// Interrupted marks results produced by cancellation rather than by
	// the worker finishing on its own.
	Interrupted bool
}

// LaunchHandle identifies a detached delegation for later polling.
type LaunchHandle struct {
	TaskID     string
	TeamName   string
	AgentName  string
	PID        int
	RecordPath string
}

// Delegator runs delegations against one store/mailbox/backend set.
type Delegator struct {
	store     *taskstore.Store
	mb        *mailbox.Mailbox
	backend   Backend
	bus       *event.Bus
	log       *logging.Logger
	poll      time.Duration
	killGrace time.Duration
	exitGrace time.Duration
}

// New creates a Delegator. Store, Mailbox, and Backend are required.
func New(opts Options) (*Delegator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("delegate: Store is required")
	}
	if opts.Mailbox == nil {
		return nil, fmt.Errorf("delegate: Mailbox is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("delegate: Backend is required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	exitGrace := opts.ExitGrace
	if exitGrace <= 0 {
		exitGrace = defaultExitGrace
	}

	return &Delegator{
		store:     opts.Store,
		mb:        opts.Mailbox,
		backend:   opts.Backend,
		bus:       opts.Bus,
		log:       log,
		poll:      poll,
		killGrace: killGrace,
		exitGrace: exitGrace,
	}, nil
}

// Delegate creates the task record, starts the worker, and blocks tailing
// the record and outbox until the task is terminal or ctx is cancelled.
// Errors are returned only for setup failures; a worker that fails or is
// cancelled still yields a Result describing the terminal record.
func (d *Delegator) Delegate(ctx context.Context, req Request) (*Result, error) {
	record, recordPath, handle, err := d.launch(ctx, req, false)
	if err != nil {
		return nil, err
	}

	log := d.log.WithTeam(record.TeamName).WithAgent(record.AgentName).WithTask(record.ID)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	var outboxCursor int64
	var progressIdx int
	var exitedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return d.cancelAndReap(record, recordPath, handle, log), nil
		case <-ticker.C:
		}

		outboxCursor = d.drainOutbox(record, outboxCursor)

		current, err := d.store.Read(recordPath)
		if err != nil || current == nil {
			// Treat a transiently unreadable record as absent; the next
			// tick re-reads it.
			log.Warn("delegate: record unreadable while tailing", "error", err)
			continue
		}

		progressIdx = d.emitProgress(current, progressIdx)

		if current.Status.IsTerminal() {
			d.publish(event.NewTaskProgressEvent(current.ID, current.TeamName, current.AgentName, "finished"))
			d.publish(event.NewTaskFinishedEvent(current.ID, current.TeamName, current.AgentName, current.Status.String(), current.Error))
			log.Info("delegate: task terminal", "status", current.Status)
			return resultFromRecord(current), nil
		}

		// A worker that exits without finalizing its record gets a short
		// grace window for the final flush, then the task is failed.
		if handle.Exited() {
			if exitedAt.IsZero() {
				exitedAt = time.Now()
			} else if time.Since(exitedAt) > d.exitGrace {
				return d.failOnExit(record, recordPath, log), nil
			}
		}
	}
}

// DelegateDetached creates the task record, starts the worker, emits one
// started progress event, and returns immediately with a launch handle.
func (d *Delegator) DelegateDetached(ctx context.Context, req Request) (*LaunchHandle, error) {
	record, recordPath, handle, err := d.launch(ctx, req, true)
	if err != nil {
		return nil, err
	}
	d.publish(event.NewTaskProgressEvent(record.ID, record.TeamName, record.AgentName, "started"))

	return &LaunchHandle{
		TaskID:     record.ID,
		TeamName:   record.TeamName,
		AgentName:  record.AgentName,
		PID:        handle.PID(),
		RecordPath: recordPath,
	}, nil
}

// launch creates the record and starts the backend, marking the record
// failed on spawn failure so no orphan pending task survives.
func (d *Delegator) launch(ctx context.Context, req Request, detached bool) (*taskstore.TaskRecord, string, Handle, error) {
	record, recordPath, err := d.store.Create(taskstore.CreateRequest{
		TeamName:    req.TeamName,
		AgentName:   req.AgentName,
		Description: req.Description,
		Prompt:      req.Prompt,
		Model:       req.Model,
		SafeMode:    req.SafeMode,
		ForkID:      req.ForkID,
		LogID:       req.LogID,
	})
	if err != nil {
		return nil, "", nil, err
	}

	handle, err := d.backend.Start(ctx, record, recordPath)
	if err != nil {
		if _, uerr := d.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
			r.Status = taskstore.StatusFailed
			r.Error = fmt.Sprintf("worker spawn failed: %v", err)
			now := time.Now()
			r.EndedAt = &now
			return nil
		}); uerr != nil {
			d.log.Warn("delegate: mark spawn failure", "error", uerr)
		}
		return nil, "", nil, err
	}

	d.publish(event.NewTaskDelegatedEvent(record.ID, record.TeamName, record.AgentName, detached, handle.PID()))
	return record, recordPath, handle, nil
}

// drainOutbox reads new outbox messages and converts the non-progress
// ones into lead-visible events. Progress reaches the lead through the
// record's progress list, so progress messages are not re-emitted here.
func (d *Delegator) drainOutbox(record *taskstore.TaskRecord, cursor int64) int64 {
	msgs, next, err := d.mb.ReadFrom(mailbox.ChannelOutbox, record.TeamName, record.AgentName, cursor)
	if err != nil {
		d.log.Warn("delegate: read outbox", "error", err)
		return cursor
	}
	for _, msg := range msgs {
		if msg.Type == mailbox.TypeProgress {
			continue
		}
		d.publish(event.NewMailboxMessageEvent(msg.TeamName, msg.From, msg.To, string(msg.Type), msg.Content, msg.TaskID))
	}
	return next
}

// emitProgress publishes progress events for record entries past idx and
// returns the new index.
func (d *Delegator) emitProgress(record *taskstore.TaskRecord, idx int) int {
	if idx > len(record.Progress) {
		// The cap dropped older entries; resynchronize.
		idx = len(record.Progress)
	}
	for _, snap := range record.Progress[idx:] {
		d.publish(event.NewTaskProgressEvent(record.ID, record.TeamName, record.AgentName, snap.Status))
	}
	return len(record.Progress)
}

// cancelAndReap implements the cancellation path: graceful terminate,
// forceful kill after the grace window, then a cancelled record unless the
// worker already finalized it.
func (d *Delegator) cancelAndReap(record *taskstore.TaskRecord, recordPath string, handle Handle, log *logging.Logger) *Result {
	handle.Terminate()
	select {
	case <-handle.Done():
	case <-time.After(d.killGrace):
		log.Warn("delegate: worker ignored terminate, killing", "grace", d.killGrace)
		handle.Kill()
		<-handle.Done()
	}

	updated, err := d.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
		if r.Status.IsTerminal() {
			return errFinalized
		}
		r.Status = taskstore.StatusCancelled
		r.Error = "cancelled by lead"
		now := time.Now()
		r.EndedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errFinalized) {
		log.Error("delegate: mark cancelled", "error", err)
	}

	final, _ := d.store.Read(recordPath)
	if final == nil {
		final = updated
	}
	if final == nil {
		final = record
	}
	d.publish(event.NewTaskFinishedEvent(record.ID, record.TeamName, record.AgentName, final.Status.String(), final.Error))

	res := resultFromRecord(final)
	res.Interrupted = true
	return res
}

// failOnExit marks the task failed after the worker exited without
// finalizing its record.
func (d *Delegator) failOnExit(record *taskstore.TaskRecord, recordPath string, log *logging.Logger) *Result {
	updated, err := d.store.Update(recordPath, func(r *taskstore.TaskRecord) error {
		if r.Status.IsTerminal() {
			return errFinalized
		}
		r.Status = taskstore.StatusFailed
		r.Error = "worker process exited before finalizing its task record"
		now := time.Now()
		r.EndedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errFinalized) {
		log.Error("delegate: mark failed on exit", "error", err)
	}

	final, _ := d.store.Read(recordPath)
	if final == nil {
		final = updated
	}
	if final == nil {
		final = record
	}
	log.Warn("delegate: worker exited without finalizing", "status", final.Status)
	d.publish(event.NewTaskFinishedEvent(record.ID, record.TeamName, record.AgentName, final.Status.String(), final.Error))
	return resultFromRecord(final)
}

// errFinalized aborts a lead-side terminal write that lost the race with
// the worker's own finalization.
var errFinalized = errors.New("record already finalized")

func (d *Delegator) publish(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

func resultFromRecord(r *taskstore.TaskRecord) *Result {
	return &Result{
		TaskID:       r.ID,
		Status:       r.Status,
		ResultText:   r.ResultText,
		Error:        r.Error,
		TokenCount:   r.TokenCount,
		ToolUseCount: r.ToolUseCount,
		DurationMs:   r.DurationMs,
		Interrupted:  r.Status == taskstore.StatusCancelled,
	}
}
