package delegate

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aldersonek/crew/internal/engine"
	"github.com/aldersonek/crew/internal/event"
	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
)

type fixture struct {
	store *taskstore.Store
	mb    *mailbox.Mailbox
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	return fixture{
		store: taskstore.NewStore(root),
		mb:    mailbox.New(root + "/mailbox"),
	}
}

func (f fixture) delegator(t *testing.T, eng engine.Engine, bus *event.Bus) *Delegator {
	t.Helper()
	d, err := New(Options{
		Store:   f.store,
		Mailbox: f.mb,
		Backend: &InprocBackend{
			Store:        f.store,
			Mailbox:      f.mb,
			Engine:       eng,
			PollInterval: 20 * time.Millisecond,
		},
		Bus:          bus,
		PollInterval: 20 * time.Millisecond,
		KillGrace:    time.Second,
		ExitGrace:    100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// eventRecorder collects published events for assertions.
type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *eventRecorder) record(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.EventType())
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func TestNew_RequiresDependencies(t *testing.T) {
	f := newFixture(t)
	backend := &InprocBackend{Store: f.store, Mailbox: f.mb}

	if _, err := New(Options{Mailbox: f.mb, Backend: backend}); err == nil {
		t.Error("New should require Store")
	}
	if _, err := New(Options{Store: f.store, Backend: backend}); err == nil {
		t.Error("New should require Mailbox")
	}
	if _, err := New(Options{Store: f.store, Mailbox: f.mb}); err == nil {
		t.Error("New should require Backend")
	}
}

func TestDelegate_Completes(t *testing.T) {
	f := newFixture(t)
	bus := event.NewBus()
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	d := f.delegator(t, engine.Func(func(_ context.Context, req engine.Request, onProgress engine.ProgressFunc) (*engine.Result, error) {
		onProgress(engine.Progress{Phase: "thinking"})
		return &engine.Result{Text: "the answer", TokenCount: 42}, nil
	}), bus)

	res, err := d.Delegate(context.Background(), Request{
		TeamName:  "alpha",
		AgentName: "researcher",
		Prompt:    "find the answer",
	})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if res.Status != taskstore.StatusCompleted {
		t.Errorf("Status = %s, want completed", res.Status)
	}
	if res.ResultText != "the answer" || res.TokenCount != 42 {
		t.Errorf("result = %q/%d", res.ResultText, res.TokenCount)
	}
	if res.Interrupted {
		t.Error("completed delegation must not be interrupted")
	}

	if rec.count("task.delegated") != 1 {
		t.Errorf("task.delegated events = %d, want 1", rec.count("task.delegated"))
	}
	if rec.count("task.finished") != 1 {
		t.Errorf("task.finished events = %d, want 1", rec.count("task.finished"))
	}
	if rec.count("task.progress") == 0 {
		t.Error("expected at least one task.progress event")
	}
	// The worker's result message surfaces as a mailbox event.
	if rec.count("mailbox.message") == 0 {
		t.Error("expected the result message as a mailbox.message event")
	}
}

func TestDelegate_CancellationInterrupts(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(ctx context.Context, _ engine.Request, _ engine.ProgressFunc) (*engine.Result, error) {
		<-ctx.Done()
		return &engine.Result{Interrupted: true}, nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	res, err := d.Delegate(ctx, Request{TeamName: "alpha", AgentName: "a1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if !res.Interrupted {
		t.Error("cancelled delegation must return an interrupted result")
	}
	if res.Status != taskstore.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", res.Status)
	}

	record, err := d.TaskStatus("alpha", res.TaskID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if record.Status != taskstore.StatusCancelled {
		t.Errorf("record status = %s, want cancelled", record.Status)
	}
	if record.EndedAt == nil {
		t.Error("cancelled record must have EndedAt")
	}
}

// deadBackend hands out a handle whose worker is already gone and never
// touches the record.
type deadBackend struct{}

type deadHandle struct{ done chan struct{} }

func (deadBackend) Start(context.Context, *taskstore.TaskRecord, string) (Handle, error) {
	h := deadHandle{done: make(chan struct{})}
	close(h.done)
	return h, nil
}

func (h deadHandle) PID() int              { return 12345 }
func (h deadHandle) Done() <-chan struct{} { return h.done }
func (h deadHandle) Exited() bool          { return true }
func (h deadHandle) Terminate()            {}
func (h deadHandle) Kill()                 {}

func TestDelegate_WorkerExitWithoutFinalizeFails(t *testing.T) {
	f := newFixture(t)
	d, err := New(Options{
		Store:        f.store,
		Mailbox:      f.mb,
		Backend:      deadBackend{},
		PollInterval: 20 * time.Millisecond,
		ExitGrace:    60 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := d.Delegate(context.Background(), Request{TeamName: "alpha", AgentName: "a1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if res.Status != taskstore.StatusFailed {
		t.Errorf("Status = %s, want failed", res.Status)
	}
	if res.Error == "" {
		t.Error("failed result must carry a process-exited error")
	}
}

func TestDelegateDetached_HandleAndWait(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{Text: "done"}, nil
	}), nil)

	handle, err := d.DelegateDetached(context.Background(), Request{
		TeamName:  "alpha",
		AgentName: "a1",
		Prompt:    "p",
	})
	if err != nil {
		t.Fatalf("DelegateDetached: %v", err)
	}
	if handle.TaskID == "" || handle.TeamName != "alpha" || handle.AgentName != "a1" {
		t.Errorf("handle = %+v", handle)
	}
	if handle.PID != 0 {
		t.Errorf("in-process PID = %d, want 0", handle.PID)
	}

	record, err := d.WaitForRecord(context.Background(), handle.TeamName, handle.TaskID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForRecord: %v", err)
	}
	if record.Status != taskstore.StatusCompleted {
		t.Errorf("Status = %s, want completed", record.Status)
	}
	if record.ResultText != "done" {
		t.Errorf("ResultText = %q", record.ResultText)
	}
}

func TestWaitForRecord_Timeout(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{}, nil
	}), nil)

	_, err := d.WaitForRecord(context.Background(), "alpha", "no-such-task", 100*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestTaskStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{}, nil
	}), nil)

	_, err := d.TaskStatus("alpha", "missing")
	if !errors.Is(err, taskstore.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestWaitForOutput(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{}, nil
	}), nil)

	outputPath := t.TempDir() + "/out.log"

	// The marker file lands after a short delay, as a real captured
	// command would finish out of band.
	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = os.WriteFile(outputPath, []byte("hello\n"), 0o644)
		_ = os.WriteFile(outputPath+".exit", []byte("3\n"), 0o644)
	}()

	out, code, err := d.WaitForOutput(context.Background(), outputPath, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForOutput: %v", err)
	}
	if out != "hello\n" || code != 3 {
		t.Errorf("out = %q, code = %d", out, code)
	}
}

func TestWaitForOutput_Timeout(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{}, nil
	}), nil)

	_, _, err := d.WaitForOutput(context.Background(), t.TempDir()+"/never.log", 100*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestResultFromRecord_CarriesRecordFields(t *testing.T) {
	record := &taskstore.TaskRecord{
		ID:           "task-7",
		Status:       taskstore.StatusCompleted,
		ResultText:   "text",
		Error:        "",
		TokenCount:   int64(1) << 40,
		ToolUseCount: 9,
		DurationMs:   1234,
	}

	res := resultFromRecord(record)
	if res.TaskID != "task-7" || res.Status != taskstore.StatusCompleted {
		t.Errorf("identity fields = %q/%s", res.TaskID, res.Status)
	}
	if res.TokenCount != record.TokenCount {
		t.Errorf("TokenCount = %d, want %d", res.TokenCount, record.TokenCount)
	}
	if res.ToolUseCount != 9 || res.DurationMs != 1234 {
		t.Errorf("counters = %d/%d", res.ToolUseCount, res.DurationMs)
	}
	if res.Interrupted {
		t.Error("completed record must not map to an interrupted result")
	}

	record.Status = taskstore.StatusCancelled
	if !resultFromRecord(record).Interrupted {
		t.Error("cancelled record must map to an interrupted result")
	}
}

func TestSendPlanApproval(t *testing.T) {
	f := newFixture(t)
	d := f.delegator(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{}, nil
	}), nil)

	if err := d.SendPlanApproval("alpha", "a1", "task-1", "req-9", true); err != nil {
		t.Fatalf("SendPlanApproval: %v", err)
	}

	msgs, _, err := f.mb.ReadFrom(mailbox.ChannelInbox, "alpha", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Type != mailbox.TypePlanApprovalResponse || m.RequestID != "req-9" {
		t.Errorf("message = %+v", m)
	}
	if m.Approve == nil || !*m.Approve {
		t.Error("Approve must be true")
	}
}
