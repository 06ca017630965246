package delegate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
)

// ErrWaitTimeout is returned when a blocking wait ends without the watched
// resource reaching a terminal state.
var ErrWaitTimeout = errors.New("delegate: wait timed out")

// TaskStatus reads the current record for a task once. Returns
// taskstore.ErrRecordNotFound when the record is absent or unparsable.
func (d *Delegator) TaskStatus(team, taskID string) (*taskstore.TaskRecord, error) {
	record, err := d.store.Read(d.store.TaskPath(team, taskID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, taskstore.ErrRecordNotFound
	}
	return record, nil
}

// WaitForRecord blocks until the task's record reaches a terminal status,
// the timeout elapses, or ctx is cancelled. A filesystem watcher on the
// record's directory wakes the wait early when the worker rewrites the
// file; polling remains the fallback, so a lost notification only costs
// one poll interval.
func (d *Delegator) WaitForRecord(ctx context.Context, team, taskID string, timeout time.Duration) (*taskstore.TaskRecord, error) {
	path := d.store.TaskPath(taskstore.NormalizeTeamName(team), taskID)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	// Watch the directory, not the file: atomic rename replaces the
	// file's inode on every record write.
	var wake <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			wake = watcher.Events
		}
	}

	for {
		record, err := d.store.Read(path)
		if err == nil && record != nil && record.Status.IsTerminal() {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: task %s after %s", ErrWaitTimeout, taskID, timeout)
		case <-ticker.C:
		case ev := <-wake:
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		}
	}
}

// WaitForOutput blocks until an out-of-band captured command has finished,
// indicated by its exit marker file appearing next to the output file.
// Returns the captured output and the command's exit code.
func (d *Delegator) WaitForOutput(ctx context.Context, outputPath string, timeout time.Duration) (string, int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	exitPath := outputPath + ".exit"
	for {
		if raw, err := os.ReadFile(exitPath); err == nil {
			code, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
			if convErr != nil {
				return "", 0, fmt.Errorf("delegate: corrupt exit marker %s: %w", exitPath, convErr)
			}
			out, readErr := os.ReadFile(outputPath)
			if readErr != nil && !os.IsNotExist(readErr) {
				return "", 0, fmt.Errorf("delegate: read captured output: %w", readErr)
			}
			return string(out), code, nil
		}

		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-deadline.C:
			return "", 0, fmt.Errorf("%w: output %s after %s", ErrWaitTimeout, outputPath, timeout)
		case <-ticker.C:
		}
	}
}

// SendPlanApproval routes a plan approval verdict into the agent's inbox
// for the named task.
func (d *Delegator) SendPlanApproval(team, agent, taskID, requestID string, approve bool) error {
	return d.mb.Append(mailbox.ChannelInbox, team, agent, mailbox.Message{
		From:      mailbox.LeadRecipient,
		To:        agent,
		Type:      mailbox.TypePlanApprovalResponse,
		TaskID:    taskID,
		RequestID: requestID,
		Approve:   &approve,
	})
}
