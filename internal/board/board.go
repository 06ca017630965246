// Package board implements the per-team shared task board: a claimable
// work-item list with optimistic-concurrency updates.
//
// The board is one JSON file per team. Every write takes the file's
// exclusive flock around the full read-modify-write; reads take a single
// consistent snapshot. Conflict detection is by version number, never
// last-writer-wins: a caller supplying a stale expected version is rejected
// with ErrVersionConflict and nothing is applied.
package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/aldersonek/crew/internal/filelock"
	"github.com/aldersonek/crew/internal/taskstore"
)

// Sentinel errors returned by board operations.
var (
	ErrTaskNotFound      = errors.New("shared task not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrOwnershipConflict = errors.New("ownership conflict")
	ErrTaskBlocked       = errors.New("task is blocked")
)

// Board provides shared-task-board operations backed by the task store's
// per-team board file.
type Board struct {
	store *taskstore.Store
}

// New creates a Board backed by the given store.
func New(store *taskstore.Store) *Board {
	return &Board{store: store}
}

// Create appends a new open task to the team's board with the next
// sequence id. BlockedBy ids are deduplicated and sorted.
func (b *Board) Create(team, subject, description string, blockedBy []int) (*SharedTask, error) {
	team = taskstore.NormalizeTeamName(team)
	if team == "" {
		return nil, errors.New("board: team is required")
	}
	if subject == "" {
		return nil, errors.New("board: subject is required")
	}

	path := b.store.BoardPath(team)
	var created *SharedTask

	err := filelock.WithLock(path, func() error {
		tasks, err := b.load(path)
		if err != nil {
			return err
		}

		nextID := 1
		for _, t := range tasks {
			if t.ID >= nextID {
				nextID = t.ID + 1
			}
		}

		now := time.Now()
		task := SharedTask{
			ID:          nextID,
			Subject:     subject,
			Description: description,
			Status:      StatusOpen,
			BlockedBy:   normalizeBlockedBy(blockedBy),
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		tasks = append(tasks, task)

		if err := b.save(path, tasks); err != nil {
			return err
		}
		created = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// List returns the team's board tasks matching the filter, in id order.
// A missing board file yields an empty list.
func (b *Board) List(team string, filter Filter) ([]SharedTask, error) {
	path := b.store.BoardPath(taskstore.NormalizeTeamName(team))

	var out []SharedTask
	err := filelock.WithLock(path, func() error {
		tasks, err := b.load(path)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if filter.matches(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one board task by id.
func (b *Board) Get(team string, id int) (*SharedTask, error) {
	tasks, err := b.List(team, Filter{})
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i], nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrTaskNotFound, id)
}

// Update applies a patch to the identified task under the board lock.
// If expectedVersion is non-nil and differs from the stored version, the
// write is rejected with ErrVersionConflict and nothing is applied.
// An accepted write bumps the version by exactly 1, stamps UpdatedAt, and
// stamps CompletedAt when the status transitions to completed (clearing it
// on any other status).
func (b *Board) Update(team string, id int, patch Patch, expectedVersion *int) (*SharedTask, error) {
	if patch.Status != nil && !patch.Status.IsValid() {
		return nil, fmt.Errorf("board: invalid status %q", *patch.Status)
	}

	return b.mutate(team, id, expectedVersion, func(task *SharedTask) error {
		applyPatch(task, patch)
		return nil
	})
}

// Claim marks the task in_progress with the given owner. It enforces the
// claim protocol:
//   - a blocked task cannot be claimed;
//   - a completed task owned by someone else cannot be claimed;
//   - an in_progress or completed task owned by a different owner cannot
//     be claimed unless override is set;
//   - re-claiming your own in_progress task is an idempotent no-op.
func (b *Board) Claim(team string, id int, owner string, override bool) (*SharedTask, error) {
	if owner == "" {
		return nil, errors.New("board: owner is required")
	}

	return b.mutate(team, id, nil, func(task *SharedTask) error {
		if task.Status == StatusBlocked {
			return fmt.Errorf("%w: task %d is blocked by %v", ErrTaskBlocked, task.ID, task.BlockedBy)
		}

		ownedByOther := task.Owner != "" && task.Owner != owner
		switch task.Status {
		case StatusCompleted:
			if ownedByOther && !override {
				return fmt.Errorf("%w: task %d completed by %s", ErrOwnershipConflict, task.ID, task.Owner)
			}
		case StatusInProgress:
			if ownedByOther && !override {
				return fmt.Errorf("%w: task %d owned by %s", ErrOwnershipConflict, task.ID, task.Owner)
			}
			if task.Owner == owner {
				// Idempotent re-claim: no state change, no version bump.
				return errNoChange
			}
		}

		task.Owner = owner
		task.Status = StatusInProgress
		return nil
	})
}

// errNoChange signals that the mutation decided to leave the task
// untouched; the caller returns the current task without a version bump.
var errNoChange = errors.New("no change")

// mutate runs fn against the identified task as one locked
// read-modify-write, enforcing the optional expected version first.
func (b *Board) mutate(team string, id int, expectedVersion *int, fn func(*SharedTask) error) (*SharedTask, error) {
	team = taskstore.NormalizeTeamName(team)
	path := b.store.BoardPath(team)

	var result *SharedTask
	err := filelock.WithLock(path, func() error {
		tasks, err := b.load(path)
		if err != nil {
			return err
		}

		idx := -1
		for i := range tasks {
			if tasks[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: id %d", ErrTaskNotFound, id)
		}

		task := &tasks[idx]
		if expectedVersion != nil && *expectedVersion != task.Version {
			return fmt.Errorf("%w: task %d is at version %d, expected %d",
				ErrVersionConflict, id, task.Version, *expectedVersion)
		}

		wasCompleted := task.Status == StatusCompleted

		if err := fn(task); err != nil {
			if errors.Is(err, errNoChange) {
				cp := *task
				result = &cp
				return nil
			}
			return err
		}

		task.Version++
		task.UpdatedAt = time.Now()
		switch {
		case task.Status == StatusCompleted && !wasCompleted:
			now := time.Now()
			task.CompletedAt = &now
		case task.Status != StatusCompleted:
			task.CompletedAt = nil
		}

		if err := b.save(path, tasks); err != nil {
			return err
		}
		cp := *task
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyPatch copies the non-nil patch fields onto the task.
func applyPatch(task *SharedTask, patch Patch) {
	if patch.Subject != nil {
		task.Subject = *patch.Subject
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Owner != nil {
		task.Owner = *patch.Owner
	}
	if patch.BlockedBy != nil {
		task.BlockedBy = normalizeBlockedBy(*patch.BlockedBy)
	}
	if patch.Result != nil {
		task.Result = *patch.Result
	}
}

// normalizeBlockedBy deduplicates and sorts a blockedBy id set.
func normalizeBlockedBy(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// load reads the board file. A missing file is an empty board; a corrupt
// file fails loudly since a write would have nothing safe to merge into.
func (b *Board) load(path string) ([]SharedTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("board: read: %w", err)
	}

	var tasks []SharedTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("board: unmarshal: %w", err)
	}
	return tasks, nil
}

// save persists the board atomically via write-to-temp-then-rename.
func (b *Board) save(path string, tasks []SharedTask) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("board: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("board: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("board: rename temp file: %w", err)
	}
	return nil
}
