package board

import "time"

// Status represents the workflow state of a shared task.
type Status string

const (
	// StatusOpen indicates the task is unclaimed and available.
	StatusOpen Status = "open"

	// StatusInProgress indicates an owner has claimed the task.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the task is finished.
	StatusCompleted Status = "completed"

	// StatusBlocked indicates the task is waiting on other tasks.
	StatusBlocked Status = "blocked"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	default:
		return false
	}
}

// SharedTask is one claimable work item on a team's shared board.
//
// Version starts at 1 and increases by exactly 1 on every accepted write;
// a write carrying a stale expected version is rejected without applying
// anything.
type SharedTask struct {
	ID          int        `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Owner       string     `json:"owner,omitempty"`
	BlockedBy   []int      `json:"blockedBy,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Filter selects a subset of board tasks in List.
// Zero fields match everything.
type Filter struct {
	Status Status
	Owner  string
}

// matches reports whether the task satisfies the filter.
func (f Filter) matches(t SharedTask) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	return true
}

// Patch describes a partial update to a shared task. Nil fields are left
// unchanged.
type Patch struct {
	Subject     *string
	Description *string
	Status      *Status
	Owner       *string
	BlockedBy   *[]int
	Result      *string
}
