package taskstore

import (
	"time"
)

// TaskStatus represents the lifecycle state of a delegated task.
type TaskStatus string

const (
	// StatusPending indicates the record exists but the worker has not
	// started executing yet.
	StatusPending TaskStatus = "pending"

	// StatusRunning indicates the worker is actively executing.
	StatusRunning TaskStatus = "running"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the task failed.
	StatusFailed TaskStatus = "failed"

	// StatusCancelled indicates the task was cancelled before completing.
	StatusCancelled TaskStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid returns true if this is a recognized status value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Terminal states admit no further transitions; pending may
// move to running or straight to any terminal state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// maxProgressEntries caps the progress history kept on a record. Once the
// cap is reached, the oldest entries are dropped first.
const maxProgressEntries = 200

// ProgressSnapshot is one append-only progress entry on a task record.
// Snapshots are never mutated after insertion.
type ProgressSnapshot struct {
	Status     string    `json:"status"`
	Model      string    `json:"model,omitempty"`
	ToolCount  int       `json:"toolCount,omitempty"`
	TokenCount int64     `json:"tokenCount,omitempty"`
	ElapsedMs  int64     `json:"elapsedMs,omitempty"`
	LastAction string    `json:"lastAction,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TaskRecord is the durable state document for one delegated unit of work.
// The immutable input fields are set at creation; lifecycle fields are
// mutated only by the worker and by cancellation paths, always under the
// record's file lock.
type TaskRecord struct {
	ID        string `json:"id"`
	TeamName  string `json:"teamName"`
	AgentName string `json:"agentName"`

	// Immutable inputs.
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	SafeMode    bool   `json:"safeMode,omitempty"`
	ForkID      string `json:"forkId,omitempty"`
	LogID       string `json:"logId,omitempty"`

	// Lifecycle.
	Status       TaskStatus         `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`
	ResultText   string             `json:"resultText,omitempty"`
	Error        string             `json:"error,omitempty"`
	TokenCount   int64              `json:"tokenCount,omitempty"`
	ToolUseCount int                `json:"toolUseCount,omitempty"`
	DurationMs   int64              `json:"durationMs,omitempty"`
	Progress     []ProgressSnapshot `json:"progress,omitempty"`
}

// AppendProgress appends a snapshot to the record's bounded progress list,
// dropping the oldest entries once the cap is reached.
func (r *TaskRecord) AppendProgress(snap ProgressSnapshot) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	r.Progress = append(r.Progress, snap)
	if len(r.Progress) > maxProgressEntries {
		r.Progress = r.Progress[len(r.Progress)-maxProgressEntries:]
	}
}

// TeamMetadata describes a team: a namespace grouping a lead, its
// teammate agents, and their shared storage. Created on first reference;
// agent membership grows by merge-on-write.
type TeamMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Agents    []string  `json:"agents"`
}

// HasAgent returns true if the named agent is a member of the team.
func (t *TeamMetadata) HasAgent(agent string) bool {
	for _, a := range t.Agents {
		if a == agent {
			return true
		}
	}
	return false
}
