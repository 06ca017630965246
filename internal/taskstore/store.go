// Package taskstore provides crash-safe persistence for task records and
// team metadata.
//
// Each task record is one JSON file written with write-to-temp-then-rename
// so a partial file is never observable at the final path. Updates take
// the record's exclusive flock around the whole read-modify-write, which is
// the only mechanism preventing the worker (emitting progress) and the lead
// (issuing a cancellation) from losing one another's writes.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aldersonek/crew/internal/filelock"
)

// Sentinel errors returned by store operations.
var (
	// ErrRecordNotFound is returned by Update when the record file is
	// absent or unparsable. An update has nothing safe to merge into, so
	// unlike Read it fails loudly.
	ErrRecordNotFound = errors.New("task record not found")

	// ErrInvalidTransition is returned when an updater attempts a status
	// change that would regress out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTeamBusy is returned by Teardown when the team still has pending
	// or running tasks and force was not set.
	ErrTeamBusy = errors.New("team has active tasks")
)

// slugRe strips everything that is not filesystem-safe from team names.
var slugRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// NormalizeTeamName lowercases a team name and reduces it to a
// filesystem-safe slug.
func NormalizeTeamName(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = slugRe.ReplaceAllString(slug, "")
	return slug
}

// Store persists task records and team metadata under a data root.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the given data directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// TeamPath returns the metadata file path for a team.
func (s *Store) TeamPath(team string) string {
	return filepath.Join(s.root, "teams", team+".json")
}

// TaskDir returns the directory holding a team's task records.
func (s *Store) TaskDir(team string) string {
	return filepath.Join(s.root, "tasks", team)
}

// TaskPath returns the record file path for one task.
func (s *Store) TaskPath(team, taskID string) string {
	return filepath.Join(s.TaskDir(team), taskID+".json")
}

// BoardPath returns the shared task board file path for a team.
func (s *Store) BoardPath(team string) string {
	return filepath.Join(s.TaskDir(team), "shared-tasks.json")
}

// CreateRequest holds the immutable inputs for a new task record.
type CreateRequest struct {
	TeamName    string
	AgentName   string
	Description string
	Prompt      string
	Model       string
	SafeMode    bool
	ForkID      string
	LogID       string
}

// Validate checks that the request has all required fields.
func (r CreateRequest) Validate() error {
	if NormalizeTeamName(r.TeamName) == "" {
		return errors.New("taskstore: TeamName is required")
	}
	if r.AgentName == "" {
		return errors.New("taskstore: AgentName is required")
	}
	if r.Prompt == "" {
		return errors.New("taskstore: Prompt is required")
	}
	return nil
}

// Create allocates a new task record, persists it atomically, and ensures
// the owning team exists (creating or merging metadata as needed).
// Returns the record and its file path.
func (s *Store) Create(req CreateRequest) (*TaskRecord, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	team := NormalizeTeamName(req.TeamName)
	if err := s.EnsureTeam(team, req.AgentName); err != nil {
		return nil, "", err
	}

	now := time.Now()
	record := &TaskRecord{
		ID:          uuid.NewString(),
		TeamName:    team,
		AgentName:   req.AgentName,
		Description: req.Description,
		Prompt:      req.Prompt,
		Model:       req.Model,
		SafeMode:    req.SafeMode,
		ForkID:      req.ForkID,
		LogID:       req.LogID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	path := s.TaskPath(team, record.ID)
	if err := writeAtomic(path, record); err != nil {
		return nil, "", err
	}
	return record, path, nil
}

// Read returns the record at path, or nil if the file is absent or
// unparsable. Callers must treat both the same as "not found".
func (s *Store) Read(path string) (*TaskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: read record: %w", err)
	}

	var record TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, nil
	}
	return &record, nil
}

// Update applies fn to the record at path as one locked read-modify-write
// and persists the result atomically, stamping UpdatedAt. Status changes
// produced by fn must be legal forward transitions; an attempt to regress
// out of a terminal state fails with ErrInvalidTransition and persists
// nothing. Returns the updated record.
func (s *Store) Update(path string, fn func(*TaskRecord) error) (*TaskRecord, error) {
	var updated *TaskRecord

	err := filelock.WithLock(path, func() error {
		record, err := s.Read(path)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, path)
		}

		before := record.Status
		if err := fn(record); err != nil {
			return err
		}
		if !before.CanTransitionTo(record.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, record.Status)
		}
		if len(record.Progress) > maxProgressEntries {
			record.Progress = record.Progress[len(record.Progress)-maxProgressEntries:]
		}

		record.UpdatedAt = time.Now()
		if err := writeAtomic(path, record); err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// EnsureTeam creates the team metadata file if absent, or merges the agent
// into the existing member set. The whole operation runs under the team
// file's lock so concurrent joiners never drop one another.
func (s *Store) EnsureTeam(team, agent string) error {
	team = NormalizeTeamName(team)
	if team == "" {
		return errors.New("taskstore: team name is required")
	}

	path := s.TeamPath(team)
	return filelock.WithLock(path, func() error {
		now := time.Now()
		meta := &TeamMetadata{Name: team, CreatedAt: now}

		if data, err := os.ReadFile(path); err == nil {
			var existing TeamMetadata
			if json.Unmarshal(data, &existing) == nil && existing.Name != "" {
				meta = &existing
			}
		}

		if agent != "" && !meta.HasAgent(agent) {
			meta.Agents = append(meta.Agents, agent)
			slices.Sort(meta.Agents)
		}
		meta.UpdatedAt = now

		return writeAtomic(path, meta)
	})
}

// ReadTeam returns the metadata for a team, or nil if the team does not
// exist or its file is unparsable.
func (s *Store) ReadTeam(team string) (*TeamMetadata, error) {
	data, err := os.ReadFile(s.TeamPath(NormalizeTeamName(team)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: read team: %w", err)
	}

	var meta TeamMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil
	}
	return &meta, nil
}

// ListTeams returns the names of all known teams, sorted.
func (s *Store) ListTeams() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "teams"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: list teams: %w", err)
	}

	var teams []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		teams = append(teams, strings.TrimSuffix(name, ".json"))
	}
	slices.Sort(teams)
	return teams, nil
}

// ListTasks returns every readable task record for a team. Unparsable
// records are skipped. The shared task board file is not a task record.
func (s *Store) ListTasks(team string) ([]*TaskRecord, error) {
	team = NormalizeTeamName(team)
	entries, err := os.ReadDir(s.TaskDir(team))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: list tasks: %w", err)
	}

	var records []*TaskRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == "shared-tasks.json" {
			continue
		}
		record, err := s.Read(filepath.Join(s.TaskDir(team), name))
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}

// Teardown removes a team's metadata and task storage. Unless force is
// set, it refuses with ErrTeamBusy while any task is still pending or
// running.
func (s *Store) Teardown(team string, force bool) error {
	team = NormalizeTeamName(team)

	if !force {
		records, err := s.ListTasks(team)
		if err != nil {
			return err
		}
		for _, r := range records {
			if !r.Status.IsTerminal() {
				return fmt.Errorf("%w: task %s is %s", ErrTeamBusy, r.ID, r.Status)
			}
		}
	}

	if err := os.RemoveAll(s.TaskDir(team)); err != nil {
		return fmt.Errorf("taskstore: remove task dir: %w", err)
	}
	teamPath := s.TeamPath(team)
	if err := os.Remove(teamPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("taskstore: remove team metadata: %w", err)
	}
	// Lock files are derived artifacts; best-effort cleanup.
	_ = os.Remove(teamPath + ".lock")
	return nil
}

// writeAtomic persists v as indented JSON via write-to-temp-then-rename.
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("taskstore: create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("taskstore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("taskstore: rename temp file: %w", err)
	}
	return nil
}
