// Package mailbox provides durable, ordered, append-only message passing
// between the lead and teammate worker processes of a team.
//
// Each (team, agent) pair owns two JSONL logs, an inbox and an outbox,
// stored under <root>/<team>/<agent>/{inbox,outbox}.jsonl. Every append and
// every read takes the same per-file flock, so writers from different OS
// processes never interleave bytes within a line. Reads are cursor-based
// and never consume: each reader owns its own cursor, so one log can feed
// multiple independent consumers.
//
// A line that has been written but not yet newline-terminated is treated as
// not yet present: ReadFrom stops before it and does not advance the cursor
// past it. This guarantees no partial-message delivery under concurrent
// writers, at the cost of at-most-one-append-ahead latency. A complete but
// unparsable line is skipped while still advancing the cursor, so one
// corrupt record never stalls the channel.
package mailbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aldersonek/crew/internal/filelock"
)

// Mailbox provides file-based mailbox storage scoped to a data root.
type Mailbox struct {
	root string
}

// New creates a Mailbox rooted at the given directory.
// The directory structure is created lazily on first append.
func New(root string) *Mailbox {
	return &Mailbox{root: root}
}

// Path returns the log file path for one (channel, team, agent) log.
func (m *Mailbox) Path(channel Channel, team, agent string) string {
	return filepath.Join(m.root, team, agent, string(channel)+".jsonl")
}

// Append serializes msg as one JSONL line and appends it to the given log
// under the log's exclusive file lock, creating the file if absent. The
// message becomes visible to readers only once the full line, including
// its trailing newline, has been flushed.
//
// If msg.ID is empty a unique ID is generated; if msg.CreatedAt is zero the
// current time is used.
func (m *Mailbox) Append(channel Channel, team, agent string, msg Message) error {
	if !channel.IsValid() {
		return fmt.Errorf("mailbox: invalid channel %q", channel)
	}
	if team == "" {
		return fmt.Errorf("mailbox: team is required")
	}
	if agent == "" {
		return fmt.Errorf("mailbox: agent is required")
	}
	if msg.From == "" {
		return fmt.Errorf("mailbox: message From field is required")
	}
	if msg.To == "" {
		return fmt.Errorf("mailbox: message To field is required")
	}
	if !ValidateMessageType(msg.Type) {
		return fmt.Errorf("mailbox: invalid message type %q", msg.Type)
	}

	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.TeamName == "" {
		msg.TeamName = team
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailbox: marshal message: %w", err)
	}
	data = append(data, '\n')

	path := m.Path(channel, team, agent)
	return filelock.WithLock(path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mailbox: create directory: %w", err)
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("mailbox: open log for append: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("mailbox: append to log: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("mailbox: sync log: %w", err)
		}
		return f.Close()
	})
}

// ReadFrom returns all complete messages at or after the byte cursor, plus
// the cursor value to use for the next read. A missing log file yields no
// messages and the unchanged cursor.
//
// The cursor advances past corrupt-but-complete lines (which are skipped)
// but never past an unterminated trailing line, so re-reading from the
// returned cursor after a partial line completes yields that line exactly
// once.
func (m *Mailbox) ReadFrom(channel Channel, team, agent string, cursor int64) ([]Message, int64, error) {
	if !channel.IsValid() {
		return nil, cursor, fmt.Errorf("mailbox: invalid channel %q", channel)
	}
	if cursor < 0 {
		cursor = 0
	}

	path := m.Path(channel, team, agent)

	var messages []Message
	next := cursor

	err := filelock.WithLock(path, func() error {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("mailbox: open log: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.Seek(cursor, io.SeekStart); err != nil {
			return fmt.Errorf("mailbox: seek to cursor: %w", err)
		}

		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("mailbox: read log: %w", err)
		}

		for len(data) > 0 {
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				// Unterminated tail: a writer is mid-append. Treat as
				// not yet present and leave the cursor before it.
				break
			}

			line := data[:nl]
			data = data[nl+1:]
			next += int64(nl) + 1

			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				// Corrupt but complete: skip the record, keep the
				// cursor moving so one bad line cannot stall the channel.
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, cursor, err
	}

	return messages, next, nil
}

// Broadcast appends a broadcast message to the inbox of every listed agent.
// Delivery is per-agent best effort in order; the first append failure is
// returned and remaining agents are not attempted.
func (m *Mailbox) Broadcast(team, from string, agents []string, content string) error {
	for _, agent := range agents {
		if agent == from {
			continue
		}
		msg := Message{
			TeamName: team,
			From:     from,
			To:       agent,
			Type:     TypeBroadcast,
			Content:  content,
		}
		if err := m.Append(ChannelInbox, team, agent, msg); err != nil {
			return fmt.Errorf("mailbox: broadcast to %s: %w", agent, err)
		}
	}
	return nil
}

// RemoveTeam deletes all mailbox storage for a team.
func (m *Mailbox) RemoveTeam(team string) error {
	if team == "" {
		return fmt.Errorf("mailbox: team is required")
	}
	return os.RemoveAll(filepath.Join(m.root, team))
}

// idCounter provides per-process uniqueness for message IDs.
var idCounter atomic.Uint64

// generateID produces a unique message ID using timestamp, PID, and an
// atomic counter.
func generateID() string {
	return fmt.Sprintf("msg-%d-%d-%d", time.Now().UnixNano(), os.Getpid(), idCounter.Add(1))
}
