package mailbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel identifies one of the two logical message logs kept per agent.
type Channel string

const (
	// ChannelInbox holds messages addressed to the agent.
	ChannelInbox Channel = "inbox"

	// ChannelOutbox holds messages the agent emits for its lead.
	ChannelOutbox Channel = "outbox"
)

// IsValid returns true if this is a recognized channel value.
func (c Channel) IsValid() bool {
	return c == ChannelInbox || c == ChannelOutbox
}

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	// TypeMessage is a free-form message between agents.
	TypeMessage MessageType = "message"

	// TypeProgress carries a progress update from a running worker.
	TypeProgress MessageType = "progress"

	// TypeResult carries a worker's final result back to the lead.
	TypeResult MessageType = "result"

	// TypeStatus summarizes a failure or cancellation.
	TypeStatus MessageType = "status"

	// TypeBroadcast is a message fanned out to every agent in a team.
	TypeBroadcast MessageType = "broadcast"

	// TypeShutdownRequest asks a worker to cancel its task and exit.
	TypeShutdownRequest MessageType = "shutdown_request"

	// TypeShutdownResponse acknowledges a shutdown request.
	TypeShutdownResponse MessageType = "shutdown_response"

	// TypePlanApprovalResponse answers a worker's plan approval request.
	TypePlanApprovalResponse MessageType = "plan_approval_response"
)

var validMessageTypes = map[MessageType]bool{
	TypeMessage:              true,
	TypeProgress:             true,
	TypeResult:               true,
	TypeStatus:               true,
	TypeBroadcast:            true,
	TypeShutdownRequest:      true,
	TypeShutdownResponse:     true,
	TypePlanApprovalResponse: true,
}

// ValidateMessageType returns true if the given type is known.
func ValidateMessageType(t MessageType) bool {
	return validMessageTypes[t]
}

// LeadRecipient is the conventional "to" value for messages addressed to
// the team's lead process.
const LeadRecipient = "lead"

// Message is a single durable inter-agent communication. Messages are
// immutable once appended; ordering is the append order within one
// (team, agent, channel) log.
type Message struct {
	ID        string      `json:"id"`
	TeamName  string      `json:"teamName"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	TaskID    string      `json:"taskId,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Approve   *bool       `json:"approve,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ResultPayload is the structured content of a TypeResult message.
// It is encoded as JSON into Message.Content and decoded explicitly at the
// boundary rather than parsed ad hoc by each consumer.
type ResultPayload struct {
	ResultText   string `json:"resultText"`
	TokenCount   int64  `json:"tokenCount"`
	ToolUseCount int    `json:"toolUseCount"`
	DurationMs   int64  `json:"durationMs"`
	Interrupted  bool   `json:"interrupted,omitempty"`
}

// EncodeResultPayload serializes a ResultPayload for Message.Content.
func EncodeResultPayload(p ResultPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("mailbox: encode result payload: %w", err)
	}
	return string(data), nil
}

// DecodeResultPayload parses the content of a TypeResult message.
func DecodeResultPayload(m Message) (ResultPayload, error) {
	if m.Type != TypeResult {
		return ResultPayload{}, fmt.Errorf("mailbox: message type %q is not %q", m.Type, TypeResult)
	}
	var p ResultPayload
	if err := json.Unmarshal([]byte(m.Content), &p); err != nil {
		return ResultPayload{}, fmt.Errorf("mailbox: decode result payload: %w", err)
	}
	return p, nil
}
