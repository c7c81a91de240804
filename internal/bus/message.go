package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentcompany/agentcompany/internal/core"
)

// MessageType tags the payload shape carried by a Message.
type MessageType string

const (
	TypeTaskAssign       MessageType = "task_assign"
	TypeTaskResult       MessageType = "task_result"
	TypeReviewRequest    MessageType = "review_request"
	TypeReviewResponse   MessageType = "review_response"
	TypeConflictEscalate MessageType = "conflict_escalate"
	TypeMeetingInvite    MessageType = "meeting_invite"
	TypeMeetingStatement MessageType = "meeting_statement"
)

// Message is one addressed envelope on the bus.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds an addressed message with a fresh ID, the current UTC
// time and the payload serialized to JSON. A nil payload is allowed for
// types that carry everything in the envelope.
func NewMessage(msgType MessageType, from, to string, payload interface{}) (*Message, error) {
	m := &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, core.ErrInternal("PAYLOAD_ENCODE_FAILED", "encoding message payload").WithCause(err)
		}
		m.Payload = raw
	}
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return core.ErrValidation(core.CodeInvalidMessage,
			fmt.Sprintf("message %s has no payload", m.ID))
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return core.ErrValidation(core.CodeInvalidMessage,
			fmt.Sprintf("message %s payload does not decode", m.ID)).WithCause(err)
	}
	return nil
}

// Validate checks the fields every backend requires before accepting a
// send. The payload is opaque and not inspected.
func Validate(m *Message) error {
	if m == nil {
		return core.ErrValidation(core.CodeInvalidMessage, "message is nil")
	}
	var field string
	switch {
	case m.ID == "":
		field = "id"
	case m.Type == "":
		field = "type"
	case m.From == "":
		field = "from"
	case m.To == "":
		field = "to"
	default:
		return nil
	}
	return core.ErrValidation(core.CodeInvalidMessage,
		fmt.Sprintf("message %s is empty", field)).WithDetail("field", field)
}
