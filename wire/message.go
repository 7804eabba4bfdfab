package wire

import (
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/parley-ai/parley/pkg/uuidx"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Roles carried in the wire envelope.
const (
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Message is the envelope exchanged between agents over broker topics.
//
// ID is assigned once at creation and never changes. ThreadID groups a
// causally related exchange; a message that starts a conversation uses its
// own ID as the thread id. InReplyTo points at the parent message, if any.
type Message struct {
	ID            string
	Topic         string
	SenderAgentID string
	SenderName    string
	ThreadID      string
	InReplyTo     string
	CreatedAt     strfmt.DateTime
	Role          string
	Content       string

	// raw holds the envelope bytes this message was decoded from, so fields
	// this version does not know about survive a decode/encode round trip.
	raw []byte
}

// New creates a message that starts a new thread on the given topic.
func New(topic, senderID, senderName, content string) Message {
	id := uuidx.NewString()
	return Message{
		ID:            id,
		Topic:         topic,
		SenderAgentID: senderID,
		SenderName:    senderName,
		ThreadID:      id,
		CreatedAt:     Now(),
		Role:          RoleAgent,
		Content:       content,
	}
}

// Reply builds the reply an agent sends for this message. The reply id is
// derived deterministically from the replying agent and the original message
// id, so regenerating the reply after a redelivery yields the same id.
func (m Message) Reply(agentID, agentName, content string) Message {
	return Message{
		ID:            uuidx.ReplyID(agentID, m.ID),
		Topic:         m.Topic,
		SenderAgentID: agentID,
		SenderName:    agentName,
		ThreadID:      m.ThreadID,
		InReplyTo:     m.ID,
		CreatedAt:     Now(),
		Role:          RoleAgent,
		Content:       content,
	}
}

// Now returns the current time truncated to the precision that survives the
// wire encoding.
func Now() strfmt.DateTime {
	return strfmt.DateTime(time.Now().UTC().Truncate(time.Millisecond))
}

// Extra reads a field from the original envelope that is not part of the
// known schema. It returns a zero result for messages built locally.
func (m Message) Extra(path string) gjson.Result {
	if len(m.raw) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(m.raw, path)
}

// WithExtra returns a copy of the message with an additional envelope field
// set. Known schema fields always win over extras at encode time.
func (m Message) WithExtra(path string, value any) Message {
	base := m.raw
	if len(base) == 0 {
		base = []byte("{}")
	}
	out, err := sjson.SetBytes(base, path, value)
	if err != nil {
		return m
	}
	m.raw = out
	return m
}

// Equal reports whether two messages carry the same envelope fields. The
// preserved unknown-field bytes are not compared.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.Topic == o.Topic &&
		m.SenderAgentID == o.SenderAgentID &&
		m.SenderName == o.SenderName &&
		m.ThreadID == o.ThreadID &&
		m.InReplyTo == o.InReplyTo &&
		m.Role == o.Role &&
		m.Content == o.Content &&
		time.Time(m.CreatedAt).Equal(time.Time(o.CreatedAt))
}
