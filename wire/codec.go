package wire

import (
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DecodeError reports a malformed envelope. Decoding never panics on partial
// data; callers are expected to log and skip the record.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode envelope: %s", e.Reason)
	}
	return fmt.Sprintf("decode envelope: field %q %s", e.Field, e.Reason)
}

// envelope mirrors the wire schema. Field order here fixes the key order of
// freshly encoded messages, which keeps encoding deterministic.
type envelope struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	SenderAgentID string          `json:"sender_agent_id"`
	SenderName    string          `json:"sender_name,omitempty"`
	ThreadID      string          `json:"thread_id"`
	InReplyTo     string          `json:"in_reply_to,omitempty"`
	CreatedAt     strfmt.DateTime `json:"created_at"`
	Role          string          `json:"role"`
	Content       string          `json:"content"`
}

// Encode serializes a message to its broker record value. Encoding the same
// message always yields the same bytes. Messages decoded from the wire are
// re-encoded on top of their original bytes so unknown fields are kept.
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	if m.ThreadID == "" {
		m.ThreadID = m.ID
	}
	if m.Role == "" {
		m.Role = RoleAgent
	}

	env := envelope{
		ID:            m.ID,
		Topic:         m.Topic,
		SenderAgentID: m.SenderAgentID,
		SenderName:    m.SenderName,
		ThreadID:      m.ThreadID,
		InReplyTo:     m.InReplyTo,
		CreatedAt:     m.CreatedAt,
		Role:          m.Role,
		Content:       m.Content,
	}

	if len(m.raw) == 0 {
		return json.Marshal(env)
	}
	return overlay(m.raw, env)
}

// overlay writes the known fields over the original envelope bytes.
func overlay(base []byte, env envelope) ([]byte, error) {
	out := base
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}

	set("id", env.ID)
	set("topic", env.Topic)
	set("sender_agent_id", env.SenderAgentID)
	if env.SenderName != "" {
		set("sender_name", env.SenderName)
	}
	set("thread_id", env.ThreadID)
	if env.InReplyTo == "" {
		if err == nil {
			out, err = sjson.DeleteBytes(out, "in_reply_to")
		}
	} else {
		set("in_reply_to", env.InReplyTo)
	}
	set("created_at", env.CreatedAt.String())
	set("role", env.Role)
	set("content", env.Content)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses a broker record value into a Message. It rejects envelopes
// missing id, topic or sender_agent_id with a *DecodeError. A missing
// thread_id falls back to the message id, per the thread start rule.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, &DecodeError{Reason: "not valid JSON"}
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Message{}, &DecodeError{Reason: "not a JSON object"}
	}

	m := Message{
		ID:            strings.TrimSpace(doc.Get("id").String()),
		Topic:         strings.TrimSpace(doc.Get("topic").String()),
		SenderAgentID: strings.TrimSpace(doc.Get("sender_agent_id").String()),
		SenderName:    doc.Get("sender_name").String(),
		ThreadID:      strings.TrimSpace(doc.Get("thread_id").String()),
		InReplyTo:     doc.Get("in_reply_to").String(),
		Role:          doc.Get("role").String(),
		Content:       doc.Get("content").String(),
	}

	switch {
	case m.ID == "":
		return Message{}, &DecodeError{Field: "id", Reason: "is required"}
	case m.Topic == "":
		return Message{}, &DecodeError{Field: "topic", Reason: "is required"}
	case m.SenderAgentID == "":
		return Message{}, &DecodeError{Field: "sender_agent_id", Reason: "is required"}
	case strings.TrimSpace(m.Content) == "":
		return Message{}, &DecodeError{Field: "content", Reason: "is required"}
	}

	if ts := doc.Get("created_at"); ts.Exists() && ts.String() != "" {
		dt, err := strfmt.ParseDateTime(ts.String())
		if err != nil {
			return Message{}, &DecodeError{Field: "created_at", Reason: err.Error()}
		}
		m.CreatedAt = dt
	}
	if m.ThreadID == "" {
		m.ThreadID = m.ID
	}
	if m.Role == "" {
		m.Role = RoleAgent
	}

	m.raw = append([]byte(nil), data...)
	return m, nil
}

func validate(m Message) error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return &DecodeError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(m.Topic) == "":
		return &DecodeError{Field: "topic", Reason: "is required"}
	case strings.TrimSpace(m.SenderAgentID) == "":
		return &DecodeError{Field: "sender_agent_id", Reason: "is required"}
	case strings.TrimSpace(m.Content) == "":
		return &DecodeError{Field: "content", Reason: "is required"}
	}
	return nil
}
