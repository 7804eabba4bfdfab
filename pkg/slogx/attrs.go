package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// ByteString creates a slog.Attr with the given key and a string
// representation of the byte slice value.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// Stringer creates a slog.Attr with the provided key and the string
// representation of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

const (
	// KeyAgentID is the attribute key used for agent identifiers.
	KeyAgentID = "agent_id"
	// KeyTopic is the attribute key used for topic names.
	KeyTopic = "topic"
	// KeyMessageID is the attribute key used for message identifiers.
	KeyMessageID = "message_id"
)

// AgentID returns an attribute carrying the agent identifier.
func AgentID(id string) slog.Attr {
	return slog.String(KeyAgentID, id)
}

// Topic returns an attribute carrying the topic name.
func Topic(name string) slog.Attr {
	return slog.String(KeyTopic, name)
}

// MessageID returns an attribute carrying the message identifier.
func MessageID(id string) slog.Attr {
	return slog.String(KeyMessageID, id)
}
