package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := New("team-dev", "agent-1", "Ada", "hello from ada")
	msg.InReplyTo = ""

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, msg.Equal(decoded), "decode(encode(m)) should equal m")
	assert.Equal(t, msg.ID, decoded.ThreadID, "a fresh message starts its own thread")
}

func TestEncodeDeterministic(t *testing.T) {
	msg := New("general", "agent-2", "Brie", "same message, same bytes")

	first, err := Encode(msg)
	require.NoError(t, err)
	second, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncodeRejectsIncompleteMessages(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Message)
		field string
	}{
		{"missing id", func(m *Message) { m.ID = "" }, "id"},
		{"missing topic", func(m *Message) { m.Topic = "" }, "topic"},
		{"missing sender", func(m *Message) { m.SenderAgentID = "" }, "sender_agent_id"},
		{"missing content", func(m *Message) { m.Content = " " }, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := New("general", "agent-1", "Ada", "content")
			tt.mut(&msg)

			_, err := Encode(msg)
			var derr *DecodeError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.field, derr.Field)
		})
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `this is not json`},
		{"not an object", `[1,2,3]`},
		{"missing id", `{"topic":"general","sender_agent_id":"a1","content":"x"}`},
		{"missing topic", `{"id":"m1","sender_agent_id":"a1","content":"x"}`},
		{"missing sender", `{"id":"m1","topic":"general","content":"x"}`},
		{"missing content", `{"id":"m1","topic":"general","sender_agent_id":"a1"}`},
		{"blank content", `{"id":"m1","topic":"general","sender_agent_id":"a1","content":"  "}`},
		{"bad timestamp", `{"id":"m1","topic":"general","sender_agent_id":"a1","content":"x","created_at":"not-a-time"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			var derr *DecodeError
			assert.ErrorAs(t, err, &derr, "malformed envelopes must yield DecodeError, not a panic")
		})
	}
}

func TestDecodeDefaults(t *testing.T) {
	decoded, err := Decode([]byte(`{"id":"m1","topic":"general","sender_agent_id":"a1","content":"x"}`))
	require.NoError(t, err)

	assert.Equal(t, "m1", decoded.ThreadID, "missing thread_id falls back to the message id")
	assert.Equal(t, RoleAgent, decoded.Role)
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	raw := `{"id":"m1","topic":"general","sender_agent_id":"a1","thread_id":"t1",` +
		`"created_at":"2026-08-25T10:00:00.000Z","role":"agent","content":"hi",` +
		`"priority":"high","tags":["build","urgent"]}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "high", msg.Extra("priority").String())

	msg.Content = "edited"
	data, err := Encode(msg)
	require.NoError(t, err)

	again, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "edited", again.Content)
	assert.Equal(t, "high", again.Extra("priority").String(), "unknown fields are preserved, not dropped")
	assert.Equal(t, "urgent", again.Extra("tags.1").String())
}

func TestWithExtra(t *testing.T) {
	msg := New("dead-letter", "agent-1", "Ada", "poisoned")
	tagged := msg.WithExtra("reason", "generation retries exhausted")

	data, err := Encode(tagged)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "generation retries exhausted", decoded.Extra("reason").String())
}

func TestReply(t *testing.T) {
	orig := New("general", "agent-1", "Ada", "what is the plan?")
	reply := orig.Reply("agent-2", "Brie", "ship it")

	assert.Equal(t, orig.ID, reply.InReplyTo)
	assert.Equal(t, orig.ThreadID, reply.ThreadID, "thread id is inherited, never reassigned")
	assert.Equal(t, orig.Topic, reply.Topic)
	assert.Equal(t, "agent-2", reply.SenderAgentID)

	again := orig.Reply("agent-2", "Brie", "ship it")
	assert.Equal(t, reply.ID, again.ID, "reply ids are stable across regeneration")
}
