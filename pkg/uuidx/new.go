package uuidx

import "github.com/google/uuid"

// replyNamespace is the UUID namespace for deterministic reply identifiers.
// It never changes; changing it would break reply deduplication across
// releases.
var replyNamespace = uuid.MustParse("8a9c1e2f-4b3d-4f5a-9c7e-2d1b0a6f8e43")

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new UUID using the version 7 format and returns it
// as a string.
func NewString() string {
	return New().String()
}

// ReplyID derives a stable identifier for the reply an agent produces for a
// given message. The same (agent, message) pair always yields the same id,
// so a redelivered message that is generated twice converges to one reply id
// on the consumer side.
func ReplyID(agentID, inReplyTo string) string {
	return uuid.NewSHA1(replyNamespace, []byte(agentID+"\x00"+inReplyTo)).String()
}
