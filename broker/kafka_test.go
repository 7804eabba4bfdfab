package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The cursor bookkeeping runs without a cluster: the guard must only reflect
// offsets whose durable commit succeeded.
func TestKafkaCursorRecordedOnlyAfterCommit(t *testing.T) {
	sub := &kafkaSub{committed: make(map[string]map[int32]int64)}

	// Nothing recorded yet: a first attempt, and a retry after a failed
	// durable commit, must both be allowed through.
	assert.False(t, sub.alreadyCommitted("general", 0, 5))
	assert.False(t, sub.alreadyCommitted("general", 0, 5), "a failed commit leaves the offset retryable")

	sub.recordCommit("general", 0, 5)
	assert.True(t, sub.alreadyCommitted("general", 0, 5))
	assert.True(t, sub.alreadyCommitted("general", 0, 3), "older offsets never rewind the cursor")
	assert.False(t, sub.alreadyCommitted("general", 0, 6))
}

func TestKafkaCursorIsPerTopicPartition(t *testing.T) {
	sub := &kafkaSub{committed: make(map[string]map[int32]int64)}

	sub.recordCommit("general", 0, 5)
	assert.False(t, sub.alreadyCommitted("general", 1, 5), "partitions have independent cursors")
	assert.False(t, sub.alreadyCommitted("random", 0, 5), "topics have independent cursors")

	// Out-of-order recording keeps the highest offset.
	sub.recordCommit("general", 0, 3)
	assert.True(t, sub.alreadyCommitted("general", 0, 5))
}
