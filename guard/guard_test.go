package guard

import (
	"fmt"
	"testing"

	"github.com/parley-ai/parley/wire"
	"github.com/stretchr/testify/assert"
)

func TestRejectsSelfAuthored(t *testing.T) {
	g := New("agent-1", NewProcessedSet(16), nil, 0)

	msg := wire.New("general", "agent-1", "Ada", "talking to myself")
	ok, reason := g.ShouldProcess(msg)
	assert.False(t, ok, "an agent never reacts to its own output")
	assert.Equal(t, RejectSelfAuthored, reason)
}

func TestRejectsAlreadyProcessed(t *testing.T) {
	processed := NewProcessedSet(16)
	g := New("agent-1", processed, nil, 0)

	msg := wire.New("general", "agent-2", "Brie", "hello")
	ok, _ := g.ShouldProcess(msg)
	assert.True(t, ok)

	processed.Add(msg.ID)
	ok, reason := g.ShouldProcess(msg)
	assert.False(t, ok, "redelivered messages must be idempotent")
	assert.Equal(t, RejectDuplicate, reason)
}

func TestRejectsDeepThreads(t *testing.T) {
	// Synthetic ancestry: every message knows its own depth.
	depths := map[string]int{}
	depthOf := func(m wire.Message) int { return depths[m.ID] }

	g := New("agent-1", NewProcessedSet(16), depthOf, 10)

	chain := wire.New("general", "agent-2", "Brie", "root")
	depths[chain.ID] = 0
	for i := 1; i <= 11; i++ {
		chain = chain.Reply("agent-2", "Brie", fmt.Sprintf("reply %d", i))
		// Regenerated reply ids collide per (agent, parent); vary the id.
		chain.ID = fmt.Sprintf("msg-%d", i)
		depths[chain.ID] = i

		ok, reason := g.ShouldProcess(chain)
		if i <= 10 {
			assert.True(t, ok, "depth %d is within the bound", i)
		} else {
			assert.False(t, ok, "depth %d exceeds the bound", i)
			assert.Equal(t, RejectThreadDepth, reason)
		}
	}
}

func TestDefaultDepthFunc(t *testing.T) {
	g := New("agent-1", nil, nil, 0)

	root := wire.New("general", "agent-2", "Brie", "root")
	ok, _ := g.ShouldProcess(root)
	assert.True(t, ok)

	reply := root.Reply("agent-3", "Cal", "reply")
	ok, _ = g.ShouldProcess(reply)
	assert.True(t, ok, "a single reply is nowhere near the depth bound")
}

func TestProcessedSetEviction(t *testing.T) {
	s := NewProcessedSet(3)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	assert.Equal(t, 3, s.Len())

	s.Add("d")
	assert.Equal(t, 3, s.Len(), "capacity is a hard bound")
	assert.False(t, s.Contains("a"), "oldest entry is evicted first")
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("d"))

	s.Add("b") // duplicate add must not evict anything
	assert.True(t, s.Contains("c"))
}
