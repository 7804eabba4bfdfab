// Package guard decides whether an agent may react to an incoming message.
// It is the mechanism that keeps agents subscribed to overlapping topics
// from echoing each other forever: self-authored messages, already-processed
// ids and over-deep reply chains are all rejected before any generation
// happens.
package guard

import (
	"sync"

	"github.com/parley-ai/parley/wire"
)

// DefaultMaxThreadDepth bounds agent-to-agent reply chains. A reply whose
// ancestry is longer than this is withheld, never published.
const DefaultMaxThreadDepth = 10

// DefaultProcessedCapacity bounds the per-agent processed-id set.
const DefaultProcessedCapacity = 4096

// Reject names why a message was refused.
type Reject string

const (
	RejectNone         Reject = ""
	RejectSelfAuthored Reject = "self_authored"
	RejectDuplicate    Reject = "already_processed"
	RejectThreadDepth  Reject = "thread_depth_exceeded"
)

// DepthFunc resolves the number of ancestors in a message's in_reply_to
// chain. Implementations walk whatever conversation state the caller keeps;
// an unknown parent terminates the walk.
type DepthFunc func(msg wire.Message) int

// Guard applies the loop-prevention rules for one agent.
type Guard struct {
	agentID   string
	maxDepth  int
	processed *ProcessedSet
	depth     DepthFunc
}

// New creates a guard for the given agent. depth may be nil, in which case
// only direct parentage counts (depth 1 for any reply). maxDepth <= 0 uses
// the default.
func New(agentID string, processed *ProcessedSet, depth DepthFunc, maxDepth int) *Guard {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxThreadDepth
	}
	if depth == nil {
		depth = func(msg wire.Message) int {
			if msg.InReplyTo == "" {
				return 0
			}
			return 1
		}
	}
	return &Guard{
		agentID:   agentID,
		maxDepth:  maxDepth,
		processed: processed,
		depth:     depth,
	}
}

// ShouldProcess reports whether the agent may react to the message, and the
// rejection reason when it may not. It never mutates the processed set;
// marking a message processed is the caller's job, after the reply publish
// was acknowledged.
func (g *Guard) ShouldProcess(msg wire.Message) (bool, Reject) {
	if msg.SenderAgentID == g.agentID {
		return false, RejectSelfAuthored
	}
	if g.processed != nil && g.processed.Contains(msg.ID) {
		return false, RejectDuplicate
	}
	if g.depth(msg) > g.maxDepth {
		return false, RejectThreadDepth
	}
	return true, RejectNone
}

// ProcessedSet is a bounded set of message ids an agent has fully handled.
// It makes redelivery idempotent without growing without bound: once the
// capacity is reached the oldest entries are evicted first.
type ProcessedSet struct {
	mu       sync.Mutex
	capacity int
	ids      map[string]struct{}
	order    []string
	head     int
}

// NewProcessedSet creates a set bounded to capacity entries. capacity <= 0
// uses the default.
func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity <= 0 {
		capacity = DefaultProcessedCapacity
	}
	return &ProcessedSet{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Contains reports whether the id was already handled.
func (s *ProcessedSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add records the id, evicting the oldest entry when full. Adding an id that
// is already present is a no-op.
func (s *ProcessedSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) < s.capacity {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.head])
		s.order[s.head] = id
		s.head = (s.head + 1) % s.capacity
	}
	s.ids[id] = struct{}{}
}

// Len returns the number of ids currently retained.
func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
