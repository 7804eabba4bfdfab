package runtime

import (
	"sync"
	"time"

	"github.com/parley-ai/parley/wire"
)

// Conversation store defaults.
const (
	DefaultWindowSize    = 10
	DefaultMaxThreads    = 256
	DefaultThreadTimeout = 24 * time.Hour
)

// Conversations keeps the per-thread context an agent feeds into generation:
// a bounded window of the most recent messages per thread, plus a depth index
// used to bound reply chains. Threads are evicted when idle past the timeout
// or when the thread count exceeds its cap (oldest first).
type Conversations struct {
	window        int
	maxThreads    int
	threadTimeout time.Duration

	mu      sync.Mutex
	threads map[string]*thread
	depths  *depthIndex

	now func() time.Time
}

type thread struct {
	msgs     []wire.Message
	seen     map[string]struct{}
	lastSeen time.Time
}

// NewConversations creates a store with the given per-thread window size,
// thread cap, and idle timeout. Non-positive arguments take the defaults.
func NewConversations(window, maxThreads int, threadTimeout time.Duration) *Conversations {
	if window <= 0 {
		window = DefaultWindowSize
	}
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	if threadTimeout <= 0 {
		threadTimeout = DefaultThreadTimeout
	}
	return &Conversations{
		window:        window,
		maxThreads:    maxThreads,
		threadTimeout: threadTimeout,
		threads:       make(map[string]*thread),
		depths:        newDepthIndex(maxThreads * window),
		now:           time.Now,
	}
}

// Observe records a message into its thread's window. Both inbound messages
// and the agent's own replies go through here so the window reflects the
// whole exchange. Re-observing a message id is a no-op.
func (c *Conversations) Observe(msg wire.Message) {
	if msg.ID == "" || msg.ThreadID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	th, ok := c.threads[msg.ThreadID]
	if !ok {
		c.evictLocked()
		th = &thread{seen: make(map[string]struct{})}
		c.threads[msg.ThreadID] = th
	}
	if _, dup := th.seen[msg.ID]; dup {
		th.lastSeen = c.now()
		return
	}

	th.seen[msg.ID] = struct{}{}
	th.msgs = append(th.msgs, msg)
	if len(th.msgs) > c.window {
		evicted := th.msgs[0]
		delete(th.seen, evicted.ID)
		th.msgs = append(th.msgs[:0], th.msgs[1:]...)
	}
	th.lastSeen = c.now()

	c.depths.set(msg.ID, c.depthLocked(msg))
}

// Depth resolves the reply-chain depth of a message: zero for a thread
// opener, one more than its parent otherwise. A parent that is no longer
// indexed terminates the walk, so depth is never underreported for chains
// the store has seen.
func (c *Conversations) Depth(msg wire.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depthLocked(msg)
}

func (c *Conversations) depthLocked(msg wire.Message) int {
	if msg.InReplyTo == "" {
		return 0
	}
	if d, ok := c.depths.get(msg.InReplyTo); ok {
		return d + 1
	}
	return 1
}

// Window returns a copy of the thread's message window, oldest first.
func (c *Conversations) Window(threadID string) []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	th, ok := c.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]wire.Message, len(th.msgs))
	copy(out, th.msgs)
	return out
}

// Threads returns the number of live threads, evicting stale ones first.
func (c *Conversations) Threads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	return len(c.threads)
}

// evictLocked drops threads idle past the timeout, then the oldest thread if
// the store is still at capacity.
func (c *Conversations) evictLocked() {
	cutoff := c.now().Add(-c.threadTimeout)
	for id, th := range c.threads {
		if th.lastSeen.Before(cutoff) {
			delete(c.threads, id)
		}
	}
	for len(c.threads) >= c.maxThreads {
		var oldestID string
		var oldest time.Time
		for id, th := range c.threads {
			if oldestID == "" || th.lastSeen.Before(oldest) {
				oldestID, oldest = id, th.lastSeen
			}
		}
		delete(c.threads, oldestID)
	}
}

// depthIndex is a bounded message-id to depth map. When full, the oldest
// entry is evicted.
type depthIndex struct {
	capacity int
	vals     map[string]int
	order    []string
	head     int
}

func newDepthIndex(capacity int) *depthIndex {
	if capacity <= 0 {
		capacity = DefaultMaxThreads * DefaultWindowSize
	}
	return &depthIndex{
		capacity: capacity,
		vals:     make(map[string]int, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (d *depthIndex) get(id string) (int, bool) {
	v, ok := d.vals[id]
	return v, ok
}

func (d *depthIndex) set(id string, depth int) {
	if _, ok := d.vals[id]; ok {
		d.vals[id] = depth
		return
	}
	if len(d.vals) >= d.capacity {
		evicted := d.order[d.head]
		delete(d.vals, evicted)
		d.order[d.head] = id
		d.head = (d.head + 1) % len(d.order)
	} else {
		d.order = append(d.order, id)
	}
	d.vals[id] = depth
}
