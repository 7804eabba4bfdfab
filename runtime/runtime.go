// Package runtime drives one agent's consumption loop: poll the broker,
// decode and filter each record, generate a reply through the provider
// gateway, publish it, and only then commit the offset. Everything an agent
// does between "record arrives" and "cursor moves" lives here.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fogfish/opts"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley"
	"github.com/parley-ai/parley/broker"
	"github.com/parley-ai/parley/guard"
	"github.com/parley-ai/parley/pkg/slogx"
	"github.com/parley-ai/parley/provider"
	"github.com/parley-ai/parley/wire"
)

// State is the lifecycle phase of a runtime. Transitions only move forward
// through the ordered phases, except that any phase may jump to StateErrored.
type State int32

const (
	StateStarting State = iota
	StateSubscribing
	StateRunning
	StateDraining
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Runtime defaults.
const (
	DefaultMaxBatch        = 32
	DefaultPollTimeout     = time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryBase       = time.Second
	DefaultRetryMax        = time.Minute
	DefaultDeadLetterTopic = "dead-letter"
	DefaultDrainTimeout    = 30 * time.Second
)

// ErrNotRunning is returned by Stop when the runtime was never started.
var ErrNotRunning = errors.New("runtime not running")

// Runtime runs one agent against one broker. It is created stopped; Start
// spawns the consumption loop and Stop drains it.
type Runtime struct {
	agent   parley.Agent
	broker  broker.Broker
	gateway *provider.Gateway
	log     *slog.Logger

	maxBatch        int
	pollTimeout     time.Duration
	maxAttempts     int
	retryBase       time.Duration
	retryMax        time.Duration
	deadLetterTopic string
	drainTimeout    time.Duration
	maxThreadDepth  int
	windowSize      int
	processedCap    int

	conversations *Conversations
	processed     *guard.ProcessedSet
	guard         *guard.Guard

	state   atomic.Int32
	states  chan State
	lastErr atomic.Value

	mu       sync.Mutex
	attempts map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
	draining atomic.Bool
}

var (
	// MaxBatch caps records taken per poll.
	MaxBatch = opts.ForName[Runtime, int]("maxBatch")
	// PollTimeout bounds a single broker poll.
	PollTimeout = opts.ForName[Runtime, time.Duration]("pollTimeout")
	// MaxAttempts caps generation attempts per message before dead-lettering.
	MaxAttempts = opts.ForName[Runtime, int]("maxAttempts")
	// RetryBase is the initial delay between generation attempts.
	RetryBase = opts.ForName[Runtime, time.Duration]("retryBase")
	// RetryMax caps the delay between generation attempts.
	RetryMax = opts.ForName[Runtime, time.Duration]("retryMax")
	// DeadLetterTopic overrides where exhausted messages are parked.
	DeadLetterTopic = opts.ForName[Runtime, string]("deadLetterTopic")
	// DrainTimeout bounds how long Stop waits for in-flight work.
	DrainTimeout = opts.ForName[Runtime, time.Duration]("drainTimeout")
	// MaxThreadDepth bounds agent-to-agent reply chains.
	MaxThreadDepth = opts.ForName[Runtime, int]("maxThreadDepth")
	// WindowSize bounds the per-thread conversation window.
	WindowSize = opts.ForName[Runtime, int]("windowSize")
	// ProcessedCapacity bounds the processed-id set.
	ProcessedCapacity = opts.ForName[Runtime, int]("processedCap")
)

// New assembles a runtime for the agent. The broker and gateway are shared
// infrastructure owned by the caller; the runtime owns its subscription,
// conversation state and cursor.
func New(agent parley.Agent, b broker.Broker, gw *provider.Gateway, options ...opts.Option[Runtime]) (*Runtime, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.New("runtime: broker is required")
	}
	if gw == nil {
		return nil, errors.New("runtime: gateway is required")
	}

	r := &Runtime{
		agent:           agent,
		broker:          b,
		gateway:         gw,
		maxBatch:        DefaultMaxBatch,
		pollTimeout:     DefaultPollTimeout,
		maxAttempts:     DefaultMaxAttempts,
		retryBase:       DefaultRetryBase,
		retryMax:        DefaultRetryMax,
		deadLetterTopic: DefaultDeadLetterTopic,
		drainTimeout:    DefaultDrainTimeout,
		maxThreadDepth:  guard.DefaultMaxThreadDepth,
		states:          make(chan State, 16),
		attempts:        make(map[string]int),
	}
	if err := opts.Apply(r, options); err != nil {
		return nil, err
	}

	r.log = slog.Default().With(slogx.AgentID(agent.ID()))
	r.conversations = NewConversations(r.windowSize, 0, 0)
	r.processed = guard.NewProcessedSet(r.processedCap)
	r.guard = guard.New(agent.ID(), r.processed, r.conversations.Depth, r.maxThreadDepth)
	r.state.Store(int32(StateStarting))
	return r, nil
}

// State returns the current lifecycle phase.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// States exposes lifecycle transitions as they happen. The channel is
// buffered and never blocks the runtime; a slow reader misses intermediate
// transitions, not the latest State().
func (r *Runtime) States() <-chan State {
	return r.states
}

// errBox gives lastErr a single concrete type to store.
type errBox struct{ err error }

// Err returns the failure that moved the runtime to StateErrored, if any.
func (r *Runtime) Err() error {
	if box, ok := r.lastErr.Load().(errBox); ok {
		return box.err
	}
	return nil
}

func (r *Runtime) setState(s State) {
	r.state.Store(int32(s))
	select {
	case r.states <- s:
	default:
	}
}

// Start spawns the consumption loop and returns once it is launched. The
// loop runs until Stop is called, ctx is cancelled, or an unrecoverable
// broker failure moves the runtime to StateErrored.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("runtime already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)
	return nil
}

// Stop drains the runtime: the loop finishes the batch it is on, in-flight
// generations complete, and processed offsets are committed. Work still
// pending after the drain timeout is abandoned uncommitted, to be redelivered
// on the next start.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	cancel := r.cancel
	r.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}

	r.draining.Store(true)

	grace := time.NewTimer(r.drainTimeout)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		r.log.Warn("drain timeout exceeded, abandoning in-flight work")
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
	cancel()
	return nil
}

func (r *Runtime) fail(err error) {
	r.lastErr.Store(errBox{err})
	r.log.Error("runtime failed", slogx.Error(err))
	r.setState(StateErrored)
}

func (r *Runtime) run(ctx context.Context) {
	defer close(r.done)

	r.setState(StateSubscribing)
	sub, err := r.subscribe(ctx)
	if err != nil {
		r.fail(err)
		return
	}
	defer sub.Close()

	r.log.Info("agent running",
		slog.String("group", r.agent.Group()),
		slog.Any("topics", r.agent.Topics()),
	)
	r.setState(StateRunning)

	for {
		if r.draining.Load() || ctx.Err() != nil {
			break
		}

		batch, err := r.broker.Poll(ctx, sub, r.maxBatch, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || r.draining.Load() {
				break
			}
			r.fail(err)
			return
		}
		if len(batch) == 0 {
			continue
		}

		if err := r.processBatch(ctx, sub, batch); err != nil {
			if ctx.Err() != nil || r.draining.Load() {
				break
			}
			r.fail(err)
			return
		}
	}

	r.setState(StateDraining)
	r.log.Info("agent stopped")
	r.setState(StateStopped)
}

// subscribe joins the agent's consumer group, retrying transient connection
// failures with exponential backoff before giving up.
func (r *Runtime) subscribe(ctx context.Context) (broker.Subscription, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.retryBase),
		backoff.WithMaxInterval(r.retryMax),
	)

	return backoff.RetryWithData(func() (broker.Subscription, error) {
		sub, err := r.broker.Subscribe(ctx, r.agent.Group(), r.agent.Topics())
		if err != nil {
			var connErr *broker.ConnectionError
			if errors.As(err, &connErr) {
				r.log.Warn("broker unreachable, retrying subscribe", slogx.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return sub, nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx))
}

// processBatch handles one polled batch. Partitions are processed
// concurrently, records within a partition strictly in order, and each
// partition's cursor is committed up to its last fully-handled record.
func (r *Runtime) processBatch(ctx context.Context, sub broker.Subscription, batch []broker.Record) error {
	type partitionKey struct {
		topic     string
		partition int32
	}
	parts := make(map[partitionKey][]broker.Record)
	var order []partitionKey
	for _, rec := range batch {
		key := partitionKey{rec.Topic, rec.Partition}
		if _, ok := parts[key]; !ok {
			order = append(order, key)
		}
		parts[key] = append(parts[key], rec)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, key := range order {
		recs := parts[key]
		eg.Go(func() error {
			return r.processPartition(egCtx, sub, key.topic, key.partition, recs)
		})
	}
	return eg.Wait()
}

func (r *Runtime) processPartition(ctx context.Context, sub broker.Subscription, topic string, partition int32, recs []broker.Record) error {
	committable := int64(-1)
	var failed error
	for _, rec := range recs {
		if err := r.processRecord(ctx, rec); err != nil {
			failed = err
			break
		}
		committable = rec.Offset
	}
	if committable >= 0 {
		if err := r.broker.CommitOffset(ctx, sub, topic, partition, committable); err != nil {
			return err
		}
	}
	return failed
}

// processRecord takes one record through the full pipeline. A nil return
// means the record's offset may be committed: either a reply was published,
// the message was rejected by the guard, it was undecodable, or it was
// dead-lettered. A non-nil return means the offset must NOT move, so the
// record is redelivered after a restart.
func (r *Runtime) processRecord(ctx context.Context, rec broker.Record) error {
	msg, err := wire.Decode(rec.Value)
	if err != nil {
		r.log.Warn("skipping undecodable record",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slogx.Error(err),
		)
		return nil
	}

	log := r.log.With(slogx.MessageID(msg.ID), slogx.Topic(msg.Topic))

	// Own replies coming back around still feed the conversation window.
	r.conversations.Observe(msg)

	ok, reason := r.guard.ShouldProcess(msg)
	if !ok {
		if reason == guard.RejectThreadDepth {
			log.Warn("reply withheld, thread depth exceeded",
				slog.String("thread_id", msg.ThreadID),
				slog.Int("depth", r.conversations.Depth(msg)),
			)
		} else {
			log.Debug("message filtered", slog.String("reason", string(reason)))
		}
		return nil
	}

	reply, err := r.generate(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.deadLetter(ctx, msg, err)
	}

	out := msg.Reply(r.agent.ID(), r.agent.Name(), reply.Content)
	data, err := wire.Encode(out)
	if err != nil {
		// A reply we built ourselves failing to encode is a bug, not a
		// transient condition. Park the original rather than loop on it.
		return r.deadLetter(ctx, msg, err)
	}

	if err := r.publish(ctx, out.Topic, []byte(out.ThreadID), data); err != nil {
		return err
	}
	log.Info("reply published",
		slog.String("reply_id", out.ID),
		slog.String("thread_id", out.ThreadID),
		slog.String("model", reply.Model),
	)

	r.conversations.Observe(out)
	r.processed.Add(msg.ID)
	r.clearAttempts(msg.ID)
	return nil
}

// generate runs the provider call with bounded in-place retries. Attempt
// counts are keyed by message id so a redelivered message resumes its budget
// instead of starting fresh.
func (r *Runtime) generate(ctx context.Context, msg wire.Message) (provider.Reply, error) {
	req := r.buildRequest(msg)

	delay := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.retryBase),
		backoff.WithMaxInterval(r.retryMax),
	)

	var lastErr error
	for r.takeAttempt(msg.ID) {
		reply, err := r.gateway.Generate(ctx, req)
		if err == nil {
			r.clearAttempts(msg.ID)
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return provider.Reply{}, err
		}
		r.log.Warn("generation attempt failed",
			slogx.MessageID(msg.ID),
			slog.Int("attempt", r.attemptCount(msg.ID)),
			slogx.Error(err),
		)
		if r.attemptCount(msg.ID) >= r.maxAttempts {
			break
		}

		select {
		case <-time.After(delay.NextBackOff()):
		case <-ctx.Done():
			return provider.Reply{}, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("generation attempts exhausted")
	}
	return provider.Reply{}, lastErr
}

func (r *Runtime) takeAttempt(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts[id] >= r.maxAttempts {
		return false
	}
	r.attempts[id]++
	return true
}

func (r *Runtime) attemptCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func (r *Runtime) clearAttempts(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, id)
}

// buildRequest assembles the prompt from the thread's window. The triggering
// message is already observed, so it is the newest turn.
func (r *Runtime) buildRequest(msg wire.Message) provider.Request {
	window := r.conversations.Window(msg.ThreadID)
	turns := make([]provider.Turn, 0, len(window))
	for _, m := range window {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderAgentID
		}
		turns = append(turns, provider.Turn{
			Sender:  sender,
			Content: m.Content,
			Self:    m.SenderAgentID == r.agent.ID(),
		})
	}
	return provider.Request{
		System: r.agent.SystemPrompt(),
		Turns:  turns,
	}
}

// deadLetter parks a message whose generation budget is exhausted and marks
// it processed so its offset can commit. The original envelope is preserved,
// tagged with the failure.
func (r *Runtime) deadLetter(ctx context.Context, msg wire.Message, cause error) error {
	tagged := msg.
		WithExtra("reason", cause.Error()).
		WithExtra("failed_agent_id", r.agent.ID())
	data, err := wire.Encode(tagged)
	if err != nil {
		return fmt.Errorf("encode dead letter for %s: %w", msg.ID, err)
	}

	if err := r.publish(ctx, r.deadLetterTopic, []byte(msg.ThreadID), data); err != nil {
		return err
	}
	r.log.Error("message dead-lettered",
		slogx.MessageID(msg.ID),
		slogx.Topic(r.deadLetterTopic),
		slogx.Error(cause),
	)

	r.processed.Add(msg.ID)
	r.clearAttempts(msg.ID)
	return nil
}

// publish writes a record with bounded retries. Exhausting the retries is
// unrecoverable for this runtime: the caller must not commit, so the
// triggering record is redelivered after a restart and the deterministic
// reply id keeps the retry convergent.
func (r *Runtime) publish(ctx context.Context, topic string, key, value []byte) error {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.retryBase),
		backoff.WithMaxInterval(r.retryMax),
	)

	op := func() error {
		_, err := r.broker.Publish(ctx, topic, key, value)
		if err != nil {
			r.log.Warn("publish failed, retrying", slogx.Topic(topic), slogx.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts)), ctx)); err != nil {
		return &broker.PublishError{Topic: topic, Err: err}
	}
	return nil
}
