// Package supervisor manages a fleet of agent runtimes: it starts them,
// watches their lifecycle, restarts the ones that fail with bounded
// exponential backoff, and shuts the fleet down together. One agent's
// failure never touches its siblings.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fogfish/opts"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley"
	"github.com/parley-ai/parley/internal/registry"
	"github.com/parley-ai/parley/pkg/slogx"
	"github.com/parley-ai/parley/runtime"
)

// Status is the supervisor's view of one agent.
type Status string

const (
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// Supervision defaults.
const (
	DefaultMaxRestarts    = 5
	DefaultRestartBackoff = time.Second
	DefaultRestartMax     = time.Minute
)

// ErrUnknownAgent is returned for operations on an agent the supervisor does
// not manage.
var ErrUnknownAgent = errors.New("unknown agent")

// Runner is the slice of the runtime lifecycle the supervisor depends on.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() runtime.State
	States() <-chan runtime.State
	Err() error
}

// Factory builds a fresh runner for an agent. Restarts go through the
// factory too, so a restarted agent gets clean conversation state and a
// cursor at its last committed offset.
type Factory func(agent parley.Agent) (Runner, error)

// Supervisor runs and watches a set of agents.
type Supervisor struct {
	factory Factory
	log     *slog.Logger

	maxRestarts    int
	restartBackoff time.Duration
	restartMax     time.Duration

	members registry.Registry[*member]
	wg      sync.WaitGroup
}

type member struct {
	agent parley.Agent

	mu     sync.Mutex
	runner Runner
	status Status
	cancel context.CancelFunc
}

var (
	// MaxRestarts caps restart attempts per agent before it is marked failed.
	MaxRestarts = opts.ForName[Supervisor, int]("maxRestarts")
	// RestartBackoff is the initial delay before a restart.
	RestartBackoff = opts.ForName[Supervisor, time.Duration]("restartBackoff")
	// RestartMax caps the delay between restarts.
	RestartMax = opts.ForName[Supervisor, time.Duration]("restartMax")
)

// New creates a supervisor that builds runtimes through the factory.
func New(factory Factory, options ...opts.Option[Supervisor]) (*Supervisor, error) {
	if factory == nil {
		return nil, errors.New("supervisor: factory is required")
	}
	s := &Supervisor{
		factory:        factory,
		log:            slog.Default(),
		maxRestarts:    DefaultMaxRestarts,
		restartBackoff: DefaultRestartBackoff,
		restartMax:     DefaultRestartMax,
		members:        registry.New[*member](),
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches a runtime per agent and begins watching them. Agents that
// fail validation or cannot subscribe are reported immediately; the rest keep
// running.
func (s *Supervisor) Start(ctx context.Context, agents ...parley.Agent) error {
	for _, agent := range agents {
		if err := agent.Validate(); err != nil {
			return err
		}
		if _, exists := s.members.Get(agent.ID()); exists {
			return fmt.Errorf("agent %s already supervised", agent.ID())
		}
	}

	for _, agent := range agents {
		if err := s.launch(ctx, agent); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context, agent parley.Agent) error {
	runner, err := s.factory(agent)
	if err != nil {
		return fmt.Errorf("build runtime for %s: %w", agent.ID(), err)
	}

	memberCtx, cancel := context.WithCancel(ctx)
	m := &member{
		agent:  agent,
		runner: runner,
		status: StatusRunning,
		cancel: cancel,
	}
	if err := runner.Start(memberCtx); err != nil {
		cancel()
		return fmt.Errorf("start agent %s: %w", agent.ID(), err)
	}
	s.members.Add(agent.ID(), m)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(memberCtx, m)
	}()
	return nil
}

// watch follows one member's lifecycle until it stops for good. Errored
// runtimes are rebuilt and restarted with exponential backoff; the restart
// budget covers the member's whole lifetime.
func (s *Supervisor) watch(ctx context.Context, m *member) {
	log := s.log.With(slogx.AgentID(m.agent.ID()))

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.restartBackoff),
		backoff.WithMaxInterval(s.restartMax),
	)
	restarts := 0

	for {
		runner := m.current()
		state, ok := s.awaitTerminal(ctx, runner)
		if !ok {
			m.setStatus(StatusStopped)
			return
		}

		if state == runtime.StateStopped {
			log.Info("agent stopped")
			m.setStatus(StatusStopped)
			return
		}

		// Errored. The sibling agents are unaffected; this one restarts.
		log.Error("agent runtime failed", slogx.Error(runner.Err()))
		if restarts >= s.maxRestarts {
			log.Error("restart budget exhausted, marking agent failed",
				slog.Int("restarts", restarts),
			)
			m.setStatus(StatusFailed)
			return
		}
		restarts++
		m.setStatus(StatusRestarting)

		wait := policy.NextBackOff()
		log.Warn("restarting agent",
			slog.Int("attempt", restarts),
			slog.Duration("backoff", wait),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			m.setStatus(StatusStopped)
			return
		}

		next, err := s.factory(m.agent)
		if err != nil {
			log.Error("rebuild failed, marking agent failed", slogx.Error(err))
			m.setStatus(StatusFailed)
			return
		}
		if err := next.Start(ctx); err != nil {
			log.Error("restart failed, marking agent failed", slogx.Error(err))
			m.setStatus(StatusFailed)
			return
		}
		m.replace(next)
		m.setStatus(StatusRunning)
	}
}

// awaitTerminal blocks until the runner reaches a terminal state. The second
// return is false when the supervisor's context ended first.
func (s *Supervisor) awaitTerminal(ctx context.Context, r Runner) (runtime.State, bool) {
	for {
		switch r.State() {
		case runtime.StateStopped, runtime.StateErrored:
			return r.State(), true
		default:
		}
		select {
		case <-r.States():
		case <-ctx.Done():
			return 0, false
		}
	}
}

// Status reports the supervisor's view of one agent.
func (s *Supervisor) Status(agentID string) (Status, bool) {
	m, ok := s.members.Get(agentID)
	if !ok {
		return "", false
	}
	return m.getStatus(), true
}

// Stop drains one agent and removes it from supervision.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	m, ok := s.members.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	err := m.current().Stop(ctx)
	m.cancel()
	m.setStatus(StatusStopped)
	s.members.Del(agentID)
	if errors.Is(err, runtime.ErrNotRunning) {
		return nil
	}
	return err
}

// Shutdown drains every supervised agent concurrently and waits for the
// watchers to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range s.members.Keys() {
		eg.Go(func() error {
			err := s.Stop(egCtx, id)
			if errors.Is(err, ErrUnknownAgent) {
				return nil
			}
			return err
		})
	}
	err := eg.Wait()
	s.wg.Wait()
	return err
}

func (m *member) current() Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner
}

func (m *member) replace(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

func (m *member) getStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *member) setStatus(st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = st
}
