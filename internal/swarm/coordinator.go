// Package swarm supervises a pool of agents: it spawns and retires them,
// dispatches tasks to them and polls them for consensus decisions.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/task"
)

type agentEntry struct {
	Agent
	ctx    context.Context
	cancel context.CancelFunc
	grace  Timer
}

type Coordinator struct {
	cfg        config.SwarmConfig
	defaults   config.AgentDefaults
	runtime    AgentRuntime
	transport  Transport
	clock      Clock
	logger     *slog.Logger
	events     EventSink
	history    History
	decomposer *task.Decomposer
	endpoint   func(agentID string) string
	// async runs deferred scheduling passes.
	async func(func())

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	agents   map[string]*agentEntry
	tasks    map[string]*task.Task
	order    []string // task IDs in registration order
	inflight map[string]context.CancelFunc
	closed   bool
}

type Option func(*Coordinator)

func WithClock(clk Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithEvents(sink EventSink) Option {
	return func(c *Coordinator) { c.events = sink }
}

func WithHistory(h History) Option {
	return func(c *Coordinator) { c.history = h }
}

func WithDecomposer(d *task.Decomposer) Option {
	return func(c *Coordinator) { c.decomposer = d }
}

// WithEndpoints sets how an agent's endpoint address is derived from its ID.
func WithEndpoints(fn func(agentID string) string) Option {
	return func(c *Coordinator) { c.endpoint = fn }
}

func New(cfg config.Config, runtime AgentRuntime, transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg.Swarm,
		defaults:   cfg.Defaults,
		runtime:    runtime,
		transport:  transport,
		clock:      realClock{},
		logger:     slog.Default(),
		events:     nopSink{},
		decomposer: task.NewDecomposer(),
		endpoint:   func(id string) string { return "agent." + id },
		async:      func(f func()) { go f() },
		agents:     make(map[string]*agentEntry),
		tasks:      make(map[string]*task.Task),
		inflight:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxAttempts <= 0 {
		c.cfg.MaxAttempts = 1
	}
	c.base, c.cancel = context.WithCancel(context.Background())
	return c
}

// UpdateConfig applies reloadable tuning. Running agents keep their specs.
func (c *Coordinator) UpdateConfig(swarm config.SwarmConfig, defaults config.AgentDefaults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = swarm
	if c.cfg.MaxAttempts <= 0 {
		c.cfg.MaxAttempts = 1
	}
	c.defaults = defaults
	c.scheduleLocked()
}

// RequestConsensus polls every idle or busy agent for a vote and aggregates
// the answers. Agents that fail to answer in time are left out of the tally.
func (c *Coordinator) RequestConsensus(ctx context.Context, question string, options []consensus.Decision, method consensus.Method) (consensus.Outcome, error) {
	if method == "" {
		m, err := consensus.ParseMethod(c.cfg.DefaultMethod)
		if err != nil {
			return consensus.Outcome{}, err
		}
		method = m
	}

	type voter struct {
		agent Agent
		ctx   context.Context
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return consensus.Outcome{}, ErrClosed
	}
	var voters []voter
	for _, id := range c.sortedAgentIDsLocked() {
		e := c.agents[id]
		if e.Status.ready() {
			voters = append(voters, voter{agent: e.Clone(), ctx: e.ctx})
		}
	}
	voteTimeout := c.cfg.VoteTimeout
	quorum := c.cfg.QuorumThreshold
	c.mu.Unlock()

	ballots := make([]*consensus.Vote, len(voters))
	var g errgroup.Group
	for i, v := range voters {
		g.Go(func() error {
			vctx, cancel := withTimeout(ctx, voteTimeout)
			defer cancel()
			stop := context.AfterFunc(v.ctx, cancel)
			defer stop()

			vote, err := c.transport.RequestVote(vctx, v.agent, question, options)
			if err != nil {
				c.logger.Warn("vote request failed", "agent", v.agent.ID, "error", err)
				return nil
			}
			vote.AgentID = v.agent.ID
			if vote.Timestamp.IsZero() {
				vote.Timestamp = c.clock.Now().UTC()
			}
			ballots[i] = &vote
			return nil
		})
	}
	_ = g.Wait()

	var votes []consensus.Vote
	c.mu.Lock()
	now := c.clock.Now()
	for _, b := range ballots {
		if b == nil {
			continue
		}
		e, ok := c.agents[b.AgentID]
		if !ok || e.Status == AgentTerminated {
			continue
		}
		e.LastHeartbeat = now
		if len(options) > 0 && !slices.Contains(options, b.Decision) {
			c.logger.Warn("vote outside options discarded", "agent", b.AgentID, "decision", b.Decision.String())
			continue
		}
		votes = append(votes, *b)
	}

	out := consensus.Reach(votes, method, consensus.WithQuorum(quorum))
	c.emit(EventConsensusComplete, "", "", map[string]any{
		"question":   question,
		"method":     string(out.Method),
		"decision":   out.Decision.Value(),
		"confidence": out.Confidence,
		"reached":    out.Reached,
		"votes":      out.Votes,
	})
	c.mu.Unlock()

	c.logger.Info("consensus round finished", "method", method, "votes", len(votes), "reached", out.Reached, "decision", out.Decision.String())

	if c.history != nil {
		if err := c.history.RecordConsensus(ctx, question, out, votes); err != nil {
			c.logger.Warn("record consensus failed", "error", err)
		}
	}
	return out, nil
}

// Stats summarizes the agent and task tables. Terminated agents are left out.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	var repSum float64
	for _, e := range c.agents {
		switch e.Status {
		case AgentTerminated:
			continue
		case AgentIdle:
			s.IdleAgents++
		case AgentBusy:
			s.BusyAgents++
		case AgentFailed:
			s.FailedAgents++
		}
		s.TotalAgents++
		repSum += e.Reputation
	}
	s.ActiveAgents = s.IdleAgents + s.BusyAgents
	if s.TotalAgents > 0 {
		s.AvgAgentReputation = repSum / float64(s.TotalAgents)
	}

	for _, t := range c.tasks {
		s.TotalTasks++
		switch t.Status {
		case task.StatusPending:
			s.PendingTasks++
		case task.StatusInProgress:
			s.InProgressTasks++
		case task.StatusCompleted:
			s.CompletedTasks++
		case task.StatusFailed:
			s.FailedTasks++
		}
	}
	return s
}

func (c *Coordinator) Task(id string) (task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns every task in registration order.
func (c *Coordinator) Tasks() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]task.Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].Clone())
	}
	return out
}

func (c *Coordinator) Agent(id string) (Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.agents[id]
	if !ok {
		return Agent{}, false
	}
	return e.Clone(), true
}

// Agents returns every known agent, terminated ones included, sorted by ID.
func (c *Coordinator) Agents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.sortedAgentIDsLocked()
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.agents[id].Clone())
	}
	return out
}

// Close stops dispatching and terminates every remaining agent in parallel.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var ids []string
	for id, e := range c.agents {
		if e.Status != AgentTerminated {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.TerminateAgent(gctx, id); err != nil {
				return fmt.Errorf("terminate agent %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	c.cancel()
	return err
}

func (c *Coordinator) sortedAgentIDsLocked() []string {
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
