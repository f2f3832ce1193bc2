package swarm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpawnAgent registers a new agent and starts its process. Empty spec fields
// are filled from the configured defaults. A runtime start failure marks the
// agent failed and is returned wrapped in ErrAgentInitFailed.
func (c *Coordinator) SpawnAgent(ctx context.Context, spec AgentSpec) (Agent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Agent{}, ErrClosed
	}
	e, err := c.spawnLocked(spec)
	if err != nil {
		c.mu.Unlock()
		return Agent{}, err
	}
	id := e.ID
	c.mu.Unlock()

	startErr := c.startAgent(ctx, id)

	c.mu.Lock()
	a := c.agents[id].Clone()
	c.mu.Unlock()
	if startErr != nil {
		return a, fmt.Errorf("%w: %v", ErrAgentInitFailed, startErr)
	}
	return a, nil
}

// spawnLocked validates capacity and records the agent as spawning. The
// caller is responsible for starting it.
func (c *Coordinator) spawnLocked(spec AgentSpec) (*agentEntry, error) {
	if c.liveAgentsLocked() >= c.cfg.MaxAgents {
		return nil, ErrCapacityExceeded
	}
	spec = c.withDefaults(spec)
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if strings.ContainsAny(spec.ID, ".*> \t\n") {
		return nil, fmt.Errorf("invalid agent id %q", spec.ID)
	}
	if _, exists := c.agents[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, spec.ID)
	}

	now := c.clock.Now()
	ctx, cancel := context.WithCancel(c.base)
	e := &agentEntry{
		Agent: Agent{
			ID:           spec.ID,
			Spec:         spec,
			Status:       AgentSpawning,
			CurrentTasks: []string{},
			Reputation:   clamp(c.cfg.InitialReputation),
			Endpoint:     c.endpoint(spec.ID),
			CreatedAt:    now,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	c.agents[spec.ID] = e

	c.logger.Info("agent spawning", "agent", spec.ID, "role", spec.Role)
	c.emit(EventAgentSpawned, spec.ID, "", map[string]any{"role": spec.Role})
	return e, nil
}

func (c *Coordinator) withDefaults(spec AgentSpec) AgentSpec {
	d := c.defaults
	if spec.Role == "" {
		spec.Role = d.Role
	}
	if spec.Specialization == "" {
		spec.Specialization = d.Specialization
	}
	if spec.Capabilities == nil {
		spec.Capabilities = slices.Clone(d.Capabilities)
	} else {
		spec.Capabilities = slices.Clone(spec.Capabilities)
	}
	if spec.MaxConcurrentTasks <= 0 {
		spec.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if spec.MaxConcurrentTasks <= 0 {
		spec.MaxConcurrentTasks = 1
	}
	if spec.Resources.MemoryMB == 0 {
		spec.Resources.MemoryMB = d.MemoryMB
	}
	if spec.Resources.CPUs == 0 {
		spec.Resources.CPUs = d.CPUs
	}
	if spec.Image == "" {
		spec.Image = d.Image
	}
	return spec
}

// startAgent runs the runtime start outside the lock and arms the grace check.
func (c *Coordinator) startAgent(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok || e.Status != AgentSpawning {
		c.mu.Unlock()
		return nil
	}
	a := e.Clone()
	actx := e.ctx
	c.mu.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(actx, cancel)
	err := c.runtime.Start(startCtx, a)
	stop()
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Status == AgentTerminated {
		// Terminated while starting; make sure nothing is left running.
		if err == nil {
			go c.stopRuntime(id)
		}
		return nil
	}
	if err != nil {
		e.Status = AgentFailed
		e.cancel()
		c.logger.Error("agent start failed", "agent", id, "error", err)
		c.emit(EventAgentFailed, id, "", map[string]any{"error": err.Error()})
		// No scheduling pass here: with an empty pool it would spawn the
		// next agent straight into the same failure.
		return err
	}

	e.Status = AgentInitializing
	e.grace = c.clock.AfterFunc(c.cfg.SpawnGrace, func() { c.confirmAgent(id) })
	return nil
}

// confirmAgent runs once the spawn grace period elapsed and promotes the
// agent to idle if its process is still alive.
func (c *Coordinator) confirmAgent(id string) {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok || e.Status != AgentInitializing {
		c.mu.Unlock()
		return
	}
	actx := e.ctx
	c.mu.Unlock()

	alive := c.runtime.IsAlive(actx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Status != AgentInitializing {
		return
	}
	if !alive {
		e.Status = AgentFailed
		e.cancel()
		c.logger.Error("agent died during initialization", "agent", id)
		c.emit(EventAgentFailed, id, "", map[string]any{"error": "not alive after spawn grace"})
		go c.stopRuntime(id)
		return
	}
	e.Status = AgentIdle
	e.LastHeartbeat = c.clock.Now()
	c.logger.Info("agent ready", "agent", id)
	c.emit(EventAgentReady, id, "", nil)
	c.scheduleLocked()
}

func (c *Coordinator) stopRuntime(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := c.runtime.Stop(ctx, id, c.cfg.StopTimeout); err != nil {
		c.logger.Warn("stop agent runtime failed", "agent", id, "error", err)
	}
}

// TerminateAgent retires an agent: in-flight work is cancelled and handed
// back to the dispatcher, then the process is stopped. Terminating an
// already terminated agent is a no-op.
func (c *Coordinator) TerminateAgent(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if e.Status == AgentTerminated {
		c.mu.Unlock()
		return nil
	}

	e.Status = AgentTerminated
	e.cancel()
	if e.grace != nil {
		e.grace.Stop()
	}
	for _, tid := range slices.Clone(e.CurrentTasks) {
		if t, ok := c.tasks[tid]; ok {
			c.reassignLocked(t, "agent terminated")
		}
	}
	e.CurrentTasks = []string{}
	c.logger.Info("agent terminated", "agent", id)
	c.emit(EventAgentTerminated, id, "", nil)
	timeout := c.cfg.StopTimeout
	c.mu.Unlock()

	if err := c.runtime.Stop(ctx, id, timeout); err != nil {
		c.logger.Warn("stop agent runtime failed", "agent", id, "error", err)
	}

	c.mu.Lock()
	c.scheduleLocked()
	c.mu.Unlock()
	return nil
}

// Heartbeat records that the agent is alive.
func (c *Coordinator) Heartbeat(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if e.Status.live() {
		e.LastHeartbeat = c.clock.Now()
	}
	return nil
}

// RunLivenessSweep evicts unresponsive agents every sweep interval until ctx
// is cancelled.
func (c *Coordinator) RunLivenessSweep(ctx context.Context) {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs a single liveness pass and returns the evicted agent IDs.
func (c *Coordinator) Sweep(ctx context.Context) []string {
	type candidate struct {
		id   string
		last time.Time
	}

	c.mu.Lock()
	var candidates []candidate
	for _, id := range c.sortedAgentIDsLocked() {
		e := c.agents[id]
		if e.Status.ready() {
			candidates = append(candidates, candidate{id: id, last: e.LastHeartbeat})
		}
	}
	timeout := c.cfg.HeartbeatTimeout
	c.mu.Unlock()

	now := c.clock.Now()
	var evicted []string
	for _, cand := range candidates {
		reason := ""
		if timeout > 0 && now.Sub(cand.last) > timeout {
			reason = "heartbeat timeout"
		} else if !c.runtime.IsAlive(ctx, cand.id) {
			reason = "process not alive"
		}
		if reason == "" {
			continue
		}
		c.logger.Warn("evicting unresponsive agent", "agent", cand.id, "reason", reason)
		if err := c.TerminateAgent(ctx, cand.id); err != nil {
			c.logger.Warn("evict agent failed", "agent", cand.id, "error", err)
			continue
		}
		evicted = append(evicted, cand.id)
	}
	return evicted
}

func (c *Coordinator) liveAgentsLocked() int {
	n := 0
	for _, e := range c.agents {
		if e.Status.live() {
			n++
		}
	}
	return n
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
