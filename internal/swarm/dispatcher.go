package swarm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hive/internal/task"
)

// SubmitTask registers a task, decomposes it into subtasks when a strategy
// applies and returns the task ID. The whole tree is pending when it returns;
// dispatch happens on a separate scheduling pass.
func (c *Coordinator) SubmitTask(ctx context.Context, t task.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, exists := c.tasks[t.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	for _, dep := range t.Dependencies {
		if _, ok := c.tasks[dep]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	now := c.clock.Now()
	parent := t.Clone()
	parent.Status = task.StatusPending
	parent.Subtasks = nil
	parent.Parent = ""
	parent.AssignedAgent = ""
	parent.Attempts = 0
	parent.Result, parent.Error = "", ""
	parent.CreatedAt, parent.UpdatedAt = now, now
	parent.StartedAt, parent.CompletedAt = nil, nil

	children := c.decomposer.Decompose(parent)
	for _, child := range children {
		if _, exists := c.tasks[child.ID]; exists {
			return "", fmt.Errorf("%w: %s", ErrDuplicateTask, child.ID)
		}
	}

	c.addTaskLocked(&parent)
	for i := range children {
		child := children[i]
		child.CreatedAt, child.UpdatedAt = now, now
		c.addTaskLocked(&child)
		parent.Subtasks = append(parent.Subtasks, child.ID)
	}

	c.logger.Info("task submitted", "task", parent.ID, "subtasks", len(children), "priority", parent.Priority)
	c.emit(EventTaskSubmitted, "", parent.ID, map[string]any{
		"description": parent.Description,
		"subtasks":    len(children),
	})

	c.async(c.schedule)
	return parent.ID, nil
}

func (c *Coordinator) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleLocked()
}

func (c *Coordinator) addTaskLocked(t *task.Task) {
	c.tasks[t.ID] = t
	c.order = append(c.order, t.ID)
}

// ReassignTask clears the task's assignment and sends it back through
// dispatch. A pending task is left as is.
func (c *Coordinator) ReassignTask(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Composite() {
		return fmt.Errorf("%w: %s", ErrTaskComposite, id)
	}
	switch t.Status {
	case task.StatusCompleted:
		return fmt.Errorf("%w: %s", ErrTaskCompleted, id)
	case task.StatusInProgress, task.StatusFailed:
		c.reassignLocked(t, "manual")
		c.reopenParentLocked(t)
	}
	c.scheduleLocked()
	return nil
}

// reassignLocked detaches the task from its agent and returns it to pending.
// Any running execution of the previous assignment is cancelled; a result
// that still arrives is discarded as stale.
func (c *Coordinator) reassignLocked(t *task.Task, reason string) {
	if !task.CanTransition(t.Status, task.StatusPending) {
		return
	}
	prev := t.AssignedAgent
	if cancel, ok := c.inflight[t.ID]; ok {
		cancel()
		delete(c.inflight, t.ID)
	}
	if e, ok := c.agents[prev]; ok {
		c.releaseLocked(e, t.ID)
	}
	t.AssignedAgent = ""
	t.Status = task.StatusPending
	t.StartedAt = nil
	t.UpdatedAt = c.clock.Now()

	c.logger.Info("task reassigned", "task", t.ID, "from", prev, "reason", reason)
	c.emit(EventTaskReassigned, prev, t.ID, map[string]any{"reason": reason})
}

// reopenParentLocked moves a failed composite parent back to pending when
// one of its children is retried. assignLocked promotes it again once a
// child runs.
func (c *Coordinator) reopenParentLocked(t *task.Task) {
	p, ok := c.tasks[t.Parent]
	if !ok || p.Status != task.StatusFailed {
		return
	}
	p.Status = task.StatusPending
	p.Error = ""
	p.StartedAt = nil
	p.CompletedAt = nil
	p.UpdatedAt = c.clock.Now()
}

func (c *Coordinator) releaseLocked(e *agentEntry, taskID string) {
	e.CurrentTasks = slices.DeleteFunc(e.CurrentTasks, func(id string) bool { return id == taskID })
	if len(e.CurrentTasks) == 0 && e.Status == AgentBusy {
		e.Status = AgentIdle
	}
}

// scheduleLocked dispatches every ready task it can place, growing the pool
// when load is high.
func (c *Coordinator) scheduleLocked() {
	if c.closed {
		return
	}
	for _, t := range c.readyTasksLocked() {
		c.dispatchLocked(t)
	}
}

// readyTasksLocked returns pending leaf tasks whose dependencies completed,
// by priority and then registration order.
func (c *Coordinator) readyTasksLocked() []*task.Task {
	var ready []*task.Task
	for _, id := range c.order {
		if t := c.tasks[id]; c.readyLocked(t) {
			ready = append(ready, t)
		}
	}
	slices.SortStableFunc(ready, func(a, b *task.Task) int {
		return b.Priority - a.Priority
	})
	return ready
}

func (c *Coordinator) readyLocked(t *task.Task) bool {
	if t.Status != task.StatusPending || t.Composite() {
		return false
	}
	for _, dep := range t.Dependencies {
		d, ok := c.tasks[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

func (c *Coordinator) dispatchLocked(t *task.Task) bool {
	if c.shouldSpawnLocked() {
		if e, err := c.spawnLocked(AgentSpec{}); err != nil {
			c.logger.Warn("scale up failed", "error", err)
		} else {
			go c.startAgent(c.base, e.ID)
		}
	}

	e := c.selectAgentLocked(t)
	if e == nil {
		return false
	}
	c.assignLocked(t, e)
	return true
}

// selectAgentLocked picks the best ready agent with a free slot. Scores are
// compared as-is and equal scores go to the lowest agent ID.
func (c *Coordinator) selectAgentLocked(t *task.Task) *agentEntry {
	var best *agentEntry
	var bestScore float64
	for _, id := range c.sortedAgentIDsLocked() {
		e := c.agents[id]
		if !e.Status.ready() || len(e.CurrentTasks) >= e.Spec.MaxConcurrentTasks {
			continue
		}
		s := score(e.Agent, t)
		if best == nil || s > bestScore {
			best, bestScore = e, s
		}
	}
	return best
}

func score(a Agent, t *task.Task) float64 {
	load := float64(len(a.CurrentTasks)) / float64(a.Spec.MaxConcurrentTasks)
	return 0.5*(1-load) + 0.4*a.Reputation + 0.1*capabilityMatch(a.Spec, t.Capabilities)
}

// capabilityMatch is the share of required capabilities the agent has.
func capabilityMatch(spec AgentSpec, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	n := 0
	for _, r := range required {
		if spec.Has(r) {
			n++
		}
	}
	return float64(n) / float64(len(required))
}

func (c *Coordinator) shouldSpawnLocked() bool {
	var live, capacity, load int
	for _, e := range c.agents {
		if !e.Status.live() {
			continue
		}
		live++
		capacity += e.Spec.MaxConcurrentTasks
		load += len(e.CurrentTasks)
	}
	return shouldSpawn(live, capacity, load, c.cfg.MaxAgents, c.cfg.WorkloadThreshold)
}

func shouldSpawn(live, capacity, load, maxAgents int, threshold float64) bool {
	if live >= maxAgents {
		return false
	}
	if live == 0 || capacity == 0 {
		return true
	}
	return float64(load)/float64(capacity) > threshold
}

func (c *Coordinator) assignLocked(t *task.Task, e *agentEntry) {
	now := c.clock.Now()
	t.Status = task.StatusInProgress
	t.AssignedAgent = e.ID
	t.Attempts++
	t.Error = ""
	t.StartedAt = &now
	t.UpdatedAt = now

	e.CurrentTasks = append(e.CurrentTasks, t.ID)
	e.Status = AgentBusy

	if p, ok := c.tasks[t.Parent]; ok && p.Status == task.StatusPending {
		p.Status = task.StatusInProgress
		p.StartedAt = &now
		p.UpdatedAt = now
	}

	ctx, cancel := withTimeout(e.ctx, c.cfg.TaskTimeout)
	c.inflight[t.ID] = cancel

	c.logger.Info("task assigned", "task", t.ID, "agent", e.ID, "attempt", t.Attempts)
	c.emit(EventTaskAssigned, e.ID, t.ID, map[string]any{"attempt": t.Attempts})

	go c.execute(ctx, cancel, e.Clone(), t.Clone())
}

func (c *Coordinator) execute(ctx context.Context, cancel context.CancelFunc, a Agent, t task.Task) {
	defer cancel()
	result, err := c.transport.Execute(ctx, a, t)
	if err != nil && !errors.Is(err, ErrAgentUnreachable) && !errors.Is(err, ErrTaskExecutionFailed) {
		err = fmt.Errorf("%w: %w", ErrTaskExecutionFailed, err)
	}
	c.finish(t.ID, a.ID, t.Attempts, result, err)
}

// finish applies an execution result if the assignment it belongs to is
// still current.
func (c *Coordinator) finish(taskID, agentID string, attempt int, result string, execErr error) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	e, eok := c.agents[agentID]
	if !ok || !eok || e.Status == AgentTerminated ||
		t.Status != task.StatusInProgress || t.AssignedAgent != agentID || t.Attempts != attempt {
		c.mu.Unlock()
		c.logger.Debug("stale task result discarded", "task", taskID, "agent", agentID, "attempt", attempt)
		return
	}

	delete(c.inflight, taskID)
	c.releaseLocked(e, taskID)
	now := c.clock.Now()
	t.UpdatedAt = now

	var recorded []task.Task
	terminate := false

	if execErr == nil {
		t.Status = task.StatusCompleted
		t.Result = result
		t.CompletedAt = &now
		e.CompletedCount++
		e.Reputation = clamp(e.Reputation + c.cfg.SuccessDelta)
		e.LastHeartbeat = now

		c.logger.Info("task completed", "task", t.ID, "agent", agentID)
		c.emit(EventTaskCompleted, agentID, t.ID, map[string]any{"result": truncate(result, 200)})
		recorded = c.onTaskCompletedLocked(t)
	} else {
		t.Status = task.StatusFailed
		t.Error = execErr.Error()
		e.FailedCount++
		e.Reputation = clamp(e.Reputation - c.cfg.FailureDelta)

		c.logger.Warn("task failed", "task", t.ID, "agent", agentID, "attempt", attempt, "error", execErr)
		c.emit(EventTaskFailed, agentID, t.ID, map[string]any{"error": t.Error, "attempt": attempt})

		if errors.Is(execErr, ErrAgentUnreachable) {
			// Keep it out of selection until TerminateAgent runs below.
			e.Status = AgentFailed
			terminate = true
		} else {
			e.LastHeartbeat = now
		}
		if t.Attempts < c.cfg.MaxAttempts {
			c.reassignLocked(t, "retry")
		} else {
			t.CompletedAt = &now
			recorded = append(recorded, t.Clone())
			recorded = append(recorded, c.failParentLocked(t)...)
		}
	}
	c.scheduleLocked()
	c.mu.Unlock()

	if terminate {
		if err := c.TerminateAgent(context.Background(), agentID); err != nil {
			c.logger.Warn("terminate unreachable agent failed", "agent", agentID, "error", err)
		}
	}
	c.record(recorded)
}

// onTaskCompletedLocked dispatches dependents unblocked by t and completes
// the parent when its last child finished. It returns the tasks that became
// terminal.
func (c *Coordinator) onTaskCompletedLocked(t *task.Task) []task.Task {
	done := []task.Task{t.Clone()}

	for _, id := range c.order {
		dep := c.tasks[id]
		if slices.Contains(dep.Dependencies, t.ID) && c.readyLocked(dep) {
			c.dispatchLocked(dep)
		}
	}

	p, ok := c.tasks[t.Parent]
	if !ok || p.Status == task.StatusCompleted {
		return done
	}
	for _, sid := range p.Subtasks {
		if s, ok := c.tasks[sid]; !ok || s.Status != task.StatusCompleted {
			return done
		}
	}
	now := c.clock.Now()
	p.Status = task.StatusCompleted
	p.Result = t.Result
	p.CompletedAt = &now
	p.UpdatedAt = now
	c.logger.Info("task completed", "task", p.ID, "subtasks", len(p.Subtasks))
	c.emit(EventTaskCompleted, "", p.ID, nil)
	return append(done, c.onTaskCompletedLocked(p)...)
}

func (c *Coordinator) failParentLocked(t *task.Task) []task.Task {
	p, ok := c.tasks[t.Parent]
	if !ok || !task.CanTransition(p.Status, task.StatusFailed) {
		return nil
	}
	now := c.clock.Now()
	p.Status = task.StatusFailed
	p.Error = fmt.Sprintf("subtask %s failed: %s", t.ID, t.Error)
	p.CompletedAt = &now
	p.UpdatedAt = now
	c.emit(EventTaskFailed, "", p.ID, map[string]any{"error": p.Error})
	return append([]task.Task{p.Clone()}, c.failParentLocked(p)...)
}

func (c *Coordinator) record(tasks []task.Task) {
	if c.history == nil {
		return
	}
	for _, t := range tasks {
		if err := c.history.RecordTask(context.Background(), t); err != nil {
			c.logger.Warn("record task failed", "task", t.ID, "error", err)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
