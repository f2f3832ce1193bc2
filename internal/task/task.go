// Package task defines the unit of work handled by the swarm and the
// decomposition of composite tasks into dependency-ordered subtasks.
package task

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is a unit of work. A task with Subtasks is composite: it is never sent
// to an agent and completes once all of its subtasks have completed.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Subtasks      []string   `json:"subtasks,omitempty"`
	Parent        string     `json:"parent,omitempty"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Status        Status     `json:"status"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	Priority      int        `json:"priority"`
	Attempts      int        `json:"attempts"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Composite reports whether the task was split into subtasks.
func (t *Task) Composite() bool {
	return len(t.Subtasks) > 0
}

// Terminal reports whether the task reached completed or failed.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Clone returns a deep copy safe to hand out of the coordinator lock.
func (t *Task) Clone() Task {
	c := *t
	c.Subtasks = slices.Clone(t.Subtasks)
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Capabilities = slices.Clone(t.Capabilities)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return c
}

// CanTransition reports whether moving a task from one status to another is
// allowed. The only way back to pending is reassignment.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending
	}
	return false
}
