package swarm

import (
	"context"
	"slices"
	"time"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/task"
)

type AgentStatus string

const (
	AgentSpawning     AgentStatus = "spawning"
	AgentInitializing AgentStatus = "initializing"
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentFailed       AgentStatus = "failed"
	AgentTerminated   AgentStatus = "terminated"
)

// live reports whether the agent counts against the pool size.
func (s AgentStatus) live() bool {
	switch s {
	case AgentSpawning, AgentInitializing, AgentIdle, AgentBusy:
		return true
	}
	return false
}

// ready reports whether the agent can take work or votes.
func (s AgentStatus) ready() bool {
	return s == AgentIdle || s == AgentBusy
}

type Resources struct {
	MemoryMB int64   `json:"memory_mb,omitempty"`
	CPUs     float64 `json:"cpus,omitempty"`
}

// AgentSpec is the immutable description an agent is spawned from.
type AgentSpec struct {
	ID                 string    `json:"id,omitempty"`
	Role               string    `json:"role"`
	Specialization     string    `json:"specialization,omitempty"`
	Capabilities       []string  `json:"capabilities,omitempty"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	Resources          Resources `json:"resources"`
	Image              string    `json:"image,omitempty"`
}

// Has reports whether the agent advertises the capability, either in its
// capability list or as its specialization.
func (s AgentSpec) Has(capability string) bool {
	return s.Specialization == capability || slices.Contains(s.Capabilities, capability)
}

type Agent struct {
	ID             string      `json:"id"`
	Spec           AgentSpec   `json:"spec"`
	Status         AgentStatus `json:"status"`
	CurrentTasks   []string    `json:"current_tasks"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	Reputation     float64     `json:"reputation"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	Endpoint       string      `json:"endpoint"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clone returns a deep copy safe to hand out of the coordinator lock.
func (a *Agent) Clone() Agent {
	c := *a
	c.Spec.Capabilities = slices.Clone(a.Spec.Capabilities)
	c.CurrentTasks = slices.Clone(a.CurrentTasks)
	if c.CurrentTasks == nil {
		c.CurrentTasks = []string{}
	}
	return c
}

// Stats is a point-in-time summary of the swarm.
type Stats struct {
	TotalAgents        int     `json:"total_agents"`
	ActiveAgents       int     `json:"active_agents"`
	IdleAgents         int     `json:"idle_agents"`
	BusyAgents         int     `json:"busy_agents"`
	FailedAgents       int     `json:"failed_agents"`
	TotalTasks         int     `json:"total_tasks"`
	CompletedTasks     int     `json:"completed_tasks"`
	FailedTasks        int     `json:"failed_tasks"`
	PendingTasks       int     `json:"pending_tasks"`
	InProgressTasks    int     `json:"in_progress_tasks"`
	AvgAgentReputation float64 `json:"avg_agent_reputation"`
}

// AgentRuntime owns agent processes. Implementations key their handles by
// agent ID and must tolerate Stop on an agent that never started.
type AgentRuntime interface {
	Start(ctx context.Context, a Agent) error
	Stop(ctx context.Context, agentID string, timeout time.Duration) error
	IsAlive(ctx context.Context, agentID string) bool
}

// Transport carries task and vote requests to agents. Errors wrapping
// ErrAgentUnreachable mean the agent could not be contacted at all.
type Transport interface {
	Execute(ctx context.Context, a Agent, t task.Task) (string, error)
	RequestVote(ctx context.Context, a Agent, question string, options []consensus.Decision) (consensus.Vote, error)
}

// History records terminal task outcomes and consensus rounds.
type History interface {
	RecordTask(ctx context.Context, t task.Task) error
	RecordConsensus(ctx context.Context, question string, out consensus.Outcome, votes []consensus.Vote) error
}

// Clock abstracts time so grace periods can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
