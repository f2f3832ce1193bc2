package swarm

import "time"

const (
	EventAgentSpawned      = "agent_spawned"
	EventAgentReady        = "agent_ready"
	EventAgentFailed       = "agent_failed"
	EventAgentTerminated   = "agent_terminated"
	EventTaskSubmitted     = "task_submitted"
	EventTaskAssigned      = "task_assigned"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventTaskReassigned    = "task_reassigned"
	EventConsensusComplete = "consensus_completed"
)

type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSink receives swarm events. Publish is called with the coordinator
// lock held and must not block.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func (c *Coordinator) emit(typ, agentID, taskID string, data map[string]any) {
	c.events.Publish(Event{
		Type:      typ,
		AgentID:   agentID,
		TaskID:    taskID,
		Timestamp: c.clock.Now().UTC(),
		Data:      data,
	})
}
