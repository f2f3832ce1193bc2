package natsbus

import (
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/task"
)

// Request and reply bodies exchanged with agents. All are JSON encoded.

type TaskRequest struct {
	Task task.Task `json:"task"`
}

type TaskReply struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type VoteRequest struct {
	Question string               `json:"question"`
	Options  []consensus.Decision `json:"options,omitempty"`
}

type VoteReply struct {
	Decision   consensus.Decision `json:"decision"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type Heartbeat struct {
	AgentID string `json:"agent_id"`
	Load    int    `json:"load"`
}
