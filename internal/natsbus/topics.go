package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

// TopicAgentEndpoint is the subject root an agent serves under.
func TopicAgentEndpoint(agentID string) string {
	return "agent." + agentID
}

func TopicAgentTask(agentID string) string {
	return fmt.Sprintf("agent.%s.task", agentID)
}

func TopicAgentVote(agentID string) string {
	return fmt.Sprintf("agent.%s.vote", agentID)
}

func TopicAgentHeartbeat(agentID string) string {
	return fmt.Sprintf("agent.%s.heartbeat", agentID)
}

func TopicEventsSwarm(eventType string) string {
	return fmt.Sprintf("events.swarm.%s", eventType)
}

const (
	TopicHeartbeatAll   = "agent.*.heartbeat"
	TopicEventsAll      = "events.>"
	TopicEventsSwarmAll = "events.swarm.>"
)

// AgentIDFromTopic extracts the agent ID from an agent.<id>.<verb> subject.
func AgentIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "agent" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
