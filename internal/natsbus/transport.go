package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/task"
)

// Transport delivers task and vote requests over NATS request/reply.
type Transport struct {
	client *Client
}

func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

func (t *Transport) Execute(ctx context.Context, a swarm.Agent, tk task.Task) (string, error) {
	var reply TaskReply
	if err := t.request(ctx, TopicAgentTask(a.ID), TaskRequest{Task: tk}, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("%w: %s", swarm.ErrTaskExecutionFailed, reply.Error)
	}
	return reply.Result, nil
}

func (t *Transport) RequestVote(ctx context.Context, a swarm.Agent, question string, options []consensus.Decision) (consensus.Vote, error) {
	var reply VoteReply
	req := VoteRequest{Question: question, Options: options}
	if err := t.request(ctx, TopicAgentVote(a.ID), req, &reply); err != nil {
		return consensus.Vote{}, err
	}
	if reply.Error != "" {
		return consensus.Vote{}, fmt.Errorf("agent %s declined to vote: %s", a.ID, reply.Error)
	}
	return consensus.Vote{
		AgentID:    a.ID,
		Decision:   reply.Decision,
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (t *Transport) request(ctx context.Context, topic string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	msg, err := t.client.Request(ctx, topic, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("request %s: %w", topic, swarm.ErrAgentUnreachable)
		}
		return fmt.Errorf("request %s: %w", topic, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", topic, err)
	}
	return nil
}

// EventPublisher forwards swarm events to events.swarm.<type>.
type EventPublisher struct {
	client *Client
}

func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

func (p *EventPublisher) Publish(e swarm.Event) {
	if err := p.client.PublishJSON(TopicEventsSwarm(e.Type), e); err != nil {
		slog.Warn("publish swarm event failed", "type", e.Type, "error", err)
	}
}

// SubscribeHeartbeats calls fn with the agent ID of every heartbeat seen on
// the bus.
func SubscribeHeartbeats(client *Client, fn func(agentID string)) (*nats.Subscription, error) {
	return client.Subscribe(TopicHeartbeatAll, func(msg *nats.Msg) {
		if id, ok := AgentIDFromTopic(msg.Subject); ok {
			fn(id)
		}
	})
}
