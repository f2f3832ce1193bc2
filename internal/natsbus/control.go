package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/task"
)

// TopicControl carries control requests from hivectl and from agents that
// submit follow-up work.
const TopicControl = "hive.ctl"

const controlTimeout = 2 * time.Minute

type ControlRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ControlResponse struct {
	OK      bool               `json:"ok,omitempty"`
	Error   string             `json:"error,omitempty"`
	ID      string             `json:"id,omitempty"`
	Task    *task.Task         `json:"task,omitempty"`
	Stats   *swarm.Stats       `json:"stats,omitempty"`
	Outcome *consensus.Outcome `json:"outcome,omitempty"`
}

// ConsensusPayload is the payload of a "consensus" control request.
type ConsensusPayload struct {
	Question string               `json:"question"`
	Options  []consensus.Decision `json:"options,omitempty"`
	Method   string               `json:"method,omitempty"`
}

// Controller is the part of the coordinator reachable over the bus.
type Controller interface {
	SubmitTask(ctx context.Context, t task.Task) (string, error)
	Task(id string) (task.Task, bool)
	Stats() swarm.Stats
	RequestConsensus(ctx context.Context, question string, options []consensus.Decision, method consensus.Method) (consensus.Outcome, error)
}

// ServeControl answers control requests on TopicControl. Each request is
// handled on its own goroutine so a long consensus round does not stall
// the subscription.
func ServeControl(client *Client, ctl Controller) (*nats.Subscription, error) {
	return client.Subscribe(TopicControl, func(msg *nats.Msg) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			resp := handleControl(ctx, ctl, msg.Data)
			data, err := json.Marshal(resp)
			if err != nil {
				slog.Error("marshal control response", "error", err)
				return
			}
			if err := msg.Respond(data); err != nil {
				slog.Warn("control respond failed", "error", err)
			}
		}()
	})
}

func handleControl(ctx context.Context, ctl Controller, data []byte) ControlResponse {
	var req ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ControlResponse{Error: "invalid request: " + err.Error()}
	}

	switch req.Type {
	case "submit_task":
		var t task.Task
		if err := json.Unmarshal(req.Payload, &t); err != nil {
			return ControlResponse{Error: "invalid task: " + err.Error()}
		}
		if t.Description == "" {
			return ControlResponse{Error: "description is required"}
		}
		id, err := ctl.SubmitTask(ctx, task.Task{
			ID:           t.ID,
			Description:  t.Description,
			Priority:     t.Priority,
			Capabilities: t.Capabilities,
			Dependencies: t.Dependencies,
		})
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, ID: id}

	case "task_status":
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return ControlResponse{Error: "invalid payload: " + err.Error()}
		}
		t, ok := ctl.Task(body.ID)
		if !ok {
			return ControlResponse{Error: fmt.Sprintf("%v: %s", swarm.ErrTaskNotFound, body.ID)}
		}
		return ControlResponse{OK: true, ID: t.ID, Task: &t}

	case "stats":
		stats := ctl.Stats()
		return ControlResponse{OK: true, Stats: &stats}

	case "consensus":
		var body ConsensusPayload
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return ControlResponse{Error: "invalid payload: " + err.Error()}
		}
		var method consensus.Method
		if body.Method != "" {
			m, err := consensus.ParseMethod(body.Method)
			if err != nil {
				return ControlResponse{Error: err.Error()}
			}
			method = m
		}
		out, err := ctl.RequestConsensus(ctx, body.Question, body.Options, method)
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Outcome: &out}
	}

	return ControlResponse{Error: "unknown request type: " + req.Type}
}
