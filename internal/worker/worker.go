// Package worker is the agent side of the NATS protocol: it serves task and
// vote requests for one agent and publishes its heartbeats.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/task"
)

// Handler does the actual work of an agent.
type Handler interface {
	Execute(ctx context.Context, t task.Task) (string, error)
	Vote(ctx context.Context, question string, options []consensus.Decision) (consensus.Vote, error)
}

type Worker struct {
	id        string
	client    *natsbus.Client
	handler   Handler
	heartbeat time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
	load atomic.Int32
}

func New(client *natsbus.Client, agentID string, handler Handler, heartbeat time.Duration) *Worker {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &Worker{
		id:        agentID,
		client:    client,
		handler:   handler,
		heartbeat: heartbeat,
	}
}

// Listen subscribes to the agent's task and vote subjects. Requests are
// handled concurrently under ctx.
func (w *Worker) Listen(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.subs) > 0 {
		return nil
	}

	taskSub, err := w.client.Subscribe(natsbus.TopicAgentTask(w.id), func(msg *nats.Msg) {
		w.spawn(func() { w.handleTask(ctx, msg) })
	})
	if err != nil {
		return fmt.Errorf("subscribe tasks: %w", err)
	}
	voteSub, err := w.client.Subscribe(natsbus.TopicAgentVote(w.id), func(msg *nats.Msg) {
		w.spawn(func() { w.handleVote(ctx, msg) })
	})
	if err != nil {
		_ = taskSub.Unsubscribe()
		return fmt.Errorf("subscribe votes: %w", err)
	}
	w.subs = []*nats.Subscription{taskSub, voteSub}

	if err := w.client.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	return nil
}

// Run listens and publishes heartbeats until ctx is cancelled, then waits
// for in-flight requests to finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Listen(ctx); err != nil {
		return err
	}
	slog.Info("agent worker started", "agent", w.id)

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	w.beat()
	for {
		select {
		case <-ctx.Done():
			w.stop()
			slog.Info("agent worker stopped", "agent", w.id)
			return nil
		case <-ticker.C:
			w.beat()
		}
	}
}

func (w *Worker) stop() {
	w.mu.Lock()
	for _, s := range w.subs {
		_ = s.Unsubscribe()
	}
	w.subs = nil
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) spawn(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

func (w *Worker) beat() {
	hb := natsbus.Heartbeat{AgentID: w.id, Load: int(w.load.Load())}
	if err := w.client.PublishJSON(natsbus.TopicAgentHeartbeat(w.id), hb); err != nil {
		slog.Warn("publish heartbeat failed", "agent", w.id, "error", err)
	}
}

func (w *Worker) handleTask(ctx context.Context, msg *nats.Msg) {
	var req natsbus.TaskRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.respond(msg, natsbus.TaskReply{Error: "decode request: " + err.Error()})
		return
	}

	w.load.Add(1)
	defer w.load.Add(-1)

	slog.Debug("executing task", "agent", w.id, "task", req.Task.ID)
	out, err := w.handler.Execute(ctx, req.Task)
	if err != nil {
		slog.Warn("task failed", "agent", w.id, "task", req.Task.ID, "error", err)
		w.respond(msg, natsbus.TaskReply{Error: err.Error()})
		return
	}
	w.respond(msg, natsbus.TaskReply{Result: out})
}

func (w *Worker) handleVote(ctx context.Context, msg *nats.Msg) {
	var req natsbus.VoteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.respond(msg, natsbus.VoteReply{Error: "decode request: " + err.Error()})
		return
	}
	v, err := w.handler.Vote(ctx, req.Question, req.Options)
	if err != nil {
		w.respond(msg, natsbus.VoteReply{Error: err.Error()})
		return
	}
	w.respond(msg, natsbus.VoteReply{
		Decision:   v.Decision,
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
	})
}

func (w *Worker) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal reply failed", "agent", w.id, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("respond failed", "agent", w.id, "subject", msg.Subject, "error", err)
	}
}
