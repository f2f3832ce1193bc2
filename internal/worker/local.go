package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// LocalRuntime runs agents as in-process workers, each with its own NATS
// connection.
type LocalRuntime struct {
	url       string
	handler   func(a swarm.Agent) Handler
	heartbeat time.Duration

	mu      sync.Mutex
	workers map[string]*localWorker
}

type localWorker struct {
	client *natsbus.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLocalRuntime(url string, heartbeat time.Duration, handler func(a swarm.Agent) Handler) *LocalRuntime {
	if handler == nil {
		handler = func(swarm.Agent) Handler { return EchoHandler{} }
	}
	return &LocalRuntime{
		url:       url,
		handler:   handler,
		heartbeat: heartbeat,
		workers:   make(map[string]*localWorker),
	}
}

func (r *LocalRuntime) Start(ctx context.Context, a swarm.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[a.ID]; exists {
		return fmt.Errorf("agent %s already running", a.ID)
	}

	client, err := natsbus.NewClientFromURL(r.url, "agent-"+a.ID)
	if err != nil {
		return err
	}
	w := New(client, a.ID, r.handler(a), r.heartbeat)

	wctx, cancel := context.WithCancel(context.Background())
	if err := w.Listen(wctx); err != nil {
		cancel()
		client.Close()
		return fmt.Errorf("listen: %w", err)
	}

	lw := &localWorker{client: client, cancel: cancel, done: make(chan struct{})}
	r.workers[a.ID] = lw
	go func() {
		defer close(lw.done)
		if err := w.Run(wctx); err != nil {
			slog.Error("local agent stopped with error", "agent", a.ID, "error", err)
		}
		client.Close()
	}()
	return nil
}

// Stop cancels the worker and waits up to timeout for in-flight requests;
// after that the connection is closed regardless.
func (r *LocalRuntime) Stop(ctx context.Context, agentID string, timeout time.Duration) error {
	r.mu.Lock()
	lw, ok := r.workers[agentID]
	delete(r.workers, agentID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	lw.cancel()
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-lw.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	slog.Warn("local agent did not stop in time, closing connection", "agent", agentID)
	lw.client.Close()
	return nil
}

func (r *LocalRuntime) IsAlive(ctx context.Context, agentID string) bool {
	r.mu.Lock()
	lw, ok := r.workers[agentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-lw.done:
		return false
	default:
		return true
	}
}
