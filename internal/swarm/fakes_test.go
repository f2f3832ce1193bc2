package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/task"
)

type fakeRuntime struct {
	mu         sync.Mutex
	running    map[string]bool
	dead       map[string]bool
	stopped    []string
	startErr   error
	dieOnStart bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]bool), dead: make(map[string]bool)}
}

func (r *fakeRuntime) Start(ctx context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.running[a.ID] = true
	if r.dieOnStart {
		r.dead[a.ID] = true
	}
	return nil
}

func (r *fakeRuntime) failStarts(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = false
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *fakeRuntime) IsAlive(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[id] && !r.dead[id]
}

func (r *fakeRuntime) kill(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead[id] = true
}

func (r *fakeRuntime) wasStopped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stopped {
		if s == id {
			return true
		}
	}
	return false
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	execute func(ctx context.Context, a Agent, t task.Task) (string, error)
	vote    func(ctx context.Context, a Agent, question string) (consensus.Vote, error)
}

func (f *fakeTransport) Execute(ctx context.Context, a Agent, t task.Task) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t.ID)
	fn := f.execute
	f.mu.Unlock()
	if fn == nil {
		return "done: " + t.Description, nil
	}
	return fn(ctx, a, t)
}

func (f *fakeTransport) RequestVote(ctx context.Context, a Agent, question string, options []consensus.Decision) (consensus.Vote, error) {
	if f.vote == nil {
		return consensus.Vote{}, ErrAgentUnreachable
	}
	return f.vote(ctx, a, question)
}

func (f *fakeTransport) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func blockUntilCancelled(ctx context.Context, a Agent, t task.Task) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// fakeClock fires AfterFunc callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clk: c, t: t}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type fakeTimerHandle struct {
	clk *fakeClock
	t   *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clk.mu.Lock()
	defer h.clk.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

type fakeHistory struct {
	mu     sync.Mutex
	tasks  []task.Task
	rounds []consensus.Outcome
}

func (h *fakeHistory) RecordTask(ctx context.Context, t task.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, t)
	return nil
}

func (h *fakeHistory) RecordConsensus(ctx context.Context, question string, out consensus.Outcome, votes []consensus.Vote) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rounds = append(h.rounds, out)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	c   *Coordinator
	rt  *fakeRuntime
	tr  *fakeTransport
	clk *fakeClock
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Swarm.SpawnGrace = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{rt: newFakeRuntime(), tr: &fakeTransport{}, clk: newFakeClock()}
	opts = append([]Option{WithClock(h.clk)}, opts...)
	h.c = New(cfg, h.rt, h.tr, opts...)
	t.Cleanup(func() { _ = h.c.Close(context.Background()) })
	return h
}

// spawnReady spawns agents with the given IDs and waits until they are idle.
func (h *harness) spawnReady(t *testing.T, specs ...AgentSpec) {
	t.Helper()
	for _, s := range specs {
		_, err := h.c.SpawnAgent(context.Background(), s)
		require.NoError(t, err)
	}
	h.promote(t)
}

// promote lets every started agent pass its grace check.
func (h *harness) promote(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, a := range h.c.Agents() {
			if a.Status == AgentSpawning {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	h.clk.Advance(h.c.cfg.SpawnGrace)
}

func (h *harness) waitTask(t *testing.T, id string, status task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		got, _ = h.c.Task(id)
		return got.Status == status
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return got
}

func countAgents(c *Coordinator, status AgentStatus) int {
	n := 0
	for _, a := range c.Agents() {
		if a.Status == status {
			n++
		}
	}
	return n
}
