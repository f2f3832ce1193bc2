package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/task"
)

type failingHandler struct{ EchoHandler }

func (failingHandler) Execute(ctx context.Context, t task.Task) (string, error) {
	return "", errors.New("exit status 1")
}

func newBus(t *testing.T) (*natsbus.Bus, *natsbus.Client) {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return bus, client
}

func TestLocalRuntimeLifecycle(t *testing.T) {
	bus, _ := newBus(t)
	rt := NewLocalRuntime(bus.ClientURL(), time.Second, nil)
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx, swarm.Agent{ID: "a1"}))
	assert.True(t, rt.IsAlive(ctx, "a1"))
	assert.Error(t, rt.Start(ctx, swarm.Agent{ID: "a1"}), "double start")

	require.NoError(t, rt.Stop(ctx, "a1", time.Second))
	assert.False(t, rt.IsAlive(ctx, "a1"))
	assert.NoError(t, rt.Stop(ctx, "a1", time.Second), "stopping twice is fine")
	assert.False(t, rt.IsAlive(ctx, "never-started"))
}

func TestWorkerServesTransport(t *testing.T) {
	bus, client := newBus(t)
	rt := NewLocalRuntime(bus.ClientURL(), time.Second, func(a swarm.Agent) Handler {
		if a.ID == "broken" {
			return failingHandler{}
		}
		return EchoHandler{}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, rt.Start(ctx, swarm.Agent{ID: "a1"}))
	require.NoError(t, rt.Start(ctx, swarm.Agent{ID: "broken"}))
	defer rt.Stop(ctx, "a1", time.Second)
	defer rt.Stop(ctx, "broken", time.Second)

	tr := natsbus.NewTransport(client)

	out, err := tr.Execute(ctx, swarm.Agent{ID: "a1"}, task.Task{ID: "t1", Description: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = tr.Execute(ctx, swarm.Agent{ID: "broken"}, task.Task{ID: "t2"})
	assert.ErrorIs(t, err, swarm.ErrTaskExecutionFailed)
	assert.ErrorContains(t, err, "exit status 1")

	options := []consensus.Decision{consensus.String("blue"), consensus.String("green")}
	v, err := tr.RequestVote(ctx, swarm.Agent{ID: "a1"}, "deploy which?", options)
	require.NoError(t, err)
	assert.Equal(t, consensus.String("blue"), v.Decision)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestWorkerPublishesHeartbeats(t *testing.T) {
	bus, client := newBus(t)

	beats := make(chan string, 4)
	_, err := natsbus.SubscribeHeartbeats(client, func(id string) { beats <- id })
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	rt := NewLocalRuntime(bus.ClientURL(), 20*time.Millisecond, nil)
	require.NoError(t, rt.Start(context.Background(), swarm.Agent{ID: "a1"}))
	defer rt.Stop(context.Background(), "a1", time.Second)

	for range 2 {
		select {
		case id := <-beats:
			assert.Equal(t, "a1", id)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for heartbeat")
		}
	}
}

func TestCoordinatorOverNATS(t *testing.T) {
	bus, client := newBus(t)

	cfg := config.Default()
	cfg.Swarm.SpawnGrace = 10 * time.Millisecond
	cfg.Swarm.MaxAgents = 2

	rt := NewLocalRuntime(bus.ClientURL(), time.Second, nil)
	c := swarm.New(cfg, rt, natsbus.NewTransport(client),
		swarm.WithEvents(natsbus.NewEventPublisher(client)),
		swarm.WithEndpoints(natsbus.TopicAgentEndpoint),
	)
	defer c.Close(context.Background())

	_, err := natsbus.SubscribeHeartbeats(client, func(id string) { _ = c.Heartbeat(id) })
	require.NoError(t, err)

	ctx := context.Background()
	id, err := c.SubmitTask(ctx, task.Task{Description: "compile and then package"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := c.Task(id)
		return got.Status == task.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := c.Task(id)
	assert.Equal(t, "package", got.Result)

	agents := c.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "agent."+agents[0].ID, agents[0].Endpoint)

	out, err := c.RequestConsensus(ctx, "release?", nil, consensus.Unanimous)
	require.NoError(t, err)
	assert.True(t, out.Reached)
	assert.Equal(t, consensus.Bool(true), out.Decision)

	require.NoError(t, c.TerminateAgent(ctx, agents[0].ID))
	assert.False(t, rt.IsAlive(ctx, agents[0].ID))
}
