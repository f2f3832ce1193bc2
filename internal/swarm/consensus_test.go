package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/consensus"
)

func TestRequestConsensusMajority(t *testing.T) {
	hist := &fakeHistory{}
	h := newHarness(t, testConfig(), WithHistory(hist))
	ballots := map[string]consensus.Vote{
		"a1": {Decision: consensus.String("yes"), Confidence: 0.9},
		"a2": {Decision: consensus.String("yes"), Confidence: 0.6},
		"a3": {Decision: consensus.String("no"), Confidence: 0.8},
	}
	h.tr.vote = func(ctx context.Context, a Agent, question string) (consensus.Vote, error) {
		return ballots[a.ID], nil
	}
	h.spawnReady(t, AgentSpec{ID: "a1"}, AgentSpec{ID: "a2"}, AgentSpec{ID: "a3"})

	out, err := h.c.RequestConsensus(context.Background(), "ship it?", nil, consensus.Majority)
	require.NoError(t, err)
	require.True(t, out.Reached)
	assert.Equal(t, consensus.String("yes"), out.Decision)
	assert.InDelta(t, 0.5, out.Confidence, 1e-9)
	assert.Equal(t, 3, out.Votes)
	assert.Len(t, hist.rounds, 1)

	out, err = h.c.RequestConsensus(context.Background(), "ship it?", nil, consensus.Weighted)
	require.NoError(t, err)
	assert.InDelta(t, 1.5/2.3, out.Confidence, 1e-9)

	out, err = h.c.RequestConsensus(context.Background(), "ship it?", nil, consensus.Unanimous)
	require.NoError(t, err)
	assert.False(t, out.Reached)
}

func TestRequestConsensusDefaultMethod(t *testing.T) {
	cfg := testConfig()
	cfg.Swarm.DefaultMethod = "unanimous"
	h := newHarness(t, cfg)
	h.tr.vote = func(ctx context.Context, a Agent, question string) (consensus.Vote, error) {
		return consensus.Vote{Decision: consensus.Bool(true), Confidence: 0.7}, nil
	}
	h.spawnReady(t, AgentSpec{ID: "a1"}, AgentSpec{ID: "a2"})

	out, err := h.c.RequestConsensus(context.Background(), "proceed?", nil, "")
	require.NoError(t, err)
	assert.Equal(t, consensus.Unanimous, out.Method)
	assert.True(t, out.Reached)
	assert.InDelta(t, 0.7, out.Confidence, 1e-9)
}

func TestRequestConsensusDropsInvalidVotes(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.vote = func(ctx context.Context, a Agent, question string) (consensus.Vote, error) {
		switch a.ID {
		case "a1":
			return consensus.Vote{Decision: consensus.String("maybe"), Confidence: 1}, nil
		case "a2":
			return consensus.Vote{}, ErrAgentUnreachable
		}
		return consensus.Vote{Decision: consensus.String("no"), Confidence: 0.4}, nil
	}
	h.spawnReady(t, AgentSpec{ID: "a1"}, AgentSpec{ID: "a2"}, AgentSpec{ID: "a3"})

	options := []consensus.Decision{consensus.String("yes"), consensus.String("no")}
	out, err := h.c.RequestConsensus(context.Background(), "merge?", options, consensus.Majority)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Votes)
	assert.Equal(t, consensus.String("no"), out.Decision)
	assert.InDelta(t, 0.4, out.Confidence, 1e-9)
}

func TestRequestConsensusVoteTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Swarm.VoteTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.tr.vote = func(ctx context.Context, a Agent, question string) (consensus.Vote, error) {
		if a.ID == "slow" {
			<-ctx.Done()
			return consensus.Vote{}, ctx.Err()
		}
		return consensus.Vote{Decision: consensus.Int(2), Confidence: 0.9}, nil
	}
	h.spawnReady(t, AgentSpec{ID: "fast"}, AgentSpec{ID: "slow"})

	out, err := h.c.RequestConsensus(context.Background(), "replicas?", nil, consensus.Quorum)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Votes)
	assert.True(t, out.Reached)
	assert.Equal(t, consensus.Int(2), out.Decision)
}

func TestRequestConsensusWithoutAgents(t *testing.T) {
	h := newHarness(t, testConfig())
	out, err := h.c.RequestConsensus(context.Background(), "anyone?", nil, consensus.Majority)
	require.NoError(t, err)
	assert.False(t, out.Reached)
	assert.True(t, out.Decision.IsNone())
	assert.Zero(t, out.Confidence)
}

func TestRequestConsensusIgnoresEmptyDecisions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.vote = func(ctx context.Context, a Agent, question string) (consensus.Vote, error) {
		return consensus.Vote{Decision: consensus.None, Confidence: 0.8}, nil
	}
	h.spawnReady(t, AgentSpec{ID: "a1"}, AgentSpec{ID: "a2"})

	out, err := h.c.RequestConsensus(context.Background(), "rollback?", nil, consensus.Majority)
	require.NoError(t, err)
	assert.False(t, out.Reached)
	assert.True(t, out.Decision.IsNone())
	assert.Zero(t, out.Confidence)
}
