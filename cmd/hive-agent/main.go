// Command hive-agent serves tasks and votes for one swarm agent. It is the
// entrypoint of the agent container image and reads its identity from the
// environment the container runtime sets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/worker"
)

type agentEnv struct {
	natsURL     string
	agentID     string
	heartbeat   time.Duration
	workdir     string
	voteCommand string
}

func loadEnv() (agentEnv, error) {
	env := agentEnv{
		natsURL:     os.Getenv("NATS_URL"),
		agentID:     os.Getenv("AGENT_ID"),
		heartbeat:   10 * time.Second,
		workdir:     "/workspace",
		voteCommand: os.Getenv("AGENT_VOTE_COMMAND"),
	}
	if env.natsURL == "" {
		env.natsURL = "nats://localhost:4222"
	}
	if env.agentID == "" {
		return env, fmt.Errorf("AGENT_ID is required")
	}
	if v := os.Getenv("AGENT_HEARTBEAT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return env, fmt.Errorf("invalid AGENT_HEARTBEAT: %w", err)
		}
		env.heartbeat = d
	}
	if v := os.Getenv("AGENT_WORKDIR"); v != "" {
		env.workdir = v
	}
	if _, err := os.Stat(env.workdir); err != nil {
		env.workdir = ""
	}
	return env, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	env, err := loadEnv()
	if err != nil {
		slog.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	client, err := natsbus.NewClientFromURL(env.natsURL, "agent-"+env.agentID)
	if err != nil {
		slog.Error("connect to nats", "url", env.natsURL, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handler := worker.CommandHandler{Dir: env.workdir, VoteCommand: env.voteCommand}
	w := worker.New(client, env.agentID, handler, env.heartbeat)

	slog.Info("agent started", "agent", env.agentID, "role", os.Getenv("AGENT_ROLE"))
	if err := w.Run(ctx); err != nil {
		slog.Error("agent stopped", "agent", env.agentID, "error", err)
		os.Exit(1)
	}
}
