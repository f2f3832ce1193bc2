package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/task"
)

// EchoHandler answers every task with its description and votes for the
// first option with full confidence. With no options it votes true.
type EchoHandler struct{}

func (EchoHandler) Execute(ctx context.Context, t task.Task) (string, error) {
	return t.Description, nil
}

func (EchoHandler) Vote(ctx context.Context, question string, options []consensus.Decision) (consensus.Vote, error) {
	d := consensus.Bool(true)
	if len(options) > 0 {
		d = options[0]
	}
	return consensus.Vote{Decision: d, Confidence: 1, Reasoning: "first option"}, nil
}

// CommandHandler runs each task description as a shell command and returns
// its combined output. Votes are delegated to VoteCommand, which receives the
// question in HIVE_QUESTION and the options as JSON in HIVE_OPTIONS and must
// print a JSON vote reply.
type CommandHandler struct {
	Shell       string
	Dir         string
	VoteCommand string
}

func (h CommandHandler) Execute(ctx context.Context, t task.Task) (string, error) {
	cmd := h.command(ctx, t.Description)
	cmd.Env = append(os.Environ(), "HIVE_TASK_ID="+t.ID)
	out, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(out))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("%w: %s", err, result)
		}
		return "", err
	}
	return result, nil
}

func (h CommandHandler) Vote(ctx context.Context, question string, options []consensus.Decision) (consensus.Vote, error) {
	if h.VoteCommand == "" {
		return consensus.Vote{}, errors.New("no vote command configured")
	}
	opts, err := json.Marshal(options)
	if err != nil {
		return consensus.Vote{}, fmt.Errorf("marshal options: %w", err)
	}

	cmd := h.command(ctx, h.VoteCommand)
	cmd.Env = append(os.Environ(), "HIVE_QUESTION="+question, "HIVE_OPTIONS="+string(opts))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return consensus.Vote{}, fmt.Errorf("run vote command: %w", err)
	}

	var reply natsbus.VoteReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return consensus.Vote{}, fmt.Errorf("parse vote: %w", err)
	}
	if reply.Error != "" {
		return consensus.Vote{}, errors.New(reply.Error)
	}
	return consensus.Vote{Decision: reply.Decision, Confidence: reply.Confidence, Reasoning: reply.Reasoning}, nil
}

func (h CommandHandler) command(ctx context.Context, script string) *exec.Cmd {
	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = h.Dir
	return cmd
}
