package main

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/natsbus"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "multiple flags",
			args: []string{"--description", "build it", "--priority", "2"},
			want: map[string]string{"description": "build it", "priority": "2"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--id"},
			want: map[string]string{},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-d", "x"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" go, ,rust,")
	if len(got) != 2 || got[0] != "go" || got[1] != "rust" {
		t.Errorf("unexpected list %v", got)
	}
	if splitList("") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestParseOptions(t *testing.T) {
	got := parseOptions("yes, 42, false")
	want := []consensus.Decision{consensus.String("yes"), consensus.Int(42), consensus.Bool(false)}
	if len(got) != len(want) {
		t.Fatalf("expected %d options, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("option %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func startTestNATS(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestSendControlSubmit(t *testing.T) {
	bus := startTestNATS(t)
	url := bus.ClientURL()

	// Mock control responder
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	_, err = conn.Subscribe(natsbus.TopicControl, func(msg *nats.Msg) {
		var req natsbus.ControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Type != "submit_task" {
			t.Errorf("expected type submit_task, got %s", req.Type)
		}
		var payload map[string]any
		json.Unmarshal(req.Payload, &payload)
		if payload["description"] != "lint the repo" {
			t.Errorf("expected description 'lint the repo', got %v", payload["description"])
		}
		resp, _ := json.Marshal(natsbus.ControlResponse{OK: true, ID: "task-123"})
		msg.Respond(resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.Flush()

	resp, err := sendControl(url, "submit_task", map[string]any{"description": "lint the repo"})
	if err != nil {
		t.Fatalf("sendControl: %v", err)
	}
	if resp.ID != "task-123" {
		t.Errorf("expected id task-123, got %s", resp.ID)
	}
}

func TestSendControlError(t *testing.T) {
	bus := startTestNATS(t)
	url := bus.ClientURL()

	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	_, _ = conn.Subscribe(natsbus.TopicControl, func(msg *nats.Msg) {
		resp, _ := json.Marshal(natsbus.ControlResponse{Error: "task not found"})
		msg.Respond(resp)
	})
	conn.Flush()

	resp, err := sendControl(url, "task_status", map[string]string{"id": "x"})
	if err != nil {
		t.Fatalf("sendControl: %v", err)
	}
	if resp.Error != "task not found" {
		t.Errorf("expected error, got %+v", resp)
	}
}

func TestSendControlNoResponder(t *testing.T) {
	bus := startTestNATS(t)
	if _, err := sendControl(bus.ClientURL(), "stats", struct{}{}); err == nil {
		t.Error("expected error without a gateway listening")
	}
}
