package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/natsbus"
)

const requestTimeout = 2 * time.Minute

func sendControl(natsURL, reqType string, payload any) (*natsbus.ControlResponse, error) {
	conn, err := nats.Connect(natsURL, nats.Name("hivectl"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(natsbus.ControlRequest{Type: reqType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(natsbus.TopicControl, data, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("control request: %w", err)
	}

	var resp natsbus.ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// splitList splits a comma separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseOptions reads vote options, typing integers and booleans.
func parseOptions(s string) []consensus.Decision {
	var out []consensus.Decision
	for _, item := range splitList(s) {
		if n, err := strconv.ParseInt(item, 10, 64); err == nil {
			out = append(out, consensus.Int(n))
			continue
		}
		if b, err := strconv.ParseBool(item); err == nil {
			out = append(out, consensus.Bool(b))
			continue
		}
		out = append(out, consensus.String(item))
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  hivectl submit --description "..." [--priority N] [--capabilities a,b] [--after id1,id2]`)
	fmt.Fprintln(os.Stderr, `  hivectl status --id "..."`)
	fmt.Fprintln(os.Stderr, "  hivectl stats")
	fmt.Fprintln(os.Stderr, `  hivectl vote --question "..." [--options a,b] [--method majority|weighted|unanimous|quorum]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	var (
		resp *natsbus.ControlResponse
		err  error
	)
	switch command {
	case "submit":
		if args["description"] == "" {
			fatal("--description is required")
		}
		priority := 0
		if v := args["priority"]; v != "" {
			if priority, err = strconv.Atoi(v); err != nil {
				fatal("invalid --priority: %v", err)
			}
		}
		resp, err = sendControl(natsURL, "submit_task", map[string]any{
			"description":  args["description"],
			"priority":     priority,
			"capabilities": splitList(args["capabilities"]),
			"dependencies": splitList(args["after"]),
		})

	case "status":
		if args["id"] == "" {
			fatal("--id is required")
		}
		resp, err = sendControl(natsURL, "task_status", map[string]string{"id": args["id"]})

	case "stats":
		resp, err = sendControl(natsURL, "stats", struct{}{})

	case "vote":
		if args["question"] == "" {
			fatal("--question is required")
		}
		resp, err = sendControl(natsURL, "consensus", natsbus.ConsensusPayload{
			Question: args["question"],
			Options:  parseOptions(args["options"]),
			Method:   args["method"],
		})

	default:
		fatal("unknown command: %s", command)
	}

	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	printResponse(command, resp)
}

func printResponse(command string, resp *natsbus.ControlResponse) {
	switch {
	case command == "submit":
		fmt.Printf("Task submitted: %s\n", resp.ID)
	case resp.Task != nil:
		t := resp.Task
		fmt.Printf("%s  %s  attempts=%d  agent=%s\n", t.ID, t.Status, t.Attempts, t.AssignedAgent)
		if t.Result != "" {
			fmt.Println(t.Result)
		}
		if t.Error != "" {
			fmt.Println("error:", t.Error)
		}
	case resp.Stats != nil:
		out, _ := json.MarshalIndent(resp.Stats, "", "  ")
		fmt.Println(string(out))
	case resp.Outcome != nil:
		o := resp.Outcome
		if !o.Reached {
			fmt.Printf("No consensus (%s, %d votes)\n", o.Method, o.Votes)
			return
		}
		fmt.Printf("Decision: %s  confidence=%.2f  (%s, %d votes)\n", o.Decision, o.Confidence, o.Method, o.Votes)
	}
}
