package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/task"
)

// TaskRecord is one terminal task outcome.
type TaskRecord struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	Description   string     `json:"description"`
	Status        string     `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Attempts      int        `json:"attempts"`
	Priority      int        `json:"priority"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

type ConsensusRound struct {
	ID         int64              `json:"id"`
	Question   string             `json:"question"`
	Method     string             `json:"method"`
	Decision   consensus.Decision `json:"decision"`
	Confidence float64            `json:"confidence"`
	Reached    bool               `json:"reached"`
	Votes      []consensus.Vote   `json:"votes"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (s *Store) RecordTask(ctx context.Context, t task.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, parent_id, description, status, assigned_agent,
			attempts, priority, result, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Parent, t.Description, string(t.Status), t.AssignedAgent,
		t.Attempts, t.Priority, t.Result, t.Error, t.CreatedAt.UTC(), utcPtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// ListTaskHistory returns the most recent records first. A taskID filters to
// one task.
func (s *Store) ListTaskHistory(taskID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, task_id, parent_id, description, status, assigned_agent, attempts,
		       priority, result, error, created_at, completed_at, recorded_at
		FROM task_history`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var parent, agent, result, errMsg *string
		if err := rows.Scan(&r.ID, &r.TaskID, &parent, &r.Description, &r.Status, &agent,
			&r.Attempts, &r.Priority, &result, &errMsg, &r.CreatedAt, &r.CompletedAt, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		r.ParentID = deref(parent)
		r.AssignedAgent = deref(agent)
		r.Result = deref(result)
		r.Error = deref(errMsg)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) RecordConsensus(ctx context.Context, question string, out consensus.Outcome, votes []consensus.Vote) error {
	decision, err := json.Marshal(out.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if votes == nil {
		votes = []consensus.Vote{}
	}
	ballots, err := json.Marshal(votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consensus_rounds (question, method, decision, confidence, reached, votes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		question, string(out.Method), string(decision), out.Confidence, out.Reached, string(ballots))
	if err != nil {
		return fmt.Errorf("record consensus: %w", err)
	}
	return nil
}

func (s *Store) ListConsensusRounds(limit int) ([]ConsensusRound, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, question, method, decision, confidence, reached, votes, created_at
		FROM consensus_rounds ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list consensus rounds: %w", err)
	}
	defer rows.Close()

	var rounds []ConsensusRound
	for rows.Next() {
		var r ConsensusRound
		var decision, votes string
		if err := rows.Scan(&r.ID, &r.Question, &r.Method, &decision, &r.Confidence, &r.Reached, &votes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consensus round: %w", err)
		}
		if err := json.Unmarshal([]byte(decision), &r.Decision); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		if err := json.Unmarshal([]byte(votes), &r.Votes); err != nil {
			return nil, fmt.Errorf("decode votes: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
