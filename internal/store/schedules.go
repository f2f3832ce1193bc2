package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScheduledTask is a recurring task submission.
type ScheduledTask struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Description  string     `json:"description"`
	Priority     int        `json:"priority"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, description, priority, capabilities, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	var caps, lastStatus, lastError *string
	err := scanner.Scan(&t.ID, &t.Name, &t.Schedule, &t.Description, &t.Priority, &caps, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if caps != nil && *caps != "" {
		if err := json.Unmarshal([]byte(*caps), &t.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	t.LastStatus = deref(lastStatus)
	t.LastError = deref(lastError)
	return t, nil
}

func (s *Store) SaveSchedule(t *ScheduledTask) error {
	caps, err := json.Marshal(t.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if t.Status == "" {
		t.Status = "active"
	}
	_, err = s.db.Exec(`
		INSERT INTO scheduled_tasks (id, name, schedule, description, priority, capabilities, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			description = excluded.description,
			priority = excluded.priority,
			capabilities = excluded.capabilities,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.Name, t.Schedule, t.Description, t.Priority, string(caps), t.Status, utcPtr(t.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return t, nil
}

func (s *Store) ListSchedules() ([]ScheduledTask, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM scheduled_tasks ORDER BY created_at, id`)
}

func (s *Store) GetDueSchedules(now time.Time) ([]ScheduledTask, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+`
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// DeleteSchedulesNotIn removes schedules whose ID starts with prefix and is
// not in keep.
func (s *Store) DeleteSchedulesNotIn(prefix string, keep []string) error {
	query := `DELETE FROM scheduled_tasks WHERE id LIKE ? || '%'`
	args := []any{prefix}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("delete schedules: %w", err)
	}
	return nil
}
