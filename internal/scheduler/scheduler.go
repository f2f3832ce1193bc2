// Package scheduler submits recurring tasks to the swarm on cron, interval
// or one-off schedules kept in the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/task"
)

// EventScheduleFired is published after every scheduled submission.
const EventScheduleFired = "schedule_fired"

// configPrefix marks schedules owned by the config file. They are replaced
// on every Sync; the rest are managed through the API.
const configPrefix = "config-"

type Submitter interface {
	SubmitTask(ctx context.Context, t task.Task) (string, error)
}

type Scheduler struct {
	store  *store.Store
	submit Submitter
	events swarm.EventSink
	now    func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

// New creates a scheduler. events may be nil.
func New(s *store.Store, submit Submitter, events swarm.EventSink, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		submit:       submit,
		events:       events,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig applies a new poll interval and schedule list, then signals
// the run loop to reset its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) error {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()

	err := s.Sync(cfg.Schedules)
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
	return err
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

// Sync stores the config file schedules and drops config schedules that are
// no longer listed. An unchanged schedule keeps its next run and status.
func (s *Scheduler) Sync(entries []config.ScheduleEntry) error {
	now := s.now()
	var ids []string
	var errs []string

	for _, e := range entries {
		id := configPrefix + e.Name
		raw, err := Normalize(e.Schedule)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", e.Name, err))
			continue
		}
		ids = append(ids, id)

		st := &store.ScheduledTask{
			ID:           id,
			Name:         e.Name,
			Schedule:     raw,
			Description:  e.Description,
			Priority:     e.Priority,
			Capabilities: slices.Clone(e.Capabilities),
		}
		existing, err := s.store.GetSchedule(id)
		if err != nil {
			return err
		}
		if existing != nil && existing.Schedule == raw {
			st.Status = existing.Status
			st.NextRunAt = existing.NextRunAt
		} else {
			st.NextRunAt = NextRun(raw, now)
		}
		if st.NextRunAt == nil && st.Status == "" {
			st.Status = "completed"
		}
		if err := s.store.SaveSchedule(st); err != nil {
			return err
		}
	}

	if err := s.store.DeleteSchedulesNotIn(configPrefix, ids); err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid schedules: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Add stores a new API-managed schedule.
func (s *Scheduler) Add(st store.ScheduledTask) (*store.ScheduledTask, error) {
	if st.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	raw, err := Normalize(st.Schedule)
	if err != nil {
		return nil, err
	}
	st.ID = uuid.New().String()
	if st.Name == "" {
		st.Name = st.ID[:8]
	}
	st.Schedule = raw
	st.Status = "active"
	st.NextRunAt = NextRun(raw, s.now())
	if st.NextRunAt == nil {
		return nil, fmt.Errorf("schedule never fires")
	}
	if err := s.store.SaveSchedule(&st); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(st.ID)
}

// Pause stops a schedule from firing until Resume.
func (s *Scheduler) Pause(id string) error {
	return s.store.UpdateScheduleStatus(id, "paused")
}

// Resume reactivates a schedule, computing its next run from now.
func (s *Scheduler) Resume(id string) error {
	st, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("schedule %s not found", id)
	}
	st.NextRunAt = NextRun(st.Schedule, s.now())
	if st.NextRunAt == nil {
		return fmt.Errorf("schedule %s never fires again", id)
	}
	st.Status = "active"
	return s.store.SaveSchedule(st)
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, st := range due {
		s.execute(ctx, st)
	}
}

func (s *Scheduler) execute(ctx context.Context, st store.ScheduledTask) {
	slog.Info("submitting scheduled task", "id", st.ID, "name", st.Name)

	taskID, err := s.submit.SubmitTask(ctx, task.Task{
		Description:  st.Description,
		Priority:     st.Priority,
		Capabilities: st.Capabilities,
	})

	lastStatus, lastError := "submitted", ""
	if err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled submission failed", "id", st.ID, "error", err)
	}

	nextRun := NextRun(st.Schedule, s.now())
	if err := s.store.UpdateScheduleRun(st.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", st.ID, "error", err)
	}

	if s.events != nil {
		s.events.Publish(swarm.Event{
			Type:      EventScheduleFired,
			TaskID:    taskID,
			Timestamp: s.now().UTC(),
			Data: map[string]any{
				"schedule": st.ID,
				"name":     st.Name,
				"status":   lastStatus,
			},
		})
	}

	if nextRun == nil {
		slog.Info("no next run, marking schedule completed", "id", st.ID, "name", st.Name)
		if err := s.store.UpdateScheduleStatus(st.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", st.ID, "error", err)
		}
	}
}
