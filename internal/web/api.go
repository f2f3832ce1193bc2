package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/scheduler"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/task"
)

// Swarm is the coordinator surface exposed over HTTP.
type Swarm interface {
	SubmitTask(ctx context.Context, t task.Task) (string, error)
	ReassignTask(ctx context.Context, id string) error
	Task(id string) (task.Task, bool)
	Tasks() []task.Task
	SpawnAgent(ctx context.Context, spec swarm.AgentSpec) (swarm.Agent, error)
	TerminateAgent(ctx context.Context, id string) error
	Agent(id string) (swarm.Agent, bool)
	Agents() []swarm.Agent
	RequestConsensus(ctx context.Context, question string, options []consensus.Decision, method consensus.Method) (consensus.Outcome, error)
	Stats() swarm.Stats
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.submitTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/reassign", s.reassignTask)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.spawnAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.terminateAgent)

	// Consensus
	mux.HandleFunc("POST /api/consensus", s.requestConsensus)

	// History
	mux.HandleFunc("GET /api/history/tasks", s.listTaskHistory)
	mux.HandleFunc("GET /api/history/consensus", s.listConsensusHistory)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/stats", s.getStats)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	out := make([]task.Task, 0)
	for _, t := range s.swarm.Tasks() {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	jsonResponse(w, out)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID           string   `json:"id"`
		Description  string   `json:"description"`
		Priority     int      `json:"priority"`
		Capabilities []string `json:"capabilities"`
		Dependencies []string `json:"dependencies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Description == "" {
		jsonError(w, "description is required", http.StatusBadRequest)
		return
	}

	id, err := s.swarm.SubmitTask(r.Context(), task.Task{
		ID:           body.ID,
		Description:  body.Description,
		Priority:     body.Priority,
		Capabilities: body.Capabilities,
		Dependencies: body.Dependencies,
	})
	if err != nil {
		swarmError(w, err)
		return
	}

	t, _ := s.swarm.Task(id)
	w.Header().Set("Location", "/api/tasks/"+id)
	jsonStatus(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.swarm.Task(r.PathValue("id"))
	if !ok {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) reassignTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.swarm.ReassignTask(r.Context(), id); err != nil {
		swarmError(w, err)
		return
	}
	t, _ := s.swarm.Task(id)
	jsonResponse(w, t)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	status := swarm.AgentStatus(r.URL.Query().Get("status"))
	out := make([]swarm.Agent, 0)
	for _, a := range s.swarm.Agents() {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	jsonResponse(w, out)
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var spec swarm.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.swarm.SpawnAgent(r.Context(), spec)
	if err != nil {
		swarmError(w, err)
		return
	}
	w.Header().Set("Location", "/api/agents/"+a.ID)
	jsonStatus(w, http.StatusCreated, a)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.swarm.Agent(r.PathValue("id"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.swarm.TerminateAgent(r.Context(), r.PathValue("id")); err != nil {
		swarmError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "terminated"})
}

func (s *Server) requestConsensus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question string               `json:"question"`
		Options  []consensus.Decision `json:"options"`
		Method   string               `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Question == "" {
		jsonError(w, "question is required", http.StatusBadRequest)
		return
	}

	// An empty method leaves the choice to the swarm default
	var method consensus.Method
	if body.Method != "" {
		m, err := consensus.ParseMethod(body.Method)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		method = m
	}

	out, err := s.swarm.RequestConsensus(r.Context(), body.Question, body.Options, method)
	if err != nil {
		swarmError(w, err)
		return
	}
	jsonResponse(w, out)
}

func (s *Server) listTaskHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "history is disabled", http.StatusServiceUnavailable)
		return
	}
	records, err := s.store.ListTaskHistory(r.URL.Query().Get("task_id"), queryLimit(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.TaskRecord{}
	}
	jsonResponse(w, records)
}

func (s *Server) listConsensusHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "history is disabled", http.StatusServiceUnavailable)
		return
	}
	rounds, err := s.store.ListConsensusRounds(queryLimit(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []store.ConsensusRound{}
	}
	jsonResponse(w, rounds)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduler is disabled", http.StatusServiceUnavailable)
		return
	}
	list, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, st := range list {
		out = append(out, scheduleToAPI(st))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduler is disabled", http.StatusServiceUnavailable)
		return
	}
	var body store.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st, err := s.scheduler.Add(body)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}
	jsonStatus(w, http.StatusCreated, scheduleToAPI(*st))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduler is disabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		jsonError(w, "enabled is required", http.StatusBadRequest)
		return
	}

	existing, err := s.store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	if *body.Enabled {
		err = s.scheduler.Resume(id)
	} else {
		err = s.scheduler.Pause(id)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	updated, _ := s.store.GetSchedule(id)
	jsonResponse(w, scheduleToAPI(*updated))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduler is disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.swarm.Stats())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}
	jsonResponse(w, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"nats":       natsStatus,
		"ws_clients": s.hub.Len(),
		"stats":      s.swarm.Stats(),
		"timestamp":  time.Now().UTC(),
	})
}

// swarmError maps coordinator errors onto HTTP status codes.
func swarmError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, swarm.ErrAgentNotFound), errors.Is(err, swarm.ErrTaskNotFound):
		code = http.StatusNotFound
	case errors.Is(err, swarm.ErrDuplicateAgent), errors.Is(err, swarm.ErrDuplicateTask),
		errors.Is(err, swarm.ErrTaskCompleted), errors.Is(err, swarm.ErrTaskComposite):
		code = http.StatusConflict
	case errors.Is(err, swarm.ErrUnknownDependency):
		code = http.StatusBadRequest
	case errors.Is(err, swarm.ErrCapacityExceeded), errors.Is(err, swarm.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, swarm.ErrAgentInitFailed):
		code = http.StatusBadGateway
	}
	jsonError(w, err.Error(), code)
}

func scheduleToAPI(st store.ScheduledTask) map[string]any {
	m := map[string]any{
		"id":               st.ID,
		"name":             st.Name,
		"schedule":         st.Schedule,
		"schedule_display": scheduler.Describe(st.Schedule),
		"description":      st.Description,
		"priority":         st.Priority,
		"capabilities":     st.Capabilities,
		"enabled":          st.Status == "active",
		"status":           st.Status,
	}
	if st.LastRunAt != nil {
		m["last_run"] = st.LastRunAt.UTC()
		m["last_status"] = st.LastStatus
	}
	if st.LastError != "" {
		m["last_error"] = st.LastError
	}
	if st.NextRunAt != nil {
		m["next_run"] = st.NextRunAt.UTC()
	}
	return m
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
