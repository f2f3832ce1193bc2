package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/scheduler"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/task"
)

type fakeSwarm struct {
	tasks     map[string]task.Task
	agents    map[string]swarm.Agent
	submitErr error
	spawnErr  error
	lastVote  consensus.Method
}

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{tasks: map[string]task.Task{}, agents: map[string]swarm.Agent{}}
}

func (f *fakeSwarm) SubmitTask(_ context.Context, t task.Task) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("t%d", len(f.tasks)+1)
	}
	t.Status = task.StatusPending
	f.tasks[t.ID] = t
	return t.ID, nil
}

func (f *fakeSwarm) ReassignTask(_ context.Context, id string) error {
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", swarm.ErrTaskNotFound, id)
	}
	if t.Status == task.StatusCompleted {
		return swarm.ErrTaskCompleted
	}
	t.Status = task.StatusPending
	f.tasks[id] = t
	return nil
}

func (f *fakeSwarm) Task(id string) (task.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeSwarm) Tasks() []task.Task {
	var out []task.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeSwarm) SpawnAgent(_ context.Context, spec swarm.AgentSpec) (swarm.Agent, error) {
	if f.spawnErr != nil {
		return swarm.Agent{}, f.spawnErr
	}
	if spec.ID == "" {
		spec.ID = "a1"
	}
	a := swarm.Agent{ID: spec.ID, Spec: spec, Status: swarm.AgentSpawning, Reputation: 0.5}
	f.agents[a.ID] = a
	return a, nil
}

func (f *fakeSwarm) TerminateAgent(_ context.Context, id string) error {
	a, ok := f.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", swarm.ErrAgentNotFound, id)
	}
	a.Status = swarm.AgentTerminated
	f.agents[id] = a
	return nil
}

func (f *fakeSwarm) Agent(id string) (swarm.Agent, bool) {
	a, ok := f.agents[id]
	return a, ok
}

func (f *fakeSwarm) Agents() []swarm.Agent {
	var out []swarm.Agent
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

func (f *fakeSwarm) RequestConsensus(_ context.Context, _ string, options []consensus.Decision, method consensus.Method) (consensus.Outcome, error) {
	f.lastVote = method
	if len(options) == 0 {
		return consensus.Outcome{Method: method}, nil
	}
	return consensus.Outcome{Method: method, Decision: options[0], Confidence: 0.75, Reached: true, Votes: 3}, nil
}

func (f *fakeSwarm) Stats() swarm.Stats {
	return swarm.Stats{TotalAgents: len(f.agents), TotalTasks: len(f.tasks)}
}

func newTestServer(t *testing.T, auth string) (*Server, *fakeSwarm, *store.Store) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sw := newFakeSwarm()
	sched := scheduler.New(st, sw, nil, config.SchedulerConfig{})
	return NewServer(sw, st, sched, nil, config.WebConfig{Auth: auth}, "test"), sw, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestSubmitAndGetTask(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "POST", "/api/tasks", `{"description":"index the docs","priority":2,"capabilities":["search"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	created := decode[task.Task](t, rec)
	if created.ID == "" || created.Priority != 2 {
		t.Errorf("unexpected task %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/tasks/"+created.ID {
		t.Errorf("unexpected location %q", loc)
	}

	rec = do(t, h, "GET", "/api/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/tasks?status=completed", "")
	if got := decode[[]task.Task](t, rec); len(got) != 0 {
		t.Errorf("expected no completed tasks, got %d", len(got))
	}

	rec = do(t, h, "GET", "/api/tasks/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	s, sw, _ := newTestServer(t, "")
	h := s.Handler()

	if rec := do(t, h, "POST", "/api/tasks", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing description, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/tasks", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", rec.Code)
	}

	sw.submitErr = fmt.Errorf("%w: t0", swarm.ErrUnknownDependency)
	if rec := do(t, h, "POST", "/api/tasks", `{"description":"x","dependencies":["t0"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown dependency, got %d", rec.Code)
	}
	sw.submitErr = swarm.ErrDuplicateTask
	if rec := do(t, h, "POST", "/api/tasks", `{"id":"t1","description":"x"}`); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", rec.Code)
	}
	sw.submitErr = swarm.ErrClosed
	if rec := do(t, h, "POST", "/api/tasks", `{"description":"x"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when closed, got %d", rec.Code)
	}
}

func TestReassignTask(t *testing.T) {
	s, sw, _ := newTestServer(t, "")
	h := s.Handler()
	sw.tasks["done"] = task.Task{ID: "done", Status: task.StatusCompleted}
	sw.tasks["bad"] = task.Task{ID: "bad", Status: task.StatusFailed}

	if rec := do(t, h, "POST", "/api/tasks/bad/reassign", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if sw.tasks["bad"].Status != task.StatusPending {
		t.Errorf("expected task reopened, got %s", sw.tasks["bad"].Status)
	}
	if rec := do(t, h, "POST", "/api/tasks/done/reassign", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/tasks/nope/reassign", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAgentLifecycle(t *testing.T) {
	s, sw, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "POST", "/api/agents", `{"id":"coder-1","role":"coder","capabilities":["go"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	a := decode[swarm.Agent](t, rec)
	if a.ID != "coder-1" || a.Spec.Role != "coder" {
		t.Errorf("unexpected agent %+v", a)
	}

	if rec := do(t, h, "GET", "/api/agents/coder-1", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/agents/coder-1", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec = do(t, h, "GET", "/api/agents?status=terminated", "")
	if got := decode[[]swarm.Agent](t, rec); len(got) != 1 {
		t.Errorf("expected 1 terminated agent, got %d", len(got))
	}
	if rec := do(t, h, "DELETE", "/api/agents/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	sw.spawnErr = swarm.ErrCapacityExceeded
	if rec := do(t, h, "POST", "/api/agents", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at capacity, got %d", rec.Code)
	}
	sw.spawnErr = fmt.Errorf("%w: image missing", swarm.ErrAgentInitFailed)
	if rec := do(t, h, "POST", "/api/agents", `{}`); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on init failure, got %d", rec.Code)
	}
}

func TestRequestConsensus(t *testing.T) {
	s, sw, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "POST", "/api/consensus", `{"question":"deploy?","options":["yes","no"],"method":"weighted"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	out := decode[consensus.Outcome](t, rec)
	if !out.Reached || out.Decision != consensus.String("yes") || out.Method != consensus.Weighted {
		t.Errorf("unexpected outcome %+v", out)
	}

	do(t, h, "POST", "/api/consensus", `{"question":"deploy?"}`)
	if sw.lastVote != "" {
		t.Errorf("expected empty method to defer to swarm default, got %q", sw.lastVote)
	}

	if rec := do(t, h, "POST", "/api/consensus", `{"question":"x","method":"borda"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown method, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/consensus", `{"options":["a"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing question, got %d", rec.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	s, _, st := newTestServer(t, "")
	h := s.Handler()
	ctx := context.Background()

	for i := range 3 {
		if err := st.RecordTask(ctx, task.Task{ID: fmt.Sprintf("t%d", i), Description: "x", Status: task.StatusCompleted, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	rec := do(t, h, "GET", "/api/history/tasks?limit=2", "")
	if got := decode[[]store.TaskRecord](t, rec); len(got) != 2 {
		t.Errorf("expected 2 records, got %d", len(got))
	}

	rec = do(t, h, "GET", "/api/history/consensus", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %d %s", rec.Code, rec.Body)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "POST", "/api/schedules", `{"name":"sweep","schedule":"every 30m","description":"clean tmp","priority":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	created := decode[map[string]any](t, rec)
	id := created["id"].(string)
	if created["schedule_display"] != "Every 30 minutes" || created["enabled"] != true {
		t.Errorf("unexpected schedule %+v", created)
	}

	rec = do(t, h, "PUT", "/api/schedules/"+id, `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["status"] != "paused" {
		t.Errorf("expected paused, got %v", got["status"])
	}

	if rec := do(t, h, "PUT", "/api/schedules/missing", `{"enabled":true}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/schedules", `{"schedule":"nope","description":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	do(t, h, "DELETE", "/api/schedules/"+id, "")
	rec = do(t, h, "GET", "/api/schedules", "")
	if got := decode[[]map[string]any](t, rec); len(got) != 0 {
		t.Errorf("expected no schedules, got %d", len(got))
	}
}

func TestStats(t *testing.T) {
	s, sw, _ := newTestServer(t, "")
	sw.tasks["t1"] = task.Task{ID: "t1"}

	rec := do(t, s.Handler(), "GET", "/api/stats", "")
	stats := decode[swarm.Stats](t, rec)
	if stats.TotalTasks != 1 {
		t.Errorf("expected 1 task, got %d", stats.TotalTasks)
	}
}

func TestAuthPlaintext(t *testing.T) {
	s, _, _ := newTestServer(t, "s3cret")
	h := s.Handler()

	if rec := do(t, h, "GET", "/api/stats", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", rec.Code)
	}

	if rec := do(t, h, "POST", "/api/login", `{"password":"wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", rec.Code)
	}
	rec = do(t, h, "POST", "/api/login", `{"password":"s3cret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	req = httptest.NewRequest("GET", "/api/stats", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with session, got %d", rec.Code)
	}
}

func TestAuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, _, _ := newTestServer(t, string(hash))

	if !s.checkPassword("hunter2") {
		t.Error("expected password to match hash")
	}
	if s.checkPassword("hunter3") {
		t.Error("expected wrong password to fail")
	}
	if s.checkPassword(string(hash)) {
		t.Error("expected the hash itself not to authenticate")
	}
}

func TestAuthCheckWithoutAuth(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	if rec := do(t, s.Handler(), "GET", "/api/auth/check", ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
