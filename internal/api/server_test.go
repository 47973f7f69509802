package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/flotilla/internal/api"
	"github.com/seantiz/flotilla/internal/cloud"
	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/fleet"
	"github.com/seantiz/flotilla/internal/logstream"
	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/proxy"
	"github.com/seantiz/flotilla/internal/store"
	"github.com/seantiz/flotilla/internal/transport"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*model.Job)}
}

func (m *memStore) CreateJob(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.JobKey] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, jobKey string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListJobs(_ context.Context, limit, offset int) ([]*model.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*model.Job
	for _, j := range m.jobs {
		cp := *j
		jobs = append(jobs, &cp)
	}
	total := len(jobs)
	if offset > len(jobs) {
		offset = len(jobs)
	}
	end := min(offset+limit, len(jobs))
	return jobs[offset:end], total, nil
}

func (m *memStore) MarkJobDone(_ context.Context, jobKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobKey]
	if !ok {
		return store.ErrNotFound
	}
	j.State = model.JobDone
	return nil
}

func (m *memStore) Close() error { return nil }

type quietCloud struct{}

func (quietCloud) Create(_ context.Context, name string) (*cloud.Instance, error) {
	return &cloud.Instance{Name: name, ID: "i-" + name, IP: "10.0.0.1"}, nil
}
func (quietCloud) Start(_ context.Context, _ *cloud.Instance) error { return nil }
func (quietCloud) Stop(_ context.Context, _ *cloud.Instance) error  { return nil }
func (quietCloud) IsReady(_ context.Context, _ *cloud.Instance) (bool, error) {
	return true, nil
}

type quietProxy struct{}

func (quietProxy) Ping(_ context.Context) error { return nil }
func (quietProxy) Run(_ context.Context, _ *model.Payload) (string, error) {
	return "abc123def456", nil
}
func (quietProxy) Preinstalls(_ context.Context, runtime string, _ bool) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"runtime": %q, "preinstalls": []}`, runtime)), nil
}
func (quietProxy) Close() error { return nil }

type testEnv struct {
	srv    *api.Server
	ctrl   *fleet.Controller
	store  *memStore
	broker *logstream.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Load()
	cfg.DisableLogMonitoring = true
	cfg.ExecMode = config.ExecModeConsume

	tf := func(_ string) (transport.Transport, error) {
		return nil, errors.New("no transports in api tests")
	}
	clients := func(_ *model.Worker) (proxy.Client, error) {
		return quietProxy{}, nil
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	ctrl := fleet.NewController(cfg, quietCloud{}, tf, clients, nil, logger)
	ctrl.BindWorker("10.0.0.9", "i-bound")

	st := newMemStore()
	broker := logstream.NewBroker()
	srv := api.NewServer(":0", ctrl, st, broker, logger)

	return &testEnv{srv: srv, ctrl: ctrl, store: st, broker: broker}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" {
		t.Errorf("status field = %q", body.Status)
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Response string `json:"response"`
	}
	decodeBody(t, rec, &body)
	if body.Response != "pong" {
		t.Errorf("response = %q, want pong", body.Response)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRunAccepted(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"runtime_name": "python3",
		"executor_id": "e1",
		"job_id": "00001",
		"job_description": {"total_calls": 2}
	}`
	rec := env.do(t, http.MethodPost, "/run", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ActivationID string `json:"activationId"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.ActivationID) != 12 {
		t.Errorf("activation id %q has length %d, want 12", resp.ActivationID, len(resp.ActivationID))
	}

	if state, ok := env.ctrl.JobState("e1-00001"); !ok || state != model.JobRunning {
		t.Errorf("job state = (%q, %v), want (running, true)", state, ok)
	}

	j, err := env.store.GetJob(context.Background(), "e1-00001")
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if j.ActivationID != resp.ActivationID || j.TotalCalls != 2 {
		t.Errorf("persisted job = %+v", j)
	}
}

func TestRunRejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"runtime_name": `},
		{"missing runtime", `{"executor_id": "e1", "job_id": "00001", "job_description": {"total_calls": 1}}`},
		{"runtime with metacharacters", `{"runtime_name": "python3; rm -rf /", "executor_id": "e1", "job_id": "00001", "job_description": {"total_calls": 1}}`},
		{"missing executor", `{"runtime_name": "python3", "job_id": "00001", "job_description": {"total_calls": 1}}`},
		{"missing job id", `{"runtime_name": "python3", "executor_id": "e1", "job_description": {"total_calls": 1}}`},
		{"no calls", `{"runtime_name": "python3", "executor_id": "e1", "job_id": "00001"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/run", tt.body)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", rec.Code)
			}
			var body struct {
				Error string `json:"error"`
			}
			decodeBody(t, rec, &body)
			if body.Error == "" {
				t.Error("rejection carries no error field")
			}
		})
	}
}

func TestRunDismantleOverrides(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"runtime_name": "python3",
		"executor_id": "e1",
		"job_id": "00001",
		"job_description": {"total_calls": 1},
		"config": {"standalone": {"auto_dismantle": false, "soft_dismantle_timeout": 60}}
	}`
	rec := env.do(t, http.MethodPost, "/run", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	auto, soft, _ := env.ctrl.DismantlePolicy()
	if auto {
		t.Error("auto dismantle override not applied")
	}
	if soft != 60*time.Second {
		t.Errorf("soft timeout = %v, want 60s", soft)
	}
}

func TestPreinstalls(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/preinstalls", `{"runtime": "python3.11"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Runtime string `json:"runtime"`
	}
	decodeBody(t, rec, &body)
	if body.Runtime != "python3.11" {
		t.Errorf("runtime = %q", body.Runtime)
	}

	rec = env.do(t, http.MethodGet, "/preinstalls", `{"runtime": "bad name"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("invalid runtime status = %d, want 404", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 3; i++ {
		j := &model.Job{
			JobKey:     fmt.Sprintf("e1-0000%d", i),
			ExecutorID: "e1",
			JobID:      fmt.Sprintf("0000%d", i),
			State:      model.JobRunning,
			CreatedAt:  time.Now().UTC(),
		}
		if err := env.store.CreateJob(context.Background(), j); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Jobs  []*model.Job `json:"jobs"`
		Total int          `json:"total"`
		Limit int          `json:"limit"`
	}
	decodeBody(t, rec, &body)
	if body.Total != 3 || len(body.Jobs) != 2 || body.Limit != 2 {
		t.Errorf("total=%d jobs=%d limit=%d, want 3/2/2", body.Total, len(body.Jobs), body.Limit)
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	j := &model.Job{JobKey: "e1-00001", ExecutorID: "e1", JobID: "00001", State: model.JobRunning, CreatedAt: time.Now().UTC()}
	if err := env.store.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/e1-00001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got model.Job
	decodeBody(t, rec, &got)
	if got.JobKey != "e1-00001" {
		t.Errorf("job key = %q", got.JobKey)
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs/e1-99999", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestStreamLogsUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/jobs/e1-99999/logs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStreamLogsFinishedJob(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.TrackJob("e1-00001")
	env.ctrl.MarkDone("e1-00001")

	rec := env.do(t, http.MethodGet, "/v1/jobs/e1-00001/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("finished job streamed %q", rec.Body.String())
	}
}

func TestStreamLogsLive(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.TrackJob("e1-00001")

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/e1-00001/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	env.broker.Publish("e1-00001", "hello from the worker")
	env.broker.Close("e1-00001")

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(events) != 1 || events[0] != "hello from the worker" {
		t.Errorf("events = %v, want the one published line", events)
	}
}
