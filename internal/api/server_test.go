package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soochol/nodeflow/internal/engine"
	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/repository"
	"github.com/soochol/nodeflow/internal/scheduler"
	"github.com/soochol/nodeflow/internal/services"
	"github.com/soochol/nodeflow/internal/storage"
	"github.com/soochol/nodeflow/internal/triggers"
)

type echoDispatcher struct{}

func (echoDispatcher) Supports(flow.NodeType, string) bool { return true }

func (echoDispatcher) Execute(_ context.Context, _ flow.NodeType, _ string, cfg map[string]any) flow.ActionResult {
	return flow.OK(map[string]any{"echo": cfg})
}

type testEnv struct {
	srv   *httptest.Server
	runs  *services.RunManager
	sched *scheduler.Scheduler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	wfRepo := repository.NewMemoryWorkflowRepository()
	runRepo := repository.NewMemoryRunRepository()
	rm := services.NewRunManager(time.Minute)
	cache := triggers.NewCache(nil)
	eng := engine.NewEngine(echoDispatcher{}, runRepo, wfRepo, rm, nil, engine.Options{})
	exec := services.NewExecutionService(eng, wfRepo, cache, services.NewRunLimiter(services.Limits{}), rm, nil)
	sched := scheduler.New(exec, scheduler.Options{}, nil)
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	s := NewServer(Deps{
		Workflows:  services.NewWorkflowService(wfRepo, cache, sched, echoDispatcher{}, nil),
		Executions: exec,
		History:    services.NewRunHistoryService(runRepo),
		Runs:       rm,
		Jobs:       sched,
		Triggers:   cache,
		Files:      files,
	}, opts, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		exec.Stop()
		rm.Stop()
	})
	return &testEnv{srv: srv, runs: rm, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// waitDone blocks until the run's buffer reports a terminal event.
func (e *testEnv) waitDone(t *testing.T, runID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		_, notify, done, found := e.runs.Subscribe(runID, 0)
		require.True(t, found)
		if done {
			return
		}
		select {
		case <-notify:
		case <-deadline:
			t.Fatalf("run %s did not finish", runID)
		}
	}
}

func workflowBody(name string, trigger flow.Node) map[string]any {
	return map[string]any{
		"name":   name,
		"active": true,
		"graph": flow.WorkflowGraph{
			Nodes: []flow.Node{trigger, {ID: "step", Type: flow.NodeTypeHTTP, ActionID: flow.ActionHTTPRequest, Config: map[string]any{"got": "{{trigger}}"}}},
			Edges: []flow.Edge{{ID: "e1", Source: "trigger", Target: "step"}},
		},
	}
}

func manualTrigger() flow.Node {
	return flow.Node{ID: "trigger", Type: flow.NodeTypeTrigger, ActionID: flow.ActionTriggerManual}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, http.MethodPost, "/api/workflows", map[string]any{"description": "no name"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/workflows", workflowBody("daily", manualTrigger()), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[flow.Workflow](t, resp)
	require.NotEmpty(t, created.ID)

	resp = env.do(t, http.MethodGet, "/api/workflows/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "daily", decodeBody[flow.Workflow](t, resp).Name)

	update := workflowBody("renamed", manualTrigger())
	resp = env.do(t, http.MethodPut, "/api/workflows/"+created.ID, update, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", decodeBody[flow.Workflow](t, resp).Name)

	resp = env.do(t, http.MethodPost, "/api/workflows/"+created.ID+"/deactivate", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeBody[flow.Workflow](t, resp).Active)

	resp = env.do(t, http.MethodGet, "/api/workflows", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]flow.Workflow](t, resp), 1)

	resp = env.do(t, http.MethodDelete, "/api/workflows/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/workflows/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := map[string]any{
		"name": "loop",
		"graph": flow.WorkflowGraph{
			Nodes: []flow.Node{
				{ID: "a", Type: flow.NodeTypeHTTP, ActionID: flow.ActionHTTPRequest},
				{ID: "b", Type: flow.NodeTypeHTTP, ActionID: flow.ActionHTTPRequest},
			},
			Edges: []flow.Edge{{ID: "1", Source: "a", Target: "b"}, {ID: "2", Source: "b", Target: "a"}},
		},
	}
	resp := env.do(t, http.MethodPost, "/api/workflows", body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRunWorkflowAndReplayEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodPost, "/api/workflows", workflowBody("manual", manualTrigger()), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	wf := decodeBody[flow.Workflow](t, resp)

	resp = env.do(t, http.MethodPost, "/api/workflows/"+wf.ID+"/run", map[string]any{"inputs": map[string]any{"msg": "hi"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID := decodeBody[map[string]string](t, resp)["executionId"]
	require.NotEmpty(t, runID)
	env.waitDone(t, runID)

	resp = env.do(t, http.MethodGet, "/api/runs/"+runID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decodeBody[flow.ExecutionRun](t, resp)
	assert.Equal(t, flow.RunStatusCompleted, run.Status)
	assert.Equal(t, flow.TriggerManual, run.TriggerType)

	resp = env.do(t, http.MethodGet, "/api/runs/"+runID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	stream, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(stream), "id: 0\nevent: run:start\n"))
	assert.Contains(t, string(stream), "event: run:complete")

	// Resuming after the last event yields nothing further.
	resp = env.do(t, http.MethodGet, "/api/runs/"+runID+"/events", nil, http.Header{"Last-Event-ID": {"1000"}})
	stream, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, string(stream))

	resp = env.do(t, http.MethodGet, "/api/workflows/"+wf.ID+"/runs", nil, nil)
	page := decodeBody[struct {
		Runs  []flow.ExecutionRun `json:"runs"`
		Total int                 `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, page.Total)

	resp = env.do(t, http.MethodGet, "/api/runs?status=FAILED", nil, nil)
	page = decodeBody[struct {
		Runs  []flow.ExecutionRun `json:"runs"`
		Total int                 `json:"total"`
	}](t, resp)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Runs)
}

func TestRunUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodPost, "/api/workflows/missing/run", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, Options{JWTSecret: "jwt-secret"})
	trigger := flow.Node{ID: "trigger", Type: flow.NodeTypeTrigger, ActionID: flow.ActionTriggerWebhook, Config: map[string]any{"secret": "s3cret"}}
	resp := env.do(t, http.MethodPost, "/api/workflows", workflowBody("hook", trigger), http.Header{"Authorization": {"Bearer " + token(t, "jwt-secret", time.Hour)}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	wf := decodeBody[flow.Workflow](t, resp)

	body := []byte(`{"order":42}`)
	resp = env.do(t, http.MethodPost, "/api/hooks/"+wf.ID, body, http.Header{"X-Webhook-Signature": {"deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/hooks/"+wf.ID, body, http.Header{"X-Webhook-Signature": {sign("s3cret", body)}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID := decodeBody[map[string]string](t, resp)["executionId"]
	env.waitDone(t, runID)

	resp = env.do(t, http.MethodPost, "/api/hooks/missing", body, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatEvent(t *testing.T) {
	env := newTestEnv(t, Options{})
	trigger := flow.Node{ID: "trigger", Type: flow.NodeTypeTrigger, ActionID: flow.ActionTriggerChat,
		Config: map[string]any{"guildId": "g1", "channelId": "c1", "credentialId": "bot"}}
	resp := env.do(t, http.MethodPost, "/api/workflows", workflowBody("chat", trigger), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/events/chat", map[string]any{"channelId": "c1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "guildId is required")

	resp = env.do(t, http.MethodPost, "/api/events/chat", flow.ChatEvent{GuildID: "g1", ChannelID: "c1", AuthorID: "u", Content: "hello"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[map[string][]string](t, resp)["executionIds"]
	require.Len(t, started, 1)
	env.waitDone(t, started[0])

	resp = env.do(t, http.MethodPost, "/api/events/chat", flow.ChatEvent{GuildID: "g1", ChannelID: "other"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, decodeBody[map[string][]string](t, resp)["executionIds"])

	resp = env.do(t, http.MethodGet, "/api/scheduler/stats", nil, nil)
	stats := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, stats["chatTriggers"])
}

func TestSchedulerJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	trigger := flow.Node{ID: "trigger", Type: flow.NodeTypeTrigger, ActionID: flow.ActionTriggerSchedule,
		Config: map[string]any{"time": "09:00", "loop": true}}
	resp := env.do(t, http.MethodPost, "/api/workflows", workflowBody("daily", trigger), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	wf := decodeBody[flow.Workflow](t, resp)

	resp = env.do(t, http.MethodGet, "/api/scheduler/jobs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decodeBody[[]flow.ScheduledJob](t, resp)
	require.Len(t, jobs, 1)
	assert.Equal(t, wf.ID, jobs[0].WorkflowID)
	assert.True(t, jobs[0].Loop)
}

func TestFiles(t *testing.T) {
	env := newTestEnv(t, Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	part.Write([]byte("hello files"))
	require.NoError(t, mw.Close())

	resp := env.do(t, http.MethodPost, "/api/files", buf.Bytes(), http.Header{"Content-Type": {mw.FormDataContentType()}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decodeBody[storage.FileInfo](t, resp)
	assert.Equal(t, "notes.txt", info.Filename)

	resp = env.do(t, http.MethodGet, "/api/files/"+info.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello files", string(content))

	resp = env.do(t, http.MethodGet, "/api/files", nil, nil)
	assert.Len(t, decodeBody[[]storage.FileInfo](t, resp), 1)

	resp = env.do(t, http.MethodDelete, "/api/files/"+info.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/files/"+info.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
