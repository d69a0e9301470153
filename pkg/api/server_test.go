package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SynidSweet/the-system/pkg/agent"
	"github.com/SynidSweet/the-system/pkg/config"
	"github.com/SynidSweet/the-system/pkg/events"
	"github.com/SynidSweet/the-system/pkg/graph"
	"github.com/SynidSweet/the-system/pkg/ledger"
	"github.com/SynidSweet/the-system/pkg/llm"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/process"
	"github.com/SynidSweet/the-system/pkg/runtime"
	"github.com/SynidSweet/the-system/pkg/seed"
	"github.com/SynidSweet/the-system/pkg/store"
)

type apiRig struct {
	router *gin.Engine
	engine *runtime.Engine
	store  *store.MemoryStore
}

func newAPIRig(t *testing.T, mock *llm.MockProvider) *apiRig {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, seed.New(s).Apply(context.Background(), config.BuiltinSeeds()))

	g := graph.New()
	registry := process.NewRegistry()
	process.NewBuiltins(s, g).RegisterAll(registry)

	providers := llm.NewRegistry()
	providers.Register("mock", mock)
	docs, err := agent.NewDocumentCache(s, 16)
	require.NoError(t, err)

	manager := events.NewConnectionManager(nil)
	settings := runtime.DefaultSettings()
	settings.ProcessingTick = 10 * time.Millisecond
	engine := runtime.NewEngine(s, g, registry,
		agent.NewInvoker(s, providers, docs),
		agent.NewLocalExecutor(s),
		ledger.New(s, ledger.DefaultConfig()),
		events.NewPublisher(manager), settings)

	engine.Start()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		engine.Stop(stopCtx)
	})

	srv := NewServer(engine, s, manager, "127.0.0.1:0")
	return &apiRig{router: srv.Router(), engine: engine, store: s}
}

func (r *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitAndGetTask(t *testing.T) {
	mock := llm.NewMockProvider().EnqueueToolCall("c1", "end_task", map[string]any{
		"status":  "success",
		"summary": "Done.",
	})
	r := newAPIRig(t, mock)

	rec := r.do(t, http.MethodPost, "/api/v1/tasks", runtime.SubmitRequest{
		Instruction: "Summarise the quarterly report.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	taskID := int64(body["task_id"].(float64))
	assert.Equal(t, body["task_id"], body["tree_id"])

	require.Eventually(t, func() bool {
		got, err := r.store.GetTaskByID(context.Background(), taskID)
		return err == nil && got.State == models.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = r.do(t, http.MethodGet, "/api/v1/tasks/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, models.StateCompleted, task.State)
	assert.Equal(t, "Done.", task.Summary)
}

func TestSubmitTaskRejectsBadRequests(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"instruction": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	r.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestGetTaskErrors(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodGet, "/api/v1/tasks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/v1/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListActiveTasks(t *testing.T) {
	mock := llm.NewMockProvider().Handle(func(ctx context.Context, _ *llm.GenerateInput) (*llm.GenerateOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := newAPIRig(t, mock)

	rec := r.do(t, http.MethodPost, "/api/v1/tasks", runtime.SubmitRequest{Instruction: "Long running work."})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		rec := r.do(t, http.MethodGet, "/api/v1/tasks/active", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Count int `json:"count"`
		}
		return json.Unmarshal(rec.Body.Bytes(), &body) == nil && body.Count >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTreeEndpoints(t *testing.T) {
	mock := llm.NewMockProvider().Handle(func(ctx context.Context, _ *llm.GenerateInput) (*llm.GenerateOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := newAPIRig(t, mock)

	rec := r.do(t, http.MethodPost, "/api/v1/tasks", runtime.SubmitRequest{Instruction: "Tree under test."})
	require.Equal(t, http.StatusCreated, rec.Code)
	treeID := int64(decodeBody(t, rec)["tree_id"].(float64))

	rec = r.do(t, http.MethodGet, "/api/v1/trees/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["tasks"], 1)

	rec = r.do(t, http.MethodGet, "/api/v1/trees/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/trees/999/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/trees/1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		got, err := r.store.GetTaskByID(context.Background(), treeID)
		return err == nil && got.State == models.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStepEndpoint(t *testing.T) {
	mock := llm.NewMockProvider().Handle(func(ctx context.Context, _ *llm.GenerateInput) (*llm.GenerateOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := newAPIRig(t, mock)

	rec := r.do(t, http.MethodPost, "/api/v1/tasks", runtime.SubmitRequest{Instruction: "Steppable work."})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/tasks/1/step", map[string]any{"action": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/tasks/999/step", map[string]any{"action": "continue"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/tasks/1/step", map[string]any{"action": "abort"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		got, err := r.store.GetTaskByID(context.Background(), 1)
		return err == nil && got.State == models.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTreeSteppingEndpoint(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodPost, "/api/v1/trees/7/stepping", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["enabled"])

	rec = r.do(t, http.MethodPost, "/api/v1/trees/7/stepping", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodGet, "/api/v1/system/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings runtime.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, 5, settings.MaxConcurrentAgents)

	settings.MaxConcurrentAgents = 9
	rec = r.do(t, http.MethodPut, "/api/v1/system/settings", settings)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, r.engine.Settings().MaxConcurrentAgents)

	settings.MaxConcurrentAgents = 0
	rec = r.do(t, http.MethodPut, "/api/v1/system/settings", settings)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWarningsEndpoint(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodGet, "/api/v1/system/warnings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestHealthEndpoint(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["store"])
	assert.Contains(t, body, "queue_depth")
}

func TestMetricsEndpoint(t *testing.T) {
	r := newAPIRig(t, llm.NewMockProvider())

	rec := r.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTaskMessagesEndpoint(t *testing.T) {
	mock := llm.NewMockProvider().EnqueueToolCall("c1", "end_task", map[string]any{
		"status": "success", "summary": "ok",
	})
	r := newAPIRig(t, mock)

	rec := r.do(t, http.MethodPost, "/api/v1/tasks", runtime.SubmitRequest{Instruction: "Track my conversation."})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		got, err := r.store.GetTaskByID(context.Background(), 1)
		return err == nil && got.State == models.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = r.do(t, http.MethodGet, "/api/v1/tasks/1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/v1/tasks/999/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
