package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/wotbot/tools"
)

type fakeAssistantsAPI struct {
	t           *testing.T
	assistants  atomic.Int32
	submitted   []map[string]any
	cancelled   atomic.Bool
	instruction string
	runTools    []any
}

func (f *fakeAssistantsAPI) handler() http.Handler {
	t := f.t
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assistants", func(w http.ResponseWriter, r *http.Request) {
		f.assistants.Add(1)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "WotBot", body["name"])
		assert.Len(t, body["tools"], 1)
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "asst_1", "object": "assistant"})
	})
	mux.HandleFunc("POST /v1/threads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "thread_1", "object": "thread"})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user", body["role"])
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "msg_1", "thread_id": r.PathValue("thread")})
	})
	mux.HandleFunc("GET /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{"id": "msg_3", "role": "assistant", "run_id": "run_other", "content": []any{
					map[string]any{"type": "text", "text": map[string]any{"value": "stale"}},
				}},
				map[string]any{"id": "msg_2", "role": "assistant", "run_id": "run_1", "content": []any{
					map[string]any{"type": "text", "text": map[string]any{"value": "first"}},
					map[string]any{"type": "text", "text": map[string]any{"value": "second"}},
				}},
			},
		})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.instruction, _ = body["instructions"].(string)
		f.runTools, _ = body["tools"].([]any)
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "run_1", "thread_id": r.PathValue("thread"), "status": "queued"})
	})
	mux.HandleFunc("GET /v1/threads/{thread}/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id":        r.PathValue("run"),
			"thread_id": r.PathValue("thread"),
			"status":    "requires_action",
			"required_action": map[string]any{
				"type": "submit_tool_outputs",
				"submit_tool_outputs": map[string]any{"tool_calls": []any{
					map[string]any{"id": "call_9", "type": "function", "function": map[string]any{"name": "echo", "arguments": `{"text":"hi"}`}},
				}},
			},
		})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs/{run}/submit_tool_outputs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		for _, o := range body["tool_outputs"].([]any) {
			f.submitted = append(f.submitted, o.(map[string]any))
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"id": r.PathValue("run"), "thread_id": r.PathValue("thread"), "status": "in_progress"})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs/{run}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.cancelled.Store(true)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id": r.PathValue("run"), "thread_id": r.PathValue("thread"), "status": "cancelling",
			"last_error": map[string]any{"code": "server_error", "message": "cancelled by client"},
		})
	})
	return mux
}

func TestOpenAIRuns(t *testing.T) {
	ctx := context.Background()
	api := &fakeAssistantsAPI{t: t}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	runs := NewOpenAIRuns(zaptest.NewLogger(t), NewOpenAIClient(cfg), cfg)

	asst, err := runs.EnsureAssistant(ctx, []tools.Descriptor{noopTool()})
	require.NoError(t, err)
	assert.Equal(t, "asst_1", asst)
	_, err = runs.EnsureAssistant(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.assistants.Load())

	thread, err := runs.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread_1", thread)
	require.NoError(t, runs.AddMessage(ctx, thread, "hello"))

	run, err := runs.CreateRun(ctx, thread, asst, "dev mode", []tools.Descriptor{noopTool()})
	require.NoError(t, err)
	assert.Equal(t, RunQueued, run.Status)
	assert.Equal(t, "dev mode", api.instruction)
	require.Len(t, api.runTools, 1)
	assert.Equal(t, "echo", api.runTools[0].(map[string]any)["function"].(map[string]any)["name"])

	run, err = runs.GetRun(ctx, thread, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRequiresAction, run.Status)
	require.Len(t, run.PendingCalls, 1)
	assert.Equal(t, "call_9", run.PendingCalls[0].ID)
	assert.Equal(t, map[string]any{"text": "hi"}, run.PendingCalls[0].Arguments)

	run, err = runs.SubmitToolOutputs(ctx, thread, run.ID, []ToolOutput{{CallID: "call_9", Output: `{"ok":true}`}})
	require.NoError(t, err)
	assert.Equal(t, RunInProgress, run.Status)
	require.Len(t, api.submitted, 1)
	assert.Equal(t, "call_9", api.submitted[0]["tool_call_id"])
	assert.Equal(t, `{"ok":true}`, api.submitted[0]["output"])

	text, err := runs.FinalMessage(ctx, thread, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", text)

	require.NoError(t, runs.CancelRun(ctx, thread, run.ID))
	assert.True(t, api.cancelled.Load())
}

func TestOpenAIRunsConfiguredAssistant(t *testing.T) {
	cfg := testBackendConfig("http://127.0.0.1:0")
	cfg.AssistantID = "asst_configured"
	runs := NewOpenAIRuns(zaptest.NewLogger(t), NewOpenAIClient(cfg), cfg)

	id, err := runs.EnsureAssistant(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "asst_configured", id)
}

func TestConvertRunLastError(t *testing.T) {
	api := &fakeAssistantsAPI{t: t}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := NewOpenAIClient(testBackendConfig(srv.URL))
	run, err := client.CancelRun(context.Background(), "thread_1", "run_1")
	require.NoError(t, err)
	converted := convertRun(run)
	assert.Equal(t, RunCancelling, converted.Status)
	assert.Equal(t, "cancelled by client", converted.LastError)
}
