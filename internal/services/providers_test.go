package services_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	path string
	body map[string]any
}

// sseServer replays events as a text/event-stream and records the request it received.
func sseServer(t *testing.T, events []string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &rec.body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = fmt.Fprint(w, e)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func sseEvent(typ, data string) string {
	if typ == "" {
		return "data: " + data + "\n\n"
	}
	return "event: " + typ + "\ndata: " + data + "\n\n"
}

var turns = []models.Turn{
	{Role: models.RoleSystem, Contents: []models.Content{textContent("Be brief.")}},
	{Role: models.RoleUser, Contents: []models.Content{textContent("Tell me about Lisbon")}},
}

var searchTool = []mcp.Tool{{
	Name:        "search",
	Description: "Search the web",
	InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
}}

func TestAnthropic_Chat(t *testing.T) {
	srv, rec := sseServer(t, []string{
		sseEvent("message_start", `{"type":"message_start"}`),
		sseEvent("content_block_start", `{"index":0,"content_block":{"type":"thinking"}}`),
		sseEvent("content_block_delta", `{"index":0,"delta":{"type":"thinking_delta","thinking":"sunny city"}}`),
		sseEvent("content_block_start", `{"index":1,"content_block":{"type":"text"}}`),
		sseEvent("content_block_delta", `{"index":1,"delta":{"type":"text_delta","text":"Let me check."}}`),
		sseEvent("content_block_start", `{"index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"search"}}`),
		sseEvent("content_block_delta", `{"index":2,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		sseEvent("content_block_delta", `{"index":2,"delta":{"type":"input_json_delta","partial_json":"\"lisbon\"}"}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	})

	a := services.NewAnthropic("key", srv.URL, 1024, 0, services.Parameters{}, nil)
	got, err := collect(t, a.Chat(t.Context(), "claude-sonnet", turns, searchTool))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, models.Content{Type: models.ContentTypeReasoning, Text: "sunny city"}, got[0])
	assert.Equal(t, textContent("Let me check."), got[1])
	assert.Equal(t, models.ContentTypeCallTool, got[2].Type)
	assert.Equal(t, "toolu_1", got[2].CallToolID)
	assert.JSONEq(t, `{"q":"lisbon"}`, string(got[2].ToolInput))

	assert.Equal(t, "/messages", rec.path)
	assert.Equal(t, "Be brief.", rec.body["system"])
	assert.Len(t, rec.body["messages"], 1)
	assert.Len(t, rec.body["tools"], 1)
}

func TestAnthropic_ChatError(t *testing.T) {
	srv, _ := sseServer(t, []string{
		sseEvent("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"Hi"}}`),
		sseEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
	})

	a := services.NewAnthropic("key", srv.URL, 0, 0, services.Parameters{}, nil)
	got, err := collect(t, a.Chat(t.Context(), "claude-sonnet", turns, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overloaded")
	assert.Equal(t, []models.Content{textContent("Hi")}, got)
}

func TestAnthropic_ToolResultsAreSentByUser(t *testing.T) {
	srv, rec := sseServer(t, []string{sseEvent("message_stop", `{}`)})

	withTool := append([]models.Turn{}, turns...)
	withTool = append(withTool, models.Turn{Role: models.RoleAssistant, Contents: []models.Content{
		textContent("Let me check."),
		{Type: models.ContentTypeCallTool, ToolName: "search", CallToolID: "toolu_1", ToolInput: json.RawMessage(`{}`)},
		{Type: models.ContentTypeToolResult, ToolName: "search", CallToolID: "toolu_1", ToolResult: json.RawMessage(`"ok"`)},
	}})

	a := services.NewAnthropic("key", srv.URL, 0, 0, services.Parameters{}, nil)
	_, err := collect(t, a.Chat(t.Context(), "claude-sonnet", withTool, nil))
	require.NoError(t, err)

	msgs, ok := rec.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.(map[string]any)["role"].(string)
	}
	assert.Equal(t, []string{"user", "assistant", "user"}, roles)
	assert.Len(t, msgs[1].(map[string]any)["content"], 2)
}

func TestAnthropic_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, 0, 0, services.Parameters{}, nil)
	_, err := collect(t, a.Chat(t.Context(), "claude-sonnet", turns, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestOpenRouter_Chat(t *testing.T) {
	srv, rec := sseServer(t, []string{
		sseEvent("", `{"choices":[{"delta":{"reasoning":"thinking about Lisbon"}}]}`),
		sseEvent("", `{"choices":[{"delta":{"content":"Lisbon "}}]}`),
		sseEvent("", `{"choices":[{"delta":{"content":"is hilly."}}]}`),
		sseEvent("", `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":"{\"q\""}}]}}]}`),
		sseEvent("", `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"trams\"}"}}]}}]}`),
		sseEvent("", `[DONE]`),
	})

	o := services.NewOpenRouter("key", srv.URL, services.Parameters{}, nil)
	got, err := collect(t, o.Chat(t.Context(), "deepseek/deepseek-r1", turns, searchTool))
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, models.ContentTypeReasoning, got[0].Type)
	assert.Equal(t, "Lisbon ", got[1].Text)
	assert.Equal(t, "is hilly.", got[2].Text)
	assert.Equal(t, "call_1", got[3].CallToolID)
	assert.JSONEq(t, `{"q":"trams"}`, string(got[3].ToolInput))

	assert.Equal(t, "/chat/completions", rec.path)
	assert.Equal(t, true, rec.body["stream"])
}

func TestOpenRouter_StopsWhenConsumerStops(t *testing.T) {
	srv, _ := sseServer(t, []string{
		sseEvent("", `{"choices":[{"delta":{"content":"one"}}]}`),
		sseEvent("", `{"choices":[{"delta":{"content":"two"}}]}`),
		sseEvent("", `[DONE]`),
	})

	o := services.NewOpenRouter("key", srv.URL, services.Parameters{}, nil)
	var got []string
	for c, err := range o.Chat(t.Context(), "m", turns, nil) {
		require.NoError(t, err)
		got = append(got, c.Text)
		break
	}
	assert.Equal(t, []string{"one"}, got)
}

func TestOpenAI_Chat(t *testing.T) {
	srv, rec := sseServer(t, []string{
		sseEvent("", `{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Lisbon"}}]}`),
		sseEvent("", `{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search","arguments":""}}]}}]}`),
		sseEvent("", `{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"fetch","arguments":"{}"}}]}}]}`),
		sseEvent("", `{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":\"x\"}"}}]}}]}`),
		sseEvent("", `[DONE]`),
	})

	o := services.NewOpenAI("key", srv.URL, services.Parameters{}, nil)
	got, err := collect(t, o.Chat(t.Context(), "gpt-4o", turns, searchTool))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, textContent("Lisbon"), got[0])
	assert.Equal(t, "call_a", got[1].CallToolID)
	assert.JSONEq(t, `{"q":"x"}`, string(got[1].ToolInput))
	assert.Equal(t, "call_b", got[2].CallToolID)
	assert.Equal(t, "fetch", got[2].ToolName)

	assert.True(t, strings.HasSuffix(rec.path, "/chat/completions"))
	assert.Len(t, rec.body["tools"], 1)
}

func TestOllama_Chat(t *testing.T) {
	lines := []string{
		`{"model":"deepseek-r1","message":{"role":"assistant","content":"<thi"},"done":false}`,
		`{"model":"deepseek-r1","message":{"role":"assistant","content":"nk>hmm</think>"},"done":false}`,
		`{"model":"deepseek-r1","message":{"role":"assistant","content":"Lisbon"},"done":false}`,
		`{"model":"deepseek-r1","message":{"role":"assistant","content":""},"done":true}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, services.Parameters{}, nil)
	require.NoError(t, err)

	got, err := collect(t, o.Chat(t.Context(), "deepseek-r1", turns, nil))
	require.NoError(t, err)
	assert.Equal(t, []models.Content{
		{Type: models.ContentTypeReasoning, Text: "hmm"},
		textContent("Lisbon"),
	}, got)

	var first []models.Content
	for c, err := range o.Chat(t.Context(), "deepseek-r1", turns, nil) {
		require.NoError(t, err)
		first = append(first, c)
		break
	}
	assert.Len(t, first, 1, "stopping the iterator ends the stream without further yields")
}
