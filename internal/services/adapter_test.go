package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	mu     sync.Mutex
	rounds [][]models.Content
	err    error
	title  string

	turns       [][]models.Turn
	tools       [][]mcp.Tool
	titleInputs []string
}

func (m *mockLLM) Chat(_ context.Context, _ string, turns []models.Turn, tools []mcp.Tool) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		m.mu.Lock()
		m.turns = append(m.turns, turns)
		m.tools = append(m.tools, tools)
		var round []models.Content
		if len(m.rounds) > 0 {
			round, m.rounds = m.rounds[0], m.rounds[1:]
		}
		err := m.err
		m.mu.Unlock()

		for _, c := range round {
			if !yield(c, nil) {
				return
			}
		}
		if err != nil {
			yield(models.Content{}, err)
		}
	}
}

func (m *mockLLM) GenerateTitle(_ context.Context, _, _, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titleInputs = append(m.titleInputs, message)
	return m.title, m.err
}

type mockTools struct {
	mu    sync.Mutex
	calls []models.Content
}

func (m *mockTools) Tools() []mcp.Tool {
	return []mcp.Tool{{Name: "search", Description: "Search the web"}}
}

func (m *mockTools) Call(_ context.Context, call models.Content) models.Content {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	return models.Content{
		Type:       models.ContentTypeToolResult,
		ToolName:   call.ToolName,
		CallToolID: call.CallToolID,
		ToolResult: json.RawMessage(`[{"type":"text","text":"https://example.com/lisbon"}]`),
	}
}

func textContent(s string) models.Content {
	return models.Content{Type: models.ContentTypeText, Text: s}
}

func toolCall(id string) models.Content {
	return models.Content{
		Type:       models.ContentTypeCallTool,
		ToolName:   "search",
		ToolInput:  json.RawMessage(`{"q":"lisbon"}`),
		CallToolID: id,
	}
}

func collect(t *testing.T, seq iter.Seq2[models.Content, error]) ([]models.Content, error) {
	t.Helper()
	var got []models.Content
	for c, err := range seq {
		if err != nil {
			return got, err
		}
		got = append(got, c)
	}
	return got, nil
}

func TestAdapter_ModelsAndRouting(t *testing.T) {
	first := &mockLLM{rounds: [][]models.Content{{textContent("from first")}}}
	second := &mockLLM{rounds: [][]models.Content{{textContent("from second")}}}
	a := services.NewAdapter(services.AdapterConfig{}, []services.Provider{
		{Name: "ollama", LLM: first, Models: []string{"llama3", "shared"}},
		{Name: "openai", LLM: second, Models: []string{"gpt-4o", "shared"}},
	}, nil, nil)

	assert.Equal(t, []models.ModelInfo{
		{Name: "llama3", Provider: "ollama"},
		{Name: "shared", Provider: "ollama"},
		{Name: "gpt-4o", Provider: "openai"},
	}, a.Models())
	assert.True(t, a.HasModel("gpt-4o"))
	assert.False(t, a.HasModel("claude"))

	got, err := collect(t, a.Stream(t.Context(), "gpt-4o", nil))
	require.NoError(t, err)
	assert.Equal(t, []models.Content{textContent("from second")}, got)

	_, err = collect(t, a.Stream(t.Context(), "claude", nil))
	require.ErrorIs(t, err, services.ErrUnknownModel)
}

func TestAdapter_HistoryBecomesTurns(t *testing.T) {
	llm := &mockLLM{}
	a := services.NewAdapter(services.AdapterConfig{SystemPrompt: "Be brief."}, []services.Provider{
		{Name: "ollama", LLM: llm, Models: []string{"llama3"}},
	}, nil, nil)

	history := []models.Message{
		{Role: models.RoleUser, Content: "Plan a trip"},
		{Role: models.RoleAssistant, Content: "<think>user wants travel</think>Where to?" +
			`<ToolCall>{"name":"search"}</ToolCall>`},
		{Role: models.RoleAssistant, Content: "<think>only thinking"},
		{Role: models.RoleUser, Content: "Lisbon"},
	}
	_, err := collect(t, a.Stream(t.Context(), "llama3", history))
	require.NoError(t, err)

	require.Len(t, llm.turns, 1)
	assert.Equal(t, []models.Turn{
		{Role: models.RoleSystem, Contents: []models.Content{textContent("Be brief.")}},
		{Role: models.RoleUser, Contents: []models.Content{textContent("Plan a trip")}},
		{Role: models.RoleAssistant, Contents: []models.Content{textContent("Where to?")}},
		{Role: models.RoleUser, Contents: []models.Content{textContent("Lisbon")}},
	}, llm.turns[0])
}

func TestAdapter_ToolLoop(t *testing.T) {
	llm := &mockLLM{rounds: [][]models.Content{
		{textContent("Let me look."), toolCall("call-1")},
		{textContent("Lisbon is lovely.")},
	}}
	tools := &mockTools{}
	a := services.NewAdapter(services.AdapterConfig{}, []services.Provider{
		{Name: "openai", LLM: llm, Models: []string{"gpt-4o"}},
	}, tools, nil)

	history := []models.Message{{Role: models.RoleUser, Content: "Tell me about Lisbon"}}
	got, err := collect(t, a.Stream(t.Context(), "gpt-4o", history))
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, models.ContentTypeText, got[0].Type)
	assert.Equal(t, models.ContentTypeCallTool, got[1].Type)
	assert.Equal(t, models.ContentTypeToolResult, got[2].Type)
	assert.Equal(t, "call-1", got[2].CallToolID)
	assert.Equal(t, "Lisbon is lovely.", got[3].Text)

	require.Len(t, tools.calls, 1)
	require.Len(t, llm.turns, 2)
	resumed := llm.turns[1]
	require.Len(t, resumed, 2)
	assert.Equal(t, models.RoleAssistant, resumed[1].Role)
	assert.Equal(t, []models.ContentType{
		models.ContentTypeText, models.ContentTypeCallTool, models.ContentTypeToolResult,
	}, contentTypes(resumed[1].Contents))
	assert.NotEmpty(t, llm.tools[0])
}

func TestAdapter_ToolRoundsAreBounded(t *testing.T) {
	llm := &mockLLM{rounds: [][]models.Content{
		{toolCall("call-1")},
		{toolCall("call-2")},
		{textContent("Giving up on tools.")},
	}}
	tools := &mockTools{}
	a := services.NewAdapter(services.AdapterConfig{MaxToolRounds: 2}, []services.Provider{
		{Name: "openai", LLM: llm, Models: []string{"gpt-4o"}},
	}, tools, nil)

	got, err := collect(t, a.Stream(t.Context(), "gpt-4o", nil))
	require.NoError(t, err)
	assert.Equal(t, "Giving up on tools.", got[len(got)-1].Text)
	assert.Len(t, tools.calls, 2)

	require.Len(t, llm.tools, 3)
	assert.NotEmpty(t, llm.tools[1])
	assert.Empty(t, llm.tools[2], "the last round is offered no tools")
}

func TestAdapter_ToolCallsAfterLastRoundFail(t *testing.T) {
	llm := &mockLLM{rounds: [][]models.Content{
		{toolCall("call-1")},
		{toolCall("call-2")},
	}}
	a := services.NewAdapter(services.AdapterConfig{MaxToolRounds: 1}, []services.Provider{
		{Name: "openai", LLM: llm, Models: []string{"gpt-4o"}},
	}, &mockTools{}, nil)

	_, err := collect(t, a.Stream(t.Context(), "gpt-4o", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kept calling tools")
}

func TestAdapter_ProviderError(t *testing.T) {
	llm := &mockLLM{
		rounds: [][]models.Content{{textContent("partial")}},
		err:    errors.New("connection reset"),
	}
	a := services.NewAdapter(services.AdapterConfig{}, []services.Provider{
		{Name: "openai", LLM: llm, Models: []string{"gpt-4o"}},
	}, nil, nil)

	got, err := collect(t, a.Stream(t.Context(), "gpt-4o", nil))
	require.EqualError(t, err, "connection reset")
	assert.Equal(t, []models.Content{textContent("partial")}, got)
}

func TestAdapter_SuggestTitle(t *testing.T) {
	llm := &mockLLM{title: "  \"A weekend in Lisbon, Portugal, with friends and family\"\nextra"}
	a := services.NewAdapter(services.AdapterConfig{TitleModel: "llama3"}, []services.Provider{
		{Name: "ollama", LLM: llm, Models: []string{"llama3"}},
	}, nil, nil)

	message := strings.Repeat("a", 600)
	title, err := a.SuggestTitle(t.Context(), message)
	require.NoError(t, err)
	assert.Equal(t, "A weekend in Lisbon, Portugal, with frie", title)
	require.Len(t, llm.titleInputs, 1)
	assert.Len(t, llm.titleInputs[0], 500)

	none := services.NewAdapter(services.AdapterConfig{}, nil, nil, nil)
	title, err = none.SuggestTitle(t.Context(), "hello")
	require.NoError(t, err)
	assert.Empty(t, title)

	unknown := services.NewAdapter(services.AdapterConfig{TitleModel: "gone"}, nil, nil, nil)
	_, err = unknown.SuggestTitle(t.Context(), "hello")
	require.ErrorIs(t, err, services.ErrUnknownModel)
}

func contentTypes(contents []models.Content) []models.ContentType {
	types := make([]models.ContentType, len(contents))
	for i, c := range contents {
		types[i] = c.Type
	}
	return types
}
