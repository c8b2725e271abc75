package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams chat completions from the Anthropic Messages API. Text and thinking deltas are
// yielded as they arrive; tool_use blocks are yielded as call_tool contents once the stream ends.
type Anthropic struct {
	apiKey         string
	endpoint       string
	maxTokens      int
	thinkingBudget int
	params         Parameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint    = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
	anthropicTitleMaxTokens = 64
)

// NewAnthropic creates an Anthropic provider. A positive thinkingBudget enables extended thinking
// with that many tokens; maxTokens must then be larger than the budget.
func NewAnthropic(apiKey, endpoint string, maxTokens, thinkingBudget int, params Parameters, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}

	return Anthropic{
		apiKey:         apiKey,
		endpoint:       strings.TrimSuffix(endpoint, "/"),
		maxTokens:      maxTokens,
		thinkingBudget: thinkingBudget,
		params:         params,
		client:         &http.Client{},
		logger:         logger.With(slog.String("module", "anthropic")),
	}
}

// anthropicMessages converts turns into the Messages API shape. The system turn moves to the system
// field, tool results are sent by the user, and consecutive blocks of one role share a message.
// With plainTools set, tool calls and results are sent as rendered text instead of tool blocks:
// extended thinking rejects a tool_use turn that doesn't replay its signed thinking block.
func anthropicMessages(turns []models.Turn, plainTools bool) (string, []anthropicMessage) {
	var system []string
	var msgs []anthropicMessage
	add := func(role string, block anthropicBlock) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, block)
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: []anthropicBlock{block}})
	}

	for _, turn := range turns {
		for _, ct := range turn.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text == "" {
					continue
				}
				if turn.Role == models.RoleSystem {
					system = append(system, ct.Text)
					continue
				}
				add(string(turn.Role), anthropicBlock{Type: "text", Text: ct.Text})
			case models.ContentTypeCallTool:
				if plainTools {
					add(string(models.RoleAssistant), anthropicBlock{Type: "text", Text: models.RenderContents([]models.Content{ct})})
					continue
				}
				input := ct.ToolInput
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				add(string(models.RoleAssistant), anthropicBlock{
					Type:  "tool_use",
					ID:    ct.CallToolID,
					Name:  ct.ToolName,
					Input: input,
				})
			case models.ContentTypeToolResult:
				if plainTools {
					add(string(models.RoleUser), anthropicBlock{Type: "text", Text: models.RenderContents([]models.Content{ct})})
					continue
				}
				add(string(models.RoleUser), anthropicBlock{
					Type:      "tool_result",
					ToolUseID: ct.CallToolID,
					Content:   string(ct.ToolResult),
					IsError:   ct.CallToolFailed,
				})
			}
		}
	}
	return strings.Join(system, "\n\n"), msgs
}

// Chat streams the reply of model to turns.
func (a Anthropic) Chat(ctx context.Context, model string, turns []models.Turn, tools []mcp.Tool) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		system, msgs := anthropicMessages(turns, a.thinkingBudget > 0)

		reqBody := a.chatRequest(model, system, msgs, a.maxTokens)
		reqBody.Stream = true
		for _, tool := range tools {
			reqBody.Tools = append(reqBody.Tools, anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
		if a.thinkingBudget > 0 {
			reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: a.thinkingBudget}
		}

		resp, err := a.doRequest(ctx, reqBody)
		if err != nil {
			yield(models.Content{}, err)
			return
		}
		defer resp.Body.Close()

		calls := make(map[int]*models.Content)
		var order []int
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Content{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Content{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Content{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "content_block_start":
				var start anthropicBlockStart
				if err := json.Unmarshal([]byte(ev.Data), &start); err != nil {
					yield(models.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if start.ContentBlock.Type == "tool_use" {
					calls[start.Index] = &models.Content{
						Type:       models.ContentTypeCallTool,
						ToolName:   start.ContentBlock.Name,
						CallToolID: start.ContentBlock.ID,
					}
					order = append(order, start.Index)
				}
			case "content_block_delta":
				var res anthropicBlockDelta
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				var content models.Content
				switch res.Delta.Type {
				case "text_delta":
					content = models.Content{Type: models.ContentTypeText, Text: res.Delta.Text}
				case "thinking_delta":
					content = models.Content{Type: models.ContentTypeReasoning, Text: res.Delta.Thinking}
				case "input_json_delta":
					if call, ok := calls[res.Index]; ok {
						call.ToolInput = append(call.ToolInput, res.Delta.PartialJSON...)
					}
					continue
				default:
					continue
				}
				if content.Text == "" {
					continue
				}
				if !yield(content, nil) {
					return
				}
			}
			if ev.Type == "message_stop" {
				break
			}
		}

		for _, idx := range order {
			call := calls[idx]
			if len(call.ToolInput) == 0 {
				call.ToolInput = json.RawMessage("{}")
			}
			a.logger.Debug("Call Tool",
				slog.String("name", call.ToolName),
				slog.String("args", string(call.ToolInput)))
			if !yield(*call, nil) {
				return
			}
		}
	}
}

// GenerateTitle asks model for a title of message, without streaming.
func (a Anthropic) GenerateTitle(ctx context.Context, model, systemPrompt, message string) (string, error) {
	reqBody := a.chatRequest(model, systemPrompt, []anthropicMessage{
		{Role: string(models.RoleUser), Content: []anthropicBlock{{Type: "text", Text: message}}},
	}, anthropicTitleMaxTokens)

	resp, err := a.doRequest(ctx, reqBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	for _, block := range res.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content found")
}

func (a Anthropic) chatRequest(model, system string, msgs []anthropicMessage, maxTokens int) anthropicChatRequest {
	req := anthropicChatRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens,
		TopP:      a.params.TopP,
		Stop:      a.params.Stop,
	}
	if a.thinkingBudget == 0 {
		req.Temperature = a.params.Temperature
	}
	return req
}

func (a Anthropic) doRequest(ctx context.Context, reqBody anthropicChatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	a.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
