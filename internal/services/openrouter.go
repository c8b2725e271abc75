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
	"sort"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams chat completions from OpenRouter, including the reasoning tokens of models
// that expose them.
type OpenRouter struct {
	apiKey   string
	endpoint string
	params   Parameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Tools       []openRouterTool    `json:"tools,omitempty"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream"`
}

type openRouterMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	Reasoning  string               `json:"reasoning,omitempty"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterToolCall struct {
	Index    *int                       `json:"index,omitempty"`
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Function openRouterToolCallFunction `json:"function"`
}

type openRouterToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openRouterTool struct {
	Type     string                 `json:"type"`
	Function openRouterToolFunction `json:"function"`
}

type openRouterToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates an OpenRouter provider. An empty endpoint targets the public API.
func NewOpenRouter(apiKey, endpoint string, params Parameters, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}

	return OpenRouter{
		apiKey:   apiKey,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		params:   params,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

func openRouterMessages(turns []models.Turn) []openRouterMessage {
	var msgs []openRouterMessage
	for _, turn := range turns {
		for _, ct := range turn.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text != "" {
					msgs = append(msgs, openRouterMessage{
						Role:    string(turn.Role),
						Content: ct.Text,
					})
				}
			case models.ContentTypeCallTool:
				msgs = append(msgs, openRouterMessage{
					Role: string(models.RoleAssistant),
					ToolCalls: []openRouterToolCall{
						{
							ID:   ct.CallToolID,
							Type: "function",
							Function: openRouterToolCallFunction{
								Name:      ct.ToolName,
								Arguments: string(ct.ToolInput),
							},
						},
					},
				})
			case models.ContentTypeToolResult:
				msgs = append(msgs, openRouterMessage{
					Role:       "tool",
					ToolCallID: ct.CallToolID,
					Content:    string(ct.ToolResult),
				})
			}
		}
	}
	return msgs
}

// Chat streams the reply of model to turns.
func (o OpenRouter) Chat(ctx context.Context, model string, turns []models.Turn, tools []mcp.Tool) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		reqBody := o.chatRequest(model, openRouterMessages(turns), true)
		for _, tool := range tools {
			reqBody.Tools = append(reqBody.Tools, openRouterTool{
				Type: "function",
				Function: openRouterToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			})
		}

		resp, err := o.doRequest(ctx, reqBody)
		if err != nil {
			yield(models.Content{}, err)
			return
		}
		defer resp.Body.Close()

		calls := make(map[int]*models.Content)
		args := make(map[int]string)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Content{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(models.Content{}, fmt.Errorf("openrouter error %d: %s", res.Error.Code, res.Error.Message))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &models.Content{Type: models.ContentTypeCallTool}
					calls[idx] = call
				}
				if tc.ID != "" {
					call.CallToolID = tc.ID
				}
				if tc.Function.Name != "" {
					call.ToolName = tc.Function.Name
				}
				args[idx] += tc.Function.Arguments
			}

			if delta.Reasoning != "" {
				if !yield(models.Content{Type: models.ContentTypeReasoning, Text: delta.Reasoning}, nil) {
					return
				}
			}
			if delta.Content != "" {
				if !yield(models.Content{Type: models.ContentTypeText, Text: delta.Content}, nil) {
					return
				}
			}
		}

		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			call := calls[idx]
			if args[idx] == "" {
				args[idx] = "{}"
			}
			call.ToolInput = json.RawMessage(args[idx])
			o.logger.Debug("Call Tool",
				slog.String("name", call.ToolName),
				slog.String("args", args[idx]))
			if !yield(*call, nil) {
				return
			}
		}
	}
}

// GenerateTitle asks model for a title of message, without streaming.
func (o OpenRouter) GenerateTitle(ctx context.Context, model, systemPrompt, message string) (string, error) {
	msgs := []openRouterMessage{
		{Role: string(models.RoleSystem), Content: systemPrompt},
		{Role: string(models.RoleUser), Content: message},
	}

	resp, err := o.doRequest(ctx, o.chatRequest(model, msgs, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func (o OpenRouter) chatRequest(model string, msgs []openRouterMessage, stream bool) openRouterChatRequest {
	return openRouterChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: o.params.Temperature,
		TopP:        o.params.TopP,
		MaxTokens:   o.params.MaxTokens,
		Stop:        o.params.Stop,
		Stream:      stream,
	}
}

func (o OpenRouter) doRequest(ctx context.Context, reqBody openRouterChatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/relaychat/")
	req.Header.Set("X-Title", "Relaychat")

	resp, err := o.client.Do(req)
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
