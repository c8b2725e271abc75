package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams chat completions from an Ollama server. Reasoning models that wrap their thinking
// in think tags get it split into reasoning contents.
type Ollama struct {
	host   string
	params Parameters

	client *api.Client

	logger *slog.Logger
}

var errStopStream = errors.New("stream stopped by consumer")

// NewOllama creates an Ollama provider for the server at host.
func NewOllama(host string, params Parameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return Ollama{
		host:   host,
		params: params,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(turns []models.Turn) ([]api.Message, error) {
	var msgs []api.Message
	for _, turn := range turns {
		for _, ct := range turn.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text != "" {
					msgs = append(msgs, api.Message{Role: string(turn.Role), Content: ct.Text})
				}
			case models.ContentTypeCallTool:
				var tc api.ToolCall
				tc.Function.Name = ct.ToolName
				if err := json.Unmarshal(ct.ToolInput, &tc.Function.Arguments); err != nil {
					return nil, fmt.Errorf("failed to decode arguments of tool %s: %w", ct.ToolName, err)
				}
				msgs = append(msgs, api.Message{Role: string(models.RoleAssistant), ToolCalls: []api.ToolCall{tc}})
			case models.ContentTypeToolResult:
				msgs = append(msgs, api.Message{Role: "tool", Content: string(ct.ToolResult)})
			}
		}
	}
	return msgs, nil
}

func ollamaTools(tools []mcp.Tool) (api.Tools, error) {
	var ts api.Tools
	for _, tool := range tools {
		var t api.Tool
		t.Type = "function"
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &t.Function.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode schema of tool %s: %w", tool.Name, err)
			}
		}
		ts = append(ts, t)
	}
	return ts, nil
}

// Chat streams the reply of model to turns.
func (o Ollama) Chat(ctx context.Context, model string, turns []models.Turn, tools []mcp.Tool) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		msgs, err := ollamaMessages(turns)
		if err != nil {
			yield(models.Content{}, err)
			return
		}
		oTools, err := ollamaTools(tools)
		if err != nil {
			yield(models.Content{}, err)
			return
		}

		t := true
		req := api.ChatRequest{
			Model:    model,
			Messages: msgs,
			Stream:   &t,
			Tools:    oTools,
			Options:  o.params.ollamaOptions(),
		}

		var splitter thinkSplitter
		var calls []models.Content
		err = o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			for _, content := range splitter.split(res.Message.Content) {
				if !yield(content, nil) {
					return errStopStream
				}
			}
			for i, tc := range res.Message.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					return fmt.Errorf("failed to encode arguments of tool %s: %w", tc.Function.Name, err)
				}
				calls = append(calls, models.Content{
					Type:       models.ContentTypeCallTool,
					ToolName:   tc.Function.Name,
					ToolInput:  args,
					CallToolID: fmt.Sprintf("%s-%d-%d", tc.Function.Name, len(calls), i),
				})
			}
			return nil
		})
		if errors.Is(err, errStopStream) {
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				yield(models.Content{}, ctx.Err())
				return
			}
			yield(models.Content{}, fmt.Errorf("error sending request: %w", err))
			return
		}

		for _, content := range splitter.flush() {
			if !yield(content, nil) {
				return
			}
		}
		for _, call := range calls {
			o.logger.Debug("Call Tool",
				slog.String("name", call.ToolName),
				slog.String("args", string(call.ToolInput)))
			if !yield(call, nil) {
				return
			}
		}
	}
}

// GenerateTitle asks model for a title of message, without streaming.
func (o Ollama) GenerateTitle(ctx context.Context, model, systemPrompt, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: string(models.RoleSystem), Content: systemPrompt},
			{Role: string(models.RoleUser), Content: message},
		},
		Stream: &f,
	}

	var title string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
