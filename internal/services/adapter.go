package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
)

// LLM is a chat model provider. Chat streams the contents generated for turns; a call_tool content
// ends the generation, and the caller resumes it by sending the tool result back in a new Chat.
type LLM interface {
	Chat(ctx context.Context, model string, turns []models.Turn, tools []mcp.Tool) iter.Seq2[models.Content, error]
	GenerateTitle(ctx context.Context, model, systemPrompt, message string) (string, error)
}

// ToolRunner offers tools to the models and executes their calls.
type ToolRunner interface {
	Tools() []mcp.Tool
	Call(ctx context.Context, call models.Content) models.Content
}

// Provider binds an LLM to the models it serves.
type Provider struct {
	Name   string
	LLM    LLM
	Models []string
}

// AdapterConfig holds the prompts and limits of an Adapter.
type AdapterConfig struct {
	SystemPrompt string

	// TitleModel generates conversation titles. Titles are not suggested when it is empty.
	TitleModel  string
	TitlePrompt string

	// MaxToolRounds bounds how many times a single generation may call tools.
	MaxToolRounds int
}

// Adapter routes a turn to the provider of the requested model and drives the tool loop, so the
// caller sees a single ordered stream per turn.
type Adapter struct {
	cfg    AdapterConfig
	routes map[string]LLM
	models []models.ModelInfo
	tools  ToolRunner

	logger *slog.Logger
}

// ErrUnknownModel is returned when no provider serves the requested model.
var ErrUnknownModel = errors.New("unknown model")

const (
	defaultMaxToolRounds = 8
	defaultTitlePrompt   = "Generate a short title, at most six words, for a conversation that " +
		"starts with the following message. Reply with the title only, without quotes or punctuation."

	titleInputLimit = 500
	titleLimit      = 40
)

// NewAdapter builds an Adapter over providers. A model served by more than one provider is routed
// to the first of them. tools may be nil when no MCP server is configured.
func NewAdapter(cfg AdapterConfig, providers []Provider, tools ToolRunner, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "adapter"))

	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.TitlePrompt == "" {
		cfg.TitlePrompt = defaultTitlePrompt
	}

	a := Adapter{
		cfg:    cfg,
		routes: make(map[string]LLM),
		tools:  tools,
		logger: logger,
	}
	for _, p := range providers {
		for _, name := range p.Models {
			if _, ok := a.routes[name]; ok {
				logger.Warn("Model is served by more than one provider, keeping the first",
					slog.String("model", name),
					slog.String("provider", p.Name))
				continue
			}
			a.routes[name] = p.LLM
			a.models = append(a.models, models.ModelInfo{Name: name, Provider: p.Name})
		}
	}
	return a
}

// Models returns the selectable models in configuration order.
func (a Adapter) Models() []models.ModelInfo {
	return a.models
}

// HasModel reports whether a provider serves the model.
func (a Adapter) HasModel(name string) bool {
	_, ok := a.routes[name]
	return ok
}

// Stream generates the next assistant message for history with model. Tool calls requested by the
// model are executed between generations: the stream yields the call_tool content, then its
// tool_result, then whatever the model generates with the result in hand. The last allowed round
// is offered no tools, so the model has to answer.
func (a Adapter) Stream(ctx context.Context, model string, history []models.Message) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		llm, ok := a.routes[model]
		if !ok {
			yield(models.Content{}, fmt.Errorf("%w: %s", ErrUnknownModel, model))
			return
		}

		turns := a.turns(history)
		var tools []mcp.Tool
		if a.tools != nil {
			tools = a.tools.Tools()
		}

		for round := 0; ; round++ {
			offered := tools
			if round == a.cfg.MaxToolRounds {
				offered = nil
			}

			var generated, calls []models.Content
			for content, err := range llm.Chat(ctx, model, turns, offered) {
				if err != nil {
					yield(models.Content{}, err)
					return
				}
				switch content.Type {
				case models.ContentTypeCallTool:
					calls = append(calls, content)
				case models.ContentTypeText:
					generated = append(generated, content)
				}
				if !yield(content, nil) {
					return
				}
			}
			if len(calls) == 0 {
				return
			}
			if offered == nil {
				yield(models.Content{}, fmt.Errorf("model %s kept calling tools after %d rounds", model, a.cfg.MaxToolRounds))
				return
			}

			for _, call := range calls {
				a.logger.Debug("Calling tool",
					slog.String("model", model),
					slog.String("toolName", call.ToolName),
					slog.Int("round", round))

				result := a.tools.Call(ctx, call)
				if ctx.Err() != nil {
					yield(models.Content{}, ctx.Err())
					return
				}
				if !yield(result, nil) {
					return
				}
				generated = append(generated, call, result)
			}
			turns = append(turns, models.Turn{Role: models.RoleAssistant, Contents: generated})
		}
	}
}

// turns converts the stored history into provider turns. Reasoning and tool summaries are stripped,
// and messages left without text are skipped.
func (a Adapter) turns(history []models.Message) []models.Turn {
	turns := make([]models.Turn, 0, len(history)+1)
	if a.cfg.SystemPrompt != "" {
		turns = append(turns, models.Turn{
			Role:     models.RoleSystem,
			Contents: []models.Content{{Type: models.ContentTypeText, Text: a.cfg.SystemPrompt}},
		})
	}
	for _, msg := range history {
		text := strings.TrimSpace(models.StripMarkers(msg.Content))
		if text == "" {
			continue
		}
		turns = append(turns, models.Turn{
			Role:     msg.Role,
			Contents: []models.Content{{Type: models.ContentTypeText, Text: text}},
		})
	}
	return turns
}

// SuggestTitle asks the title model for a short title of the first message of a conversation. It
// returns an empty title when no title model is configured.
func (a Adapter) SuggestTitle(ctx context.Context, message string) (string, error) {
	if a.cfg.TitleModel == "" {
		return "", nil
	}
	llm, ok := a.routes[a.cfg.TitleModel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, a.cfg.TitleModel)
	}

	title, err := llm.GenerateTitle(ctx, a.cfg.TitleModel, a.cfg.TitlePrompt, models.Truncate(message, titleInputLimit))
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	title = strings.TrimSpace(models.StripMarkers(title))
	if i := strings.IndexByte(title, '\n'); i != -1 {
		title = title[:i]
	}
	title = strings.Trim(strings.TrimSpace(title), "\"'`")
	return strings.TrimSpace(models.Truncate(title, titleLimit)), nil
}
