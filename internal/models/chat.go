package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Conversation is a titled, ordered sequence of messages owned by one user. IsStreaming mirrors
// whether an assistant turn is currently being generated for it.
type Conversation struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	IsStreaming bool      `json:"isStreaming"`

	// Messages is only filled by operations that load the full conversation, ordered by Index.
	Messages []Message `json:"messages,omitempty"`
}

// Message is an individual entry within a conversation. Index is 0-based and contiguous per
// conversation. Model and FinishError are only meaningful for assistant messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Index          int       `json:"index"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Model          string    `json:"model,omitempty"`
	FinishError    *string   `json:"finishError"`
}

// Turn is a provider-facing history entry. Unlike Message, a turn may carry tool calls and tool
// results as separate contents, so a generation that used tools can be resumed.
type Turn struct {
	Role     Role
	Contents []Content
}

// Content is a message content with its type.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText or ContentTypeReasoning.
	Text string

	// ToolName would be filled if Type is ContentTypeCallTool or ContentTypeToolResult.
	ToolName string
	// ToolInput would be filled if Type is ContentTypeCallTool.
	ToolInput json.RawMessage

	// ToolResult would be filled if Type is ContentTypeToolResult. The value would be either tool result or error.
	ToolResult json.RawMessage

	// CallToolID would be filled if Type is ContentTypeCallTool or ContentTypeToolResult.
	CallToolID string
	// CallToolFailed is a flag indicating if the call tool failed.
	// This flag would be set to true if the call tool failed and Type is ContentTypeToolResult.
	CallToolFailed bool
}

// ModelInfo describes a model that can be selected for a turn.
type ModelInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system prompt.
	RoleSystem Role = "system"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeReasoning represents reasoning (thinking) text emitted before or between answers.
	ContentTypeReasoning ContentType = "reasoning"
	// ContentTypeCallTool represents a call to a tool.
	ContentTypeCallTool ContentType = "call_tool"
	// ContentTypeToolResult represents the result of a tool call.
	ContentTypeToolResult ContentType = "tool_result"

	// DefaultTitle is the title of a conversation before one is suggested.
	DefaultTitle = "New Chat"
)

var (
	// ErrNotFound is returned when a conversation or message doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the requester doesn't own the conversation.
	ErrForbidden = errors.New("forbidden")
)

// HasMessage reports whether the conversation holds a message with the given id.
func (c Conversation) HasMessage(id string) bool {
	return c.MessageIndex(id) != -1
}

// MessageIndex returns the position of the message with the given id in c.Messages, or -1.
func (c Conversation) MessageIndex(id string) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// RenderContents renders a slice of Content into a string, for providers that only accept plain
// text. Reasoning is dropped, tool calls and results are rendered as fenced JSON blocks.
func RenderContents(contents []Content) string {
	var sb strings.Builder
	for _, content := range contents {
		switch content.Type {
		case ContentTypeText:
			if content.Text == "" {
				continue
			}
			sb.WriteString(content.Text)
		case ContentTypeReasoning:
			continue
		case ContentTypeCallTool:
			sb.WriteString("  \n\n")
			sb.WriteString(fmt.Sprintf("Calling Tool: %s  \n", content.ToolName))
			sb.WriteString("Input:  \n")
			sb.WriteString(fmt.Sprintf("```json  \n%s  \n```  \n", prettyJSON(content.ToolInput)))
		case ContentTypeToolResult:
			sb.WriteString("  \n\n")
			sb.WriteString("Result:  \n")
			sb.WriteString(fmt.Sprintf("```json  \n%s  \n```  \n", prettyJSON(content.ToolResult)))
		}
	}
	return sb.String()
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err == nil {
		return buf.String()
	}
	return string(raw)
}
