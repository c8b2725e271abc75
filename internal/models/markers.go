package models

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Reasoning and tool summaries travel inline in the message text, wrapped with these markers.
const (
	ReasoningOpen  = "<think>"
	ReasoningClose = "</think>"

	ToolOpen  = "<ToolCall>"
	ToolClose = "</ToolCall>"
)

const (
	maxToolRefs       = 6
	maxToolExcerptLen = 160
)

// SegmentKind identifies a structured part of a stored message.
type SegmentKind string

const (
	SegmentText      SegmentKind = "text"
	SegmentReasoning SegmentKind = "reasoning"
	SegmentTool      SegmentKind = "tool"
)

// Segment is one structured part of a message content, as reconstructed from its markers.
type Segment struct {
	Kind SegmentKind
	Text string
	Tool *ToolSummary
}

// ToolSummary is the compact, serializable record of a tool call that is broadcast to viewers
// and stored with the message. It never carries the raw provider payload.
type ToolSummary struct {
	Name    string   `json:"name"`
	Failed  bool     `json:"failed,omitempty"`
	Refs    []string `json:"refs,omitempty"`
	Excerpt string   `json:"excerpt,omitempty"`
}

var (
	reasoningBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	reasoningTailRe  = regexp.MustCompile(`(?s)<think>.*$`)
	toolBlockRe      = regexp.MustCompile(`(?s)<ToolCall>.*?</ToolCall>`)
	urlRe            = regexp.MustCompile(`https?://[^\s"'<>\\)\]]+`)
)

// SummarizeTool builds the summary of a tool result content. URLs found in the result become
// references; when there are none a short excerpt of the result text is kept instead.
func SummarizeTool(result Content) ToolSummary {
	s := ToolSummary{
		Name:   result.ToolName,
		Failed: result.CallToolFailed,
	}

	text := toolResultText(result.ToolResult)
	seen := make(map[string]bool)
	for _, u := range urlRe.FindAllString(text, -1) {
		if seen[u] {
			continue
		}
		seen[u] = true
		s.Refs = append(s.Refs, u)
		if len(s.Refs) == maxToolRefs {
			break
		}
	}
	if len(s.Refs) == 0 {
		s.Excerpt = Truncate(strings.TrimSpace(text), maxToolExcerptLen)
	}
	return s
}

// Marker renders the summary as the inline text that is appended to the assistant message.
func (s ToolSummary) Marker() string {
	b, err := json.Marshal(s)
	if err != nil {
		b = []byte(`{"name":"` + s.Name + `"}`)
	}
	return ToolOpen + string(b) + ToolClose
}

// StripMarkers removes reasoning blocks and tool summaries, leaving only the answer text. This is
// what gets sent back to a provider as history.
func StripMarkers(content string) string {
	content = reasoningBlockRe.ReplaceAllString(content, "")
	content = reasoningTailRe.ReplaceAllString(content, "")
	content = toolBlockRe.ReplaceAllString(content, "")
	return content
}

// Segments splits a stored message content into its text, reasoning and tool parts, in order.
// An unterminated reasoning block runs to the end of the content.
func Segments(content string) []Segment {
	var segs []Segment
	push := func(kind SegmentKind, text string) {
		if text == "" {
			return
		}
		if kind == SegmentText && len(segs) > 0 && segs[len(segs)-1].Kind == SegmentText {
			segs[len(segs)-1].Text += text
			return
		}
		segs = append(segs, Segment{Kind: kind, Text: text})
	}

	rest := content
	for rest != "" {
		ri := strings.Index(rest, ReasoningOpen)
		ti := strings.Index(rest, ToolOpen)
		if ri == -1 && ti == -1 {
			push(SegmentText, rest)
			break
		}

		if ti == -1 || (ri != -1 && ri < ti) {
			push(SegmentText, rest[:ri])
			rest = rest[ri+len(ReasoningOpen):]
			end := strings.Index(rest, ReasoningClose)
			if end == -1 {
				push(SegmentReasoning, rest)
				break
			}
			push(SegmentReasoning, rest[:end])
			rest = rest[end+len(ReasoningClose):]
			continue
		}

		push(SegmentText, rest[:ti])
		rest = rest[ti+len(ToolOpen):]
		end := strings.Index(rest, ToolClose)
		if end == -1 {
			push(SegmentText, ToolOpen+rest)
			break
		}
		var ts ToolSummary
		if err := json.Unmarshal([]byte(rest[:end]), &ts); err == nil {
			segs = append(segs, Segment{Kind: SegmentTool, Tool: &ts})
		}
		rest = rest[end+len(ToolClose):]
	}
	return segs
}

// toolResultText flattens a tool result into plain text. Results from MCP servers are a list of
// contents; anything else is used as-is.
func toolResultText(raw json.RawMessage) string {
	var contents []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &contents); err == nil {
		var sb strings.Builder
		for _, c := range contents {
			if c.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(c.Text)
		}
		return sb.String()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
