package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

type exportPage struct {
	Title      string
	CreatedAt  time.Time
	ExportedAt time.Time
	Messages   []exportMessage
}

type exportMessage struct {
	Role        models.Role
	Model       string
	Timestamp   time.Time
	FinishError string
	Parts       []exportPart
}

type exportPart struct {
	Kind models.SegmentKind
	HTML template.HTML
	Tool *models.ToolSummary
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
	)
}

// HandleExport renders a conversation as a standalone HTML transcript. Reasoning and tool calls
// are folded into details blocks.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	conv, err := m.editor.Conversation(r.Context(), requester(r), chi.URLParam(r, "conversationID"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	page, err := m.exportPage(conv)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "export.html", page); err != nil {
		m.writeError(w, r, fmt.Errorf("failed to render transcript: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", conv.ID+".html"))
	}
	if _, err := buf.WriteTo(w); err != nil {
		m.logger.Debug("Failed to write transcript", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) exportPage(conv models.Conversation) (exportPage, error) {
	page := exportPage{
		Title:      conv.Title,
		CreatedAt:  conv.CreatedAt,
		ExportedAt: time.Now(),
	}

	for _, msg := range conv.Messages {
		em := exportMessage{
			Role:      msg.Role,
			Model:     msg.Model,
			Timestamp: msg.Timestamp,
		}
		if msg.FinishError != nil {
			em.FinishError = *msg.FinishError
		}

		for _, seg := range models.Segments(msg.Content) {
			part := exportPart{Kind: seg.Kind, Tool: seg.Tool}
			if seg.Kind != models.SegmentTool {
				html, err := m.renderMarkdown(seg.Text)
				if err != nil {
					return exportPage{}, err
				}
				part.HTML = html
			}
			em.Parts = append(em.Parts, part)
		}
		page.Messages = append(page.Messages, em)
	}
	return page, nil
}

func (m Main) renderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	// goldmark omits raw HTML unless the unsafe renderer option is set.
	return template.HTML(buf.String()), nil //nolint:gosec
}
