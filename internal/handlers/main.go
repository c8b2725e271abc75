package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/relaychat"
	"github.com/MegaGrindStone/relaychat/internal/auth"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/streaming"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"
)

// Coordinator starts, stops and streams assistant turns.
type Coordinator interface {
	SendMessage(ctx context.Context, requester, conversationID, model, text string) (streaming.StartedTurn, error)
	Stop(ctx context.Context, requester, conversationID string) error
	Join(ctx context.Context, requester, conversationID string) (<-chan streaming.Event, error)
	SubscribeUser(ctx context.Context, requester string) <-chan streaming.Event
}

// Editor manages conversations and rewrites their history.
type Editor interface {
	Regenerate(ctx context.Context, requester, conversationID, messageID, model string) (*models.Message, error)
	Fork(ctx context.Context, requester, conversationID, messageID string) (models.Conversation, error)
	Delete(ctx context.Context, requester, conversationID string) error
	NewConversation(ctx context.Context, requester string) (models.Conversation, error)
	Conversations(ctx context.Context, requester string) ([]models.Conversation, error)
	Conversation(ctx context.Context, requester, conversationID string) (models.Conversation, error)
}

// ModelCatalog lists the models a turn can be generated with.
type ModelCatalog interface {
	Models() []models.ModelInfo
	HasModel(name string) bool
}

// Main serves the HTTP API: conversation management, turn control, the event streams and the
// transcript export.
type Main struct {
	coordinator Coordinator
	editor      Editor
	catalog     ModelCatalog
	verifier    auth.TokenVerifier

	templates *template.Template
	markdown  goldmark.Markdown

	keepAlive time.Duration
	done      chan struct{}
	closeOnce *sync.Once

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

const (
	errLoggerKey = "error"

	defaultKeepAlive = 15 * time.Second
)

// WithVerifier requires bearer tokens checked by verifier. Without it, the user is read from the
// X-User-ID header.
func WithVerifier(v auth.TokenVerifier) Option {
	return func(m *Main) {
		m.verifier = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Main) {
		m.logger = logger
	}
}

// WithKeepAlive sets the interval of the comments that keep idle event streams open.
func WithKeepAlive(d time.Duration) Option {
	return func(m *Main) {
		if d > 0 {
			m.keepAlive = d
		}
	}
}

// NewMain creates the HTTP handlers and parses the export template from the embedded filesystem.
func NewMain(coordinator Coordinator, editor Editor, catalog ModelCatalog, options ...Option) (Main, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string { return t.Format("2006-01-02 15:04") },
	}).ParseFS(relaychat.TemplateFS, "templates/*.html")
	if err != nil {
		return Main{}, err
	}

	m := Main{
		coordinator: coordinator,
		editor:      editor,
		catalog:     catalog,
		templates:   tmpl,
		markdown:    newMarkdown(),
		keepAlive:   defaultKeepAlive,
		done:        make(chan struct{}),
		closeOnce:   &sync.Once{},
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(&m)
	}
	m.logger = m.logger.With(slog.String("module", "handlers"))

	return m, nil
}

// Routes builds the router. Everything but the health check requires a user.
func (m Main) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", m.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(m.verifier))

		r.Get("/models", m.HandleModels)
		r.Get("/events", m.HandleUserEvents)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", m.HandleConversations)
			r.Post("/new", m.HandleNewConversation)
			r.Post("/fork", m.HandleFork)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", m.HandleConversation)
				r.Delete("/", m.HandleDelete)
				r.Post("/messages", m.HandleSendMessage)
				r.Post("/regenerate", m.HandleRegenerate)
				r.Post("/stop", m.HandleStop)
				r.Get("/events", m.HandleConversationEvents)
				r.Get("/export", m.HandleExport)
			})
		})
	})

	return r
}

// Shutdown ends every open event stream so that the HTTP server can drain. It is safe to call more
// than once.
func (m Main) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleModels lists the selectable models.
func (m Main) HandleModels(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.catalog.Models())
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

// writeError maps err to a status code. Caller errors keep their message; anything else is logged
// and reported as an internal error.
func (m Main) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		m.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("requestID", middleware.GetReqID(r.Context())),
			slog.String(errLoggerKey, err.Error()))
		msg = "internal error"
	}
	m.writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, streaming.ErrConversationBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound), errors.Is(err, streaming.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, streaming.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string {
	return e.msg
}

func badRequest(msg string) error {
	return badRequestError{msg: msg}
}

// requester returns the user attached by the auth middleware.
func requester(r *http.Request) string {
	userID, _ := auth.UserFromContext(r.Context())
	return userID
}
