package streaming

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/google/uuid"
)

// Store is the persistence the coordinator needs. LoadConversation returns the conversation with
// its messages ordered by index, models.ErrNotFound when it doesn't exist and models.ErrForbidden
// when requester doesn't own it.
type Store interface {
	LoadConversation(ctx context.Context, conversationID, requester string) (models.Conversation, error)
	Conversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, conv models.Conversation) error
	UpdateTitle(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, conversationID string) error

	SaveMessage(ctx context.Context, msg models.Message) error
	DeleteMessagesFrom(ctx context.Context, conversationID string, index int) error
	SetStreaming(ctx context.Context, conversationID string, streaming bool) error
}

// Adapter turns a model and a message history into an ordered stream of contents. The stream ends
// when generation is finished; a yielded error means it failed. Implementations must stop
// promptly once the consumer stops ranging or ctx is done.
type Adapter interface {
	Stream(ctx context.Context, model string, history []models.Message) iter.Seq2[models.Content, error]
}

// TitleSuggester suggests a display title from the first user message. An empty title means no
// suggestion.
type TitleSuggester interface {
	SuggestTitle(ctx context.Context, message string) (string, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// StartedTurn describes a turn that was reserved and is now streaming.
type StartedTurn struct {
	UserMessage      *models.Message `json:"userMessage,omitempty"`
	AssistantMessage models.Message  `json:"assistantMessage"`
}

// ErrShuttingDown is returned for new turns once Shutdown was called.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// errSkipTurn is returned by a plan that has nothing to generate.
var errSkipTurn = errors.New("skip turn")

const (
	errLoggerKey = "error"

	defaultSaveTimeout  = 5 * time.Second
	defaultTitleTimeout = 30 * time.Second
	defaultAbortTimeout = 5 * time.Second
)

// Finish errors of turns aborted by the server.
const (
	causeCeiling  = "generation exceeded the session time limit"
	causeShutdown = "server shutting down"
	causeDeleted  = "conversation deleted"
	causeOrphaned = "conversation is no longer flagged streaming"
)

// Coordinator runs assistant turns. For each conversation at most one turn streams at a time; the
// registry decides who that is and the store's streaming flag mirrors it.
type Coordinator struct {
	store       Store
	adapter     Adapter
	titles      TitleSuggester
	registry    *Registry
	broadcaster *Broadcaster

	logger       *slog.Logger
	saveTimeout  time.Duration
	titleTimeout time.Duration
	abortTimeout time.Duration
	strict       bool

	locks    *keyedMutex
	baseCtx  context.Context
	stopBase context.CancelFunc

	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
}

// turn is what a plan hands to reserve: the placeholder to generate and the history to generate
// it from. commit runs after the conversation is marked streaming and before the turn begins.
type turn struct {
	placeholder models.Message
	history     []models.Message
	commit      func(ctx context.Context) error
}

// WithTitleSuggester enables title suggestion for the first message of a conversation.
func WithTitleSuggester(t TitleSuggester) Option {
	return func(c *Coordinator) {
		c.titles = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSaveTimeout bounds how long the final save of a turn may take.
func WithSaveTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.saveTimeout = d
		}
	}
}

// WithAbortTimeout bounds how long an aborted turn waits for its provider stream to stop before it
// is finalized without it.
func WithAbortTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.abortTimeout = d
		}
	}
}

// WithStrictInvariants makes the coordinator panic on a broken streaming invariant instead of
// repairing it.
func WithStrictInvariants(strict bool) Option {
	return func(c *Coordinator) {
		c.strict = strict
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, adapter Adapter, registry *Registry, broadcaster *Broadcaster, options ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:        store,
		adapter:      adapter,
		registry:     registry,
		broadcaster:  broadcaster,
		logger:       slog.Default(),
		saveTimeout:  defaultSaveTimeout,
		titleTimeout: defaultTitleTimeout,
		abortTimeout: defaultAbortTimeout,
		locks:        newKeyedMutex(),
		baseCtx:      ctx,
		stopBase:     cancel,
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "coordinator"))
	return c
}

// SendMessage appends a user message to the conversation and starts the assistant turn that
// answers it. Nothing is persisted when the conversation is busy.
func (c *Coordinator) SendMessage(ctx context.Context, requester, conversationID, model, text string) (StartedTurn, error) {
	var userMsg models.Message

	res, err := c.reserve(ctx, requester, conversationID, model, func(conv models.Conversation) (turn, error) {
		now := time.Now()
		userMsg = models.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Index:          len(conv.Messages),
			Role:           models.RoleUser,
			Content:        text,
			Timestamp:      now,
		}
		history := append(conv.Messages[:len(conv.Messages):len(conv.Messages)], userMsg)

		return turn{
			placeholder: c.placeholder(conversationID, userMsg.Index+1, model),
			history:     history,
			commit: func(ctx context.Context) error {
				if err := c.store.SaveMessage(ctx, userMsg); err != nil {
					return fmt.Errorf("failed to save user message: %w", err)
				}
				c.broadcaster.Publish(conversationKey(conversationID), Event{Name: EventUserMessage, Data: userMsg})
				return nil
			},
		}, nil
	})
	if err != nil {
		return StartedTurn{}, err
	}

	res.UserMessage = &userMsg
	if userMsg.Index == 0 && c.titles != nil && c.track() {
		go c.suggestTitle(requester, conversationID, text)
	}

	return res, nil
}

// Start generates an assistant turn over the existing history of the conversation.
func (c *Coordinator) Start(ctx context.Context, requester, conversationID, model string) (StartedTurn, error) {
	return c.reserve(ctx, requester, conversationID, model, func(conv models.Conversation) (turn, error) {
		return turn{
			placeholder: c.placeholder(conversationID, len(conv.Messages), model),
			history:     conv.Messages,
		}, nil
	})
}

// Stop cancels the turn streaming for the conversation. It does nothing when no turn streams.
func (c *Coordinator) Stop(ctx context.Context, requester, conversationID string) error {
	if _, err := c.store.LoadConversation(ctx, conversationID, requester); err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	s := c.registry.Active(conversationID)
	if s == nil {
		return nil
	}
	s.Cancel()
	c.logger.Info("Turn cancelled by user",
		slog.String("conversationID", conversationID),
		slog.String("messageID", s.MessageID()))
	return nil
}

// Join subscribes a viewer to the conversation. The returned channel first yields the persisted
// history, then the partial state of a streaming or just finished turn if the history doesn't
// already hold it, then live events. It is closed when ctx is done or the viewer falls behind.
func (c *Coordinator) Join(ctx context.Context, requester, conversationID string) (<-chan Event, error) {
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.store.LoadConversation(ctx, conversationID, requester)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	s := c.registry.Lookup(conversationID)
	switch {
	case s == nil && conv.IsStreaming:
		c.orphanFlag(ctx, conversationID)
		conv.IsStreaming = false
	case s != nil && !s.Finished() && !conv.IsStreaming:
		c.orphanSession(conversationID, s)
		s = nil
	}

	key := conversationKey(conversationID)
	history := Event{Name: EventConversationHistory, Data: HistoryPayload{Conversation: conv}}

	if s == nil {
		ch, _ := c.broadcaster.Subscribe(ctx, key, history)
		return ch, nil
	}

	var ch <-chan Event
	s.Attach(func(snap Snapshot) {
		initial := []Event{history}
		if snap.Begun && !conv.HasMessage(snap.Message.ID) {
			placeholder := snap.Message
			placeholder.Content = ""
			placeholder.FinishError = nil
			initial = append(initial, Event{Name: EventBeginAssistantMessage, Data: placeholder})
			if snap.Content != "" {
				initial = append(initial, Event{
					Name: EventNewAssistantPart,
					Data: PartPayload{
						ConversationID: conversationID,
						MessageID:      snap.Message.ID,
						Delta:          snap.Content,
					},
				})
			}
			if snap.Finished {
				initial = append(initial, Event{
					Name: EventEndAssistantMessage,
					Data: EndPayload{
						ConversationID: conversationID,
						MessageID:      snap.Message.ID,
						Error:          snap.FinishError,
						Reason:         snap.Reason,
					},
				})
			}
		}
		ch, _ = c.broadcaster.Subscribe(ctx, key, initial...)
	})

	return ch, nil
}

// SubscribeUser subscribes to the user level events of requester: title updates, created and
// deleted conversations.
func (c *Coordinator) SubscribeUser(ctx context.Context, requester string) <-chan Event {
	ch, _ := c.broadcaster.Subscribe(ctx, userKey(requester))
	return ch
}

// Shutdown refuses new turns, aborts the running ones and waits for them to finalize, or for ctx
// to be done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	for _, s := range c.registry.ActiveSessions() {
		s.abort(causeShutdown)
	}
	c.stopBase()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for running turns: %w", ctx.Err())
	}
}

func (c *Coordinator) placeholder(conversationID string, index int, model string) models.Message {
	return models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Index:          index,
		Role:           models.RoleAssistant,
		Timestamp:      time.Now(),
		Model:          model,
	}
}

// reserve claims the conversation for a new turn and starts it. Under the conversation lock it
// loads the conversation, runs plan against what was loaded, registers a session, marks the
// conversation streaming, commits and publishes the begin event. Any failure after registering
// releases the reservation. A busy conversation is reported as busy even when plan fails.
func (c *Coordinator) reserve(
	ctx context.Context,
	requester, conversationID, model string,
	plan func(conv models.Conversation) (turn, error),
) (StartedTurn, error) {
	if c.isClosing() {
		return StartedTurn{}, ErrShuttingDown
	}

	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.store.LoadConversation(ctx, conversationID, requester)
	if err != nil {
		return StartedTurn{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	if conv.IsStreaming && c.registry.Active(conversationID) == nil {
		c.orphanFlag(ctx, conversationID)
	}

	t, err := plan(conv)
	if err != nil {
		if c.registry.Active(conversationID) != nil {
			return StartedTurn{}, ErrConversationBusy
		}
		return StartedTurn{}, err
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	key := conversationKey(conversationID)
	s := NewSession(t.placeholder, func(e Event) {
		c.broadcaster.Publish(key, e)
	}, cancel)

	if err := c.registry.Register(conversationID, s); err != nil {
		cancel()
		return StartedTurn{}, err
	}

	if err := c.store.SetStreaming(ctx, conversationID, true); err != nil {
		cancel()
		c.registry.Remove(conversationID, s)
		return StartedTurn{}, fmt.Errorf("failed to mark conversation streaming: %w", err)
	}

	if t.commit != nil {
		if err := t.commit(ctx); err != nil {
			cancel()
			c.release(conversationID, s)
			return StartedTurn{}, err
		}
	}

	if !c.track() {
		cancel()
		c.release(conversationID, s)
		return StartedTurn{}, ErrShuttingDown
	}

	s.begin()
	go c.run(runCtx, cancel, s, model, t.history)

	c.logger.Debug("Turn started",
		slog.String("conversationID", conversationID),
		slog.String("messageID", t.placeholder.ID),
		slog.Int("index", t.placeholder.Index),
		slog.String("model", model))

	return StartedTurn{AssistantMessage: t.placeholder}, nil
}

// track counts a goroutine that Shutdown must wait for. It reports false once shutting down.
func (c *Coordinator) track() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closing {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closing
}

// release undoes a reservation whose turn never began. The caller holds the conversation lock.
func (c *Coordinator) release(conversationID string, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()

	if err := c.store.SetStreaming(ctx, conversationID, false); err != nil {
		c.logger.Error("Failed to clear streaming flag",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
	c.registry.Remove(conversationID, s)
}

type outcome struct {
	reason  EndReason
	errText *string
}

// run consumes the turn and finalizes it. An aborted turn whose provider doesn't stop within the
// abort timeout is finalized anyway; the session is sealed by then, so whatever the provider still
// produces is dropped.
func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, s *Session, model string, history []models.Message) {
	defer c.wg.Done()
	defer cancel()

	consumed := make(chan outcome, 1)
	go func() {
		reason, errText := c.consume(ctx, s, model, history)
		consumed <- outcome{reason: reason, errText: errText}
	}()

	var out outcome
	select {
	case out = <-consumed:
	case <-s.abortSignal():
		timer := time.NewTimer(c.abortTimeout)
		select {
		case out = <-consumed:
		case <-timer.C:
			c.logger.Warn("Provider stream ignored the abort",
				slog.String("conversationID", s.ConversationID()),
				slog.String("messageID", s.MessageID()))
			out = outcome{reason: EndFailed, errText: s.abortReason()}
		}
		timer.Stop()
	}

	c.finalize(s, out.reason, out.errText)
}

// consume ranges over the adapter stream until it ends, fails, or the session is cancelled.
// Panics raised by the adapter are turned into a failure.
func (c *Coordinator) consume(ctx context.Context, s *Session, model string, history []models.Message) (reason EndReason, errText *string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Adapter panicked",
				slog.String("conversationID", s.ConversationID()),
				slog.String("messageID", s.MessageID()),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			s.setState(StateFailing)
			msg := fmt.Sprintf("internal error: %v", r)
			reason, errText = EndFailed, &msg
		}
	}()

	for content, err := range c.adapter.Stream(ctx, model, history) {
		if err != nil {
			if s.IsCancelled() {
				return stopped(s)
			}
			c.logger.Error("Provider stream failed",
				slog.String("conversationID", s.ConversationID()),
				slog.String("messageID", s.MessageID()),
				slog.String(errLoggerKey, err.Error()))
			s.setState(StateFailing)
			msg := err.Error()
			return EndFailed, &msg
		}

		switch content.Type {
		case models.ContentTypeText:
			s.Append(content.Text, false)
		case models.ContentTypeReasoning:
			s.Append(content.Text, true)
		case models.ContentTypeCallTool:
			c.logger.Debug("Tool called",
				slog.String("conversationID", s.ConversationID()),
				slog.String("tool", content.ToolName))
		case models.ContentTypeToolResult:
			s.Append(models.SummarizeTool(content).Marker(), false)
		}

		if s.IsCancelled() {
			return stopped(s)
		}
	}

	if s.IsCancelled() {
		return stopped(s)
	}
	return EndCompleted, nil
}

// stopped tells how a turn that stopped early ends: a stop requested by the user is a cancellation,
// an abort by the server a failure carrying its cause.
func stopped(s *Session) (EndReason, *string) {
	if cause := s.abortReason(); cause != nil {
		return EndFailed, cause
	}
	return EndCancelled, nil
}

// finalize persists the final message, clears the streaming flag, moves the session to the grace
// window (or drops it on failure) and publishes the end event. The flag is only cleared while the
// session still owns the conversation.
func (c *Coordinator) finalize(s *Session, reason EndReason, errText *string) {
	conversationID := s.ConversationID()
	msg := s.seal()
	msg.FinishError = errText

	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()

	discarded := s.isDiscarded()
	if !discarded {
		if err := c.store.SaveMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to save assistant message",
				slog.String("conversationID", conversationID),
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	unlock := c.locks.Lock(conversationID)
	defer unlock()

	if !discarded {
		if cur := c.registry.Active(conversationID); cur == nil || cur == s {
			if err := c.store.SetStreaming(ctx, conversationID, false); err != nil {
				c.logger.Error("Failed to clear streaming flag",
					slog.String("conversationID", conversationID),
					slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	if reason == EndFailed || discarded {
		c.registry.Remove(conversationID, s)
	} else {
		c.registry.Retain(conversationID, s)
	}
	s.end(reason, errText)

	c.logger.Info("Turn finished",
		slog.String("conversationID", conversationID),
		slog.String("messageID", msg.ID),
		slog.String("reason", string(reason)),
		slog.Int("length", len(msg.Content)))
}

func (c *Coordinator) suggestTitle(ownerID, conversationID, text string) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.baseCtx, c.titleTimeout)
	defer cancel()

	title, err := c.titles.SuggestTitle(ctx, text)
	if err != nil {
		c.logger.Error("Error generating chat title",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if title == "" {
		return
	}

	if err := c.store.UpdateTitle(ctx, conversationID, title); err != nil {
		c.logger.Error("Failed to update chat title",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := Event{Name: EventChatTitle, Data: TitlePayload{ConversationID: conversationID, Title: title}}
	c.broadcaster.Publish(userKey(ownerID), e)
	c.broadcaster.Publish(conversationKey(conversationID), e)
}

// orphanFlag repairs a conversation flagged streaming while no session is registered for it.
func (c *Coordinator) orphanFlag(ctx context.Context, conversationID string) {
	c.logger.Error("Conversation flagged streaming without a session",
		slog.String("conversationID", conversationID))
	if c.strict {
		panic(fmt.Sprintf("conversation %s is flagged streaming without a session", conversationID))
	}

	if err := c.store.SetStreaming(ctx, conversationID, false); err != nil {
		c.logger.Error("Failed to clear orphaned streaming flag",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// orphanSession discards a session registered for a conversation that isn't flagged streaming.
func (c *Coordinator) orphanSession(conversationID string, s *Session) {
	c.logger.Error("Session registered for a conversation not flagged streaming",
		slog.String("conversationID", conversationID),
		slog.String("messageID", s.MessageID()))
	if c.strict {
		panic(fmt.Sprintf("conversation %s has a session but is not flagged streaming", conversationID))
	}

	c.registry.Remove(conversationID, s)
	s.abort(causeOrphaned)
}
