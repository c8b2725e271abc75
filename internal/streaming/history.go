package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/google/uuid"
)

// ErrMessageNotFound is returned when the targeted message isn't part of the conversation.
var ErrMessageNotFound = errors.New("message not found")

var branchRe = regexp.MustCompile(`\(Branch(?:_(\d+))?\)`)

// Editor rewrites conversation history: regenerate, fork and delete, plus the plain conversation
// operations that broadcast to the owner.
type Editor struct {
	c      *Coordinator
	logger *slog.Logger
}

// NewEditor creates an Editor that starts turns through c.
func NewEditor(c *Coordinator) *Editor {
	return &Editor{
		c:      c,
		logger: c.logger.With(slog.String("module", "history")),
	}
}

// Regenerate replaces the assistant message messageID, and every message after it, with a fresh
// turn. The new placeholder keeps the id and index of the replaced message. Targeting a message
// that isn't from the assistant does nothing and returns nil.
func (e *Editor) Regenerate(ctx context.Context, requester, conversationID, messageID, model string) (*models.Message, error) {
	res, err := e.c.reserve(ctx, requester, conversationID, model, func(conv models.Conversation) (turn, error) {
		idx := conv.MessageIndex(messageID)
		if idx == -1 {
			return turn{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		target := conv.Messages[idx]
		if target.Role != models.RoleAssistant {
			return turn{}, errSkipTurn
		}

		placeholder := models.Message{
			ID:             target.ID,
			ConversationID: conversationID,
			Index:          target.Index,
			Role:           models.RoleAssistant,
			Timestamp:      time.Now(),
			Model:          model,
		}
		return turn{
			placeholder: placeholder,
			history:     conv.Messages[:idx:idx],
			commit: func(ctx context.Context) error {
				if err := e.c.store.DeleteMessagesFrom(ctx, conversationID, target.Index); err != nil {
					return fmt.Errorf("failed to delete messages: %w", err)
				}
				return nil
			},
		}, nil
	})
	if errors.Is(err, errSkipTurn) {
		e.logger.Info("Ignoring regenerate of a non-assistant message",
			slog.String("conversationID", conversationID),
			slog.String("messageID", messageID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &res.AssistantMessage, nil
}

// Fork creates a conversation owned by requester that copies the source conversation up to and
// including messageID. Only persisted messages are copied, so forking a streaming conversation is
// allowed.
func (e *Editor) Fork(ctx context.Context, requester, conversationID, messageID string) (models.Conversation, error) {
	src, err := e.c.store.LoadConversation(ctx, conversationID, requester)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	idx := src.MessageIndex(messageID)
	if idx == -1 {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	fork := models.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   requester,
		Title:     BranchTitle(src.Title),
		CreatedAt: time.Now(),
		Messages:  make([]models.Message, 0, idx+1),
	}
	for _, m := range src.Messages[:idx+1] {
		m.ID = uuid.New().String()
		m.ConversationID = fork.ID
		fork.Messages = append(fork.Messages, m)
	}

	if err := e.c.store.CreateConversation(ctx, fork); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	e.c.broadcaster.Publish(userKey(requester), Event{Name: EventNewConversation, Data: summary(fork)})

	e.logger.Info("Conversation forked",
		slog.String("source", conversationID),
		slog.String("conversationID", fork.ID),
		slog.Int("messages", len(fork.Messages)))

	return fork, nil
}

// Delete removes the conversation and its messages. A turn still streaming for it is aborted and
// its session dropped without persisting anything.
func (e *Editor) Delete(ctx context.Context, requester, conversationID string) error {
	unlock := e.c.locks.Lock(conversationID)
	defer unlock()

	conv, err := e.c.store.LoadConversation(ctx, conversationID, requester)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	if s := e.c.registry.Evict(conversationID); s != nil {
		s.discard()
		s.abort(causeDeleted)
	}

	if err := e.c.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	ev := Event{Name: EventDeleteConversation, Data: DeletePayload{ConversationID: conversationID}}
	e.c.broadcaster.Publish(userKey(conv.OwnerID), ev)
	e.c.broadcaster.Publish(conversationKey(conversationID), ev)

	return nil
}

// NewConversation creates an empty conversation owned by requester.
func (e *Editor) NewConversation(ctx context.Context, requester string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   requester,
		Title:     models.DefaultTitle,
		CreatedAt: time.Now(),
	}
	if err := e.c.store.CreateConversation(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	e.c.broadcaster.Publish(userKey(requester), Event{Name: EventNewConversation, Data: conv})

	return conv, nil
}

// Conversations lists the conversations of requester, newest first, without their messages.
func (e *Editor) Conversations(ctx context.Context, requester string) ([]models.Conversation, error) {
	convs, err := e.c.store.Conversations(ctx, requester)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// Conversation loads one conversation of requester with its messages.
func (e *Editor) Conversation(ctx context.Context, requester, conversationID string) (models.Conversation, error) {
	conv, err := e.c.store.LoadConversation(ctx, conversationID, requester)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// BranchTitle derives the title of a fork: "Trip" becomes "Trip (Branch)", which becomes
// "Trip (Branch_2)", then "Trip (Branch_3)".
func BranchTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultTitle
	}

	loc := branchRe.FindStringSubmatchIndex(title)
	if loc == nil {
		return title + " (Branch)"
	}

	n := 2
	if loc[2] != -1 {
		v, err := strconv.Atoi(title[loc[2]:loc[3]])
		if err == nil {
			n = v + 1
		}
	}
	return title[:loc[0]] + "(Branch_" + strconv.Itoa(n) + ")" + title[loc[1]:]
}

func summary(conv models.Conversation) models.Conversation {
	conv.Messages = nil
	return conv
}
