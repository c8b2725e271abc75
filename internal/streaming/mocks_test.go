package streaming_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/streaming"
	"github.com/stretchr/testify/require"
)

const (
	testUser  = "alice"
	testModel = "mock-model"
)

type mockStore struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation

	streamingCalls []bool
	saveErr        error
}

type mockAdapter struct {
	mu      sync.Mutex
	script  func(ctx context.Context, yield func(models.Content, error) bool)
	history [][]models.Message
}

type mockTitles struct {
	title string
	err   error
}

func newMockStore(convs ...models.Conversation) *mockStore {
	s := &mockStore{convs: make(map[string]*models.Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = &c
	}
	return s
}

func (s *mockStore) LoadConversation(_ context.Context, conversationID, requester string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, models.ErrNotFound
	}
	if c.OwnerID != requester {
		return models.Conversation{}, models.ErrForbidden
	}
	res := *c
	res.Messages = slices.Clone(c.Messages)
	return res, nil
}

func (s *mockStore) Conversations(_ context.Context, ownerID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []models.Conversation
	for _, c := range s.convs {
		if c.OwnerID != ownerID {
			continue
		}
		cc := *c
		cc.Messages = nil
		res = append(res, cc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *mockStore) CreateConversation(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conv.ID]; ok {
		return fmt.Errorf("conversation %s exists", conv.ID)
	}
	conv.Messages = slices.Clone(conv.Messages)
	s.convs[conv.ID] = &conv
	return nil
}

func (s *mockStore) UpdateTitle(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return models.ErrNotFound
	}
	c.Title = title
	return nil
}

func (s *mockStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return models.ErrNotFound
	}
	delete(s.convs, conversationID)
	return nil
}

func (s *mockStore) SaveMessage(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	c, ok := s.convs[msg.ConversationID]
	if !ok {
		return models.ErrNotFound
	}
	switch {
	case msg.Index < len(c.Messages):
		c.Messages[msg.Index] = msg
	case msg.Index == len(c.Messages):
		c.Messages = append(c.Messages, msg)
	default:
		return fmt.Errorf("index %d leaves a gap after %d messages", msg.Index, len(c.Messages))
	}
	return nil
}

func (s *mockStore) DeleteMessagesFrom(_ context.Context, conversationID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return models.ErrNotFound
	}
	if index < len(c.Messages) {
		c.Messages = c.Messages[:index]
	}
	return nil
}

func (s *mockStore) SetStreaming(_ context.Context, conversationID string, streaming bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return models.ErrNotFound
	}
	c.IsStreaming = streaming
	s.streamingCalls = append(s.streamingCalls, streaming)
	return nil
}

func (s *mockStore) conversation(t *testing.T, id string) models.Conversation {
	t.Helper()

	c, err := s.LoadConversation(context.Background(), id, testUser)
	require.NoError(t, err)
	return c
}

func (s *mockStore) setStreamingCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.streamingCalls)
}

func (a *mockAdapter) Stream(ctx context.Context, _ string, history []models.Message) iter.Seq2[models.Content, error] {
	a.mu.Lock()
	a.history = append(a.history, slices.Clone(history))
	script := a.script
	a.mu.Unlock()

	return func(yield func(models.Content, error) bool) {
		script(ctx, yield)
	}
}

func (a *mockAdapter) calls() [][]models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.history)
}

func (m mockTitles) SuggestTitle(context.Context, string) (string, error) {
	return m.title, m.err
}

func text(s string) models.Content {
	return models.Content{Type: models.ContentTypeText, Text: s}
}

func reasoning(s string) models.Content {
	return models.Content{Type: models.ContentTypeReasoning, Text: s}
}

// scripted yields contents in order and stops as soon as the consumer does.
func scripted(contents ...models.Content) func(context.Context, func(models.Content, error) bool) {
	return func(_ context.Context, yield func(models.Content, error) bool) {
		for _, c := range contents {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// gated yields before, waits for release (or ctx), then yields after.
func gated(release <-chan struct{}, before, after []models.Content) func(context.Context, func(models.Content, error) bool) {
	return func(ctx context.Context, yield func(models.Content, error) bool) {
		for _, c := range before {
			if !yield(c, nil) {
				return
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			yield(models.Content{}, ctx.Err())
			return
		}
		for _, c := range after {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// blocking yields nothing until ctx is done.
func blocking(ctx context.Context, yield func(models.Content, error) bool) {
	<-ctx.Done()
	yield(models.Content{}, ctx.Err())
}

func failing(partial string, err error) func(context.Context, func(models.Content, error) bool) {
	return func(_ context.Context, yield func(models.Content, error) bool) {
		if !yield(text(partial), nil) {
			return
		}
		yield(models.Content{}, err)
	}
}

var errProvider = errors.New("provider exploded")

type fixture struct {
	store       *mockStore
	adapter     *mockAdapter
	registry    *streaming.Registry
	broadcaster *streaming.Broadcaster
	coordinator *streaming.Coordinator
	editor      *streaming.Editor
}

func newFixture(t *testing.T, store *mockStore, cfg streaming.RegistryConfig, options ...streaming.Option) *fixture {
	t.Helper()

	f := &fixture{
		store:       store,
		adapter:     &mockAdapter{script: scripted()},
		registry:    streaming.NewRegistry(cfg, nil),
		broadcaster: streaming.NewBroadcaster(nil),
	}
	f.coordinator = streaming.NewCoordinator(f.store, f.adapter, f.registry, f.broadcaster, options...)
	f.editor = streaming.NewEditor(f.coordinator)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.coordinator.Shutdown(ctx)
		f.registry.Close()
		f.broadcaster.Close()
	})
	return f
}

func (f *fixture) setScript(script func(context.Context, func(models.Content, error) bool)) {
	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()

	f.adapter.script = script
}

func conversation(id string, msgs ...models.Message) models.Conversation {
	for i := range msgs {
		msgs[i].ConversationID = id
		msgs[i].Index = i
		if msgs[i].ID == "" {
			msgs[i].ID = fmt.Sprintf("%s-m%d", id, i)
		}
	}
	return models.Conversation{
		ID:        id,
		OwnerID:   testUser,
		Title:     "Trip planning",
		CreatedAt: time.Now(),
		Messages:  msgs,
	}
}

func userMessage(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content, Timestamp: time.Now()}
}

func assistantMessage(content string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: content, Timestamp: time.Now(), Model: testModel}
}

func recv(t *testing.T, ch <-chan streaming.Event) streaming.Event {
	t.Helper()

	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	return streaming.Event{}
}

// recvUntilEnd collects events up to and including EndAssistantMessage.
func recvUntilEnd(t *testing.T, ch <-chan streaming.Event) []streaming.Event {
	t.Helper()

	var events []streaming.Event
	for {
		e := recv(t, ch)
		events = append(events, e)
		if e.Name == streaming.EventEndAssistantMessage {
			return events
		}
	}
}

func deltas(events []streaming.Event) []string {
	var res []string
	for _, e := range events {
		if e.Name == streaming.EventNewAssistantPart {
			res = append(res, e.Data.(streaming.PartPayload).Delta)
		}
	}
	return res
}

func lastEnd(t *testing.T, events []streaming.Event) streaming.EndPayload {
	t.Helper()

	require.NotEmpty(t, events)
	e := events[len(events)-1]
	require.Equal(t, streaming.EventEndAssistantMessage, e.Name)
	return e.Data.(streaming.EndPayload)
}
