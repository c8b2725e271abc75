package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// Broadcaster is an in-process pub/sub for coordinator events. Keys are either a conversation
// or a user; see Coordinator.Join and Coordinator.SubscribeUser.
//
// Publish never blocks. A subscriber that falls a full buffer behind is disconnected, its channel
// closed, so it never observes a stream with a hole in it. Clients resume by joining again.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber
	closed      bool

	logger *slog.Logger
}

type subscriber struct {
	ch      chan Event
	done    chan struct{}
	dropped atomic.Bool
}

// NewBroadcaster creates a Broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With(slog.String("module", "broadcaster")),
	}
}

// Subscribe registers a subscriber for key. The initial events are queued on the returned channel
// before the subscriber becomes visible to Publish, so a caller holding the lock that orders
// publishes for key can hand over a snapshot and go live without a gap. The subscription is
// removed when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, key string, initial ...Event) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:   make(chan Event, subscriberBufferSize+len(initial)),
		done: make(chan struct{}),
	}
	for _, e := range initial {
		sub.ch <- e
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]*subscriber)
	}
	b.subscribers[key][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscriber added", slog.String("key", key), slog.String("subID", subID))

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(key, subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Publish delivers event to every subscriber of key.
func (b *Broadcaster) Publish(key string, event Event) {
	var slow []string

	b.mu.RLock()
	for id, sub := range b.subscribers[key] {
		if sub.dropped.Load() {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Once dropped, later events must not reach this subscriber either.
			sub.dropped.Store(true)
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.logger.Warn("Disconnecting slow subscriber",
			slog.String("key", key),
			slog.String("subID", id),
			slog.String("event", string(event.Name)))
		b.Unsubscribe(key, id)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(sub.ch)
	close(sub.done)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("Subscriber removed", slog.String("key", key), slog.String("subID", subID))
}

// Subscribers returns the number of live subscribers of key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subscribers[key] {
		if !sub.dropped.Load() {
			n++
		}
	}
	return n
}

// Close closes every subscriber channel. Subscribe after Close returns a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, subs := range b.subscribers {
		for id, sub := range subs {
			close(sub.ch)
			close(sub.done)
			delete(subs, id)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("Broadcaster closed")
}
