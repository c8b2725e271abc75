package streaming_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func part(delta string) streaming.Event {
	return streaming.Event{
		Name: streaming.EventNewAssistantPart,
		Data: streaming.PartPayload{ConversationID: "c1", MessageID: "m1", Delta: delta},
	}
}

func TestBroadcaster_SubscribersReceiveEvent(t *testing.T) {
	b := streaming.NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "k")
	ch2, _ := b.Subscribe(t.Context(), "k")
	other, _ := b.Subscribe(t.Context(), "other")
	assert.Equal(t, 2, b.Subscribers("k"))

	b.Publish("k", part("Hi"))

	for i, ch := range []<-chan streaming.Event{ch1, ch2} {
		e := recv(t, ch)
		assert.Equal(t, "Hi", e.Data.(streaming.PartPayload).Delta, "subscriber %d", i)
	}

	select {
	case e := <-other:
		t.Fatalf("isolated key received %s", e.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_InitialEventsComeFirst(t *testing.T) {
	b := streaming.NewBroadcaster(nil)
	defer b.Close()

	history := streaming.Event{Name: streaming.EventConversationHistory}
	ch, _ := b.Subscribe(t.Context(), "k", history, part("snap"))
	b.Publish("k", part("live"))

	assert.Equal(t, streaming.EventConversationHistory, recv(t, ch).Name)
	assert.Equal(t, "snap", recv(t, ch).Data.(streaming.PartPayload).Delta)
	assert.Equal(t, "live", recv(t, ch).Data.(streaming.PartPayload).Delta)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := streaming.NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "k")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.Subscribers("k"))
}

func TestBroadcaster_SlowSubscriberIsDisconnected(t *testing.T) {
	b := streaming.NewBroadcaster(nil)
	defer b.Close()

	slow, _ := b.Subscribe(t.Context(), "k")
	fast, _ := b.Subscribe(t.Context(), "k")

	const total = 200
	for i := range total {
		b.Publish("k", part(fmt.Sprint(i)))
		assert.Equal(t, fmt.Sprint(i), recv(t, fast).Data.(streaming.PartPayload).Delta)
	}
	assert.Equal(t, 1, b.Subscribers("k"))

	var got []string
	for e := range slow {
		got = append(got, e.Data.(streaming.PartPayload).Delta)
	}
	require.Len(t, got, 64)
	for i, d := range got {
		assert.Equal(t, fmt.Sprint(i), d, "slow subscriber must see a gapless prefix")
	}
}

func TestBroadcaster_ConcurrentPublish(t *testing.T) {
	b := streaming.NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "k")

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				b.Publish("k", part(fmt.Sprintf("%d-%d", i, j)))
			}
		}()
	}
	wg.Wait()

	for range 40 {
		recv(t, ch)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := streaming.NewBroadcaster(nil)

	ch, _ := b.Subscribe(t.Context(), "k")
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), "k")
	_, ok = <-late
	assert.False(t, ok)

	b.Publish("k", part("ignored"))
}
