package streaming_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bareSession(conversationID string) *streaming.Session {
	return streaming.NewSession(models.Message{
		ID:             conversationID + "-assistant",
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
	}, nil, nil)
}

func TestRegistry_RegisterIsExclusive(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{}, nil)
	defer r.Close()

	s1 := bareSession("c1")
	s2 := bareSession("c1")

	require.NoError(t, r.Register("c1", s1))
	require.ErrorIs(t, r.Register("c1", s2), streaming.ErrConversationBusy)
	assert.Same(t, s1, r.Active("c1"))
	assert.Same(t, s1, r.Lookup("c1"))

	require.NoError(t, r.Register("c2", bareSession("c2")))
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{}, nil)
	defer r.Close()

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register("c1", bareSession("c1")) == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
}

func TestRegistry_RetainKeepsSessionForGrace(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{GraceTTL: 50 * time.Millisecond}, nil)
	defer r.Close()

	s := bareSession("c1")
	require.NoError(t, r.Register("c1", s))
	r.Retain("c1", s)

	assert.Nil(t, r.Active("c1"))
	assert.Same(t, s, r.Lookup("c1"))

	require.NoError(t, r.Register("c1", bareSession("c1")), "a retained session doesn't block a new turn")
	assert.NotSame(t, s, r.Lookup("c1"))
}

func TestRegistry_GraceExpires(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{GraceTTL: 30 * time.Millisecond}, nil)
	defer r.Close()

	s := bareSession("c1")
	require.NoError(t, r.Register("c1", s))
	r.Retain("c1", s)

	assert.Eventually(t, func() bool {
		return r.Lookup("c1") == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_RemoveChecksIdentity(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{}, nil)
	defer r.Close()

	s := bareSession("c1")
	require.NoError(t, r.Register("c1", s))

	r.Remove("c1", bareSession("c1"))
	assert.Same(t, s, r.Active("c1"))

	r.Remove("c1", s)
	assert.Nil(t, r.Lookup("c1"))
}

func TestRegistry_Evict(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{}, nil)
	defer r.Close()

	s := bareSession("c1")
	require.NoError(t, r.Register("c1", s))

	assert.Same(t, s, r.Evict("c1"))
	assert.Nil(t, r.Lookup("c1"))
	assert.Nil(t, r.Evict("c1"))
}

func TestRegistry_CeilingLazyExpiry(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	aborted := make(chan struct{})

	r := streaming.NewRegistry(streaming.RegistryConfig{
		CeilingTTL:    20 * time.Millisecond,
		SweepInterval: time.Hour,
		OnCeiling: func(conversationID string, _ *streaming.Session) {
			mu.Lock()
			defer mu.Unlock()
			hits = append(hits, conversationID)
		},
	}, nil)
	defer r.Close()

	s := streaming.NewSession(models.Message{ID: "m", ConversationID: "c1"}, nil, func() { close(aborted) })
	require.NoError(t, r.Register("c1", s))

	time.Sleep(30 * time.Millisecond)
	assert.Same(t, s, r.Active("c1"), "an aborted session owns the conversation until it is removed")
	assert.True(t, s.IsCancelled())
	assert.Equal(t, streaming.StateFailing, s.State())

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("session was not aborted")
	}

	require.ErrorIs(t, r.Register("c1", bareSession("c1")), streaming.ErrConversationBusy)
	assert.Same(t, s, r.Lookup("c1"))

	mu.Lock()
	assert.Equal(t, []string{"c1"}, hits, "the ceiling fires once per session")
	mu.Unlock()

	r.Remove("c1", s)
	require.NoError(t, r.Register("c1", bareSession("c1")))
}

func TestRegistry_CeilingSweep(t *testing.T) {
	evicted := make(chan string, 4)
	r := streaming.NewRegistry(streaming.RegistryConfig{
		CeilingTTL:    20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
		OnCeiling: func(conversationID string, _ *streaming.Session) {
			evicted <- conversationID
		},
	}, nil)
	defer r.Close()

	s := bareSession("c1")
	require.NoError(t, r.Register("c1", s))

	select {
	case id := <-evicted:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("sweep did not abort the session")
	}
	assert.True(t, s.IsCancelled())

	// Later sweeps leave the aborted session alone.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, evicted)
	assert.Len(t, r.ActiveSessions(), 1)

	r.Remove("c1", s)
	assert.Empty(t, r.ActiveSessions())
}

func TestRegistry_ShardsAreIndependent(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{}, nil)
	defer r.Close()

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			s := bareSession(id)
			assert.NoError(t, r.Register(id, s))
			assert.Same(t, s, r.Lookup(id))
			r.Retain(id, s)
		}()
	}
	wg.Wait()

	assert.Empty(t, r.ActiveSessions())
	for i := range n {
		assert.NotNil(t, r.Lookup(fmt.Sprintf("c%d", i)))
	}
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	r := streaming.NewRegistry(streaming.RegistryConfig{}, nil)
	r.Close()
	r.Close()
}
