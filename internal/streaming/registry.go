package streaming

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const shardCount = 32

// ErrConversationBusy is returned when a turn is requested for a conversation that already has an
// active session.
var ErrConversationBusy = errors.New("conversation is busy")

// RegistryConfig holds the expiry settings of a Registry. Zero values take the defaults.
type RegistryConfig struct {
	// GraceTTL is how long a finished session stays visible to late joiners.
	GraceTTL time.Duration
	// CeilingTTL bounds how long any session may generate, counted from its creation. A session past
	// it is aborted and fails.
	CeilingTTL time.Duration
	// SweepInterval is the period of the background ceiling sweep.
	SweepInterval time.Duration
	// GraceSize caps the number of finished sessions kept for late joiners.
	GraceSize int

	// OnCeiling is called, outside any registry lock, once for every unfinished session that
	// outlives the ceiling. The session is already aborted at that point.
	OnCeiling func(conversationID string, s *Session)
}

const (
	defaultGraceTTL      = time.Minute
	defaultCeilingTTL    = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultGraceSize     = 1024
)

// Registry maps conversation ids to their active session, and keeps finished sessions for a
// short grace window. Active entries are sharded so that registering or evicting one
// conversation never contends with an unrelated one.
type Registry struct {
	shards [shardCount]*registryShard
	grace  *expirable.LRU[string, *Session]

	cfg    RegistryConfig
	now    func() time.Time
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type registryShard struct {
	mu     sync.Mutex
	active map[string]*Session
}

// NewRegistry creates a Registry and starts its ceiling sweep.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.GraceTTL <= 0 {
		cfg.GraceTTL = defaultGraceTTL
	}
	if cfg.CeilingTTL <= 0 {
		cfg.CeilingTTL = defaultCeilingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.GraceSize <= 0 {
		cfg.GraceSize = defaultGraceSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		grace:  expirable.NewLRU[string, *Session](cfg.GraceSize, nil, cfg.GraceTTL),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("module", "registry")),
		done:   make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{active: make(map[string]*Session)}
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

func (r *Registry) shard(conversationID string) *registryShard {
	return r.shards[xxhash.Sum64String(conversationID)%shardCount]
}

// Register makes s the active session of the conversation. It fails with ErrConversationBusy when
// another session is active, including one aborted by the ceiling that hasn't handed the
// conversation back yet. A finished session still in the grace window is replaced.
func (r *Registry) Register(conversationID string, s *Session) error {
	sh := r.shard(conversationID)

	sh.mu.Lock()
	if cur, ok := sh.active[conversationID]; ok {
		sh.mu.Unlock()
		if cur.expired(r.now(), r.cfg.CeilingTTL) {
			r.ceilingEvicted(conversationID, cur)
		}
		return ErrConversationBusy
	}
	sh.active[conversationID] = s
	sh.mu.Unlock()

	r.grace.Remove(conversationID)
	return nil
}

// Active returns the session currently generating for the conversation, if any. A session past
// the ceiling is aborted but stays active until its turn finalizes and removes it, since that turn
// still owns the index of its message.
func (r *Registry) Active(conversationID string) *Session {
	sh := r.shard(conversationID)

	sh.mu.Lock()
	s, ok := sh.active[conversationID]
	sh.mu.Unlock()
	if !ok {
		return nil
	}

	if s.expired(r.now(), r.cfg.CeilingTTL) {
		r.ceilingEvicted(conversationID, s)
	}
	return s
}

// Lookup returns the active session of the conversation or, failing that, the finished one kept
// for the grace window.
func (r *Registry) Lookup(conversationID string) *Session {
	if s := r.Active(conversationID); s != nil {
		return s
	}

	s, ok := r.grace.Get(conversationID)
	if !ok {
		return nil
	}
	if s.expired(r.now(), r.cfg.CeilingTTL) {
		r.grace.Remove(conversationID)
		return nil
	}
	return s
}

// Retain moves s from the active set to the grace window. The grace entry is added before the
// active one is removed, so a concurrent Lookup always finds s.
func (r *Registry) Retain(conversationID string, s *Session) {
	r.grace.Add(conversationID, s)

	sh := r.shard(conversationID)
	sh.mu.Lock()
	if sh.active[conversationID] == s {
		delete(sh.active, conversationID)
	}
	sh.mu.Unlock()
}

// Remove drops s from the registry. Entries that belong to another session are left alone.
func (r *Registry) Remove(conversationID string, s *Session) {
	sh := r.shard(conversationID)
	sh.mu.Lock()
	if sh.active[conversationID] == s {
		delete(sh.active, conversationID)
	}
	sh.mu.Unlock()

	if g, ok := r.grace.Peek(conversationID); ok && g == s {
		r.grace.Remove(conversationID)
	}
}

// Evict drops whatever the registry holds for the conversation and returns the active session,
// if there was one.
func (r *Registry) Evict(conversationID string) *Session {
	sh := r.shard(conversationID)
	sh.mu.Lock()
	s := sh.active[conversationID]
	delete(sh.active, conversationID)
	sh.mu.Unlock()

	r.grace.Remove(conversationID)
	return s
}

// ActiveSessions returns every active session.
func (r *Registry) ActiveSessions() []*Session {
	var res []*Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.active {
			res = append(res, s)
		}
		sh.mu.Unlock()
	}
	return res
}

// Sweep aborts every active session older than the ceiling and drops finished sessions older than
// it from the grace window.
func (r *Registry) Sweep() {
	now := r.now()

	type victim struct {
		id string
		s  *Session
	}
	var victims []victim

	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.active {
			if s.expired(now, r.cfg.CeilingTTL) {
				victims = append(victims, victim{id: id, s: s})
			}
		}
		sh.mu.Unlock()
	}

	for _, id := range r.grace.Keys() {
		if s, ok := r.grace.Peek(id); ok && s.expired(now, r.cfg.CeilingTTL) {
			r.grace.Remove(id)
		}
	}

	for _, v := range victims {
		r.ceilingEvicted(v.id, v.s)
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// ceilingEvicted aborts a session that outlived the ceiling. Only the first call for a session
// logs and notifies OnCeiling.
func (r *Registry) ceilingEvicted(conversationID string, s *Session) {
	if !s.abort(causeCeiling) {
		return
	}
	r.logger.Warn("Session reached the ceiling while still streaming",
		slog.String("conversationID", conversationID),
		slog.String("messageID", s.MessageID()),
		slog.Duration("ceiling", r.cfg.CeilingTTL))
	if r.cfg.OnCeiling != nil {
		r.cfg.OnCeiling(conversationID, s)
	}
}
