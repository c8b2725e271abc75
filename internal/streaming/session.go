package streaming

import (
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
)

// State is the lifecycle state of the turn a Session belongs to.
type State string

const (
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateCancelling State = "cancelling"
	StateFailing    State = "failing"
	StateFinalizing State = "finalizing"
	StateIdle       State = "idle"
)

// Session is the in-progress state of one assistant turn. Every method takes the session lock for
// its whole duration, and every delta is published while that lock is held, so a reader that
// snapshots under the lock sees exactly the deltas published before it and none after.
type Session struct {
	mu sync.Mutex

	message     models.Message
	buf         strings.Builder
	inReasoning bool
	begun       bool
	sealed      bool
	discarded   bool
	finished    bool
	cancelled   bool
	abortCause  *string
	aborted     chan struct{}
	finishError *string
	reason      EndReason
	state       State

	createdAt time.Time
	publish   func(Event)
	abortFn   func()
}

// Snapshot is a copy of a session taken under its lock. Message.Content equals Content.
type Snapshot struct {
	Content     string
	Message     models.Message
	Begun       bool
	Finished    bool
	FinishError *string
	Reason      EndReason
}

// NewSession creates a session for the placeholder assistant message msg. publish receives every
// event derived from the session and is called with the session lock held, so it must not block.
// abort, if not nil, tears down the provider call and is only used when a session has to be
// forcibly ended.
func NewSession(msg models.Message, publish func(Event), abort func()) *Session {
	if publish == nil {
		publish = func(Event) {}
	}
	return &Session{
		message:   msg,
		state:     StateStarting,
		createdAt: time.Now(),
		publish:   publish,
		abortFn:   abort,
		aborted:   make(chan struct{}),
	}
}

// Append adds a delta to the buffer and publishes it. Switching into reasoning prefixes the delta
// with the reasoning open marker and switching out of it prefixes the close marker, once per
// transition. Appends after the session is sealed are ignored.
func (s *Session) Append(text string, isReasoning bool) {
	if text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return
	}

	delta := text
	switch {
	case isReasoning && !s.inReasoning:
		delta = models.ReasoningOpen + text
	case !isReasoning && s.inReasoning:
		delta = models.ReasoningClose + text
	}
	s.inReasoning = isReasoning
	s.buf.WriteString(delta)

	s.publish(Event{
		Name: EventNewAssistantPart,
		Data: PartPayload{
			ConversationID: s.message.ConversationID,
			MessageID:      s.message.ID,
			Delta:          delta,
		},
	})
}

// Snapshot returns a copy of the buffer and the assistant message.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	msg := s.message
	msg.Content = s.buf.String()
	msg.FinishError = s.finishError
	return Snapshot{
		Content:     msg.Content,
		Message:     msg,
		Begun:       s.begun,
		Finished:    s.finished,
		FinishError: s.finishError,
		Reason:      s.reason,
	}
}

// Attach runs fn with a snapshot while holding the session lock. No delta is published while fn
// runs, which makes it the place to subscribe a late viewer.
func (s *Session) Attach(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.snapshotLocked())
}

// Cancel asks the coordinator to stop consuming provider events at its next safe point.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.cancelled = true
	if s.state == StateStreaming || s.state == StateStarting {
		s.state = StateCancelling
	}
}

// IsCancelled reports whether Cancel was called.
func (s *Session) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelled
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ConversationID returns the conversation the session generates for.
func (s *Session) ConversationID() string {
	return s.message.ConversationID
}

// MessageID returns the id of the assistant message being generated.
func (s *Session) MessageID() string {
	return s.message.ID
}

// Finished reports whether the end event was published.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finished
}

// begin publishes the placeholder message and moves the session to streaming.
func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.begun {
		return
	}
	s.begun = true
	if s.state == StateStarting {
		s.state = StateStreaming
	}
	s.publish(Event{Name: EventBeginAssistantMessage, Data: s.message})
}

// discard marks the session as belonging to a conversation that no longer exists, so
// finalization has nothing to persist.
func (s *Session) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discarded = true
}

func (s *Session) isDiscarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.discarded
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.state = state
}

// seal closes an open reasoning frame and freezes the buffer. It returns the final message.
func (s *Session) seal() models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sealed {
		if s.inReasoning {
			s.buf.WriteString(models.ReasoningClose)
			s.inReasoning = false
			s.publish(Event{
				Name: EventNewAssistantPart,
				Data: PartPayload{
					ConversationID: s.message.ConversationID,
					MessageID:      s.message.ID,
					Delta:          models.ReasoningClose,
				},
			})
		}
		s.sealed = true
	}
	s.state = StateFinalizing

	msg := s.message
	msg.Content = s.buf.String()
	return msg
}

// end marks the session finished and publishes the end event. Only the first call has an effect.
func (s *Session) end(reason EndReason, errText *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.finished = true
	s.sealed = true
	s.finishError = errText
	s.reason = reason
	s.state = StateIdle

	s.publish(Event{
		Name: EventEndAssistantMessage,
		Data: EndPayload{
			ConversationID: s.message.ConversationID,
			MessageID:      s.message.ID,
			Error:          errText,
			Reason:         reason,
		},
	})
}

// abort ends the session on behalf of the server rather than the user: the turn fails with cause
// and the provider call is torn down. It reports whether this call aborted the session, which is
// false once it finished or was already aborted.
func (s *Session) abort(cause string) bool {
	s.mu.Lock()
	if s.finished || s.abortCause != nil {
		s.mu.Unlock()
		return false
	}
	s.abortCause = &cause
	s.cancelled = true
	if s.state != StateFinalizing && s.state != StateIdle {
		s.state = StateFailing
	}
	close(s.aborted)
	s.mu.Unlock()

	if s.abortFn != nil {
		s.abortFn()
	}
	return true
}

// abortReason returns the cause given to abort, or nil when the session wasn't aborted.
func (s *Session) abortReason() *string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.abortCause
}

// abortSignal is closed by the first successful abort.
func (s *Session) abortSignal() <-chan struct{} {
	return s.aborted
}

func (s *Session) expired(now time.Time, ceiling time.Duration) bool {
	return ceiling > 0 && now.Sub(s.createdAt) >= ceiling
}
