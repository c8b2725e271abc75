package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/streaming"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
)

// HandleConversationEvents streams a conversation to a viewer: its history first, then the partial
// state of a streaming turn, then live events. The user level events of the requester are merged
// into the same stream. The stream ends when the viewer falls too far behind; clients reconnect
// and get a fresh history.
func (m Main) HandleConversationEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conversationID := chi.URLParam(r, "conversationID")
	convEvents, err := m.coordinator.Join(ctx, requester(r), conversationID)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	userEvents := m.coordinator.SubscribeUser(ctx, requester(r))

	m.serveEvents(w, r, convEvents, userEvents, func(e streaming.Event) bool {
		// Titles of this conversation already arrive on its own stream.
		p, ok := e.Data.(streaming.TitlePayload)
		return !ok || p.ConversationID != conversationID
	})
}

// HandleUserEvents streams the user level events of the requester: titles, created and deleted
// conversations.
func (m Main) HandleUserEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	m.serveEvents(w, r, nil, m.coordinator.SubscribeUser(ctx, requester(r)), nil)
}

// serveEvents writes events from both channels until one of them closes, the client goes away or
// the server shuts down. keepUser filters the events of the user channel; nil keeps all of them.
func (m Main) serveEvents(
	w http.ResponseWriter,
	r *http.Request,
	convEvents, userEvents <-chan streaming.Event,
	keepUser func(streaming.Event) bool,
) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade event stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A comment right away commits the response headers.
	if !m.send(sess, keepAliveMessage()) {
		return
	}

	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		var e streaming.Event
		select {
		case <-r.Context().Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if !m.send(sess, keepAliveMessage()) {
				return
			}
			continue
		case ev, ok := <-convEvents:
			if !ok {
				return
			}
			e = ev
		case ev, ok := <-userEvents:
			if !ok {
				return
			}
			if keepUser != nil && !keepUser(ev) {
				continue
			}
			e = ev
		}

		msg, err := eventMessage(e)
		if err != nil {
			m.logger.Error("Failed to encode event",
				slog.String("event", string(e.Name)),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		if !m.send(sess, msg) {
			return
		}
	}
}

func (m Main) send(sess *sse.Session, msg *sse.Message) bool {
	if err := sess.Send(msg); err != nil {
		m.logger.Debug("Event stream closed", slog.String(errLoggerKey, err.Error()))
		return false
	}
	if err := sess.Flush(); err != nil {
		m.logger.Debug("Event stream closed", slog.String(errLoggerKey, err.Error()))
		return false
	}
	return true
}

func eventMessage(e streaming.Event) (*sse.Message, error) {
	data, err := e.JSON()
	if err != nil {
		return nil, err
	}
	msg := &sse.Message{Type: sse.Type(string(e.Name))}
	msg.AppendData(string(data))
	return msg, nil
}

func keepAliveMessage() *sse.Message {
	msg := &sse.Message{}
	msg.AppendComment("keep-alive")
	return msg
}
