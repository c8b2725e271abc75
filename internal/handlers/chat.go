package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type sendMessageRequest struct {
	Model   string `json:"model"`
	Message string `json:"message"`
}

type regenerateRequest struct {
	Model     string `json:"model"`
	MessageID string `json:"messageId"`
}

type forkRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

const maxRequestBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (m Main) checkModel(model string) error {
	if model == "" {
		return badRequest("model is required")
	}
	if !m.catalog.HasModel(model) {
		return badRequest(fmt.Sprintf("unknown model %s", model))
	}
	return nil
}

// HandleConversations lists the conversations of the user, newest first.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := m.editor.Conversations(r.Context(), requester(r))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeJSON(w, http.StatusOK, convs)
}

// HandleConversation returns a conversation with its messages.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := m.editor.Conversation(r.Context(), requester(r), chi.URLParam(r, "conversationID"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeJSON(w, http.StatusOK, conv)
}

// HandleNewConversation creates an empty conversation.
func (m Main) HandleNewConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := m.editor.NewConversation(r.Context(), requester(r))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeJSON(w, http.StatusCreated, conv)
}

// HandleFork copies a conversation up to and including a message into a new conversation.
func (m Main) HandleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if req.ConversationID == "" || req.MessageID == "" {
		m.writeError(w, r, badRequest("conversationId and messageId are required"))
		return
	}

	conv, err := m.editor.Fork(r.Context(), requester(r), req.ConversationID, req.MessageID)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeJSON(w, http.StatusCreated, conv)
}

// HandleDelete removes a conversation, aborting its turn if one streams.
func (m Main) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := m.editor.Delete(r.Context(), requester(r), chi.URLParam(r, "conversationID")); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSendMessage appends a user message and starts the assistant turn that answers it. The
// reply arrives on the conversation event stream.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		m.writeError(w, r, badRequest("message is required"))
		return
	}
	if err := m.checkModel(req.Model); err != nil {
		m.writeError(w, r, err)
		return
	}

	turn, err := m.coordinator.SendMessage(r.Context(), requester(r), chi.URLParam(r, "conversationID"), req.Model, req.Message)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeJSON(w, http.StatusAccepted, turn)
}

// HandleRegenerate replaces an assistant message, and everything after it, with a new turn.
// Targeting a message that isn't from the assistant changes nothing.
func (m Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if req.MessageID == "" {
		m.writeError(w, r, badRequest("messageId is required"))
		return
	}
	if err := m.checkModel(req.Model); err != nil {
		m.writeError(w, r, err)
		return
	}

	msg, err := m.editor.Regenerate(r.Context(), requester(r), chi.URLParam(r, "conversationID"), req.MessageID, req.Model)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.writeJSON(w, http.StatusAccepted, msg)
}

// HandleStop cancels the streaming turn of a conversation, if any.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := m.coordinator.Stop(r.Context(), requester(r), chi.URLParam(r, "conversationID")); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
