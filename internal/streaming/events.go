package streaming

import (
	"encoding/json"

	"github.com/MegaGrindStone/relaychat/internal/models"
)

// EventName identifies the kind of an Event delivered to subscribers.
type EventName string

// Event names emitted by the coordinator and the history editor.
const (
	EventBeginAssistantMessage EventName = "BeginAssistantMessage"
	EventNewAssistantPart      EventName = "NewAssistantPart"
	EventEndAssistantMessage   EventName = "EndAssistantMessage"
	EventUserMessage           EventName = "UserMessage"
	EventConversationHistory   EventName = "ConversationHistory"
	EventChatTitle             EventName = "ChatTitle"
	EventNewConversation       EventName = "NewConversation"
	EventDeleteConversation    EventName = "DeleteConversation"
)

// EndReason tells why an assistant turn ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndCancelled EndReason = "cancelled"
	EndFailed    EndReason = "failed"
)

// Event is a single named, JSON-serializable notification.
type Event struct {
	Name EventName
	Data any
}

// PartPayload carries one framed delta of an assistant message.
type PartPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Delta          string `json:"delta"`
}

// EndPayload closes an assistant message. Error is nil unless the turn failed.
type EndPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Error          *string   `json:"error"`
	Reason         EndReason `json:"reason"`
}

// HistoryPayload is the persisted state of a conversation as seen by a joining viewer.
type HistoryPayload struct {
	Conversation models.Conversation `json:"conversation"`
}

// TitlePayload announces a new display title.
type TitlePayload struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

// DeletePayload announces a removed conversation.
type DeletePayload struct {
	ConversationID string `json:"conversationId"`
}

// JSON encodes the event data.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e.Data)
}

func userKey(userID string) string {
	return "user:" + userID
}

func conversationKey(conversationID string) string {
	return "conversation:" + conversationID
}
