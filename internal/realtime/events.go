package realtime

import (
	"time"

	"huddle/api/internal/store"
)

// Frame types sent by the server.
const (
	EventMessageCreated  = "message_created"
	EventMessageFlagged  = "message_flagged"
	EventPresenceChanged = "presence_changed"
	EventJoined          = "joined"
	EventError           = "error"
)

// Frame types accepted from clients.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameSend  = "send"
	FrameFocus = "focus"
)

// Event is the wire envelope for all server-to-client frames.
//
// For message_created, clients holding an optimistic local copy reconcile by
// matching their oldest unmatched temporary entry with equal (senderId,
// content) and replacing it with the canonical record. Two rapid identical
// sends may therefore reconcile against either temp entry; that ambiguity is
// accepted rather than worked around.
type Event struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversationId,omitempty"`
	Message        *MessagePayload  `json:"message,omitempty"`
	Presence       *PresencePayload `json:"presence,omitempty"`
	Code           string           `json:"code,omitempty"`
}

type MessagePayload struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
	Flag           *store.Flag `json:"flag"`
}

type PresencePayload struct {
	UserID                string `json:"userId"`
	Online                bool   `json:"online"`
	FocusedConversationID string `json:"focusedConversationId,omitempty"`
}

// ClientFrame is what clients send over the websocket.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content,omitempty"`
}

func messageEvent(eventType string, m store.Message) Event {
	return Event{
		Type:           eventType,
		ConversationID: m.ConversationID,
		Message: &MessagePayload{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			SenderName:     m.SenderName,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
			Flag:           m.Flag,
		},
	}
}
