package domain

import "time"

// ConversationSummary is the single projection used for conversation lists:
// the conversation, the participant who is not the viewer, and the newest
// message if any. It is recomputed on every list call.
type ConversationSummary struct {
	Conversation     Conversation `json:"conversation"`
	OtherParticipant User         `json:"other_participant"`
	LastMessage      *Message     `json:"last_message,omitempty"`
}

// RequestView is a chat request together with the requester's profile, as
// shown in the recipient's inbox.
type RequestView struct {
	ChatRequest
	Requester User `json:"requester"`
}

// PresenceStatus is the derived presence of one user at read time.
type PresenceStatus struct {
	UserID   string     `json:"user_id"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	IsOnline bool       `json:"is_online"`
}
