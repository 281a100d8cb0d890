// Package bus fans out realtime events to live sessions.
//
// Two kinds of topics exist: a conversation topic (message created, updated,
// deleted) and a per-user request inbox (request created, resolved). Every
// subscription belongs to a session so that closing the session releases all
// of its subscriptions at once.
//
// The bus is not durable. A subscriber that falls behind is dropped with
// ErrOverflow and is expected to resync through the list operations.
package bus

import (
	"encoding/json"
	"time"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// Kind names an event type. The string value is the "type" field of the JSON
// frame sent to clients.
type Kind string

const (
	KindMessageCreated  Kind = "MessageCreated"
	KindMessageUpdated  Kind = "MessageUpdated"
	KindMessageDeleted  Kind = "MessageDeleted"
	KindRequestCreated  Kind = "RequestCreated"
	KindRequestResolved Kind = "RequestResolved"
)

// Event is one committed mutation, carrying its full payload so receivers
// never need to re-fetch.
//
// Seq numbers conversation events in commit order, one step per event. The
// store assigns it inside the mutation's transaction; events published
// without one are numbered by the bus. Inbox events carry no sequence.
type Event struct {
	Type           Kind            `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Seq            uint64          `json:"seq,omitempty"`
	At             time.Time       `json:"at"`
	Payload        json.RawMessage `json:"payload"`
}

// WithSeq returns e numbered n.
func (e Event) WithSeq(n uint64) Event {
	e.Seq = n
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// MessageDeletedPayload identifies a removed message.
type MessageDeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// RequestResolvedPayload carries the resolved request and, on accept, the
// conversation the two users now share.
type RequestResolvedPayload struct {
	Request        domain.ChatRequest `json:"request"`
	ConversationID string             `json:"conversation_id,omitempty"`
}

func newEvent(kind Kind, conversationID string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain domain structs; marshal cannot fail for them.
		raw = []byte("null")
	}
	return Event{
		Type:           kind,
		ConversationID: conversationID,
		At:             time.Now().UTC(),
		Payload:        raw,
	}
}

// MessageCreated builds the event for a newly posted message.
func MessageCreated(m domain.Message) Event {
	return newEvent(KindMessageCreated, m.ConversationID, m)
}

// MessageUpdated builds the event for an edited message.
func MessageUpdated(m domain.Message) Event {
	return newEvent(KindMessageUpdated, m.ConversationID, m)
}

// MessageDeleted builds the event for a hard-deleted message.
func MessageDeleted(id, conversationID string) Event {
	return newEvent(KindMessageDeleted, conversationID, MessageDeletedPayload{ID: id, ConversationID: conversationID})
}

// RequestCreated builds the inbox event for a new pending request.
func RequestCreated(v domain.RequestView) Event {
	return newEvent(KindRequestCreated, "", v)
}

// RequestResolved builds the inbox event for an accepted or ignored request.
func RequestResolved(r domain.ChatRequest, conversationID string) Event {
	return newEvent(KindRequestResolved, "", RequestResolvedPayload{Request: r, ConversationID: conversationID})
}
