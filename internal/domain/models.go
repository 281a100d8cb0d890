// Package domain defines the persistence models for users, conversations,
// participants, messages, and chat requests. These types are mapped with GORM
// and are also the payloads carried by realtime events.
package domain

import (
	"time"
)

// GlobalRoomID identifies the public room every known user may post to.
// It is seeded by the migration and has no participant rows.
const GlobalRoomID = "00000000-0000-0000-0000-000000000000"

// GlobalRoomPairKey is the pair key reserved for the global room so it never
// collides with a direct conversation.
const GlobalRoomPairKey = "global"

// User is the directory entry for an identity owned by the external identity
// provider. The core only reads it (email lookups, listing projections); the
// profile sync endpoint is a pass-through.
type User struct {
	ID          string    `json:"id"                     gorm:"type:varchar(64);primaryKey"`
	Email       string    `json:"email"                  gorm:"type:varchar(320);not null;uniqueIndex:ux_users_email"`
	DisplayName *string   `json:"display_name,omitempty" gorm:"type:varchar(255)"`
	AvatarURL   *string   `json:"avatar_url,omitempty"   gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Conversation is a 1:1 thread between exactly two users.
//
// PairKey is the normalized, order-independent key of the two participants
// (length-prefixed "len(a):a:b" with a < b). Its unique index is what makes "one conversation per
// unordered pair" hold under concurrent creation.
//
// Seq counts committed message mutations. Each send, edit, or delete bumps
// it in its own transaction, and the new value numbers the published event.
type Conversation struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	PairKey   string    `json:"-"          gorm:"type:varchar(160);not null;uniqueIndex:ux_conversations_pair"`
	CreatedBy string    `json:"created_by" gorm:"type:varchar(64);not null"`
	Seq       uint64    `json:"seq"        gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index:idx_conversations_updated"`

	Participants []Participant `json:"participants,omitempty" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// ParticipantIDs returns the user ids of the loaded participants.
func (c Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

// Participant links a user to a conversation. Both rows of a conversation are
// written in the same transaction as the conversation itself.
type Participant struct {
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);primaryKey;index:idx_participants_user"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for Participant.
func (Participant) TableName() string { return "participants" }

// Message is a single text message in a conversation (or the global room).
//
// CreatedAt never changes after insert. Edits set IsEdited and EditedAt;
// deletes remove the row.
type Message struct {
	ID             string     `json:"id"                  gorm:"type:char(36);primaryKey"`
	ConversationID string     `json:"conversation_id"     gorm:"type:char(36);not null;index:idx_conversation_msgs,priority:1"`
	UserID         string     `json:"user_id"             gorm:"type:varchar(64);not null;index"`
	Content        string     `json:"content"             gorm:"type:text;not null"`
	IsEdited       bool       `json:"is_edited"           gorm:"not null;default:false"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"          gorm:"index:idx_conversation_msgs,priority:2"`
	UpdatedAt      time.Time  `json:"-"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Chat request statuses. pending is the only non-terminal state.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestIgnored  = "ignored"
)

// ChatRequest asks the recipient to open a conversation with the requester.
//
// PendingKey encodes (requester, recipient) while the request is pending and
// is NULL once resolved; its unique index allows at most one pending request
// per ordered pair while keeping any number of resolved ones.
type ChatRequest struct {
	ID          string     `json:"id"                     gorm:"type:char(36);primaryKey"`
	RequesterID string     `json:"requester_id"           gorm:"type:varchar(64);not null;index"`
	RecipientID string     `json:"recipient_id"           gorm:"type:varchar(64);not null;index:idx_requests_inbox,priority:1"`
	Message     *string    `json:"message,omitempty"      gorm:"type:text"`
	Status      string     `json:"status"                 gorm:"type:varchar(16);not null;default:'pending';index:idx_requests_inbox,priority:2;check:status IN ('pending','accepted','ignored')"`
	PendingKey  *string    `json:"-"                      gorm:"type:varchar(160);uniqueIndex:ux_requests_pending"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// TableName returns the database table name for ChatRequest.
func (ChatRequest) TableName() string { return "chat_requests" }

// IsPending reports whether the request can still be accepted or ignored.
func (r ChatRequest) IsPending() bool { return r.Status == RequestPending }
