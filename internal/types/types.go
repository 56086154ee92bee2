package types

import (
	"time"
)

// MessageStatus is the delivery state of a message. Transitions are
// monotonic: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses for monotonicity checks. Unknown statuses rank
// below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVoice AttachmentKind = "voice"
)

type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestDeclined FriendRequestStatus = "declined"
)

// SystemSenderId marks messages authored by the server rather than a
// participant (welcome, farewell, friend-request notices).
const SystemSenderId = 0

type User struct {
	Id           int       `json:"id"`
	Nickname     string    `json:"nickname"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	IsAnonymous  bool      `json:"is_anonymous"`
	Available    bool      `json:"available"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Url  string         `json:"url"`
}

type Message struct {
	Id         string        `json:"id"`
	ChatId     string        `json:"chat_id"`
	SenderId   int           `json:"sender_id"`
	Content    string        `json:"content"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// System reports whether the message was authored by the server.
func (m Message) System() bool {
	return m.SenderId == SystemSenderId
}

type ChatSession struct {
	Id            string    `json:"id"`
	Participants  []User    `json:"participants"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	Ended         bool      `json:"ended"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// Partner returns the participant other than userId, if present.
func (s ChatSession) Partner(userId int) (User, bool) {
	for _, p := range s.Participants {
		if p.Id != userId {
			return p, true
		}
	}
	return User{}, false
}

type FriendRequest struct {
	Id         string              `json:"id"`
	SenderId   int                 `json:"sender_id"`
	ReceiverId int                 `json:"receiver_id"`
	ChatId     string              `json:"chat_id"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
}
