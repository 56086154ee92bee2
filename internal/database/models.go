package database

import "time"

type User struct {
	Id           int
	Nickname     string
	EmailAddress string
	PasswordHash string
	IsAnonymous  bool
	Available    bool
	Online       bool
	LastSeen     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type QueueEntry struct {
	UserId     int
	Nickname   string
	EnqueuedAt time.Time
}

type ChatSession struct {
	Id            int
	ExternalId    string
	UserA         User
	UserB         User
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
	Ended         bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Id             int
	ExternalId     string
	SessionId      int
	// SenderId is 0 for system messages.
	SenderId       int
	Content        string
	AttachmentKind string
	AttachmentUrl  string
	Status         string
	CreatedAt      time.Time
}

type FriendRequest struct {
	Id                int
	ExternalId        string
	SenderId          int
	ReceiverId        int
	SessionId         int
	SessionExternalId string
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreateAccountParams struct {
	Nickname     string
	EmailAddress string
	PasswordHash string
	IsAnonymous  bool
}

type UpdateAccountParams struct {
	UserId       int
	Nickname     string
	PasswordHash string
}

type CreateMessageParams struct {
	ExternalId     string
	SessionId      int
	SenderId       int
	Content        string
	AttachmentKind string
	AttachmentUrl  string
}

type MatchParams struct {
	UserId            int
	Nickname          string
	SessionExternalId string
	WelcomeExternalId string
	WelcomeContent    string
}

// MatchResult is the outcome of a single MatchOrEnqueue transaction.
// When Matched is false the caller was (re-)enqueued and the remaining
// fields are zero.
type MatchResult struct {
	Matched bool
	Session ChatSession
	Welcome Message
}

// StatusUpdate identifies a message whose status was advanced, along
// with the session it belongs to, so callers can notify subscribers.
type StatusUpdate struct {
	SessionExternalId string
	MessageExternalId string
	Status            string
	SenderId          int
}
