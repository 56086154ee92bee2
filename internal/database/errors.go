package database

import "errors"

var (
	// ErrSessionEnded is returned when writing to a session that has
	// already been torn down.
	ErrSessionEnded = errors.New("session has ended")
	// ErrNotParticipant is returned when the acting user is not one of
	// the session's two participants.
	ErrNotParticipant = errors.New("user is not a participant of the session")
	// ErrAlreadyResolved is returned when resolving a friend request
	// that is no longer pending.
	ErrAlreadyResolved = errors.New("friend request already resolved")
	// ErrUnknownCursor is returned when a pagination cursor does not
	// name a message in the session.
	ErrUnknownCursor = errors.New("unknown message cursor")
)
