package chat

import "errors"

var (
	// ErrEmptyMessage rejects a send with neither content nor
	// attachment.
	ErrEmptyMessage = errors.New("message has no content or attachment")
	// ErrUnknownAttachment rejects a message referencing an attachment
	// URL that was never durably stored.
	ErrUnknownAttachment = errors.New("attachment is not stored")
	// ErrInvalidAttachmentKind rejects attachment kinds other than
	// image or voice.
	ErrInvalidAttachmentKind = errors.New("invalid attachment kind")
	// ErrNotReceiver rejects resolving a friend request addressed to
	// someone else.
	ErrNotReceiver = errors.New("user is not the receiver of the request")
)
