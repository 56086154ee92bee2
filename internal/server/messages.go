package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-strangerchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the envelope for everything a client sends over the
// socket. Exactly one operation field is expected to be set.
type ClientMessage struct {
	BaseMessage
	Publish *Publish `json:"publish,omitempty"`
	Read    *Read    `json:"read,omitempty"`
	Match   *Match   `json:"match,omitempty"`
	Cancel  *Cancel  `json:"cancel,omitempty"`
	End     *End     `json:"end,omitempty"`
	Friend  *Friend  `json:"friend,omitempty"`
	UserId  int      `json:"-"`
	client  *Client  `json:"-"`
}

type Publish struct {
	ChatId     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Attachment *types.Attachment `json:"attachment,omitempty"`
}

type Read struct {
	ChatId string `json:"chat_id"`
}

type Match struct{}

type Cancel struct{}

type End struct {
	ChatId string `json:"chat_id"`
}

type Friend struct {
	ChatId string `json:"chat_id"`
}

// ServerMessage is the envelope for everything the server pushes to a
// client: direct responses to a ClientMessage, chat messages, and
// unsolicited notifications.
type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	UserIds      []int          `json:"-"`
	remote       bool
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notification struct {
	SessionCreated *SessionCreated `json:"session_created,omitempty"`
	SessionEnded   *SessionEnded   `json:"session_ended,omitempty"`
	MessageStatus  *MessageStatus  `json:"message_status,omitempty"`
	Presence       *Presence       `json:"presence,omitempty"`
	FriendRequest  *FriendRequest  `json:"friend_request,omitempty"`
}

type SessionCreated struct {
	Session types.ChatSession `json:"session"`
	Welcome types.Message     `json:"welcome"`
}

type SessionEnded struct {
	ChatId   string        `json:"chat_id"`
	Farewell types.Message `json:"farewell"`
}

type MessageStatus struct {
	ChatId    string              `json:"chat_id"`
	MessageId string              `json:"message_id"`
	Status    types.MessageStatus `json:"status"`
}

type Presence struct {
	Available int   `json:"available"`
	UserIds   []int `json:"user_ids"`
}

type FriendRequest struct {
	Request types.FriendRequest `json:"request"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrSessionNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "chat not found",
		},
	}
}

func ErrSessionClosed(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusGone,
			Error:        "chat has ended",
		},
	}
}

func ErrNotParticipant(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not a participant of this chat",
		},
	}
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        reason,
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
