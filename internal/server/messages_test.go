package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoErrOk(t *testing.T) {
	result := NoErrOK(1, map[string]any{
		"chat_id": "chat-1",
	})

	require.NotNil(t, result, "expected result to be non-nil")
	require.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode)
	assert.Equal(t, map[string]any{"chat_id": "chat-1"}, result.Response.Data)
}

func TestNoErrAccepted(t *testing.T) {
	result := NoErrAccepted(2)

	require.NotNil(t, result.Response)
	assert.Equal(t, 2, result.Id)
	assert.Equal(t, http.StatusAccepted, result.Response.ResponseCode)
	assert.Empty(t, result.Response.Error)
}

func TestErrorConstructors(t *testing.T) {
	tcases := []struct {
		name         string
		msg          *ServerMessage
		expectedCode int
	}{
		{
			name:         "session not found",
			msg:          ErrSessionNotFound(1),
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "session closed",
			msg:          ErrSessionClosed(1),
			expectedCode: http.StatusGone,
		},
		{
			name:         "not participant",
			msg:          ErrNotParticipant(1),
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "bad request",
			msg:          ErrBadRequest(1, "message has no content or attachment"),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "internal error",
			msg:          ErrInternalError(1),
			expectedCode: http.StatusInternalServerError,
		},
		{
			name:         "service unavailable",
			msg:          ErrServiceUnavailable(1),
			expectedCode: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, tc.msg.Id, "expected Id to be propagated")
			assert.Equal(t, tc.expectedCode, tc.msg.Response.ResponseCode)
			assert.NotEmpty(t, tc.msg.Response.Error, "expected an error string")
		})
	}
}

func TestErrInvalidMessage_NegativeId(t *testing.T) {
	msg := ErrInvalidMessage(-1)

	require.NotNil(t, msg.Response)
	assert.Zero(t, msg.Id, "expected negative ids to be omitted")
	assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode)
}

func TestClientMessage_Unmarshal(t *testing.T) {
	raw := `{"id":7,"publish":{"chat_id":"chat-1","content":"hello","attachment":{"kind":"image","url":"/api/attachments/abc"}}}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, 7, msg.Id)
	require.NotNil(t, msg.Publish)
	assert.Equal(t, "chat-1", msg.Publish.ChatId)
	assert.Equal(t, "hello", msg.Publish.Content)
	require.NotNil(t, msg.Publish.Attachment)
	assert.Equal(t, "/api/attachments/abc", msg.Publish.Attachment.Url)
	assert.Nil(t, msg.Match)
	assert.Nil(t, msg.Read)
}

func TestServerMessage_RoutingFieldsNotSerialized(t *testing.T) {
	msg := NoErrOK(1, nil)
	msg.UserIds = []int{1, 2}

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "UserIds", "expected routing metadata to stay internal")
}
