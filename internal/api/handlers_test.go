package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/npezzotti/go-strangerchat/internal/blob"
	"github.com/npezzotti/go-strangerchat/internal/chat"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/stats"
	"github.com/npezzotti/go-strangerchat/internal/testutil"
	"github.com/npezzotti/go-strangerchat/internal/types"
)

type discardNotifier struct{}

func (discardNotifier) MessageCreated(userIds []int, msg types.Message) {}
func (discardNotifier) MessageStatusChanged(userIds []int, chatId, messageId string, status types.MessageStatus) {
}
func (discardNotifier) SessionEnded(userIds []int, chatId string, farewell types.Message) {}
func (discardNotifier) FriendRequestReceived(req types.FriendRequest)                     {}
func (discardNotifier) FriendRequestResolved(req types.FriendRequest)                     {}

type allReachable struct{}

func (allReachable) IsConnected(userId int) bool { return true }

func newTestApp(t *testing.T, repo database.StrangerChatRepository) *StrangerChatApp {
	t.Helper()

	blobs, err := blob.NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()

	chatSvc := chat.NewService(testutil.TestLogger(t), repo, blobs, discardNotifier{}, allReachable{}, su, time.Millisecond)

	return &StrangerChatApp{
		log:        testutil.TestLogger(t),
		db:         repo,
		chat:       chatSvc,
		blobs:      blobs,
		signingKey: []byte("test-signing-key"),
	}
}

func authedRequest(t *testing.T, app *StrangerChatApp, method, target string, body *bytes.Buffer, userId int) *http.Request {
	t.Helper()

	if body == nil {
		body = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, target, body)
	return req.WithContext(WithUserId(req.Context(), userId))
}

func TestCreateAccount(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("CreateAccount", mock.MatchedBy(func(p database.CreateAccountParams) bool {
		return p.Nickname == "alice" && p.EmailAddress == "alice@example.com" && p.PasswordHash != "secret"
	})).Return(database.User{
		Id:           1,
		Nickname:     "alice",
		EmailAddress: "alice@example.com",
	}, nil)

	app := newTestApp(t, repo)

	body, _ := json.Marshal(RegisterRequest{
		Email:    "alice@example.com",
		Nickname: "alice",
		Password: "secret",
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBuffer(body))
	app.createAccount(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)

	var u types.User
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
	assert.Equal(t, 1, u.Id)
	assert.Equal(t, "alice", u.Nickname)
	repo.AssertExpectations(t)
}

func TestCreateAccount_MissingFields(t *testing.T) {
	app := newTestApp(t, &database.MockStrangerChatRepository{})

	body, _ := json.Marshal(RegisterRequest{Email: "alice@example.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBuffer(body))
	app.createAccount(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnonymous(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("CreateAccount", mock.MatchedBy(func(p database.CreateAccountParams) bool {
		return p.IsAnonymous && strings.HasPrefix(p.Nickname, "Stranger-")
	})).Return(database.User{
		Id:          5,
		Nickname:    "Stranger-abc123",
		IsAnonymous: true,
	}, nil)

	app := newTestApp(t, repo)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/anonymous", nil)
	app.anonymous(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)

	var tokenCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == tokenCookieKey {
			tokenCookie = c
		}
	}
	require.NotNil(t, tokenCookie, "expected anonymous sign-in to set the session cookie")

	userId, err := app.extractUserIdFromToken(tokenCookie.Value)
	require.NoError(t, err)
	assert.Equal(t, 5, userId)
	repo.AssertExpectations(t)
}

func TestLogin(t *testing.T) {
	pwdHash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost)
	require.NoError(t, err)

	repo := &database.MockStrangerChatRepository{}
	repo.On("GetAccountByEmail", "alice@example.com").Return(database.User{
		Id:           1,
		Nickname:     "alice",
		EmailAddress: "alice@example.com",
		PasswordHash: string(pwdHash),
	}, nil)

	app := newTestApp(t, repo)

	t.Run("valid credentials", func(t *testing.T) {
		body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "secret"})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
		app.login(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, rr.Result().Cookies(), "expected login to set the session cookie")
	})

	t.Run("wrong password", func(t *testing.T) {
		body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "nope"})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
		app.login(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unknown email", func(t *testing.T) {
		repo.On("GetAccountByEmail", "nobody@example.com").Return(database.User{}, sql.ErrNoRows)

		body, _ := json.Marshal(LoginRequest{Email: "nobody@example.com", Password: "secret"})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBuffer(body))
		app.login(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestGetChats(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("ListSessions", 1).Return([]database.ChatSession{
		{
			Id:          7,
			ExternalId:  "chat-1",
			UserA:       database.User{Id: 1, Nickname: "alice"},
			UserB:       database.User{Id: 2, Nickname: "bob"},
			LastMessage: "hello",
			UnreadCount: 2,
		},
	}, nil)

	app := newTestApp(t, repo)

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodGet, "/api/chats", nil, 1)
	app.getChats(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var sessions []types.ChatSession
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "chat-1", sessions[0].Id)
	assert.Equal(t, 2, sessions[0].UnreadCount)
}

func TestGetMessages(t *testing.T) {
	session := database.ChatSession{
		Id:         7,
		ExternalId: "chat-1",
		UserA:      database.User{Id: 1},
		UserB:      database.User{Id: 2},
	}

	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(session, nil)
	repo.On("GetMessages", 7, "", 50).Return([]database.Message{
		{ExternalId: "msg-1", SessionId: 7, SenderId: 0, Content: "welcome", Status: "read"},
		{ExternalId: "msg-2", SessionId: 7, SenderId: 1, Content: "hi", Status: "sent"},
	}, nil)

	app := newTestApp(t, repo)

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodGet, "/api/messages?chat_id=chat-1&limit=50", nil, 1)
	app.getMessages(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var messages []types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&messages))
	require.Len(t, messages, 2)
	assert.True(t, messages[0].System(), "expected the welcome to be a system message")
	assert.Equal(t, 1, messages[1].SenderId)
}

func TestGetMessages_Paging(t *testing.T) {
	session := database.ChatSession{
		Id:         7,
		ExternalId: "chat-1",
		UserA:      database.User{Id: 1},
		UserB:      database.User{Id: 2},
	}

	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(session, nil)
	// The cursor reaching the store is the external id of the oldest
	// message the client already has, never an internal row id.
	repo.On("GetMessages", 7, "msg-3", 2).Return([]database.Message{
		{ExternalId: "msg-1", SessionId: 7, SenderId: 1, Content: "first", Status: "read"},
		{ExternalId: "msg-2", SessionId: 7, SenderId: 2, Content: "second", Status: "read"},
	}, nil)

	app := newTestApp(t, repo)

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodGet, "/api/messages?chat_id=chat-1&before=msg-3&limit=2", nil, 1)
	app.getMessages(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var messages []types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "msg-1", messages[0].Id)
	assert.Equal(t, "msg-2", messages[1].Id)
	repo.AssertExpectations(t)
}

func TestGetMessages_UnknownCursor(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(database.ChatSession{
		Id:    7,
		UserA: database.User{Id: 1},
		UserB: database.User{Id: 2},
	}, nil)
	repo.On("GetMessages", 7, "no-such-msg", 0).
		Return([]database.Message(nil), database.ErrUnknownCursor)

	app := newTestApp(t, repo)

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodGet, "/api/messages?chat_id=chat-1&before=no-such-msg", nil, 1)
	app.getMessages(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetMessages_NotParticipant(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(database.ChatSession{
		Id:    7,
		UserA: database.User{Id: 1},
		UserB: database.User{Id: 2},
	}, nil)

	app := newTestApp(t, repo)

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodGet, "/api/messages?chat_id=chat-1", nil, 99)
	app.getMessages(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAttachmentRoundTrip(t *testing.T) {
	app := newTestApp(t, &database.MockStrangerChatRepository{})

	payload := []byte("fake-image-bytes")

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodPost, "/api/attachments?kind=image", bytes.NewBuffer(payload), 1)
	app.uploadAttachment(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)

	var attachment types.Attachment
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&attachment))
	assert.Equal(t, types.AttachmentImage, attachment.Kind)
	require.True(t, strings.HasPrefix(attachment.Url, blob.UrlPrefix))

	key, ok := blob.KeyFromUrl(attachment.Url)
	require.True(t, ok)

	rr = httptest.NewRecorder()
	req = authedRequest(t, app, http.MethodGet, attachment.Url, nil, 1)
	req.SetPathValue("key", key)
	app.getAttachment(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, payload, rr.Body.Bytes())
}

func TestUploadAttachment_InvalidKind(t *testing.T) {
	app := newTestApp(t, &database.MockStrangerChatRepository{})

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodPost, "/api/attachments?kind=video", bytes.NewBufferString("data"), 1)
	app.uploadAttachment(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAttachment_Missing(t *testing.T) {
	app := newTestApp(t, &database.MockStrangerChatRepository{})

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodGet, "/api/attachments/nope", nil, 1)
	req.SetPathValue("key", "nope")
	app.getAttachment(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRespondFriendRequest_Conflict(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("ListFriendRequests", 2).Return([]database.FriendRequest{
		{ExternalId: "req-1", SenderId: 1, ReceiverId: 2, SessionExternalId: "chat-1", Status: "accepted"},
	}, nil)
	repo.On("ResolveFriendRequest", "req-1", true).Return(database.FriendRequest{}, database.ErrAlreadyResolved)

	app := newTestApp(t, repo)

	body, _ := json.Marshal(RespondFriendRequest{RequestId: "req-1", Accept: true})

	rr := httptest.NewRecorder()
	req := authedRequest(t, app, http.MethodPost, "/api/friend-requests/respond", bytes.NewBuffer(body), 2)
	app.respondFriendRequest(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code,
		"expected resolving twice to conflict")
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		repo := &database.MockStrangerChatRepository{}
		repo.On("Ping").Return(nil)

		app := newTestApp(t, repo)

		rr := httptest.NewRecorder()
		app.healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("database down", func(t *testing.T) {
		repo := &database.MockStrangerChatRepository{}
		repo.On("Ping").Return(errors.New("connection refused"))

		app := newTestApp(t, repo)

		rr := httptest.NewRecorder()
		app.healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
