package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-strangerchat/internal/blob"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/stats"
	"github.com/npezzotti/go-strangerchat/internal/testutil"
	"github.com/npezzotti/go-strangerchat/internal/types"
)

type statusEvent struct {
	chatId    string
	messageId string
	status    types.MessageStatus
}

type eventRecorder struct {
	mu       sync.Mutex
	messages []types.Message
	statuses []statusEvent
	ended    []string
	received []types.FriendRequest
	resolved []types.FriendRequest
}

func (r *eventRecorder) MessageCreated(userIds []int, msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *eventRecorder) MessageStatusChanged(userIds []int, chatId, messageId string, status types.MessageStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusEvent{chatId: chatId, messageId: messageId, status: status})
}

func (r *eventRecorder) SessionEnded(userIds []int, chatId string, farewell types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, chatId)
}

func (r *eventRecorder) FriendRequestReceived(req types.FriendRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, req)
}

func (r *eventRecorder) FriendRequestResolved(req types.FriendRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, req)
}

func (r *eventRecorder) statusEvents() []statusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusEvent(nil), r.statuses...)
}

type fakeReachability struct {
	mu        sync.Mutex
	connected map[int]bool
}

func (f *fakeReachability) IsConnected(userId int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[userId]
}

func newTestService(t *testing.T, repo database.StrangerChatRepository) (*Service, *eventRecorder, *fakeReachability, blob.Store) {
	t.Helper()

	blobs, err := blob.NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()

	recorder := &eventRecorder{}
	reach := &fakeReachability{connected: map[int]bool{1: true, 2: true}}

	svc := NewService(testutil.TestLogger(t), repo, blobs, recorder, reach, su, 10*time.Millisecond)
	return svc, recorder, reach, blobs
}

func testSession() database.ChatSession {
	return database.ChatSession{
		Id:         7,
		ExternalId: "chat-1",
		UserA:      database.User{Id: 1, Nickname: "alice"},
		UserB:      database.User{Id: 2, Nickname: "bob"},
	}
}

func TestSendMessage_RequiresContentOrAttachment(t *testing.T) {
	svc, _, _, _ := newTestService(t, &database.MockStrangerChatRepository{})

	_, err := svc.SendMessage("chat-1", 1, "", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendMessage_RejectsInvalidAttachmentKind(t *testing.T) {
	svc, _, _, _ := newTestService(t, &database.MockStrangerChatRepository{})

	_, err := svc.SendMessage("chat-1", 1, "", &types.Attachment{
		Kind: "video",
		Url:  "/api/attachments/abc",
	})
	assert.ErrorIs(t, err, ErrInvalidAttachmentKind)
}

func TestSendMessage_RejectsUnknownAttachment(t *testing.T) {
	svc, _, _, _ := newTestService(t, &database.MockStrangerChatRepository{})

	_, err := svc.SendMessage("chat-1", 1, "", &types.Attachment{
		Kind: types.AttachmentImage,
		Url:  blob.UrlPrefix + "missing",
	})
	assert.ErrorIs(t, err, ErrUnknownAttachment,
		"expected a message referencing unstored bytes to be rejected")
}

func TestSendMessage_CommitsAndDelivers(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)
	repo.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.SessionId == 7 && p.SenderId == 1 && p.Content == "hello"
	})).Return(database.Message{
		ExternalId: "msg-1",
		SessionId:  7,
		SenderId:   1,
		Content:    "hello",
		Status:     "sent",
	}, nil)
	repo.On("AdvanceMessageStatus", "msg-1", "delivered").Return(true, nil)

	svc, recorder, _, _ := newTestService(t, repo)

	msg, err := svc.SendMessage("chat-1", 1, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.Id)
	assert.Equal(t, types.StatusSent, msg.Status, "expected new messages to start as sent")

	require.Len(t, recorder.messages, 1)
	assert.Equal(t, "hello", recorder.messages[0].Content)

	assert.Eventually(t, func() bool {
		events := recorder.statusEvents()
		return len(events) == 1 && events[0].status == types.StatusDelivered && events[0].messageId == "msg-1"
	}, time.Second, 10*time.Millisecond, "expected delivered transition after the confirmation delay")
	repo.AssertExpectations(t)
}

func TestSendMessage_WithStoredAttachment(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)

	svc, _, reach, blobs := newTestService(t, repo)
	reach.connected = map[int]bool{}

	url, err := blobs.Save([]byte("voice-note-bytes"))
	require.NoError(t, err)

	repo.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.AttachmentKind == "voice" && p.AttachmentUrl == url
	})).Return(database.Message{
		ExternalId:     "msg-2",
		SessionId:      7,
		SenderId:       1,
		AttachmentKind: "voice",
		AttachmentUrl:  url,
		Status:         "sent",
	}, nil)

	msg, err := svc.SendMessage("chat-1", 1, "", &types.Attachment{
		Kind: types.AttachmentVoice,
		Url:  url,
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, types.AttachmentVoice, msg.Attachment.Kind)
	assert.Equal(t, url, msg.Attachment.Url)
}

func TestSendMessage_EndedSession(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)
	repo.On("CreateMessage", mock.Anything).Return(database.Message{}, database.ErrSessionEnded)

	svc, recorder, _, _ := newTestService(t, repo)

	_, err := svc.SendMessage("chat-1", 1, "hello", nil)
	assert.ErrorIs(t, err, database.ErrSessionEnded)
	assert.Empty(t, recorder.messages, "expected no notification for a rejected message")
}

func TestScheduleDelivery_SkipsDisconnectedRecipient(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)
	repo.On("CreateMessage", mock.Anything).Return(database.Message{
		ExternalId: "msg-3",
		SessionId:  7,
		SenderId:   1,
		Content:    "anyone there?",
		Status:     "sent",
	}, nil)

	svc, recorder, reach, _ := newTestService(t, repo)
	reach.connected = map[int]bool{1: true}

	_, err := svc.SendMessage("chat-1", 1, "anyone there?", nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recorder.statusEvents(),
		"expected no delivered transition while the recipient is offline")
	repo.AssertNotCalled(t, "AdvanceMessageStatus", mock.Anything, mock.Anything)
}

func TestDeliverPending(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("MarkDeliveredForRecipient", 2).Return([]database.StatusUpdate{
		{SessionExternalId: "chat-1", MessageExternalId: "msg-1", Status: "delivered", SenderId: 1},
		{SessionExternalId: "chat-1", MessageExternalId: "msg-2", Status: "delivered", SenderId: 1},
	}, nil)

	svc, recorder, _, _ := newTestService(t, repo)

	svc.DeliverPending(2)

	events := recorder.statusEvents()
	require.Len(t, events, 2, "expected one notification per swept message")
	for _, ev := range events {
		assert.Equal(t, types.StatusDelivered, ev.status)
	}
}

func TestMarkRead(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)
	repo.On("MarkSessionRead", 7, 2).Return([]database.StatusUpdate{
		{SessionExternalId: "chat-1", MessageExternalId: "msg-1", Status: "read", SenderId: 1},
	}, nil).Once()
	repo.On("MarkSessionRead", 7, 2).Return([]database.StatusUpdate{}, nil)

	svc, recorder, _, _ := newTestService(t, repo)

	err := svc.MarkRead("chat-1", 2)
	require.NoError(t, err)

	events := recorder.statusEvents()
	require.Len(t, events, 1)
	assert.Equal(t, types.StatusRead, events[0].status)

	// re-reading an already read session is a quiet no-op
	err = svc.MarkRead("chat-1", 2)
	require.NoError(t, err)
	assert.Len(t, recorder.statusEvents(), 1, "expected no further notifications")
}

func TestMarkRead_NotParticipant(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)

	svc, _, _, _ := newTestService(t, repo)

	err := svc.MarkRead("chat-1", 99)
	assert.ErrorIs(t, err, database.ErrNotParticipant)
	repo.AssertNotCalled(t, "MarkSessionRead", mock.Anything, mock.Anything)
}

func TestEndSession(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)
	repo.On("EndSession", 7, mock.Anything, FarewellMessage).Return(database.Message{
		ExternalId: "farewell-1",
		SessionId:  7,
		Content:    FarewellMessage,
		Status:     "read",
	}, nil)

	svc, recorder, _, _ := newTestService(t, repo)

	err := svc.EndSession("chat-1", 1)
	require.NoError(t, err)
	require.Len(t, recorder.ended, 1)
	assert.Equal(t, "chat-1", recorder.ended[0])
	repo.AssertExpectations(t)
}

func TestEndSession_AlreadyEnded(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)
	repo.On("EndSession", 7, mock.Anything, mock.Anything).Return(database.Message{}, database.ErrSessionEnded)

	svc, recorder, _, _ := newTestService(t, repo)

	err := svc.EndSession("chat-1", 2)
	assert.ErrorIs(t, err, database.ErrSessionEnded)
	assert.Empty(t, recorder.ended)
}

func TestEndSession_NotParticipant(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)

	svc, _, _, _ := newTestService(t, repo)

	err := svc.EndSession("chat-1", 99)
	assert.ErrorIs(t, err, database.ErrNotParticipant)
}

func TestGetMessages_NotParticipant(t *testing.T) {
	repo := &database.MockStrangerChatRepository{}
	repo.On("GetSessionByExternalId", "chat-1").Return(testSession(), nil)

	svc, _, _, _ := newTestService(t, repo)

	_, err := svc.GetMessages("chat-1", 99, "", 50)
	assert.ErrorIs(t, err, database.ErrNotParticipant)
}
