package database

import (
	"github.com/stretchr/testify/mock"
)

type MockStrangerChatRepository struct {
	mock.Mock
}

func (m *MockStrangerChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStrangerChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockStrangerChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockStrangerChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockStrangerChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockStrangerChatRepository) SetAvailability(accountId int, available bool) error {
	args := m.Called(accountId, available)
	return args.Error(0)
}
func (m *MockStrangerChatRepository) MatchOrEnqueue(params MatchParams) (MatchResult, error) {
	args := m.Called(params)
	return args.Get(0).(MatchResult), args.Error(1)
}
func (m *MockStrangerChatRepository) Dequeue(accountId int) (bool, error) {
	args := m.Called(accountId)
	return args.Bool(0), args.Error(1)
}
func (m *MockStrangerChatRepository) QueueDepth() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}
func (m *MockStrangerChatRepository) GetSessionByExternalId(externalId string) (ChatSession, error) {
	args := m.Called(externalId)
	return args.Get(0).(ChatSession), args.Error(1)
}
func (m *MockStrangerChatRepository) ListSessions(accountId int) ([]ChatSession, error) {
	args := m.Called(accountId)
	return args.Get(0).([]ChatSession), args.Error(1)
}
func (m *MockStrangerChatRepository) EndSession(sessionId int, farewellExternalId, farewellContent string) (Message, error) {
	args := m.Called(sessionId, farewellExternalId, farewellContent)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStrangerChatRepository) MarkSessionRead(sessionId, readerId int) ([]StatusUpdate, error) {
	args := m.Called(sessionId, readerId)
	return args.Get(0).([]StatusUpdate), args.Error(1)
}
func (m *MockStrangerChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStrangerChatRepository) AdvanceMessageStatus(externalId, status string) (bool, error) {
	args := m.Called(externalId, status)
	return args.Bool(0), args.Error(1)
}
func (m *MockStrangerChatRepository) MarkDeliveredForRecipient(accountId int) ([]StatusUpdate, error) {
	args := m.Called(accountId)
	return args.Get(0).([]StatusUpdate), args.Error(1)
}
func (m *MockStrangerChatRepository) GetMessages(sessionId int, before string, limit int) ([]Message, error) {
	args := m.Called(sessionId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockStrangerChatRepository) UpsertFriendRequest(externalId string, senderId, receiverId, sessionId int) (FriendRequest, error) {
	args := m.Called(externalId, senderId, receiverId, sessionId)
	return args.Get(0).(FriendRequest), args.Error(1)
}
func (m *MockStrangerChatRepository) ResolveFriendRequest(externalId string, accept bool) (FriendRequest, error) {
	args := m.Called(externalId, accept)
	return args.Get(0).(FriendRequest), args.Error(1)
}
func (m *MockStrangerChatRepository) ListFriendRequests(receiverId int) ([]FriendRequest, error) {
	args := m.Called(receiverId)
	return args.Get(0).([]FriendRequest), args.Error(1)
}
