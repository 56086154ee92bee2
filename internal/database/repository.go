package database

type StrangerChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	SetAvailability(accountId int, available bool) error
	MatchOrEnqueue(params MatchParams) (MatchResult, error)
	Dequeue(accountId int) (bool, error)
	QueueDepth() (int, error)
	GetSessionByExternalId(externalId string) (ChatSession, error)
	ListSessions(accountId int) ([]ChatSession, error)
	EndSession(sessionId int, farewellExternalId, farewellContent string) (Message, error)
	MarkSessionRead(sessionId, readerId int) ([]StatusUpdate, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	AdvanceMessageStatus(externalId, status string) (bool, error)
	MarkDeliveredForRecipient(accountId int) ([]StatusUpdate, error)
	GetMessages(sessionId int, before string, limit int) ([]Message, error)
	UpsertFriendRequest(externalId string, senderId, receiverId, sessionId int) (FriendRequest, error)
	ResolveFriendRequest(externalId string, accept bool) (FriendRequest, error)
	ListFriendRequests(receiverId int) ([]FriendRequest, error)
}
