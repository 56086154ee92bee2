package chat

import (
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-strangerchat/internal/blob"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/stats"
	"github.com/npezzotti/go-strangerchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	// FarewellMessage closes a session when either participant ends it.
	FarewellMessage = "This chat has ended. Start a new chat to talk with someone else."

	messagesSentMetric = "MessagesSent"
)

// Notifier pushes lifecycle events to connected participants.
type Notifier interface {
	MessageCreated(userIds []int, msg types.Message)
	MessageStatusChanged(userIds []int, chatId, messageId string, status types.MessageStatus)
	SessionEnded(userIds []int, chatId string, farewell types.Message)
	FriendRequestReceived(req types.FriendRequest)
	FriendRequestResolved(req types.FriendRequest)
}

// Reachability reports whether a user currently has a live connection,
// used as the delivery-confirmation stand-in.
type Reachability interface {
	IsConnected(userId int) bool
}

// Service owns the message lifecycle (sent -> delivered -> read),
// session teardown and friend requests on top of the repository.
type Service struct {
	log           *log.Logger
	db            database.StrangerChatRepository
	blobs         blob.Store
	notifier      Notifier
	reach         Reachability
	stats         stats.StatsProvider
	deliveryDelay time.Duration
}

func NewService(logger *log.Logger, db database.StrangerChatRepository, blobs blob.Store, notifier Notifier, reach Reachability, su stats.StatsProvider, deliveryDelay time.Duration) *Service {
	su.RegisterMetric(messagesSentMetric)

	return &Service{
		log:           logger,
		db:            db,
		blobs:         blobs,
		notifier:      notifier,
		reach:         reach,
		stats:         su,
		deliveryDelay: deliveryDelay,
	}
}

// SendMessage validates and commits a message with status sent, then
// schedules the delivered transition. The attachment, if any, must
// already be durably stored: the message row never references bytes
// that could still go missing.
func (s *Service) SendMessage(chatId string, senderId int, content string, attachment *types.Attachment) (types.Message, error) {
	if content == "" && attachment == nil {
		return types.Message{}, ErrEmptyMessage
	}

	var attachmentKind, attachmentUrl string
	if attachment != nil {
		if attachment.Kind != types.AttachmentImage && attachment.Kind != types.AttachmentVoice {
			return types.Message{}, ErrInvalidAttachmentKind
		}

		exists, err := s.blobs.Exists(attachment.Url)
		if err != nil {
			return types.Message{}, fmt.Errorf("check attachment: %w", err)
		}
		if !exists {
			return types.Message{}, ErrUnknownAttachment
		}

		attachmentKind = string(attachment.Kind)
		attachmentUrl = attachment.Url
	}

	session, err := s.db.GetSessionByExternalId(chatId)
	if err != nil {
		return types.Message{}, err
	}

	externalId, err := shortid.Generate()
	if err != nil {
		return types.Message{}, err
	}

	// The repository re-checks ended and participant membership under
	// lock and commits the message together with the session summary.
	dbMsg, err := s.db.CreateMessage(database.CreateMessageParams{
		ExternalId:     externalId,
		SessionId:      session.Id,
		SenderId:       senderId,
		Content:        content,
		AttachmentKind: attachmentKind,
		AttachmentUrl:  attachmentUrl,
	})
	if err != nil {
		return types.Message{}, err
	}

	msg := toMessage(chatId, dbMsg)
	s.stats.Incr(messagesSentMetric)

	participants := participantIds(session)
	s.notifier.MessageCreated(participants, msg)

	recipient := session.UserA.Id
	if recipient == senderId {
		recipient = session.UserB.Id
	}
	s.scheduleDelivery(chatId, msg.Id, recipient, participants)

	return msg, nil
}

// scheduleDelivery advances the message to delivered after the modeled
// confirmation delay, provided the recipient is actually reachable. A
// recipient who connects later is caught by the on-connect sweep. The
// transition is guarded in the store, so racing with a read is
// harmless.
func (s *Service) scheduleDelivery(chatId, messageId string, recipient int, participants []int) {
	time.AfterFunc(s.deliveryDelay, func() {
		if !s.reach.IsConnected(recipient) {
			return
		}

		advanced, err := s.db.AdvanceMessageStatus(messageId, string(types.StatusDelivered))
		if err != nil {
			s.log.Printf("advance message %q to delivered: %v", messageId, err)
			return
		}

		if advanced {
			s.notifier.MessageStatusChanged(participants, chatId, messageId, types.StatusDelivered)
		}
	})
}

// DeliverPending marks every undelivered message addressed to the user
// as delivered. Invoked when the user connects.
func (s *Service) DeliverPending(userId int) {
	updates, err := s.db.MarkDeliveredForRecipient(userId)
	if err != nil {
		s.log.Printf("deliver pending for user %d: %v", userId, err)
		return
	}

	for _, u := range updates {
		s.notifier.MessageStatusChanged([]int{u.SenderId, userId}, u.SessionExternalId, u.MessageExternalId, types.StatusDelivered)
	}
}

// MarkRead transitions every partner message in the session to read
// and resets the unread counter. Re-applying is a no-op.
func (s *Service) MarkRead(chatId string, readerId int) error {
	session, err := s.db.GetSessionByExternalId(chatId)
	if err != nil {
		return err
	}

	if !isParticipant(session, readerId) {
		return database.ErrNotParticipant
	}

	updates, err := s.db.MarkSessionRead(session.Id, readerId)
	if err != nil {
		return err
	}

	participants := participantIds(session)
	for _, u := range updates {
		s.notifier.MessageStatusChanged(participants, u.SessionExternalId, u.MessageExternalId, types.StatusRead)
	}

	return nil
}

// EndSession soft-ends the chat and appends the system farewell.
// Subsequent sends fail with ErrSessionEnded.
func (s *Service) EndSession(chatId string, byUserId int) error {
	session, err := s.db.GetSessionByExternalId(chatId)
	if err != nil {
		return err
	}

	if !isParticipant(session, byUserId) {
		return database.ErrNotParticipant
	}

	farewellId, err := shortid.Generate()
	if err != nil {
		return err
	}

	farewell, err := s.db.EndSession(session.Id, farewellId, FarewellMessage)
	if err != nil {
		return err
	}

	s.log.Printf("user %d ended session %q", byUserId, chatId)
	s.notifier.SessionEnded(participantIds(session), chatId, toMessage(chatId, farewell))

	return nil
}

func (s *Service) ListSessions(userId int) ([]types.ChatSession, error) {
	dbSessions, err := s.db.ListSessions(userId)
	if err != nil {
		return nil, err
	}

	sessions := make([]types.ChatSession, 0, len(dbSessions))
	for _, dbSession := range dbSessions {
		sessions = append(sessions, toSession(dbSession))
	}

	return sessions, nil
}

// GetMessages returns one page of the session's history ordered by
// creation time, walking backwards from the before cursor (a message's
// external id). Only participants may read it.
func (s *Service) GetMessages(chatId string, userId int, before string, limit int) ([]types.Message, error) {
	session, err := s.db.GetSessionByExternalId(chatId)
	if err != nil {
		return nil, err
	}

	if !isParticipant(session, userId) {
		return nil, database.ErrNotParticipant
	}

	dbMessages, err := s.db.GetMessages(session.Id, before, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, dbMsg := range dbMessages {
		messages = append(messages, toMessage(chatId, dbMsg))
	}

	return messages, nil
}

func isParticipant(s database.ChatSession, userId int) bool {
	return s.UserA.Id == userId || s.UserB.Id == userId
}

func participantIds(s database.ChatSession) []int {
	return []int{s.UserA.Id, s.UserB.Id}
}

func toSession(s database.ChatSession) types.ChatSession {
	return types.ChatSession{
		Id: s.ExternalId,
		Participants: []types.User{
			{Id: s.UserA.Id, Nickname: s.UserA.Nickname, Available: s.UserA.Available, Online: s.UserA.Online},
			{Id: s.UserB.Id, Nickname: s.UserB.Nickname, Available: s.UserB.Available, Online: s.UserB.Online},
		},
		LastMessage:   s.LastMessage,
		LastMessageAt: s.LastMessageAt,
		UnreadCount:   s.UnreadCount,
		Ended:         s.Ended,
		CreatedAt:     s.CreatedAt,
	}
}

func toMessage(chatId string, m database.Message) types.Message {
	msg := types.Message{
		Id:        m.ExternalId,
		ChatId:    chatId,
		SenderId:  m.SenderId,
		Content:   m.Content,
		Status:    types.MessageStatus(m.Status),
		CreatedAt: m.CreatedAt,
	}

	if m.AttachmentUrl != "" {
		msg.Attachment = &types.Attachment{
			Kind: types.AttachmentKind(m.AttachmentKind),
			Url:  m.AttachmentUrl,
		}
	}

	return msg
}
