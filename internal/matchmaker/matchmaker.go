package matchmaker

import (
	"errors"
	"log"

	"github.com/lib/pq"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/stats"
	"github.com/npezzotti/go-strangerchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	// WelcomeMessage opens every freshly paired session.
	WelcomeMessage = "You're now chatting with a random stranger. Say hi!"

	maxMatchAttempts = 3

	matchesMadeMetric = "MatchesMade"
	queuedUsersMetric = "QueuedUsers"
)

// Notifier pushes match outcomes to connected clients. The queued
// partner has no synchronous return path, so pairing is only
// observable to them through this channel.
type Notifier interface {
	SessionCreated(session types.ChatSession, welcome types.Message)
}

// Matchmaker pairs two waiting users into a chat session exactly once.
// All queue mutations happen inside a single repository transaction;
// this type adds retries, notification fanout and metrics on top.
type Matchmaker struct {
	log      *log.Logger
	db       database.StrangerChatRepository
	notifier Notifier
	stats    stats.StatsProvider
}

func NewMatchmaker(logger *log.Logger, db database.StrangerChatRepository, notifier Notifier, su stats.StatsProvider) *Matchmaker {
	su.RegisterMetric(matchesMadeMetric)
	su.RegisterMetric(queuedUsersMetric)

	return &Matchmaker{
		log:      logger,
		db:       db,
		notifier: notifier,
		stats:    su,
	}
}

// RequestMatch pairs the caller with a waiting stranger, or enqueues
// the caller. A nil session means the caller is now searching. The
// caller can never be paired with themselves: their own stale queue
// entry is simply refreshed.
func (m *Matchmaker) RequestMatch(userId int, nickname string) (*types.ChatSession, error) {
	sessionId, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	welcomeId, err := shortid.Generate()
	if err != nil {
		return nil, err
	}

	params := database.MatchParams{
		UserId:            userId,
		Nickname:          nickname,
		SessionExternalId: sessionId,
		WelcomeExternalId: welcomeId,
		WelcomeContent:    WelcomeMessage,
	}

	var res database.MatchResult
	for attempt := 1; ; attempt++ {
		res, err = m.db.MatchOrEnqueue(params)
		if err == nil {
			break
		}

		if attempt < maxMatchAttempts && retryable(err) {
			m.log.Printf("match attempt %d for user %d: %v, retrying", attempt, userId, err)
			continue
		}
		return nil, err
	}

	m.updateQueueDepth()

	if !res.Matched {
		m.log.Printf("user %d enqueued, waiting for a partner", userId)
		return nil, nil
	}

	session := toSession(res.Session)
	welcome := toWelcome(res.Session.ExternalId, res.Welcome)

	m.stats.Incr(matchesMadeMetric)
	m.log.Printf("paired users %d and %d in session %q", res.Session.UserA.Id, res.Session.UserB.Id, session.Id)

	m.notifier.SessionCreated(session, welcome)

	return &session, nil
}

// CancelMatch removes the user's queue entry. A missing entry is a
// reported no-op: the cancel may simply have lost the race against a
// concurrent pairing, in which case the user will observe the new
// session through their live subscription.
func (m *Matchmaker) CancelMatch(userId int) error {
	removed, err := m.db.Dequeue(userId)
	if err != nil {
		return err
	}

	if !removed {
		m.log.Printf("cancel for user %d found no queue entry", userId)
		return nil
	}

	m.updateQueueDepth()
	return nil
}

func (m *Matchmaker) updateQueueDepth() {
	depth, err := m.db.QueueDepth()
	if err != nil {
		m.log.Println("queue depth:", err)
		return
	}

	m.stats.Set(queuedUsersMetric, depth)
}

// retryable reports whether the transaction failed due to a
// serialization conflict or deadlock and is worth re-running.
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
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

func toWelcome(chatId string, msg database.Message) types.Message {
	return types.Message{
		Id:        msg.ExternalId,
		ChatId:    chatId,
		SenderId:  types.SystemSenderId,
		Content:   msg.Content,
		Status:    types.MessageStatus(msg.Status),
		CreatedAt: msg.CreatedAt,
	}
}
