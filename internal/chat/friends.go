package chat

import (
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/types"
	"github.com/teris-io/shortid"
)

// SendFriendRequest records a one-directional request from senderId to
// the other participant of the chat. Re-sending while a request is
// pending overwrites it and restarts it as pending.
func (s *Service) SendFriendRequest(chatId string, senderId int) (types.FriendRequest, error) {
	session, err := s.db.GetSessionByExternalId(chatId)
	if err != nil {
		return types.FriendRequest{}, err
	}

	if !isParticipant(session, senderId) {
		return types.FriendRequest{}, database.ErrNotParticipant
	}

	receiverId := session.UserA.Id
	if receiverId == senderId {
		receiverId = session.UserB.Id
	}

	externalId, err := shortid.Generate()
	if err != nil {
		return types.FriendRequest{}, err
	}

	dbReq, err := s.db.UpsertFriendRequest(externalId, senderId, receiverId, session.Id)
	if err != nil {
		return types.FriendRequest{}, err
	}

	req := toFriendRequest(dbReq)
	s.log.Printf("user %d sent a friend request to user %d in session %q", senderId, receiverId, chatId)
	s.notifier.FriendRequestReceived(req)

	return req, nil
}

// RespondFriendRequest resolves a pending request. Only the receiver
// may respond, and a request resolves exactly once.
func (s *Service) RespondFriendRequest(requestId string, responderId int, accept bool) (types.FriendRequest, error) {
	requests, err := s.db.ListFriendRequests(responderId)
	if err != nil {
		return types.FriendRequest{}, err
	}

	var found bool
	for _, r := range requests {
		if r.ExternalId == requestId {
			found = true
			break
		}
	}
	if !found {
		return types.FriendRequest{}, ErrNotReceiver
	}

	dbReq, err := s.db.ResolveFriendRequest(requestId, accept)
	if err != nil {
		return types.FriendRequest{}, err
	}

	req := toFriendRequest(dbReq)
	s.notifier.FriendRequestResolved(req)

	return req, nil
}

func (s *Service) ListFriendRequests(userId int) ([]types.FriendRequest, error) {
	dbRequests, err := s.db.ListFriendRequests(userId)
	if err != nil {
		return nil, err
	}

	requests := make([]types.FriendRequest, 0, len(dbRequests))
	for _, dbReq := range dbRequests {
		requests = append(requests, toFriendRequest(dbReq))
	}

	return requests, nil
}

func toFriendRequest(r database.FriendRequest) types.FriendRequest {
	return types.FriendRequest{
		Id:         r.ExternalId,
		SenderId:   r.SenderId,
		ReceiverId: r.ReceiverId,
		ChatId:     r.SessionExternalId,
		Status:     types.FriendRequestStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}
