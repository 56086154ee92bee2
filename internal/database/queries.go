package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `
	s.id, s.external_id, s.last_message, s.last_message_at, s.unread_count, s.ended, s.created_at, s.updated_at,
	a.id, a.nickname, a.available, a.online,
	b.id, b.nickname, b.available, b.online
`

const sessionJoin = `
	FROM chat_sessions s
	JOIN accounts a ON a.id = s.user_a
	JOIN accounts b ON b.id = s.user_b
`

func (db *PgStrangerChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (nickname, email, password_hash, is_anonymous, created_at, updated_at) "+
			"VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $5) "+
			"RETURNING id, nickname, COALESCE(email, ''), is_anonymous, created_at, updated_at",
		params.Nickname,
		params.EmailAddress,
		params.PasswordHash,
		params.IsAnonymous,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Nickname,
		&u.EmailAddress,
		&u.IsAnonymous,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgStrangerChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET nickname = $2, password_hash = COALESCE(NULLIF($3, ''), password_hash), updated_at = $4 "+
			"WHERE id = $1 RETURNING id, nickname, COALESCE(email, ''), is_anonymous, created_at, updated_at",
		params.UserId,
		params.Nickname,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Nickname,
		&u.EmailAddress,
		&u.IsAnonymous,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgStrangerChatRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, nickname, COALESCE(email, ''), COALESCE(password_hash, ''), is_anonymous, available, online, "+
			"COALESCE(last_seen, 'epoch'::timestamptz), created_at, updated_at FROM accounts WHERE id = $1 LIMIT 1",
		accountId,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Nickname,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.IsAnonymous,
		&u.Available,
		&u.Online,
		&u.LastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgStrangerChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, nickname, COALESCE(email, ''), COALESCE(password_hash, ''), is_anonymous, available, online, "+
			"COALESCE(last_seen, 'epoch'::timestamptz), created_at, updated_at FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Nickname,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.IsAnonymous,
		&u.Available,
		&u.Online,
		&u.LastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

// SetAvailability is last-write-wins: the same user may flip their flag
// from several tabs or devices at once.
func (db *PgStrangerChatRepository) SetAvailability(accountId int, available bool) error {
	_, err := db.conn.Exec(
		"UPDATE accounts SET available = $2, online = $2, last_seen = $3, updated_at = $3 WHERE id = $1",
		accountId,
		available,
		time.Now().UTC(),
	)

	return err
}

// MatchOrEnqueue pairs the caller with the oldest waiting user, or
// enqueues the caller when nobody else is waiting. The whole
// read-modify-write runs in one serializable transaction: FOR UPDATE
// SKIP LOCKED keeps two pairings from consuming the same queue entry,
// and serializable isolation aborts one of two callers racing an
// empty queue, since at read committed both would miss the other's
// uncommitted entry and enqueue themselves. The aborted caller fails
// with SQLSTATE 40001 and is expected to retry; its next attempt sees
// the committed entry and pairs.
func (db *PgStrangerChatRepository) MatchOrEnqueue(params MatchParams) (MatchResult, error) {
	tx, err := db.conn.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return MatchResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var partnerId int
	err = tx.QueryRow(
		"SELECT user_id FROM match_queue WHERE user_id <> $1 "+
			"ORDER BY enqueued_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED",
		params.UserId,
	).Scan(&partnerId)

	if err == sql.ErrNoRows {
		// Nobody waiting (or only the caller's own stale entry):
		// refresh the caller's entry and keep searching.
		_, err = tx.Exec(
			"INSERT INTO match_queue (user_id, nickname, enqueued_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT (user_id) DO UPDATE SET enqueued_at = EXCLUDED.enqueued_at",
			params.UserId,
			params.Nickname,
			time.Now().UTC(),
		)
		if err != nil {
			return MatchResult{}, err
		}

		if err = tx.Commit(); err != nil {
			return MatchResult{}, err
		}
		return MatchResult{Matched: false}, nil
	} else if err != nil {
		return MatchResult{}, err
	}

	// Consume the partner's entry and any stale entry of the caller's.
	if _, err = tx.Exec("DELETE FROM match_queue WHERE user_id IN ($1, $2)", partnerId, params.UserId); err != nil {
		return MatchResult{}, err
	}

	var sessionId int
	err = tx.QueryRow(
		"INSERT INTO chat_sessions (external_id, user_a, user_b, last_message, last_message_at) "+
			"VALUES ($1, $2, $3, $4, now()) RETURNING id",
		params.SessionExternalId,
		params.UserId,
		partnerId,
		params.WelcomeContent,
	).Scan(&sessionId)
	if err != nil {
		return MatchResult{}, err
	}

	// System welcome message, born read.
	var welcome Message
	err = tx.QueryRow(
		"INSERT INTO messages (external_id, session_id, sender_id, content, status) "+
			"VALUES ($1, $2, NULL, $3, 'read') RETURNING id, external_id, session_id, content, status, created_at",
		params.WelcomeExternalId,
		sessionId,
		params.WelcomeContent,
	).Scan(&welcome.Id, &welcome.ExternalId, &welcome.SessionId, &welcome.Content, &welcome.Status, &welcome.CreatedAt)
	if err != nil {
		return MatchResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return MatchResult{}, err
	}

	session, err := db.getSessionById(sessionId)
	if err != nil {
		return MatchResult{}, err
	}

	return MatchResult{Matched: true, Session: session, Welcome: welcome}, nil
}

func (db *PgStrangerChatRepository) Dequeue(accountId int) (bool, error) {
	res, err := db.conn.Exec("DELETE FROM match_queue WHERE user_id = $1", accountId)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *PgStrangerChatRepository) QueueDepth() (int, error) {
	var depth int
	err := db.conn.QueryRow("SELECT count(*) FROM match_queue").Scan(&depth)
	return depth, err
}

func scanSession(row interface{ Scan(...any) error }) (ChatSession, error) {
	var s ChatSession
	err := row.Scan(
		&s.Id,
		&s.ExternalId,
		&s.LastMessage,
		&s.LastMessageAt,
		&s.UnreadCount,
		&s.Ended,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.UserA.Id,
		&s.UserA.Nickname,
		&s.UserA.Available,
		&s.UserA.Online,
		&s.UserB.Id,
		&s.UserB.Nickname,
		&s.UserB.Available,
		&s.UserB.Online,
	)

	return s, err
}

func (db *PgStrangerChatRepository) getSessionById(sessionId int) (ChatSession, error) {
	row := db.conn.QueryRow("SELECT "+sessionColumns+sessionJoin+" WHERE s.id = $1 LIMIT 1", sessionId)
	return scanSession(row)
}

func (db *PgStrangerChatRepository) GetSessionByExternalId(externalId string) (ChatSession, error) {
	row := db.conn.QueryRow("SELECT "+sessionColumns+sessionJoin+" WHERE s.external_id = $1 LIMIT 1", externalId)
	return scanSession(row)
}

func (db *PgStrangerChatRepository) ListSessions(accountId int) ([]ChatSession, error) {
	rows, err := db.conn.Query(
		"SELECT "+sessionColumns+sessionJoin+
			" WHERE s.user_a = $1 OR s.user_b = $1 ORDER BY s.last_message_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// EndSession soft-flags the session and appends a system farewell in
// one transaction. Ending an already-ended session returns
// ErrSessionEnded.
func (db *PgStrangerChatRepository) EndSession(sessionId int, farewellExternalId, farewellContent string) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var ended bool
	if err = tx.QueryRow("SELECT ended FROM chat_sessions WHERE id = $1 FOR UPDATE", sessionId).Scan(&ended); err != nil {
		return Message{}, err
	}

	if ended {
		err = ErrSessionEnded
		return Message{}, err
	}

	_, err = tx.Exec(
		"UPDATE chat_sessions SET ended = TRUE, last_message = $2, last_message_at = now(), updated_at = now() WHERE id = $1",
		sessionId,
		farewellContent,
	)
	if err != nil {
		return Message{}, err
	}

	var msg Message
	err = tx.QueryRow(
		"INSERT INTO messages (external_id, session_id, sender_id, content, status) "+
			"VALUES ($1, $2, NULL, $3, 'read') RETURNING id, external_id, session_id, content, status, created_at",
		farewellExternalId,
		sessionId,
		farewellContent,
	).Scan(&msg.Id, &msg.ExternalId, &msg.SessionId, &msg.Content, &msg.Status, &msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

// MarkSessionRead advances every message not authored by the reader to
// read and resets the session's unread counter. Re-applying is a no-op.
func (db *PgStrangerChatRepository) MarkSessionRead(sessionId, readerId int) ([]StatusUpdate, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var externalId string
	if err = tx.QueryRow("SELECT external_id FROM chat_sessions WHERE id = $1 FOR UPDATE", sessionId).Scan(&externalId); err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		"UPDATE messages SET status = 'read' "+
			"WHERE session_id = $1 AND status <> 'read' AND sender_id IS NOT NULL AND sender_id <> $2 "+
			"RETURNING external_id, sender_id",
		sessionId,
		readerId,
	)
	if err != nil {
		return nil, err
	}

	var updates []StatusUpdate
	for rows.Next() {
		u := StatusUpdate{SessionExternalId: externalId, Status: "read"}
		if err = rows.Scan(&u.MessageExternalId, &u.SenderId); err != nil {
			rows.Close()
			return nil, err
		}
		updates = append(updates, u)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if _, err = tx.Exec("UPDATE chat_sessions SET unread_count = 0, updated_at = now() WHERE id = $1", sessionId); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return updates, nil
}

// CreateMessage commits a message and the owning session's summary in
// the same transaction so the two can never diverge permanently.
func (db *PgStrangerChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var ended bool
	var userA, userB int
	err = tx.QueryRow(
		"SELECT ended, user_a, user_b FROM chat_sessions WHERE id = $1 FOR UPDATE",
		params.SessionId,
	).Scan(&ended, &userA, &userB)
	if err != nil {
		return Message{}, err
	}

	if ended {
		err = ErrSessionEnded
		return Message{}, err
	}

	if params.SenderId != userA && params.SenderId != userB {
		err = ErrNotParticipant
		return Message{}, err
	}

	var msg Message
	err = tx.QueryRow(
		"INSERT INTO messages (external_id, session_id, sender_id, content, attachment_kind, attachment_url, status) "+
			"VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), 'sent') "+
			"RETURNING id, external_id, session_id, sender_id, content, COALESCE(attachment_kind, ''), COALESCE(attachment_url, ''), status, created_at",
		params.ExternalId,
		params.SessionId,
		params.SenderId,
		params.Content,
		params.AttachmentKind,
		params.AttachmentUrl,
	).Scan(&msg.Id, &msg.ExternalId, &msg.SessionId, &msg.SenderId, &msg.Content, &msg.AttachmentKind, &msg.AttachmentUrl, &msg.Status, &msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}

	_, err = tx.Exec(
		"UPDATE chat_sessions SET last_message = $2, last_message_at = $3, unread_count = unread_count + 1, updated_at = now() WHERE id = $1",
		params.SessionId,
		params.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

// AdvanceMessageStatus applies a guarded, monotonic status transition.
// It reports whether the row actually changed; re-applying an
// already-advanced status affects no rows and is not an error.
func (db *PgStrangerChatRepository) AdvanceMessageStatus(externalId, status string) (bool, error) {
	var res sql.Result
	var err error

	switch status {
	case "delivered":
		res, err = db.conn.Exec(
			"UPDATE messages SET status = 'delivered' WHERE external_id = $1 AND status = 'sent'",
			externalId,
		)
	case "read":
		res, err = db.conn.Exec(
			"UPDATE messages SET status = 'read' WHERE external_id = $1 AND status IN ('sent', 'delivered')",
			externalId,
		)
	default:
		return false, fmt.Errorf("invalid status transition to %q", status)
	}

	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkDeliveredForRecipient marks every undelivered message addressed
// to the given user as delivered. Used by the on-connect sweep.
func (db *PgStrangerChatRepository) MarkDeliveredForRecipient(accountId int) ([]StatusUpdate, error) {
	rows, err := db.conn.Query(
		"UPDATE messages m SET status = 'delivered' "+
			"FROM chat_sessions s "+
			"WHERE m.session_id = s.id AND m.status = 'sent' "+
			"AND m.sender_id IS NOT NULL AND m.sender_id <> $1 "+
			"AND (s.user_a = $1 OR s.user_b = $1) "+
			"RETURNING s.external_id, m.external_id, m.sender_id",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []StatusUpdate
	for rows.Next() {
		u := StatusUpdate{Status: "delivered"}
		if err := rows.Scan(&u.SessionExternalId, &u.MessageExternalId, &u.SenderId); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}

	return updates, rows.Err()
}

// GetMessages returns one page of a session's history in ascending
// order, newest page first. The before cursor is the external id of a
// message from a previously fetched page; when set, only strictly
// older messages are returned. An unknown cursor fails with
// ErrUnknownCursor.
func (db *PgStrangerChatRepository) GetMessages(sessionId int, before string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, external_id, session_id, COALESCE(sender_id, 0), content, " +
		"COALESCE(attachment_kind, ''), COALESCE(attachment_url, ''), status, created_at " +
		"FROM messages WHERE session_id = $1"
	args := []any{sessionId}

	if before != "" {
		var cursorId int
		var cursorAt time.Time
		err := db.conn.QueryRow(
			"SELECT id, created_at FROM messages WHERE session_id = $1 AND external_id = $2",
			sessionId, before,
		).Scan(&cursorId, &cursorAt)
		if err == sql.ErrNoRows {
			return nil, ErrUnknownCursor
		} else if err != nil {
			return nil, err
		}

		query += " AND (created_at, id) < ($2, $3)"
		args = append(args, cursorAt, cursorId)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.ExternalId, &msg.SessionId, &msg.SenderId, &msg.Content,
			&msg.AttachmentKind, &msg.AttachmentUrl, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	// The query walks backwards from the cursor; clients read history
	// oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

// UpsertFriendRequest records a request keyed on (sender, receiver).
// Re-sending overwrites the previous request and restarts it as
// pending.
func (db *PgStrangerChatRepository) UpsertFriendRequest(externalId string, senderId, receiverId, sessionId int) (FriendRequest, error) {
	row := db.conn.QueryRow(
		"INSERT INTO friend_requests (external_id, sender_id, receiver_id, session_id, status) "+
			"VALUES ($1, $2, $3, $4, 'pending') "+
			"ON CONFLICT (sender_id, receiver_id) DO UPDATE "+
			"SET external_id = EXCLUDED.external_id, session_id = EXCLUDED.session_id, status = 'pending', updated_at = now() "+
			"RETURNING id, external_id, sender_id, receiver_id, session_id, "+
			"(SELECT external_id FROM chat_sessions WHERE id = friend_requests.session_id), status, created_at, updated_at",
		externalId,
		senderId,
		receiverId,
		sessionId,
	)

	var fr FriendRequest
	err := row.Scan(&fr.Id, &fr.ExternalId, &fr.SenderId, &fr.ReceiverId, &fr.SessionId, &fr.SessionExternalId, &fr.Status, &fr.CreatedAt, &fr.UpdatedAt)
	return fr, err
}

// ResolveFriendRequest transitions pending -> accepted|declined under a
// row lock. Resolving twice returns ErrAlreadyResolved.
func (db *PgStrangerChatRepository) ResolveFriendRequest(externalId string, accept bool) (FriendRequest, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return FriendRequest{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var fr FriendRequest
	err = tx.QueryRow(
		"SELECT fr.id, fr.external_id, fr.sender_id, fr.receiver_id, fr.session_id, cs.external_id, "+
			"fr.status, fr.created_at, fr.updated_at "+
			"FROM friend_requests fr JOIN chat_sessions cs ON cs.id = fr.session_id "+
			"WHERE fr.external_id = $1 FOR UPDATE OF fr",
		externalId,
	).Scan(&fr.Id, &fr.ExternalId, &fr.SenderId, &fr.ReceiverId, &fr.SessionId, &fr.SessionExternalId,
		&fr.Status, &fr.CreatedAt, &fr.UpdatedAt)
	if err != nil {
		return FriendRequest{}, err
	}

	if fr.Status != "pending" {
		err = ErrAlreadyResolved
		return FriendRequest{}, err
	}

	status := "declined"
	if accept {
		status = "accepted"
	}

	_, err = tx.Exec("UPDATE friend_requests SET status = $2, updated_at = now() WHERE id = $1", fr.Id, status)
	if err != nil {
		return FriendRequest{}, err
	}

	if err = tx.Commit(); err != nil {
		return FriendRequest{}, err
	}

	fr.Status = status
	return fr, nil
}

func (db *PgStrangerChatRepository) ListFriendRequests(receiverId int) ([]FriendRequest, error) {
	rows, err := db.conn.Query(
		"SELECT fr.id, fr.external_id, fr.sender_id, fr.receiver_id, fr.session_id, cs.external_id, "+
			"fr.status, fr.created_at, fr.updated_at "+
			"FROM friend_requests fr JOIN chat_sessions cs ON cs.id = fr.session_id "+
			"WHERE fr.receiver_id = $1 ORDER BY fr.created_at DESC",
		receiverId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []FriendRequest
	for rows.Next() {
		var fr FriendRequest
		if err := rows.Scan(&fr.Id, &fr.ExternalId, &fr.SenderId, &fr.ReceiverId, &fr.SessionId, &fr.SessionExternalId,
			&fr.Status, &fr.CreatedAt, &fr.UpdatedAt); err != nil {
			return nil, err
		}
		requests = append(requests, fr)
	}

	return requests, rows.Err()
}
