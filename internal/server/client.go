package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-strangerchat/internal/chat"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(time.Duration(pingInterval))
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// Lease extension hits the liveness store; keep it off the
		// read pump so a slow store cannot delay the next read.
		go c.chatServer.presence.Heartbeat(c.user.Id)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Match != nil:
			c.handleMatch(&msg)
		case msg.Cancel != nil:
			c.handleCancel(&msg)
		case msg.Publish != nil:
			c.handlePublish(&msg)
		case msg.Read != nil:
			c.handleRead(&msg)
		case msg.End != nil:
			c.handleEnd(&msg)
		case msg.Friend != nil:
			c.handleFriend(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) handleMatch(msg *ClientMessage) {
	session, err := c.chatServer.Matchmaker.RequestMatch(c.user.Id, c.user.Nickname)
	if err != nil {
		c.log.Printf("request match for user %d: %v", c.user.Id, err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if session == nil {
		c.queueMessage(NoErrAccepted(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"chat_id": session.Id}))
}

func (c *Client) handleCancel(msg *ClientMessage) {
	if err := c.chatServer.Matchmaker.CancelMatch(c.user.Id); err != nil {
		c.log.Printf("cancel match for user %d: %v", c.user.Id, err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) handlePublish(msg *ClientMessage) {
	m, err := c.chatServer.Chat.SendMessage(msg.Publish.ChatId, c.user.Id, msg.Publish.Content, msg.Publish.Attachment)
	if err != nil {
		c.queueMessage(c.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"message_id": m.Id}))
}

func (c *Client) handleRead(msg *ClientMessage) {
	if err := c.chatServer.Chat.MarkRead(msg.Read.ChatId, c.user.Id); err != nil {
		c.queueMessage(c.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) handleEnd(msg *ClientMessage) {
	if err := c.chatServer.Chat.EndSession(msg.End.ChatId, c.user.Id); err != nil {
		c.queueMessage(c.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) handleFriend(msg *ClientMessage) {
	req, err := c.chatServer.Chat.SendFriendRequest(msg.Friend.ChatId, c.user.Id)
	if err != nil {
		c.queueMessage(c.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"request_id": req.Id}))
}

func (c *Client) errorResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrSessionNotFound(id)
	case errors.Is(err, database.ErrSessionEnded):
		return ErrSessionClosed(id)
	case errors.Is(err, database.ErrNotParticipant), errors.Is(err, chat.ErrNotReceiver):
		return ErrNotParticipant(id)
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrUnknownAttachment),
		errors.Is(err, chat.ErrInvalidAttachmentKind):
		return ErrBadRequest(id, err.Error())
	default:
		c.log.Printf("user %d: %v", c.user.Id, err)
		return ErrInternalError(id)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup deregisters the connection. The hub stops receiving once
// shut down, so the send races its stop channel instead of parking a
// late-exiting read pump forever.
func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	case <-c.chatServer.stop:
	}
	c.stopClient()
}
