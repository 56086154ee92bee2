package server

import (
	"log"
	"sync"

	"github.com/npezzotti/go-strangerchat/internal/chat"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/matchmaker"
	"github.com/npezzotti/go-strangerchat/internal/presence"
	"github.com/npezzotti/go-strangerchat/internal/stats"
	"github.com/npezzotti/go-strangerchat/internal/types"
)

const activeConnsMetric = "ActiveConnections"

// Remote mirrors outbound messages to sibling server instances so a
// user connected elsewhere still receives them.
type Remote interface {
	Mirror(userIds []int, msg *ServerMessage)
}

// ChatServer is the connection hub. It owns the client registry,
// routes serverbound operations to the matchmaker and chat services,
// and fans their events back out to the targeted connections.
type ChatServer struct {
	log      *log.Logger
	db       database.StrangerChatRepository
	presence *presence.Tracker
	stats    stats.StatsProvider

	Matchmaker *matchmaker.Matchmaker
	Chat       *chat.Service

	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	clientsLock    sync.Mutex
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	broadcastChan  chan *ServerMessage
	connEvents     chan connEvent
	remote         Remote
	stop           chan struct{}
	done           chan struct{}
	workerDone     chan struct{}
}

// connEvent is a connection lifecycle transition whose side effects
// touch Postgres and the liveness store. They run on a separate
// worker, in arrival order, so a slow store cannot stall routing.
type connEvent struct {
	userId    int
	connected bool
}

func NewChatServer(logger *log.Logger, db database.StrangerChatRepository, tracker *presence.Tracker, su stats.StatsProvider) (*ChatServer, error) {
	su.RegisterMetric(activeConnsMetric)

	return &ChatServer{
		log:            logger,
		db:             db,
		presence:       tracker,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		broadcastChan:  make(chan *ServerMessage, 256),
		connEvents:     make(chan connEvent, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		workerDone:     make(chan struct{}),
	}, nil
}

// AttachServices wires the domain services after construction. The hub
// and the services reference each other, so one side has to be set
// late; the hub must not serve connections until this has been called.
func (cs *ChatServer) AttachServices(mm *matchmaker.Matchmaker, chatSvc *chat.Service) {
	cs.Matchmaker = mm
	cs.Chat = chatSvc
}

// SetRemote enables cross-instance mirroring. Optional; a single
// instance runs fine without it.
func (cs *ChatServer) SetRemote(r Remote) {
	cs.remote = r
}

func (cs *ChatServer) Run() {
	sub := cs.presence.Subscribe()
	defer cs.presence.Unsubscribe(sub)

	go cs.connWorker()

	for {
		select {
		case client := <-cs.RegisterChan:
			cs.log.Printf("adding connection from %q", client.user.Nickname)
			cs.addClient(client)
			cs.stats.Incr(activeConnsMetric)
			cs.connEvents <- connEvent{userId: client.user.Id, connected: true}
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Nickname)
			if last := cs.removeClient(client); last {
				cs.connEvents <- connEvent{userId: client.user.Id, connected: false}
			}
			cs.stats.Decr(activeConnsMetric)
		case msg := <-cs.broadcastChan:
			cs.route(msg)
		case snap, ok := <-sub.C:
			if !ok {
				continue
			}
			cs.route(&ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Notification: &Notification{
					Presence: &Presence{
						Available: snap.Count,
						UserIds:   snap.UserIds,
					},
				},
			})
		case <-cs.stop:
			close(cs.connEvents)
			<-cs.workerDone
			close(cs.done)
			return
		}
	}
}

// connWorker applies connection side effects: presence flips, the
// pending-delivery sweep, and cancelling a queued match when the
// user's last connection drops.
func (cs *ChatServer) connWorker() {
	defer close(cs.workerDone)

	for ev := range cs.connEvents {
		if ev.connected {
			cs.presence.SetAvailable(ev.userId, true)
			cs.Chat.DeliverPending(ev.userId)
			continue
		}

		cs.presence.SetAvailable(ev.userId, false)
		if err := cs.Matchmaker.CancelMatch(ev.userId); err != nil {
			cs.log.Printf("cancel match for user %d: %v", ev.userId, err)
		}
	}
}

// route queues msg on every local connection it targets. A nil UserIds
// slice means every connected client. Messages that originated locally
// are also mirrored to sibling instances.
func (cs *ChatServer) route(msg *ServerMessage) {
	cs.clientsLock.Lock()
	if msg.UserIds == nil {
		for c := range cs.clients {
			c.queueMessage(msg)
		}
	} else {
		for _, uid := range msg.UserIds {
			for c := range cs.userMap[uid] {
				c.queueMessage(msg)
			}
		}
	}
	cs.clientsLock.Unlock()

	if cs.remote != nil && !msg.remote && msg.UserIds != nil {
		cs.remote.Mirror(msg.UserIds, msg)
	}
}

// Deliver injects a message received from a sibling instance. It is
// routed locally only, never mirrored back out.
func (cs *ChatServer) Deliver(userIds []int, msg *ServerMessage) {
	msg.UserIds = userIds
	msg.remote = true
	cs.notify(msg)
}

func (cs *ChatServer) notify(msg *ServerMessage) {
	select {
	case cs.broadcastChan <- msg:
	default:
		cs.log.Println("broadcast channel full, dropping message")
	}
}

// IsConnected reports whether userId has at least one live connection
// on this instance. Safe for concurrent use.
func (cs *ChatServer) IsConnected(userId int) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.userMap[userId]) > 0
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	conns, ok := cs.userMap[c.user.Id]
	if !ok {
		conns = make(map[*Client]struct{})
		cs.userMap[c.user.Id] = conns
	}
	conns[c] = struct{}{}
}

// removeClient drops c from the registry and reports whether it was
// the user's last connection.
func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	delete(cs.clients, c)
	if conns, ok := cs.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userMap, c.user.Id)
			return true
		}
	}

	return false
}

// SessionCreated implements matchmaker.Notifier.
func (cs *ChatServer) SessionCreated(session types.ChatSession, welcome types.Message) {
	userIds := make([]int, 0, len(session.Participants))
	for _, p := range session.Participants {
		userIds = append(userIds, p.Id)
	}

	cs.notify(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			SessionCreated: &SessionCreated{
				Session: session,
				Welcome: welcome,
			},
		},
		UserIds: userIds,
	})
}

// MessageCreated implements chat.Notifier.
func (cs *ChatServer) MessageCreated(userIds []int, msg types.Message) {
	cs.notify(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &msg,
		UserIds:     userIds,
	})
}

// MessageStatusChanged implements chat.Notifier.
func (cs *ChatServer) MessageStatusChanged(userIds []int, chatId, messageId string, status types.MessageStatus) {
	cs.notify(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			MessageStatus: &MessageStatus{
				ChatId:    chatId,
				MessageId: messageId,
				Status:    status,
			},
		},
		UserIds: userIds,
	})
}

// SessionEnded implements chat.Notifier.
func (cs *ChatServer) SessionEnded(userIds []int, chatId string, farewell types.Message) {
	cs.notify(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			SessionEnded: &SessionEnded{
				ChatId:   chatId,
				Farewell: farewell,
			},
		},
		UserIds: userIds,
	})
}

// FriendRequestReceived implements chat.Notifier.
func (cs *ChatServer) FriendRequestReceived(req types.FriendRequest) {
	cs.notify(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			FriendRequest: &FriendRequest{Request: req},
		},
		UserIds: []int{req.ReceiverId},
	})
}

// FriendRequestResolved implements chat.Notifier. Both sides hear the
// outcome so the sender's UI can settle.
func (cs *ChatServer) FriendRequestResolved(req types.FriendRequest) {
	cs.notify(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			FriendRequest: &FriendRequest{Request: req},
		},
		UserIds: []int{req.SenderId, req.ReceiverId},
	})
}

func (cs *ChatServer) Shutdown() {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	<-cs.done
}
