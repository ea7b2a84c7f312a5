package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/mkarlsen/chatgate/internal/database"
	"github.com/mkarlsen/chatgate/internal/stats"
)

type unloadRoomRequest struct {
	roomName string
	deleted  bool
	done     chan string
}

type stopRequest struct {
	done chan struct{}
}

type roomNotification struct {
	roomName string
	msg      *ServerMessage
}

// ChatServer is the process-wide room channel registry. It is created at
// startup, loads room actors on demand, and tears them down on Shutdown.
type ChatServer struct {
	log   *log.Logger
	db    database.ChatRepository
	gate  *MembershipGate
	stats stats.Provider

	rooms map[string]*Room

	clients     map[*Client]struct{}
	userConns   map[int]map[*Client]struct{}
	clientsLock sync.Mutex

	routeChan      chan *ClientMessage
	notifyChan     chan *roomNotification
	unloadRoomChan chan unloadRoomRequest
	stop           chan stopRequest
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, sp stats.Provider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		gate:           NewMembershipGate(db),
		stats:          sp,
		rooms:          make(map[string]*Room),
		clients:        make(map[*Client]struct{}),
		userConns:      make(map[int]map[*Client]struct{}),
		routeChan:      make(chan *ClientMessage, 256),
		notifyChan:     make(chan *roomNotification, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		stop:           make(chan stopRequest),
	}

	for _, name := range []string{"NumConnections", "NumActiveRooms", "NumMessages", "NumBroadcasts"} {
		cs.stats.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.routeChan:
			cs.routeToRoom(msg)
		case note := <-cs.notifyChan:
			if room, ok := cs.rooms[note.roomName]; ok {
				select {
				case room.notifyChan <- note.msg:
				default:
					cs.log.Printf("notify channel full on room %q", room.name)
				}
			}
		case req := <-cs.unloadRoomChan:
			cs.handleUnloadRoom(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan string)
				r.exit <- exitReq{done: done}
				<-done
			}
			cs.rooms = make(map[string]*Room)

			close(req.done)
			return
		}
	}
}

// routeToRoom delivers a join or approve command to the named room's
// actor, loading the actor from the store on first use.
func (cs *ChatServer) routeToRoom(msg *ClientMessage) {
	var roomName string
	switch {
	case msg.Join != nil:
		roomName = msg.Join.RoomName
	case msg.Approve != nil:
		roomName = msg.Approve.RoomName
	default:
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	room, ok := cs.rooms[roomName]
	if !ok {
		dbRoom, err := cs.db.GetRoomByName(roomName)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				msg.client.queueMessage(ErrRoomNotFound(msg.Id))
			} else {
				cs.log.Println("GetRoomByName:", err)
				msg.client.queueMessage(ErrInternalError(msg.Id))
			}
			return
		}

		room = newRoom(dbRoom, cs)
		cs.rooms[room.name] = room
		cs.stats.Incr("NumActiveRooms")
		go room.start()
	}

	select {
	case room.commandChan <- msg:
	default:
		cs.log.Printf("command channel full on room %q", room.name)
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (cs *ChatServer) handleUnloadRoom(req unloadRoomRequest) {
	r, ok := cs.rooms[req.roomName]
	if !ok {
		if req.done != nil {
			req.done <- req.roomName
		}
		return
	}

	delete(cs.rooms, req.roomName)
	cs.stats.Decr("NumActiveRooms")

	done := make(chan string)
	r.exit <- exitReq{deleted: req.deleted, done: done}
	<-done

	if req.done != nil {
		req.done <- req.roomName
	}
}

// UnloadRoom removes a live room actor, notifying its subscribers when
// the room was deleted. Used by the HTTP layer after a durable delete.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomName string, deleted bool) error {
	req := unloadRoomRequest{
		roomName: roomName,
		deleted:  deleted,
		done:     make(chan string, 1),
	}

	select {
	case cs.unloadRoomChan <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AnnounceRoom broadcasts a room-created event to every connection in the
// process, not just room subscribers.
func (cs *ChatServer) AnnounceRoom(roomName string) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			RoomCreated: &RoomCreated{RoomName: roomName},
		},
	}

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.stats.Incr("NumBroadcasts")
	for c := range cs.clients {
		c.queueMessage(msg)
	}
}

// NotifyMessageDeleted pushes a message-deleted event into the named
// room's live broadcast stream, if the room is loaded. The durable delete
// has already happened; a miss here only means nobody is connected.
func (cs *ChatServer) NotifyMessageDeleted(roomName string, messageId int) {
	note := &roomNotification{
		roomName: roomName,
		msg: &ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				MessageDeleted: &MessageDeleted{MessageId: messageId},
			},
		},
	}

	select {
	case cs.notifyChan <- note:
	default:
		cs.log.Printf("notify channel full, dropping message-deleted for room %q", roomName)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userConns[c.user.Id] == nil {
		cs.userConns[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userConns[c.user.Id][c] = struct{}{}

	cs.stats.Incr("NumConnections")
	cs.log.Printf("added connection %s from %q", c.id, c.user.Username)
}

func (cs *ChatServer) DeregisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if conns, ok := cs.userConns[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userConns, c.user.Id)
		}
	}

	cs.stats.Decr("NumConnections")
	cs.log.Printf("removed connection %s from %q", c.id, c.user.Username)
}

// notifyUser delivers an event to every live connection bound to the
// user, subscribed or not.
func (cs *ChatServer) notifyUser(userId int, msg *ServerMessage) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.userConns[userId] {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) routeCommand(msg *ClientMessage) bool {
	select {
	case cs.routeChan <- msg:
		return true
	default:
		return false
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopRequest{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
