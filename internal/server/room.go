package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mkarlsen/chatgate/internal/database"
	"github.com/mkarlsen/chatgate/internal/types"
)

// idleRoomTimeout is how long a room actor with no subscribers stays
// loaded before it unloads itself. Unloading never touches durable state.
const idleRoomTimeout = time.Second * 30

type exitReq struct {
	deleted bool
	done    chan string
}

// Room is the live channel for one chat room. A single goroutine owns the
// subscriber set, so a set mutation and the broadcast it triggers form one
// atomic step relative to other operations on the same room.
type Room struct {
	id          int
	name        string
	adminId     int
	cs          *ChatServer
	commandChan chan *ClientMessage
	leaveChan   chan *ClientMessage
	notifyChan  chan *ServerMessage
	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientLock  sync.RWMutex
	log         *log.Logger
	// killTimer unloads the room when it is no longer active
	killTimer *time.Timer
	// exit is used to signal the room to exit
	exit chan exitReq
}

func newRoom(dbRoom database.Room, cs *ChatServer) *Room {
	return &Room{
		id:          dbRoom.Id,
		name:        dbRoom.Name,
		adminId:     dbRoom.AdminId,
		cs:          cs,
		commandChan: make(chan *ClientMessage, 256),
		leaveChan:   make(chan *ClientMessage, 256),
		notifyChan:  make(chan *ServerMessage, 256),
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[int]map[*Client]struct{}),
		log:         cs.log,
		exit:        make(chan exitReq),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.name)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case msg := <-r.commandChan:
			switch {
			case msg.Join != nil:
				r.handleJoin(msg)
			case msg.Approve != nil:
				r.handleApprove(msg)
			case msg.Publish != nil:
				r.handlePublish(msg)
			case msg.Edit != nil:
				r.handleEdit(msg)
			case msg.Delete != nil:
				r.handleDelete(msg)
			}
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case note := <-r.notifyChan:
			r.broadcast(note)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handleJoin runs the membership gate for the requesting connection. The
// gate check happens before any subscriber-set mutation, so a connection
// is only ever subscribed with an approved membership.
func (r *Room) handleJoin(msg *ClientMessage) {
	r.killTimer.Stop()

	c := msg.client
	outcome, _, err := r.cs.gate.RequestJoin(r.name, msg.UserId)
	if err != nil {
		r.log.Println("RequestJoin:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		r.resetTimerIfEmpty()
		return
	}

	switch outcome {
	case JoinRoomNotFound:
		// the room row was deleted after this actor was loaded
		c.queueMessage(ErrRoomNotFound(msg.Id))
		r.resetTimerIfEmpty()
	case JoinPending:
		// only the requester learns a request was sent; repeated
		// requests do not re-notify anyone else
		c.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{
				Id:        msg.Id,
				Timestamp: Now(),
			},
			Notification: &Notification{
				RequestSent: &RequestSent{RoomName: r.name},
			},
		})
		r.resetTimerIfEmpty()
	case JoinApproved:
		alreadyPresent := r.userPresent(c.user.Id)
		r.addClient(c)

		c.queueMessage(NoErrOK(msg.Id, r.roomInfo()))

		if !alreadyPresent {
			r.broadcast(&ServerMessage{
				BaseMessage: BaseMessage{
					Timestamp: Now(),
				},
				Notification: &Notification{
					Presence: &Presence{
						Present:  true,
						RoomName: r.name,
						Username: c.user.Username,
					},
				},
				SkipClient: c,
			})
		}
	}
}

func (r *Room) handleApprove(msg *ClientMessage) {
	c := msg.client
	target := msg.Approve.UserId

	outcome, _, err := r.cs.gate.Approve(r.name, msg.UserId, target)
	if err != nil {
		r.log.Println("Approve:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	switch outcome {
	case ApproveForbidden:
		c.queueMessage(ErrNotAuthorized(msg.Id))
	case ApproveRoomNotFound:
		c.queueMessage(ErrRoomNotFound(msg.Id))
	case ApproveMemberNotFound:
		c.queueMessage(ErrMembershipNotFound(msg.Id))
	case ApproveOk:
		c.queueMessage(NoErrOK(msg.Id, nil))

		note := &ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				UserApproved: &UserApproved{
					RoomName: r.name,
					UserId:   target,
				},
			},
		}
		r.broadcast(note)
		// the target holds no subscription yet, so deliver the
		// notice to their live connections directly
		r.cs.notifyUser(target, note)
	}
}

// handlePublish persists the message first and broadcasts only after the
// write succeeded. Every subscriber, including the sender, receives the
// canonical server copy carrying the durable message id.
func (r *Room) handlePublish(msg *ClientMessage) {
	c := msg.client
	if !r.isSubscriber(c) {
		c.queueMessage(ErrNotAuthorized(msg.Id))
		return
	}

	saved, err := r.cs.db.CreateMessage(database.Message{
		RoomId:    r.id,
		UserId:    msg.UserId,
		Content:   msg.Publish.Content,
		CreatedAt: msg.Timestamp,
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.cs.stats.Incr("NumMessages")
	c.queueMessage(NoErrAccepted(msg.Id))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: saved.CreatedAt,
		},
		Message: &types.Message{
			Id:        saved.Id,
			RoomId:    r.id,
			UserId:    c.user.Id,
			Username:  c.user.Username,
			Content:   saved.Content,
			Timestamp: saved.CreatedAt,
		},
	})
}

func (r *Room) handleEdit(msg *ClientMessage) {
	c := msg.client
	dbMsg, err := r.cs.db.GetMessage(msg.Edit.MessageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(ErrMessageNotFound(msg.Id))
		} else {
			r.log.Println("GetMessage:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	// messages are only addressable through their owning room
	if dbMsg.RoomId != r.id {
		c.queueMessage(ErrMessageNotFound(msg.Id))
		return
	}

	// only the author may edit; the admin has no edit rights
	if dbMsg.UserId != msg.UserId {
		c.queueMessage(ErrNotAuthorized(msg.Id))
		return
	}

	if err := r.cs.db.UpdateMessageContent(dbMsg.Id, msg.Edit.Content); err != nil {
		r.log.Println("UpdateMessageContent:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))

	// every subscriber converges on the new body, the editor included
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			MessageUpdated: &MessageUpdated{
				MessageId:  dbMsg.Id,
				NewContent: msg.Edit.Content,
			},
		},
	})
}

func (r *Room) handleDelete(msg *ClientMessage) {
	c := msg.client
	dbMsg, err := r.cs.db.GetMessage(msg.Delete.MessageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(ErrMessageNotFound(msg.Id))
		} else {
			r.log.Println("GetMessage:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	if dbMsg.RoomId != r.id {
		c.queueMessage(ErrMessageNotFound(msg.Id))
		return
	}

	if !CanDeleteMessage(dbMsg.UserId, r.adminId, msg.UserId) {
		c.queueMessage(ErrNotAuthorized(msg.Id))
		return
	}

	if err := r.cs.db.DeleteMessage(dbMsg.Id); err != nil {
		r.log.Println("DeleteMessage:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			MessageDeleted: &MessageDeleted{MessageId: dbMsg.Id},
		},
	})
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	r.removeClient(c)

	if leaveMsg.Id != 0 {
		// the leave came from a command, not connection teardown
		c.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	// notify the others only once the user's last connection is gone
	if !r.userPresent(c.user.Id) {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				Presence: &Presence{
					Present:  false,
					RoomName: r.name,
					Username: c.user.Username,
				},
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.name)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomName: r.name}:
	default:
		// try again on the next tick
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.name)
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomName: r.name},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.clearRoom(r)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[int]map[*Client]struct{})
	r.clientLock.Unlock()

	// a command can race the unload and land on the channel after the
	// exit request; answer stragglers so the edge retries against a
	// freshly loaded actor instead of assuming it is subscribed
drain:
	for {
		select {
		case msg := <-r.commandChan:
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		default:
			break drain
		}
	}

	if e.done != nil {
		e.done <- r.name
	}
}

// roomInfo assembles the join response: room metadata plus the current
// membership list, pending requests included, so an admin connection can
// render the approval queue.
func (r *Room) roomInfo() types.Room {
	info := types.Room{
		Id:      r.id,
		Name:    r.name,
		AdminId: r.adminId,
	}

	members, err := r.cs.db.ListMembers(r.id)
	if err != nil {
		r.log.Println("ListMembers:", err)
		return info
	}

	info.Members = make([]types.Membership, len(members))
	for i, m := range members {
		info.Members[i] = types.Membership{
			RoomId:   m.RoomId,
			UserId:   m.UserId,
			Username: m.Username,
			Approved: m.Approved,
		}
	}

	return info
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.setRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.clearRoom(r)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	r.log.Printf("removed client %q from room %q", c.user.Username, r.name)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.name)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) isSubscriber(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) userPresent(userId int) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return r.userMap[userId] != nil
}

func (r *Room) resetTimerIfEmpty() {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	r.cs.stats.Incr("NumBroadcasts")
	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
