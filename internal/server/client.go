package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/mkarlsen/chatgate/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Client is one live connection bound to one identity and zero-or-one
// joined room.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	room       *Room
	roomLock   sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	sid, _ := shortid.Generate()
	return &Client{
		id:         sid,
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

// AnnounceSession queues the session-user notice carrying the resolved
// username. It is the first event on every identified connection.
func (c *Client) AnnounceSession() {
	c.queueMessage(NewSessionUser(c.user.Username))
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
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
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
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
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Approve != nil:
			if !c.chatServer.routeCommand(&msg) {
				c.queueMessage(ErrServiceUnavailable(msg.Id))
			}
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		case msg.Publish != nil:
			c.sendToRoom(&msg, msg.Publish.RoomName)
		case msg.Edit != nil:
			c.sendToRoom(&msg, "")
		case msg.Delete != nil:
			c.sendToRoom(&msg, "")
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

// joinRoom hands the join to the registry. A connection holds at most one
// room, so joining a different room leaves the current one first.
func (c *Client) joinRoom(msg *ClientMessage) {
	if r := c.currentRoom(); r != nil {
		if r.name == msg.Join.RoomName {
			// re-join of the current room is a harmless repeat;
			// let the actor answer with the room info
		} else {
			select {
			case r.leaveChan <- &ClientMessage{
				Leave:  &Leave{RoomName: r.name},
				UserId: c.user.Id,
				client: c,
			}:
			default:
				c.log.Printf("leave channel full on room %q", r.name)
				c.queueMessage(ErrServiceUnavailable(msg.Id))
				return
			}
		}
	}

	if !c.chatServer.routeCommand(msg) {
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// sendToRoom delivers a message operation to the connection's current
// room. Operations on rooms the connection has not joined are rejected
// before they ever reach a room actor.
func (c *Client) sendToRoom(msg *ClientMessage, roomName string) {
	r := c.currentRoom()
	if r == nil {
		c.queueMessage(ErrNotAuthorized(msg.Id))
		return
	}

	if roomName != "" && roomName != r.name {
		c.queueMessage(ErrNotAuthorized(msg.Id))
		return
	}

	select {
	case r.commandChan <- msg:
	default:
		c.log.Printf("command channel full on room %q", r.name)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.currentRoom()
	if r == nil || (msg.Leave.RoomName != "" && msg.Leave.RoomName != r.name) {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Printf("leave channel full on room %q", r.name)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
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

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
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
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup runs on connection teardown: the connection unconditionally
// leaves its room, so remaining subscribers see a disconnect notice.
func (c *Client) cleanup() {
	if r := c.currentRoom(); r != nil {
		r.leaveChan <- &ClientMessage{
			Leave:  &Leave{RoomName: r.name},
			UserId: c.user.Id,
			client: c,
		}
	}

	c.chatServer.DeregisterClient(c)
	c.stopClient()
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	c.room = r
}

// clearRoom resets the connection's room only if it still points at r, so
// a stale leave cannot clobber a newer join.
func (c *Client) clearRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	if c.room == r {
		c.room = nil
	}
}

func (c *Client) currentRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()

	return c.room
}
