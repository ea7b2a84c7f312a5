package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mkarlsen/chatgate/internal/database"
	"github.com/mkarlsen/chatgate/internal/stats"
	"github.com/mkarlsen/chatgate/internal/types"
)

func newTestRoom(t *testing.T, db database.ChatRepository) *Room {
	t.Helper()
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs := newTestChatServer(t, db, su)
	r := newRoom(database.Room{Id: 1, Name: "lobby", AdminId: 1}, cs)
	go r.start()
	t.Cleanup(func() {
		done := make(chan string, 1)
		r.exit <- exitReq{done: done}
		<-done
	})
	return r
}

func TestRoomJoin(t *testing.T) {
	t.Run("approved member is subscribed", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByName", "lobby").Return(database.Room{Id: 1, Name: "lobby", AdminId: 1}, nil)
		db.On("GetMembership", 1, 2).Return(database.Membership{RoomId: 1, UserId: 2, Approved: true}, nil)
		db.On("ListMembers", 1).Return([]database.Membership{
			{RoomId: 1, UserId: 1, Username: "alice", Approved: true},
			{RoomId: 1, UserId: 2, Username: "bob", Approved: true},
		}, nil)

		r := newTestRoom(t, db)
		c := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomName: "lobby"},
			UserId:      2,
			client:      c,
		}

		msg := recvMessage(t, c)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 200, msg.Response.ResponseCode)
			info, ok := msg.Response.Data.(types.Room)
			if assert.True(t, ok, "expected room info in join response") {
				assert.Equal(t, "lobby", info.Name)
				assert.Len(t, info.Members, 2, "expected full membership list")
			}
		}
		assert.True(t, r.isSubscriber(c), "expected client to be subscribed")
		assert.Equal(t, r, c.currentRoom(), "expected client room pointer to be set")
	})

	t.Run("pending member only gets request-sent", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByName", "lobby").Return(database.Room{Id: 1, Name: "lobby", AdminId: 1}, nil)
		db.On("GetMembership", 1, 2).Return(database.Membership{}, database.ErrNotFound)
		db.On("CreateMembership", 1, 2).Return(database.Membership{RoomId: 1, UserId: 2, Approved: false}, nil)

		r := newTestRoom(t, db)
		c := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomName: "lobby"},
			UserId:      2,
			client:      c,
		}

		msg := recvMessage(t, c)
		if assert.NotNil(t, msg.Notification) && assert.NotNil(t, msg.Notification.RequestSent) {
			assert.Equal(t, "lobby", msg.Notification.RequestSent.RoomName)
		}
		assert.False(t, r.isSubscriber(c), "expected pending user not to be subscribed")
		assert.Nil(t, c.currentRoom())
	})

	t.Run("second connection of present user is quiet", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByName", "lobby").Return(database.Room{Id: 1, Name: "lobby", AdminId: 1}, nil)
		db.On("GetMembership", 1, 2).Return(database.Membership{RoomId: 1, UserId: 2, Approved: true}, nil)
		db.On("ListMembers", 1).Return([]database.Membership{}, nil)

		r := newTestRoom(t, db)
		observer := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
		r.addClient(observer)

		first := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
		second := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomName: "lobby"},
			UserId:      2,
			client:      first,
		}
		msg := recvMessage(t, first)
		assert.NotNil(t, msg.Response)
		msg = recvMessage(t, observer)
		if assert.NotNil(t, msg.Notification) && assert.NotNil(t, msg.Notification.Presence) {
			assert.True(t, msg.Notification.Presence.Present)
			assert.Equal(t, "bob", msg.Notification.Presence.Username)
		}

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Join:        &Join{RoomName: "lobby"},
			UserId:      2,
			client:      second,
		}
		msg = recvMessage(t, second)
		assert.NotNil(t, msg.Response)
		assertNoMessage(t, observer)
	})
}

func TestRoomPublish(t *testing.T) {
	t.Run("persist then broadcast to all subscribers", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		saved := database.Message{Id: 42, RoomId: 1, UserId: 2, Content: "hi all", CreatedAt: Now()}
		db.On("CreateMessage", mock.MatchedBy(func(m database.Message) bool {
			return m.RoomId == 1 && m.UserId == 2 && m.Content == "hi all"
		})).Return(saved, nil).Once()

		r := newTestRoom(t, db)
		sender := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
		observer := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
		r.addClient(sender)
		r.addClient(observer)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomName: "lobby", Content: "hi all"},
			UserId:      2,
			client:      sender,
		}

		msg := recvMessage(t, sender)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 202, msg.Response.ResponseCode)
		}

		// the sender receives the canonical copy too
		for _, c := range []*Client{sender, observer} {
			msg = recvMessage(t, c)
			if assert.NotNil(t, msg.Message) {
				assert.Equal(t, 42, msg.Message.Id)
				assert.Equal(t, "hi all", msg.Message.Content)
				assert.Equal(t, "bob", msg.Message.Username)
			}
		}
	})

	t.Run("non-subscriber is rejected", func(t *testing.T) {
		db := &database.MockChatRepository{}
		r := newTestRoom(t, db)
		c := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomName: "lobby", Content: "hi"},
			UserId:      2,
			client:      c,
		}

		msg := recvMessage(t, c)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 403, msg.Response.ResponseCode)
		}
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("no broadcast when persistence fails", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("connection refused"))

		r := newTestRoom(t, db)
		sender := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
		observer := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
		r.addClient(sender)
		r.addClient(observer)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomName: "lobby", Content: "hi"},
			UserId:      2,
			client:      sender,
		}

		msg := recvMessage(t, sender)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 500, msg.Response.ResponseCode)
		}
		assertNoMessage(t, observer)
	})
}

func TestRoomEdit(t *testing.T) {
	stored := database.Message{Id: 42, RoomId: 1, UserId: 2, Content: "original"}

	t.Run("author edits own message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", 42).Return(stored, nil)
		db.On("UpdateMessageContent", 42, "fixed").Return(nil).Once()

		r := newTestRoom(t, db)
		author := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
		observer := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
		r.addClient(author)
		r.addClient(observer)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Edit:        &Edit{MessageId: 42, Content: "fixed"},
			UserId:      2,
			client:      author,
		}

		msg := recvMessage(t, author)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 200, msg.Response.ResponseCode)
		}
		for _, c := range []*Client{author, observer} {
			msg = recvMessage(t, c)
			if assert.NotNil(t, msg.Notification) && assert.NotNil(t, msg.Notification.MessageUpdated) {
				assert.Equal(t, 42, msg.Notification.MessageUpdated.MessageId)
				assert.Equal(t, "fixed", msg.Notification.MessageUpdated.NewContent)
			}
		}
	})

	t.Run("admin may not edit another user's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 42).Return(stored, nil)

		r := newTestRoom(t, db)
		admin := newTestClient(t, types.User{Id: 1, Username: "alice"}, r.cs)
		r.addClient(admin)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Edit:        &Edit{MessageId: 42, Content: "nope"},
			UserId:      1,
			client:      admin,
		}

		msg := recvMessage(t, admin)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 403, msg.Response.ResponseCode)
		}
		db.AssertNotCalled(t, "UpdateMessageContent", mock.Anything, mock.Anything)
	})

	t.Run("message in another room is not addressable", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 9).Return(database.Message{Id: 9, RoomId: 2, UserId: 2}, nil)

		r := newTestRoom(t, db)
		author := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
		r.addClient(author)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Edit:        &Edit{MessageId: 9, Content: "x"},
			UserId:      2,
			client:      author,
		}

		msg := recvMessage(t, author)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 404, msg.Response.ResponseCode)
		}
	})
}

func TestRoomDelete(t *testing.T) {
	stored := database.Message{Id: 42, RoomId: 1, UserId: 2, Content: "original"}

	t.Run("admin deletes another user's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", 42).Return(stored, nil)
		db.On("DeleteMessage", 42).Return(nil).Once()

		r := newTestRoom(t, db)
		admin := newTestClient(t, types.User{Id: 1, Username: "alice"}, r.cs)
		observer := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
		r.addClient(admin)
		r.addClient(observer)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Delete:      &Delete{MessageId: 42},
			UserId:      1,
			client:      admin,
		}

		msg := recvMessage(t, admin)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 200, msg.Response.ResponseCode)
		}
		for _, c := range []*Client{admin, observer} {
			msg = recvMessage(t, c)
			if assert.NotNil(t, msg.Notification) && assert.NotNil(t, msg.Notification.MessageDeleted) {
				assert.Equal(t, 42, msg.Notification.MessageDeleted.MessageId)
			}
		}
	})

	t.Run("bystander may not delete", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 42).Return(stored, nil)

		r := newTestRoom(t, db)
		c := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
		r.addClient(c)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Delete:      &Delete{MessageId: 42},
			UserId:      3,
			client:      c,
		}

		msg := recvMessage(t, c)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 403, msg.Response.ResponseCode)
		}
		db.AssertNotCalled(t, "DeleteMessage", mock.Anything)
	})

	t.Run("deleting a missing message is a not-found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 7).Return(database.Message{}, database.ErrNotFound)

		r := newTestRoom(t, db)
		c := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
		r.addClient(c)

		r.commandChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Delete:      &Delete{MessageId: 7},
			UserId:      2,
			client:      c,
		}

		msg := recvMessage(t, c)
		if assert.NotNil(t, msg.Response) {
			assert.Equal(t, 404, msg.Response.ResponseCode)
		}
	})
}

func TestRoomExitAnswersStragglers(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	cs := newTestChatServer(t, &database.MockChatRepository{}, su)

	r := newRoom(database.Room{Id: 1, Name: "lobby", AdminId: 1}, cs)
	c := newTestClient(t, types.User{Id: 2, Username: "bob"}, cs)

	// a join that lands on the command channel after the unload request
	// was enqueued is never processed by the actor loop
	r.commandChan <- &ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{RoomName: "lobby"},
		UserId:      2,
		client:      c,
	}

	done := make(chan string, 1)
	r.handleRoomExit(exitReq{done: done})
	<-done

	msg := recvMessage(t, c)
	if assert.NotNil(t, msg.Response) {
		assert.Equal(t, 503, msg.Response.ResponseCode)
		assert.Equal(t, 1, msg.Id, "expected the straggling command id to be echoed")
	}
	assert.Nil(t, c.currentRoom(), "expected the client not to end up subscribed")
}

func TestRoomLeave(t *testing.T) {
	db := &database.MockChatRepository{}
	r := newTestRoom(t, db)

	observer := newTestClient(t, types.User{Id: 3, Username: "carol"}, r.cs)
	first := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
	second := newTestClient(t, types.User{Id: 2, Username: "bob"}, r.cs)
	r.addClient(observer)
	r.addClient(first)
	r.addClient(second)

	// first connection leaves, the user is still present
	r.leaveChan <- &ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Leave:       &Leave{RoomName: "lobby"},
		UserId:      2,
		client:      first,
	}
	msg := recvMessage(t, first)
	if assert.NotNil(t, msg.Response) {
		assert.Equal(t, 200, msg.Response.ResponseCode)
	}
	assertNoMessage(t, observer)

	// teardown-style leave of the last connection announces the absence
	r.leaveChan <- &ClientMessage{
		Leave:  &Leave{RoomName: "lobby"},
		UserId: 2,
		client: second,
	}
	msg = recvMessage(t, observer)
	if assert.NotNil(t, msg.Notification) && assert.NotNil(t, msg.Notification.Presence) {
		assert.False(t, msg.Notification.Presence.Present)
		assert.Equal(t, "bob", msg.Notification.Presence.Username)
	}
	assertNoMessage(t, second)
	assert.False(t, r.isSubscriber(second))
}
