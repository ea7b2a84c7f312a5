package database

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint, such as a duplicate username or room name.
	ErrDuplicate = errors.New("already exists")
)

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(id int) (User, error)
	GetAccountByUsername(username string) (User, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByName(name string) (Room, error)
	GetRoomById(id int) (Room, error)
	ListRooms() ([]Room, error)
	DeleteRoom(id int) error
	GetMembership(roomId, userId int) (Membership, error)
	CreateMembership(roomId, userId int) (Membership, error)
	ApproveMembership(roomId, userId int) error
	ListMembers(roomId int) ([]Membership, error)
	CreateMessage(msg Message) (Message, error)
	GetMessage(id int) (Message, error)
	UpdateMessageContent(id int, content string) error
	DeleteMessage(id int) error
	ListMessages(roomId, before, limit int) ([]Message, error)
}
