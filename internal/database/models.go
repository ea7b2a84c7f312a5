package database

import "time"

type User struct {
	Id           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id        int
	Name      string
	AdminId   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Membership struct {
	RoomId    int
	UserId    int
	Username  string
	Approved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	Id        int
	RoomId    int
	UserId    int
	Username  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name    string
	AdminId int
}
