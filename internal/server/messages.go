package server

import (
	"net/http"
	"time"

	"github.com/mkarlsen/chatgate/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the closed set of commands a connection may issue.
// Exactly one of the command fields is set.
type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Approve *Approve `json:"approve,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
	Edit    *Edit    `json:"edit,omitempty"`
	Delete  *Delete  `json:"delete,omitempty"`
	UserId  int      `json:"-"`
	client  *Client  `json:"-"`
}

type Join struct {
	RoomName string `json:"room_name"`
	// DisplayName is accepted for edge compatibility but the server
	// always announces the verified username from the identity.
	DisplayName string `json:"display_name,omitempty"`
}

type Leave struct {
	RoomName string `json:"room_name"`
}

type Approve struct {
	RoomName string `json:"room_name"`
	UserId   int    `json:"user_id"`
}

type Publish struct {
	RoomName string `json:"room_name"`
	Content  string `json:"content"`
}

type Edit struct {
	MessageId int    `json:"message_id"`
	Content   string `json:"content"`
}

type Delete struct {
	MessageId int `json:"message_id"`
}

// ServerMessage is the closed set of events delivered to connections.
type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	SessionUser    *SessionUser    `json:"session_user,omitempty"`
	RequestSent    *RequestSent    `json:"request_sent,omitempty"`
	UserApproved   *UserApproved   `json:"user_approved,omitempty"`
	Presence       *Presence       `json:"presence,omitempty"`
	MessageUpdated *MessageUpdated `json:"message_updated,omitempty"`
	MessageDeleted *MessageDeleted `json:"message_deleted,omitempty"`
	RoomCreated    *RoomCreated    `json:"room_created,omitempty"`
	RoomDeleted    *RoomDeleted    `json:"room_deleted,omitempty"`
}

// SessionUser is sent once after a connection is accepted. An empty
// username tells the edge no identity could be resolved.
type SessionUser struct {
	Username string `json:"username"`
}

type RequestSent struct {
	RoomName string `json:"room_name"`
}

type UserApproved struct {
	RoomName string `json:"room_name"`
	UserId   int    `json:"user_id"`
}

type Presence struct {
	Present  bool   `json:"present"`
	RoomName string `json:"room_name"`
	Username string `json:"username"`
}

type MessageUpdated struct {
	MessageId  int    `json:"message_id"`
	NewContent string `json:"new_content"`
}

type MessageDeleted struct {
	MessageId int `json:"message_id"`
}

type RoomCreated struct {
	RoomName string `json:"room_name"`
}

type RoomDeleted struct {
	RoomName string `json:"room_name"`
}

func NewSessionUser(username string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			SessionUser: &SessionUser{Username: username},
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrMessageNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "message not found",
		},
	}
}

func ErrMembershipNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "membership not found",
		},
	}
}

func ErrNotAuthorized(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not authorized",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
