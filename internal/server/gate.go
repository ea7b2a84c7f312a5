package server

import (
	"errors"

	"github.com/mkarlsen/chatgate/internal/database"
)

type JoinOutcome int

const (
	JoinApproved JoinOutcome = iota
	JoinPending
	JoinRoomNotFound
)

type ApproveOutcome int

const (
	ApproveOk ApproveOutcome = iota
	ApproveForbidden
	ApproveRoomNotFound
	ApproveMemberNotFound
)

// MembershipGate decides, per (room, user) pair, whether a user may enter
// a room. State machine: NonMember -> PendingApproval -> Approved. There
// is no transition out of Approved and a pending request never expires.
type MembershipGate struct {
	db database.ChatRepository
}

func NewMembershipGate(db database.ChatRepository) *MembershipGate {
	return &MembershipGate{db: db}
}

// RequestJoin records a join attempt. A first attempt creates a pending
// membership row; repeated attempts are idempotent and leave exactly one
// row. The returned error is non-nil only for store failures.
func (g *MembershipGate) RequestJoin(roomName string, userId int) (JoinOutcome, database.Room, error) {
	room, err := g.db.GetRoomByName(roomName)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return JoinRoomNotFound, database.Room{}, nil
		}
		return JoinRoomNotFound, database.Room{}, err
	}

	m, err := g.db.GetMembership(room.Id, userId)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return JoinPending, room, err
		}

		if m, err = g.db.CreateMembership(room.Id, userId); err != nil {
			return JoinPending, room, err
		}
	}

	if m.Approved {
		return JoinApproved, room, nil
	}

	return JoinPending, room, nil
}

// Approve flips the target's membership to approved. Only the room's
// admin may approve; approving an already approved member is a harmless
// repeat. A target who never requested to join yields MemberNotFound.
func (g *MembershipGate) Approve(roomName string, adminId, targetUserId int) (ApproveOutcome, database.Room, error) {
	room, err := g.db.GetRoomByName(roomName)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ApproveRoomNotFound, database.Room{}, nil
		}
		return ApproveRoomNotFound, database.Room{}, err
	}

	if room.AdminId != adminId {
		return ApproveForbidden, room, nil
	}

	if err := g.db.ApproveMembership(room.Id, targetUserId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ApproveMemberNotFound, room, nil
		}
		return ApproveMemberNotFound, room, err
	}

	return ApproveOk, room, nil
}

// Authorized reports whether the user holds an approved membership in the
// room. Used by callers outside the live join path, such as history reads.
func (g *MembershipGate) Authorized(roomId, userId int) (bool, error) {
	m, err := g.db.GetMembership(roomId, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return m.Approved, nil
}

// CanDeleteMessage is the deletion predicate shared by the live delete
// command and the administrative HTTP path: the author always may, as
// may the owning room's admin.
func CanDeleteMessage(authorId, adminId, userId int) bool {
	return userId == authorId || userId == adminId
}
