package database

import (
	"fmt"
	"time"
)

const createMembershipQuery = "INSERT INTO room_members (room_id, user_id, approved, created_at, updated_at) " +
	"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (room_id, user_id) DO NOTHING"

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, username, created_at, updated_at",
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, translateErr(err)
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateErr(err)
}

func (db *PgChatRepository) GetAccountByUsername(username string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, password_hash, created_at, updated_at FROM accounts "+
			"WHERE username = $1 LIMIT 1",
		username,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateErr(err)
}

// CreateRoom inserts the room and the admin's approved membership in a
// single transaction, so a room never exists without its admin member.
func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (name, admin_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, name, admin_id, created_at, updated_at",
		params.Name,
		params.AdminId,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.AdminId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, translateErr(err)
	}

	_, err = tx.Exec(
		createMembershipQuery,
		room.Id,
		params.AdminId,
		true,
		time.Now().UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, translateErr(err)
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgChatRepository) GetRoomByName(name string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, admin_id, created_at, updated_at FROM rooms "+
			"WHERE name = $1 LIMIT 1",
		name,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.AdminId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, translateErr(err)
}

func (db *PgChatRepository) GetRoomById(id int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, admin_id, created_at, updated_at FROM rooms "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.AdminId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, translateErr(err)
}

func (db *PgChatRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, admin_id, created_at, updated_at FROM rooms ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err = rows.Scan(&room.Id, &room.Name, &room.AdminId, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}

		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) DeleteRoom(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM messages WHERE room_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM room_members WHERE room_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) GetMembership(roomId, userId int) (Membership, error) {
	row := db.conn.QueryRow(
		"SELECT m.room_id, m.user_id, a.username, m.approved, m.created_at, m.updated_at "+
			"FROM room_members m JOIN accounts a ON m.user_id = a.id "+
			"WHERE m.room_id = $1 AND m.user_id = $2 LIMIT 1",
		roomId,
		userId,
	)

	var m Membership
	err := row.Scan(
		&m.RoomId,
		&m.UserId,
		&m.Username,
		&m.Approved,
		&m.CreatedAt,
		&m.UpdatedAt,
	)

	return m, translateErr(err)
}

// CreateMembership inserts a pending membership row. The insert is an
// upsert keyed on (room_id, user_id), so repeated join requests leave
// exactly one row and the returned membership reflects the current state.
func (db *PgChatRepository) CreateMembership(roomId, userId int) (Membership, error) {
	_, err := db.conn.Exec(
		createMembershipQuery,
		roomId,
		userId,
		false,
		time.Now().UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return Membership{}, translateErr(err)
	}

	return db.GetMembership(roomId, userId)
}

func (db *PgChatRepository) ApproveMembership(roomId, userId int) error {
	res, err := db.conn.Exec(
		"UPDATE room_members SET approved = TRUE, updated_at = $3 "+
			"WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgChatRepository) ListMembers(roomId int) ([]Membership, error) {
	rows, err := db.conn.Query(
		"SELECT m.room_id, m.user_id, a.username, m.approved, m.created_at, m.updated_at "+
			"FROM room_members m JOIN accounts a ON m.user_id = a.id "+
			"WHERE m.room_id = $1 ORDER BY m.created_at",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members = make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err = rows.Scan(&m.RoomId, &m.UserId, &m.Username, &m.Approved, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}

		members = append(members, m)
	}

	return members, rows.Err()
}

func (db *PgChatRepository) CreateMessage(msg Message) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (room_id, user_id, content, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, room_id, user_id, content, created_at",
		msg.RoomId,
		msg.UserId,
		msg.Content,
		msg.CreatedAt,
	)

	var saved Message
	err := res.Scan(
		&saved.Id,
		&saved.RoomId,
		&saved.UserId,
		&saved.Content,
		&saved.CreatedAt,
	)

	return saved, translateErr(err)
}

func (db *PgChatRepository) GetMessage(id int) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT m.id, m.room_id, m.user_id, a.username, m.content, m.created_at, m.updated_at "+
			"FROM messages m JOIN accounts a ON m.user_id = a.id "+
			"WHERE m.id = $1 LIMIT 1",
		id,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.UserId,
		&msg.Username,
		&msg.Content,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)

	return msg, translateErr(err)
}

func (db *PgChatRepository) UpdateMessageContent(id int, content string) error {
	res, err := db.conn.Exec(
		"UPDATE messages SET content = $2, updated_at = $3 WHERE id = $1",
		id,
		content,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgChatRepository) DeleteMessage(id int) error {
	_, err := db.conn.Exec("DELETE FROM messages WHERE id = $1", id)

	return err
}

func (db *PgChatRepository) ListMessages(roomId, before, limit int) ([]Message, error) {
	var upper int = 1<<31 - 1
	if before > 0 {
		upper = before - 1
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.user_id, a.username, m.content, m.created_at, m.updated_at "+
			"FROM messages m JOIN accounts a ON m.user_id = a.id "+
			"WHERE m.room_id = $1 AND m.id <= $2 ORDER BY m.id DESC LIMIT $3",
		roomId,
		upper,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
