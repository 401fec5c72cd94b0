package database

import (
	"context"
	"database/sql"
	"time"
)

const roomColumns = "room_id, password_hash, created_at, expires_at, deleting"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		room      Room
		expiresAt sql.NullTime
	)

	err := row.Scan(
		&room.Id,
		&room.PasswordHash,
		&room.CreatedAt,
		&expiresAt,
		&room.Deleting,
	)
	if err != nil {
		return Room{}, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		room.ExpiresAt = &t
	}
	room.CreatedAt = room.CreatedAt.UTC()

	return room, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (db *SQLRoomRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	room := Room{
		Id:           params.Id,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC().Round(time.Millisecond),
	}
	if params.ExpiresAt != nil {
		t := params.ExpiresAt.UTC()
		room.ExpiresAt = &t
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO rooms (room_id, password_hash, created_at, expires_at) "+
			"VALUES ($1, $2, $3, $4)",
		room.Id,
		room.PasswordHash,
		room.CreatedAt,
		nullTime(room.ExpiresAt),
	)
	if err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *SQLRoomRepository) GetRoom(ctx context.Context, id string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE room_id = $1 LIMIT 1",
		id,
	)

	return scanRoom(row)
}

func (db *SQLRoomRepository) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+roomColumns+" FROM rooms ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// SetRoomExpiry sets or clears (nil) the expiry of a room. It returns sql.ErrNoRows if the
// room does not exist or is being deleted.
func (db *SQLRoomRepository) SetRoomExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET expires_at = $1 WHERE room_id = $2 AND deleting = FALSE",
		nullTime(expiresAt),
		id,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// MarkRoomDeleting flags a room as being deleted. It reports whether the room exists.
func (db *SQLRoomRepository) MarkRoomDeleting(ctx context.Context, id string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, "UPDATE rooms SET deleting = TRUE WHERE room_id = $1", id)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (db *SQLRoomRepository) DeleteRoom(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = $1", id)
	return err
}
