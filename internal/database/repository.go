package database

import (
	"context"
	"time"
)

type RoomRepository interface {
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoom(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	SetRoomExpiry(ctx context.Context, id string, expiresAt *time.Time) error
	MarkRoomDeleting(ctx context.Context, id string) (bool, error)
	DeleteRoom(ctx context.Context, id string) error
}
