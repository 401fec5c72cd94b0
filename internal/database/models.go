package database

import "time"

type Room struct {
	Id           string
	PasswordHash string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Deleting     bool
}

type CreateRoomParams struct {
	Id           string
	PasswordHash string
	ExpiresAt    *time.Time
}
