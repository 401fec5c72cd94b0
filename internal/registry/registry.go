// Package registry governs the room lifecycle: creation, password authentication,
// expiry and deletion. Room rows live in the registry database; every room owns one
// store in the room store manager, created and purged together with its row.
package registry

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-ephemeral-chat/internal/auth"
	"github.com/npezzotti/go-ephemeral-chat/internal/database"
	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

// Stores is the part of the room store manager the registry drives.
type Stores interface {
	Open(ctx context.Context, id string) error
	ImportDatabase(ctx context.Context, id string, src io.Reader) error
	Purge(ctx context.Context, id string) error
	Rooms() ([]string, error)
}

type Registry struct {
	repo   database.RoomRepository
	stores Stores
	hasher auth.Hasher
	log    zerolog.Logger
	now    func() time.Time
}

func New(repo database.RoomRepository, stores Stores, hasher auth.Hasher, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		stores: stores,
		hasher: hasher,
		log:    logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

func notFound(id string) error {
	return errors.Wrapf(types.ErrNotFound, "room %q", id)
}

func toRoom(r database.Room) types.Room {
	return types.Room{
		Id:        r.Id,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func (r *Registry) expired(room database.Room) bool {
	return room.ExpiresAt != nil && !r.now().Before(*room.ExpiresAt)
}

func (r *Registry) insert(ctx context.Context, password string, ttl time.Duration) (database.Room, error) {
	if password == "" {
		return database.Room{}, types.Malformed("password is required")
	}
	if ttl < 0 {
		return database.Room{}, types.Malformed("ttl must not be negative")
	}

	digest, err := r.hasher.Hash(password)
	if err != nil {
		return database.Room{}, err
	}

	params := database.CreateRoomParams{
		Id:           uuid.NewString(),
		PasswordHash: digest,
	}
	if ttl > 0 {
		exp := r.now().Add(ttl).UTC()
		params.ExpiresAt = &exp
	}

	room, err := r.repo.CreateRoom(ctx, params)
	if err != nil {
		return database.Room{}, types.NewStorageError("create room", params.Id, err)
	}

	return room, nil
}

// rollback removes a row whose store could not be created.
func (r *Registry) rollback(id string, cause error) {
	if err := r.repo.DeleteRoom(context.Background(), id); err != nil {
		r.log.Error().Err(err).Str("room_id", id).AnErr("cause", cause).Msg("failed to roll back room creation")
	}
}

// CreateRoom registers a new room protected by password and creates its store. A ttl
// greater than zero schedules the room for deletion.
func (r *Registry) CreateRoom(ctx context.Context, password string, ttl time.Duration) (types.Room, error) {
	room, err := r.insert(ctx, password, ttl)
	if err != nil {
		return types.Room{}, err
	}

	if err := r.stores.Open(ctx, room.Id); err != nil {
		r.rollback(room.Id, err)
		return types.Room{}, err
	}

	r.log.Info().Str("room_id", room.Id).Msg("created room")
	return toRoom(room), nil
}

// ImportRoom registers a new room whose store is the sqlite database read from src.
func (r *Registry) ImportRoom(ctx context.Context, password string, src io.Reader) (types.Room, error) {
	room, err := r.insert(ctx, password, 0)
	if err != nil {
		return types.Room{}, err
	}

	if err := r.stores.ImportDatabase(ctx, room.Id, src); err != nil {
		r.rollback(room.Id, err)
		return types.Room{}, err
	}

	r.log.Info().Str("room_id", room.Id).Msg("imported room")
	return toRoom(room), nil
}

// lookup returns the room row if the room is live: present, not being deleted and not expired.
func (r *Registry) lookup(ctx context.Context, id string) (database.Room, error) {
	room, err := r.repo.GetRoom(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Room{}, notFound(id)
	}
	if err != nil {
		return database.Room{}, types.NewStorageError("get room", id, err)
	}

	if room.Deleting || r.expired(room) {
		return database.Room{}, notFound(id)
	}

	return room, nil
}

// Room returns a live room.
func (r *Registry) Room(ctx context.Context, id string) (types.Room, error) {
	room, err := r.lookup(ctx, id)
	if err != nil {
		return types.Room{}, err
	}
	return toRoom(room), nil
}

// Authenticate fails with ErrNotFound if the room is not live and with ErrUnauthorized
// if password does not match the room's digest.
func (r *Registry) Authenticate(ctx context.Context, id, password string) error {
	room, err := r.lookup(ctx, id)
	if err != nil {
		return err
	}

	if !r.hasher.Verify(password, room.PasswordHash) {
		return errors.Wrapf(types.ErrUnauthorized, "room %q", id)
	}

	return nil
}

// SetExpiry schedules deletion of the room d from now. A zero d clears the schedule.
func (r *Registry) SetExpiry(ctx context.Context, id string, d time.Duration) (types.Room, error) {
	if d < 0 {
		return types.Room{}, types.Malformed("expiry must not be negative")
	}

	room, err := r.lookup(ctx, id)
	if err != nil {
		return types.Room{}, err
	}

	var exp *time.Time
	if d > 0 {
		t := r.now().Add(d).UTC()
		exp = &t
	}

	err = r.repo.SetRoomExpiry(ctx, id, exp)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, notFound(id)
	}
	if err != nil {
		return types.Room{}, types.NewStorageError("set expiry", id, err)
	}

	room.ExpiresAt = exp
	return toRoom(room), nil
}

// DeleteRoom marks the room as deleting, purges its store and removes its row. Deleting
// an unknown room succeeds. If the purge fails the row stays marked and Recover finishes
// the deletion.
func (r *Registry) DeleteRoom(ctx context.Context, id string) error {
	ok, err := r.repo.MarkRoomDeleting(ctx, id)
	if err != nil {
		return types.NewStorageError("delete room", id, err)
	}
	if !ok {
		return nil
	}

	return r.finishDelete(ctx, id)
}

func (r *Registry) finishDelete(ctx context.Context, id string) error {
	if err := r.stores.Purge(ctx, id); err != nil {
		return err
	}

	if err := r.repo.DeleteRoom(ctx, id); err != nil {
		return types.NewStorageError("delete room", id, err)
	}

	r.log.Info().Str("room_id", id).Msg("deleted room")
	return nil
}

// ExpiredRooms lists the ids of rooms whose expiry has passed.
func (r *Registry) ExpiredRooms(ctx context.Context) ([]string, error) {
	rooms, err := r.repo.ListRooms(ctx)
	if err != nil {
		return nil, types.NewStorageError("list rooms", "", err)
	}

	ids := make([]string, 0)
	for _, room := range rooms {
		if !room.Deleting && r.expired(room) {
			ids = append(ids, room.Id)
		}
	}

	return ids, nil
}

// Recover finishes deletions interrupted by a crash and removes stores that have no room.
// It must run before the registry serves requests.
func (r *Registry) Recover(ctx context.Context) error {
	rooms, err := r.repo.ListRooms(ctx)
	if err != nil {
		return types.NewStorageError("list rooms", "", err)
	}

	known := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		if room.Deleting {
			r.log.Warn().Str("room_id", room.Id).Msg("finishing interrupted room deletion")
			if err := r.finishDelete(ctx, room.Id); err != nil {
				return err
			}
			continue
		}
		known[room.Id] = struct{}{}
	}

	ids, err := r.stores.Rooms()
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		r.log.Warn().Str("room_id", id).Msg("removing orphaned room store")
		if err := r.stores.Purge(ctx, id); err != nil {
			return err
		}
	}

	return nil
}
