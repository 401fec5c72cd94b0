package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrMalformedInput     = errors.New("malformed input")
	ErrAlreadyJoined      = errors.New("connection already joined to a room")
)

// StorageError reports an I/O failure against a room's store or the room registry.
type StorageError struct {
	Op   string
	Room string
	Err  error
}

func NewStorageError(op, room string, err error) *StorageError {
	return &StorageError{Op: op, Room: room, Err: err}
}

func (e *StorageError) Error() string {
	if e.Room != "" {
		return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Room, ErrStorageUnavailable, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStorageUnavailable, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Malformed wraps msg as an ErrMalformedInput.
func Malformed(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedInput, format, args...)
}
