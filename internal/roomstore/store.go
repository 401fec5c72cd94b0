// Package roomstore keeps one append-only sqlite message log per room.
//
// Stores are opened lazily on first use and stay open until they are purged or the
// Manager is closed. Writes to a room (append, rename, import, purge) are serialized by
// that room's lock; reads share it. Different rooms never share a lock.
package roomstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

const (
	fileExt = ".db"

	schema = `CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL
)`
)

var roomIdPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

func validRoomId(id string) bool {
	return roomIdPattern.MatchString(id)
}

func notFound(id string) error {
	return errors.Wrapf(types.ErrNotFound, "room store %q", id)
}

type Manager struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	stores map[string]*roomDB
	// purged holds ids whose store was deleted; they are never reopened.
	purged map[string]struct{}
}

func NewManager(dir string, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create room store directory")
	}

	return &Manager{
		dir:    dir,
		log:    logger.With().Str("component", "roomstore").Logger(),
		stores: make(map[string]*roomDB),
		purged: make(map[string]struct{}),
	}, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+fileExt)
}

func dsn(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

// acquire returns the handle for a room, creating an unopened one if needed.
func (m *Manager) acquire(id string) (*roomDB, error) {
	if !validRoomId(id) {
		return nil, notFound(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, gone := m.purged[id]; gone {
		return nil, notFound(id)
	}

	rdb, ok := m.stores[id]
	if !ok {
		rdb = &roomDB{id: id, path: m.path(id), log: m.log}
		m.stores[id] = rdb
	}

	return rdb, nil
}

// Open ensures the store for id exists. It is safe to call concurrently.
func (m *Manager) Open(ctx context.Context, id string) error {
	rdb, err := m.acquire(id)
	if err != nil {
		return err
	}

	return rdb.write(ctx, func(*sql.DB) error { return nil })
}

// Append records one message and returns it with its store-assigned id.
func (m *Manager) Append(ctx context.Context, id, username, content string, ts time.Time) (types.Message, error) {
	rdb, err := m.acquire(id)
	if err != nil {
		return types.Message{}, err
	}

	msg := types.Message{
		RoomId:    id,
		Username:  username,
		Content:   content,
		Timestamp: ts.UTC(),
	}

	err = rdb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO messages (room_id, username, content, timestamp) VALUES ($1, $2, $3, $4)",
			id,
			username,
			content,
			formatTimestamp(msg.Timestamp),
		)
		if err != nil {
			return types.NewStorageError("append", id, err)
		}

		msg.Id, err = res.LastInsertId()
		if err != nil {
			return types.NewStorageError("append", id, err)
		}
		return nil
	})
	if err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

// ListAll returns every message of the room in append order.
func (m *Manager) ListAll(ctx context.Context, id string) ([]types.Message, error) {
	rdb, err := m.acquire(id)
	if err != nil {
		return nil, err
	}

	var messages []types.Message
	err = rdb.read(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			"SELECT id, COALESCE(username, ''), COALESCE(content, ''), COALESCE(timestamp, '') "+
				"FROM messages ORDER BY id",
		)
		if err != nil {
			return types.NewStorageError("list", id, err)
		}
		defer rows.Close()

		messages = make([]types.Message, 0)
		for rows.Next() {
			var (
				msg = types.Message{RoomId: id}
				ts  string
			)
			if err := rows.Scan(&msg.Id, &msg.Username, &msg.Content, &ts); err != nil {
				return types.NewStorageError("list", id, err)
			}
			msg.Timestamp = parseTimestamp(ts)
			messages = append(messages, msg)
		}

		if err := rows.Err(); err != nil {
			return types.NewStorageError("list", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// RenameUser rewrites the username of every message in the room, regardless of its
// current author, and returns the number of rewritten messages.
func (m *Manager) RenameUser(ctx context.Context, id, newUsername string) (int64, error) {
	rdb, err := m.acquire(id)
	if err != nil {
		return 0, err
	}

	var n int64
	err = rdb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "UPDATE messages SET username = $1", newUsername)
		if err != nil {
			return types.NewStorageError("rename", id, err)
		}

		n, err = res.RowsAffected()
		if err != nil {
			return types.NewStorageError("rename", id, err)
		}
		return nil
	})

	return n, err
}

// ImportMessages appends msgs in order inside a single transaction. On failure no message
// of the batch is kept.
func (m *Manager) ImportMessages(ctx context.Context, id string, msgs []types.Message) (int, error) {
	rdb, err := m.acquire(id)
	if err != nil {
		return 0, err
	}

	err = rdb.write(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return types.NewStorageError("import", id, err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO messages (room_id, username, content, timestamp) VALUES ($1, $2, $3, $4)",
		)
		if err != nil {
			return types.NewStorageError("import", id, err)
		}
		defer stmt.Close()

		for _, msg := range msgs {
			if _, err := stmt.ExecContext(ctx, id, msg.Username, msg.Content, formatTimestamp(msg.Timestamp)); err != nil {
				return types.NewStorageError("import", id, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return types.NewStorageError("import", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(msgs), nil
}

// Purge closes and deletes the room's store. Purging an unknown or already purged room
// succeeds. A purged id cannot be reopened.
func (m *Manager) Purge(ctx context.Context, id string) error {
	if !validRoomId(id) {
		return nil
	}

	m.mu.Lock()
	if _, gone := m.purged[id]; gone {
		m.mu.Unlock()
		return nil
	}
	rdb := m.stores[id]
	delete(m.stores, id)
	m.purged[id] = struct{}{}
	m.mu.Unlock()

	if rdb != nil {
		rdb.mu.Lock()
		rdb.purged = true
		rdb.closeLocked()
		rdb.mu.Unlock()
	}

	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(m.path(id) + suffix); err != nil && !os.IsNotExist(err) {
			return types.NewStorageError("purge", id, err)
		}
	}

	m.log.Info().Str("room_id", id).Msg("purged room store")
	return nil
}

// Exists reports whether a store file for id is present on disk.
func (m *Manager) Exists(id string) bool {
	if !validRoomId(id) {
		return false
	}

	_, err := os.Stat(m.path(id))
	return err == nil
}

// Rooms lists the ids of every store file in the data directory.
func (m *Manager) Rooms() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, types.NewStorageError("list rooms", "", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), fileExt)
		if validRoomId(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids, nil
}

// Close closes every open store. The Manager must not be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	stores := make([]*roomDB, 0, len(m.stores))
	for _, rdb := range m.stores {
		stores = append(stores, rdb)
	}
	m.stores = make(map[string]*roomDB)
	m.mu.Unlock()

	var firstErr error
	for _, rdb := range stores {
		rdb.mu.Lock()
		if err := rdb.closeLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
		rdb.mu.Unlock()
	}

	return firstErr
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts the stored RFC 3339 form and the layouts written by older stores.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
