package roomstore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rs/zerolog"

	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

type roomDB struct {
	id   string
	path string
	log  zerolog.Logger

	mu     sync.RWMutex
	db     *sql.DB
	purged bool
}

func (r *roomDB) write(ctx context.Context, fn func(*sql.DB) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.purged {
		return notFound(r.id)
	}
	if err := r.openLocked(ctx); err != nil {
		return err
	}

	return fn(r.db)
}

func (r *roomDB) read(ctx context.Context, fn func(*sql.DB) error) error {
	for {
		r.mu.RLock()
		if r.purged {
			r.mu.RUnlock()
			return notFound(r.id)
		}
		if r.db != nil {
			defer r.mu.RUnlock()
			return fn(r.db)
		}
		r.mu.RUnlock()

		r.mu.Lock()
		err := r.openLocked(ctx)
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (r *roomDB) openLocked(ctx context.Context) error {
	if r.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", dsn(r.path))
	if err != nil {
		return types.NewStorageError("open", r.id, err)
	}

	if err := prepareSchema(ctx, db); err != nil {
		db.Close()
		return types.NewStorageError("open", r.id, err)
	}

	r.db = db
	r.log.Debug().Str("room_id", r.id).Msg("opened room store")
	return nil
}

func (r *roomDB) closeLocked() error {
	if r.db == nil {
		return nil
	}

	err := r.db.Close()
	r.db = nil
	if err != nil {
		return types.NewStorageError("close", r.id, err)
	}
	return nil
}

// prepareSchema creates the messages table and upgrades stores written before
// messages carried their room id.
func prepareSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info('messages')")
	if err != nil {
		return err
	}
	defer rows.Close()

	hasRoomId := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == "room_id" {
			hasRoomId = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if !hasRoomId {
		if _, err := db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN room_id TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	return nil
}
