package roomstore

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

var sqliteHeader = []byte("SQLite format 3\x00")

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func removeWithSidecars(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		os.Remove(path + suffix)
	}
}

// Snapshot writes a consistent copy of the room's sqlite file to w.
func (m *Manager) Snapshot(ctx context.Context, id string, w io.Writer) (int64, error) {
	rdb, err := m.acquire(id)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(m.dir, ".snapshot-*.tmp")
	if err != nil {
		return 0, types.NewStorageError("snapshot", id, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file
	os.Remove(tmpPath)
	defer removeWithSidecars(tmpPath)

	err = rdb.read(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(tmpPath)); err != nil {
			return types.NewStorageError("snapshot", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return 0, types.NewStorageError("snapshot", id, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, errors.Wrap(err, "copy snapshot")
	}

	return n, nil
}

// ImportDatabase installs the sqlite database read from src as the store of a room that
// has no store yet. The database must contain a messages table with username, content
// and timestamp columns.
func (m *Manager) ImportDatabase(ctx context.Context, id string, src io.Reader) error {
	rdb, err := m.acquire(id)
	if err != nil {
		return err
	}

	rdb.mu.Lock()
	defer rdb.mu.Unlock()

	if rdb.purged {
		return notFound(id)
	}
	if _, err := os.Stat(rdb.path); rdb.db != nil || err == nil {
		return errors.Errorf("room store %q already exists", id)
	}

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(src, header); err != nil || !bytes.Equal(header, sqliteHeader) {
		return types.Malformed("upload is not a sqlite database")
	}

	tmp, err := os.CreateTemp(m.dir, ".import-*.tmp")
	if err != nil {
		return types.NewStorageError("import database", id, err)
	}
	tmpPath := tmp.Name()
	defer removeWithSidecars(tmpPath)

	_, err = tmp.Write(header)
	if err == nil {
		_, err = io.Copy(tmp, src)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.NewStorageError("import database", id, err)
	}

	if err := validateImport(ctx, tmpPath, id); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, rdb.path); err != nil {
		return types.NewStorageError("import database", id, err)
	}

	m.log.Info().Str("room_id", id).Msg("imported room database")
	return rdb.openLocked(ctx)
}

func validateImport(ctx context.Context, path, id string) error {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return types.NewStorageError("import database", id, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "SELECT username, content, timestamp FROM messages LIMIT 1"); err != nil {
		return types.Malformed("uploaded database has no usable messages table: %v", err)
	}

	if err := prepareSchema(ctx, db); err != nil {
		return types.NewStorageError("import database", id, err)
	}

	if _, err := db.ExecContext(ctx, "UPDATE messages SET room_id = $1", id); err != nil {
		return types.NewStorageError("import database", id, err)
	}

	return nil
}
