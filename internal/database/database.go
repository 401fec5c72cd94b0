package database

import (
	"context"
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLRoomRepository struct {
	driver string
	conn   *sql.DB
}

// NewRoomRepository opens the registry database with the given driver ("sqlite3" or "postgres").
func NewRoomRepository(driver, dsn string) (*SQLRoomRepository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open registry database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping registry database")
	}

	return &SQLRoomRepository{driver: driver, conn: db}, nil
}

// Migrate applies the embedded schema migrations.
func (db *SQLRoomRepository) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}

	var target migratedb.Driver
	switch db.driver {
	case "sqlite3":
		target, err = sqlite3.WithInstance(db.conn, &sqlite3.Config{})
	case "postgres":
		target, err = postgres.WithInstance(db.conn, &postgres.Config{})
	default:
		err = errors.Errorf("unsupported driver %q", db.driver)
	}
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}

	// the migrate instance is not closed: closing it would close db.conn
	m, err := migrate.NewWithInstance("iofs", src, db.driver, target)
	if err != nil {
		return errors.Wrap(err, "new migrate")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}

	return nil
}

func (db *SQLRoomRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SQLRoomRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
