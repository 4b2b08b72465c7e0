// Package sqlite implements the store driver on SQLite via modernc.org/sqlite
// (pure Go, no cgo).
package sqlite

import (
	"database/sql"

	"github.com/pkg/errors"
	// Register the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

type DB struct {
	db *sql.DB
}

func NewDB(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Foreign keys are off by default in SQLite; the thread cascade needs them.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
