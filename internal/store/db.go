package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the session's local cache.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (db *DB) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return wrapErr(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return wrapErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// wrapErr classifies a driver error into the local storage taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *model.LocalStorageError
	if errors.As(err, &le) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		err = fmt.Errorf("%w: %v", model.ErrStorageCorrupted, err)
	}
	return &model.LocalStorageError{Op: op, Err: err}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
