// Package sqlstore implements the store interfaces on SQLite.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyberinferno/lpchat/store"
	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	name          TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	nickname      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT '',
	logged_in     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS follows (
	follower TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
	followee TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
	PRIMARY KEY (follower, followee)
);

CREATE TABLE IF NOT EXISTS chat_groups (
	name        TEXT PRIMARY KEY,
	moderator   TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
	group_name TEXT NOT NULL REFERENCES chat_groups(name) ON DELETE CASCADE,
	user_name  TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
	PRIMARY KEY (group_name, user_name)
);

CREATE TABLE IF NOT EXISTS messages (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	sender     TEXT NOT NULL,
	recipient  TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT '',
	aux        TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	delivered  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_follows_followee ON follows(followee);
CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(recipient, delivered);
`

var validate = validator.New()

// DB owns the SQLite handle and hands out the three stores sharing it.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
//
// Parameters:
//   - path: File path or ":memory:"
//
// Returns:
//   - The DB, or an error if the file or schema could not be set up
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one connection: SQLite serializes writers anyway and ":memory:" is per
	// connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Users returns the account store.
func (d *DB) Users() *Users { return &Users{d: d} }

// Groups returns the group store.
func (d *DB) Groups() *Groups { return &Groups{d: d} }

// Messages returns the message store.
func (d *DB) Messages() *Messages { return &Messages{d: d} }

func (d *DB) timestamp() int64 {
	return d.now().UnixNano()
}

// classify maps constraint violations onto store errors.
func classify(err error, what string) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%s: %w", what, store.ErrAlreadyExists)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// affected turns "no row matched" into ErrNotFound.
func affected(res sql.Result, err error, what string) error {
	if err != nil {
		return classify(err, what)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}

	return nil
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field()))
		}

		return fmt.Errorf("%w: %s", store.ErrInvalidInput, strings.Join(fields, ", "))
	}

	return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
}
