package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/calvinalkan/tasksync/internal/mutation"
)

// sqliteSchemaVersion is stored in SQLite's user_version pragma.
const sqliteSchemaVersion = 1

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
const sqliteBusyTimeout = 10000 // milliseconds

// SQLiteLog is a [Log] in a SQLite database. The autoincrement rowid gives
// append order and a unique index on id rejects duplicates.
type SQLiteLog struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// OpenSQLiteLog opens or creates the database at path.
func OpenSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	if path == "" {
		return nil, errors.New("open sqlite log: path is empty")
	}

	err := os.MkdirAll(filepath.Dir(path), dirPerms)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log: %w", err)
	}

	// One connection serializes writers and keeps pragmas consistent.
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	err = migrate(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &SQLiteLog{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int

	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version == sqliteSchemaVersion {
		return nil
	}

	if version > sqliteSchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than %d", ErrLogCorrupt, version, sqliteSchemaVersion)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS mutations (
			seq  INTEGER PRIMARY KEY AUTOINCREMENT,
			id   TEXT NOT NULL UNIQUE,
			body TEXT NOT NULL
		)`,
		fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion),
	}

	for _, stmt := range statements {
		_, err = tx.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	return nil
}

func (l *SQLiteLog) Append(m mutation.Mutation) error {
	return l.exec("append", m.ID, func(db *sql.DB) error {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}

		_, err = db.Exec("INSERT INTO mutations (id, body) VALUES (?, ?)", m.ID, string(body))

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicate
		}

		return err
	})
}

func (l *SQLiteLog) Update(m mutation.Mutation) error {
	return l.exec("update", m.ID, func(db *sql.DB) error {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}

		res, err := db.Exec("UPDATE mutations SET body = ? WHERE id = ?", string(body), m.ID)

		return affectedOne(res, err)
	})
}

func (l *SQLiteLog) Remove(id string) error {
	return l.exec("remove", id, func(db *sql.DB) error {
		res, err := db.Exec("DELETE FROM mutations WHERE id = ?", id)

		return affectedOne(res, err)
	})
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrNotLogged
	}

	return nil
}

func (l *SQLiteLog) List() ([]mutation.Mutation, error) {
	var out []mutation.Mutation

	err := l.exec("list", "", func(db *sql.DB) error {
		rows, err := db.Query("SELECT body FROM mutations ORDER BY seq")
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var body string

			err = rows.Scan(&body)
			if err != nil {
				return err
			}

			var m mutation.Mutation

			err = json.Unmarshal([]byte(body), &m)
			if err != nil {
				return fmt.Errorf("%w: decode row: %w", ErrLogCorrupt, err)
			}

			out = append(out, m)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (l *SQLiteLog) Clear() error {
	return l.exec("clear", "", func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM mutations")

		return err
	})
}

// Compact rebuilds the database file so pages freed by removed mutations
// are returned to the filesystem.
func (l *SQLiteLog) Compact() error {
	return l.exec("compact", "", func(db *sql.DB) error {
		_, err := db.Exec("VACUUM")

		return err
	})
}

func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	err := l.db.Close()
	if err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}

	return nil
}

func (l *SQLiteLog) exec(op, id string, fn func(db *sql.DB) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	err := fn(l.db)
	if err == nil {
		return nil
	}

	if id == "" {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s %s: %w", op, id, err)
}

var (
	_ Log       = (*SQLiteLog)(nil)
	_ Compacter = (*SQLiteLog)(nil)
)
