package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a durable storage backed by a single sqlite table in WAL mode.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the sqlite database at the given path.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, []byte(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, []byte(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		[]byte(key), content,
	)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, []byte(key))
	return err
}

func (s *SQLite) Iterate(ctx context.Context, lower, upper string, fn func(key string, value []byte) error) error {
	var rows *sql.Rows
	var err error
	if upper == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, []byte(lower))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, []byte(lower), []byte(upper))
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(string(key), value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLite) NewBatch() Batch {
	return &sqliteBatch{db: s.db}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteBatch struct {
	db  *sql.DB
	ops ops
}

func (b *sqliteBatch) Put(key string, value []byte) {
	b.ops.put(key, value)
}

func (b *sqliteBatch) Delete(key string) {
	b.ops.del(key)
}

func (b *sqliteBatch) Len() int {
	return len(b.ops)
}

func (b *sqliteBatch) Commit(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, o := range b.ops {
		if o.delete {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, []byte(o.key))
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				[]byte(o.key), o.value,
			)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	b.ops = nil
	return nil
}
