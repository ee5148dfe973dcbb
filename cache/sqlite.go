package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS buckets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			populated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket_id INTEGER NOT NULL REFERENCES buckets (id),
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (bucket_id, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("could not initialize sqlite cache: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(ctx context.Context, name string) (Bucket, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO buckets (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM buckets WHERE name = ?", name).Scan(&id); err != nil {
		return nil, err
	}
	return SQLiteBucket{cache: s, id: id, name: name}, nil
}

func (s SQLiteCache) Match(ctx context.Context, key string) (Entry, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT e.stored_at, e.bytes
		FROM entries e JOIN buckets b ON b.id = e.bucket_id
		WHERE e.key = ? ORDER BY b.id ASC LIMIT 1`, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, nil
}

func (s SQLiteCache) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

// SQLiteBucket is a bucket of a SQLiteCache, identified by its row id.
type SQLiteBucket struct {
	cache SQLiteCache
	id    int64
	name  string
}

func (b SQLiteBucket) Name() string {
	return b.name
}

func (b SQLiteBucket) Match(ctx context.Context, key string) (Entry, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := b.cache.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE bucket_id = ? AND key = ?",
		b.id, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, nil
}

// PutAll writes all entries and the populated marker in a single transaction.
func (b SQLiteBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.cache.writeMutex.Lock()
	defer b.cache.writeMutex.Unlock()
	tx, err := b.cache.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO entries
		(bucket_id, key, stored_at, bytes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, b.id, entry.Key, entry.StoredAt.Unix(), entry.Bytes); err != nil {
			return fmt.Errorf("could not store %s: %w", entry.Key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE buckets SET populated_at = ? WHERE id = ?", time.Now().Unix(), b.id); err != nil {
		return err
	}
	return tx.Commit()
}

func (b SQLiteBucket) Keys(ctx context.Context, cb func(string)) error {
	rows, err := b.cache.db.QueryContext(ctx, "SELECT key FROM entries WHERE bucket_id = ? ORDER BY key", b.id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (b SQLiteBucket) PopulatedAt(ctx context.Context) (time.Time, error) {
	var populatedAt int64
	err := b.cache.db.QueryRowContext(ctx, "SELECT populated_at FROM buckets WHERE id = ?", b.id).Scan(&populatedAt)
	if err != nil {
		return time.Time{}, err
	}
	if populatedAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(populatedAt, 0), nil
}
