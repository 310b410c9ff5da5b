package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_responses_expires ON responses(expires_at);
`

// SQLiteConfig configures the durable single-node cache.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps it in process.
	Path       string
	DefaultTTL time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// SQLiteCache persists cached responses across restarts of a single node.
// Expired rows are ignored and removed on read; Purge sweeps the rest.
type SQLiteCache struct {
	db         *sql.DB
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
	stats      *CacheStats
}

// NewSQLiteCache opens (or creates) the cache database at cfg.Path.
func NewSQLiteCache(cfg SQLiteConfig) (*SQLiteCache, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidConfig)
	}

	db, err := openSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}

	sc := &SQLiteCache{
		db:         db,
		defaultTTL: resolveTTL(cfg.DefaultTTL, DefaultTTL),
		logger:     cfg.Logger,
		now:        cfg.Now,
		stats:      NewCacheStats(),
	}
	if sc.logger == nil {
		sc.logger = slog.Default()
	}
	if sc.now == nil {
		sc.now = time.Now
	}
	return sc, nil
}

// openSQLite opens the database and applies the schema.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return db, nil
}

// Get returns the cached value for key if present and not expired.
func (sc *SQLiteCache) Get(ctx context.Context, key string) (string, bool) {
	var value string
	var expiresAt int64

	row := sc.db.QueryRowContext(ctx, `SELECT value, expires_at FROM responses WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		sc.logFailure("get", err)
		sc.stats.RecordMiss()
		return "", false
	}

	e := entry{Value: value, ExpiresAt: time.UnixMilli(expiresAt)}
	if e.expired(sc.now()) {
		sc.Delete(ctx, key)
		sc.stats.RecordExpired()
		sc.stats.RecordMiss()
		return "", false
	}

	sc.stats.RecordHit()
	return value, true
}

// Set stores value under key for ttl.
func (sc *SQLiteCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	expiresAt := sc.now().Add(resolveTTL(ttl, sc.defaultTTL)).UnixMilli()

	_, err := sc.db.ExecContext(ctx, `
		INSERT INTO responses (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		sc.logFailure("set", err)
		return
	}
	sc.stats.RecordSet()
}

// Delete removes key.
func (sc *SQLiteCache) Delete(ctx context.Context, key string) {
	if _, err := sc.db.ExecContext(ctx, `DELETE FROM responses WHERE key = ?`, key); err != nil {
		sc.logFailure("delete", err)
	}
}

// Purge removes every expired row and returns how many were dropped.
func (sc *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	result, err := sc.db.ExecContext(ctx, `DELETE FROM responses WHERE expires_at <= ?`, sc.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns a snapshot of the cache counters.
func (sc *SQLiteCache) Stats() Stats {
	return sc.stats.Snapshot()
}

// Close closes the underlying database.
func (sc *SQLiteCache) Close() error {
	return sc.db.Close()
}

// logFailure logs database errors other than a missing row.
func (sc *SQLiteCache) logFailure(op string, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	sc.logger.Warn("sqlite cache failure",
		slog.String("op", op),
		slog.String("error", err.Error()))
}
