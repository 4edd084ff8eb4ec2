package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
)

// State backends.
const (
	StateFile   = "file"
	StateRedis  = "redis"
	StateSQLite = "sqlite"
)

// StateConfig selects and locates the scheduler state backend.
type StateConfig struct {
	Backend     string
	FilePath    string
	SQLitePath  string
	RedisPrefix string
}

// NewStateStore opens the configured backend. client is only used by the redis backend.
func NewStateStore(cfg StateConfig, client redis.UniversalClient) (domrepo.StateStore, error) {
	switch cfg.Backend {
	case StateFile, "":
		return NewFileStateStore(cfg.FilePath), nil
	case StateRedis:
		if client == nil {
			return nil, fmt.Errorf("redis state store needs a client")
		}
		return NewRedisStateStore(client, cfg.RedisPrefix), nil
	case StateSQLite:
		return OpenSQLiteStateStore(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
}

// FileStateStore keeps state as one JSON document on disk.
type FileStateStore struct {
	path string
}

func NewFileStateStore(path string) *FileStateStore { return &FileStateStore{path: path} }

func (f *FileStateStore) Load(context.Context) (*models.SchedulerState, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st models.SchedulerState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Save writes a temp file and renames it over the old state.
func (f *FileStateStore) Save(_ context.Context, st *models.SchedulerState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func (f *FileStateStore) Close() error { return nil }

// RedisStateStore keeps state as one JSON value so several instances share it.
type RedisStateStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "signalflow"
	}
	return &RedisStateStore{client: client, key: prefix + ":scheduler:state"}
}

func (r *RedisStateStore) Load(ctx context.Context) (*models.SchedulerState, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get state: %w", err)
	}
	var st models.SchedulerState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

func (r *RedisStateStore) Save(ctx context.Context, st *models.SchedulerState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis set state: %w", err)
	}
	return nil
}

// Close leaves the shared client open.
func (r *RedisStateStore) Close() error { return nil }

// SQLiteStateStore keeps one row per task plus a counters row.
type SQLiteStateStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS update_times (
	task_key    TEXT PRIMARY KEY,
	last_update INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS scheduler_stats (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	payload  TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);`

func OpenSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
	}
	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Load(ctx context.Context) (*models.SchedulerState, error) {
	var payload string
	var savedAt int64
	err := s.db.QueryRowContext(ctx, "SELECT payload, saved_at FROM scheduler_stats WHERE id = 1").Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	st := &models.SchedulerState{
		LastUpdateTimes: make(map[string]time.Time),
		SavedAt:         time.UnixMilli(savedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(payload), &st.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT task_key, last_update FROM update_times")
	if err != nil {
		return nil, fmt.Errorf("load update times: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var ms int64
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, fmt.Errorf("scan update time: %w", err)
		}
		st.LastUpdateTimes[key] = time.UnixMilli(ms).UTC()
	}
	return st, rows.Err()
}

// Save replaces the stored state in one transaction.
func (s *SQLiteStateStore) Save(ctx context.Context, st *models.SchedulerState) error {
	payload, err := json.Marshal(st.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM update_times"); err != nil {
		return fmt.Errorf("clear update times: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO update_times (task_key, last_update) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for key, t := range st.LastUpdateTimes {
		if _, err := stmt.ExecContext(ctx, key, t.UnixMilli()); err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO scheduler_stats (id, payload, saved_at) VALUES (1, ?, ?) ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at",
		string(payload), st.SavedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStateStore) Close() error { return s.db.Close() }
