package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteStore is the single-node durable strategy. It holds the same tables
// as PostgresStore in one SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens path and applies embedded migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// applyMigrations runs the Up section of each embedded file once.
func applyMigrations(sqlDB *sql.DB) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var n int
		if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM `+migrationTable+` WHERE name = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(upSection(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	i := strings.Index(content, up)
	if i == -1 {
		return content
	}
	content = content[i+len(up):]
	if j := strings.Index(content, down); j != -1 {
		content = content[:j]
	}
	return content
}

// Ping is used by the readiness probe.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Checkpoints returns the offset store for one consumer group.
func (s *SQLiteStore) Checkpoints(group string) *SQLiteCheckpoints {
	return &SQLiteCheckpoints{sqlDB: s.sqlDB, group: group}
}

// SQLiteTable is one projection's rows in the projections table.
type SQLiteTable[T any] struct {
	sqlDB *sql.DB
	name  string
}

func NewSQLiteTable[T any](s *SQLiteStore, name string) *SQLiteTable[T] {
	return &SQLiteTable[T]{sqlDB: s.sqlDB, name: name}
}

// Put upserts the key with the same offset guard as PostgresTable.
func (t *SQLiteTable[T]) Put(ctx context.Context, key string, ev projection.Event[T]) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = t.sqlDB.ExecContext(ctx, `
		INSERT INTO projections(projection, key, payload, topic, partition_id, source_offset, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (projection, key) DO UPDATE SET
			payload       = excluded.payload,
			topic         = excluded.topic,
			partition_id  = excluded.partition_id,
			source_offset = excluded.source_offset,
			updated_at    = excluded.updated_at
		WHERE projections.partition_id <> excluded.partition_id
		   OR projections.source_offset <= excluded.source_offset
	`, t.name, key, payload, ev.Topic, ev.Partition, ev.Offset, time.Now().UTC().UnixMilli())
	return err
}

func (t *SQLiteTable[T]) Get(ctx context.Context, key string) (projection.Event[T], error) {
	var (
		ev      projection.Event[T]
		payload []byte
	)
	err := t.sqlDB.QueryRowContext(ctx, `
		SELECT payload, topic, partition_id, source_offset
		FROM projections
		WHERE projection = ? AND key = ?
	`, t.name, key).Scan(&payload, &ev.Topic, &ev.Partition, &ev.Offset)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.Event[T]{}, projection.ErrNotFound
	}
	if err != nil {
		return projection.Event[T]{}, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return projection.Event[T]{}, fmt.Errorf("decode payload: %w", err)
	}
	ev.Key = key
	return ev, nil
}

// Count returns the number of keys in the projection.
func (t *SQLiteTable[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := t.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections WHERE projection = ?`, t.name).Scan(&n)
	return n, err
}

// SQLiteCheckpoints stores next offsets in consumer_offsets.
type SQLiteCheckpoints struct {
	sqlDB *sql.DB
	group string
}

func (c *SQLiteCheckpoints) Committed(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error) {
	rows, err := c.sqlDB.QueryContext(ctx, `
		SELECT partition_id, next_offset
		FROM consumer_offsets
		WHERE consumer_group = ? AND topic = ?
	`, c.group, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[int32]bool, len(partitions))
	for _, p := range partitions {
		wanted[p] = true
	}
	out := make(map[int32]int64, len(partitions))
	for rows.Next() {
		var (
			p   int32
			off int64
		)
		if err := rows.Scan(&p, &off); err != nil {
			return nil, err
		}
		if wanted[p] {
			out[p] = off
		}
	}
	return out, rows.Err()
}

// Commit writes all offsets in one transaction.
func (c *SQLiteCheckpoints) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	tx, err := c.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	for p, off := range offsets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consumer_offsets(consumer_group, topic, partition_id, next_offset, updated_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT (consumer_group, topic, partition_id) DO UPDATE SET
				next_offset = excluded.next_offset,
				updated_at  = excluded.updated_at
		`, c.group, topic, p, off, now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
