package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore owns the connection pool shared by every projection table and
// the offset checkpoints.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Checkpoints returns the offset store for one consumer group.
func (p *PostgresStore) Checkpoints(group string) *PostgresCheckpoints {
	return &PostgresCheckpoints{pool: p.pool, group: group}
}

// PostgresTable is one projection's rows in the projections table.
type PostgresTable[T any] struct {
	pool *pgxpool.Pool
	name string
}

// NewPostgresTable binds projection name to the shared pool.
func NewPostgresTable[T any](p *PostgresStore, name string) *PostgresTable[T] {
	return &PostgresTable[T]{pool: p.pool, name: name}
}

// Put upserts the key. A row from the same partition with a higher offset is
// kept, so replaying older records never moves a key backwards.
func (t *PostgresTable[T]) Put(ctx context.Context, key string, ev projection.Event[T]) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = t.pool.Exec(ctx, `
		INSERT INTO projections(projection, key, payload, topic, partition_id, source_offset, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (projection, key) DO UPDATE SET
			payload       = EXCLUDED.payload,
			topic         = EXCLUDED.topic,
			partition_id  = EXCLUDED.partition_id,
			source_offset = EXCLUDED.source_offset,
			updated_at    = now()
		WHERE projections.partition_id <> EXCLUDED.partition_id
		   OR projections.source_offset <= EXCLUDED.source_offset
	`, t.name, key, payload, ev.Topic, ev.Partition, ev.Offset)
	return err
}

func (t *PostgresTable[T]) Get(ctx context.Context, key string) (projection.Event[T], error) {
	var (
		ev      projection.Event[T]
		payload []byte
	)
	err := t.pool.QueryRow(ctx, `
		SELECT payload, topic, partition_id, source_offset
		FROM projections
		WHERE projection=$1 AND key=$2
	`, t.name, key).Scan(&payload, &ev.Topic, &ev.Partition, &ev.Offset)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (t *PostgresTable[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := t.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projections WHERE projection=$1`, t.name).Scan(&n)
	return n, err
}

// PostgresCheckpoints stores next offsets in consumer_offsets.
type PostgresCheckpoints struct {
	pool  *pgxpool.Pool
	group string
}

func (c *PostgresCheckpoints) Committed(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT partition_id, next_offset
		FROM consumer_offsets
		WHERE consumer_group=$1 AND topic=$2 AND partition_id = ANY($3)
	`, c.group, topic, partitions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int32]int64, len(partitions))
	for rows.Next() {
		var (
			p   int32
			off int64
		)
		if err := rows.Scan(&p, &off); err != nil {
			return nil, err
		}
		out[p] = off
	}
	return out, rows.Err()
}

// Commit writes all offsets in one batch.
func (c *PostgresCheckpoints) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for p, off := range offsets {
		batch.Queue(`
			INSERT INTO consumer_offsets(consumer_group, topic, partition_id, next_offset, updated_at)
			VALUES ($1,$2,$3,$4,now())
			ON CONFLICT (consumer_group, topic, partition_id) DO UPDATE SET
				next_offset = EXCLUDED.next_offset,
				updated_at  = now()
		`, c.group, topic, p, off)
	}
	return c.pool.SendBatch(ctx, batch).Close()
}
