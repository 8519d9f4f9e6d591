package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// BoltDB is the local state file shared by every embedded projection.
type BoltDB struct {
	db *bbolt.DB
}

// OpenBolt opens a BoltDB state file at the provided path.
func OpenBolt(path string) (*BoltDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &BoltDB{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (b *BoltDB) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// BoltStore is the embedded strategy: one bucket per projection, mirrored to
// a changelog topic.
type BoltStore[T any] struct {
	db        *bbolt.DB
	bucket    []byte
	changelog *Changelog
	restored  atomic.Bool
	logger    *slog.Logger

	// written holds keys the loop wrote while a restore was pending; the
	// replay never overwrites them. Guarded by bbolt's single writer.
	written map[string]struct{}
}

// restoreBucket holds, per changelog partition, the offset the local file
// has been restored up to.
var restoreBucket = []byte("_changelog_restored")

// NewBoltStore binds a projection bucket. A nil changelog keeps the store
// local only and marks it restored.
func NewBoltStore[T any](b *BoltDB, name string, changelog *Changelog, logger *slog.Logger) (*BoltStore[T], error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BoltStore[T]{
		db:        b.db,
		bucket:    []byte(name),
		changelog: changelog,
		logger:    logger.With("projection", name),
		written:   make(map[string]struct{}),
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(s.bucket); err != nil {
			return fmt.Errorf("create %s bucket: %w", name, err)
		}
		if _, err := tx.CreateBucketIfNotExists(restoreBucket); err != nil {
			return fmt.Errorf("create restore bucket: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if changelog == nil {
		s.restored.Store(true)
	}
	return s, nil
}

// Put writes the event locally, then appends it to the changelog. An older
// offset from the same partition is ignored.
func (s *BoltStore[T]) Put(ctx context.Context, key string, ev projection.Event[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	applied := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", s.bucket)
		}
		if cur, ok, err := decodeEvent[T](bucket.Get([]byte(key))); err != nil {
			return err
		} else if ok && cur.Partition == ev.Partition && cur.Offset > ev.Offset {
			return nil
		}
		applied = true
		if !s.restored.Load() {
			s.written[key] = struct{}{}
		}
		return bucket.Put([]byte(key), payload)
	})
	if err != nil || !applied || s.changelog == nil {
		return err
	}
	if err := s.changelog.Append(ctx, key, payload); err != nil {
		return fmt.Errorf("append changelog: %w", err)
	}
	return nil
}

func (s *BoltStore[T]) Get(ctx context.Context, key string) (projection.Event[T], error) {
	if err := ctx.Err(); err != nil {
		return projection.Event[T]{}, err
	}

	var (
		ev projection.Event[T]
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", s.bucket)
		}
		var err error
		ev, ok, err = decodeEvent[T](bucket.Get([]byte(key)))
		return err
	})
	if err != nil {
		return projection.Event[T]{}, err
	}
	if !ok {
		return projection.Event[T]{}, projection.ErrNotFound
	}
	return ev, nil
}

// Count returns the number of keys in the bucket.
func (s *BoltStore[T]) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", s.bucket)
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

// Restored reports whether the changelog replay has finished.
func (s *BoltStore[T]) Restored() bool {
	return s.restored.Load()
}

// Restore replays the changelog into the bucket, resuming after the offsets
// recorded by the previous successful restore of this file. Entries apply in
// changelog order, so the last entry for a key wins even when its source
// partition differs; only an older offset of the same source partition is
// skipped. Keys the loop wrote since the store was opened are left alone.
// Restore is a no-op once it has succeeded.
func (s *BoltStore[T]) Restore(ctx context.Context) error {
	if s.restored.Load() {
		return nil
	}

	from, err := s.restoredOffsets()
	if err != nil {
		return err
	}

	start := time.Now()
	n, ends, err := s.changelog.Replay(ctx, from, func(rec eventlog.Record) error {
		if len(rec.Value) == 0 {
			return nil
		}
		return s.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(s.bucket)
			if bucket == nil {
				return fmt.Errorf("%s bucket is missing", s.bucket)
			}
			if _, ok := s.written[string(rec.Key)]; ok {
				return nil
			}
			entry, ok, err := decodeEvent[T](rec.Value)
			if err != nil || !ok {
				s.logger.Warn("skipping unreadable changelog entry", "offset", rec.Offset, "error", err)
				return nil
			}
			cur, exists, err := decodeEvent[T](bucket.Get(rec.Key))
			if err != nil {
				return err
			}
			if exists && cur.Partition == entry.Partition && cur.Offset > entry.Offset {
				return nil
			}
			return bucket.Put(rec.Key, rec.Value)
		})
	})
	if err != nil {
		return fmt.Errorf("restore from %s: %w", s.changelog.Topic(), err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.saveRestoredOffsets(tx, ends); err != nil {
			return err
		}
		s.restored.Store(true)
		s.written = make(map[string]struct{})
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("restored state from changelog", "entries", n, "resumed", len(from) > 0, "elapsed", time.Since(start))
	return nil
}

func (s *BoltStore[T]) restoredOffsets() (map[int32]int64, error) {
	prefix := []byte(s.changelog.Topic() + "/")
	out := make(map[int32]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(restoreBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			p, err := strconv.ParseInt(string(k[len(prefix):]), 10, 32)
			if err != nil || len(v) != 8 {
				continue
			}
			out[int32(p)] = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read restore offsets: %w", err)
	}
	return out, nil
}

func (s *BoltStore[T]) saveRestoredOffsets(tx *bbolt.Tx, ends map[int32]int64) error {
	bucket := tx.Bucket(restoreBucket)
	for p, end := range ends {
		key := s.changelog.Topic() + "/" + strconv.FormatInt(int64(p), 10)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(end))
		if err := bucket.Put([]byte(key), v[:]); err != nil {
			return fmt.Errorf("save restore offsets: %w", err)
		}
	}
	return nil
}

func decodeEvent[T any](raw []byte) (projection.Event[T], bool, error) {
	var ev projection.Event[T]
	if raw == nil {
		return ev, false, nil
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, false, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, true, nil
}
