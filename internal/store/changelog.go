package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
)

// ChangelogTopic names the private compacted topic backing one projection.
func ChangelogTopic(service, projection string) string {
	return service + "-" + projection + "-changelog"
}

// Changelog is the durable copy of an embedded store: every local write is
// appended, and a lost local file is rebuilt by replaying the topic.
type Changelog struct {
	topic       string
	producer    eventlog.Producer
	open        eventlog.Opener
	pollTimeout time.Duration
	logger      *slog.Logger
}

func NewChangelog(topic string, producer eventlog.Producer, open eventlog.Opener, logger *slog.Logger) *Changelog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Changelog{
		topic:       topic,
		producer:    producer,
		open:        open,
		pollTimeout: time.Second,
		logger:      logger.With("changelog", topic),
	}
}

// Topic returns the changelog topic name.
func (c *Changelog) Topic() string {
	return c.topic
}

// Append writes one entry keyed by projection key.
func (c *Changelog) Append(ctx context.Context, key string, value []byte) error {
	return c.producer.Produce(ctx, c.topic, []byte(key), value)
}

// Replay reads the topic up to the end offsets seen when it starts, calling
// fn for every record in partition order. Partitions listed in from resume at
// that offset; others, and offsets outside the current log range, start at
// the earliest offset. It returns the number of records applied and the end
// offsets it replayed to. A missing topic replays nothing and returns no ends.
func (c *Changelog) Replay(ctx context.Context, from map[int32]int64, fn func(eventlog.Record) error) (int, map[int32]int64, error) {
	client, err := c.open(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("open changelog: %w", err)
	}
	defer client.Close()

	parts, err := client.Partitions(ctx, c.topic)
	if errors.Is(err, eventlog.ErrUnknownTopic) {
		c.logger.Info("changelog topic missing, nothing to restore")
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("changelog partitions: %w", err)
	}
	ranges, err := client.Offsets(ctx, c.topic, parts)
	if err != nil {
		return 0, nil, fmt.Errorf("changelog offsets: %w", err)
	}

	ends := make(map[int32]int64, len(parts))
	next := make(map[int32]int64, len(parts))
	seek := make(map[int32]eventlog.Position, len(parts))
	for _, p := range parts {
		r := ranges[p]
		ends[p] = r.End

		start, pos := r.Start, eventlog.Earliest()
		if off, ok := from[p]; ok && off >= r.Start && off <= r.End {
			start, pos = off, eventlog.At(off)
		} else if ok {
			c.logger.Warn("restore checkpoint outside changelog range, replaying partition",
				"partition", p, "checkpoint", off, "start", r.Start, "end", r.End)
		}
		if r.End > start {
			seek[p] = pos
			next[p] = start
		}
	}
	if len(seek) == 0 {
		return 0, ends, nil
	}
	if err := client.Assign(c.topic, seek); err != nil {
		return 0, nil, fmt.Errorf("changelog assign: %w", err)
	}

	done := func() bool {
		for p, off := range next {
			if off < ranges[p].End {
				return false
			}
		}
		return true
	}

	applied := 0
	for !done() {
		records, err := client.Poll(ctx, c.pollTimeout)
		if err != nil {
			return applied, nil, fmt.Errorf("changelog poll: %w", err)
		}
		for _, rec := range records {
			if _, tracked := next[rec.Partition]; !tracked || rec.Offset >= ranges[rec.Partition].End {
				continue
			}
			if err := fn(rec); err != nil {
				return applied, nil, err
			}
			next[rec.Partition] = rec.Offset + 1
			applied++
		}
	}
	return applied, ends, nil
}
