// Package eventlog is the boundary to the partitioned, replayable event log the
// projections consume. The loop only sees the Client interface; Kafka and an
// in-process log both implement it.
package eventlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by a client used after Close.
	ErrClosed = errors.New("event log client closed")
	// ErrUnknownTopic is returned when topic metadata is unavailable.
	ErrUnknownTopic = errors.New("unknown topic")
)

// Record is one entry read from a topic partition.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Position is where a partition cursor starts reading.
type Position struct {
	offset   int64
	earliest bool
}

// Earliest positions a cursor at the first retained offset.
func Earliest() Position {
	return Position{earliest: true}
}

// At positions a cursor at an exact offset (the next record to read).
func At(offset int64) Position {
	return Position{offset: offset}
}

// IsEarliest reports whether p means "first retained offset".
func (p Position) IsEarliest() bool {
	return p.earliest
}

// Offset returns the explicit offset. Meaningless when IsEarliest is true.
func (p Position) Offset() int64 {
	return p.offset
}

// OffsetRange is the retained span of a partition. End is the offset the next
// appended record will get (the high watermark).
type OffsetRange struct {
	Start int64
	End   int64
}

// Client is a pull-based reader over one topic, owned by a single goroutine.
type Client interface {
	// Partitions lists the partition ids of topic.
	Partitions(ctx context.Context, topic string) ([]int32, error)
	// Offsets returns the retained offset range for each partition.
	Offsets(ctx context.Context, topic string, partitions []int32) (map[int32]OffsetRange, error)
	// Assign starts reading the given partitions from the given positions.
	Assign(topic string, positions map[int32]Position) error
	// Poll waits at most timeout for records. Records of one partition are in
	// offset order. A timeout returns no records and no error.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)
	// Close releases the connection. Safe to call more than once.
	Close()
}

// Producer appends records to a topic.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// Opener creates a connected client. Each call returns a new client.
type Opener func(ctx context.Context) (Client, error)
