// Package projection maintains a "latest event per key" view of a partitioned
// event log. A Loop reads the log and writes into a Store; a Facade serves
// point lookups from the same Store while ingestion continues.
package projection

import (
	"context"
	"errors"

	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
)

var (
	// ErrNotFound is returned by Store.Get for absent keys.
	ErrNotFound = errors.New("projection key not found")
	// ErrTransport wraps event log failures that end a loop.
	ErrTransport = errors.New("event log transport failure")
	// ErrBackingStore wraps store failures that end a loop.
	ErrBackingStore = errors.New("projection store failure")
	// ErrInvalidTransition is returned when the loop is driven out of order.
	ErrInvalidTransition = errors.New("invalid loop state transition")
)

// Event is a decoded record bound to its projection key. The loop builds it
// once; stores keep copies.
type Event[T any] struct {
	Key       string `json:"key"`
	Payload   T      `json:"payload"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Store holds the latest event per key.
//
// Put is called by exactly one loop goroutine. Get may be called from any
// number of goroutines concurrently with Put and sees either the previous or
// the new event, never a mix.
type Store[T any] interface {
	Put(ctx context.Context, key string, ev Event[T]) error
	Get(ctx context.Context, key string) (Event[T], error)
}

// Checkpointer persists the next offset to read per partition.
type Checkpointer interface {
	// Committed returns next offsets; partitions never committed are absent.
	Committed(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error)
	Commit(ctx context.Context, topic string, offsets map[int32]int64) error
}

// Restorer is implemented by stores that rebuild local state from a
// changelog before they are complete.
type Restorer interface {
	Restore(ctx context.Context) error
	Restored() bool
}

// KeyFunc derives the projection key for a decoded record. An empty key
// drops the record.
type KeyFunc[T any] func(rec eventlog.Record, payload T) string

// ByRecordKey uses the record's transport key.
func ByRecordKey[T any](rec eventlog.Record, _ T) string {
	return string(rec.Key)
}

// StartPolicy selects where a loop starts reading.
type StartPolicy int

const (
	// FullReplay reads every partition from the earliest offset.
	FullReplay StartPolicy = iota
	// ResumeFromCommitted reads from the checkpointer's committed offsets.
	ResumeFromCommitted
)

func (p StartPolicy) String() string {
	switch p {
	case FullReplay:
		return "full-replay"
	case ResumeFromCommitted:
		return "resume"
	default:
		return "unknown"
	}
}

// ParseStartPolicy accepts "full-replay" or "resume".
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch s {
	case "full-replay", "replay":
		return FullReplay, nil
	case "resume", "resume-from-committed":
		return ResumeFromCommitted, nil
	default:
		return FullReplay, errors.New("unknown start policy: " + s)
	}
}
