package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memoryPollBatch = 500

// MemoryLog is an in-process partitioned log. It backs tests and local runs
// without a broker; offsets, partition assignment and group commits behave
// like the Kafka client.
type MemoryLog struct {
	mu        sync.Mutex
	topics    map[string][][]Record
	committed map[string]map[int32]int64 // group/topic -> partition -> next offset
	wake      chan struct{}
	openErr   error
	pollErr   error
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		topics:    make(map[string][][]Record),
		committed: make(map[string]map[int32]int64),
		wake:      make(chan struct{}),
	}
}

// CreateTopic creates topic with n partitions. Existing topics are left alone.
func (m *MemoryLog) CreateTopic(topic string, partitions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[topic]; ok {
		return
	}
	if partitions < 1 {
		partitions = 1
	}
	m.topics[topic] = make([][]Record, partitions)
}

// Append writes a record to an explicit partition and returns its offset.
func (m *MemoryLog) Append(topic string, partition int32, key, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, ok := m.topics[topic]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if partition < 0 || int(partition) >= len(parts) {
		return -1, fmt.Errorf("partition %d out of range for %s", partition, topic)
	}

	offset := int64(len(parts[partition]))
	parts[partition] = append(parts[partition], Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now().UTC(),
	})

	close(m.wake)
	m.wake = make(chan struct{})
	return offset, nil
}

// Produce appends a record, picking the partition from a hash of the key.
// Unknown topics are created with one partition.
func (m *MemoryLog) Produce(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.CreateTopic(topic, 1)

	m.mu.Lock()
	n := len(m.topics[topic])
	m.mu.Unlock()

	h := fnv.New32a()
	_, _ = h.Write(key)
	_, err := m.Append(topic, int32(h.Sum32()%uint32(n)), key, value)
	return err
}

// SetOpenError makes subsequent opens fail with err (nil clears it).
func (m *MemoryLog) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetPollError makes subsequent polls fail with err (nil clears it).
func (m *MemoryLog) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
	close(m.wake)
	m.wake = make(chan struct{})
}

// Opener returns an Opener producing clients over this log.
func (m *MemoryLog) Opener() Opener {
	return func(ctx context.Context) (Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.openErr != nil {
			return nil, m.openErr
		}
		return &memoryClient{log: m}, nil
	}
}

// Checkpoints returns a group offset store over this log.
func (m *MemoryLog) Checkpoints(group string) *MemoryCheckpoints {
	return &MemoryCheckpoints{log: m, group: group}
}

// MemoryCheckpoints stores committed offsets for one consumer group.
type MemoryCheckpoints struct {
	log   *MemoryLog
	group string
}

// Committed returns the committed next offsets for the given partitions.
// Partitions without a commit are absent from the result.
func (c *MemoryCheckpoints) Committed(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	stored := c.log.committed[c.group+"/"+topic]
	out := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		if off, ok := stored[p]; ok {
			out[p] = off
		}
	}
	return out, nil
}

// Commit records the next offsets to read.
func (c *MemoryCheckpoints) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	key := c.group + "/" + topic
	stored, ok := c.log.committed[key]
	if !ok {
		stored = make(map[int32]int64)
		c.log.committed[key] = stored
	}
	for p, off := range offsets {
		stored[p] = off
	}
	return nil
}

type memoryClient struct {
	log       *MemoryLog
	topic     string
	positions map[int32]int64
	order     []int32
	closed    bool
}

func (c *memoryClient) Partitions(ctx context.Context, topic string) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	parts, ok := c.log.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	ids := make([]int32, len(parts))
	for i := range parts {
		ids[i] = int32(i)
	}
	return ids, nil
}

func (c *memoryClient) Offsets(ctx context.Context, topic string, partitions []int32) (map[int32]OffsetRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	parts, ok := c.log.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	out := make(map[int32]OffsetRange, len(partitions))
	for _, p := range partitions {
		if p < 0 || int(p) >= len(parts) {
			return nil, fmt.Errorf("partition %d out of range for %s", p, topic)
		}
		out[p] = OffsetRange{Start: 0, End: int64(len(parts[p]))}
	}
	return out, nil
}

func (c *memoryClient) Assign(topic string, positions map[int32]Position) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	parts, ok := c.log.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	c.topic = topic
	c.positions = make(map[int32]int64, len(positions))
	c.order = c.order[:0]
	for p, pos := range positions {
		if p < 0 || int(p) >= len(parts) {
			return fmt.Errorf("partition %d out of range for %s", p, topic)
		}
		if pos.IsEarliest() {
			c.positions[p] = 0
		} else {
			c.positions[p] = pos.Offset()
		}
		c.order = append(c.order, p)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return nil
}

func (c *memoryClient) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.log.mu.Lock()
		if c.closed {
			c.log.mu.Unlock()
			return nil, ErrClosed
		}
		if c.log.pollErr != nil {
			err := c.log.pollErr
			c.log.mu.Unlock()
			return nil, err
		}
		records := c.drainLocked()
		wake := c.log.wake
		c.log.mu.Unlock()

		if len(records) > 0 {
			return records, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

// drainLocked copies pending records from every assigned partition.
func (c *memoryClient) drainLocked() []Record {
	parts := c.log.topics[c.topic]
	var out []Record
	for _, p := range c.order {
		next := c.positions[p]
		log := parts[p]
		for next < int64(len(log)) && len(out) < memoryPollBatch {
			out = append(out, log[next])
			next++
		}
		c.positions[p] = next
	}
	return out
}

func (c *memoryClient) Close() {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.closed = true
}
