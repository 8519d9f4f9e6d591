package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/event-projection-service/internal/decoder"
	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
	"github.com/PratikDhanave/event-projection-service/internal/metrics"
)

// DefaultPollTimeout bounds each poll and therefore how long Stop takes to be
// observed.
const DefaultPollTimeout = 2 * time.Second

// Config wires one projection's ingestion loop.
type Config[T any] struct {
	// Name identifies the projection in logs and metrics.
	Name  string
	Topic string
	Open  eventlog.Opener

	Decode decoder.Func[T]
	// Key defaults to ByRecordKey.
	Key   KeyFunc[T]
	Store Store[T]

	// Checkpointer is required for ResumeFromCommitted. When set, the loop
	// commits next offsets after every non-empty batch.
	Checkpointer Checkpointer
	Policy       StartPolicy
	PollTimeout  time.Duration

	Logger *slog.Logger
}

// Loop drives one projection: it reads every partition of a topic, decodes
// records and writes the latest event per key into the store. A Loop runs
// once; supervisors create a new one after a failure.
type Loop[T any] struct {
	cfg    Config[T]
	logger *slog.Logger
	live   Liveness
	lc     *lifecycle

	stopCh   chan struct{}
	stopOnce sync.Once

	restoring Restorer
}

// NewLoop validates cfg and returns a loop in NOT_STARTED.
func NewLoop[T any](cfg Config[T]) (*Loop[T], error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("projection name required")
	case cfg.Topic == "":
		return nil, errors.New("topic required")
	case cfg.Open == nil:
		return nil, errors.New("event log opener required")
	case cfg.Decode == nil:
		return nil, errors.New("decoder required")
	case cfg.Store == nil:
		return nil, errors.New("store required")
	case cfg.Policy == ResumeFromCommitted && cfg.Checkpointer == nil:
		return nil, errors.New("resume from committed offsets requires a checkpointer")
	}
	if cfg.Key == nil {
		cfg.Key = ByRecordKey[T]
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	lc, err := newLifecycle(cfg.Name)
	if err != nil {
		return nil, err
	}

	l := &Loop[T]{
		cfg: cfg,
		logger: cfg.Logger.With(
			"projection", cfg.Name,
			"topic", cfg.Topic,
			"loop_id", uuid.NewString(),
		),
		lc:     lc,
		stopCh: make(chan struct{}),
	}
	if r, ok := cfg.Store.(Restorer); ok {
		l.restoring = r
	}
	return l, nil
}

func (l *Loop[T]) Started() bool { return l.live.Started() }
func (l *Loop[T]) Running() bool { return l.live.Running() }

// CaughtUp reports whether the loop reached the end offsets recorded at
// startup and the store finished restoring, if it restores.
func (l *Loop[T]) CaughtUp() bool {
	if !l.live.CaughtUp() {
		return false
	}
	return l.restoring == nil || l.restoring.Restored()
}

// State returns the current lifecycle state.
func (l *Loop[T]) State() State {
	return l.lc.state()
}

// Stop asks the loop to finish. It never blocks, may be called any number of
// times and before Run. Running reads false as soon as Stop returns.
func (l *Loop[T]) Stop() {
	l.lc.requestStop(l.live.markStopped)
	l.stopOnce.Do(func() { close(l.stopCh) })
	metrics.SetFlag(metrics.Running, l.cfg.Name, false)
}

// Run executes the startup protocol and then polls until Stop, ctx
// cancellation or a fatal error. A clean stop returns nil. Transport and
// store failures end the loop in FAILED and are returned wrapped in
// ErrTransport or ErrBackingStore.
func (l *Loop[T]) Run(ctx context.Context) error {
	if err := l.lc.send(eventStart, nil); err != nil {
		if l.lc.state() == StateStopped {
			return nil
		}
		return err
	}
	defer func() {
		l.live.markStopped()
		metrics.SetFlag(metrics.Running, l.cfg.Name, false)
		metrics.SetFlag(metrics.CaughtUp, l.cfg.Name, false)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	client, err := l.cfg.Open(ctx)
	if err != nil {
		return l.finish(ctx, "open", fmt.Errorf("%w: open: %w", ErrTransport, err))
	}
	defer client.Close()

	pos, err := l.position(ctx, client)
	if err != nil {
		return l.finish(ctx, "position", err)
	}

	var restoreErr chan error
	if l.restoring != nil && !l.restoring.Restored() {
		restoreErr = make(chan error, 1)
		go func() { restoreErr <- l.restoring.Restore(ctx) }()
	}

	if err := l.lc.send(eventReady, l.live.markRunning); err != nil {
		// Stop won the race with positioning.
		return l.finish(ctx, "start", nil)
	}
	metrics.SetFlag(metrics.Running, l.cfg.Name, true)
	l.logger.Info("projection loop running",
		"policy", l.cfg.Policy.String(),
		"partitions", len(pos.next),
	)
	if pos.reachedEnd() {
		l.markCaughtUp()
	}

	for {
		if l.stopping(ctx) {
			return l.finish(ctx, "stop", nil)
		}
		select {
		case err := <-restoreErr:
			restoreErr = nil
			if err != nil {
				return l.finish(ctx, "restore", fmt.Errorf("%w: restore: %w", ErrBackingStore, err))
			}
			l.logger.Info("projection store restored")
			metrics.SetFlag(metrics.CaughtUp, l.cfg.Name, l.CaughtUp())
		default:
		}

		records, err := client.Poll(ctx, l.cfg.PollTimeout)
		if err != nil {
			return l.finish(ctx, "poll", fmt.Errorf("%w: poll: %w", ErrTransport, err))
		}
		if len(records) == 0 {
			l.markCaughtUp()
			continue
		}

		dirty := make(map[int32]int64)
		for _, rec := range records {
			if err := l.apply(ctx, rec); err != nil {
				return l.finish(ctx, "put", fmt.Errorf("%w: put %s/%d@%d: %w",
					ErrBackingStore, rec.Topic, rec.Partition, rec.Offset, err))
			}
			pos.next[rec.Partition] = rec.Offset + 1
			dirty[rec.Partition] = rec.Offset + 1
		}

		if l.cfg.Checkpointer != nil {
			if err := l.cfg.Checkpointer.Commit(ctx, l.cfg.Topic, dirty); err != nil {
				return l.finish(ctx, "commit", fmt.Errorf("%w: commit: %w", ErrBackingStore, err))
			}
		}
		if pos.reachedEnd() {
			l.markCaughtUp()
		}
	}
}

// positions tracks the next offset per partition against the end offsets
// seen at startup.
type positions struct {
	next map[int32]int64
	end  map[int32]int64
}

func (p positions) reachedEnd() bool {
	for part, end := range p.end {
		if p.next[part] < end {
			return false
		}
	}
	return true
}

// position discovers partitions and seeks them according to the policy.
func (l *Loop[T]) position(ctx context.Context, client eventlog.Client) (positions, error) {
	topic := l.cfg.Topic

	parts, err := client.Partitions(ctx, topic)
	if err != nil {
		return positions{}, fmt.Errorf("%w: partitions: %w", ErrTransport, err)
	}
	if len(parts) == 0 {
		return positions{}, fmt.Errorf("%w: topic %s has no partitions", ErrTransport, topic)
	}

	ranges, err := client.Offsets(ctx, topic, parts)
	if err != nil {
		return positions{}, fmt.Errorf("%w: offsets: %w", ErrTransport, err)
	}

	var committed map[int32]int64
	if l.cfg.Policy == ResumeFromCommitted {
		committed, err = l.cfg.Checkpointer.Committed(ctx, topic, parts)
		if err != nil {
			return positions{}, fmt.Errorf("%w: committed offsets: %w", ErrBackingStore, err)
		}
	}

	pos := positions{
		next: make(map[int32]int64, len(parts)),
		end:  make(map[int32]int64, len(parts)),
	}
	seek := make(map[int32]eventlog.Position, len(parts))
	var backlog int64
	for _, p := range parts {
		r := ranges[p]
		pos.end[p] = r.End

		off, ok := committed[p]
		switch {
		case !ok:
			seek[p] = eventlog.Earliest()
			pos.next[p] = r.Start
		case off < r.Start:
			// Committed records were removed by retention.
			l.logger.Warn("committed offset below log start", "partition", p, "offset", off, "start", r.Start)
			seek[p] = eventlog.Earliest()
			pos.next[p] = r.Start
		default:
			seek[p] = eventlog.At(off)
			pos.next[p] = off
		}
		if r.End > pos.next[p] {
			backlog += r.End - pos.next[p]
		}
	}

	if err := client.Assign(topic, seek); err != nil {
		return positions{}, fmt.Errorf("%w: assign: %w", ErrTransport, err)
	}

	if l.cfg.Policy == FullReplay {
		l.logger.Info("replaying topic from earliest offsets", "records", backlog, "partitions", len(parts))
	} else {
		l.logger.Info("resuming from committed offsets", "records", backlog, "partitions", len(parts))
	}
	return pos, nil
}

// apply decodes one record and writes it. Only store failures are returned.
func (l *Loop[T]) apply(ctx context.Context, rec eventlog.Record) error {
	payload, err := l.cfg.Decode(rec.Value)
	if err != nil {
		l.logger.Debug("dropping undecodable record",
			"partition", rec.Partition, "offset", rec.Offset, "error", err)
		metrics.RecordsTotal.WithLabelValues(l.cfg.Name, "decode_error").Inc()
		return nil
	}

	key := l.cfg.Key(rec, payload)
	if key == "" {
		l.logger.Debug("dropping record without projection key",
			"partition", rec.Partition, "offset", rec.Offset)
		metrics.RecordsTotal.WithLabelValues(l.cfg.Name, "empty_key").Inc()
		return nil
	}

	ev := Event[T]{
		Key:       key,
		Payload:   payload,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
	start := time.Now()
	if err := l.cfg.Store.Put(ctx, key, ev); err != nil {
		return err
	}
	metrics.PutLatency.WithLabelValues(l.cfg.Name).Observe(time.Since(start).Seconds())
	metrics.RecordsTotal.WithLabelValues(l.cfg.Name, "applied").Inc()
	metrics.SetLastOffset(l.cfg.Name, rec.Partition, rec.Offset)
	return nil
}

func (l *Loop[T]) markCaughtUp() {
	if !l.live.CaughtUp() {
		l.live.markCaughtUp()
		l.logger.Info("projection caught up with log")
	}
	metrics.SetFlag(metrics.CaughtUp, l.cfg.Name, l.CaughtUp())
}

func (l *Loop[T]) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// finish moves the loop to its terminal state. Errors observed while a stop
// is in progress are the stop itself and end in STOPPED.
func (l *Loop[T]) finish(ctx context.Context, stage string, err error) error {
	if err == nil || l.stopping(ctx) {
		_ = l.lc.send(eventStop, nil)
		_ = l.lc.send(eventStopped, nil)
		l.logger.Info("projection loop stopped")
		return nil
	}

	_ = l.lc.send(eventFail, nil)
	metrics.ErrorsTotal.WithLabelValues(l.cfg.Name, stage).Inc()
	l.logger.Error("projection loop failed", "stage", stage, "error", err)
	return err
}
