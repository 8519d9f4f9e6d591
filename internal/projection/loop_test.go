package projection_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
	"github.com/PratikDhanave/event-projection-service/internal/models"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
	"github.com/PratikDhanave/event-projection-service/internal/store"
)

const sensorTopic = "SENSOR.READINGS"

func sensorConfig(log *eventlog.MemoryLog, st projection.Store[models.SensorReading]) projection.Config[models.SensorReading] {
	return projection.Config[models.SensorReading]{
		Name:   "sensorreadings",
		Topic:  sensorTopic,
		Open:   log.Opener(),
		Decode: models.DecodeSensorReading,
		Store:  st,
	}
}

func TestLoopLastWriteWins(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	appendJSON(t, log, sensorTopic, 0, "other", models.SensorReading{SensorID: "other"})
	for _, payload := range []string{"A", "B", "C"} {
		appendJSON(t, log, sensorTopic, 0, "K", models.SensorReading{SensorID: "K", SensorTime: payload})
	}

	st := store.NewMemoryStore[models.SensorReading]()
	loop := startLoop(t, sensorConfig(log, st))
	waitCaughtUp(t, loop)

	ev, err := st.Get(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, "C", ev.Payload.SensorTime)
	assert.EqualValues(t, 3, ev.Offset)
	assert.Equal(t, sensorTopic, ev.Topic)
	assert.Equal(t, "K", ev.Key)
}

func TestLoopReplayIsIdempotent(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 3)
	for i := 0; i < 90; i++ {
		id := fmt.Sprintf("S-%d", i%7)
		part := int32(i % 7 % 3)
		appendJSON(t, log, sensorTopic, part, id, models.SensorReading{SensorID: id, Humidity: i})
	}

	first := store.NewMemoryStore[models.SensorReading]()
	second := store.NewMemoryStore[models.SensorReading]()

	a := startLoop(t, sensorConfig(log, first))
	waitCaughtUp(t, a)
	b := startLoop(t, sensorConfig(log, second))
	waitCaughtUp(t, b)

	require.Len(t, first.Snapshot(), 7)
	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestLoopDropsUndecodableRecords(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("S-%d", i)
		appendJSON(t, log, sensorTopic, 0, id, models.SensorReading{SensorID: id})
		if i == 2 {
			_, err := log.Append(sensorTopic, 0, []byte("bad"), []byte(`{"sensorid":`))
			require.NoError(t, err)
			_, err = log.Append(sensorTopic, 0, []byte("empty"), nil)
			require.NoError(t, err)
		}
	}

	st := store.NewMemoryStore[models.SensorReading]()
	loop := startLoop(t, sensorConfig(log, st))
	waitCaughtUp(t, loop)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, loop.Running())

	appendJSON(t, log, sensorTopic, 0, "S-9", models.SensorReading{SensorID: "S-9"})
	require.Eventually(t, func() bool {
		_, err := st.Get(context.Background(), "S-9")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLoopBadgeInsKeyedByDoor(t *testing.T) {
	const topic = "DOOR.BADGEIN"
	log := eventlog.NewMemoryLog()
	log.CreateTopic(topic, 1)
	appendJSON(t, log, topic, 0, "1", models.DoorBadgeIn{RecordID: "1", Door: "A", BadgeTime: "10"})
	appendJSON(t, log, topic, 0, "2", models.DoorBadgeIn{RecordID: "2", Door: "B", BadgeTime: "11"})
	appendJSON(t, log, topic, 0, "3", models.DoorBadgeIn{RecordID: "3", Door: "A", BadgeTime: "12"})

	st := store.NewMemoryStore[models.DoorBadgeIn]()
	loop := startLoop(t, projection.Config[models.DoorBadgeIn]{
		Name:   "badgeins",
		Topic:  topic,
		Open:   log.Opener(),
		Decode: models.DecodeDoorBadgeIn,
		Key:    models.DoorBadgeInKey,
		Store:  st,
	})
	waitCaughtUp(t, loop)

	facade := projection.NewFacade[models.DoorBadgeIn]("badgeins", st, loop, projection.GateStarted)
	ctx := context.Background()

	a, err := facade.Lookup(ctx, "A")
	require.NoError(t, err)
	require.True(t, a.Found)
	assert.Equal(t, "A", a.Event.Payload.Door)
	assert.Equal(t, "12", a.Event.Payload.BadgeTime)

	b, err := facade.Lookup(ctx, "B")
	require.NoError(t, err)
	require.True(t, b.Found)
	assert.Equal(t, "11", b.Event.Payload.BadgeTime)

	c, err := facade.Lookup(ctx, "C")
	require.NoError(t, err)
	assert.True(t, c.ServiceReady)
	assert.False(t, c.Found)
}

func TestLoopResumesFromCommittedOffsets(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("S-%d", i)
		appendJSON(t, log, sensorTopic, 0, id, models.SensorReading{SensorID: id})
	}
	checkpoints := log.Checkpoints("projection-service")
	ctx := context.Background()
	require.NoError(t, checkpoints.Commit(ctx, sensorTopic, map[int32]int64{0: 2}))

	st := store.NewMemoryStore[models.SensorReading]()
	cfg := sensorConfig(log, st)
	cfg.Policy = projection.ResumeFromCommitted
	cfg.Checkpointer = checkpoints
	loop := startLoop(t, cfg)
	waitCaughtUp(t, loop)

	_, err := st.Get(ctx, "S-0")
	assert.ErrorIs(t, err, projection.ErrNotFound)
	_, err = st.Get(ctx, "S-3")
	assert.NoError(t, err)

	committed, err := checkpoints.Committed(ctx, sensorTopic, []int32{0})
	require.NoError(t, err)
	assert.EqualValues(t, 4, committed[0])
}

func TestNewLoopRequiresCheckpointerForResume(t *testing.T) {
	log := eventlog.NewMemoryLog()
	cfg := sensorConfig(log, store.NewMemoryStore[models.SensorReading]())
	cfg.Policy = projection.ResumeFromCommitted

	_, err := projection.NewLoop(cfg)
	require.Error(t, err)
}

func TestLoopStopBeforeStart(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	loop, err := projection.NewLoop(sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))
	require.NoError(t, err)

	loop.Stop()
	loop.Stop()
	assert.Equal(t, projection.StateStopped, loop.State())

	require.NoError(t, loop.Run(context.Background()))
	assert.False(t, loop.Running())
	assert.False(t, loop.Started())
}

func TestLoopStopWhileRunning(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 2)
	loop := startLoop(t, sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))
	require.Eventually(t, loop.Running, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, projection.StateRunning, loop.State())

	loop.Stop()
	assert.False(t, loop.Running())

	require.NoError(t, loop.wait(t))
	assert.Equal(t, projection.StateStopped, loop.State())
	assert.True(t, loop.Started())
}

func TestLoopContextCancelStops(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	loop, err := projection.NewLoop(sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	require.Eventually(t, loop.Running, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Equal(t, projection.StateStopped, loop.State())
	assert.False(t, loop.Running())
}

func TestLoopRejectsSecondRun(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	loop := startLoop(t, sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))
	require.Eventually(t, loop.Running, 5*time.Second, 5*time.Millisecond)

	err := loop.Run(context.Background())
	assert.ErrorIs(t, err, projection.ErrInvalidTransition)
	assert.True(t, loop.Running())
}

func TestLoopPollFailureIsFatal(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	loop := startLoop(t, sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))
	require.Eventually(t, loop.Running, 5*time.Second, 5*time.Millisecond)

	log.SetPollError(errors.New("broker unreachable"))

	err := loop.wait(t)
	assert.ErrorIs(t, err, projection.ErrTransport)
	assert.Equal(t, projection.StateFailed, loop.State())
	assert.False(t, loop.Running())
	assert.True(t, loop.Started())
}

func TestLoopOpenFailureIsFatal(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.SetOpenError(errors.New("connection refused"))
	loop := startLoop(t, sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))

	err := loop.wait(t)
	assert.ErrorIs(t, err, projection.ErrTransport)
	assert.Equal(t, projection.StateFailed, loop.State())
	assert.False(t, loop.Started())
}

func TestLoopUnknownTopicIsFatal(t *testing.T) {
	log := eventlog.NewMemoryLog()
	loop := startLoop(t, sensorConfig(log, store.NewMemoryStore[models.SensorReading]()))

	err := loop.wait(t)
	assert.ErrorIs(t, err, projection.ErrTransport)
	assert.ErrorIs(t, err, eventlog.ErrUnknownTopic)
	assert.Equal(t, projection.StateFailed, loop.State())
}

type failingStore[T any] struct {
	*store.MemoryStore[T]
	err error
}

func (f failingStore[T]) Put(context.Context, string, projection.Event[T]) error {
	return f.err
}

func TestLoopStoreFailureIsFatal(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	appendJSON(t, log, sensorTopic, 0, "S-1", models.SensorReading{SensorID: "S-1"})

	st := failingStore[models.SensorReading]{
		MemoryStore: store.NewMemoryStore[models.SensorReading](),
		err:         errors.New("database unavailable"),
	}
	loop := startLoop(t, sensorConfig(log, st))

	err := loop.wait(t)
	assert.ErrorIs(t, err, projection.ErrBackingStore)
	assert.Equal(t, projection.StateFailed, loop.State())
	assert.False(t, loop.Running())
}

// restoringStore reports restored only after release is closed.
type restoringStore[T any] struct {
	*store.MemoryStore[T]
	release  chan struct{}
	err      error
	restored atomic.Bool
}

func (r *restoringStore[T]) Restore(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	select {
	case <-r.release:
		r.restored.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *restoringStore[T]) Restored() bool { return r.restored.Load() }

func TestLoopCaughtUpWaitsForRestore(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)

	st := &restoringStore[models.SensorReading]{
		MemoryStore: store.NewMemoryStore[models.SensorReading](),
		release:     make(chan struct{}),
	}
	loop := startLoop(t, sensorConfig(log, st))
	require.Eventually(t, loop.Running, 5*time.Second, 5*time.Millisecond)

	time.Sleep(3 * testPollTimeout)
	assert.False(t, loop.CaughtUp())

	close(st.release)
	waitCaughtUp(t, loop)
}

func TestLoopRestoreFailureIsFatal(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)

	st := &restoringStore[models.SensorReading]{
		MemoryStore: store.NewMemoryStore[models.SensorReading](),
		err:         errors.New("changelog unavailable"),
	}
	loop := startLoop(t, sensorConfig(log, st))

	err := loop.wait(t)
	assert.ErrorIs(t, err, projection.ErrBackingStore)
	assert.Equal(t, projection.StateFailed, loop.State())
}
