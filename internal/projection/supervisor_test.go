package projection_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

func supervised(cfg projection.Config[models.SensorReading]) projection.Factory {
	return func() (projection.Runner, error) {
		l, err := projection.NewLoop(cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func TestSupervisorRecreatesFailedLoop(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	appendJSON(t, log, sensorTopic, 0, "S-1", models.SensorReading{SensorID: "S-1"})

	var opens atomic.Int32
	cfg := sensorConfig(log, store.NewMemoryStore[models.SensorReading]())
	cfg.PollTimeout = testPollTimeout
	cfg.Open = func(ctx context.Context) (eventlog.Client, error) {
		if opens.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return log.Opener()(ctx)
	}

	sup := projection.NewSupervisor(projection.SupervisorConfig{
		Name:         "sensorreadings",
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, supervised(cfg))

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	require.Eventually(t, sup.Running, 5*time.Second, 5*time.Millisecond)
	waitCaughtUp(t, sup)
	assert.True(t, sup.Started())
	assert.GreaterOrEqual(t, opens.Load(), int32(2))

	sup.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit")
	}
	assert.False(t, sup.Running())
}

func TestSupervisorGivesUp(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.SetOpenError(errors.New("connection refused"))
	cfg := sensorConfig(log, store.NewMemoryStore[models.SensorReading]())

	sup := projection.NewSupervisor(projection.SupervisorConfig{
		Name:         "sensorreadings",
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, supervised(cfg))

	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, projection.ErrTransport)
	assert.False(t, sup.Started())
	assert.False(t, sup.Running())
}

func TestSupervisorStopBeforeRun(t *testing.T) {
	log := eventlog.NewMemoryLog()
	cfg := sensorConfig(log, store.NewMemoryStore[models.SensorReading]())
	sup := projection.NewSupervisor(projection.SupervisorConfig{Name: "sensorreadings"}, supervised(cfg))

	sup.Stop()
	require.NoError(t, sup.Run(context.Background()))
	assert.False(t, sup.Started())
}

func TestSupervisorDoesNotRetryConfigErrors(t *testing.T) {
	var builds atomic.Int32
	sup := projection.NewSupervisor(projection.SupervisorConfig{
		Name:         "broken",
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, func() (projection.Runner, error) {
		builds.Add(1)
		return nil, errors.New("bad config")
	})

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, builds.Load())
}

// blipRunner reaches RUNNING, then either fails with a transport error or
// runs until stopped.
type blipRunner struct {
	fail    bool
	started atomic.Bool
	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newBlipRunner(fail bool) *blipRunner {
	return &blipRunner{fail: fail, stop: make(chan struct{})}
}

func (r *blipRunner) Started() bool  { return r.started.Load() }
func (r *blipRunner) Running() bool  { return r.running.Load() }
func (r *blipRunner) CaughtUp() bool { return r.running.Load() }

func (r *blipRunner) Run(ctx context.Context) error {
	r.started.Store(true)
	if r.fail {
		return fmt.Errorf("%w: broker connection reset", projection.ErrTransport)
	}
	r.running.Store(true)
	defer r.running.Store(false)
	select {
	case <-r.stop:
	case <-ctx.Done():
	}
	return nil
}

func (r *blipRunner) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func TestSupervisorBudgetCoversConsecutiveFailures(t *testing.T) {
	var builds atomic.Int32
	sup := projection.NewSupervisor(projection.SupervisorConfig{
		Name:         "blips",
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, func() (projection.Runner, error) {
		// Five loops fail after running; more than the attempt budget.
		return newBlipRunner(builds.Add(1) <= 5), nil
	})

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	require.Eventually(t, sup.Running, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 6, builds.Load())

	sup.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit")
	}
}
