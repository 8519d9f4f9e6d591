package projection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

const testPollTimeout = 50 * time.Millisecond

func appendJSON(t *testing.T, log *eventlog.MemoryLog, topic string, partition int32, key string, v any) int64 {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	off, err := log.Append(topic, partition, []byte(key), b)
	require.NoError(t, err)
	return off
}

// runningLoop is a loop started in the background.
type runningLoop[T any] struct {
	*projection.Loop[T]
	done chan struct{}
	err  error
}

func startLoop[T any](t *testing.T, cfg projection.Config[T]) *runningLoop[T] {
	t.Helper()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = testPollTimeout
	}
	loop, err := projection.NewLoop(cfg)
	require.NoError(t, err)

	r := &runningLoop[T]{Loop: loop, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = loop.Run(context.Background())
	}()
	t.Cleanup(func() {
		loop.Stop()
		<-r.done
	})
	return r
}

// wait returns the Run result, failing the test if the loop does not exit.
func (r *runningLoop[T]) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
		return nil
	}
}

func waitCaughtUp(t *testing.T, s projection.Status) {
	t.Helper()
	require.Eventually(t, s.CaughtUp, 5*time.Second, 5*time.Millisecond, "loop never caught up")
}
