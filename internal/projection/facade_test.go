package projection_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/event-projection-service/internal/decoder"
	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
	"github.com/PratikDhanave/event-projection-service/internal/models"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
	"github.com/PratikDhanave/event-projection-service/internal/store"
)

type fixedStatus struct {
	started, running, caughtUp bool
}

func (s fixedStatus) Started() bool  { return s.started }
func (s fixedStatus) Running() bool  { return s.running }
func (s fixedStatus) CaughtUp() bool { return s.caughtUp }

func TestFacadeNotReadyBeforeStartThenNotFound(t *testing.T) {
	log := eventlog.NewMemoryLog()
	log.CreateTopic(sensorTopic, 1)
	appendJSON(t, log, sensorTopic, 0, "S-1", models.SensorReading{SensorID: "S-1"})

	st := store.NewMemoryStore[models.SensorReading]()
	loop, err := projection.NewLoop(sensorConfig(log, st))
	require.NoError(t, err)
	facade := projection.NewFacade[models.SensorReading]("sensorreadings", st, loop, projection.GateStarted)
	ctx := context.Background()

	res, err := facade.Lookup(ctx, "S-1")
	require.NoError(t, err)
	assert.False(t, res.ServiceReady)
	assert.False(t, res.Found)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		loop.Stop()
		<-done
	})
	waitCaughtUp(t, loop)

	res, err = facade.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, res.ServiceReady)
	assert.False(t, res.Found)

	res, err = facade.Lookup(ctx, "S-1")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "S-1", res.Event.Payload.SensorID)
}

func TestFacadeGates(t *testing.T) {
	cases := []struct {
		name   string
		gate   projection.Gate
		status fixedStatus
		ready  bool
	}{
		{"started after failure", projection.GateStarted, fixedStatus{started: true}, true},
		{"started never", projection.GateStarted, fixedStatus{}, false},
		{"running", projection.GateRunning, fixedStatus{started: true, running: true}, true},
		{"running after stop", projection.GateRunning, fixedStatus{started: true}, false},
		{"caught up", projection.GateCaughtUp, fixedStatus{started: true, running: true, caughtUp: true}, true},
		{"still replaying", projection.GateCaughtUp, fixedStatus{started: true, running: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := projection.NewFacade[string]("gates", store.NewMemoryStore[string](), tc.status, tc.gate)
			assert.Equal(t, tc.ready, f.Ready())

			res, err := f.Lookup(context.Background(), "k")
			require.NoError(t, err)
			assert.Equal(t, tc.ready, res.ServiceReady)
		})
	}
}

func TestParseGate(t *testing.T) {
	g, err := projection.ParseGate("caught-up")
	require.NoError(t, err)
	assert.Equal(t, projection.GateCaughtUp, g)

	g, err = projection.ParseGate("")
	require.NoError(t, err)
	assert.Equal(t, projection.GateStarted, g)

	_, err = projection.ParseGate("eventually")
	assert.Error(t, err)
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, projection.Event[string]) error { return nil }
func (brokenStore) Get(context.Context, string) (projection.Event[string], error) {
	return projection.Event[string]{}, errors.New("connection reset")
}

func TestFacadeSurfacesStoreErrors(t *testing.T) {
	f := projection.NewFacade[string]("broken", brokenStore{}, fixedStatus{started: true}, projection.GateStarted)
	res, err := f.Lookup(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, res.ServiceReady)
	assert.False(t, res.Found)
}

type checkedReading struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`
	Sum string `json:"sum"`
}

func checksum(id string, seq int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", id, seq)))
	return hex.EncodeToString(h[:])
}

func TestConcurrentLookupsSeeWholeEvents(t *testing.T) {
	const (
		topic   = "CHECKED"
		keys    = 10
		writes  = 2000
		readers = 8
	)
	log := eventlog.NewMemoryLog()
	log.CreateTopic(topic, 2)

	st := store.NewMemoryStore[checkedReading]()
	loop := startLoop(t, projection.Config[checkedReading]{
		Name:   "checked",
		Topic:  topic,
		Open:   log.Opener(),
		Decode: decoder.JSON[checkedReading](nil),
		Store:  st,
	})
	require.Eventually(t, loop.Running, 5*time.Second, 5*time.Millisecond)
	facade := projection.NewFacade[checkedReading]("checked", st, loop, projection.GateStarted)

	var (
		stop    atomic.Bool
		bad     atomic.Int64
		lookups atomic.Int64
		wg      sync.WaitGroup
	)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := r; !stop.Load(); i++ {
				id := fmt.Sprintf("K-%d", i%keys)
				res, err := facade.Lookup(context.Background(), id)
				if err != nil {
					bad.Add(1)
					continue
				}
				lookups.Add(1)
				if !res.Found {
					continue
				}
				p := res.Event.Payload
				if p.ID != id || res.Event.Key != id || p.Sum != checksum(p.ID, p.Seq) {
					bad.Add(1)
				}
			}
		}(r)
	}

	for seq := 0; seq < writes; seq++ {
		id := fmt.Sprintf("K-%d", seq%keys)
		appendJSON(t, log, topic, int32(seq%keys%2), id, checkedReading{ID: id, Seq: seq, Sum: checksum(id, seq)})
	}

	require.Eventually(t, func() bool {
		for k := 0; k < keys; k++ {
			id := fmt.Sprintf("K-%d", k)
			ev, err := st.Get(context.Background(), id)
			if err != nil || ev.Payload.Seq != writes-keys+k {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	stop.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load())
	assert.Positive(t, lookups.Load())
}
