package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/PratikDhanave/event-projection-service/internal/metrics"
)

// Gate decides when a facade starts answering lookups.
type Gate int

const (
	// GateStarted answers once the loop has reached RUNNING at least once.
	GateStarted Gate = iota
	// GateRunning answers only while the loop is running.
	GateRunning
	// GateCaughtUp answers only while running and caught up.
	GateCaughtUp
)

// ParseGate accepts "started", "running" or "caught-up".
func ParseGate(s string) (Gate, error) {
	switch s {
	case "", "started":
		return GateStarted, nil
	case "running":
		return GateRunning, nil
	case "caught-up", "caughtup":
		return GateCaughtUp, nil
	default:
		return GateStarted, fmt.Errorf("unknown readiness gate: %s", s)
	}
}

// Result is the outcome of a lookup. ServiceReady false means the
// projection cannot answer yet; Found is then always false.
type Result[T any] struct {
	Event        Event[T]
	Found        bool
	ServiceReady bool
}

// Facade serves point lookups from a store, gated on ingestion status.
type Facade[T any] struct {
	name   string
	store  Store[T]
	status Status
	gate   Gate
}

func NewFacade[T any](name string, store Store[T], status Status, gate Gate) *Facade[T] {
	return &Facade[T]{name: name, store: store, status: status, gate: gate}
}

// Name returns the projection name.
func (f *Facade[T]) Name() string {
	return f.name
}

// Ready reports whether lookups are answered.
func (f *Facade[T]) Ready() bool {
	switch f.gate {
	case GateRunning:
		return f.status.Running()
	case GateCaughtUp:
		return f.status.Running() && f.status.CaughtUp()
	default:
		return f.status.Started()
	}
}

// Lookup never blocks on ingestion. A missing key is a Result with Found
// false, not an error; errors are backing store read failures.
func (f *Facade[T]) Lookup(ctx context.Context, key string) (Result[T], error) {
	if !f.Ready() {
		metrics.LookupsTotal.WithLabelValues(f.name, "not_ready").Inc()
		return Result[T]{}, nil
	}

	ev, err := f.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		metrics.LookupsTotal.WithLabelValues(f.name, "not_found").Inc()
		return Result[T]{ServiceReady: true}, nil
	}
	if err != nil {
		metrics.LookupsTotal.WithLabelValues(f.name, "error").Inc()
		return Result[T]{ServiceReady: true}, fmt.Errorf("lookup %s/%s: %w", f.name, key, err)
	}

	metrics.LookupsTotal.WithLabelValues(f.name, "found").Inc()
	return Result[T]{Event: ev, Found: true, ServiceReady: true}, nil
}
