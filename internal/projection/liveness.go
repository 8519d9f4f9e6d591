package projection

import "sync/atomic"

// Status reports ingestion health to readiness probes and the facade.
type Status interface {
	// Started is sticky: true once a loop reached RUNNING.
	Started() bool
	Running() bool
	CaughtUp() bool
}

// Liveness is the per-loop health record. Written by the loop goroutine,
// read from anywhere.
type Liveness struct {
	started  atomic.Bool
	running  atomic.Bool
	caughtUp atomic.Bool
}

func (l *Liveness) Started() bool  { return l.started.Load() }
func (l *Liveness) Running() bool  { return l.running.Load() }
func (l *Liveness) CaughtUp() bool { return l.caughtUp.Load() }

func (l *Liveness) markRunning() {
	l.running.Store(true)
	l.started.Store(true)
}

func (l *Liveness) markStopped() {
	l.running.Store(false)
}

func (l *Liveness) markCaughtUp() {
	l.caughtUp.Store(true)
}
