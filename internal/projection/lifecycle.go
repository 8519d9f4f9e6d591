package projection

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/statekit"
)

// State names a loop lifecycle state.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
	StateFailed     State = "FAILED"
)

const (
	eventStart   statekit.EventType = "START"
	eventReady   statekit.EventType = "READY"
	eventStop    statekit.EventType = "STOP"
	eventStopped statekit.EventType = "STOPPED"
	eventFail    statekit.EventType = "FAIL"
)

type lifecycleContext struct{}

// lifecycle serializes access to the statekit interpreter; Stop may be
// called from any goroutine while the loop goroutine advances the state.
type lifecycle struct {
	mu     sync.Mutex
	interp *statekit.Interpreter[lifecycleContext]
}

func newLifecycle(name string) (*lifecycle, error) {
	id := func(s State) statekit.StateID { return statekit.StateID(s) }

	machine, err := statekit.NewMachine[lifecycleContext]("loop-" + name).
		WithInitial(id(StateNotStarted)).
		State(id(StateNotStarted)).
		On(eventStart).Target(id(StateStarting)).
		On(eventStop).Target(id(StateStopped)).
		Done().
		State(id(StateStarting)).
		On(eventReady).Target(id(StateRunning)).
		On(eventStop).Target(id(StateStopping)).
		On(eventFail).Target(id(StateFailed)).
		Done().
		State(id(StateRunning)).
		On(eventStop).Target(id(StateStopping)).
		On(eventFail).Target(id(StateFailed)).
		Done().
		State(id(StateStopping)).
		On(eventStopped).Target(id(StateStopped)).
		On(eventFail).Target(id(StateFailed)).
		Done().
		State(id(StateStopped)).
		Final().
		Done().
		State(id(StateFailed)).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build loop state machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &lifecycle{interp: interp}, nil
}

func (c *lifecycle) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.interp.State().Value)
}

// send applies evt and fails when the current state does not accept it.
// onEnter, if set, runs under the lock after a successful transition.
func (c *lifecycle) send(evt statekit.EventType, onEnter func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.interp.State().Value
	c.interp.Send(statekit.Event{Type: evt})
	if c.interp.State().Value == before {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, evt, before)
	}
	if onEnter != nil {
		onEnter()
	}
	return nil
}

// requestStop moves NOT_STARTED to STOPPED and STARTING or RUNNING to
// STOPPING. Other states are left alone. onStop always runs under the lock.
func (c *lifecycle) requestStop(onStop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch State(c.interp.State().Value) {
	case StateNotStarted, StateStarting, StateRunning:
		c.interp.Send(statekit.Event{Type: eventStop})
	}
	if onStop != nil {
		onStop()
	}
}
