// Package lifecycle implements the ordered state machine a device
// instance walks through across initialization, suspension, resume and
// teardown.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is one step in an instance's life. The init prefix is walked
// forward during construction and back, symmetrically, during
// teardown.
type State int32

const (
	Uninitialized State = iota
	SimpleInit
	BufferPoolsInit
	RequestQueueInit
	BioDataInit
	BioAckQueueInit
	CPUQueueInit
	Starting
	Running
	Suspended
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SimpleInit:
		return "simple-init"
	case BufferPoolsInit:
		return "buffer-pools-init"
	case RequestQueueInit:
		return "request-queue-init"
	case BioDataInit:
		return "bio-data-init"
	case BioAckQueueInit:
		return "bio-ack-queue-init"
	case CPUQueueInit:
		return "cpu-queue-init"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrBadState is wrapped by every rejected transition.
var ErrBadState = errors.New("bad lifecycle state")

// allowed lists the legal targets from each state. The ack-queue step
// may be skipped when the ack queue is disabled, so bio-data-init has
// two successors. Stop from running goes through a forced suspend, so
// running has no direct edge to stopping.
var allowed = map[State][]State{
	Uninitialized:    {SimpleInit},
	SimpleInit:       {BufferPoolsInit},
	BufferPoolsInit:  {RequestQueueInit},
	RequestQueueInit: {BioDataInit},
	BioDataInit:      {BioAckQueueInit, CPUQueueInit},
	BioAckQueueInit:  {CPUQueueInit},
	CPUQueueInit:     {Starting},
	Starting:         {Running},
	Running:          {Suspended},
	Suspended:        {Running, Stopping},
	Stopping:         {Stopped},
}

// Machine tracks the current state, the highest init state ever
// reached (the resume point for destructor cleanup), and whether
// allocations from non-worker threads are permitted. The state field
// is atomic so reads are lock-free; transitions serialize on a mutex.
type Machine struct {
	mu        sync.Mutex
	state     atomic.Int32
	highWater atomic.Int32

	// allocationsAllowed is true during construction and again during
	// teardown; it is cleared on entering the running state.
	allocationsAllowed atomic.Bool
}

// NewMachine creates a machine in the uninitialized state with
// allocations permitted.
func NewMachine() *Machine {
	m := &Machine{}
	m.allocationsAllowed.Store(true)
	return m
}

// Current returns the current state without locking.
func (m *Machine) Current() State {
	return State(m.state.Load())
}

// HighWater returns the highest init-prefix state ever reached.
func (m *Machine) HighWater() State {
	return State(m.highWater.Load())
}

// AllocationsAllowed reports whether allocations from non-worker
// threads are currently permitted.
func (m *Machine) AllocationsAllowed() bool {
	return m.allocationsAllowed.Load()
}

// IsRunning reports whether the machine is in the running state.
func (m *Machine) IsRunning() bool {
	return m.Current() == Running
}

// Transition moves to target if the transition table allows it. A
// rejected transition has no observable side effects.
func (m *Machine) Transition(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := State(m.state.Load())
	if !transitionAllowed(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrBadState, current, target)
	}

	m.state.Store(int32(target))
	if target <= CPUQueueInit && int32(target) > m.highWater.Load() {
		m.highWater.Store(int32(target))
	}

	switch target {
	case Running:
		m.allocationsAllowed.Store(false)
	case Stopping:
		m.allocationsAllowed.Store(true)
	}
	return nil
}

// ForceTeardown rewinds the state to a lower init level during
// destruction. It bypasses the forward transition table but still only
// ever moves backward within the init prefix.
func (m *Machine) ForceTeardown(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := State(m.state.Load())
	if target > CPUQueueInit || (current <= CPUQueueInit && target >= current) {
		return fmt.Errorf("%w: teardown %s -> %s", ErrBadState, current, target)
	}
	m.state.Store(int32(target))
	m.allocationsAllowed.Store(true)
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InitPrefix lists the init states from lowest to highest, for walking
// teardown symmetrically from the high-water mark.
func InitPrefix() []State {
	return []State{SimpleInit, BufferPoolsInit, RequestQueueInit, BioDataInit, BioAckQueueInit, CPUQueueInit}
}
