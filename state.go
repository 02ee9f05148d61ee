package circuit

import "sync/atomic"

// lifecycleState is the circuit's own position in spec.md §3's lifecycle:
// Created -> Finalized -> Started -> Running -> Stopping -> Stopped. It is
// a lock-free CAS state machine, generalized from the teacher's
// eventloop.FastState (atomic.Uint64 + CompareAndSwap transitions, no
// mutex on the hot path).
type lifecycleState uint32

const (
	stateCreated lifecycleState = iota
	stateFinalized
	stateStarted
	stateRunning
	stateStopping
	stateStopped
)

func (s lifecycleState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateFinalized:
		return "finalized"
	case stateStarted:
		return "started"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// atomicState wraps an atomic.Uint32 with typed Load/Store/TryTransition,
// mirroring eventloop.FastState's API one-for-one.
type atomicState struct {
	v atomic.Uint32
}

func newAtomicState(initial lifecycleState) *atomicState {
	s := &atomicState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *atomicState) Load() lifecycleState {
	return lifecycleState(s.v.Load())
}

func (s *atomicState) Store(state lifecycleState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts an atomic CAS from -> to, returning whether it
// succeeded.
func (s *atomicState) TryTransition(from, to lifecycleState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// AtLeast reports whether the current state is >= min in lifecycle order.
func (s *atomicState) AtLeast(min lifecycleState) bool {
	return s.Load() >= min
}
