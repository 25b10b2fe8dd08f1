package eventhandler

import "sync/atomic"

// handlerState is the lifecycle state of the Handler as a whole.
//
//	StateBuilt (0) -> StateRunning (1)  [Start]
//	StateRunning (1) -> StateStopping (2) [Stop]
//	StateStopping (2) -> StateStopped (3) [last worker exits]
type handlerState uint32

const (
	stateBuilt handlerState = iota
	stateRunning
	stateStopping
	stateStopped
)

// fastState is a lock-free CAS-based state cell, modeled on the
// teacher's state-machine type: no mutex, transitions are attempted via
// compare-and-swap and rejected silently if the current value doesn't
// match.
type fastState struct {
	v atomic.Uint32
}

func newFastState(initial handlerState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) load() handlerState {
	return handlerState(s.v.Load())
}

func (s *fastState) store(state handlerState) {
	s.v.Store(uint32(state))
}

func (s *fastState) tryTransition(from, to handlerState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
