package eventhandler

import (
	"sync"
	"sync/atomic"
)

// wakeup is the cross-thread debouncing protocol described in spec §4.1:
// a self-pipe (or, on Windows, a loopback TCP pair) whose write end a
// foreign thread uses to break the owning worker out of a blocking
// selector wait.
//
// The needed/requested pair plus mu implement the no-lost-wakeup
// contract: signal() only pays for a syscall write when the worker has
// actually committed to blocking (needed == true), and the mutex
// totally orders that commitment against any signal() that races it, so
// a signal() arriving after preBlock begins is guaranteed to either see
// requested already true (and the worker skips blocking this round) or
// to land its byte on the pipe before the worker's postBlock.
type wakeup struct {
	readFD, writeFD Handle

	mu        sync.RWMutex
	needed    atomic.Bool
	requested atomic.Bool
}

func newWakeupFromFDs(readFD, writeFD Handle) *wakeup {
	return &wakeup{readFD: readFD, writeFD: writeFD}
}

// signal is the foreign-thread-facing call (spec: wakeup()). It is
// idempotent: any number of calls between one preBlock/postBlock pair
// produce at most one byte on the pipe.
func (w *wakeup) signal() {
	if w.requested.Swap(true) {
		// An earlier signal in this round already either wrote the byte
		// or was observed at preBlock; at most one byte per round.
		return
	}

	w.mu.RLock()
	needed := w.needed.Load()
	w.mu.RUnlock()

	if needed {
		_, _ = writeFD(w.writeFD, []byte{1})
	}
}

// preBlock is called by the owning worker immediately before the
// selector's wait. It returns whether a signal had already landed this
// round (in which case the worker should use a zero timeout instead of
// blocking) and a release function the worker must call once the wait
// returns (postBlock performs the actual flag reset; release only drops
// the read-lock window).
func (w *wakeup) preBlock() (alreadyRequested bool, release func()) {
	w.mu.Lock()
	alreadyRequested = w.requested.Load()
	w.needed.Store(true)
	w.mu.Unlock()

	w.mu.RLock()
	return alreadyRequested, func() { w.mu.RUnlock() }
}

// postBlock clears both flags after the selector's wait has returned.
func (w *wakeup) postBlock() {
	w.needed.Store(false)
	w.requested.Store(false)
}

// drain discards any bytes queued on the read end; called when the
// worker observes a read-ready event on its own wakeup handle. The byte
// is pure signal (spec §4.4.2): it never reaches on_read.
func (w *wakeup) drain() {
	var buf [64]byte
	for {
		n, err := readFD(w.readFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakeup) close() error {
	return closeWakeupFDs(w.readFD, w.writeFD)
}
