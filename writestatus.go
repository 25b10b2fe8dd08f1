package eventhandler

import "sync"

// writeStatus is the per-connection write-buffer state machine (spec
// §3, §4.4.3): pending bytes plus a small flag set, guarded by a single
// mutex shared between the owning worker and any foreign goroutine that
// calls ConnectionData.Write/Close/AsyncComplete.
//
// Invariant (spec §3.5): if isPending is false, pending is empty.
type writeStatus struct {
	mu sync.Mutex

	pending []byte

	isPending       bool
	closeOnComplete bool
	isClosed        bool
	asyncComplete   bool
}

func newWriteStatus() *writeStatus {
	return &writeStatus{}
}

// drainPending is called by the worker on a Write-ready event (spec
// §4.4.3 "Worker-side Write event"). It performs non-blocking writes in
// a loop until either the pending buffer is empty, the OS reports
// EAGAIN, or a real error occurs.
//
// Returns (drained, shouldClose, err): drained is true once pending is
// fully flushed and isPending has been cleared; shouldClose is true if
// the caller should now run the close path (close-on-complete was set
// and the buffer is now empty); err is non-nil only for a genuine I/O
// failure (not EAGAIN).
func (ws *writeStatus) drainPending(h Handle) (drained bool, shouldClose bool, err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.isClosed {
		return true, false, nil
	}

	for len(ws.pending) > 0 {
		n, werr := writeFD(h, ws.pending)
		if werr != nil {
			if isEAGAIN(werr) {
				return false, false, nil
			}
			return false, false, &IOError{Op: "write", Cause: werr}
		}
		if n <= 0 {
			return false, false, nil
		}
		ws.pending = ws.pending[n:]
	}

	ws.pending = nil
	ws.isPending = false

	if ws.closeOnComplete {
		return true, true, nil
	}
	return true, false, nil
}

// takeAsyncComplete consumes and clears the asyncComplete flag, if the
// pending buffer is empty and the connection isn't closed (spec §4.4
// step 3).
func (ws *writeStatus) takeAsyncComplete() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.asyncComplete && len(ws.pending) == 0 && !ws.isPending && !ws.isClosed {
		ws.asyncComplete = false
		return true
	}
	return false
}

// markClosed sets isClosed and truncates the pending buffer (spec
// §4.4.4 step 3). Safe to call more than once.
func (ws *writeStatus) markClosed() {
	ws.mu.Lock()
	ws.isClosed = true
	ws.pending = nil
	ws.isPending = false
	ws.mu.Unlock()
}

func (ws *writeStatus) wantsClose() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closeOnComplete
}
