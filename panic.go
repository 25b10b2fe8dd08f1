package eventhandler

import "fmt"

// recoverPanic is the tier-2 handler (spec §4.5, §7): any panic
// reaching here is logged, on_panic is invoked, and the panic is
// swallowed so the caller's for-loop continues to the next event. It
// must be called directly from a defer statement.
func (w *worker) recoverPanic(category string, id ConnID) {
	r := recover()
	if r == nil {
		return
	}
	logError(w.logger(), category, w.id, id, "recovered panic", fmt.Errorf("%v", r))
	if cb := w.shared.cfg.callbacks.OnPanic; cb != nil {
		func() {
			defer func() { recover() }() // on_panic itself must not be able to crash the worker
			cb()
		}()
	}
}

// safeCall invokes an application callback closure under panic
// recovery (tier 2). The closure is expected to report its own tier-1
// failure via logCallbackError before returning, if it has an error to
// report; safeCall only concerns itself with panics.
func (w *worker) safeCall(category string, id ConnID, fn func()) {
	defer w.recoverPanic(category, id)
	fn()
}

// logCallbackError reports a tier-1 callback failure (spec §7: "fails
// -> warn and continue").
func (w *worker) logCallbackError(category string, id ConnID, err error) {
	if err == nil {
		return
	}
	logWarn(w.logger(), category, w.id, id, "callback returned error", err)
}
