package eventhandler

import (
	"crypto/tls"
	"time"
)

// worker is one OS thread's event loop (spec §2 "Worker loop", §5
// "Worker. One OS thread owning one selector and a disjoint set of
// connections"). Everything here except guardedData/writeStatus/wakeup
// is owned exclusively by the goroutine running run(); no other
// goroutine touches sel, reg, readBuf, or pendingAccepts.
type worker struct {
	id     int
	shared *handlerShared

	sel *selector
	reg *registry
	gd  *guardedData
	wk  *wakeup

	listenerHandle Handle
	listenerTLS    *tls.Config

	readBuf []byte // worker-owned scratch for non-TLS reads and TLS ciphertext reads

	housekeeperLast time.Time

	// pendingAccepts holds ReadWrite records produced by this worker's
	// own accept loop during the current iteration's dispatch, promoted
	// into the registry at the start of the next iteration (spec §4.4.1
	// "promoted to the main registry next iteration's step 2").
	pendingAccepts []*rwRecord

	events [maxEvents]selEvent
}

func newWorker(id int, shared *handlerShared) (*worker, error) {
	sel, err := newSelector()
	if err != nil {
		return nil, err
	}
	wk, err := newWakeup()
	if err != nil {
		_ = sel.close()
		return nil, err
	}
	return &worker{
		id:             id,
		shared:         shared,
		sel:            sel,
		reg:            newRegistry(shared.cfg.maxHandleNumericValue),
		gd:             newGuardedData(),
		wk:             wk,
		listenerHandle: -1,
		readBuf:        make([]byte, shared.cfg.readBufferSize),
	}, nil
}

// ID returns the worker's thread id, exposed to callbacks and
// ConnectionData.Tid (spec supplement, see SPEC_FULL.md).
func (w *worker) ID() int { return w.id }

// addConnection is the cross-thread entry point used by
// Handler.AddHandle to hand a client-originated connection to its
// chosen worker.
func (w *worker) addConnection(rec *rwRecord) {
	w.gd.addConnection(rec)
	w.wk.signal()
}

// enqueueWrite is the cross-thread entry point ConnectionData.Write
// uses to notify the owning worker that a connection now has buffered
// output (spec §4.4.3 step 3).
func (w *worker) enqueueWrite(id ConnID) {
	w.gd.enqueueWrite(id)
	w.wk.signal()
}

// notifyTLSReady is the cross-goroutine entry point a connection's TLS
// pump uses to hand plaintext (or a terminal error) to the worker.
func (w *worker) notifyTLSReady(id ConnID) {
	w.gd.enqueueTLSReady(id)
	w.wk.signal()
}

func (w *worker) logger() Logger { return w.shared.cfg.logger }

// run is the worker's top-level entry point (spec §4.5 "worker thread
// spawns a nested run task"). Per-event panic isolation is implemented
// with plain defer/recover around each callback invocation rather than
// an actual goroutine respawn: recover() already bounds a panic to the
// frame that triggered it and lets the same for-loop continue to the
// next event, which gives the identical externally observable
// behavior the spec describes (on_panic fires once, the rest of the
// batch still runs) without the complexity of tearing down and
// relaunching a goroutine mid-batch.
func (w *worker) run() {
	defer func() {
		_ = w.sel.close()
		_ = w.wk.close()
		if w.shared.exitedWorkers.Add(1) >= int32(w.shared.threads) {
			w.shared.state.store(stateStopped)
		}
		w.shared.wg.Done()
	}()

	// The wakeup pipe's read end lives in the selector for the worker's
	// whole life: a foreign signal() that lands after the worker has
	// committed to blocking unblocks the wait via this registration
	// (spec §4.1 contract).
	if err := w.sel.registerRead(w.wk.readFD); err != nil {
		logError(w.logger(), "setup", w.id, ConnID{}, "register wakeup pipe", err)
		return
	}

	if w.listenerHandle.Valid() {
		lrec := &listenerRecord{handles: []Handle{w.listenerHandle}, tlsConfig: w.listenerTLS}
		w.reg.insertListener(w.listenerHandle, newListenerConnRecord(lrec))
		if err := w.sel.registerRead(w.listenerHandle); err != nil {
			logError(w.logger(), "setup", w.id, ConnID{}, "register listener", err)
			return
		}
	}
	w.housekeeperLast = time.Now()

	for {
		if w.iterate() {
			return
		}
	}
}

// iterate runs one full pass of the loop described in spec §4.4,
// returning true once the worker should exit.
func (w *worker) iterate() bool {
	adds, writes, tlsReady, stopReq := w.gd.drain()
	if stopReq {
		return true
	}

	allAdds := append(w.pendingAccepts, adds...)
	w.pendingAccepts = nil
	for _, rec := range allAdds {
		w.admitReadWrite(rec)
	}

	for _, id := range writes {
		w.processWriteNotification(id)
	}

	for _, id := range tlsReady {
		w.processTLSReady(id)
	}

	alreadyRequested, release := w.wk.preBlock()
	timeout := w.computeTimeout(alreadyRequested)
	n, err := w.sel.wait(timeout, w.events[:])
	release()
	w.wk.postBlock()
	if err != nil {
		logError(w.logger(), "selector", w.id, ConnID{}, "selector wait failed", err)
		n = 0
	}

	now := time.Now()
	if now.Sub(w.housekeeperLast) >= w.shared.cfg.housekeeperFrequency {
		w.housekeeperLast = now
		w.safeHousekeep()
	}

	w.reg.drainInterest()

	for i := 0; i < n; i++ {
		w.dispatchEventSafe(w.events[i])
	}

	for _, h := range w.reg.saturatingHandles() {
		w.reg.clearSaturating(h)
		w.dispatchEventSafe(selEvent{handle: h, kind: eventRead})
	}

	return false
}

// computeTimeout implements spec §4.2's timeout discipline.
func (w *worker) computeTimeout(alreadyRequested bool) int {
	if alreadyRequested || len(w.reg.saturatingHandles()) > 0 {
		return 0
	}
	return int(w.shared.cfg.housekeeperFrequency / time.Millisecond)
}

// admitReadWrite is spec §4.4 step 2.
func (w *worker) admitReadWrite(rec *rwRecord) {
	cr := newRWConnRecord(rec)
	w.reg.insertRW(rec, cr)
	if rec.ctx == nil {
		rec.ctx = &ConnContext{}
	}
	w.reg.queueInterest(rec.handle, interestRead)
	if err := w.sel.registerRead(rec.handle); err != nil {
		logWarn(w.logger(), "accept", w.id, rec.id, "register read interest", err)
	}
	if rec.tls != nil {
		// A client-side handshake may already have queued its first
		// flight before this record reached the registry; collect it now
		// rather than waiting for the next pump notification.
		w.processTLSReady(rec.id)
	}
}

// processWriteNotification is spec §4.4 step 3.
func (w *worker) processWriteNotification(id ConnID) {
	h, ok := w.reg.handleForID(id)
	if !ok {
		logDebug(w.logger(), "write", w.id, id, "handle not found for write notification")
		return
	}
	cr, ok := w.reg.byHandleLookup(h)
	if !ok {
		return
	}
	rw, err := cr.asRW()
	if err != nil {
		return
	}

	if rw.ws.takeAsyncComplete() {
		w.invokeOnRead(rw, nil, true)
	}

	w.reg.queueInterest(h, interestWrite)
	if err := w.sel.registerWrite(h); err != nil {
		logWarn(w.logger(), "write", w.id, id, "register write interest", err)
	}
}

// processTLSReady delivers plaintext chunks (or a terminal record
// error) accumulated by a connection's TLS pump goroutine.
func (w *worker) processTLSReady(id ConnID) {
	h, ok := w.reg.handleForID(id)
	if !ok {
		return
	}
	cr, ok := w.reg.byHandleLookup(h)
	if !ok {
		return
	}
	rw, err := cr.asRW()
	if err != nil || rw.tls == nil {
		return
	}

	cd := w.connectionDataFor(rw)
	if err := rw.tls.flushOutbound(cd); err != nil && err != ErrConnectionClosed {
		logWarn(w.logger(), "tls", w.id, rw.id, "flush tls output", err)
		w.closeConnection(rw.id, h, true)
		return
	}

	chunks, tlsErr := rw.tls.takeReady()
	for _, chunk := range chunks {
		w.invokeOnRead(rw, chunk, false)
	}
	if tlsErr != nil {
		logWarn(w.logger(), "tls", w.id, rw.id, "tls record error", tlsErr)
		w.closeConnection(rw.id, h, true)
	}
}

func (w *worker) connectionDataFor(rw *rwRecord) *ConnectionData {
	return &ConnectionData{
		id:           rw.id,
		handle:       rw.handle,
		acceptHandle: rw.acceptHandle,
		tid:          rw.tid,
		ws:           rw.ws,
		tls:          rw.tls,
		ctx:          rw.ctx,
		worker:       w,
	}
}

func (w *worker) invokeOnRead(rw *rwRecord, data []byte, asyncComplete bool) {
	rw.ctx.IsAsyncComplete = asyncComplete
	cd := w.connectionDataFor(rw)
	cb := w.shared.cfg.callbacks.OnRead
	w.safeCall("read", rw.id, func() {
		w.logCallbackError("read", rw.id, cb(cd, data, rw.ctx, w.shared.cfg.userData))
	})
	rw.ctx.IsAsyncComplete = false
}

// dispatchEventSafe wraps dispatchEvent with panic recovery so a
// callback panic for one event never prevents dispatch of the rest of
// the batch (spec §4.5, §8 invariant 5).
func (w *worker) dispatchEventSafe(ev selEvent) {
	defer w.recoverPanic("dispatch", w.connIDForHandle(ev.handle))
	w.dispatchEvent(ev)
}

func (w *worker) connIDForHandle(h Handle) ConnID {
	id, _ := w.reg.idForHandle(h)
	return id
}

func (w *worker) dispatchEvent(ev selEvent) {
	if ev.handle == w.wk.readFD {
		if ev.kind == eventRead {
			w.wk.drain()
		}
		return
	}

	cr, ok := w.reg.byHandleLookup(ev.handle)
	if !ok {
		// HandleNotFoundError, intentionally swallowed (spec §7): a race
		// between a foreign close and an already-queued event.
		logDebug(w.logger(), "dispatch", w.id, ConnID{}, "handle not found, dropping event")
		return
	}

	switch cr.kind {
	case connListener:
		if ev.kind == eventRead {
			w.acceptLoop(ev.handle, cr.listener)
		}
	case connReadWrite:
		rw, err := cr.asRW()
		if err != nil {
			return
		}
		switch ev.kind {
		case eventRead:
			w.handleReadEvent(rw)
		case eventWrite:
			w.handleWriteEvent(rw)
		case eventError:
			// The selector observed hangup, but on epoll/kqueue the
			// descriptor itself still needs close(2); registry removal in
			// closeConnection guarantees this runs at most once per
			// connection, so passing true here cannot double-close.
			w.closeConnection(rw.id, rw.handle, true)
		}
	}
}

// acceptLoop is spec §4.4.1.
func (w *worker) acceptLoop(listener Handle, lrec *listenerRecord) {
	for {
		nfd, err := acceptOne(listener)
		if err != nil {
			if isEAGAIN(err) {
				return
			}
			logWarn(w.logger(), "accept", w.id, ConnID{}, "accept failed", err)
			return
		}
		w.admitAccepted(nfd, listener, lrec)
	}
}

func (w *worker) admitAccepted(nfd Handle, listener Handle, lrec *listenerRecord) {
	for {
		cur := w.shared.curConnections.Load()
		if cur >= int64(w.shared.cfg.maxRWHandles) {
			_ = closeFD(nfd)
			return
		}
		if w.shared.curConnections.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	if int(nfd) >= w.shared.cfg.maxHandleNumericValue {
		_ = closeFD(nfd)
		w.shared.curConnections.Add(-1)
		return
	}

	if err := finishAcceptSetup(nfd); err != nil {
		_ = closeFD(nfd)
		w.shared.curConnections.Add(-1)
		logWarn(w.logger(), "accept", w.id, ConnID{}, "configure accepted socket", err)
		return
	}

	id, err := newConnID()
	if err != nil {
		_ = closeFD(nfd)
		w.shared.curConnections.Add(-1)
		logError(w.logger(), "accept", w.id, ConnID{}, "generate connection id", err)
		return
	}

	var adapter *tlsAdapter
	if lrec.tlsConfig != nil {
		adapter = newTLSAdapter(true, lrec.tlsConfig, id, w.shared.cfg.readBufferSize, w.notifyTLSReady)
	}

	rw := &rwRecord{
		id:           id,
		handle:       nfd,
		acceptHandle: listener,
		tid:          w.id,
		tls:          adapter,
		ws:           newWriteStatus(),
		ctx:          &ConnContext{},
	}
	w.pendingAccepts = append(w.pendingAccepts, rw)

	cd := w.connectionDataFor(rw)
	cb := w.shared.cfg.callbacks.OnAccept
	w.safeCall("accept", id, func() {
		w.logCallbackError("accept", id, cb(cd, rw.ctx, w.shared.cfg.userData))
	})
}

// handleReadEvent is spec §4.4.2.
func (w *worker) handleReadEvent(rw *rwRecord) {
	for round := 0; round < saturationLimit; round++ {
		n, err := readFD(rw.handle, w.readBuf)
		if err != nil {
			if isEAGAIN(err) {
				return
			}
			w.closeConnection(rw.id, rw.handle, true)
			return
		}
		if n <= 0 {
			w.closeConnection(rw.id, rw.handle, true)
			return
		}

		if rw.tls != nil {
			rw.tls.feed(w.readBuf[:n])
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, w.readBuf[:n])
		w.invokeOnRead(rw, chunk, false)
	}

	// Five consecutive successful reads: defer the rest of this
	// connection's data to the saturation pass so other connections get
	// a turn this round (spec §4.4.2, GLOSSARY "Saturating handle").
	w.reg.markSaturating(rw.handle)
}

// handleWriteEvent is the worker-side half of spec §4.4.3.
func (w *worker) handleWriteEvent(rw *rwRecord) {
	drained, shouldClose, err := rw.ws.drainPending(rw.handle)
	if err != nil {
		w.closeConnection(rw.id, rw.handle, true)
		return
	}
	if !drained {
		return
	}
	if shouldClose {
		w.closeConnection(rw.id, rw.handle, true)
		return
	}
	if err := w.sel.registerRead(rw.handle); err != nil {
		logWarn(w.logger(), "write", w.id, rw.id, "re-arm read interest", err)
	}
}

// closeConnection is spec §4.4.4.
func (w *worker) closeConnection(id ConnID, handle Handle, closeHandle bool) {
	cr, ok := w.reg.byHandleLookup(handle)
	if !ok {
		return
	}
	rw, err := cr.asRW()
	if err != nil {
		return
	}

	w.reg.remove(handle)

	// Deregister before any OS close: the kernel recycles descriptor
	// numbers, and a stale entry in the selector's registered set would
	// turn the next registration of a reused number into a modify of a
	// descriptor the selector no longer watches.
	_ = w.sel.deregister(handle)

	rw.ws.markClosed()
	if rw.tls != nil {
		rw.tls.close()
	}

	// Decrementing cur_connections outside any per-connection lock
	// avoids coupling the global counter's lock order to write-status's
	// (spec §9 Open Question).
	w.shared.curConnections.Add(-1)

	if closeHandle {
		_ = closeFD(handle)
	}

	cd := w.connectionDataFor(rw)
	cb := w.shared.cfg.callbacks.OnClose
	w.safeCall("close", id, func() {
		w.logCallbackError("close", id, cb(cd, rw.ctx, w.shared.cfg.userData))
	})
}

func (w *worker) safeHousekeep() {
	cb := w.shared.cfg.callbacks.OnHousekeep
	if cb == nil {
		return
	}
	tid := w.id
	w.safeCall("housekeep", ConnID{}, func() {
		cb(w.shared.cfg.userData, tid)
	})
}
