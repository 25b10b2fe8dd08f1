package eventhandler

import "sync"

// guardedData is a worker's inbox from foreign threads (spec §3
// GuardedData): new connections awaiting admission into the registry,
// connection ids with pending writes, and the stop flag. Every field is
// guarded by mu; the worker drains it once per loop iteration (spec
// §4.4 step 1).
type guardedData struct {
	mu sync.Mutex

	newConnections []*rwRecord
	writeQueue     []ConnID
	tlsReadyQueue  []ConnID
	stop           bool
}

func newGuardedData() *guardedData {
	return &guardedData{}
}

func (g *guardedData) addConnection(rec *rwRecord) {
	g.mu.Lock()
	g.newConnections = append(g.newConnections, rec)
	g.mu.Unlock()
}

func (g *guardedData) enqueueWrite(id ConnID) {
	g.mu.Lock()
	g.writeQueue = append(g.writeQueue, id)
	g.mu.Unlock()
}

func (g *guardedData) requestStop() {
	g.mu.Lock()
	g.stop = true
	g.mu.Unlock()
}

// enqueueTLSReady records that a connection's TLS pump goroutine has
// plaintext (or a terminal error) ready for the worker to collect; see
// tlsadapter.go's notify callback.
func (g *guardedData) enqueueTLSReady(id ConnID) {
	g.mu.Lock()
	g.tlsReadyQueue = append(g.tlsReadyQueue, id)
	g.mu.Unlock()
}

// drain moves the inbox contents out under a single lock acquisition
// and reports whether stop had been requested (spec §4.4 step 1).
func (g *guardedData) drain() (adds []*rwRecord, writes []ConnID, tlsReady []ConnID, stop bool) {
	g.mu.Lock()
	adds, g.newConnections = g.newConnections, nil
	writes, g.writeQueue = g.writeQueue, nil
	tlsReady, g.tlsReadyQueue = g.tlsReadyQueue, nil
	stop = g.stop
	g.mu.Unlock()
	return adds, writes, tlsReady, stop
}
