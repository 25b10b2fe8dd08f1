package eventhandler

import (
	"sync"
	"sync/atomic"

	"crypto/tls"
)

// Callbacks is the capability bundle passed to every worker at start
// time (spec §9 "Callbacks as capability bundle"): a single struct of
// function values rather than a global registry.
type Callbacks struct {
	// OnRead is invoked with the connection, a plaintext slice (TLS
	// already stripped if configured), the per-connection context, and
	// the handler's user data. A zero-length slice with
	// ctx.IsAsyncComplete set signals a completed asynchronous
	// operation rather than socket data. A returned error is tier 1
	// (spec §7): logged, the worker continues.
	OnRead func(conn *ConnectionData, data []byte, ctx *ConnContext, userData any) error

	// OnAccept is invoked once per newly admitted connection, before it
	// is registered for read interest. A returned error is tier 1.
	OnAccept func(conn *ConnectionData, ctx *ConnContext, userData any) error

	// OnClose is invoked exactly once per connection, after it has been
	// fully removed from the owning worker's registry. A returned error
	// is tier 1.
	OnClose func(conn *ConnectionData, ctx *ConnContext, userData any) error

	// OnPanic is invoked once per recovered panic, before the offending
	// event is skipped and the next event in the batch is dispatched.
	OnPanic func()

	// OnHousekeep is invoked at most once per housekeeper_frequency per
	// worker, with the worker's tid.
	OnHousekeep func(userData any, tid int)
}

// handlerShared is the process-wide state referenced by every worker:
// the admission counter, the worker-exit counter used to detect full
// shutdown, the resolved configuration, and the callback bundle (spec
// §5 "Shared resources").
type handlerShared struct {
	cfg *config

	curConnections atomic.Int64
	exitedWorkers  atomic.Int32
	threads        int

	state *fastState

	wg sync.WaitGroup
}

// Handler is the dispatch façade (spec §2, §6): construct with New,
// attach listener and/or client handles, then Start. Stop shuts every
// worker down.
type Handler struct {
	shared  *handlerShared
	workers []*worker

	mu      sync.Mutex
	started bool
}

// New constructs a Handler. Callbacks are supplied only via
// WithCallbacks; the returned Handler has no method to attach them
// later. Start validates that OnRead, OnAccept and OnClose are set.
func New(opts ...Option) (*Handler, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	shared := &handlerShared{
		cfg:     cfg,
		threads: cfg.threads,
		state:   newFastState(stateBuilt),
	}

	workers := make([]*worker, cfg.threads)
	for i := range workers {
		w, err := newWorker(i, shared)
		if err != nil {
			for _, prior := range workers[:i] {
				if prior != nil {
					_ = prior.sel.close()
					_ = prior.wk.close()
				}
			}
			return nil, err
		}
		workers[i] = w
	}

	return &Handler{shared: shared, workers: workers}, nil
}

// AddListenerHandles assigns one listener handle per worker (spec
// §6.3). len(handles) must equal the configured thread count. If
// tlsServer is non-nil, every connection accepted on any of these
// handles is TLS-terminated with it.
func (h *Handler) AddListenerHandles(handles []Handle, tlsServer *TLSServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return &ConfigurationError{Message: "cannot add listener handles after start"}
	}
	if len(handles) != h.shared.threads {
		return &ConfigurationError{Message: "listener handle count must equal threads"}
	}

	var tlsCfg *tls.Config
	if tlsServer != nil {
		cfg, err := tlsServer.toStdlib()
		if err != nil {
			return err
		}
		tlsCfg = cfg
	}

	for i, hd := range handles {
		if !hd.Valid() || int(hd) >= h.shared.cfg.maxHandleNumericValue {
			return ErrMaxHandlesExceeded
		}
		h.workers[i].listenerHandle = hd
		h.workers[i].listenerTLS = tlsCfg
	}
	return nil
}

// AddHandle admits a client-originated connection on the given worker
// (tid, or a value in [0,threads) chosen by the caller — spec §5
// "caller-specified tid or random % threads"). Admission enforces
// max_rwhandles and max_handle_numeric_value exactly as accept does.
func (h *Handler) AddHandle(hd Handle, tid int, tlsClient *TLSClientConfig) (*ConnectionData, error) {
	if tid < 0 || tid >= h.shared.threads {
		return nil, &ConfigurationError{Message: "tid out of range"}
	}
	if !hd.Valid() || int(hd) >= h.shared.cfg.maxHandleNumericValue {
		return nil, ErrMaxHandlesExceeded
	}

	for {
		cur := h.shared.curConnections.Load()
		if cur >= int64(h.shared.cfg.maxRWHandles) {
			return nil, ErrMaxHandlesExceeded
		}
		if h.shared.curConnections.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	if err := setNonblocking(hd); err != nil {
		h.shared.curConnections.Add(-1)
		return nil, &IOError{Op: "set non-blocking", Cause: err}
	}

	w := h.workers[tid]

	id, err := newConnID()
	if err != nil {
		h.shared.curConnections.Add(-1)
		return nil, &ConfigurationError{Message: "generate connection id", Cause: err}
	}

	var adapter *tlsAdapter
	if tlsClient != nil {
		tlsCfg, err := tlsClient.toStdlib()
		if err != nil {
			h.shared.curConnections.Add(-1)
			return nil, err
		}
		adapter = newTLSAdapter(false, tlsCfg, id, h.shared.cfg.readBufferSize, w.notifyTLSReady)
	}

	rw := &rwRecord{
		id:           id,
		handle:       hd,
		acceptHandle: -1,
		tid:          tid,
		tls:          adapter,
		ws:           newWriteStatus(),
		ctx:          &ConnContext{},
	}

	w.addConnection(rw)

	return &ConnectionData{id: id, handle: hd, acceptHandle: -1, tid: tid, ws: rw.ws, tls: adapter, ctx: rw.ctx, worker: w}, nil
}

// Start registers each worker's listener (if any) and launches one
// goroutine per worker (spec §5 "Parallel OS threads").
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return &ConfigurationError{Message: "already started"}
	}
	cb := h.shared.cfg.callbacks
	if cb.OnRead == nil || cb.OnAccept == nil || cb.OnClose == nil {
		return &ConfigurationError{Message: "on_read, on_accept and on_close callbacks must be set before start"}
	}
	if !h.shared.state.tryTransition(stateBuilt, stateRunning) {
		return &ConfigurationError{Message: "handler already started or stopped"}
	}

	h.started = true
	h.shared.wg.Add(len(h.workers))
	for _, w := range h.workers {
		go w.run()
	}
	return nil
}

// Stop requests every worker to exit after its current iteration and
// waits for them to do so (spec §5 "stop() sets each worker's stop
// flag and wakes them").
func (h *Handler) Stop() error {
	h.shared.state.tryTransition(stateRunning, stateStopping)
	for _, w := range h.workers {
		w.gd.requestStop()
		w.wk.signal()
	}
	h.shared.wg.Wait()
	return nil
}

// Stopped reports whether every worker has exited.
func (h *Handler) Stopped() bool {
	return h.shared.state.load() == stateStopped
}
