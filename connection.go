package eventhandler

import "crypto/tls"

// TLSServerConfig configures TLS termination for a listener. Certificate
// and key are loaded once at AddListenerHandles time (spec §6.3: "PEM;
// PKCS8 or RSA private keys").
type TLSServerConfig struct {
	CertFile string
	KeyFile  string
}

func (c *TLSServerConfig) toStdlib() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, &TLSError{Message: "load server certificate", Cause: err}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// TLSClientConfig configures TLS origination for a client-added handle.
// RootCAFile optionally layers an additional trusted root chain over
// the platform trust store (spec §6.3, supplemented from
// original_source/eventhandler/src/eventhandler.rs).
type TLSClientConfig struct {
	ServerName string
	RootCAFile string
}

func (c *TLSClientConfig) toStdlib() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: c.ServerName}
	if c.RootCAFile != "" {
		pool, err := loadRootCAPool(c.RootCAFile)
		if err != nil {
			return nil, &TLSError{Message: "load client root CA file", Cause: err}
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// connKind tags the ConnectionRecord variant (spec §3, §9 "tagged sum").
type connKind uint8

const (
	connListener connKind = iota
	connReadWrite
)

// listenerRecord is the Listener variant: one handle per worker, the
// listener having been pre-sharded by the caller (SO_REUSEPORT-style),
// plus an optional TLS server configuration applied to every accepted
// connection.
type listenerRecord struct {
	handles   []Handle
	tlsConfig *tls.Config // nil if the listener is plaintext
}

// rwRecord is the ReadWrite variant: a live connection owned by exactly
// one worker.
type rwRecord struct {
	id           ConnID
	handle       Handle
	acceptHandle Handle // handle of the listener this was accepted from; -1 for client-originated
	tid          int

	tls *tlsAdapter // nil if plaintext

	ws *writeStatus

	ctx *ConnContext
}

// connRecord is the tagged Listener|ReadWrite sum (spec §9 design note:
// downcasts occur only at event-dispatch sites).
type connRecord struct {
	kind     connKind
	listener *listenerRecord
	rw       *rwRecord
}

func newListenerConnRecord(l *listenerRecord) *connRecord {
	return &connRecord{kind: connListener, listener: l}
}

func newRWConnRecord(rw *rwRecord) *connRecord {
	return &connRecord{kind: connReadWrite, rw: rw}
}

// asRW downcasts to the ReadWrite variant, returning ErrWrongConnectionType
// if this record is a Listener.
func (c *connRecord) asRW() (*rwRecord, error) {
	if c.kind != connReadWrite || c.rw == nil {
		return nil, ErrWrongConnectionType
	}
	return c.rw, nil
}

// ConnContext is the per-connection opaque buffer and async-complete
// flag handed to application callbacks (spec §3). It is created on
// accept or client add and destroyed on close.
type ConnContext struct {
	// Buffer is free for application use across calls on the same
	// connection (spec §6.2 get_buffer).
	Buffer []byte

	// IsAsyncComplete is set for the single on_read invocation following
	// a call to ConnectionData.AsyncComplete, then cleared (spec §4.4
	// step 3, GLOSSARY "Async complete").
	IsAsyncComplete bool
}

// ConnectionData is the foreign-thread-safe handle applications use to
// write to, close, or mark async-complete a connection from any
// goroutine (spec §6.2). It holds no worker-owned state directly — only
// the shared write-status and enough identity to route the foreign
// call back to the owning worker.
type ConnectionData struct {
	id           ConnID
	handle       Handle
	acceptHandle Handle
	tid          int
	ws           *writeStatus
	tls          *tlsAdapter
	ctx          *ConnContext
	worker       *worker
}

// Tid returns the id of the worker thread owning this connection.
func (c *ConnectionData) Tid() int { return c.tid }

// ConnectionID returns the connection's 128-bit identifier.
func (c *ConnectionData) ConnectionID() ConnID { return c.id }

// GetHandle returns the connection's OS handle.
func (c *ConnectionData) GetHandle() Handle { return c.handle }

// GetAcceptHandle returns the listener handle this connection was
// accepted from, or -1 for a client-originated connection.
func (c *ConnectionData) GetAcceptHandle() Handle { return c.acceptHandle }

// GetBuffer returns the connection's per-connection application buffer
// (spec §6.2 get_buffer), shared with the ConnContext handed to
// callbacks for this same connection.
func (c *ConnectionData) GetBuffer() []byte {
	if c.ctx == nil {
		return nil
	}
	return c.ctx.Buffer
}

// Write queues data for this connection (spec §4.4.3). It may be called
// from any goroutine. A closed connection returns ErrConnectionClosed; a
// genuine OS error returns *IOError.
func (c *ConnectionData) Write(data []byte) error {
	if c.tls != nil {
		c.ws.mu.Lock()
		closed := c.ws.isClosed
		c.ws.mu.Unlock()
		if closed {
			return ErrConnectionClosed
		}
		return c.tls.write(c, data)
	}
	return c.doWrite(data)
}

// doWrite is the non-TLS write path (spec §4.4.3 step 2): serialized by
// ws.mu, appended to the pending buffer in call order if already
// pending, otherwise attempted immediately.
func (c *ConnectionData) doWrite(data []byte) error {
	ws := c.ws
	ws.mu.Lock()

	if ws.isClosed {
		ws.mu.Unlock()
		return ErrConnectionClosed
	}
	if ws.isPending {
		ws.pending = append(ws.pending, data...)
		ws.mu.Unlock()
		return nil
	}

	n, err := writeFD(c.handle, data)
	if err != nil && !isEAGAIN(err) {
		ws.mu.Unlock()
		return &IOError{Op: "write", Cause: err}
	}
	if err != nil || n < len(data) {
		// Partial write or EAGAIN: buffer the remainder (spec §9 Open
		// Question: len<0 && EAGAIN -> Block, len<0 -> Err, else Ok).
		if n < 0 {
			n = 0
		}
		ws.isPending = true
		ws.pending = append(ws.pending, data[n:]...)
		ws.mu.Unlock()
		c.notifyWorker()
		return nil
	}

	ws.mu.Unlock()
	return nil
}

// notifyWorker pushes this connection's id onto the owning worker's
// write queue and pokes its wakeup pipe (spec §4.4.3 step 3).
func (c *ConnectionData) notifyWorker() {
	c.worker.enqueueWrite(c.id)
}

// Close marks the connection for close-on-complete: it closes once any
// pending write buffer has fully drained (spec §4.4.3, GLOSSARY
// "Close-on-complete").
func (c *ConnectionData) Close() error {
	ws := c.ws
	ws.mu.Lock()
	if ws.isClosed {
		ws.mu.Unlock()
		return ErrConnectionClosed
	}
	ws.closeOnComplete = true
	ws.mu.Unlock()
	c.notifyWorker()
	return nil
}

// AsyncComplete signals that a previously started asynchronous
// operation has finished; the worker will invoke on_read once more with
// a zero-length slice and ConnContext.IsAsyncComplete set (spec §4.4
// step 3, GLOSSARY "Async complete").
func (c *ConnectionData) AsyncComplete() error {
	ws := c.ws
	ws.mu.Lock()
	if ws.isClosed {
		ws.mu.Unlock()
		return ErrConnectionClosed
	}
	ws.asyncComplete = true
	ws.mu.Unlock()
	c.notifyWorker()
	return nil
}
