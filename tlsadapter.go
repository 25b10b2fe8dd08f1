package eventhandler

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"time"
)

// loadRootCAPool reads an additional PEM root chain file and layers it
// onto a fresh pool seeded from the platform trust store, for TLS
// client connections that need to trust an internally issued
// certificate (spec §6.3, supplemented from
// original_source/eventhandler/src/eventhandler.rs).
func loadRootCAPool(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, &TLSError{Message: "no certificates found in root CA file"}
	}
	return pool, nil
}

// rawConn is a minimal net.Conn adapter over two plain byte buffers: an
// inbound queue the worker feeds with ciphertext read off the raw
// socket, and an outbound queue the TLS engine appends ciphertext to.
// Unlike net.Pipe, a Write never blocks waiting for a matching Read —
// it just appends — which keeps the worker's feed/takeOutbound calls
// cheap and non-blocking. Only Read blocks (via a condition variable),
// and only the dedicated per-connection pump goroutine ever calls it.
type rawConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  []byte
	outbound []byte
	closed   bool

	// onOutbound fires (outside mu) whenever ciphertext is appended to
	// the outbound queue, so the owning worker learns it has TLS bytes
	// to flush even when the append came from the pump goroutine's
	// handshake rather than an application Write.
	onOutbound func()
}

func newRawConn() *rawConn {
	c := &rawConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *rawConn) feed(b []byte) {
	c.mu.Lock()
	c.inbound = append(c.inbound, b...)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *rawConn) takeOutbound() []byte {
	c.mu.Lock()
	out := c.outbound
	c.outbound = nil
	c.mu.Unlock()
	return out
}

func (c *rawConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.inbound) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.inbound) == 0 && c.closed {
		return 0, errRawConnClosed
	}
	n := copy(p, c.inbound)
	c.inbound = c.inbound[n:]
	return n, nil
}

func (c *rawConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errRawConnClosed
	}
	c.outbound = append(c.outbound, p...)
	notify := c.onOutbound
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
	return len(p), nil
}

func (c *rawConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// the remaining net.Conn methods are unused by crypto/tls's record
// engine beyond Read/Write/Close/deadlines; deadlines are no-ops since
// this module's own non-blocking I/O model makes them meaningless here.
func (c *rawConn) LocalAddr() net.Addr                { return rawConnAddr{} }
func (c *rawConn) RemoteAddr() net.Addr               { return rawConnAddr{} }
func (c *rawConn) SetDeadline(t time.Time) error      { return nil }
func (c *rawConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *rawConn) SetWriteDeadline(t time.Time) error { return nil }

type rawConnAddr struct{}

func (rawConnAddr) Network() string { return "raw" }
func (rawConnAddr) String() string  { return "raw" }

// tlsAdapter wraps a crypto/tls.Conn — standing in for spec §1's
// "opaque record engine" (crypto/tls itself is named out of scope by
// the spec, see §1 and SPEC_FULL.md Domain Stack) — chunking plaintext
// writes at TLS_CHUNK and delivering decrypted reads back to the
// owning worker.
//
// crypto/tls's Conn API is call-and-block, not feed-bytes/get-events, so
// a dedicated goroutine per TLS connection drives Handshake/Read while
// the worker goroutine only ever touches feed/takeOutbound/write, all
// of which are non-blocking.
type tlsAdapter struct {
	conn *tls.Conn
	raw  *rawConn

	// writeMu serializes plaintext into the record engine; flushMu makes
	// takeOutbound-plus-doWrite atomic so ciphertext reaches the socket
	// in production order. They are deliberately separate locks: writeMu
	// is held across tls.Conn.Write, which blocks until the handshake
	// completes, and the handshake itself can only complete if the
	// owning worker is free to flush outbound handshake records — so the
	// worker's flush path must not contend on writeMu.
	writeMu sync.Mutex
	flushMu sync.Mutex

	notify func(ConnID) // tells the owning worker a plaintext chunk or error is ready

	readyMu sync.Mutex
	ready   [][]byte
	readErr error
}

func newTLSAdapter(isServer bool, cfg *tls.Config, id ConnID, readBufferSize int, notify func(ConnID)) *tlsAdapter {
	raw := newRawConn()
	var conn *tls.Conn
	if isServer {
		conn = tls.Server(raw, cfg)
	} else {
		conn = tls.Client(raw, cfg)
	}
	a := &tlsAdapter{conn: conn, raw: raw, notify: notify}
	raw.onOutbound = func() { notify(id) }
	go a.pump(id, readBufferSize)
	return a
}

// pump runs the TLS handshake, then reads plaintext in a loop, handing
// each chunk to the worker via the ready queue (spec §4.4.2 "TLS read":
// process_new_packets -> read plaintext, growing the buffer if a
// record's plaintext exceeds read_buffer_size, shrinking back
// afterward). This buffer is the pump's own — it stands in for the
// per-connection scratch buffer described in spec §3, since the pump
// runs concurrently with the worker and can't share the worker's
// single-threaded read buffer.
func (a *tlsAdapter) pump(id ConnID, readBufferSize int) {
	if err := a.conn.Handshake(); err != nil {
		a.fail(id, err)
		return
	}
	buf := make([]byte, readBufferSize)
	grown := false
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.readyMu.Lock()
			a.ready = append(a.ready, chunk)
			a.readyMu.Unlock()
			a.notify(id)
		}
		if err != nil {
			a.readyMu.Lock()
			a.readErr = err
			a.readyMu.Unlock()
			a.notify(id)
			return
		}
		if n == len(buf) {
			// The record's plaintext may exceed the buffer; grow and
			// immediately try again for the rest of it.
			buf = make([]byte, len(buf)*2)
			grown = true
			continue
		}
		if grown {
			buf = make([]byte, readBufferSize)
			grown = false
		}
	}
}

func (a *tlsAdapter) fail(id ConnID, err error) {
	a.readyMu.Lock()
	a.readErr = err
	a.readyMu.Unlock()
	a.notify(id)
}

// feed hands raw ciphertext read off the socket to the TLS engine.
func (a *tlsAdapter) feed(b []byte) {
	a.raw.feed(b)
}

// takeReady drains every plaintext chunk and the terminal error (if
// any) accumulated since the last call, for the worker to deliver via
// on_read / close (spec §4.4.2).
func (a *tlsAdapter) takeReady() (chunks [][]byte, err error) {
	a.readyMu.Lock()
	chunks, a.ready = a.ready, nil
	err = a.readErr
	a.readyMu.Unlock()
	return chunks, err
}

// write chunks data at TLS_CHUNK and feeds it to the TLS engine,
// draining the resulting ciphertext into the connection's normal
// write-status pipeline via doWrite so back-pressure and
// close-on-complete behave identically to a plaintext connection (spec
// §4.4.3 step 1, §3 invariant 6).
func (a *tlsAdapter) write(c *ConnectionData, data []byte) error {
	a.writeMu.Lock()
	for len(data) > 0 {
		n := len(data)
		if n > tlsChunk {
			n = tlsChunk
		}
		if _, err := a.conn.Write(data[:n]); err != nil {
			a.writeMu.Unlock()
			return &TLSError{Message: "tls write", Cause: err}
		}
		data = data[n:]
	}
	a.writeMu.Unlock()

	return a.flushOutbound(c)
}

// flushOutbound drains any ciphertext the TLS engine has queued — most
// importantly the handshake records produced with no application Write
// in flight — into the connection's write-status pipeline.
func (a *tlsAdapter) flushOutbound(c *ConnectionData) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	ciphertext := a.raw.takeOutbound()
	if len(ciphertext) == 0 {
		return nil
	}
	return c.doWrite(ciphertext)
}

func (a *tlsAdapter) close() {
	_ = a.raw.Close()
}

var errRawConnClosed = &TLSError{Message: "tls raw connection closed"}
