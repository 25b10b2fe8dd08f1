//go:build linux || darwin

package eventhandler

import (
	"os"
	"testing"
)

func TestWriteStatusPendingInvariant(t *testing.T) {
	ws := newWriteStatus()
	if ws.isPending {
		t.Fatal("fresh writeStatus must not be pending")
	}
	if len(ws.pending) != 0 {
		t.Fatal("fresh writeStatus must have an empty pending buffer")
	}
}

func TestWriteStatusDrainPendingFlushesAndClearsFlag(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := setNonblocking(Handle(w.Fd())); err != nil {
		t.Fatalf("setNonblocking: %v", err)
	}

	ws := newWriteStatus()
	ws.pending = []byte("hello")
	ws.isPending = true

	drained, shouldClose, derr := ws.drainPending(Handle(w.Fd()))
	if derr != nil {
		t.Fatalf("drainPending: %v", derr)
	}
	if !drained {
		t.Fatal("expected the small write to drain fully")
	}
	if shouldClose {
		t.Fatal("shouldClose must be false without CLOSE_ONCOMPLETE")
	}
	if ws.isPending {
		t.Fatal("isPending must be cleared once pending is flushed")
	}
	if len(ws.pending) != 0 {
		t.Fatal("pending buffer must be empty after a full drain")
	}

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("read back %q, want %q", buf[:n], "hello")
	}
}

func TestWriteStatusDrainPendingSchedulesCloseOnComplete(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	if err := setNonblocking(Handle(w.Fd())); err != nil {
		t.Fatalf("setNonblocking: %v", err)
	}

	ws := newWriteStatus()
	ws.closeOnComplete = true

	drained, shouldClose, derr := ws.drainPending(Handle(w.Fd()))
	if derr != nil {
		t.Fatalf("drainPending: %v", derr)
	}
	if !drained || !shouldClose {
		t.Fatalf("drained=%v shouldClose=%v, want true,true for an empty buffer with close-on-complete set", drained, shouldClose)
	}
}

func TestWriteStatusMarkClosedIsIdempotentAndTruncates(t *testing.T) {
	ws := newWriteStatus()
	ws.pending = []byte("buffered")
	ws.isPending = true

	ws.markClosed()
	if !ws.isClosed {
		t.Fatal("markClosed must set isClosed")
	}
	if len(ws.pending) != 0 || ws.isPending {
		t.Fatal("markClosed must truncate the pending buffer and clear isPending")
	}

	// Calling twice must not panic or otherwise misbehave.
	ws.markClosed()
	if !ws.isClosed {
		t.Fatal("isClosed must remain set")
	}
}

func TestWriteStatusTakeAsyncComplete(t *testing.T) {
	ws := newWriteStatus()

	if ws.takeAsyncComplete() {
		t.Fatal("takeAsyncComplete must be false before AsyncComplete is requested")
	}

	ws.asyncComplete = true
	if !ws.takeAsyncComplete() {
		t.Fatal("takeAsyncComplete must report true once asyncComplete is set and the buffer is empty")
	}
	if ws.takeAsyncComplete() {
		t.Fatal("takeAsyncComplete must clear the flag after consuming it")
	}

	// Pending writes suppress async-complete delivery until drained.
	ws.asyncComplete = true
	ws.isPending = true
	ws.pending = []byte("x")
	if ws.takeAsyncComplete() {
		t.Fatal("takeAsyncComplete must not fire while a write is still pending")
	}
}

func TestWriteStatusWantsClose(t *testing.T) {
	ws := newWriteStatus()
	if ws.wantsClose() {
		t.Fatal("wantsClose must be false by default")
	}
	ws.closeOnComplete = true
	if !ws.wantsClose() {
		t.Fatal("wantsClose must report true once CLOSE_ONCOMPLETE is set")
	}
}
