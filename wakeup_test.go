//go:build linux || darwin

package eventhandler

import (
	"testing"
	"time"
)

// TestWakeupSignalBeforePreBlockIsObserved covers spec §8 invariant/S8: a
// signal() that lands before preBlock must leave requested=true so the
// worker skips blocking this round instead of sleeping for the full
// housekeeper interval.
func TestWakeupSignalBeforePreBlockIsObserved(t *testing.T) {
	wk, err := newWakeup()
	if err != nil {
		t.Fatalf("newWakeup: %v", err)
	}
	defer wk.close()

	wk.signal()

	alreadyRequested, release := wk.preBlock()
	release()
	wk.postBlock()

	if !alreadyRequested {
		t.Fatal("a signal() before preBlock must be observed as alreadyRequested")
	}
}

// TestWakeupSignalAfterPreBlockWritesByte covers the wakeup race (S8): a
// signal() arriving after preBlock has committed to blocking must land a
// byte on the read end so a concurrent selector.wait is unblocked.
func TestWakeupSignalAfterPreBlockWritesByte(t *testing.T) {
	wk, err := newWakeup()
	if err != nil {
		t.Fatalf("newWakeup: %v", err)
	}
	defer wk.close()

	_, release := wk.preBlock()

	done := make(chan struct{})
	go func() {
		wk.signal()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal() did not return")
	}
	release()

	buf := make([]byte, 1)
	n, err := readFD(wk.readFD, buf)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one byte on the wakeup pipe, got n=%d err=%v", n, err)
	}
	wk.postBlock()
}

// TestWakeupIdempotentWithinOneRound covers invariant 6 (spec §8): any
// number of signal() calls between one preBlock/postBlock pair produce at
// most one byte on the pipe.
func TestWakeupIdempotentWithinOneRound(t *testing.T) {
	wk, err := newWakeup()
	if err != nil {
		t.Fatalf("newWakeup: %v", err)
	}
	defer wk.close()

	_, release := wk.preBlock()
	for i := 0; i < 10; i++ {
		wk.signal()
	}
	release()
	wk.postBlock()

	buf := make([]byte, 16)
	total := 0
	for {
		n, err := readFD(wk.readFD, buf)
		if n > 0 {
			total += n
		}
		if err != nil || n <= 0 {
			break
		}
	}
	if total > 1 {
		t.Fatalf("read %d bytes off the wakeup pipe after 10 signal() calls in one round, want at most 1", total)
	}
}

func TestWakeupDrainDiscardsQueuedBytes(t *testing.T) {
	wk, err := newWakeup()
	if err != nil {
		t.Fatalf("newWakeup: %v", err)
	}
	defer wk.close()

	_, _ = writeFD(wk.writeFD, []byte{1, 1, 1})
	wk.drain()

	buf := make([]byte, 16)
	n, err := readFD(wk.readFD, buf)
	if n != 0 && err == nil {
		t.Fatalf("drain left %d unread bytes on the pipe", n)
	}
}
