//go:build windows

package eventhandler

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// ioOp tags which readiness an outstanding overlapped operation is
// watching for.
type ioOp uint8

const (
	ioOpRead ioOp = iota
	ioOpWrite
)

// pendingIO is the per-outstanding-operation completion key payload.
// Windows has no native edge-triggered readiness notification for
// sockets; like wepoll itself, the standard technique is to post a
// zero-byte overlapped WSARecv/WSASend per registered interest and treat
// its completion as the readiness edge, re-arming for the next round.
// This selector follows that technique, built directly on IOCP via
// golang.org/x/sys/windows, grounded on the teacher's poller_windows.go
// FastPoller (IOCP handle, per-fd registration map).
type pendingIO struct {
	handle     Handle
	op         ioOp
	overlapped windows.Overlapped
	buf        windows.WSABuf
}

// selector is the Windows readiness multiplexer, backed by an IO
// completion port.
type selector struct {
	iocp       windows.Handle
	registered map[Handle]*handleIO
}

// handleIO tracks the outstanding zero-byte read/write probes for one
// registered socket.
type handleIO struct {
	read, write *pendingIO
}

func newSelector() (*selector, error) {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, &ConfigurationError{Message: "CreateIoCompletionPort", Cause: err}
	}
	return &selector{iocp: iocp, registered: make(map[Handle]*handleIO)}, nil
}

func (s *selector) ensureAssociated(h Handle) (*handleIO, error) {
	if hio, ok := s.registered[h]; ok {
		return hio, nil
	}
	if _, err := windows.CreateIoCompletionPort(windows.Handle(h), s.iocp, uintptr(h), 0); err != nil {
		return nil, NewKqueueError("CreateIoCompletionPort associate", err)
	}
	hio := &handleIO{}
	s.registered[h] = hio
	return hio, nil
}

// armRead posts a zero-byte overlapped WSARecv; its completion is the
// read-readiness edge.
func (s *selector) armRead(h Handle, hio *handleIO) error {
	if hio.read != nil {
		return nil
	}
	p := &pendingIO{handle: h, op: ioOpRead}
	var flags, n uint32
	err := windows.WSARecv(windows.Handle(h), &p.buf, 1, &n, &flags, &p.overlapped, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return NewKqueueError("WSARecv arm", err)
	}
	hio.read = p
	return nil
}

func (s *selector) armWrite(h Handle, hio *handleIO) error {
	if hio.write != nil {
		return nil
	}
	p := &pendingIO{handle: h, op: ioOpWrite}
	var n uint32
	err := windows.WSASend(windows.Handle(h), &p.buf, 1, &n, 0, &p.overlapped, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return NewKqueueError("WSASend arm", err)
	}
	hio.write = p
	return nil
}

func (s *selector) registerRead(h Handle) error {
	hio, err := s.ensureAssociated(h)
	if err != nil {
		return err
	}
	return s.armRead(h, hio)
}

func (s *selector) registerWrite(h Handle) error {
	hio, err := s.ensureAssociated(h)
	if err != nil {
		return err
	}
	return s.armWrite(h, hio)
}

func (s *selector) deregister(h Handle) error {
	delete(s.registered, h)
	// Outstanding overlapped ops on a closed socket complete (in error)
	// on their own; CancelIoEx is attempted best-effort.
	_ = windows.CancelIoEx(windows.Handle(h), nil)
	return nil
}

func (s *selector) wait(timeoutMs int, out []selEvent) (int, error) {
	count := 0
	for count < len(out) {
		var bytes uint32
		var key uintptr
		var ov *windows.Overlapped
		to := uint32(timeoutMs)
		if timeoutMs < 0 {
			to = windows.INFINITE
		}
		err := windows.GetQueuedCompletionStatus(s.iocp, &bytes, &key, &ov, to)
		if ov == nil {
			// Timeout, or the call otherwise produced no completion packet.
			break
		}
		p := (*pendingIO)(unsafe.Pointer(ov))
		h := p.handle
		hio, ok := s.registered[h]

		if err != nil {
			out[count] = selEvent{handle: h, kind: eventError}
			count++
		} else if ok {
			switch p.op {
			case ioOpRead:
				out[count] = selEvent{handle: h, kind: eventRead}
				hio.read = nil
			case ioOpWrite:
				out[count] = selEvent{handle: h, kind: eventWrite}
				hio.write = nil
			}
			count++
		}
		// Only block on the first iteration; drain any further
		// already-queued completions without waiting again.
		timeoutMs = 0
	}
	return count, nil
}

func (s *selector) close() error {
	return windows.CloseHandle(s.iocp)
}
