//go:build darwin

package eventhandler

import (
	"golang.org/x/sys/unix"
)

// selector is the Darwin/BSD edge-triggered readiness multiplexer,
// backed by kqueue. Grounded on the teacher's poller_darwin.go
// FastPoller. Unlike epoll, EV_ADD is idempotent for kqueue (re-adding
// an existing filter just updates it), so there is no separate
// "modify" path — spec §4.2's add-or-modify requirement is satisfied by
// kqueue itself.
type selector struct {
	kq         int
	eventBuf   [maxEvents]unix.Kevent_t
	registered map[Handle]struct{}
}

func newSelector() (*selector, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, &ConfigurationError{Message: "kqueue", Cause: err}
	}
	unix.CloseOnExec(kq)
	return &selector{kq: kq, registered: make(map[Handle]struct{})}, nil
}

func (s *selector) changeFilter(h Handle, filter int16, flags uint16) error {
	kev := unix.Kevent_t{
		Ident:  uint64(h),
		Filter: filter,
		Flags:  flags,
	}
	_, err := unix.Kevent(s.kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		return NewKqueueError("kevent", err)
	}
	s.registered[h] = struct{}{}
	return nil
}

func (s *selector) registerRead(h Handle) error {
	return s.changeFilter(h, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
}

func (s *selector) registerWrite(h Handle) error {
	return s.changeFilter(h, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR)
}

func (s *selector) deregister(h Handle) error {
	if _, ok := s.registered[h]; !ok {
		return nil
	}
	delete(s.registered, h)
	read := unix.Kevent_t{Ident: uint64(h), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	write := unix.Kevent_t{Ident: uint64(h), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE}
	// Deletion of a filter that was never added is harmless (ENOENT),
	// so attempt both unconditionally rather than tracking which of
	// read/write is currently armed.
	_, _ = unix.Kevent(s.kq, []unix.Kevent_t{read}, nil, nil)
	_, _ = unix.Kevent(s.kq, []unix.Kevent_t{write}, nil, nil)
	return nil
}

func (s *selector) wait(timeoutMs int, out []selEvent) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(s.kq, nil, s.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, NewKqueueError("kevent wait", err)
	}

	count := 0
	for i := 0; i < n && count < len(out); i++ {
		ev := s.eventBuf[i]
		h := Handle(ev.Ident)

		if ev.Flags&unix.EV_ERROR != 0 {
			out[count] = selEvent{handle: h, kind: eventError}
			count++
			continue
		}
		if ev.Flags&unix.EV_EOF != 0 && ev.Filter == unix.EVFILT_READ && ev.Data == 0 {
			out[count] = selEvent{handle: h, kind: eventError}
			count++
			continue
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			out[count] = selEvent{handle: h, kind: eventRead}
			count++
		case unix.EVFILT_WRITE:
			out[count] = selEvent{handle: h, kind: eventWrite}
			count++
		default:
			return 0, &InternalUnexpectedFilterError{Filter: ev.Filter}
		}
	}
	return count, nil
}

func (s *selector) close() error {
	return unix.Close(s.kq)
}

// InternalUnexpectedFilterError is fatal (spec §7): kqueue returning a
// filter other than EVFILT_READ/EVFILT_WRITE indicates a selector bug
// or an unsupported kernel, neither of which the worker can recover
// from mid-dispatch.
type InternalUnexpectedFilterError struct {
	Filter int16
}

func (e *InternalUnexpectedFilterError) Error() string {
	return "eventhandler: kqueue returned unexpected filter"
}
