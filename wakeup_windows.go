//go:build windows

package eventhandler

import (
	"golang.org/x/sys/windows"
)

// newWakeup creates the self-connected loopback TCP pair used for
// cross-thread wakeup on Windows (spec §6.5), since Windows has no
// pipe(2) equivalent usable with IOCP-registered sockets. Grounded on
// the teacher's poller_windows.go wakeSock setup, extended from a single
// socket into a connected pair so the worker can select/read a byte the
// same way it would from a Unix self-pipe.
func newWakeup() (*wakeup, error) {
	listener, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, &ConfigurationError{Message: "create wakeup listener socket", Cause: err}
	}
	defer windows.Closesocket(listener)

	addr := &windows.SockaddrInet4{Port: 0}
	addr.Addr = [4]byte{127, 0, 0, 1}
	if err := windows.Bind(listener, addr); err != nil {
		return nil, &ConfigurationError{Message: "bind wakeup listener socket", Cause: err}
	}
	if err := windows.Listen(listener, 1); err != nil {
		return nil, &ConfigurationError{Message: "listen on wakeup listener socket", Cause: err}
	}
	bound, err := windows.Getsockname(listener)
	if err != nil {
		return nil, &ConfigurationError{Message: "getsockname on wakeup listener socket", Cause: err}
	}
	boundAddr, ok := bound.(*windows.SockaddrInet4)
	if !ok {
		return nil, &ConfigurationError{Message: "unexpected wakeup listener sockaddr type"}
	}

	writeSock, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, &ConfigurationError{Message: "create wakeup write socket", Cause: err}
	}
	if err := windows.Connect(writeSock, &windows.SockaddrInet4{Port: boundAddr.Port, Addr: boundAddr.Addr}); err != nil {
		windows.Closesocket(writeSock)
		return nil, &ConfigurationError{Message: "connect wakeup write socket", Cause: err}
	}

	readSock, err := ws2Accept(Handle(listener))
	if err != nil {
		windows.Closesocket(writeSock)
		return nil, &ConfigurationError{Message: "accept wakeup read socket", Cause: err}
	}

	for _, s := range [2]Handle{readSock, Handle(writeSock)} {
		if err := setNonblocking(s); err != nil {
			_ = closeFD(readSock)
			windows.Closesocket(writeSock)
			return nil, &ConfigurationError{Message: "set wakeup socket non-blocking", Cause: err}
		}
	}

	return newWakeupFromFDs(readSock, Handle(writeSock)), nil
}

func closeWakeupFDs(readFD, writeFD Handle) error {
	err1 := windows.Closesocket(windows.Handle(readFD))
	err2 := windows.Closesocket(windows.Handle(writeFD))
	if err1 != nil {
		return err1
	}
	return err2
}
