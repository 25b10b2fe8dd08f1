//go:build windows

package eventhandler

import (
	"golang.org/x/sys/windows"
)

// closeFD closes a handle on Windows (sockets only — this module never
// holds a plain file HANDLE).
func closeFD(fd Handle) error {
	return windows.Closesocket(windows.Handle(fd))
}

// readFD performs one non-blocking recv on Windows: a synchronous
// (non-overlapped) WSARecv on a FIONBIO socket returns immediately,
// reporting WSAEWOULDBLOCK when nothing is queued.
func readFD(fd Handle, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	wsabuf := windows.WSABuf{Len: uint32(len(buf)), Buf: &buf[0]}
	var n, flags uint32
	if err := windows.WSARecv(windows.Handle(fd), &wsabuf, 1, &n, &flags, nil, nil); err != nil {
		return -1, err
	}
	return int(n), nil
}

// writeFD performs one non-blocking send on Windows.
func writeFD(fd Handle, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	wsabuf := windows.WSABuf{Len: uint32(len(buf)), Buf: &buf[0]}
	var n uint32
	if err := windows.WSASend(windows.Handle(fd), &wsabuf, 1, &n, 0, nil, nil); err != nil {
		return -1, err
	}
	return int(n), nil
}

// setNonblocking marks fd non-blocking via ioctlsocket FIONBIO (spec
// §6.5).
func setNonblocking(fd Handle) error {
	var nonblock uint32 = 1
	return ws2IoctlSocket(fd, fionbio, &nonblock)
}

// setSendBuffer sets SO_SNDBUF on an accepted socket to 100MB (spec
// §6.5, Windows-only accept-path step).
func setSendBuffer(fd Handle, size int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, size)
}

// isEAGAIN reports whether err is the "would block" signal on Windows.
func isEAGAIN(err error) bool {
	return err == windows.WSAEWOULDBLOCK
}

// finishAcceptSetup applies the Windows-only accept-path steps: set
// non-blocking, then set a 100MB send buffer (spec §6.5).
func finishAcceptSetup(fd Handle) error {
	if err := setNonblocking(fd); err != nil {
		return err
	}
	return setSendBuffer(fd, 100_000_000)
}
