//go:build windows

package eventhandler

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// golang.org/x/sys/windows stubs out accept(2) and carries no
// ioctlsocket wrapper, so the two ws2_32 entry points the accept path
// needs are resolved from the DLL directly.
var (
	ws2dll          = windows.NewLazySystemDLL("ws2_32.dll")
	procaccept      = ws2dll.NewProc("accept")
	procioctlsocket = ws2dll.NewProc("ioctlsocket")
)

// fionbio is the ioctlsocket command toggling non-blocking mode.
const fionbio = 0x8004667e

func ws2Accept(listener Handle) (Handle, error) {
	r1, _, e := procaccept.Call(uintptr(listener), 0, 0)
	if windows.Handle(r1) == windows.InvalidHandle {
		if errno, ok := e.(syscall.Errno); ok && errno != 0 {
			return -1, errno
		}
		return -1, windows.WSAEWOULDBLOCK
	}
	return Handle(r1), nil
}

func ws2IoctlSocket(fd Handle, cmd uint32, arg *uint32) error {
	r1, _, e := procioctlsocket.Call(uintptr(fd), uintptr(cmd), uintptr(unsafe.Pointer(arg)))
	if r1 != 0 {
		return e
	}
	return nil
}
