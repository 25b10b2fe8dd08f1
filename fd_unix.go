//go:build linux || darwin

package eventhandler

import "golang.org/x/sys/unix"

// closeFD closes a handle on Unix systems.
func closeFD(fd Handle) error {
	return unix.Close(int(fd))
}

// readFD performs one non-blocking read on Unix systems.
func readFD(fd Handle, buf []byte) (int, error) {
	return unix.Read(int(fd), buf)
}

// writeFD performs one non-blocking write on Unix systems.
func writeFD(fd Handle, buf []byte) (int, error) {
	return unix.Write(int(fd), buf)
}

// setNonblocking marks fd non-blocking (spec §4.4.1, accept path).
func setNonblocking(fd Handle) error {
	return unix.SetNonblock(int(fd), true)
}

// isEAGAIN reports whether err is the "would block" signal (spec
// GLOSSARY).
func isEAGAIN(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// finishAcceptSetup applies the platform-specific accept-path steps
// beyond non-blocking mode (spec §4.4.1); Unix has none.
func finishAcceptSetup(fd Handle) error {
	return setNonblocking(fd)
}
