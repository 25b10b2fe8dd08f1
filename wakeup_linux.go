//go:build linux

package eventhandler

import "golang.org/x/sys/unix"

// newWakeup creates the self-pipe used for cross-thread wakeup (spec
// §6.5): pipe(2) with both ends non-blocking. Grounded on the teacher's
// createWakeFd (poller_linux.go / wakeup_linux.go), adapted from its
// eventfd shortcut back to the spec's literal pipe(2) + O_NONBLOCK.
func newWakeup() (*wakeup, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, &ConfigurationError{Message: "create wakeup pipe", Cause: err}
	}
	return newWakeupFromFDs(Handle(fds[0]), Handle(fds[1])), nil
}

func closeWakeupFDs(readFD, writeFD Handle) error {
	err1 := unix.Close(int(readFD))
	err2 := unix.Close(int(writeFD))
	if err1 != nil {
		return err1
	}
	return err2
}
