//go:build darwin

package eventhandler

import "golang.org/x/sys/unix"

// newWakeup creates the self-pipe used for cross-thread wakeup (spec
// §6.5): pipe(2) with both ends non-blocking, matching the Unix half of
// the teacher's wakeup implementation. Darwin has no pipe2(2), so the
// non-blocking and close-on-exec flags are applied after the fact.
func newWakeup() (*wakeup, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, &ConfigurationError{Message: "create wakeup pipe", Cause: err}
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, &ConfigurationError{Message: "set wakeup pipe non-blocking", Cause: err}
		}
		unix.CloseOnExec(fd)
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
