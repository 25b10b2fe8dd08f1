//go:build linux || darwin

package eventhandler

import "golang.org/x/sys/unix"

// acceptOne performs one non-blocking accept on a listener handle (spec
// §4.4.1). The listener handle itself is what must be passed here, not
// whatever variable happened to be in scope (spec §9 Open Question:
// the Windows source shadows this with the wrong variable).
func acceptOne(listener Handle) (Handle, error) {
	nfd, _, err := unix.Accept(int(listener))
	if err != nil {
		return -1, err
	}
	return Handle(nfd), nil
}
