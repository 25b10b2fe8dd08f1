//go:build windows

package eventhandler

// acceptOne performs one non-blocking accept on a listener handle (spec
// §4.4.1, §9 Open Question: pass the listener handle, not a shadowed
// variable, into the platform accept call).
func acceptOne(listener Handle) (Handle, error) {
	return ws2Accept(listener)
}
