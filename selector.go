package eventhandler

// eventKind classifies a single readiness notification returned by
// selector.wait (spec §4.2). Accept is never produced; accepts surface
// as Read events on a listener handle (spec §4.4.1).
type eventKind uint8

const (
	eventRead eventKind = iota
	eventWrite
	eventError
)

// selEvent is one (handle, kind) tuple from a selector.wait call.
type selEvent struct {
	handle Handle
	kind   eventKind
}
