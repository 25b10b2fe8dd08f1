package eventhandler

import (
	"crypto/rand"
	"encoding/hex"
)

// Handle is an opaque OS socket/file descriptor. Its numeric value must
// be less than the configured max_handle_numeric_value (spec §3); that
// invariant is enforced at the admission sites (accept, AddHandle), not
// here, since a Handle on its own doesn't know the configured ceiling.
type Handle int

// Valid reports whether h's numeric value is non-negative, i.e. it looks
// like a real descriptor rather than the -1 "no handle" sentinel. The
// zero value, Handle(0), is valid.
func (h Handle) Valid() bool { return h >= 0 }

// ConnID is a 128-bit random connection identifier, unique across the
// life of the process with overwhelming probability (spec §3).
type ConnID [16]byte

// newConnID draws 128 bits from a CSPRNG. An error here means the
// platform RNG is broken. The accept path logs it and drops the
// connection it was admitting; AddHandle returns it to the caller.
func newConnID() (ConnID, error) {
	var id ConnID
	if _, err := rand.Read(id[:]); err != nil {
		return ConnID{}, err
	}
	return id, nil
}

// String renders the id as lowercase hex, for logging.
func (id ConnID) String() string {
	return hex.EncodeToString(id[:])
}
