// Package meshid defines the node identifier used throughout the mesh:
// a 6-byte MAC-style id, with two reserved values (broadcast and the
// external user bridge).
package meshid

import (
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a NodeId.
const Size = 6

// ID is a 6-byte MAC-style node identifier. It is comparable and may be
// used as a map key.
type ID [Size]byte

// Broadcast is the reserved all-ones id meaning "every node".
var Broadcast = ID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Bridge is the reserved id for the external PC bridge connection
// accepted by the root on the user-bridge port (spec.md §6).
var Bridge = ID{0xff, 0x00, 0x00, 0x00, 0x00, 0x00}

// Zero reports whether id is the zero value (used as a not-yet-known sentinel).
func (id ID) Zero() bool {
	return id == ID{}
}

// String renders the id as 12 lowercase hex characters, matching the
// tree frame wire format's "<hex12>" convention (spec.md §6).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a 12-hex-character string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return id, fmt.Errorf("meshid: wrong length %d for id %q", len(s), s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("meshid: invalid id %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// MarshalText implements encoding.TextMarshaler so an ID can be used
// directly as a JSON string value (tree frame's {"src":"<hex12>",...}).
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
