// Package radio declares the two thin interfaces the core consumes from
// its external radio collaborators (spec.md §1, §5): a connectionless
// broadcast datagram radio for discovery/auth/election, and a
// connection-oriented transport radio for the tree. Drivers for real
// hardware live outside this module; package simradio provides an
// in-memory implementation used by this module's own tests.
package radio

import (
	"context"
	"net"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// MaxBroadcastFrame is the fixed receive buffer size for the broadcast
// radio (spec.md §5: "one 250-byte broadcast receive buffer").
const MaxBroadcastFrame = 250

// Broadcast is the connectionless datagram radio: MAC-addressed send,
// and a receive loop the broadcast core drains. AddPeer registers a MAC
// so unicast sends to it are possible (ESP-NOW style link setup);
// SetKeys configures the radio's own link encryption (opaque to the
// core, spec.md §3 PMK/LMK).
type Broadcast interface {
	SetKeys(pmk, lmk credential.Key) error
	AddPeer(id meshid.ID) error
	RemovePeer(id meshid.ID) error
	Send(dst meshid.ID, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Transport is the connection-oriented radio: join a parent's network as
// a station, then dial it; or run an access point and listen for
// children. A node is a station before it has a parent and an access
// point once it starts accepting children; both can be true at once.
type Transport interface {
	JoinNetwork(ctx context.Context, ssid, password string) error
	Dial(ctx context.Context, port int) (net.Conn, error)
	StartAccessPoint(ssid, password string) error
	Listen(port int) (net.Listener, error)
}
