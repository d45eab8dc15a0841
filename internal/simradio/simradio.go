// Package simradio is an in-memory implementation of the radio.Broadcast
// and radio.Transport interfaces, used by this module's own tests to
// exercise end-to-end mesh scenarios (spec.md §8) without real hardware.
// It is not a production radio driver — drivers for real broadcast and
// Wi-Fi hardware are external collaborators per spec.md §1.
package simradio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// Medium is a shared broadcast domain: every frame sent by one joined
// node is delivered to every other joined node, modeling a single-hop
// radio neighborhood for tests. Delivery is lossless except that a frame
// is dropped for a receiver whose 256-frame queue is full.
type Medium struct {
	mu    sync.Mutex
	nodes map[meshid.ID]chan []byte
}

// NewMedium creates an empty broadcast domain.
func NewMedium() *Medium {
	return &Medium{nodes: make(map[meshid.ID]chan []byte)}
}

// SharedMedium is a process-wide broadcast domain for single-process
// multi-node demos (e.g. cmd/meshnode run with several simulated
// nodes in one binary). simradio has no cross-process transport, so
// it cannot model a mesh spread across real machines; a real radio
// driver implementing radio.Broadcast/radio.Transport replaces it for
// that.
var SharedMedium = NewMedium()

func (m *Medium) join(id meshid.ID) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []byte, 256)
	m.nodes[id] = ch
	return ch
}

func (m *Medium) broadcast(from meshid.ID, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.nodes {
		if id == from {
			continue
		}
		select {
		case ch <- frame:
		default: // best-effort, matches spec.md §5 "broadcast advertisements... may be lost"
		}
	}
}

// BroadcastRadio is a radio.Broadcast backed by a Medium.
type BroadcastRadio struct {
	id     meshid.ID
	medium *Medium
	ch     chan []byte
}

// NewBroadcastRadio joins medium as id.
func NewBroadcastRadio(id meshid.ID, medium *Medium) *BroadcastRadio {
	return &BroadcastRadio{id: id, medium: medium, ch: medium.join(id)}
}

func (r *BroadcastRadio) SetKeys(pmk, lmk credential.Key) error { return nil }
func (r *BroadcastRadio) AddPeer(id meshid.ID) error            { return nil }
func (r *BroadcastRadio) RemovePeer(id meshid.ID) error         { return nil }

// Send ignores dst: the simulated medium is a single broadcast domain,
// same as the real radio's shared-air behavior; framing already carries
// the intended destination where it matters (unicast claims still go
// out over the air to everyone and are filtered by the recipients).
func (r *BroadcastRadio) Send(dst meshid.ID, frame []byte) error {
	r.medium.broadcast(r.id, frame)
	return nil
}

func (r *BroadcastRadio) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-r.ch:
		return f, nil
	}
}

// network is one simulated access point: the credentials needed to
// join it, and one fakeListener per port a real driver would let the
// AP owner bind independently (the mesh transport port and the PC
// bridge port both run on the same AP at once).
type network struct {
	password string
	ports    map[int]*fakeListener
}

// apRegistry is the global set of "Wi-Fi networks" (access points)
// started by simulated parents, keyed by SSID.
type apRegistry struct {
	mu       sync.Mutex
	networks map[string]*network
}

var globalAPs = &apRegistry{networks: make(map[string]*network)}

func (a *apRegistry) listenerFor(ssid string, port int) (*fakeListener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nw, ok := a.networks[ssid]
	if !ok {
		return nil, fmt.Errorf("simradio: no such network %q", ssid)
	}
	l, ok := nw.ports[port]
	if !ok {
		l = &fakeListener{ssid: ssid, conns: make(chan net.Conn, 16), closed: make(chan struct{})}
		nw.ports[port] = l
	}
	return l, nil
}

type fakeAddr string

func (a fakeAddr) Network() string { return "simradio" }
func (a fakeAddr) String() string  { return string(a) }

type fakeListener struct {
	ssid     string
	conns    chan net.Conn
	closed   chan struct{}
	closeOne sync.Once
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, errors.New("simradio: listener closed")
	}
}

func (l *fakeListener) Close() error {
	l.closeOne.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) Addr() net.Addr { return fakeAddr(l.ssid) }

// TransportRadio is a radio.Transport backed by the process-global AP registry.
type TransportRadio struct {
	id       meshid.ID
	joinSSID string // network joined via JoinNetwork, used by Dial
	apSSID   string // network started via StartAccessPoint, used by Listen
}

// NewTransportRadio creates a transport radio for id. Each test should
// use its own process-wide unique SSIDs to avoid collisions across
// unrelated scenarios sharing globalAPs.
func NewTransportRadio(id meshid.ID) *TransportRadio {
	return &TransportRadio{id: id}
}

// JoinNetwork validates the ssid/password against a started access
// point and remembers which network to Dial into.
func (r *TransportRadio) JoinNetwork(ctx context.Context, ssid, password string) error {
	globalAPs.mu.Lock()
	net, ok := globalAPs.networks[ssid]
	globalAPs.mu.Unlock()
	if !ok {
		return fmt.Errorf("simradio: no such network %q", ssid)
	}
	if net.password != password {
		return fmt.Errorf("simradio: bad password for network %q", ssid)
	}
	r.joinSSID = ssid
	return nil
}

// StartAccessPoint begins hosting ssid/password for children to join.
func (r *TransportRadio) StartAccessPoint(ssid, password string) error {
	globalAPs.mu.Lock()
	globalAPs.networks[ssid] = &network{password: password, ports: make(map[int]*fakeListener)}
	globalAPs.mu.Unlock()
	r.apSSID = ssid
	return nil
}

// Listen returns the listener bound to port on the access point this
// node started, creating it on first use — a real driver would bind an
// independent socket per port on the same AP interface.
func (r *TransportRadio) Listen(port int) (net.Listener, error) {
	if r.apSSID == "" {
		return nil, errors.New("simradio: access point not started")
	}
	return globalAPs.listenerFor(r.apSSID, port)
}

// Dial opens a connection to port on the network previously joined with
// JoinNetwork.
func (r *TransportRadio) Dial(ctx context.Context, port int) (net.Conn, error) {
	if r.joinSSID == "" {
		return nil, errors.New("simradio: no network joined")
	}
	l, err := globalAPs.listenerFor(r.joinSSID, port)
	if err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}
