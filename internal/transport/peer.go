package transport

import (
	"context"
	"net"

	"github.com/Arceliar/phony"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/wire"
)

// Peer is one tree-layer connection: a child, a parent, or the PC
// bridge. Writes are serialized through its own actor (ironwood's
// peers.go gives every peer its own inbox so a slow write on one
// connection never blocks another); reads run on a dedicated blocking
// goroutine per ironwood's peer.handler() pattern, since phony actors
// must never block on I/O.
type Peer struct {
	phony.Inbox

	conn     net.Conn
	isParent bool
	core     *Core

	id    meshid.ID
	known bool // true once the first frame has told us id
}

func newPeer(conn net.Conn, isParent bool, core *Core) *Peer {
	return &Peer{conn: conn, isParent: isParent, core: core}
}

// write encodes and sends f on this peer's connection.
func (p *Peer) write(f wire.TreeFrame) {
	p.Act(nil, func() { p.writeNow(f) })
}

func (p *Peer) writeNow(f wire.TreeFrame) {
	raw, err := wire.EncodeTreeFrame(f)
	if err != nil {
		return
	}
	if _, err := p.conn.Write(raw); err != nil {
		p.core.logWarn("transport: write to peer failed", err)
	}
}

// readLoop blocks reading newline-delimited tree frames until the
// connection closes or ctx is canceled, handing each one to the core.
func (p *Peer) readLoop(ctx context.Context) {
	r := wire.NewTreeFrameReader(p.conn)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := r.ReadFrame()
		if err != nil {
			p.core.onPeerClosed(p)
			return
		}
		if !wire.KnownFlag(frame.Flag) {
			continue
		}
		p.core.onFrame(p, frame)
	}
}

func (p *Peer) close() {
	_ = p.conn.Close()
}
