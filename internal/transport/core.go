// Package transport implements the transport core (spec.md §4.7, §4.8):
// parent linkage, the child-accepting server, child claiming, tree
// frame routing, topology propagation/change, and peer-death repair.
// It is the consumer of broadcast.Core's ElectionHandler/ClaimHandler
// callbacks and the owner of the tree topology (spec.md §5: "Tree
// topology: single owner (Transport Core)").
package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"net"
	"time"

	"github.com/Arceliar/phony"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/broadcast"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/radio"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/tree"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/wire"
)

// Fixed ports and timings (spec.md §4.7, §6).
const (
	TransportPort   = 1234
	BridgePort      = 4321
	PropagatePeriod = 7 * time.Second
	BeaconPeriod    = 15 * time.Second
	MaxChildren     = 2
)

// ApplicationHandler is the consumed contract's deliver side (spec.md
// §4.8): invoked for every APP frame addressed to self or to broadcast.
type ApplicationHandler interface {
	Deliver(src meshid.ID, payload json.RawMessage)
}

type topologyChangedMsg struct {
	ChangedID meshid.ID   `json:"changed_id"`
	Tree      tree.Packed `json:"tree"`
}

// Core is the transport-core actor: parent link, child set, tree, and
// the routing/claiming/propagation tasks over them.
type Core struct {
	phony.Inbox

	self        meshid.ID
	bcast       *broadcast.Core
	radio       radio.Transport
	app         ApplicationHandler
	maxChildren int

	claimPeriod     time.Duration
	propagatePeriod time.Duration
	beaconPeriod    time.Duration
	transportPort   int
	bridgePort      int
	log             *logrus.Entry

	ctx context.Context

	localTree *tree.Tree
	isRoot    bool
	parent    *Peer
	children  map[meshid.ID]*Peer

	apSSID, apPassword string
}

// New builds a transport Core and wires it as bcast's election and
// claim handler. Call Start once a root context is available.
func New(self meshid.ID, bcast *broadcast.Core, r radio.Transport, app ApplicationHandler, claimPeriod time.Duration, log *logrus.Entry) *Core {
	c := &Core{
		self:            self,
		bcast:           bcast,
		radio:           r,
		app:             app,
		maxChildren:     MaxChildren,
		claimPeriod:     claimPeriod,
		propagatePeriod: PropagatePeriod,
		beaconPeriod:    BeaconPeriod,
		transportPort:   TransportPort,
		bridgePort:      BridgePort,
		log:             log,
		children:        make(map[meshid.ID]*Peer),
	}
	bcast.SetElectionHandler(c)
	bcast.SetClaimHandler(c)
	return c
}

// SetApplicationHandler wires (or rewires) the consumed-contract
// delivery target after construction, for callers whose application
// layer itself needs a reference back to this Core (e.g. to call
// SendToAll) and so can't be built before it. Call before Start.
func (c *Core) SetApplicationHandler(h ApplicationHandler) { c.app = h }

// Start records the context every background task derives its
// lifetime from, and begins the always-on stats logger. Call once,
// before bcast.Run(ctx).
func (c *Core) Start(ctx context.Context) {
	c.ctx = ctx
	go c.statsLoop(ctx)
}

func (c *Core) logWarn(msg string, err error) {
	if c.log != nil {
		c.log.WithError(err).Warn(msg)
	}
}

// OnElectedRoot implements broadcast.ElectionHandler (spec.md §4.7 step 2).
func (c *Core) OnElectedRoot() {
	c.Act(nil, func() {
		c.localTree = tree.New(c.self)
		c.isRoot = true
		c.bcast.SetInTree(true)
		c.startServingLocked()
		go c.claimLoop(c.ctx)
	})
}

// OnClaimed implements broadcast.ClaimHandler (spec.md §4.7 step 1).
// The handler itself must never block: it is invoked synchronously from
// the broadcast core's own actor, so establishing the parent connection
// runs on a plain goroutine instead.
func (c *Core) OnClaimed(essid, password string) {
	go c.establishParent(essid, password)
}

func (c *Core) establishParent(essid, password string) {
	ctx := c.ctx
	if err := c.radio.JoinNetwork(ctx, essid, password); err != nil {
		c.logWarn("transport: join parent network failed", err)
		return
	}
	conn, err := c.radio.Dial(ctx, c.transportPort)
	if err != nil {
		c.logWarn("transport: dial parent failed", errors.Wrap(err, "transport"))
		return
	}
	p := newPeer(conn, true, c)
	c.Act(nil, func() {
		c.parent = p
		c.localTree = tree.New(c.self) // placeholder, replaced wholesale by the parent's first propagate
		c.bcast.SetInTree(true)
		c.startServingLocked()
		go c.claimLoop(c.ctx)
	})
	go p.readLoop(ctx)
	go c.beaconLoop(ctx, p)
}

// startServingLocked begins accepting children, idempotently (spec.md
// §4.7: "once self has any row in the tree, bind and listen").
func (c *Core) startServingLocked() {
	if c.apSSID != "" {
		return
	}
	cred := c.bcast.Credential()
	c.apSSID = "mesh-" + c.self.String()
	c.apPassword = hex.EncodeToString(cred.Sign(c.self[:])[:8])
	if err := c.radio.StartAccessPoint(c.apSSID, c.apPassword); err != nil {
		c.logWarn("transport: start access point failed", err)
		return
	}
	ln, err := c.radio.Listen(c.transportPort)
	if err != nil {
		c.logWarn("transport: listen failed", err)
		return
	}
	go c.acceptLoop(c.ctx, ln)
	if c.isRoot {
		go c.acceptBridgeLoop(c.ctx)
	}
}

func (c *Core) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p := newPeer(conn, false, c)
		go p.readLoop(ctx)
	}
}

// acceptBridgeLoop accepts the external PC bridge connection on a
// distinct port, under the reserved user NodeId (spec.md §6). Unlike an
// ordinary child, the bridge connection's id is known in advance, so it
// is registered as a direct peer immediately rather than waiting for a
// first frame.
func (c *Core) acceptBridgeLoop(ctx context.Context) {
	ln, err := c.radio.Listen(c.bridgePort)
	if err != nil {
		c.logWarn("transport: bridge listen failed", err)
		return
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p := newPeer(conn, false, c)
		p.known = true
		p.id = meshid.Bridge
		c.Act(nil, func() { c.children[meshid.Bridge] = p })
		go p.readLoop(ctx)
	}
}

// beaconLoop sends the empty parent-beacon every c.beaconPeriod so the
// parent can associate this connection with a NodeId (spec.md §4.7 step 3).
func (c *Core) beaconLoop(ctx context.Context, p *Peer) {
	ticker := time.NewTicker(c.beaconPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.write(wire.TreeFrame{Src: c.self, Dst: wire.DstParent, Flag: wire.FlagTopologyPropagate})
		}
	}
}

// onFrame registers the peer's NodeId on first sight, then dispatches
// the frame (spec.md §4.7 steps 4 and "server for children").
func (c *Core) onFrame(p *Peer, f wire.TreeFrame) {
	c.Act(nil, func() {
		if !p.known {
			p.known = true
			p.id = f.Src
			if !p.isParent {
				c.registerChildLocked(p)
			}
		}
		c.ingestFrameLocked(p, f)
	})
}

func (c *Core) registerChildLocked(p *Peer) {
	c.children[p.id] = p
	if c.localTree != nil {
		_ = c.localTree.AddChild(c.self, p.id)
		c.emitTopologyChangedLocked(p.id)
	}
	go c.childPropagateLoop(c.ctx, p)
}

// childPropagateLoop pushes the full packed tree to one child every
// c.propagatePeriod, stopping once the child is no longer ours (spec.md
// §4.7 "Topology propagation").
func (c *Core) childPropagateLoop(ctx context.Context, p *Peer) {
	ticker := time.NewTicker(c.propagatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var packed tree.Packed
			live := false
			phony.Block(c, func() {
				if c.localTree != nil && c.children[p.id] == p {
					packed = c.localTree.Pack()
					live = true
				}
			})
			if !live {
				return
			}
			msg, _ := json.Marshal(packed)
			p.write(wire.TreeFrame{Src: c.self, Dst: wire.DstChildren, Flag: wire.FlagTopologyPropagate, Msg: msg})
		}
	}
}

func (c *Core) ingestFrameLocked(p *Peer, f wire.TreeFrame) {
	switch f.Flag {
	case wire.FlagTopologyPropagate:
		c.handlePropagateLocked(p, f)
	case wire.FlagTopologyChanged:
		c.handleTopologyChangedLocked(p, f)
	default:
		c.routeFrameLocked(p, f)
	}
}

func (c *Core) handlePropagateLocked(p *Peer, f wire.TreeFrame) {
	if len(f.Msg) == 0 {
		return // a parent- or child-beacon, consumed only for registration above
	}
	if p != c.parent {
		return // only our own parent's propagate replaces the local tree
	}
	var packed tree.Packed
	if err := json.Unmarshal(f.Msg, &packed); err != nil {
		return
	}
	c.localTree = tree.Unpack(packed)
}

// handleTopologyChangedLocked implements spec.md §4.7 "Topology
// change". A frame addressed to "children" is the root's (or an
// intermediate's) downward flood: adopt and keep flooding. A frame
// addressed to a concrete id equal to self only ever happens at the
// actual root, since every other hop forwards it on via ordinary
// routing without inspecting it. Anything else is still travelling
// upward and is routed like any other frame.
func (c *Core) handleTopologyChangedLocked(p *Peer, f wire.TreeFrame) {
	if c.localTree == nil {
		var msg topologyChangedMsg
		if err := json.Unmarshal(f.Msg, &msg); err == nil {
			c.localTree = tree.Unpack(msg.Tree)
		}
		return
	}
	if f.Dst == wire.DstChildren {
		c.adoptAndFloodChangedLocked(p, f)
		return
	}
	if dstID, ok := f.DstID(); ok && dstID == c.self && c.isRoot {
		c.handleTopologyChangedAsRootLocked(f)
		return
	}
	c.routeFrameLocked(p, f)
}

func (c *Core) adoptAndFloodChangedLocked(ingress *Peer, f wire.TreeFrame) {
	var msg topologyChangedMsg
	if err := json.Unmarshal(f.Msg, &msg); err != nil {
		return
	}
	c.localTree = tree.Unpack(msg.Tree)
	for id, child := range c.children {
		if ingress != nil && id == ingress.id {
			continue
		}
		child.write(wire.TreeFrame{Src: c.self, Dst: wire.DstChildren, Flag: wire.FlagTopologyChanged, Msg: f.Msg})
	}
}

func (c *Core) handleTopologyChangedAsRootLocked(f wire.TreeFrame) {
	var msg topologyChangedMsg
	if err := json.Unmarshal(f.Msg, &msg); err != nil {
		return
	}
	if c.localTree.Contains(msg.ChangedID) {
		_ = c.localTree.DelNode(msg.ChangedID)
	} else {
		_ = c.localTree.AddChild(f.Src, msg.ChangedID)
	}
	packed := c.localTree.Pack()
	out, _ := json.Marshal(topologyChangedMsg{ChangedID: msg.ChangedID, Tree: packed})
	for _, child := range c.children {
		child.write(wire.TreeFrame{Src: c.self, Dst: wire.DstChildren, Flag: wire.FlagTopologyChanged, Msg: out})
	}
}

// emitTopologyChangedLocked sends a TopologyChanged addressed to the
// tree's root, reporting changedID's addition or removal (spec.md §4.7).
// At the root itself the local tree already reflects the change, so the
// updated tree is flooded straight to the children instead.
func (c *Core) emitTopologyChangedLocked(changedID meshid.ID) {
	packed := c.localTree.Pack()
	msgBytes, _ := json.Marshal(topologyChangedMsg{ChangedID: changedID, Tree: packed})
	if c.isRoot {
		for _, child := range c.children {
			child.write(wire.TreeFrame{Src: c.self, Dst: wire.DstChildren, Flag: wire.FlagTopologyChanged, Msg: msgBytes})
		}
		return
	}
	f := wire.TreeFrame{Src: c.self, Dst: c.localTree.Root().String(), Flag: wire.FlagTopologyChanged, Msg: msgBytes}
	c.routeFrameLocked(nil, f)
}

// routeFrameLocked implements spec.md §4.7 "Routing".
func (c *Core) routeFrameLocked(ingress *Peer, f wire.TreeFrame) {
	if f.Dst == wire.DstParent {
		return
	}
	if dstID, ok := f.DstID(); ok && dstID == c.self {
		if c.app != nil {
			c.app.Deliver(f.Src, f.Msg)
		}
		return
	}
	if f.DstIsBroadcast() {
		if c.app != nil {
			c.app.Deliver(f.Src, f.Msg)
		}
		c.forwardToAllExceptLocked(ingress, f)
		return
	}
	dstID, ok := f.DstID()
	if !ok {
		return
	}
	if child, ok := c.children[dstID]; ok {
		child.write(f)
		return
	}
	if c.localTree != nil {
		if via, ok := c.localTree.Routes(c.self)[dstID]; ok {
			if child, ok := c.children[via]; ok {
				child.write(f)
				return
			}
		}
	}
	if c.parent != nil {
		c.parent.write(f)
	}
}

func (c *Core) forwardToAllExceptLocked(ingress *Peer, f wire.TreeFrame) {
	for id, child := range c.children {
		if ingress != nil && id == ingress.id {
			continue
		}
		child.write(f)
	}
	if c.parent != nil && c.parent != ingress {
		c.parent.write(f)
	}
}

// onPeerClosed implements spec.md §4.7 "Peer-death handling".
func (c *Core) onPeerClosed(p *Peer) {
	c.Act(nil, func() {
		if p.isParent {
			if c.parent == p {
				c.resetLocked()
			}
			return
		}
		if existing, ok := c.children[p.id]; ok && existing == p {
			delete(c.children, p.id)
			if c.localTree != nil {
				_ = c.localTree.DelNode(p.id)
				c.emitTopologyChangedLocked(p.id)
			}
		}
	})
}

func (c *Core) resetLocked() {
	for id, child := range c.children {
		child.close()
		delete(c.children, id)
	}
	c.parent = nil
	c.localTree = nil
	c.isRoot = false
	c.bcast.SetInTree(false)
}

// claimLoop runs the child-claiming task (spec.md §4.7 "Child claiming"),
// parent-only but harmless to run everywhere since it is a no-op while
// localTree is nil or full.
func (c *Core) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.claimPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Act(nil, c.tryClaimLocked)
		}
	}
}

func (c *Core) tryClaimLocked() {
	if c.localTree == nil || len(c.children) >= c.maxChildren {
		return
	}
	var candidates []meshid.ID
	for _, r := range c.bcast.NeighborSnapshot() {
		if r.InTree {
			continue
		}
		if c.localTree.Contains(r.ID) {
			continue
		}
		candidates = append(candidates, r.ID)
	}
	if len(candidates) == 0 {
		return
	}
	pick := candidates[rand.Intn(len(candidates))]
	if err := c.bcast.SendWifiCreds(pick, c.apSSID, c.apPassword); err != nil {
		c.logWarn("transport: claim send failed", err)
	}
}

// SendTo implements the consumed contract's single-destination send
// (spec.md §4.8).
func (c *Core) SendTo(dst meshid.ID, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	phony.Block(c, func() {
		c.routeFrameLocked(nil, wire.TreeFrame{Src: c.self, Dst: dst.String(), Flag: wire.FlagAppMin, Msg: raw})
	})
	return nil
}

// SendToAll implements the consumed contract's routed broadcast send
// (spec.md §4.8).
func (c *Core) SendToAll(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	phony.Block(c, func() {
		c.routeFrameLocked(nil, wire.TreeFrame{Src: c.self, Dst: meshid.Broadcast.String(), Flag: wire.FlagAppMin, Msg: raw})
	})
	return nil
}

// SendToNodes implements the consumed contract's direct-peer send
// (spec.md §4.8): each id must be a directly connected peer (a child or
// the parent), not an arbitrary routed destination.
func (c *Core) SendToNodes(payload interface{}, ids []meshid.ID) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	phony.Block(c, func() {
		for _, id := range ids {
			if child, ok := c.children[id]; ok {
				child.write(wire.TreeFrame{Src: c.self, Dst: id.String(), Flag: wire.FlagAppMin, Msg: raw})
			} else if c.parent != nil && c.parent.id == id {
				c.parent.write(wire.TreeFrame{Src: c.self, Dst: id.String(), Flag: wire.FlagAppMin, Msg: raw})
			}
		}
	})
	return nil
}

// InTree reports whether this node currently has a tree (root or
// linked child), for callers that want to gate behavior on it.
func (c *Core) InTree() bool {
	var out bool
	phony.Block(c, func() { out = c.localTree != nil })
	return out
}

// Status is a point-in-time snapshot of this node's place in the tree,
// the id/parent/depth triple the original's OLED status screen showed
// (spec.md's out-of-scope display I/O); a consumer such as the blink
// app or a debug handler can render it without the core doing any
// display I/O itself.
type Status struct {
	ID        meshid.ID
	InTree    bool
	IsRoot    bool
	HasParent bool
	Parent    meshid.ID
	Depth     int
}

// Status reports this node's current tree position. Safe to call from
// any goroutine.
func (c *Core) Status() Status {
	s := Status{ID: c.self}
	phony.Block(c, func() {
		s.InTree = c.localTree != nil
		s.IsRoot = c.isRoot
		if c.parent != nil {
			s.HasParent = true
			s.Parent = c.parent.id
		}
		if c.localTree != nil {
			if d, ok := c.localTree.Depth(c.self); ok {
				s.Depth = d
			}
		}
	})
	return s
}

// statsLoop periodically logs connection counts, tree size, and routing
// table size at debug level, the Go-native shape of the original's
// periodic heap/memory self-diagnostic tick.
func (c *Core) statsLoop(ctx context.Context) {
	if c.log == nil {
		return
	}
	ticker := time.NewTicker(c.propagatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logStats()
		}
	}
}

func (c *Core) logStats() {
	var children int
	var hasParent bool
	var treeSize, routes int
	phony.Block(c, func() {
		children = len(c.children)
		hasParent = c.parent != nil
		if c.localTree != nil {
			treeSize = c.localTree.Size()
			routes = len(c.localTree.Routes(c.self))
		}
	})
	c.log.WithField("children", children).
		WithField("has_parent", hasParent).
		WithField("tree_size", treeSize).
		WithField("routes", routes).
		Debug("transport: stats")
}
