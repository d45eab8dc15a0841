// Package broadcast implements the broadcast core (spec.md §4.4, §4.5):
// the self-advertise/sweep/ingest loop running on the broadcast radio,
// MPS hosting, and root election. It owns the Credential and the
// neighbor table (spec.md §5: "Neighbor table: single owner (Broadcast
// Core)... Credentials: written only by MPS; read by codec").
package broadcast

import (
	"bytes"
	"context"
	"math"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/mps"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/neighbor"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/radio"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/wire"
)

// AdvertisePeriod is the self-advertise cadence (spec.md §4.4).
const AdvertisePeriod = 5 * time.Second

// Settle-period tunables (spec.md §9 Open Questions: "An implementer
// must expose both as tunables and choose a default").
const (
	ElectionSettleImplemented = 5 * time.Second
	ElectionSettleIntended    = 29 * time.Second
)

// ScanResult is one entry from a radio scan: a peer MAC and its RSSI.
type ScanResult struct {
	ID   meshid.ID
	RSSI float32
}

// ElectionHandler is notified once this node wins the root election
// (spec.md §4.5); the transport core implements it to build the
// single-node root tree.
type ElectionHandler interface {
	OnElectedRoot()
}

// ClaimHandler is notified when a verified Send-Wifi-Creds addressed to
// this node arrives; the transport core implements it to begin parent
// linkage (spec.md §4.7 step 1).
type ClaimHandler interface {
	OnClaimed(essid, password string)
}

// Core is the broadcast-core actor.
type Core struct {
	phony.Inbox

	self  meshid.ID
	cred  credential.Credential
	radio radio.Broadcast

	neighbors *neighbor.Table
	mps       *mps.Manager
	clock     neighbor.Clock
	log       *logrus.Entry

	settlePeriod time.Duration

	inTree bool

	lastScan       []ScanResult
	lastRouterRSSI float32
	routerSeen     bool

	election ElectionHandler
	claim    ClaimHandler
}

// New builds a broadcast Core. settlePeriod should be one of
// ElectionSettleImplemented/ElectionSettleIntended (the implemented
// value is the package default a caller would normally choose).
func New(self meshid.ID, cred credential.Credential, r radio.Broadcast, neighbors *neighbor.Table, mpsManager *mps.Manager, clock neighbor.Clock, settlePeriod time.Duration, log *logrus.Entry) *Core {
	return &Core{
		self:         self,
		cred:         cred,
		radio:        r,
		neighbors:    neighbors,
		mps:          mpsManager,
		clock:        clock,
		settlePeriod: settlePeriod,
		log:          log,
	}
}

// SetElectionHandler and SetClaimHandler wire this core's callbacks.
// Call both before Run.
func (c *Core) SetElectionHandler(h ElectionHandler) { c.election = h }
func (c *Core) SetClaimHandler(h ClaimHandler)       { c.claim = h }

// Credential and SetCredential implement mps.CredentialStore.
func (c *Core) Credential() credential.Credential {
	var out credential.Credential
	phony.Block(c, func() { out = c.cred })
	return out
}

func (c *Core) SetCredential(cr credential.Credential) {
	phony.Block(c, func() { c.cred = cr })
}

// InTree reports whether this node currently considers itself part of
// the tree (spec.md §4.5).
func (c *Core) InTree() bool {
	var out bool
	phony.Block(c, func() { out = c.inTree })
	return out
}

// SetInTree is called by the transport core once this node actually
// joins the tree, either as root (immediately on election) or as a
// child (once parent linkage succeeds) — spec.md §4.5/§4.7.
func (c *Core) SetInTree(v bool) {
	c.Act(nil, func() { c.inTree = v })
}

// NeighborSnapshot exposes the current neighbor table to the transport
// core's claim-child candidate search (spec.md §4.7), so transport
// never needs its own copy of neighbor state.
func (c *Core) NeighborSnapshot() []neighbor.Record {
	return c.neighbors.Snapshot()
}

// RecordScan feeds the latest radio scan list and named-router RSSI
// into the centrality computation for the next advertise tick (spec.md
// §4.4). The scan itself is a platform collaborator outside this
// module's scope; callers drive this from their own scan loop.
func (c *Core) RecordScan(results []ScanResult, routerRSSI float32, routerSeen bool) {
	c.Act(nil, func() {
		c.lastScan = results
		c.lastRouterRSSI = routerRSSI
		c.routerSeen = routerSeen
	})
}

// SendWifiCreds signs and sends a claim frame naming dst, with essid and
// password AES-encrypted under this node's credential (spec.md §4.7
// child claiming). Used by the transport core's claim-child loop.
func (c *Core) SendWifiCreds(dst meshid.ID, essid, password string) error {
	var err error
	phony.Block(c, func() {
		var essidEnc, passEnc [16]byte
		essidEnc, err = c.cred.EncryptClaimField(credential.PadField16(essid))
		if err != nil {
			return
		}
		passEnc, err = c.cred.EncryptClaimField(credential.PadField16(password))
		if err != nil {
			return
		}
		body := wire.SendWifiCreds{Dst: dst, EssidLen: uint16(len(essid)), EssidEnc: essidEnc, PasswordEnc: passEnc}
		err = c.radio.Send(meshid.Broadcast, wire.EncodeBroadcast(c.self, c.cred, body))
	})
	return err
}

// SendAdvertise implements neighbor.Sender: it signs and broadcasts a
// relayed or self-originated advertisement.
func (c *Core) SendAdvertise(adv wire.Advertise) {
	c.Act(nil, func() { c.sendFrame(adv) })
}

func (c *Core) sendFrame(adv wire.Advertise) {
	if err := c.radio.Send(meshid.Broadcast, wire.EncodeBroadcast(c.self, c.cred, adv)); err != nil && c.log != nil {
		c.log.WithError(err).Warn("broadcast: send advertise failed")
	}
}

// Ingest decodes and dispatches one received broadcast frame (spec.md
// §4.4 ingest): verify HMAC; if verified, dispatch by type; otherwise
// apply the MPS-window exception; otherwise drop.
func (c *Core) Ingest(raw []byte) {
	c.Act(nil, func() { c.ingest(raw) })
}

func (c *Core) ingest(raw []byte) {
	frame, ok := wire.DecodeBroadcast(raw, c.cred, c.mps.WindowOpen())
	if !ok {
		return
	}
	switch frame.Type {
	case wire.TypeAdvertise:
		if !frame.Verified {
			return
		}
		adv, err := wire.DecodeAdvertise(frame.Body)
		if err != nil {
			return
		}
		c.neighbors.RecordAd(c, adv)
	case wire.TypeSendWifiCreds:
		if !frame.Verified {
			return
		}
		scw, err := wire.DecodeSendWifiCreds(frame.Body)
		if err != nil || scw.Dst != c.self {
			return
		}
		essid, err := c.cred.DecryptClaimField(scw.EssidEnc)
		if err != nil {
			return
		}
		password, err := c.cred.DecryptClaimField(scw.PasswordEnc)
		if err != nil {
			return
		}
		if c.claim != nil {
			c.claim.OnClaimed(credential.UnpadField16(essid, int(scw.EssidLen)), credential.UnpadField16(password, 16))
		}
	case wire.TypeObtainCreds:
		msg, err := wire.DecodeObtainCreds(frame.Body)
		if err != nil || !msg.Stage.Valid() {
			return
		}
		var rawTag []byte
		if !frame.Verified {
			rawTag = frame.MPSRawTag
		}
		c.mps.Deliver(msg, rawTag)
	case wire.TypeRootElected:
		// reserved, never emitted by this build (wire.RootElectedCapable).
	}
}

// computeCentrality implements spec.md §4.4: for each scanned peer
// already known to the neighbor table, add 1/sqrt(|rssi|), or 1 when
// rssi is exactly 0.
func (c *Core) computeCentrality() float32 {
	known := make(map[meshid.ID]bool)
	for _, r := range c.neighbors.Snapshot() {
		known[r.ID] = true
	}
	var total float32
	for _, s := range c.lastScan {
		if !known[s.ID] {
			continue
		}
		if s.RSSI == 0 {
			total++
			continue
		}
		total += float32(1 / math.Sqrt(math.Abs(float64(s.RSSI))))
	}
	return total
}

func (c *Core) advertiseSelf() {
	var routerRSSI float32
	if c.routerSeen {
		routerRSSI = c.lastRouterRSSI
	}
	c.sendFrame(wire.Advertise{
		ID:         c.self,
		Centrality: c.computeCentrality(),
		RSSI:       routerRSSI,
		InTree:     c.inTree,
	})
}

// checkElection implements spec.md §4.5: a node is eligible once it has
// never seen an in_tree advertisement and its neighbor set has been
// stable for the settle period; the eligible node with the lowest
// NodeId among self ∪ neighbors becomes root (the "intended rule" per
// spec.md §4.5/§9 — it is the one that satisfies the root-election
// end-to-end scenario in §8).
func (c *Core) checkElection() {
	if c.inTree {
		return
	}
	if c.neighbors.SeenTopology() {
		return
	}
	now := c.clock()
	if now-c.neighbors.LastChangedMs() < c.settlePeriod.Milliseconds() {
		return
	}
	lowest := c.self
	for _, r := range c.neighbors.Snapshot() {
		if bytes.Compare(r.ID[:], lowest[:]) < 0 {
			lowest = r.ID
		}
	}
	if lowest != c.self {
		return
	}
	c.inTree = true
	if c.log != nil {
		c.log.Info("broadcast: elected root")
	}
	if c.election != nil {
		c.election.OnElectedRoot()
	}
}

// Run drives the advertise, election-check, and receive loops until ctx
// is canceled (spec.md §4.4, §5: "single-threaded cooperative" tasks).
func (c *Core) Run(ctx context.Context) {
	go c.neighbors.Run(ctx)
	go c.recvLoop(ctx)

	advertise := time.NewTicker(AdvertisePeriod)
	defer advertise.Stop()
	election := time.NewTicker(time.Second)
	defer election.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-advertise.C:
			c.Act(nil, c.advertiseSelf)
		case <-election.C:
			c.Act(nil, c.checkElection)
		}
	}
}

func (c *Core) recvLoop(ctx context.Context) {
	for {
		raw, err := c.radio.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if c.log != nil {
				c.log.WithError(err).Warn("broadcast: recv error")
			}
			continue
		}
		c.Ingest(raw)
	}
}
