// Package neighbor implements the per-peer soft-state neighbor table
// (spec.md §3, §4.2): observed broadcast advertisements with rx/tx
// timestamps and a TTL, aged out after prolonged silence.
package neighbor

import (
	"context"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/wire"
)

// Record is the neighbor table's per-peer soft state (spec.md §3).
type Record struct {
	ID         meshid.ID
	Centrality float32
	RSSI       float32
	InTree     bool
	TTL        uint16
	LastRxMs   int64
	LastTxMs   int64
}

// Sender re-broadcasts an advertisement signed under the node's own
// credential. Implemented by the broadcast core, which owns signing.
type Sender interface {
	SendAdvertise(adv wire.Advertise)
}

// SenderProxy breaks the construction cycle between a Table and the
// broadcast core that owns it: the core needs a *Table at construction
// time, and the Table needs a Sender, but the core itself is the
// Sender. Build a SenderProxy first, hand it to New, then Bind the real
// core once it exists.
type SenderProxy struct {
	target Sender
}

// Bind attaches the real Sender. Must be called before the table's
// first advertise/relay tick.
func (p *SenderProxy) Bind(s Sender) { p.target = s }

// SendAdvertise implements Sender by forwarding to the bound target, if
// any.
func (p *SenderProxy) SendAdvertise(adv wire.Advertise) {
	if p.target != nil {
		p.target.SendAdvertise(adv)
	}
}

// Clock returns the current wall-clock time in milliseconds. Supplied by
// the caller so tests can control time without sleeping (spec.md §1:
// "the core consumes... a wall-clock millisecond source").
type Clock func() int64

// Table is the single-owner neighbor table actor (spec.md §5: "Neighbor
// table: single owner (Broadcast Core)").
type Table struct {
	phony.Inbox
	self              meshid.ID
	records           map[meshid.ID]Record
	lastChangedMs     int64
	seenTopology      bool
	clock             Clock
	sender            Sender
	advertiseOthersMs int64
	log               *logrus.Entry
}

// New builds an empty Table. advertiseOthers is the relay/eviction
// period (spec.md §4.2: evict after 2x, relay after 1x).
func New(self meshid.ID, clock Clock, sender Sender, advertiseOthers time.Duration, log *logrus.Entry) *Table {
	return &Table{
		self:              self,
		records:           make(map[meshid.ID]Record),
		clock:             clock,
		sender:            sender,
		advertiseOthersMs: advertiseOthers.Milliseconds(),
		log:               log,
	}
}

// SetSelf stamps (or refreshes) the table's record of this node itself,
// so that self's own centrality/rssi/in_tree appear in Snapshot for
// local readers. Nothing in this module calls it; the advertise loop
// does not stamp a self record.
func (t *Table) SetSelf(rec Record) {
	t.Act(nil, func() { t._setSelf(rec) })
}

func (t *Table) _setSelf(rec Record) {
	rec.ID = t.self
	t.records[t.self] = rec
}

// RecordAd applies an incoming advertisement per spec.md §4.2 record_ad:
// on first sight, stamp and forward once immediately with ttl+1 and mark
// the table changed; if already known, merge centrality/rssi/in_tree and
// keep the minimum TTL.
func (t *Table) RecordAd(from phony.Actor, adv wire.Advertise) {
	t.Act(from, func() { t._recordAd(adv) })
}

func (t *Table) _recordAd(adv wire.Advertise) {
	if adv.ID == t.self {
		return
	}
	now := t.clock()
	if adv.InTree {
		t.seenTopology = true
	}
	rec, known := t.records[adv.ID]
	if !known {
		t.records[adv.ID] = Record{
			ID:         adv.ID,
			Centrality: adv.Centrality,
			RSSI:       adv.RSSI,
			InTree:     adv.InTree,
			TTL:        adv.TTL,
			LastRxMs:   now,
			LastTxMs:   now,
		}
		t.lastChangedMs = now
		forward := adv
		forward.TTL = adv.TTL + 1
		t.sender.SendAdvertise(forward)
		if t.log != nil {
			t.log.WithField("neighbor", adv.ID).Debug("advertise: first sight, forwarded once")
		}
		return
	}
	rec.Centrality = adv.Centrality
	rec.RSSI = adv.RSSI
	rec.InTree = adv.InTree
	if adv.TTL < rec.TTL {
		rec.TTL = adv.TTL
	}
	rec.LastRxMs = now
	t.records[adv.ID] = rec
}

// sweep implements spec.md §4.2 sweep(now): evict silent neighbors,
// relay ones due for a keep-alive.
func (t *Table) sweep() {
	now := t.clock()
	for id, rec := range t.records {
		if id == t.self {
			continue
		}
		if now-rec.LastRxMs > 2*t.advertiseOthersMs {
			delete(t.records, id)
			t.lastChangedMs = now
			if t.log != nil {
				t.log.WithField("neighbor", id).Info("neighbor evicted: silent too long")
			}
			continue
		}
		if now-rec.LastTxMs > t.advertiseOthersMs {
			rec.LastTxMs = now
			t.records[id] = rec
			t.sender.SendAdvertise(wire.Advertise{
				ID:         rec.ID,
				Centrality: rec.Centrality,
				RSSI:       rec.RSSI,
				InTree:     rec.InTree,
				TTL:        rec.TTL,
			})
		}
	}
}

// Run drives the once-per-second sweep task until ctx is canceled,
// mirroring the original firmware's check_neighbours loop.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Act(nil, t.sweep)
		}
	}
}

// Snapshot returns a point-in-time copy of every record (spec.md §5:
// "read-only snapshot is acceptable under cooperative scheduling"),
// synchronized onto the table's actor via phony.Block.
func (t *Table) Snapshot() []Record {
	var out []Record
	phony.Block(t, func() {
		out = make([]Record, 0, len(t.records))
		for _, r := range t.records {
			out = append(out, r)
		}
	})
	return out
}

// LastChangedMs returns neighbors_last_changed_ms (spec.md §4.5).
func (t *Table) LastChangedMs() int64 {
	var out int64
	phony.Block(t, func() { out = t.lastChangedMs })
	return out
}

// SeenTopology reports whether any neighbor has ever advertised
// in_tree=true (spec.md §4.5, §9 seen_topology).
func (t *Table) SeenTopology() bool {
	var out bool
	phony.Block(t, func() { out = t.seenTopology })
	return out
}
