package transport_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/broadcast"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/mps"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/neighbor"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/simradio"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/transport"
)

// node bundles a full broadcast+transport stack for one simulated id,
// the same shape cmd/meshnode wires for real.
type node struct {
	id    meshid.ID
	bcast *broadcast.Core
	tr    *transport.Core
}

type appAdapter struct{}

func (appAdapter) Deliver(src meshid.ID, payload json.RawMessage) {}

func newNode(id meshid.ID, cred credential.Credential, medium *simradio.Medium, settle time.Duration) *node {
	now := func() int64 { return time.Now().UnixMilli() }
	bradio := simradio.NewBroadcastRadio(id, medium)

	// neighbor.Table needs a Sender, and the Sender is the broadcast
	// core we haven't built yet: a SenderProxy breaks the cycle (see
	// neighbor.SenderProxy doc comment). mps.Manager has the same cycle
	// with the live Credential store, broken the same way.
	proxy := &neighbor.SenderProxy{}
	neighbors := neighbor.New(id, now, proxy, 13*time.Second, nil)
	credProxy := &mps.CredentialStoreProxy{}
	mpsMgr := mps.New(id, credProxy, bradio, nil)
	bc := broadcast.New(id, cred, bradio, neighbors, mpsMgr, now, settle, nil)
	proxy.Bind(bc)
	credProxy.Bind(bc)

	tradio := simradio.NewTransportRadio(id)
	tr := transport.New(id, bc, tradio, appAdapter{}, 2*settle, nil)
	return &node{id: id, bcast: bc, tr: tr}
}

func (n *node) run(ctx context.Context) {
	n.tr.Start(ctx)
	go n.bcast.Run(ctx)
}

// TestTwoNodeRootElectionAndParentLinkage exercises spec.md §8 scenario
// 2 end to end over simradio: the lower-id node becomes root and the
// other links to it as a child once claimed.
func TestTwoNodeRootElectionAndParentLinkage(t *testing.T) {
	cred := credential.FromConfig([]byte("integration-shared-secret"))
	medium := simradio.NewMedium()
	settle := 150 * time.Millisecond

	idA := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	idB := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}

	a := newNode(idA, cred, medium, settle)
	b := newNode(idB, cred, medium, settle)

	// AdvertisePeriod is fixed at 5s (spec.md §4.4), so mutual discovery
	// alone takes one full tick; give the whole scenario generous room
	// to clear discovery, the settle period, and one claim/link round.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	a.run(ctx)
	b.run(ctx)

	deadline := time.Now().Add(18 * time.Second)
	for time.Now().Before(deadline) {
		if a.bcast.InTree() && b.tr.InTree() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected A to become root and B to link as its child; A.InTree=%v B.InTree=%v", a.bcast.InTree(), b.tr.InTree())
}

// recordedMsg is one Deliver call captured by a recorder.
type recordedMsg struct {
	src     meshid.ID
	payload json.RawMessage
}

// recorder is an ApplicationHandler that captures every delivered
// frame, for tests that need to observe what an app layer received.
type recorder struct {
	mu   sync.Mutex
	msgs []recordedMsg
}

func (r *recorder) Deliver(src meshid.ID, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recordedMsg{src: src, payload: payload})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitUntil(deadline time.Time, cond func() bool) bool {
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

// TestThreeNodeChainAllJoinTree exercises spec.md §8 scenario 6's
// shape with three nodes and the default MAX_CHILDREN=2: every node
// that joins the shared medium is eventually elected, claimed, or
// claimed transitively, and ends up in the tree.
func TestThreeNodeChainAllJoinTree(t *testing.T) {
	cred := credential.FromConfig([]byte("integration-shared-secret"))
	medium := simradio.NewMedium()
	settle := 150 * time.Millisecond

	idA := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	idB := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
	idC := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x03}

	a := newNode(idA, cred, medium, settle)
	b := newNode(idB, cred, medium, settle)
	c := newNode(idC, cred, medium, settle)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.run(ctx)
	b.run(ctx)
	c.run(ctx)

	ok := waitUntil(time.Now().Add(28*time.Second), func() bool {
		return a.bcast.InTree() && b.tr.InTree() && c.tr.InTree()
	})
	if !ok {
		t.Fatalf("expected all three nodes to join the tree; A=%v B=%v C=%v",
			a.bcast.InTree(), b.tr.InTree(), c.tr.InTree())
	}
}

// TestBroadcastAppFrameReachesAllNodes exercises spec.md §4.8's routed
// broadcast send: once a three-node chain has formed, a SendToAll from
// the root must be delivered to every other node exactly once, reaching
// nodes beyond the root's direct children via flood-except-ingress.
func TestBroadcastAppFrameReachesAllNodes(t *testing.T) {
	cred := credential.FromConfig([]byte("integration-shared-secret"))
	medium := simradio.NewMedium()
	settle := 150 * time.Millisecond

	idA := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	idB := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
	idC := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x03}

	a := newNode(idA, cred, medium, settle)
	b := newNode(idB, cred, medium, settle)
	c := newNode(idC, cred, medium, settle)

	recB, recC := &recorder{}, &recorder{}
	b.tr.SetApplicationHandler(recB)
	c.tr.SetApplicationHandler(recC)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.run(ctx)
	b.run(ctx)
	c.run(ctx)

	if !waitUntil(time.Now().Add(28*time.Second), func() bool {
		return a.bcast.InTree() && b.tr.InTree() && c.tr.InTree()
	}) {
		t.Fatalf("tree never formed; A=%v B=%v C=%v", a.bcast.InTree(), b.tr.InTree(), c.tr.InTree())
	}

	if err := a.tr.SendToAll(map[string]string{"hello": "mesh"}); err != nil {
		t.Fatalf("SendToAll: %v", err)
	}

	if !waitUntil(time.Now().Add(2*time.Second), func() bool {
		return recB.count() >= 1 && recC.count() >= 1
	}) {
		t.Fatalf("expected both B and C to receive the broadcast; B got %d, C got %d", recB.count(), recC.count())
	}
	if recB.count() != 1 || recC.count() != 1 {
		t.Fatalf("expected exactly one delivery each; B got %d, C got %d", recB.count(), recC.count())
	}
}

// Peer-death handling itself (parent loss resets the whole node; child
// loss deletes one node and emits a change upstream) is covered at the
// unit level by TestOnPeerClosedParentLossResetsNode and
// TestOnPeerClosedChildLossEmitsTopologyChangedAndDeletesNode in
// core_test.go, where the test can reach into a Peer directly to
// trigger onPeerClosed; simradio's net.Pipe-backed connections give an
// integration test no handle to sever a specific link from outside,
// so that scenario isn't duplicated here.
