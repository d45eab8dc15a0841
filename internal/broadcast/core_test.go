package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/mps"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/neighbor"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

type fakeRadio struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *fakeRadio) SetKeys(pmk, lmk credential.Key) error { return nil }
func (r *fakeRadio) AddPeer(meshid.ID) error                { return nil }
func (r *fakeRadio) RemovePeer(meshid.ID) error              { return nil }

func (r *fakeRadio) Send(dst meshid.ID, frame []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, frame)
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) Recv(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *fakeRadio) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeMPSRadio struct{}

func (fakeMPSRadio) Send(meshid.ID, []byte) error { return nil }
func (fakeMPSRadio) AddPeer(meshid.ID) error       { return nil }
func (fakeMPSRadio) RemovePeer(meshid.ID) error    { return nil }

type fakeElectionHandler struct {
	mu      sync.Mutex
	elected bool
}

func (h *fakeElectionHandler) OnElectedRoot() {
	h.mu.Lock()
	h.elected = true
	h.mu.Unlock()
}

func (h *fakeElectionHandler) wasElected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.elected
}

type fakeClaimHandler struct {
	mu                sync.Mutex
	essid, password string
	called            bool
}

func (h *fakeClaimHandler) OnClaimed(essid, password string) {
	h.mu.Lock()
	h.essid, h.password, h.called = essid, password, true
	h.mu.Unlock()
}

func newTestCore(self meshid.ID, cred credential.Credential, r *fakeRadio, clock *fakeClock, advertiseOthers time.Duration, settlePeriod time.Duration) *Core {
	c := &Core{
		self:         self,
		cred:         cred,
		radio:        r,
		clock:        clock.get,
		settlePeriod: settlePeriod,
	}
	c.neighbors = neighbor.New(self, clock.get, c, advertiseOthers, nil)
	// c already exists here (built via struct literal above), so it can
	// be passed directly as the mps.CredentialStore: no construction
	// cycle to break, unlike the real broadcast.New/mps.New wiring.
	c.mps = mps.New(self, c, fakeMPSRadio{}, nil)
	return c
}

func phonyDrain(c *Core) {
	done := make(chan struct{})
	c.Act(nil, func() { close(done) })
	<-done
}

func TestIngestVerifiedAdvertiseUpdatesNeighborTable(t *testing.T) {
	cred := credential.FromConfig([]byte("shared-secret"))
	self := meshid.ID{0x01}
	neighborID := meshid.ID{0x02}
	clock := &fakeClock{}
	r := &fakeRadio{}
	c := newTestCore(self, cred, r, clock, 13*time.Second, ElectionSettleImplemented)

	raw := wire.EncodeBroadcast(neighborID, cred, wire.Advertise{ID: neighborID, TTL: 3})
	c.Ingest(raw)
	phonyDrain(c)

	snap := c.neighbors.Snapshot()
	if len(snap) != 1 || snap[0].ID != neighborID {
		t.Fatalf("neighbor snapshot = %+v, want exactly one record for %s", snap, neighborID)
	}
}

func TestIngestDropsBadSignature(t *testing.T) {
	cred := credential.FromConfig([]byte("shared-secret"))
	wrongCred := credential.FromConfig([]byte("wrong-secret"))
	self := meshid.ID{0x01}
	neighborID := meshid.ID{0x02}
	clock := &fakeClock{}
	r := &fakeRadio{}
	c := newTestCore(self, cred, r, clock, 13*time.Second, ElectionSettleImplemented)

	raw := wire.EncodeBroadcast(neighborID, wrongCred, wire.Advertise{ID: neighborID})
	c.Ingest(raw)
	phonyDrain(c)

	if len(c.neighbors.Snapshot()) != 0 {
		t.Error("a badly signed advertisement must not be recorded")
	}
}

func TestIngestSendWifiCredsInvokesClaimHandler(t *testing.T) {
	cred := credential.FromConfig([]byte("shared-secret"))
	self := meshid.ID{0x01}
	parent := meshid.ID{0x02}
	clock := &fakeClock{}
	r := &fakeRadio{}
	c := newTestCore(self, cred, r, clock, 13*time.Second, ElectionSettleImplemented)
	claim := &fakeClaimHandler{}
	c.SetClaimHandler(claim)

	essidEnc, _ := cred.EncryptClaimField(credential.PadField16("parent-ap"))
	passEnc, _ := cred.EncryptClaimField(credential.PadField16("hunter2"))
	body := wire.SendWifiCreds{Dst: self, EssidLen: uint16(len("parent-ap")), EssidEnc: essidEnc, PasswordEnc: passEnc}
	raw := wire.EncodeBroadcast(parent, cred, body)
	c.Ingest(raw)
	phonyDrain(c)

	if !claim.called {
		t.Fatal("claim handler should have been invoked")
	}
	if claim.essid != "parent-ap" || claim.password != "hunter2" {
		t.Errorf("claim = (%q, %q), want (\"parent-ap\", \"hunter2\")", claim.essid, claim.password)
	}
}

func TestIngestSendWifiCredsIgnoresOtherDestination(t *testing.T) {
	cred := credential.FromConfig([]byte("shared-secret"))
	self := meshid.ID{0x01}
	other := meshid.ID{0x09}
	clock := &fakeClock{}
	r := &fakeRadio{}
	c := newTestCore(self, cred, r, clock, 13*time.Second, ElectionSettleImplemented)
	claim := &fakeClaimHandler{}
	c.SetClaimHandler(claim)

	essidEnc, _ := cred.EncryptClaimField(credential.PadField16("x"))
	passEnc, _ := cred.EncryptClaimField(credential.PadField16("y"))
	body := wire.SendWifiCreds{Dst: other, EssidLen: 1, EssidEnc: essidEnc, PasswordEnc: passEnc}
	raw := wire.EncodeBroadcast(meshid.ID{0x02}, cred, body)
	c.Ingest(raw)
	phonyDrain(c)

	if claim.called {
		t.Error("claim addressed to another node must be ignored")
	}
}

// TestTwoNodeRootElection exercises spec.md §8 scenario 2: the lower
// NodeId wins once the neighbor set has settled.
func TestTwoNodeRootElection(t *testing.T) {
	cred := credential.FromConfig([]byte("shared"))
	idA := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	idB := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
	clockA := &fakeClock{}
	clockB := &fakeClock{}
	settle := 5 * time.Second

	a := newTestCore(idA, cred, &fakeRadio{}, clockA, 13*time.Second, settle)
	b := newTestCore(idB, cred, &fakeRadio{}, clockB, 13*time.Second, settle)
	electA := &fakeElectionHandler{}
	electB := &fakeElectionHandler{}
	a.SetElectionHandler(electA)
	b.SetElectionHandler(electB)

	a.neighbors.RecordAd(nil, wire.Advertise{ID: idB})
	phonyDrain(a)
	b.neighbors.RecordAd(nil, wire.Advertise{ID: idA})
	phonyDrain(b)

	clockA.advance(settle.Milliseconds() + 1)
	clockB.advance(settle.Milliseconds() + 1)

	a.Act(nil, a.checkElection)
	phonyDrain(a)
	b.Act(nil, b.checkElection)
	phonyDrain(b)

	if !a.InTree() || !electA.wasElected() {
		t.Error("the lower NodeId (A) should win the election")
	}
	if b.InTree() || electB.wasElected() {
		t.Error("B should not win the election while A has the lower NodeId")
	}
}

func TestElectionWaitsOutSeenTopology(t *testing.T) {
	cred := credential.FromConfig([]byte("shared"))
	self := meshid.ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	clock := &fakeClock{}
	c := newTestCore(self, cred, &fakeRadio{}, clock, 13*time.Second, 5*time.Second)
	elect := &fakeElectionHandler{}
	c.SetElectionHandler(elect)

	c.neighbors.RecordAd(nil, wire.Advertise{ID: meshid.ID{0x09}, InTree: true})
	phonyDrain(c)
	clock.advance(10 * time.Second.Milliseconds())

	c.Act(nil, c.checkElection)
	phonyDrain(c)

	if c.InTree() || elect.wasElected() {
		t.Error("a node that has seen in_tree=true must never self-elect")
	}
}

func TestSendWifiCredsRoundTripsClaimFields(t *testing.T) {
	cred := credential.FromConfig([]byte("shared"))
	self := meshid.ID{0x01}
	dst := meshid.ID{0x02}
	r := &fakeRadio{}
	c := newTestCore(self, cred, r, &fakeClock{}, 13*time.Second, ElectionSettleImplemented)

	if err := c.SendWifiCreds(dst, "my-ap", "secretpw"); err != nil {
		t.Fatalf("SendWifiCreds error = %v", err)
	}
	if r.sentCount() != 1 {
		t.Fatalf("sent count = %d, want 1", r.sentCount())
	}

	frame, ok := wire.DecodeBroadcast(r.sent[0], cred, false)
	if !ok || !frame.Verified || frame.Type != wire.TypeSendWifiCreds {
		t.Fatalf("decode sent frame: ok=%v verified=%v type=%v", ok, frame.Verified, frame.Type)
	}
	scw, err := wire.DecodeSendWifiCreds(frame.Body)
	if err != nil {
		t.Fatalf("DecodeSendWifiCreds error = %v", err)
	}
	essid, err := cred.DecryptClaimField(scw.EssidEnc)
	if err != nil {
		t.Fatalf("decrypt essid error = %v", err)
	}
	password, err := cred.DecryptClaimField(scw.PasswordEnc)
	if err != nil {
		t.Fatalf("decrypt password error = %v", err)
	}
	if got := credential.UnpadField16(essid, int(scw.EssidLen)); got != "my-ap" {
		t.Errorf("essid = %q, want \"my-ap\"", got)
	}
	if got := credential.UnpadField16(password, 16); got != "secretpw" {
		t.Errorf("password = %q, want \"secretpw\"", got)
	}
}
