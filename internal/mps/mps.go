// Package mps implements the manual pairing procedure, the button-
// triggered five-step credential exchange that is the only path to
// populate a node's Credential from zero (spec.md §4.3).
//
// Per spec.md §5's concurrency rule, MPS is the one piece of state this
// module lets a single goroutine hold across a blocking wait: the whole
// exchange is gated by a 1-buffered channel used as a mutex token rather
// than modeled as a phony.Inbox actor, so that the entire exchange is
// serialized end-to-end, not one step of it.
package mps

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/coreerr"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/wire"
)

// Button-duration gate and timing constants (spec.md §4.3).
const (
	MinButtonPress = 4250 * time.Millisecond
	MaxButtonPress = 8500 * time.Millisecond
	AcceptWindow   = 45 * time.Second
	RetryPeriod    = 5 * time.Second
)

// Broadcaster is the subset of radio.Broadcast that MPS needs: unicast
// or broadcast frame delivery, and the LMK-encrypted peer registration
// the five-step diagram calls "register ... with LMK-encryption".
type Broadcaster interface {
	Send(dst meshid.ID, frame []byte) error
	AddPeer(id meshid.ID) error
	RemovePeer(id meshid.ID) error
}

// CredentialStore is the shared holder of this node's Credential. The
// requester role writes to it once; every other role in the module only
// reads it.
type CredentialStore interface {
	Credential() credential.Credential
	SetCredential(credential.Credential)
}

// CredentialStoreProxy breaks the construction cycle between a Manager
// and the broadcast core that owns the live Credential: the Manager
// needs a CredentialStore at construction time, and broadcast.Core (the
// real store) needs an already-built *Manager to pass to its own
// constructor. Build a CredentialStoreProxy first, hand it to New, then
// Bind the real store once it exists — the same shape as
// neighbor.SenderProxy.
type CredentialStoreProxy struct {
	target CredentialStore
}

// Bind attaches the real CredentialStore. Must be called before the
// first ButtonPressed/Deliver.
func (p *CredentialStoreProxy) Bind(s CredentialStore) { p.target = s }

// Credential implements CredentialStore by forwarding to the bound
// target, returning the zero Credential if unbound.
func (p *CredentialStoreProxy) Credential() credential.Credential {
	if p.target == nil {
		return credential.Credential{}
	}
	return p.target.Credential()
}

// SetCredential implements CredentialStore by forwarding to the bound
// target, a no-op if unbound.
func (p *CredentialStoreProxy) SetCredential(c credential.Credential) {
	if p.target != nil {
		p.target.SetCredential(c)
	}
}

type inbound struct {
	msg    wire.ObtainCreds
	rawTag []byte // set only when the frame was accepted via the MPS-window exception
}

// Manager runs at most one credential exchange at a time, in either role.
type Manager struct {
	self  meshid.ID
	store CredentialStore
	radio Broadcaster
	log   *logrus.Entry

	acceptWindow time.Duration
	retryPeriod  time.Duration

	mu       chan struct{} // 1-buffered: held token means "not busy"
	incoming chan inbound
}

// New builds a Manager with the spec's default timings (AcceptWindow,
// RetryPeriod). Tests may shrink them with SetTimings before use.
func New(self meshid.ID, store CredentialStore, radio Broadcaster, log *logrus.Entry) *Manager {
	m := &Manager{
		self:         self,
		store:        store,
		radio:        radio,
		log:          log,
		acceptWindow: AcceptWindow,
		retryPeriod:  RetryPeriod,
		mu:           make(chan struct{}, 1),
		incoming:     make(chan inbound, 4),
	}
	m.mu <- struct{}{}
	return m
}

// SetTimings overrides the acceptance window and retry period, for tests
// that cannot afford to wait 45 real seconds.
func (m *Manager) SetTimings(acceptWindow, retryPeriod time.Duration) {
	m.acceptWindow = acceptWindow
	m.retryPeriod = retryPeriod
}

// WindowOpen reports whether an exchange is currently in progress, i.e.
// whether the MPS-window HMAC exception should be honored right now
// (spec.md §4.1, §4.3: "outside the holder's acceptance window,
// Obtain-Creds frames are ignored even if well-formed").
func (m *Manager) WindowOpen() bool {
	select {
	case tok := <-m.mu:
		m.mu <- tok
		return false
	default:
		return true
	}
}

// Deliver hands an incoming Obtain-Creds frame to whichever role is
// currently running, dropping it silently if no exchange is in
// progress or the queue is momentarily full (spec.md §4.3: "Outside the
// holder's acceptance window, Obtain-Creds frames are ignored even if
// well-formed"). The WindowOpen check is what actually enforces that;
// without it, a frame arriving while idle would sit in the buffered
// channel and get handed to the next, unrelated exchange as soon as one
// starts.
func (m *Manager) Deliver(msg wire.ObtainCreds, rawTag []byte) {
	if !m.WindowOpen() {
		return
	}
	select {
	case m.incoming <- inbound{msg: msg, rawTag: rawTag}:
	default:
	}
}

// ButtonPressed starts an exchange in the role implied by whether this
// node already holds a credential, gated by the single-outstanding-
// request mutex (spec.md §4.3). It returns once the role has been
// chosen; the exchange itself runs asynchronously until it completes,
// times out, or ctx is canceled.
func (m *Manager) ButtonPressed(ctx context.Context, pressDuration time.Duration) error {
	if pressDuration < MinButtonPress || pressDuration > MaxButtonPress {
		return coreerr.New(coreerr.App, "mps.ButtonPressed",
			fmt.Errorf("press duration %v outside [%v, %v]", pressDuration, MinButtonPress, MaxButtonPress))
	}
	select {
	case <-m.mu:
	default:
		return coreerr.New(coreerr.App, "mps.ButtonPressed", fmt.Errorf("an exchange is already in progress"))
	}

	if m.store.Credential().Zero() {
		go m.runRequester(ctx)
	} else {
		go m.runHolder(ctx)
	}
	return nil
}

func (m *Manager) release() { m.mu <- struct{}{} }

func (m *Manager) logf(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Infof(format, args...)
	}
}

// runRequester drives the SYN-retry / OBTAIN / save-and-UNREG side of
// the exchange (spec.md §4.3 "Requester" column).
func (m *Manager) runRequester(ctx context.Context) {
	defer m.release()
	deadline := time.Now().Add(m.acceptWindow)

	var holder meshid.ID
	haveHolder := false

	m.sendSyn()
	ticker := time.NewTicker(m.retryPeriod)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.logf("mps: requester timed out after %v, releasing mutex", m.acceptWindow)
			return
		}
		timeout := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timeout.Stop()
			return
		case <-timeout.C:
			return
		case <-ticker.C:
			timeout.Stop()
			if !haveHolder {
				m.sendSyn()
			}
		case in := <-m.incoming:
			timeout.Stop()
			switch in.msg.Stage {
			case wire.StageSynAck:
				if haveHolder {
					continue
				}
				holder = in.msg.Src
				haveHolder = true
				_ = m.radio.AddPeer(holder)
				m.sendObtain(holder)
			case wire.StageRespond:
				if !haveHolder || in.msg.Src != holder || len(in.rawTag) != credential.Size {
					continue
				}
				var cred credential.Credential
				copy(cred[:], in.rawTag)
				m.store.SetCredential(cred)
				m.sendUnreg(holder)
				_ = m.radio.RemovePeer(holder)
				m.logf("mps: requester obtained credential from %s", holder)
				return
			}
		}
	}
}

// runHolder drives the acceptance-window / SYN_ACK / RESPOND side of the
// exchange (spec.md §4.3 "Holder" column).
func (m *Manager) runHolder(ctx context.Context) {
	defer m.release()
	deadline := time.Now().Add(m.acceptWindow)

	var requester meshid.ID
	haveRequester := false
	cleanup := func() {
		if haveRequester {
			_ = m.radio.RemovePeer(requester)
		}
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.logf("mps: holder's acceptance window closed")
			cleanup()
			return
		}
		timeout := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timeout.Stop()
			cleanup()
			return
		case <-timeout.C:
			cleanup()
			return
		case in := <-m.incoming:
			timeout.Stop()
			switch in.msg.Stage {
			case wire.StageSyn:
				if haveRequester {
					continue
				}
				requester = in.msg.Src
				haveRequester = true
				_ = m.radio.AddPeer(requester)
				m.sendSynAck(requester)
			case wire.StageObtain:
				if !haveRequester || in.msg.Src != requester {
					continue
				}
				m.sendRespond(requester)
			case wire.StageUnreg:
				if haveRequester && in.msg.Src == requester {
					_ = m.radio.RemovePeer(requester)
					m.logf("mps: holder completed exchange with %s", requester)
					return
				}
			}
		}
	}
}

// sendSyn and sendObtain/sendUnreg are signed with the zero credential,
// the publicly known "uninitialized" value. A holder's real credential
// does not verify that signature, so these frames reach the holder only
// through the MPS-window exception while its exchange runs, and the
// holder ignores the raw tag they carry. Likewise the holder's SYN_ACK,
// signed with its real credential, reaches the zero-credential requester
// only through the exception. RESPOND is the one stage whose raw tag is
// used: it carries the credential itself (spec.md §4.1/§4.3).
func (m *Manager) sendSyn() {
	body := wire.ObtainCreds{Stage: wire.StageSyn, Src: m.self}
	_ = m.radio.Send(meshid.Broadcast, wire.EncodeBroadcast(m.self, credential.Credential{}, body))
}

func (m *Manager) sendObtain(holder meshid.ID) {
	body := wire.ObtainCreds{Stage: wire.StageObtain, Src: m.self}
	_ = m.radio.Send(holder, wire.EncodeBroadcast(m.self, credential.Credential{}, body))
}

func (m *Manager) sendUnreg(holder meshid.ID) {
	body := wire.ObtainCreds{Stage: wire.StageUnreg, Src: m.self}
	_ = m.radio.Send(holder, wire.EncodeBroadcast(m.self, credential.Credential{}, body))
}

func (m *Manager) sendSynAck(requester meshid.ID) {
	body := wire.ObtainCreds{Stage: wire.StageSynAck, Src: m.self}
	_ = m.radio.Send(meshid.Broadcast, wire.EncodeBroadcast(m.self, m.store.Credential(), body))
}

// sendRespond is the one message that reveals the secret: the trailing
// 32 bytes are the raw Credential itself, not an HMAC digest, so an
// as-yet-uninitialized requester can accept it via the MPS-window
// exception (spec.md §4.1, §4.3 RESPOND step).
func (m *Manager) sendRespond(requester meshid.ID) {
	body := wire.ObtainCreds{Stage: wire.StageRespond, Src: m.self}
	_ = m.radio.Send(requester, wire.EncodeBroadcastCredentialReveal(m.self, body, m.store.Credential()))
}
