// Package wire implements the two message families on the wire: the
// broadcast frame (HMAC-signed, fixed binary layout per type) and the
// tree frame (newline-delimited JSON record). See spec.md §4.1 and §6.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// Type is the broadcast frame's one-byte message type tag.
type Type uint8

const (
	TypeAdvertise     Type = 1
	TypeRootElected   Type = 2 // reserved, see capabilityRootElected
	TypeSendWifiCreds Type = 3
	TypeObtainCreds   Type = 7
)

// capabilityRootElected gates emission of TypeRootElected. It is kept in
// the codec (spec.md §9: "keep it in the codec but gate its use behind a
// capability flag") but never set true by this implementation.
const capabilityRootElected = false

// RootElectedCapable reports whether this build is allowed to emit
// TypeRootElected frames.
func RootElectedCapable() bool { return capabilityRootElected }

const (
	magicByte  byte = 0xA5
	digestSize      = credential.Size         // 32, HMAC-SHA256 digest
	headerSize      = 1 + 1 + meshid.Size + 1 // magic, length, src, type
)

// Body is implemented by each broadcast message type's payload.
type Body interface {
	Type() Type
	encode() []byte
}

// Frame is a fully decoded broadcast frame: its source, type, body bytes
// (still type-specific, use the per-type Decode* helpers), and whether
// the HMAC check passed normally (false if it was accepted only under
// the MPS-window exception).
type Frame struct {
	Src       meshid.ID
	Type      Type
	Body      []byte
	Verified  bool
	MPSRawTag []byte // when !Verified and MPS-eligible, the raw trailing 32 bytes reinterpreted as a credential
}

// EncodeBroadcast serializes a typed body and signs it with cred,
// producing the bytes ready for the broadcast radio (spec.md §4.1,
// §6): magic | length | src | type | body | digest(type||body).
func EncodeBroadcast(src meshid.ID, cred credential.Credential, body Body) []byte {
	typeAndBody := append([]byte{byte(body.Type())}, body.encode()...)
	digest := cred.Sign(typeAndBody)

	length := len(typeAndBody) + digestSize // type, body, digest: every byte after src
	out := make([]byte, 0, headerSize+len(typeAndBody)+digestSize)
	out = append(out, magicByte, byte(length))
	out = append(out, src[:]...)
	out = append(out, typeAndBody...)
	out = append(out, digest[:]...)
	return out
}

// EncodeBroadcastCredentialReveal builds a wire-format Obtain-Creds frame
// whose trailing 32 bytes are the raw credential value itself instead of
// an HMAC digest. This is the wire-level mechanism an MPS holder uses in
// its RESPOND step to hand its credential to an uninitialized requester
// that has no key yet to verify a real signature (spec.md §4.1 MPS
// window exception, §4.3 RESPOND step).
func EncodeBroadcastCredentialReveal(src meshid.ID, msg ObtainCreds, reveal credential.Credential) []byte {
	typeAndBody := append([]byte{byte(msg.Type())}, msg.encode()...)
	length := len(typeAndBody) + digestSize
	out := make([]byte, 0, headerSize+len(typeAndBody)+digestSize)
	out = append(out, magicByte, byte(length))
	out = append(out, src[:]...)
	out = append(out, typeAndBody...)
	out = append(out, reveal[:]...)
	return out
}

// DecodeBroadcast parses the wire layout and verifies the HMAC digest.
//
// If the digest does not match, the frame is normally dropped. The one
// exception (spec.md §4.1): when mpsWindowOpen is true and the body
// length matches exactly the Obtain-Creds body size, the trailing 32
// bytes are reinterpreted as the payload credential itself instead of a
// digest — this is how an uninitialized requester accepts its first
// secret from a holder it cannot yet authenticate.
func DecodeBroadcast(raw []byte, cred credential.Credential, mpsWindowOpen bool) (Frame, bool) {
	var f Frame
	if len(raw) < headerSize+digestSize {
		return f, false
	}
	if raw[0] != magicByte {
		return f, false
	}
	length := int(raw[1])
	if length != len(raw)-2-meshid.Size {
		return f, false
	}
	var src meshid.ID
	copy(src[:], raw[2:2+meshid.Size])
	typeAndBody := raw[2+meshid.Size : len(raw)-digestSize]
	if len(typeAndBody) < 1 {
		return f, false
	}
	msgType := Type(typeAndBody[0])
	body := typeAndBody[1:]
	var digest [digestSize]byte
	copy(digest[:], raw[len(raw)-digestSize:])

	f = Frame{Src: src, Type: msgType, Body: body}
	if cred.Verify(typeAndBody, digest) {
		f.Verified = true
		return f, true
	}
	if mpsWindowOpen && msgType == TypeObtainCreds && len(body) == obtainCredsBodyLen {
		f.MPSRawTag = append([]byte(nil), digest[:]...)
		return f, true
	}
	return f, false
}

// --- per-type bodies ---

// Advertise is the periodic self-description frame (spec.md §3, §6).
type Advertise struct {
	ID         meshid.ID
	Centrality float32
	RSSI       float32
	InTree     bool
	TTL        uint16
}

func (Advertise) Type() Type { return TypeAdvertise }

func (a Advertise) encode() []byte {
	buf := make([]byte, meshid.Size+4+4+1+2)
	copy(buf[0:6], a.ID[:])
	binary.BigEndian.PutUint32(buf[6:10], math.Float32bits(a.Centrality))
	binary.BigEndian.PutUint32(buf[10:14], math.Float32bits(a.RSSI))
	if a.InTree {
		buf[14] = 1
	}
	binary.BigEndian.PutUint16(buf[15:17], a.TTL)
	return buf
}

// DecodeAdvertise decodes an Advertise body (frame.Body for TypeAdvertise).
func DecodeAdvertise(body []byte) (Advertise, error) {
	var a Advertise
	if len(body) != meshid.Size+4+4+1+2 {
		return a, fmt.Errorf("wire: advertise body wrong length %d", len(body))
	}
	copy(a.ID[:], body[0:6])
	a.Centrality = math.Float32frombits(binary.BigEndian.Uint32(body[6:10]))
	a.RSSI = math.Float32frombits(binary.BigEndian.Uint32(body[10:14]))
	a.InTree = body[14] != 0
	a.TTL = binary.BigEndian.Uint16(body[15:17])
	return a, nil
}

// SendWifiCreds is the claim frame: station-side AP credentials for dst,
// AES-encrypted under the sender's Credential (spec.md §3, §6).
type SendWifiCreds struct {
	Dst         meshid.ID
	EssidLen    uint16
	EssidEnc    [16]byte
	PasswordEnc [16]byte
}

func (SendWifiCreds) Type() Type { return TypeSendWifiCreds }

func (s SendWifiCreds) encode() []byte {
	buf := make([]byte, meshid.Size+2+16+16)
	copy(buf[0:6], s.Dst[:])
	binary.BigEndian.PutUint16(buf[6:8], s.EssidLen)
	copy(buf[8:24], s.EssidEnc[:])
	copy(buf[24:40], s.PasswordEnc[:])
	return buf
}

// DecodeSendWifiCreds decodes a SendWifiCreds body.
func DecodeSendWifiCreds(body []byte) (SendWifiCreds, error) {
	var s SendWifiCreds
	if len(body) != meshid.Size+2+16+16 {
		return s, fmt.Errorf("wire: send-wifi-creds body wrong length %d", len(body))
	}
	copy(s.Dst[:], body[0:6])
	s.EssidLen = binary.BigEndian.Uint16(body[6:8])
	copy(s.EssidEnc[:], body[8:24])
	copy(s.PasswordEnc[:], body[24:40])
	return s, nil
}

// ObtainCredsStage is the MPS five-step machine's stage tag (spec.md §4.3).
type ObtainCredsStage uint8

const (
	StageSyn ObtainCredsStage = iota
	StageSynAck
	StageObtain
	StageRespond
	StageUnreg
)

// Valid reports whether the stage is one of the five declared values
// (spec.md §8: "Incoming OBTAIN_CREDS with stage field outside {0..4} is dropped").
func (s ObtainCredsStage) Valid() bool { return s <= StageUnreg }

const obtainCredsBodyLen = 1 + meshid.Size + credential.Size // stage, src, payload

// ObtainCreds carries the MPS handshake payload (spec.md §3, §6).
type ObtainCreds struct {
	Stage   ObtainCredsStage
	Src     meshid.ID
	Payload [credential.Size]byte
}

func (ObtainCreds) Type() Type { return TypeObtainCreds }

func (o ObtainCreds) encode() []byte {
	buf := make([]byte, obtainCredsBodyLen)
	buf[0] = byte(o.Stage)
	copy(buf[1:7], o.Src[:])
	copy(buf[7:], o.Payload[:])
	return buf
}

// DecodeObtainCreds decodes an ObtainCreds body.
func DecodeObtainCreds(body []byte) (ObtainCreds, error) {
	var o ObtainCreds
	if len(body) != obtainCredsBodyLen {
		return o, fmt.Errorf("wire: obtain-creds body wrong length %d", len(body))
	}
	o.Stage = ObtainCredsStage(body[0])
	copy(o.Src[:], body[1:7])
	copy(o.Payload[:], body[7:])
	return o, nil
}
