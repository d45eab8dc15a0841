// Package credential holds the shared mesh secret (Credential) and the
// broadcast radio's own link keys (PMK/LMK), and the crypto operations
// built on the Credential: HMAC-SHA256 signing for the broadcast wire
// codec, and AES-128 encryption of station Wi-Fi creds carried in a
// Send-Wifi-Creds claim.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Size is the length in bytes of a Credential (also the HMAC-SHA256 digest size).
const Size = 32

// PMKLMKSize is the required length of PMK and LMK.
const PMKLMKSize = 16

// claimIV is the fixed IV used for the AES-CBC claim encryption, matching
// the original firmware's cryptolib.aes(key, 2, b"1234"*4) call (mode 2 = CBC).
var claimIV = []byte("1234123412341234")

// Credential is the 32-byte HMAC-SHA256 key shared by all mesh members.
// The zero value means "uninitialized" (no credential yet).
type Credential [Size]byte

// Zero reports whether the credential is uninitialized.
func (c Credential) Zero() bool {
	return c == Credential{}
}

// FromConfig pads or truncates an arbitrary-length preshared value to
// Size bytes, matching the original firmware's get_config padding rule:
// shorter values are zero-padded, longer ones truncated.
func FromConfig(raw []byte) Credential {
	var c Credential
	copy(c[:], raw)
	return c
}

// Sign computes the HMAC-SHA256 digest of msg keyed by the credential.
func (c Credential) Sign(msg []byte) [Size]byte {
	mac := hmac.New(sha256.New, c[:])
	mac.Write(msg)
	var out [Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Verify checks digest against the HMAC-SHA256 of msg in constant time.
func (c Credential) Verify(msg []byte, digest [Size]byte) bool {
	want := c.Sign(msg)
	return subtle.ConstantTimeCompare(want[:], digest[:]) == 1
}

// aesKey is the first 16 bytes of the credential, used as an AES-128 key
// (spec.md §3: "its first 16 bytes double as an AES-128 key").
func (c Credential) aesKey() []byte {
	return c[:PMKLMKSize]
}

// EncryptClaimField AES-encrypts a 16-byte claim field (essid or
// password) for a Send-Wifi-Creds frame.
func (c Credential) EncryptClaimField(plain [16]byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(c.aesKey())
	if err != nil {
		return out, fmt.Errorf("credential: aes key: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, claimIV)
	mode.CryptBlocks(out[:], plain[:])
	return out, nil
}

// DecryptClaimField reverses EncryptClaimField.
func (c Credential) DecryptClaimField(enc [16]byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(c.aesKey())
	if err != nil {
		return out, fmt.Errorf("credential: aes key: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, claimIV)
	mode.CryptBlocks(out[:], enc[:])
	return out, nil
}

// PadField16 right-pads s with zero bytes (or truncates) to exactly 16
// bytes, matching the original firmware's "(value + 16*'\x00')[:16]".
func PadField16(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	return out
}

// UnpadField16 trims trailing zero bytes added by PadField16, optionally
// truncated further to n bytes (the essid length carried on the wire).
func UnpadField16(b [16]byte, n int) string {
	if n < 0 || n > len(b) {
		n = len(b)
	}
	trimmed := b[:n]
	end := len(trimmed)
	for end > 0 && trimmed[end-1] == 0 {
		end--
	}
	return string(trimmed[:end])
}

// Key is a fixed 16-byte PMK or LMK consumed as an opaque input by the
// broadcast radio driver for its own link-layer encryption.
type Key [PMKLMKSize]byte

// NewKey validates and wraps a raw PMK/LMK value.
func NewKey(raw []byte) (Key, error) {
	var k Key
	if len(raw) != PMKLMKSize {
		return k, fmt.Errorf("credential: key must be %d bytes, got %d", PMKLMKSize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}
