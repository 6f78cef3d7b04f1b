// Package keys handles the 16-byte symmetric keys that authenticate
// connections.
//
// Keys are provisioned by the handshake or account layer. This package only
// parses, generates, derives and wipes them; it never formats a key for
// logging.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Size is the length of a connection key in bytes.
const Size = 16

// Key errors.
var (
	// ErrInvalidKeySize indicates key material of the wrong length.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrEmptySecret indicates a derivation without input keying material.
	ErrEmptySecret = errors.New("secret is required")
)

// Key is a connection key.
type Key [Size]byte

// FromBytes copies b into a Key.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("%w: %d != %d", ErrInvalidKeySize, len(b), Size)
	}
	copy(k[:], b)
	return k, nil
}

// ParseHex decodes a hex-encoded key. Surrounding whitespace is ignored.
func ParseHex(s string) (Key, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	defer Wipe(raw)
	return FromBytes(raw)
}

// Generate reads a random key from r. A nil reader uses crypto/rand.
func Generate(r io.Reader) (Key, error) {
	if r == nil {
		r = rand.Reader
	}
	var k Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// Derive expands a handshake secret into a connection key with
// HKDF-SHA256. Salt may be nil; info binds the key to its use, for example
// "session:<id>".
func Derive(secret, salt []byte, info string) (Key, error) {
	if len(secret) == 0 {
		return Key{}, ErrEmptySecret
	}
	var k Key
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, fmt.Errorf("derive key: %w", err)
	}
	return k, nil
}

// Hex returns the hex encoding of k. Only for key distribution tooling.
func (k *Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether every byte of k is zero.
func (k *Key) IsZero() bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}

// Wipe zeroes k in place.
func (k *Key) Wipe() {
	Wipe(k[:])
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	clear(b)
	// Keep the stores from being treated as dead.
	runtime.KeepAlive(b)
}
