// Package primitives holds the OAP cryptographic building blocks: X25519 key
// handling, session key derivation, and the padded XChaCha20-Poly1305 container.
package primitives

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of X25519 scalars and points.
const KeySize = curve25519.ScalarSize

// multicodec varint prefixes for X25519 keys
var (
	x25519PubCodec  = []byte{0xec, 0x01}
	x25519PrivCodec = []byte{0x82, 0x26}
)

var (
	ErrInvalidKey     = errors.New("primitives: invalid key encoding")
	ErrInvalidKeySize = errors.New("primitives: invalid key size")
)

// PrivateKey is a raw X25519 scalar.
type PrivateKey [KeySize]byte

// PublicKey is a raw X25519 point.
type PublicKey [KeySize]byte

// GenerateKey returns a fresh clamped X25519 private key.
func GenerateKey() (PrivateKey, error) {
	var k PrivateKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	return k, nil
}

// ParsePrivateKey decodes a candidate secret. Multibase is tried first and hex
// second; whichever decodes first must yield exactly KeySize raw bytes.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var k PrivateKey
	raw, err := decodeKey(s, x25519PrivCodec)
	if err != nil {
		return k, err
	}
	copy(k[:], raw)
	Wipe(raw)
	return k, nil
}

// ParsePublicKey decodes an ephemeral public key as carried in a handshake.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	raw, err := decodeKey(s, x25519PubCodec)
	if err != nil {
		return p, err
	}
	copy(p[:], raw)
	return p, nil
}

func decodeKey(s string, codec []byte) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	if _, raw, err := multibase.Decode(s); err == nil {
		if len(raw) == KeySize+len(codec) && subtle.ConstantTimeCompare(raw[:len(codec)], codec) == 1 {
			raw = raw[len(codec):]
		}
		if len(raw) == KeySize {
			return raw, nil
		}
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: neither multibase nor hex", ErrInvalidKey)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(raw))
	}
	return raw, nil
}

// PublicKey computes the X25519 public key for k.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	var p PublicKey
	pb, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return p, err
	}
	copy(p[:], pb)
	return p, nil
}

// Hex returns the lowercase hex encoding of k.
func (k PrivateKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Multibase returns k as base58btc multibase with the x25519-priv codec prefix.
func (k PrivateKey) Multibase() string {
	return encodeMultibase(x25519PrivCodec, k[:])
}

// Multibase returns p as base58btc multibase with the x25519-pub codec prefix.
func (p PublicKey) Multibase() string {
	return encodeMultibase(x25519PubCodec, p[:])
}

// Equal compares two public keys in constant time.
func (p PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(p[:], other[:]) == 1
}

// Fingerprint returns a short hex fingerprint of p.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func (p PublicKey) Fingerprint() string {
	sum := sha256.Sum256(p[:])
	return hex.EncodeToString(sum[:10])
}

func encodeMultibase(codec, key []byte) string {
	buf := make([]byte, 0, len(codec)+len(key))
	buf = append(buf, codec...)
	buf = append(buf, key...)
	// Base58BTC is always a supported encoding, so Encode cannot fail here.
	s, _ := multibase.Encode(multibase.Base58BTC, buf)
	return s
}
