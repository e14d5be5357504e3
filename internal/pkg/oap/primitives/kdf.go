package primitives

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrLowOrderPoint = errors.New("primitives: key agreement produced low-order result")
	ErrEmptyLabel    = errors.New("primitives: empty derivation label")
)

// SessionKey is one directional 32-byte traffic key.
type SessionKey [constants.SessionKeySize]byte

// SessionKeys is the directional pair produced by DeriveSessionKeys.
type SessionKeys struct {
	// InitiatorToResponder protects traffic sent by the handshake initiator.
	InitiatorToResponder SessionKey
	// ResponderToInitiator protects traffic sent by the responder.
	ResponderToInitiator SessionKey
}

// Agree performs X25519 between a local scalar and a peer point. The caller
// owns the returned secret and should Wipe it once keys are derived.
func Agree(priv PrivateKey, peer PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}
	return shared, nil
}

// DeriveSessionKeys expands a shared secret into the directional key pair with
// HKDF-SHA256. The transcript hash is the salt and label is the info string.
func DeriveSessionKeys(shared, transcriptHash []byte, label string) (SessionKeys, error) {
	var keys SessionKeys
	if label == "" {
		return keys, ErrEmptyLabel
	}

	okm := make([]byte, 2*constants.SessionKeySize)
	defer Wipe(okm)

	r := hkdf.New(sha256.New, shared, transcriptHash, []byte(label))
	if _, err := io.ReadFull(r, okm); err != nil {
		return keys, fmt.Errorf("hkdf expand: %w", err)
	}

	copy(keys.InitiatorToResponder[:], okm[:constants.SessionKeySize])
	copy(keys.ResponderToInitiator[:], okm[constants.SessionKeySize:])
	return keys, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
