package primitives

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"golang.org/x/crypto/chacha20poly1305"
)

const lengthPrefixSize = 4

var (
	ErrAuthenticationFailed = errors.New("primitives: authentication failed")
	ErrUnsupportedEnc       = errors.New("primitives: unsupported content encryption")
	ErrInvalidPadding       = errors.New("primitives: invalid padding")
	ErrPlaintextTooLarge    = errors.New("primitives: plaintext too large")
)

// Seal encrypts plaintext into a container bound to kid and seq. The
// plaintext is length-prefixed and followed by a random amount of zero
// padding in [0, maxPad].
func Seal(plaintext []byte, key SessionKey, kid string, seq uint64, maxPad int) (*wire.Container, error) {
	if uint64(len(plaintext)) > uint64(^uint32(0)) {
		return nil, ErrPlaintextTooLarge
	}

	pad, err := randomPad(maxPad)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, lengthPrefixSize+len(plaintext)+pad)
	binary.BigEndian.PutUint32(padded, uint32(len(plaintext)))
	copy(padded[lengthPrefixSize:], plaintext)
	defer Wipe(padded)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	c, err := wire.NewContainer(wire.Header{
		Alg: wire.AlgDirect,
		Enc: wire.EncXChaCha,
		Kid: kid,
		Seq: seq,
		Typ: wire.TypeContainer,
	}, nonce, nil, nil)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	sealed := aead.Seal(nil, nonce, padded, c.AAD())
	split := len(sealed) - aead.Overhead()
	c.Ciphertext = sealed[:split]
	c.Tag = sealed[split:]
	return c, nil
}

// Open authenticates and decrypts c under key, stripping the padding.
func Open(c *wire.Container, key SessionKey) ([]byte, error) {
	if c.Header.Enc != wire.EncXChaCha {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEnc, c.Header.Enc)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}
	if len(c.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size %d", ErrAuthenticationFailed, len(c.IV))
	}

	sealed := make([]byte, 0, len(c.Ciphertext)+len(c.Tag))
	sealed = append(sealed, c.Ciphertext...)
	sealed = append(sealed, c.Tag...)

	padded, err := aead.Open(nil, c.IV, sealed, c.AAD())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	defer Wipe(padded)

	if len(padded) < lengthPrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPadding, len(padded))
	}
	n := binary.BigEndian.Uint32(padded)
	if uint64(n) > uint64(len(padded)-lengthPrefixSize) {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrInvalidPadding, n, len(padded)-lengthPrefixSize)
	}

	plaintext := make([]byte, n)
	copy(plaintext, padded[lengthPrefixSize:lengthPrefixSize+int(n)])
	return plaintext, nil
}

func randomPad(maxPad int) (int, error) {
	if maxPad <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxPad)+1))
	if err != nil {
		return 0, fmt.Errorf("padding: %w", err)
	}
	return int(n.Int64()), nil
}
