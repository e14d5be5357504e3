// Package oaptest builds OAP handshakes and containers for tests in other
// packages.
package oaptest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"github.com/stretchr/testify/require"
)

// Handshake holds both ephemeral key pairs and the transcript hash of one
// simulated connection.
type Handshake struct {
	ID       string
	InitPriv primitives.PrivateKey
	InitPub  primitives.PublicKey
	RespPriv primitives.PrivateKey
	RespPub  primitives.PublicKey
	Hash     []byte
}

// NewHandshake generates fresh key pairs for connection id.
func NewHandshake(t testing.TB, id string) *Handshake {
	t.Helper()
	h := &Handshake{ID: id}

	var err error
	h.InitPriv, err = primitives.GenerateKey()
	require.NoError(t, err)
	h.InitPub, err = h.InitPriv.PublicKey()
	require.NoError(t, err)
	h.RespPriv, err = primitives.GenerateKey()
	require.NoError(t, err)
	h.RespPub, err = h.RespPriv.PublicKey()
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("transcript:" + id))
	h.Hash = sum[:]
	return h
}

// Request returns the JSON ConnectionRequest.
func (h *Handshake) Request(t testing.TB) []byte {
	t.Helper()
	body, err := json.Marshal(wire.ConnectionRequest{
		Type:    wire.TypeConnectionRequest,
		ID:      h.ID,
		From:    "did:web:alice.example",
		To:      "did:web:bob.example",
		Created: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Body: wire.ConnectionRequestBody{
			Nonce: "nonce-a",
			KeyExchange: wire.RequestKeyExchange{
				Algorithm:       "X25519",
				PublicKey:       h.InitPub.Multibase(),
				SupportedSuites: []wire.CipherSuite{wire.SuiteX25519XChaCha},
			},
		},
	})
	require.NoError(t, err)
	return body
}

// Response returns the JSON ConnectionResponse with a valid proof.
func (h *Handshake) Response(t testing.TB) []byte {
	t.Helper()
	body, err := json.Marshal(wire.ConnectionResponse{
		Type:    wire.TypeConnectionResponse,
		ID:      h.ID + "-res",
		ReplyTo: h.ID,
		From:    "did:web:bob.example",
		Created: time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		Body: wire.ConnectionResponseBody{
			Nonce: "nonce-b",
			KeyExchange: wire.ResponseKeyExchange{
				PublicKey:       h.RespPub.Multibase(),
				NegotiatedSuite: wire.SuiteX25519XChaCha,
			},
		},
		Proof: wire.Proof{TranscriptHash: hex.EncodeToString(h.Hash)},
	})
	require.NoError(t, err)
	return body
}

// Keys computes the session pair the way both peers do.
func (h *Handshake) Keys(t testing.TB) primitives.SessionKeys {
	t.Helper()
	shared, err := primitives.Agree(h.InitPriv, h.RespPub)
	require.NoError(t, err)
	keys, err := primitives.DeriveSessionKeys(shared, h.Hash, constants.SessionKeyLabel)
	require.NoError(t, err)
	return keys
}

// Seal encrypts plaintext under key and returns the container JSON.
func Seal(t testing.TB, plaintext string, key primitives.SessionKey) []byte {
	t.Helper()
	c, err := primitives.Seal([]byte(plaintext), key, "", 1, 64)
	require.NoError(t, err)
	body, err := json.Marshal(c)
	require.NoError(t, err)
	return body
}
