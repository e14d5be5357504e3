package xray

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"github.com/stretchr/testify/require"
)

// handshake is a pair of ephemeral key pairs and a transcript hash for one
// simulated OAP connection.
type handshake struct {
	id       string
	initPriv primitives.PrivateKey
	initPub  primitives.PublicKey
	respPriv primitives.PrivateKey
	respPub  primitives.PublicKey
	hash     []byte
}

func newHandshake(t *testing.T, id string) handshake {
	t.Helper()
	h := handshake{id: id}

	var err error
	h.initPriv, err = primitives.GenerateKey()
	require.NoError(t, err)
	h.initPub, err = h.initPriv.PublicKey()
	require.NoError(t, err)
	h.respPriv, err = primitives.GenerateKey()
	require.NoError(t, err)
	h.respPub, err = h.respPriv.PublicKey()
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("transcript:" + id))
	h.hash = sum[:]
	return h
}

func (h handshake) request(t *testing.T) []byte {
	t.Helper()
	return h.requestWithNonce(t, "nonce-a")
}

func (h handshake) requestWithNonce(t *testing.T, nonce string) []byte {
	t.Helper()
	body, err := json.Marshal(wire.ConnectionRequest{
		Type:    wire.TypeConnectionRequest,
		ID:      h.id,
		From:    "did:web:alice.example",
		Created: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Body: wire.ConnectionRequestBody{
			Nonce: nonce,
			KeyExchange: wire.RequestKeyExchange{
				Algorithm:       "X25519",
				PublicKey:       h.initPub.Multibase(),
				SupportedSuites: []wire.CipherSuite{wire.SuiteX25519XChaCha},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func (h handshake) response(t *testing.T) []byte {
	t.Helper()
	return h.responseWith(t, h.respPub, hex.EncodeToString(h.hash))
}

func (h handshake) responseWith(t *testing.T, pub primitives.PublicKey, transcriptHash string) []byte {
	t.Helper()
	body, err := json.Marshal(wire.ConnectionResponse{
		Type:    wire.TypeConnectionResponse,
		ID:      h.id + "-res",
		ReplyTo: h.id,
		From:    "did:web:bob.example",
		Created: time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		Body: wire.ConnectionResponseBody{
			Nonce: "nonce-b",
			KeyExchange: wire.ResponseKeyExchange{
				PublicKey:       pub.Multibase(),
				NegotiatedSuite: wire.SuiteX25519XChaCha,
			},
		},
		Proof: wire.Proof{TranscriptHash: transcriptHash},
	})
	require.NoError(t, err)
	return body
}

// expectedKeys computes the session pair independently of the deriver.
func (h handshake) expectedKeys(t *testing.T) SessionKeyPair {
	t.Helper()
	shared, err := primitives.Agree(h.initPriv, h.respPub)
	require.NoError(t, err)
	keys, err := primitives.DeriveSessionKeys(shared, h.hash, DefaultConfig().KDFLabel)
	require.NoError(t, err)
	return keys
}

func sealJSON(t *testing.T, plaintext string, key primitives.SessionKey) []byte {
	t.Helper()
	c, err := primitives.Seal([]byte(plaintext), key, "", 1, 64)
	require.NoError(t, err)
	body, err := json.Marshal(c)
	require.NoError(t, err)
	return body
}

func mustRequest(t *testing.T, body []byte) *wire.ConnectionRequest {
	t.Helper()
	req, err := wire.DecodeConnectionRequest(body)
	require.NoError(t, err)
	return req
}

func mustResponse(t *testing.T, body []byte) *wire.ConnectionResponse {
	t.Helper()
	res, err := wire.DecodeConnectionResponse(body)
	require.NoError(t, err)
	return res
}
