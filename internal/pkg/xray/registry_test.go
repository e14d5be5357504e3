package xray

import (
	"strings"
	"sync"
	"testing"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *SessionStore) {
	sessions := NewSessionStore()
	return NewRegistry(NewDeriver(sessions, constants.SessionKeyLabel)), sessions
}

func TestRegistry_ObserveRequest(t *testing.T) {
	reg, _ := newTestRegistry()
	h := newHandshake(t, "r1")

	reg.ObserveRequest(mustRequest(t, h.request(t)))

	hc, ok := reg.Context("r1")
	require.True(t, ok)
	assert.Equal(t, "did:web:alice.example", hc.InitiatorDID)
	assert.Equal(t, "nonce-a", hc.InitiatorNonce)
	assert.Equal(t, h.initPub.Multibase(), hc.InitiatorEphemeral)
	assert.Equal(t, wire.SuiteX25519XChaCha, hc.Suite)
	assert.False(t, hc.ResponseObserved)
	assert.Empty(t, hc.ResponderEphemeral)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_DuplicateRequestOverwrites(t *testing.T) {
	reg, _ := newTestRegistry()
	h := newHandshake(t, "r1")

	reg.ObserveRequest(mustRequest(t, h.requestWithNonce(t, "first")))
	reg.ObserveRequest(mustRequest(t, h.requestWithNonce(t, "second")))

	assert.Equal(t, 1, reg.Len())
	hc, ok := reg.Context("r1")
	require.True(t, ok)
	assert.Equal(t, "second", hc.InitiatorNonce)
}

func TestRegistry_DuplicateRequestAfterDerivationKeepsPair(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")
	reg.ObserveRequest(mustRequest(t, h.request(t)))
	require.Equal(t, OutcomeDerived, reg.ObserveResponse(mustResponse(t, h.response(t)), []string{h.respPriv.Hex()}))

	reg.ObserveRequest(mustRequest(t, h.requestWithNonce(t, "again")))

	hc, ok := reg.Context("r1")
	require.True(t, ok)
	assert.False(t, hc.ResponseObserved)
	assert.False(t, hc.KeysResolved)
	assert.Empty(t, hc.TranscriptHash)
	_, ok = reg.TranscriptHash("r1")
	assert.False(t, ok)

	keys, ok := sessions.Get("r1")
	require.True(t, ok, "earlier pair is not removed")
	assert.Equal(t, h.expectedKeys(t), keys)

	// A fresh response relinks and overwrites the pair in place.
	require.Equal(t, OutcomeDerived, reg.ObserveResponse(mustResponse(t, h.response(t)), []string{h.respPriv.Hex()}))
	assert.Equal(t, 1, sessions.Len())
	hc, _ = reg.Context("r1")
	assert.True(t, hc.KeysResolved)
}

func TestRegistry_ResponseBeforeRequest(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")

	outcome := reg.ObserveResponse(mustResponse(t, h.response(t)), []string{h.respPriv.Hex()})

	assert.Equal(t, OutcomeOrphan, outcome)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, sessions.Len())
}

func TestRegistry_InvalidProofLeavesContextRequestOnly(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")
	reg.ObserveRequest(mustRequest(t, h.request(t)))

	res := mustResponse(t, h.responseWith(t, h.respPub, "zz-not-hex"))
	outcome := reg.ObserveResponse(res, []string{h.respPriv.Hex()})

	assert.Equal(t, OutcomeInvalidProof, outcome)
	hc, _ := reg.Context("r1")
	assert.False(t, hc.ResponseObserved)
	assert.Empty(t, hc.ResponderEphemeral)
	assert.Empty(t, hc.TranscriptHash)
	assert.Equal(t, 0, sessions.Len())

	_, ok := reg.TranscriptHash("r1")
	assert.False(t, ok)
}

func TestRegistry_DerivesWithEitherSide(t *testing.T) {
	tests := []struct {
		name     string
		secret   func(h handshake) string
		wantSide string
	}{
		{"responder secret hex", func(h handshake) string { return h.respPriv.Hex() }, "responder"},
		{"initiator secret hex", func(h handshake) string { return h.initPriv.Hex() }, "initiator"},
		{"responder secret multibase", func(h handshake) string { return h.respPriv.Multibase() }, "responder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, sessions := newTestRegistry()
			h := newHandshake(t, "r1")
			reg.ObserveRequest(mustRequest(t, h.request(t)))

			outcome := reg.ObserveResponse(mustResponse(t, h.response(t)), []string{tt.secret(h)})
			require.Equal(t, OutcomeDerived, outcome)

			keys, ok := sessions.Get("r1")
			require.True(t, ok)
			assert.Equal(t, h.expectedKeys(t), keys)

			infos := sessions.Sessions()
			require.Len(t, infos, 1)
			assert.Equal(t, tt.wantSide, infos[0].Side)

			hc, _ := reg.Context("r1")
			assert.True(t, hc.ResponseObserved)
			assert.True(t, hc.KeysResolved)
			assert.Equal(t, h.hash, hc.TranscriptHash)
			assert.Equal(t, "did:web:bob.example", hc.ResponderDID)
		})
	}
}

func TestRegistry_NoMatchingCandidate(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")
	stranger, err := primitives.GenerateKey()
	require.NoError(t, err)

	reg.ObserveRequest(mustRequest(t, h.request(t)))
	outcome := reg.ObserveResponse(mustResponse(t, h.response(t)), []string{stranger.Hex()})

	assert.Equal(t, OutcomeUnresolved, outcome)
	assert.False(t, sessions.Has("r1"))

	hc, _ := reg.Context("r1")
	assert.True(t, hc.ResponseObserved)
	assert.False(t, hc.KeysResolved)

	stats := reg.Stats()
	assert.Equal(t, 1, stats.Unresolved)
}

func TestRegistry_SkipsUnparseableCandidates(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")
	reg.ObserveRequest(mustRequest(t, h.request(t)))

	secrets := []string{"", "garbage", strings.Repeat("ab", 31), h.respPriv.Hex()}
	outcome := reg.ObserveResponse(mustResponse(t, h.response(t)), secrets)

	assert.Equal(t, OutcomeDerived, outcome)
	assert.True(t, sessions.Has("r1"))
}

func TestRegistry_FirstMatchingCandidateWins(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")
	reg.ObserveRequest(mustRequest(t, h.request(t)))

	secrets := []string{h.initPriv.Hex(), h.respPriv.Hex()}
	require.Equal(t, OutcomeDerived, reg.ObserveResponse(mustResponse(t, h.response(t)), secrets))

	infos := sessions.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "initiator", infos[0].Side)
	assert.Equal(t, h.initPub.Fingerprint(), infos[0].Candidate)
}

func TestRegistry_SecondResponseKeepsEphemeral(t *testing.T) {
	reg, _ := newTestRegistry()
	h := newHandshake(t, "r1")
	other := newHandshake(t, "other")
	reg.ObserveRequest(mustRequest(t, h.request(t)))

	reg.ObserveResponse(mustResponse(t, h.response(t)), nil)
	reg.ObserveResponse(mustResponse(t, h.responseWith(t, other.respPub, "ff")), nil)

	hc, _ := reg.Context("r1")
	assert.Equal(t, h.respPub.Multibase(), hc.ResponderEphemeral)
	assert.Equal(t, h.hash, hc.TranscriptHash)
}

func TestRegistry_Rederive(t *testing.T) {
	reg, sessions := newTestRegistry()
	h := newHandshake(t, "r1")

	_, ok := reg.Rederive("r1", []string{h.respPriv.Hex()})
	assert.False(t, ok, "unknown context")

	reg.ObserveRequest(mustRequest(t, h.request(t)))
	_, ok = reg.Rederive("r1", []string{h.respPriv.Hex()})
	assert.False(t, ok, "response not yet observed")

	require.Equal(t, OutcomeUnresolved, reg.ObserveResponse(mustResponse(t, h.response(t)), nil))
	assert.False(t, sessions.Has("r1"))

	outcome, ok := reg.Rederive("r1", []string{h.respPriv.Hex()})
	require.True(t, ok)
	assert.Equal(t, OutcomeDerived, outcome)
	assert.True(t, sessions.Has("r1"))
}

func TestRegistry_ContextCopiesAreIsolated(t *testing.T) {
	reg, _ := newTestRegistry()
	h := newHandshake(t, "r1")
	reg.ObserveRequest(mustRequest(t, h.request(t)))
	reg.ObserveResponse(mustResponse(t, h.response(t)), nil)

	hc, _ := reg.Context("r1")
	hc.TranscriptHash[0] ^= 0xff

	again, _ := reg.Context("r1")
	assert.Equal(t, h.hash, again.TranscriptHash)
}

func TestRegistry_ContextsSorted(t *testing.T) {
	reg, _ := newTestRegistry()
	for _, id := range []string{"c", "a", "b"} {
		reg.ObserveRequest(mustRequest(t, newHandshake(t, id).request(t)))
	}

	var ids []string
	for _, hc := range reg.Contexts() {
		ids = append(ids, hc.RequestID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRegistry_ConcurrentHandshakes(t *testing.T) {
	reg, sessions := newTestRegistry()

	const n = 32
	hs := make([]handshake, n)
	var secrets []string
	for i := range hs {
		hs[i] = newHandshake(t, "conn-"+string(rune('A'+i)))
		secrets = append(secrets, hs[i].respPriv.Hex())
	}

	// Decode up front; require must not run on worker goroutines.
	reqs := make([]*wire.ConnectionRequest, n)
	resps := make([]*wire.ConnectionResponse, n)
	for i, h := range hs {
		reqs[i] = mustRequest(t, h.request(t))
		resps[i] = mustResponse(t, h.response(t))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.ObserveRequest(reqs[i])
			reg.ObserveResponse(resps[i], secrets)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, reg.Len())
	assert.Equal(t, n, sessions.Len())
	assert.Equal(t, n, reg.Stats().Resolved)
}
