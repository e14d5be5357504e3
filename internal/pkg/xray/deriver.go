package xray

import (
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
)

// Deriver recovers session keys for a completed handshake context from a
// list of candidate secrets.
type Deriver struct {
	sessions *SessionStore
	label    string
}

// NewDeriver creates a deriver storing into sessions. label is the HKDF info
// string shared by both peers.
func NewDeriver(sessions *SessionStore, label string) *Deriver {
	return &Deriver{sessions: sessions, label: label}
}

// Derivation reports a successful key recovery.
type Derivation struct {
	CorrelationID string
	Side          Side
	// Candidate is the fingerprint of the matching secret's public key.
	Candidate string
}

// Derive scans secrets in order and stores the session pair for the first one
// whose public key equals either ephemeral key in hc. Unparseable secrets are
// skipped. With multiple matching secrets the result depends on their order.
func (d *Deriver) Derive(hc *HandshakeContext, secrets []string) (Derivation, bool) {
	if hc.ResponderEphemeral == "" || len(hc.TranscriptHash) == 0 {
		return Derivation{}, false
	}

	initiatorPub, err := primitives.ParsePublicKey(hc.InitiatorEphemeral)
	if err != nil {
		logger.Debug("Initiator ephemeral key unparseable", "correlation_id", hc.RequestID, "error", err)
		return Derivation{}, false
	}
	responderPub, err := primitives.ParsePublicKey(hc.ResponderEphemeral)
	if err != nil {
		logger.Debug("Responder ephemeral key unparseable", "correlation_id", hc.RequestID, "error", err)
		return Derivation{}, false
	}

	for i, secret := range secrets {
		priv, err := primitives.ParsePrivateKey(secret)
		if err != nil {
			logger.Debug("Skipping unparseable candidate secret", "index", i, "error", err)
			continue
		}

		pub, err := priv.PublicKey()
		if err != nil {
			continue
		}

		var side Side
		var peer primitives.PublicKey
		switch {
		case pub.Equal(initiatorPub):
			side, peer = SideInitiator, responderPub
		case pub.Equal(responderPub):
			side, peer = SideResponder, initiatorPub
		default:
			continue
		}

		shared, err := primitives.Agree(priv, peer)
		if err != nil {
			logger.Debug("Key agreement failed", "correlation_id", hc.RequestID, "error", err)
			continue
		}
		keys, err := primitives.DeriveSessionKeys(shared, hc.TranscriptHash, d.label)
		primitives.Wipe(shared)
		if err != nil {
			logger.Warn("Session key derivation failed", "correlation_id", hc.RequestID, "error", err)
			return Derivation{}, false
		}

		fp := pub.Fingerprint()
		d.sessions.Put(hc.RequestID, keys, side, fp)
		return Derivation{CorrelationID: hc.RequestID, Side: side, Candidate: fp}, true
	}

	return Derivation{}, false
}
