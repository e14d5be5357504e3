package xray

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/metrics"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
)

var (
	// ErrNoTranscriptHash means the handshake for a thread never linked a response.
	ErrNoTranscriptHash = errors.New("no transcript hash known for thread")
	// ErrNoSessionKeys means the handshake linked but no candidate secret matched.
	ErrNoSessionKeys = errors.New("no session keys derived")
)

// Observation is the outcome of feeding one body to the engine.
type Observation struct {
	Kind Kind
	// Summary is a one-line capture note; empty when nothing was learned.
	Summary string
	// Plaintext is the readable form of the body: the handshake message itself
	// for handshake kinds, the decrypted payload for containers.
	Plaintext []byte
	// CorrelationID is the handshake id the body belongs to, when known.
	CorrelationID string
	// Direction is set for decrypted containers.
	Direction Direction
}

// Config configures an Engine.
type Config struct {
	// KDFLabel is the HKDF info string for session keys.
	KDFLabel string
	// ReplaySequence is stamped on containers built by Seal.
	ReplaySequence uint64
	// ReplayMaxPadding bounds the random padding of containers built by Seal.
	ReplayMaxPadding int
}

// DefaultConfig returns the OAP v1 parameters.
func DefaultConfig() Config {
	return Config{
		KDFLabel:         constants.SessionKeyLabel,
		ReplaySequence:   constants.ReplaySequence,
		ReplayMaxPadding: constants.ReplayMaxPadding,
	}
}

// Engine owns the registry, session store and oracle for one run.
type Engine struct {
	config   Config
	sessions *SessionStore
	registry *Registry
	oracle   *Oracle
}

// NewEngine creates an engine with empty state.
func NewEngine(config Config) *Engine {
	if config.KDFLabel == "" {
		config.KDFLabel = DefaultConfig().KDFLabel
	}
	if config.ReplaySequence == 0 {
		config.ReplaySequence = DefaultConfig().ReplaySequence
	}
	if config.ReplayMaxPadding < 0 {
		config.ReplayMaxPadding = 0
	}

	sessions := NewSessionStore()
	return &Engine{
		config:   config,
		sessions: sessions,
		registry: NewRegistry(NewDeriver(sessions, config.KDFLabel)),
		oracle:   NewOracle(sessions),
	}
}

// Registry returns the engine's handshake registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Sessions returns the engine's session store.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// Observe classifies body and applies it: requests open a handshake context,
// responses link and derive with secrets, containers go to the oracle.
// Malformed or unrelated bodies yield an Observation with an empty Summary.
func (e *Engine) Observe(body []byte, secrets []string) Observation {
	pkt := Classify(body)
	metrics.PacketsClassified.WithLabelValues(pkt.Kind.String()).Inc()

	switch pkt.Kind {
	case KindHandshakeRequest:
		e.registry.ObserveRequest(pkt.Request)
		return Observation{
			Kind:          pkt.Kind,
			Summary:       "Captured ConnectionRequest",
			Plaintext:     body,
			CorrelationID: pkt.Request.ID,
		}

	case KindHandshakeResponse:
		e.registry.ObserveResponse(pkt.Response, secrets)
		return Observation{
			Kind:          pkt.Kind,
			Summary:       "Captured ConnectionResponse",
			Plaintext:     body,
			CorrelationID: pkt.Response.ReplyTo,
		}

	case KindEncryptedContainer:
		m, ok := e.oracle.Open(pkt.Container)
		if !ok {
			logger.Debug("Container did not open under any session",
				"kid", pkt.Container.Header.Kid,
				"seq", pkt.Container.Header.Seq,
				"sessions", e.sessions.Len())
			return Observation{Kind: pkt.Kind}
		}
		return Observation{
			Kind:          pkt.Kind,
			Summary:       Printable(m.Plaintext),
			Plaintext:     m.Plaintext,
			CorrelationID: m.CorrelationID,
			Direction:     m.Direction,
		}
	}

	return Observation{Kind: KindUnrecognized}
}

// Rederive re-runs key derivation for a linked handshake with new secrets.
// ok is false when id is unknown or its response was never observed.
func (e *Engine) Rederive(id string, secrets []string) (derived, ok bool) {
	outcome, ok := e.registry.Rederive(id, secrets)
	return outcome == OutcomeDerived, ok
}

// RederiveUnresolved retries derivation for every handshake whose response
// was seen but whose keys are still unknown, returning the ids that now have
// session keys.
func (e *Engine) RederiveUnresolved(secrets []string) []string {
	var derived []string
	for _, hc := range e.registry.Contexts() {
		if !hc.ResponseObserved || hc.KeysResolved {
			continue
		}
		if ok, _ := e.Rederive(hc.RequestID, secrets); ok {
			derived = append(derived, hc.RequestID)
		}
	}
	return derived
}

// Seal encrypts plaintext as the initiator of thread id, producing the JSON
// body of a new container. The kid is the hex of the first 16 transcript
// hash bytes and the sequence number is the configured replay sentinel.
func (e *Engine) Seal(threadID string, plaintext []byte) ([]byte, error) {
	hash, ok := e.registry.TranscriptHash(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTranscriptHash, threadID)
	}
	keys, ok := e.sessions.Get(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSessionKeys, threadID)
	}

	c, err := primitives.Seal(plaintext, keys.InitiatorToResponder, KeyID(hash), e.config.ReplaySequence, e.config.ReplayMaxPadding)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return json.Marshal(c)
}

// KeyID derives a container kid from a transcript hash.
func KeyID(transcriptHash []byte) string {
	n := constants.KeyIDBytes
	if len(transcriptHash) < n {
		n = len(transcriptHash)
	}
	return hex.EncodeToString(transcriptHash[:n])
}

// Printable renders plaintext for logs and summaries: as text when it is
// valid UTF-8, else base64 with a "base64:" prefix.
func Printable(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(b)
}
