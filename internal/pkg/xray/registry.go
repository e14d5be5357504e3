package xray

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/metrics"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
)

// HandshakeContext is everything observed about one handshake, keyed by the
// initiator's request id. Responder fields are empty until the matching
// response is seen.
type HandshakeContext struct {
	RequestID          string           `json:"request_id"`
	InitiatorDID       string           `json:"initiator_did"`
	ResponderDID       string           `json:"responder_did,omitempty"`
	InitiatorNonce     string           `json:"initiator_nonce"`
	ResponderNonce     string           `json:"responder_nonce,omitempty"`
	InitiatorEphemeral string           `json:"initiator_ephemeral"`
	ResponderEphemeral string           `json:"responder_ephemeral,omitempty"`
	Created            time.Time        `json:"created"`
	Suite              wire.CipherSuite `json:"suite,omitempty"`
	TranscriptHash     []byte           `json:"transcript_hash,omitempty"`
	ResponseObserved   bool             `json:"response_observed"`
	KeysResolved       bool             `json:"keys_resolved"`
}

func (hc *HandshakeContext) clone() HandshakeContext {
	c := *hc
	c.TranscriptHash = bytes.Clone(hc.TranscriptHash)
	return c
}

// ResponseOutcome says what happened to an observed response.
type ResponseOutcome int

const (
	// OutcomeOrphan means no context matched replyTo.
	OutcomeOrphan ResponseOutcome = iota
	// OutcomeInvalidProof means the transcript hash was not hex; the context
	// stays request-only.
	OutcomeInvalidProof
	// OutcomeUnresolved means no candidate secret matched either ephemeral key.
	OutcomeUnresolved
	// OutcomeDerived means a session pair was stored.
	OutcomeDerived
)

func (o ResponseOutcome) String() string {
	switch o {
	case OutcomeOrphan:
		return "orphan_response"
	case OutcomeInvalidProof:
		return "invalid_proof"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// Registry tracks handshake contexts and links responses to requests.
// Contexts are never evicted.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*HandshakeContext
	deriver  *Deriver
}

// NewRegistry creates a registry that runs deriver when a response links.
func NewRegistry(deriver *Deriver) *Registry {
	return &Registry{
		contexts: make(map[string]*HandshakeContext),
		deriver:  deriver,
	}
}

// ObserveRequest records req under its id, replacing any earlier context
// with the same id.
func (r *Registry) ObserveRequest(req *wire.ConnectionRequest) {
	hc := &HandshakeContext{
		RequestID:          req.ID,
		InitiatorDID:       req.From,
		InitiatorNonce:     req.Body.Nonce,
		InitiatorEphemeral: req.Body.KeyExchange.PublicKey,
		Created:            req.Created,
	}
	if len(req.Body.KeyExchange.SupportedSuites) > 0 {
		hc.Suite = req.Body.KeyExchange.SupportedSuites[0]
	}

	r.mu.Lock()
	_, replaced := r.contexts[req.ID]
	r.contexts[req.ID] = hc
	// The old pair stays in the session store until a new response links.
	staleKeys := replaced && r.deriver.sessions.Has(req.ID)
	r.mu.Unlock()

	metrics.HandshakeEvents.WithLabelValues("request").Inc()
	if staleKeys {
		logger.Info("Handshake request replaced a context with session keys",
			"correlation_id", req.ID,
			"initiator", req.From)
		return
	}
	logger.Debug("Handshake request observed",
		"correlation_id", req.ID,
		"initiator", req.From,
		"replaced", replaced)
}

// ObserveResponse links res to its request context and runs key derivation
// with secrets. Linking and derivation happen under one lock so a duplicate
// request cannot interleave between them.
func (r *Registry) ObserveResponse(res *wire.ConnectionResponse, secrets []string) ResponseOutcome {
	outcome, derivation := r.linkAndDerive(res, secrets)

	metrics.HandshakeEvents.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case OutcomeDerived:
		logger.Info("Session keys recovered",
			"correlation_id", derivation.CorrelationID,
			"side", derivation.Side.String(),
			"candidate", derivation.Candidate)
	case OutcomeUnresolved:
		logger.Info("No candidate secret matched handshake",
			"correlation_id", res.ReplyTo,
			"candidates", len(secrets))
	default:
		logger.Debug("Handshake response not linked",
			"reply_to", res.ReplyTo,
			"outcome", outcome.String())
	}
	return outcome
}

func (r *Registry) linkAndDerive(res *wire.ConnectionResponse, secrets []string) (ResponseOutcome, Derivation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hc, ok := r.contexts[res.ReplyTo]
	if !ok {
		return OutcomeOrphan, Derivation{}
	}

	hash, err := res.Proof.TranscriptHashBytes()
	if err != nil {
		return OutcomeInvalidProof, Derivation{}
	}

	// Fields captured from an earlier response are kept.
	if hc.ResponderDID == "" {
		hc.ResponderDID = res.From
	}
	if hc.ResponderNonce == "" {
		hc.ResponderNonce = res.Body.Nonce
	}
	if hc.ResponderEphemeral == "" {
		hc.ResponderEphemeral = res.Body.KeyExchange.PublicKey
	}
	if !hc.ResponseObserved {
		hc.Suite = res.Body.KeyExchange.NegotiatedSuite
	}
	if len(hc.TranscriptHash) == 0 {
		hc.TranscriptHash = hash
	}
	hc.ResponseObserved = true

	return r.deriveLocked(hc, secrets)
}

func (r *Registry) deriveLocked(hc *HandshakeContext, secrets []string) (ResponseOutcome, Derivation) {
	d, ok := r.deriver.Derive(hc, secrets)
	if !ok {
		return OutcomeUnresolved, Derivation{}
	}
	hc.KeysResolved = true
	return OutcomeDerived, d
}

// Rederive runs the deriver again for id with a new candidate list. It only
// applies to contexts whose response has been observed.
func (r *Registry) Rederive(id string, secrets []string) (ResponseOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hc, ok := r.contexts[id]
	if !ok || !hc.ResponseObserved {
		return OutcomeOrphan, false
	}
	outcome, d := r.deriveLocked(hc, secrets)
	if outcome == OutcomeDerived {
		logger.Info("Session keys recovered on manual derivation",
			"correlation_id", id,
			"side", d.Side.String(),
			"candidate", d.Candidate)
	}
	return outcome, true
}

// Context returns a copy of the context for id.
func (r *Registry) Context(id string) (HandshakeContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hc, ok := r.contexts[id]
	if !ok {
		return HandshakeContext{}, false
	}
	return hc.clone(), true
}

// TranscriptHash returns the transcript hash recorded for id, if any.
func (r *Registry) TranscriptHash(id string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hc, ok := r.contexts[id]
	if !ok || len(hc.TranscriptHash) == 0 {
		return nil, false
	}
	return bytes.Clone(hc.TranscriptHash), true
}

// Contexts returns copies of all contexts, oldest first.
func (r *Registry) Contexts() []HandshakeContext {
	r.mu.Lock()
	out := make([]HandshakeContext, 0, len(r.contexts))
	for _, hc := range r.contexts {
		out = append(out, hc.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of tracked contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// RegistryStats holds registry statistics.
type RegistryStats struct {
	Contexts   int `json:"contexts"`
	Pending    int `json:"pending"`
	Unresolved int `json:"unresolved"`
	Resolved   int `json:"resolved"`
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{Contexts: len(r.contexts)}
	for _, hc := range r.contexts {
		switch {
		case hc.KeysResolved:
			stats.Resolved++
		case hc.ResponseObserved:
			stats.Unresolved++
		default:
			stats.Pending++
		}
	}
	return stats
}
