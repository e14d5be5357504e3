// Package wire defines the JSON shapes of the OAP handshake and the encrypted
// container that carries session traffic.
//
// Decoding is strict: a body only decodes as a given shape when it is a JSON
// object with the right field types, every required field is present and
// non-empty, and any type discriminator it carries names that shape. Failure
// to decode is the normal outcome for most bodies.
package wire

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type discriminators.
const (
	TypeConnectionRequest  = "ConnectionRequest"
	TypeConnectionResponse = "ConnectionResponse"
)

var (
	ErrNotJSON      = errors.New("wire: body is not a JSON object")
	ErrMissingField = errors.New("wire: required field missing")
	ErrTypeMismatch = errors.New("wire: type discriminator does not match")
	ErrInvalidProof = errors.New("wire: transcript hash is not valid hex")
	ErrNoThreadID   = errors.New("wire: no threadId or id field")
)

// CipherSuite names a negotiated key agreement + AEAD combination.
type CipherSuite string

// Default suite advertised by OAP peers.
const SuiteX25519XChaCha = CipherSuite("X25519-HKDF-SHA256-XCHACHA20POLY1305")

func checkEnvelope(typ, atType, id, from string, created time.Time, want string) error {
	for _, t := range []string{typ, atType} {
		if t != "" && t != want {
			return fmt.Errorf("%w: got %q, want %q", ErrTypeMismatch, t, want)
		}
	}
	switch {
	case id == "":
		return fmt.Errorf("%w: id", ErrMissingField)
	case from == "":
		return fmt.Errorf("%w: from", ErrMissingField)
	case created.IsZero():
		return fmt.Errorf("%w: created", ErrMissingField)
	}
	return nil
}

// ConnectionRequest is the initiator's handshake message.
type ConnectionRequest struct {
	Type     string                `json:"type,omitempty"`
	AtType   string                `json:"@type,omitempty"`
	ID       string                `json:"id"`
	ThreadID string                `json:"threadId,omitempty"`
	From     string                `json:"from"`
	To       string                `json:"to,omitempty"`
	Created  time.Time             `json:"created"`
	Body     ConnectionRequestBody `json:"body"`
}

// ConnectionRequestBody carries the initiator nonce and key offer.
type ConnectionRequestBody struct {
	Nonce        string             `json:"nonce"`
	KeyExchange  RequestKeyExchange `json:"keyExchange"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

// RequestKeyExchange is the initiator's ephemeral key and suite list.
type RequestKeyExchange struct {
	Algorithm       string        `json:"algorithm,omitempty"`
	PublicKey       string        `json:"publicKey"`
	SupportedSuites []CipherSuite `json:"supportedSuites"`
}

// ConnectionResponse is the responder's handshake message.
type ConnectionResponse struct {
	Type     string                 `json:"type,omitempty"`
	AtType   string                 `json:"@type,omitempty"`
	ID       string                 `json:"id"`
	ReplyTo  string                 `json:"replyTo"`
	ThreadID string                 `json:"threadId,omitempty"`
	From     string                 `json:"from"`
	To       string                 `json:"to,omitempty"`
	Created  time.Time              `json:"created"`
	Body     ConnectionResponseBody `json:"body"`
	Proof    Proof                  `json:"proof"`
}

// ConnectionResponseBody carries the responder nonce and negotiated key exchange.
type ConnectionResponseBody struct {
	Nonce       string              `json:"nonce"`
	KeyExchange ResponseKeyExchange `json:"keyExchange"`
}

// ResponseKeyExchange is the responder's ephemeral key and chosen suite.
type ResponseKeyExchange struct {
	Algorithm       string      `json:"algorithm,omitempty"`
	PublicKey       string      `json:"publicKey"`
	NegotiatedSuite CipherSuite `json:"negotiatedSuite"`
}

// Proof binds the response to the handshake transcript.
type Proof struct {
	Type               string `json:"type,omitempty"`
	TranscriptHash     string `json:"transcriptHash"`
	Signature          string `json:"signature,omitempty"`
	VerificationMethod string `json:"verificationMethod,omitempty"`
}

// TranscriptHashBytes hex-decodes the transcript hash.
func (p Proof) TranscriptHashBytes() ([]byte, error) {
	b, err := hex.DecodeString(p.TranscriptHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return b, nil
}

// DecodeConnectionRequest strictly decodes a ConnectionRequest.
func DecodeConnectionRequest(body []byte) (*ConnectionRequest, error) {
	var req ConnectionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	if err := checkEnvelope(req.Type, req.AtType, req.ID, req.From, req.Created, TypeConnectionRequest); err != nil {
		return nil, err
	}
	switch {
	case req.Body.Nonce == "":
		return nil, fmt.Errorf("%w: body.nonce", ErrMissingField)
	case req.Body.KeyExchange.PublicKey == "":
		return nil, fmt.Errorf("%w: body.keyExchange.publicKey", ErrMissingField)
	case req.Body.KeyExchange.SupportedSuites == nil:
		return nil, fmt.Errorf("%w: body.keyExchange.supportedSuites", ErrMissingField)
	}
	return &req, nil
}

// DecodeConnectionResponse strictly decodes a ConnectionResponse.
func DecodeConnectionResponse(body []byte) (*ConnectionResponse, error) {
	var res ConnectionResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	if err := checkEnvelope(res.Type, res.AtType, res.ID, res.From, res.Created, TypeConnectionResponse); err != nil {
		return nil, err
	}
	switch {
	case res.ReplyTo == "":
		return nil, fmt.Errorf("%w: replyTo", ErrMissingField)
	case res.Body.Nonce == "":
		return nil, fmt.Errorf("%w: body.nonce", ErrMissingField)
	case res.Body.KeyExchange.PublicKey == "":
		return nil, fmt.Errorf("%w: body.keyExchange.publicKey", ErrMissingField)
	case res.Body.KeyExchange.NegotiatedSuite == "":
		return nil, fmt.Errorf("%w: body.keyExchange.negotiatedSuite", ErrMissingField)
	case res.Proof.TranscriptHash == "":
		return nil, fmt.Errorf("%w: proof.transcriptHash", ErrMissingField)
	}
	return &res, nil
}

// ThreadID extracts the conversation thread of an arbitrary JSON message:
// threadId when present, else the message's own id. A handshake request has
// no threadId; its id is the thread.
func ThreadID(body []byte) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	for _, key := range []string{"threadId", "id"} {
		if s, ok := fields[key].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", ErrNoThreadID
}
