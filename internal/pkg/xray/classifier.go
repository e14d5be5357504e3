// Package xray recovers OAP session keys from observed handshakes and uses
// them to decrypt and forge session traffic.
//
// The Engine is the single entry point. Every captured body goes through
// Observe, which classifies it and routes it to the handshake registry (which
// derives session keys once a response links to its request) or to the
// decryption oracle. Nothing on this path returns an error: bodies that do not
// fit are simply not interesting.
package xray

import (
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
)

// Kind is the classification of an observed body.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindHandshakeRequest
	KindHandshakeResponse
	KindEncryptedContainer
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeRequest:
		return "handshake_request"
	case KindHandshakeResponse:
		return "handshake_response"
	case KindEncryptedContainer:
		return "encrypted_container"
	default:
		return "unrecognized"
	}
}

// Packet is a classified body. Exactly one payload field is set, matching Kind.
type Packet struct {
	Kind      Kind
	Request   *wire.ConnectionRequest
	Response  *wire.ConnectionResponse
	Container *wire.Container
}

// Classify decodes body as a handshake request, then a handshake response,
// then an encrypted container. The first shape that decodes strictly wins.
func Classify(body []byte) Packet {
	if req, err := wire.DecodeConnectionRequest(body); err == nil {
		return Packet{Kind: KindHandshakeRequest, Request: req}
	}
	if res, err := wire.DecodeConnectionResponse(body); err == nil {
		return Packet{Kind: KindHandshakeResponse, Response: res}
	}
	if c, err := wire.ParseContainer(body); err == nil {
		return Packet{Kind: KindEncryptedContainer, Container: c}
	}
	return Packet{Kind: KindUnrecognized}
}
