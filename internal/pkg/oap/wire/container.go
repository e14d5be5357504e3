package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Container algorithm identifiers.
const (
	AlgDirect     = "dir"
	EncXChaCha    = "XC20P"
	TypeContainer = "oap+jwe"
	NonceSize     = 24
	TagSize       = 16
	compactParts  = 5
)

var ErrMalformedContainer = errors.New("wire: malformed encrypted container")

var b64 = base64.RawURLEncoding

// Header is the protected container header. Its base64url encoding is the
// AEAD additional data.
type Header struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Kid string `json:"kid,omitempty"`
	Seq uint64 `json:"seq"`
	Typ string `json:"typ,omitempty"`
}

// Container is a decoded encrypted container. RawProtected keeps the exact
// header encoding seen on the wire so the additional data round-trips.
type Container struct {
	Header       Header
	RawProtected string
	IV           []byte
	Ciphertext   []byte
	Tag          []byte
}

type containerJSON struct {
	Protected    string  `json:"protected"`
	EncryptedKey string  `json:"encrypted_key,omitempty"`
	IV           string  `json:"iv"`
	Ciphertext   *string `json:"ciphertext"`
	Tag          string  `json:"tag"`
}

// NewContainer encodes h as the protected header of a fresh container.
func NewContainer(h Header, iv, ciphertext, tag []byte) (*Container, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return &Container{
		Header:       h,
		RawProtected: b64.EncodeToString(raw),
		IV:           iv,
		Ciphertext:   ciphertext,
		Tag:          tag,
	}, nil
}

// AAD returns the additional authenticated data for this container.
func (c *Container) AAD() []byte {
	return []byte(c.RawProtected)
}

// ParseContainer decodes either the general JSON serialization or the compact
// dot-separated serialization of an encrypted container.
func ParseContainer(body []byte) (*Container, error) {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedContainer)
	}

	switch s[0] {
	case '{':
		var cj containerJSON
		if err := json.Unmarshal([]byte(s), &cj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
		}
		return decodeParts(cj)
	case '"':
		var compact string
		if err := json.Unmarshal([]byte(s), &compact); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
		}
		return parseCompact(compact)
	default:
		return parseCompact(s)
	}
}

func parseCompact(s string) (*Container, error) {
	parts := strings.Split(s, ".")
	if len(parts) != compactParts {
		return nil, fmt.Errorf("%w: compact form has %d parts", ErrMalformedContainer, len(parts))
	}
	return decodeParts(containerJSON{
		Protected:    parts[0],
		EncryptedKey: parts[1],
		IV:           parts[2],
		Ciphertext:   &parts[3],
		Tag:          parts[4],
	})
}

func decodeParts(cj containerJSON) (*Container, error) {
	if cj.Protected == "" || cj.IV == "" || cj.Tag == "" || cj.Ciphertext == nil {
		return nil, fmt.Errorf("%w: protected, iv, ciphertext and tag are required", ErrMalformedContainer)
	}

	hdrJSON, err := decodeSegment(cj.Protected)
	if err != nil {
		return nil, fmt.Errorf("%w: protected: %v", ErrMalformedContainer, err)
	}
	var h Header
	if err := json.Unmarshal(hdrJSON, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedContainer, err)
	}
	if h.Alg == "" || h.Enc == "" {
		return nil, fmt.Errorf("%w: header lacks alg or enc", ErrMalformedContainer)
	}

	iv, err := decodeSegment(cj.IV)
	if err != nil || len(iv) != NonceSize {
		return nil, fmt.Errorf("%w: iv", ErrMalformedContainer)
	}
	ct, err := decodeSegment(*cj.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedContainer, err)
	}
	tag, err := decodeSegment(cj.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag", ErrMalformedContainer)
	}

	return &Container{
		Header:       h,
		RawProtected: cj.Protected,
		IV:           iv,
		Ciphertext:   ct,
		Tag:          tag,
	}, nil
}

// decodeSegment accepts padded and unpadded base64url.
func decodeSegment(s string) ([]byte, error) {
	return b64.DecodeString(strings.TrimRight(s, "="))
}

// MarshalJSON emits the general JSON serialization.
func (c *Container) MarshalJSON() ([]byte, error) {
	ct := b64.EncodeToString(c.Ciphertext)
	return json.Marshal(containerJSON{
		Protected:  c.RawProtected,
		IV:         b64.EncodeToString(c.IV),
		Ciphertext: &ct,
		Tag:        b64.EncodeToString(c.Tag),
	})
}

// UnmarshalJSON accepts the general JSON serialization.
func (c *Container) UnmarshalJSON(data []byte) error {
	parsed, err := ParseContainer(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// Compact emits the compact serialization with an empty encrypted key.
func (c *Container) Compact() string {
	return strings.Join([]string{
		c.RawProtected,
		"",
		b64.EncodeToString(c.IV),
		b64.EncodeToString(c.Ciphertext),
		b64.EncodeToString(c.Tag),
	}, ".")
}
