package xray

import (
	"github.com/endorses/oapxray/internal/pkg/metrics"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
)

// Direction names which key of a pair opened a container.
type Direction string

const (
	DirectionInitiatorToResponder Direction = "initiator_to_responder"
	DirectionResponderToInitiator Direction = "responder_to_initiator"
)

// Match is a successful oracle decryption.
type Match struct {
	CorrelationID string
	Direction     Direction
	Plaintext     []byte
}

// Oracle decrypts containers by trying every stored session key.
type Oracle struct {
	sessions *SessionStore
}

// NewOracle creates an oracle over sessions.
func NewOracle(sessions *SessionStore) *Oracle {
	return &Oracle{sessions: sessions}
}

// TryDecrypt classifies body and, for containers, returns the first plaintext
// that authenticates under any stored key.
func (o *Oracle) TryDecrypt(body []byte) ([]byte, bool) {
	pkt := Classify(body)
	if pkt.Kind != KindEncryptedContainer {
		return nil, false
	}
	m, ok := o.Open(pkt.Container)
	if !ok {
		return nil, false
	}
	return m.Plaintext, true
}

// Open tries the initiator-to-responder key then the responder-to-initiator
// key of every pair, in store order. The container's kid is not consulted;
// when more than one session authenticates, the earliest stored wins.
func (o *Oracle) Open(c *wire.Container) (Match, bool) {
	var match Match
	found := false

	o.sessions.ForEach(func(id string, keys SessionKeyPair) bool {
		if pt, err := primitives.Open(c, keys.InitiatorToResponder); err == nil {
			match = Match{CorrelationID: id, Direction: DirectionInitiatorToResponder, Plaintext: pt}
			found = true
			return false
		}
		if pt, err := primitives.Open(c, keys.ResponderToInitiator); err == nil {
			match = Match{CorrelationID: id, Direction: DirectionResponderToInitiator, Plaintext: pt}
			found = true
			return false
		}
		return true
	})

	if found {
		metrics.DecryptAttempts.WithLabelValues("hit").Inc()
	} else {
		metrics.DecryptAttempts.WithLabelValues("miss").Inc()
	}
	return match, found
}
