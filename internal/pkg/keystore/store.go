// Package keystore holds the operator-supplied candidate secrets that the
// engine tries against observed handshakes.
package keystore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
)

var (
	// ErrInvalidSecret indicates a secret that is not a 32-byte X25519 scalar.
	ErrInvalidSecret = errors.New("invalid secret: must decode to 32 bytes (multibase or hex)")

	// ErrNotFound indicates an unknown key id.
	ErrNotFound = errors.New("key not found")
)

var timeNow = time.Now

// Config configures the store.
type Config struct {
	// File, when set, is rewritten after every Add and Remove.
	File string
}

// Info describes a stored secret without its material.
type Info struct {
	ID        string    `json:"id" yaml:"id"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
	PublicKey string    `json:"public_key" yaml:"public_key"`
	AddedAt   time.Time `json:"added_at" yaml:"added_at"`
}

type entry struct {
	Info
	secret string
}

// Store is a thread-safe set of candidate secrets keyed by the fingerprint of
// their public key. Secrets are returned in the order they were added.
type Store struct {
	config  Config
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty store.
func New(config Config) *Store {
	return &Store{
		config:  config,
		entries: make(map[string]*entry),
	}
}

// Add validates and stores secret. Adding a secret that is already present
// updates its label and keeps its position.
func (s *Store) Add(secret, label string) (Info, error) {
	info, err := s.add(secret, label, timeNow())
	if err != nil {
		return Info{}, err
	}
	if err := s.persist(); err != nil {
		return info, err
	}
	logger.Info("Candidate secret added", "id", info.ID, "label", info.Label)
	return info, nil
}

// Validate checks that secret decodes to a usable X25519 scalar.
func Validate(secret string) error {
	_, err := publicKey(secret)
	return err
}

func publicKey(secret string) (primitives.PublicKey, error) {
	priv, err := primitives.ParsePrivateKey(secret)
	if err != nil {
		return primitives.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return primitives.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return pub, nil
}

func (s *Store) add(secret, label string, addedAt time.Time) (Info, error) {
	secret = strings.TrimSpace(secret)
	pub, err := publicKey(secret)
	if err != nil {
		return Info{}, err
	}
	id := pub.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		if label != "" {
			e.Label = label
		}
		return e.Info, nil
	}

	e := &entry{
		Info: Info{
			ID:        id,
			Label:     label,
			PublicKey: pub.Multibase(),
			AddedAt:   addedAt,
		},
		secret: secret,
	}
	s.entries[id] = e
	s.order = append(s.order, id)
	return e.Info, nil
}

// Remove deletes the secret with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	logger.Info("Candidate secret removed", "id", id)
	return s.persist()
}

// List returns descriptions of all secrets in insertion order.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].Info)
	}
	return out
}

// Secrets returns a snapshot of the raw secret strings in insertion order.
func (s *Store) Secrets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].secret)
	}
	return out
}

// Len returns the number of stored secrets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) persist() error {
	if s.config.File == "" {
		return nil
	}
	return s.SaveFile(s.config.File)
}
