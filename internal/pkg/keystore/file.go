package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/endorses/oapxray/internal/pkg/logger"
	"gopkg.in/yaml.v3"
)

// fileYAML is the on-disk keystore layout.
type fileYAML struct {
	Keys []keyYAML `yaml:"keys"`
}

type keyYAML struct {
	Secret  string    `yaml:"secret"`
	Label   string    `yaml:"label,omitempty"`
	AddedAt time.Time `yaml:"added_at,omitempty"`
}

// File lock for atomic writes
var fileLock sync.Mutex

// DefaultFilePath returns ~/.config/oapx/keys.yaml.
func DefaultFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "keys.yaml"
	}
	return filepath.Join(homeDir, ".config", "oapx", "keys.yaml")
}

// LoadFile adds every valid secret in the YAML file at path. A missing file
// is not an error. Invalid entries are skipped with a warning.
func (s *Store) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("Keystore file does not exist, starting empty", "path", path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read keystore file: %w", err)
	}

	var f fileYAML
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("failed to parse keystore YAML: %w", err)
	}

	loaded := 0
	for i, k := range f.Keys {
		addedAt := k.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now()
		}
		if _, err := s.add(k.Secret, k.Label, addedAt); err != nil {
			logger.Warn("Skipping invalid keystore entry", "index", i, "error", err)
			continue
		}
		loaded++
	}

	logger.Info("Keystore loaded", "count", loaded, "path", path)
	return loaded, nil
}

// SaveFile writes all secrets to path as YAML with owner-only permissions,
// replacing the file atomically.
func (s *Store) SaveFile(path string) error {
	fileLock.Lock()
	defer fileLock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	s.mu.RLock()
	f := fileYAML{Keys: make([]keyYAML, 0, len(s.order))}
	for _, id := range s.order {
		e := s.entries[id]
		f.Keys = append(f.Keys, keyYAML{Secret: e.secret, Label: e.Label, AddedAt: e.AddedAt})
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal keystore to YAML: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp keystore file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp keystore file: %w", err)
	}

	logger.Debug("Keystore saved", "count", len(f.Keys), "path", path)
	return nil
}
