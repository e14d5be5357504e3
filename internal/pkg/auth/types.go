// Package auth guards the admin API with static API keys.
package auth

import (
	"errors"
)

// Role defines the type of access granted to an API key.
type Role string

const (
	// RoleReader allows reading logs, handshakes, stats and the live feed.
	RoleReader Role = "reader"
	// RoleAdmin allows every operation, including secrets and replays.
	RoleAdmin Role = "admin"
)

// APIKey represents a single API key configuration.
type APIKey struct {
	// Key is the actual API key string (should be cryptographically random).
	Key string `yaml:"key" json:"key" mapstructure:"key"`
	// Role defines what this key is authorized to do.
	Role Role `yaml:"role" json:"role" mapstructure:"role"`
	// Description is a human-readable description for auditing.
	Description string `yaml:"description" json:"description" mapstructure:"description"`
}

// Config represents the authentication configuration.
type Config struct {
	// Enabled controls whether API key authentication is required.
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// APIKeys is the list of valid API keys.
	APIKeys []APIKey `yaml:"api_keys" json:"api_keys" mapstructure:"api_keys"`
}

// Common errors
var (
	// ErrMissingAPIKey is returned when no API key is provided.
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrInvalidAPIKey is returned when the API key is not recognized.
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrInsufficientPermissions is returned when the API key doesn't have the required role.
	ErrInsufficientPermissions = errors.New("insufficient permissions for this operation")
)
