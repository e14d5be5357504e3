package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/endorses/oapxray/internal/pkg/logger"
)

const (
	// APIKeyHeader carries the API key on admin requests.
	APIKeyHeader = "X-Api-Key"
)

// Validator validates API keys and checks permissions.
type Validator struct {
	config Config
	// keyMap maps API keys to their configuration for O(1) lookup.
	keyMap map[string]*APIKey
	mu     sync.RWMutex
}

// NewValidator creates a new API key validator.
func NewValidator(config Config) *Validator {
	v := &Validator{
		config: config,
		keyMap: make(map[string]*APIKey),
	}
	v.rebuildKeyMap()
	return v
}

// rebuildKeyMap rebuilds the internal key map from the config.
// Must be called with write lock held or during initialization.
func (v *Validator) rebuildKeyMap() {
	v.keyMap = make(map[string]*APIKey, len(v.config.APIKeys))
	for i := range v.config.APIKeys {
		key := &v.config.APIKeys[i]
		v.keyMap[key.Key] = key
	}
}

// UpdateConfig replaces the key set without restarting the server.
func (v *Validator) UpdateConfig(config Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.config = config
	v.rebuildKeyMap()
}

// IsEnabled returns whether authentication is enabled.
func (v *Validator) IsEnabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.config.Enabled
}

// ValidateRequest checks the API key of r against requiredRole. The key is
// read from the X-Api-Key header or an "Authorization: Bearer" header.
func (v *Validator) ValidateRequest(r *http.Request, requiredRole Role) (*APIKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.config.Enabled {
		return nil, nil
	}

	apiKeyStr := RequestKey(r)
	if apiKeyStr == "" {
		logger.Warn("Authentication failed: no API key in request", "path", r.URL.Path)
		return nil, ErrMissingAPIKey
	}

	apiKey := v.lookup(apiKeyStr)
	if apiKey == nil {
		logger.Warn("Authentication failed: invalid API key", "key_prefix", maskAPIKey(apiKeyStr))
		return nil, ErrInvalidAPIKey
	}

	if !hasRole(apiKey.Role, requiredRole) {
		logger.Warn("Authentication failed: insufficient permissions",
			"description", apiKey.Description,
			"has_role", apiKey.Role,
			"required_role", requiredRole)
		return nil, ErrInsufficientPermissions
	}

	logger.Debug("Authentication successful",
		"description", apiKey.Description,
		"role", apiKey.Role)

	return apiKey, nil
}

// lookup compares against every key in constant time. Caller holds mu.
func (v *Validator) lookup(key string) *APIKey {
	var found *APIKey
	for k, apiKey := range v.keyMap {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			found = apiKey
		}
	}
	return found
}

// RequestKey extracts the API key presented by r, or "".
func RequestKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return ""
}

// hasRole checks if the provided role satisfies the required role.
// Admin role satisfies all requirements.
func hasRole(provided Role, required Role) bool {
	if provided == RoleAdmin {
		return true
	}
	return provided == required
}

// maskAPIKey shows the first 8 characters only.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}

// GenerateAPIKey generates a cryptographically random API key.
// Returns a 32-byte (256-bit) key encoded as URL-safe base64.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
