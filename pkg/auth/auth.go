// Package auth verifies operator API keys.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidAPIKey = errors.New("invalid API key")

// APIKeyManager validates API keys. Keys are configured either in plain text
// or as bcrypt hashes.
type APIKeyManager struct {
	plain  []string
	hashes [][]byte
	mu     sync.RWMutex
}

// NewAPIKeyManager creates a manager for the configured keys
func NewAPIKeyManager(keys ...string) *APIKeyManager {
	akm := &APIKeyManager{}
	for _, k := range keys {
		akm.Add(k)
	}
	return akm
}

// Add registers a key or a bcrypt hash of one
func (akm *APIKeyManager) Add(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	akm.mu.Lock()
	defer akm.mu.Unlock()
	if isBcryptHash(key) {
		akm.hashes = append(akm.hashes, []byte(key))
		return
	}
	akm.plain = append(akm.plain, key)
}

// Enabled reports whether any key is configured
func (akm *APIKeyManager) Enabled() bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()
	return len(akm.plain)+len(akm.hashes) > 0
}

// ValidateAPIKey checks apiKey against all configured keys
func (akm *APIKeyManager) ValidateAPIKey(apiKey string) error {
	if apiKey == "" {
		return ErrInvalidAPIKey
	}
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	for _, k := range akm.plain {
		if SecureCompare(k, apiKey) {
			return nil
		}
	}
	for _, h := range akm.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(apiKey)) == nil {
			return nil
		}
	}
	return ErrInvalidAPIKey
}

// Middleware rejects requests without a valid key. With no keys configured
// every request passes.
func (akm *APIKeyManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !akm.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if err := akm.ValidateAPIKey(KeyFromRequest(r)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyFromRequest reads the key from X-API-Key or a Bearer Authorization header
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// GenerateAPIKey generates a new random API key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns a bcrypt hash suitable for configuration files
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
