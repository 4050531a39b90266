// Package auth mints and validates the single-use tokens a producer
// presents when it connects for a device.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"screenrelay/pkg/models"
)

var (
	// ErrInvalidToken means the token does not exist.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired means the token expired or was already used.
	ErrTokenExpired = errors.New("auth: token expired or already used")
	// ErrDeviceMismatch means the token was minted for a different device.
	ErrDeviceMismatch = errors.New("auth: token not valid for this device")
)

// Manager issues and validates publish tokens.
type Manager struct {
	tokens map[string]*models.PublishToken // token -> PublishToken
	mu     sync.RWMutex

	defaultExpiration time.Duration
	maxExpiration     time.Duration
}

// New creates an auth manager with the given expiration bounds.
func New(defaultExpiration, maxExpiration time.Duration) *Manager {
	return &Manager{
		tokens:            make(map[string]*models.PublishToken),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
	}
}

// GeneratePublishToken mints a token authorizing one producer connection
// for a device. expiresIn is in seconds; zero means the default, values
// above the maximum are capped.
func (m *Manager) GeneratePublishToken(deviceID string, expiresIn int, publisherIP string) (*models.PublishToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	tokenString := hex.EncodeToString(tokenBytes)

	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	token := &models.PublishToken{
		Token:       tokenString,
		DeviceID:    deviceID,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(expiration),
		PublisherIP: publisherIP,
	}
	m.tokens[tokenString] = token

	return token, nil
}

// ValidateToken checks that a token exists, is unexpired and unused, and
// was minted for the given device.
func (m *Manager) ValidateToken(tokenString, deviceID string) error {
	m.mu.RLock()
	token, exists := m.tokens[tokenString]
	m.mu.RUnlock()

	if !exists {
		return ErrInvalidToken
	}
	if !token.IsValid() {
		return ErrTokenExpired
	}
	if token.DeviceID != deviceID {
		return ErrDeviceMismatch
	}
	return nil
}

// MarkTokenUsed consumes a token so it cannot authorize a second producer.
func (m *Manager) MarkTokenUsed(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, exists := m.tokens[tokenString]; exists {
		token.IsUsed = true
	}
}

// RevokeToken removes a token outright.
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens drops every expired token. Call periodically.
func (m *Manager) CleanupExpiredTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for tokenString, token := range m.tokens {
		if now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
		}
	}
}

// TokenCount returns the number of live tokens.
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
