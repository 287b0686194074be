// Package auth implements token authentication for the optrail APIs:
// rotating bearer tokens with short TTLs, per-action role checks, and an
// optional static admin token for CLI and bootstrap use.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Role defines the access level of an API token.
type Role string

const (
	RoleProducer Role = "producer" // record operations only
	RoleOperator Role = "operator" // read, clean, tune rate limits
	RoleAdmin    Role = "admin"    // everything, including config changes
)

// rolePermissions lists the actions each non-admin role may perform.
// Admin short-circuits to allow-all in HasPermission.
var rolePermissions = map[Role]map[string]bool{
	RoleOperator: {
		"ops.record":       true,
		"ops.read":         true,
		"ops.clean":        true,
		"ratelimit.change": true,
	},
	RoleProducer: {
		"ops.record": true,
	},
}

// HasPermission reports whether role may perform action. Unknown roles
// hold no permissions.
func HasPermission(role Role, action string) bool {
	if role == RoleAdmin {
		return true
	}
	return rolePermissions[role][action]
}

// Token is an issued API token. Secret is populated only on the value
// returned from CreateToken; the manager stores fingerprints, not
// secrets.
type Token struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"`
	Role      Role      `json:"role"`
	ClientID  string    `json:"client_id,omitempty"` // bound to a specific producer (optional)
	SourceIP  string    `json:"source_ip,omitempty"` // IP binding (optional)
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired returns whether the token has expired.
func (t Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// TokenManager issues and validates rotating API tokens, storing only
// SHA-256 fingerprints of the secrets.
type TokenManager struct {
	mu         sync.RWMutex
	tokens     map[string]Token // fingerprint → token
	adminToken string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewTokenManager creates a manager issuing tokens with the given TTL.
func NewTokenManager(ttl time.Duration, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		tokens: make(map[string]Token),
		ttl:    ttl,
		logger: logger.With("component", "auth.TokenManager"),
	}
}

// SetAdminToken installs a static secret accepted as an admin token
// alongside the rotating ones. An empty secret disables it.
func (m *TokenManager) SetAdminToken(secret string) {
	m.mu.Lock()
	m.adminToken = secret
	m.mu.Unlock()
}

// CreateToken issues a token for role, optionally bound to a client id
// and a source IP. The returned Token carries the only copy of the
// secret.
func (m *TokenManager) CreateToken(role Role, clientID, sourceIP string) (Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("failed to generate token secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	fp := fingerprint(secret)

	now := time.Now()
	token := Token{
		// The id is a prefix of the fingerprint, never of the secret.
		ID:        "otk_" + fp[:12],
		Role:      role,
		ClientID:  clientID,
		SourceIP:  sourceIP,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.tokens[fp] = token
	m.mu.Unlock()

	m.logger.Info("token created",
		"token_id", token.ID,
		"role", role,
		"client_id", clientID,
		"expires_at", token.ExpiresAt,
	)

	token.Secret = secret
	return token, nil
}

// ValidateToken resolves a presented secret. The static admin token is
// checked first in constant time; rotating tokens are looked up by
// fingerprint. Expired tokens are deleted at validation time.
func (m *TokenManager) ValidateToken(secret, sourceIP string) (Token, error) {
	m.mu.RLock()
	admin := m.adminToken
	m.mu.RUnlock()

	if admin != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(admin)) == 1 {
		now := time.Now()
		return Token{
			ID:        "static-admin",
			Role:      RoleAdmin,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}, nil
	}

	fp := fingerprint(secret)
	m.mu.RLock()
	token, ok := m.tokens[fp]
	m.mu.RUnlock()

	if !ok {
		return Token{}, fmt.Errorf("invalid token")
	}

	if token.IsExpired() {
		m.mu.Lock()
		delete(m.tokens, fp)
		m.mu.Unlock()
		return Token{}, fmt.Errorf("token expired")
	}

	if token.SourceIP != "" && token.SourceIP != sourceIP {
		m.logger.Warn("token used from wrong IP",
			"token_id", token.ID,
			"expected_ip", token.SourceIP,
			"actual_ip", sourceIP,
		)
		return Token{}, fmt.Errorf("token not valid from this IP")
	}

	return token, nil
}

// RevokeToken invalidates the token issued for the given secret.
func (m *TokenManager) RevokeToken(secret string) {
	fp := fingerprint(secret)
	m.mu.Lock()
	if token, ok := m.tokens[fp]; ok {
		m.logger.Info("token revoked", "token_id", token.ID)
		delete(m.tokens, fp)
	}
	m.mu.Unlock()
}

// CleanExpired removes all expired tokens and reports how many went.
func (m *TokenManager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for fp, token := range m.tokens {
		if token.IsExpired() {
			delete(m.tokens, fp)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of unexpired tokens.
func (m *TokenManager) ActiveTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.IsExpired() {
			count++
		}
	}
	return count
}

func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
