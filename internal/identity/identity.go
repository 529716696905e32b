// Package identity defines the participant identity exchanged during
// channel establishment (spec §4.2) and an opaque bearer token codec for
// carrying it over untrusted transports. Authentication/authorization
// beyond this opaque token is explicitly out of scope (spec §1); the token
// only proves "this claims to be peer X", it does not gate any operation.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

// Type signals whether a participant is an interactive user, an
// unattended service, or a storage adapter acting as a persistent peer.
// Storage adapters report ready-state separately so callers can tell
// "persisted" from "replicated" (spec §6.1).
type Type string

const (
	TypeUser    Type = "user"
	TypeService Type = "service"
	TypeStorage Type = "storage"
)

// Identity is exchanged in establish-request/establish-response envelopes.
type Identity struct {
	PeerID ids.PeerId `json:"peerId"`
	Name   string     `json:"name"`
	Type   Type       `json:"type"`
}

// claims embeds an Identity in a JWT so it can be carried as a single
// opaque bearer string across adapters that frame messages as text.
type claims struct {
	Identity
	jwt.RegisteredClaims
}

// TokenManager issues and validates opaque identity tokens. Grounded in the
// teacher's auth.TokenManager; scoped here to identity exchange rather than
// HTTP request authentication.
type TokenManager struct {
	secretKey []byte
	ttl       time.Duration
}

// NewTokenManager builds a manager signing tokens with HS256 under
// secretKey. A zero ttl disables expiry.
func NewTokenManager(secretKey string, ttl time.Duration) *TokenManager {
	return &TokenManager{secretKey: []byte(secretKey), ttl: ttl}
}

// Encode produces a signed, opaque token carrying id.
func (tm *TokenManager) Encode(id Identity) (string, error) {
	c := claims{Identity: id, RegisteredClaims: jwt.RegisteredClaims{ID: uuid.NewString()}}
	if tm.ttl != 0 {
		c.IssuedAt = jwt.NewNumericDate(time.Now())
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(tm.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(tm.secretKey)
}

// Decode validates and extracts the Identity carried by token.
func (tm *TokenManager) Decode(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("decode identity token: %w", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("invalid identity token")
	}
	return c.Identity, nil
}

// defaultTokens is the process-wide TokenManager backing the establish
// handshake's opaque bearer token (spec §4.2, EXPANSION). Peers that never
// call SetWireSecret still interoperate, since they share this compiled-in
// default; a real deployment replaces it before starting any adapter.
var defaultTokens = NewTokenManager("relaymesh-default-establish-secret", 0)

// SetWireSecret replaces the default TokenManager used to encode/decode the
// establish handshake's bearer token. Must be called, with the same secret
// on every peer, before any adapter is started.
func SetWireSecret(secret string, ttl time.Duration) {
	defaultTokens = NewTokenManager(secret, ttl)
}

// EncodeWireToken signs id with the default TokenManager for transmission in
// an establish-request/establish-response envelope. Returns "" on encode
// failure so callers can treat it the same as "no token offered".
func EncodeWireToken(id Identity) string {
	token, err := defaultTokens.Encode(id)
	if err != nil {
		return ""
	}
	return token
}

// DecodeWireToken validates and extracts the Identity carried by an
// establish envelope's bearer token. ok is false for an empty or invalid
// token, letting the caller fall back to the envelope's plain identity.
func DecodeWireToken(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	id, err := defaultTokens.Decode(token)
	if err != nil {
		return Identity{}, false
	}
	return id, true
}
