// Package token converts claim maps to and from compact encrypted
// session tokens using a single symmetric key.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Well-known claim names. ClaimExpiry and ClaimNotBefore are injected
// by the codec; callers must not set them directly.
const (
	ClaimSubject   = "sub"
	ClaimExpiry    = "exp"
	ClaimNotBefore = "nbf"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrNotYetValid  = errors.New("token not yet valid")
	ErrMissingClaim = errors.New("missing required claim")
)

// Codec seals claim maps into self-contained tokens. Tokens carry no
// server-side state: everything needed to validate one is inside it.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// NewCodec builds a codec from a base64url key octet. An empty octet
// generates a random key for the lifetime of the process.
func NewCodec(octet string) (*Codec, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if octet == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
	} else {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(octet, "="))
		if err != nil {
			return nil, fmt.Errorf("decode key octet: %w", err)
		}
		if len(decoded) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key octet must be %d bytes, got %d", chacha20poly1305.KeySize, len(decoded))
		}
		key = decoded
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	return &Codec{aead: aead, now: time.Now}, nil
}

// Encrypt seals the claims plus "exp" and "nbf" into a compact token.
// A zero notBefore means "now"; refreshing passes the original one so
// the session window is measured from the first issuance.
func (c *Codec) Encrypt(claims map[string]any, ttl time.Duration, notBefore time.Time) (string, error) {
	now := c.now().Unix()
	sealed := make(map[string]any, len(claims)+2)
	for name, value := range claims {
		if name == ClaimExpiry || name == ClaimNotBefore {
			return "", fmt.Errorf("claim %q is reserved", name)
		}
		sealed[name] = value
	}
	nbf := now
	if !notBefore.IsZero() {
		nbf = notBefore.Unix()
	}
	sealed[ClaimExpiry] = now + int64(ttl/time.Second)
	sealed[ClaimNotBefore] = nbf

	payload, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(nonce) + "." + base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a token and returns its claims. Tampered or malformed
// tokens fail with ErrInvalidToken. The "nbf" claim is always checked;
// "exp" only when checkExpiry is set, so a refresh flow can accept a
// token whose short TTL has already run out.
func (c *Codec) Decrypt(tokenStr string, checkExpiry bool) (map[string]any, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	payload, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	exp, ok := UnixClaim(claims, ClaimExpiry)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingClaim, ClaimExpiry)
	}
	nbf, ok := UnixClaim(claims, ClaimNotBefore)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingClaim, ClaimNotBefore)
	}

	now := c.now().Unix()
	if now < nbf {
		return nil, ErrNotYetValid
	}
	if checkExpiry && now >= exp {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// UnixClaim reads a numeric claim as a Unix timestamp. JSON decoding
// yields float64 for numbers, so both forms are accepted.
func UnixClaim(claims map[string]any, name string) (int64, bool) {
	switch value := claims[name].(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// StringClaim reads a string claim, returning "" when absent or mistyped.
func StringClaim(claims map[string]any, name string) string {
	value, _ := claims[name].(string)
	return value
}
