package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Codec converts between a session id and the opaque cookie value sent to
// the client. Both implementations are keyed by the process-wide session
// secret, so a forged cookie cannot name an arbitrary session id.
type Codec interface {
	// Encode produces the cookie value for a session id.
	Encode(sessionID string, expiresAt time.Time) (string, error)

	// Decode recovers the session id from a cookie value. Returns an
	// error for tampered, malformed, or expired values.
	Decode(value string) (string, error)
}

// HMACCodec signs the session id with HMAC-SHA256. The cookie value is
// "<id>.<base64url signature>". This is the default codec.
type HMACCodec struct {
	secret []byte
}

// NewHMACCodec creates an HMAC codec from the session secret.
func NewHMACCodec(secret []byte) (*HMACCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	return &HMACCodec{secret: secret}, nil
}

// Encode signs the session id. The expiry is not embedded; the server-side
// record carries the idle clock.
func (c *HMACCodec) Encode(sessionID string, _ time.Time) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	return sessionID + "." + c.sign(sessionID), nil
}

// Decode verifies the signature and returns the session id.
func (c *HMACCodec) Decode(value string) (string, error) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed session cookie")
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(c.sign(id))) != 1 {
		return "", fmt.Errorf("session cookie signature mismatch")
	}
	return id, nil
}

func (c *HMACCodec) sign(id string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// JWTCodec encodes the session id as a signed JWT with an expiry claim.
// Useful when the cookie must be inspectable by sibling services that
// share the session secret.
type JWTCodec struct {
	secret []byte
}

// NewJWTCodec creates a JWT codec from the session secret.
func NewJWTCodec(secret []byte) (*JWTCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	return &JWTCodec{secret: secret}, nil
}

// Encode produces an HS256 JWT carrying the session id.
func (c *JWTCodec) Encode(sessionID string, expiresAt time.Time) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	claims := jwt.RegisteredClaims{
		Subject:  sessionID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Decode verifies the JWT and returns the session id.
func (c *JWTCodec) Decode(value string) (string, error) {
	parsed, err := jwt.ParseWithClaims(value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return claims.Subject, nil
}
