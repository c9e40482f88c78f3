// Package auth implements JWT issuance/validation and agent-token
// verification for the orchestrator. Grounded on server/src/auth.rs of
// the Rust precursor.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry is how long an issued JWT remains valid before refresh.
const TokenExpiry = 24 * time.Hour

// RefreshGrace is how long past expiry a token may still be used to
// request a fresh one, so a browser tab left open over a short network
// blip doesn't force a re-login.
const RefreshGrace = 5 * time.Minute

// Claims is the JWT payload: subject is the username.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateJWT issues a signed token for the given username.
func GenerateJWT(username string, secret []byte) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies signature and expiry, returning the subject.
func ValidateJWT(tokenStr string, secret []byte) (string, error) {
	claims, err := parseClaims(tokenStr, secret, true)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ValidateJWTForRefresh accepts a token that is expired by up to
// RefreshGrace, so /api/auth/refresh can issue a new token without
// forcing a full re-login for a briefly-stale tab.
func ValidateJWTForRefresh(tokenStr string, secret []byte) (string, error) {
	if claims, err := parseClaims(tokenStr, secret, true); err == nil {
		return claims.Subject, nil
	}

	claims, err := parseClaims(tokenStr, secret, false)
	if err != nil {
		return "", err
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("token missing expiry")
	}
	if time.Now().After(claims.ExpiresAt.Time.Add(RefreshGrace)) {
		return "", fmt.Errorf("token expired beyond refresh grace period")
	}
	return claims.Subject, nil
}

func parseClaims(tokenStr string, secret []byte, validateExp bool) (*Claims, error) {
	opts := []jwt.ParserOption{}
	if !validateExp {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	return claims, nil
}

// GenerateSecret returns 32 CSPRNG bytes hex-encoded to 64 characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoadOrGenerateSecret reads the JWT signing secret from path, creating it
// (mode 0600) from a CSPRNG if absent.
func LoadOrGenerateSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return []byte(hexTrim(data)), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read jwt secret: %w", err)
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return nil, fmt.Errorf("write jwt secret: %w", err)
	}
	return []byte(secret), nil
}

func hexTrim(data []byte) string {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
