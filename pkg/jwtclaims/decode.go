// Package jwtclaims decodes compact JWT payloads without verifying them.
// It exists for diagnostics and propagation checks only: nothing here
// validates signature, expiry, or audience, so callers needing trust
// guarantees must not rely on this package alone.
package jwtclaims

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned when the token has fewer than two
// dot-separated segments and therefore carries no payload to decode.
var ErrMalformedToken = errors.New("malformed token: expected at least 2 segments")

// ErrDecode wraps base64 or JSON failures on an otherwise well-shaped token.
var ErrDecode = errors.New("token payload decode failed")

// Decode extracts the claim set from a compact JWT. A leading "Bearer "
// prefix is tolerated so raw Authorization header values can be passed in.
func Decode(token string) (jwt.MapClaims, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")

	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, ErrMalformedToken
	}

	raw, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return claims, nil
}

// decodeSegment pads a base64url segment to a multiple of 4 and decodes it.
func decodeSegment(segment string) ([]byte, error) {
	segment = strings.ReplaceAll(segment, "-", "+")
	segment = strings.ReplaceAll(segment, "_", "/")
	if rem := len(segment) % 4; rem != 0 {
		segment += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(segment)
}

// StringClaim returns the named claim as a string, or "" when absent or of
// another type.
func StringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

// Roles returns the token's roles claim as a string slice. Tokens issued
// before a role assignment propagates carry no roles claim at all; that
// decodes to an empty slice, not an error.
func Roles(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// HasRole reports whether the decoded token carries the named role.
func HasRole(claims jwt.MapClaims, role string) bool {
	for _, r := range Roles(claims) {
		if r == role {
			return true
		}
	}
	return false
}
