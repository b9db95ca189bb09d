package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/switchboard/switchboard/internal/protocol"
)

// TokenValidator validates and mints capability tokens. Tokens are compact
// HMAC-SHA256 JWTs signed with the broker's shared secret, so switchctl can
// mint them offline without talking to a running broker.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator creates a validator for the given shared secret.
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{
		secret: []byte(secret),
	}
}

// Claims are the contents of a capability token.
type Claims struct {
	// Subject identifies the operator or automation the token was minted for.
	Subject string `json:"sub"`
	// Capabilities is the set of privileged capabilities the token grants.
	Capabilities []string `json:"caps"`
	// IssuedAt is when the token was issued.
	IssuedAt time.Time `json:"iat"`
	// ExpiresAt is when the token expires.
	ExpiresAt time.Time `json:"exp"`
	// Issuer is who issued the token.
	Issuer string `json:"iss"`
}

// Grants reports whether the token grants the named capability.
func (c *Claims) Grants(capability string) bool {
	for _, name := range c.Capabilities {
		if name == capability {
			return true
		}
	}
	return false
}

// tokenHeader is the JWT header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// tokenClaims is the raw claims encoding with Unix timestamps.
type tokenClaims struct {
	Subject      string   `json:"sub"`
	Capabilities []string `json:"caps"`
	IssuedAt     int64    `json:"iat"`
	ExpiresAt    int64    `json:"exp"`
	Issuer       string   `json:"iss"`
}

// Validate checks a token's signature and expiry and returns its claims.
func (v *TokenValidator) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid header encoding: %w", err)
	}

	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("unsupported algorithm: %s", header.Algorithm)
	}

	if header.Type != "JWT" {
		return nil, fmt.Errorf("unsupported type: %s", header.Type)
	}

	signingInput := parts[0] + "." + parts[1]
	expectedSig := v.sign([]byte(signingInput))
	actualSig, err := base64URLDecode(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	if !hmac.Equal(expectedSig, actualSig) {
		return nil, errors.New("invalid signature")
	}

	claimsBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid claims encoding: %w", err)
	}

	var claims tokenClaims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, fmt.Errorf("invalid claims: %w", err)
	}

	expiresAt := time.Unix(claims.ExpiresAt, 0)
	if time.Now().After(expiresAt) {
		return nil, errors.New("token expired")
	}

	return &Claims{
		Subject:      claims.Subject,
		Capabilities: claims.Capabilities,
		IssuedAt:     time.Unix(claims.IssuedAt, 0),
		ExpiresAt:    expiresAt,
		Issuer:       claims.Issuer,
	}, nil
}

// GenerateToken mints a signed token for the given claims.
func (v *TokenValidator) GenerateToken(claims *Claims) (string, error) {
	header := tokenHeader{
		Algorithm: "HS256",
		Type:      "JWT",
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}

	rawClaims := tokenClaims{
		Subject:      claims.Subject,
		Capabilities: claims.Capabilities,
		IssuedAt:     claims.IssuedAt.Unix(),
		ExpiresAt:    claims.ExpiresAt.Unix(),
		Issuer:       claims.Issuer,
	}

	claimsBytes, err := json.Marshal(rawClaims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	headerEncoded := base64URLEncode(headerBytes)
	claimsEncoded := base64URLEncode(claimsBytes)

	signingInput := headerEncoded + "." + claimsEncoded
	signature := v.sign([]byte(signingInput))
	signatureEncoded := base64URLEncode(signature)

	return signingInput + "." + signatureEncoded, nil
}

// AuthorizeCapabilities resolves the capability set a registration may hold.
// Unprivileged capabilities are granted as requested. Privileged ones
// (management, hot_reload) are granted only when a valid token grants them;
// the result is the intersection of requested and token-granted. Requesting a
// privileged capability with no token at all fails, as does presenting any
// invalid or expired token.
func (v *TokenValidator) AuthorizeCapabilities(requested []string, token string, requireToken bool) ([]string, *Claims, error) {
	var claims *Claims
	if token != "" {
		var err error
		claims, err = v.Validate(token)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if requireToken && claims == nil {
		return nil, nil, errors.New("a token is required to register")
	}

	granted := make([]string, 0, len(requested))
	for _, name := range requested {
		if !privilegedCapability(name) {
			granted = append(granted, name)
			continue
		}
		if claims == nil {
			return nil, nil, fmt.Errorf("capability %q requires a token", name)
		}
		if claims.Grants(name) {
			granted = append(granted, name)
		}
	}

	sort.Strings(granted)
	return granted, claims, nil
}

// privilegedCapability reports whether the capability needs a token grant.
func privilegedCapability(name string) bool {
	switch name {
	case protocol.CapabilityManagement, protocol.CapabilityHotReload:
		return true
	}
	return false
}

// sign creates an HMAC-SHA256 signature.
func (v *TokenValidator) sign(data []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(data)
	return h.Sum(nil)
}

// base64URLEncode encodes data using base64 URL encoding without padding.
func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// base64URLDecode decodes base64 URL encoded data.
func base64URLDecode(s string) ([]byte, error) {
	// Add padding if necessary
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
