package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wickhamlabs/authgate/pkg/idx"
	"github.com/wickhamlabs/authgate/pkg/jwtx"
)

// AssertionType is the client assertion type sent alongside a signed
// assertion on token endpoint requests (RFC 7523).
const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime bounds how long an issued assertion stays valid. Short
// by design so a leaked assertion is useless almost immediately.
const assertionLifetime = 60 * time.Second

// ErrNotConfigured is returned when an assertion is requested but no signing
// key was loaded at startup.
var ErrNotConfigured = errors.New("client assertion signing is not configured")

// SignedAssertion is a freshly minted client assertion. It is never stored;
// callers attach it to a single outbound token request and discard it.
type SignedAssertion struct {
	Type  string
	Value string
}

// ClientAssertionService issues short-lived private_key_jwt client
// assertions for authenticating this relying party to the token endpoint.
type ClientAssertionService struct {
	// Signer is nil when no key material was configured; the service then
	// reports unconfigured and Issue fails.
	Signer *jwtx.AssertionSigner

	// ClientID is used for both the iss and sub claims.
	ClientID string

	// Authority is the provider's issuer URL, used as the aud claim.
	Authority string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Configured reports whether a signing key was loaded.
func (s *ClientAssertionService) Configured() bool {
	return s != nil && s.Signer != nil
}

// Issue signs a fresh assertion. Every call produces a unique jti so no two
// assertions are replay-identical.
func (s *ClientAssertionService) Issue() (SignedAssertion, error) {
	if !s.Configured() {
		return SignedAssertion{}, ErrNotConfigured
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	claims := jwt.RegisteredClaims{
		Issuer:    s.ClientID,
		Subject:   s.ClientID,
		Audience:  jwt.ClaimStrings{s.Authority},
		ID:        idx.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	signed, err := s.Signer.Sign(claims)
	if err != nil {
		return SignedAssertion{}, fmt.Errorf("sign client assertion: %w", err)
	}
	return SignedAssertion{Type: AssertionType, Value: signed}, nil
}

// JWKS returns the public key set matching the signing key, for publication
// at the well-known JWKS endpoint.
func (s *ClientAssertionService) JWKS() (jwtx.JWKS, error) {
	if !s.Configured() {
		return jwtx.JWKS{}, ErrNotConfigured
	}
	return s.Signer.JWKS(), nil
}
