package jwtx

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
)

// JWK represents a public key in JSON Web Key format (RFC 7517), including
// the X.509 certificate fields (RFC 7517 §4.6-4.9) that identity providers
// use to pin the registered client certificate.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"` // key type: "EC"
	Alg string `json:"alg"` // algorithm: "ES256"
	Use string `json:"use"` // what the key is used for: "sig"

	// X.509 certificate chain and SHA-256 thumbprint
	X5C     []string `json:"x5c,omitempty"`
	X5TS256 string   `json:"x5t#S256,omitempty"`

	// ECDSA coordinates
	Crv string `json:"crv,omitempty"` // curve: "P-256"
	X   string `json:"x,omitempty"`   // base64url x-coordinate
	Y   string `json:"y,omitempty"`   // base64url y-coordinate
}

// JWKS is a JSON Web Key Set (RFC 7517).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// NewES256CertJWK builds a JWK for the ECDSA P-256 public key of cert. The
// kid and x5t#S256 are both the base64url SHA-256 thumbprint of the DER
// certificate, so verifiers can match the JWKS entry against either field.
func NewES256CertJWK(cert *x509.Certificate, pub *ecdsa.PublicKey, thumbprint string) JWK {
	// P-256 coordinates are 32 bytes; pad to keep the encoding canonical.
	xBytes := pub.X.Bytes()
	yBytes := pub.Y.Bytes()

	x := make([]byte, 32)
	y := make([]byte, 32)
	copy(x[32-len(xBytes):], xBytes)
	copy(y[32-len(yBytes):], yBytes)

	return JWK{
		Kid:     thumbprint,
		Kty:     "EC",
		Alg:     "ES256",
		Use:     "sig",
		X5C:     []string{base64.StdEncoding.EncodeToString(cert.Raw)},
		X5TS256: thumbprint,
		Crv:     "P-256",
		X:       base64.RawURLEncoding.EncodeToString(x),
		Y:       base64.RawURLEncoding.EncodeToString(y),
	}
}
