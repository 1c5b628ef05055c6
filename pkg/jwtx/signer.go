package jwtx

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupportedKey reports key material that is not ECDSA over P-256.
// ES256 is the only algorithm this signer supports, and we fail at load
// time rather than on first signing attempt.
var ErrUnsupportedKey = errors.New("jwtx: unsupported key, ES256 requires ECDSA P-256")

// AssertionSigner signs ES256 JWTs with a private key whose certificate is
// registered with the identity provider. The kid in every token header is
// the base64url SHA-256 thumbprint of the DER certificate, matching the
// x5t#S256 entry in the published JWKS.
type AssertionSigner struct {
	kid  string
	key  *ecdsa.PrivateKey
	jwks JWKS
}

// NewAssertionSigner loads a PKCS8 ECDSA P-256 private key and its
// certificate from PEM bytes. The JWKS document is derived once here;
// recomputing it requires reloading the certificate.
func NewAssertionSigner(keyPEM, certPEM []byte) (*AssertionSigner, error) {
	key, err := parseES256Key(keyPEM)
	if err != nil {
		return nil, err
	}

	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve.Params().Name != "P-256" {
		return nil, ErrUnsupportedKey
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, errors.New("jwtx: certificate does not match private key")
	}

	sum := sha256.Sum256(cert.Raw)
	thumbprint := base64.RawURLEncoding.EncodeToString(sum[:])

	return &AssertionSigner{
		kid:  thumbprint,
		key:  key,
		jwks: JWKS{Keys: []JWK{NewES256CertJWK(cert, pub, thumbprint)}},
	}, nil
}

func (s *AssertionSigner) Alg() string { return jwt.SigningMethodES256.Alg() }
func (s *AssertionSigner) KID() string { return s.kid }

// Sign turns claims into a signed JWT string with the kid header set.
func (s *AssertionSigner) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// JWKS returns the key set derived from the certificate at load time.
func (s *AssertionSigner) JWKS() JWKS {
	return s.jwks
}

func parseES256Key(pemKey []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("jwtx: invalid PEM for signing key")
	}

	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("jwtx: expected PRIVATE KEY, got %q (PKCS8 required)", block.Type)
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse PKCS8: %w", err)
	}

	key, ok := priv.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	if key.Curve.Params().Name != "P-256" {
		return nil, ErrUnsupportedKey
	}

	return key, nil
}

func parseCertificate(pemCert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemCert)
	if block == nil {
		return nil, errors.New("jwtx: invalid PEM for certificate")
	}

	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("jwtx: expected CERTIFICATE, got %q", block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse certificate: %w", err)
	}

	return cert, nil
}
